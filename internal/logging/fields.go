package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供 origin/路径/命中状态字段，供代理请求日志复用。
func RequestFields(origin, domain, remotePath, disposition string) logrus.Fields {
	return logrus.Fields{
		"origin":      origin,
		"domain":      domain,
		"remote_path": remotePath,
		"cache":       disposition,
	}
}

// EntryFields 描述缓存条目本身，供引擎内部的回源/回滚日志使用。
func EntryFields(origin, remotePath string, contentLength int64) logrus.Fields {
	return logrus.Fields{
		"origin":         origin,
		"remote_path":    remotePath,
		"content_length": contentLength,
	}
}
