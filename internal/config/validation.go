package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
)

const maxChunkSize = 16 * 1024 * 1024

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.LogLevel != "" {
		if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
			return newFieldError("Global.LogLevel", "无法识别的日志级别")
		}
	}
	if g.ChunkSize <= 0 || g.ChunkSize > maxChunkSize {
		return newFieldError("Global.ChunkSize", "必须在 1B-16MiB")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.FollowerPollInterval.DurationValue() <= 0 {
		return newFieldError("Global.FollowerPollInterval", "必须大于 0")
	}
	if g.FollowerStallTimeout.DurationValue() < g.FollowerPollInterval.DurationValue() {
		return newFieldError("Global.FollowerStallTimeout", "不能小于 FollowerPollInterval")
	}
	if g.ClientWriteTimeout.DurationValue() <= 0 {
		return newFieldError("Global.ClientWriteTimeout", "必须大于 0")
	}
	if strings.ContainsAny(g.AdvertiseHost, "/ ") {
		return newFieldError("Global.AdvertiseHost", "只能是主机名或 IP")
	}

	if len(c.Origins) == 0 {
		return errors.New("至少需要配置一个 Origin")
	}

	seenNames := map[string]struct{}{}
	seenDomains := map[string]struct{}{}
	for i := range c.Origins {
		origin := &c.Origins[i]
		if err := validateOriginName(origin.Name); err != nil {
			return newFieldError(originField(origin.Name, "Name"), err.Error())
		}
		if _, exists := seenNames[origin.Name]; exists {
			return newFieldError(originField(origin.Name, "Name"), "重复")
		}
		seenNames[origin.Name] = struct{}{}

		if err := validateUpstream(origin.Upstream); err != nil {
			return fmt.Errorf("%s: %w", originField(origin.Name, "Upstream"), err)
		}
		if err := validateDomain(origin.Domain); err != nil {
			return fmt.Errorf("%s: %w", originField(origin.Name, "Domain"), err)
		}
		domain := strings.ToLower(origin.Domain)
		if _, exists := seenDomains[domain]; exists {
			return newFieldError(originField(origin.Name, "Domain"), "与其它 Origin 重复")
		}
		seenDomains[domain] = struct{}{}

		if origin.Proxy != "" {
			if err := validateUpstream(origin.Proxy); err != nil {
				return fmt.Errorf("%s: %w", originField(origin.Name, "Proxy"), err)
			}
		}
	}

	if g.DefaultOrigin != "" {
		if _, ok := seenNames[g.DefaultOrigin]; !ok {
			return newFieldError("Global.DefaultOrigin", fmt.Sprintf("未定义的 Origin: %s", g.DefaultOrigin))
		}
	}

	return nil
}

// validateOriginName 约束 Origin 名称，它同时是缓存目录名。
func validateOriginName(name string) error {
	if name == "" {
		return errors.New("不能为空")
	}
	if strings.HasPrefix(name, ".") {
		return errors.New("不能以 . 开头")
	}
	if strings.ContainsAny(name, `/\ `) {
		return errors.New("不能包含路径分隔符或空格")
	}
	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http://") || strings.HasPrefix(domain, "https://") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}

func upstreamHost(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(parsed.Hostname())
}
