package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	hooks := mapstructure.ComposeDecodeHookFunc(durationDecodeHook(), byteSizeDecodeHook())
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hooks)); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	for i := range cfg.Origins {
		applyOriginDefaults(&cfg.Origins[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage
	if cfg.Global.MetadataPath != "" {
		absMeta, err := filepath.Abs(cfg.Global.MetadataPath)
		if err != nil {
			return nil, fmt.Errorf("无法解析元数据路径: %w", err)
		}
		cfg.Global.MetadataPath = absMeta
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenHost", "")
	v.SetDefault("ListenPort", 8080)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("ChunkSize", "64KiB")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("FollowerPollInterval", "500ms")
	v.SetDefault("FollowerStallTimeout", "2m")
	v.SetDefault("ClientWriteTimeout", "30s")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 8080
	}
	if g.ChunkSize == 0 {
		g.ChunkSize = ByteSize(64 * 1024)
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.FollowerPollInterval.DurationValue() == 0 {
		g.FollowerPollInterval = Duration(500 * time.Millisecond)
	}
	if g.FollowerStallTimeout.DurationValue() == 0 {
		g.FollowerStallTimeout = Duration(2 * time.Minute)
	}
	if g.ClientWriteTimeout.DurationValue() == 0 {
		g.ClientWriteTimeout = Duration(30 * time.Second)
	}
	g.DefaultOrigin = strings.TrimSpace(g.DefaultOrigin)
}

func applyOriginDefaults(o *OriginConfig) {
	o.Name = strings.TrimSpace(o.Name)
	o.Domain = strings.ToLower(strings.TrimSpace(o.Domain))
	o.Upstream = strings.TrimRight(strings.TrimSpace(o.Upstream), "/")
	if o.Domain == "" && o.Upstream != "" {
		// 未声明 Domain 时沿用上游 Host，对应“透明代理”场景：客户端仍请求源站域名。
		if host := upstreamHost(o.Upstream); host != "" {
			o.Domain = host
		}
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}

func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(ByteSize(0))
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			size, err := parseByteSize(v)
			if err != nil {
				return nil, fmt.Errorf("无法解析 ByteSize 字段: %s", v)
			}
			return size, nil
		case int:
			return ByteSize(v), nil
		case int64:
			return ByteSize(v), nil
		case float64:
			return ByteSize(int64(v)), nil
		case ByteSize:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 ByteSize 类型: %T", v)
		}
	}
}
