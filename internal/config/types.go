package config

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/units"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}
	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}
	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}
	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// ByteSize 表示字节数，支持 "64KiB"、"1MiB" 这类 base-2 写法以及纯数字。
type ByteSize int64

// UnmarshalText 解析 ByteSize 文本形式。
func (b *ByteSize) UnmarshalText(text []byte) error {
	parsed, err := parseByteSize(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// Int 返回 int 形式，供缓冲区分配使用。
func (b ByteSize) Int() int {
	return int(b)
}

func parseByteSize(raw string) (ByteSize, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ByteSize(0), nil
	}
	if intVal, err := parseInt(raw); err == nil {
		return ByteSize(intVal), nil
	}
	size, err := units.ParseBase2Bytes(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size value: %s", raw)
	}
	return ByteSize(size), nil
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述全局运行时行为，所有 Origin 共享同一份参数。
type GlobalConfig struct {
	ListenHost           string   `mapstructure:"ListenHost"`
	ListenPort           int      `mapstructure:"ListenPort"`
	AdvertiseHost        string   `mapstructure:"AdvertiseHost"`
	LogLevel             string   `mapstructure:"LogLevel"`
	LogFilePath          string   `mapstructure:"LogFilePath"`
	LogMaxSize           int      `mapstructure:"LogMaxSize"`
	LogMaxBackups        int      `mapstructure:"LogMaxBackups"`
	LogCompress          bool     `mapstructure:"LogCompress"`
	StoragePath          string   `mapstructure:"StoragePath"`
	MetadataPath         string   `mapstructure:"MetadataPath"`
	ChunkSize            ByteSize `mapstructure:"ChunkSize"`
	UpstreamTimeout      Duration `mapstructure:"UpstreamTimeout"`
	FollowerPollInterval Duration `mapstructure:"FollowerPollInterval"`
	FollowerStallTimeout Duration `mapstructure:"FollowerStallTimeout"`
	ClientWriteTimeout   Duration `mapstructure:"ClientWriteTimeout"`
	DefaultOrigin        string   `mapstructure:"DefaultOrigin"`
}

// OriginConfig 描述一个上游源站：客户端请求的域名与实际回源地址。
type OriginConfig struct {
	Name     string `mapstructure:"Name"`
	Domain   string `mapstructure:"Domain"`
	Upstream string `mapstructure:"Upstream"`
	Proxy    string `mapstructure:"Proxy"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global  GlobalConfig   `mapstructure:",squash"`
	Origins []OriginConfig `mapstructure:"Origin"`
}

// StateDir 返回缓存根目录下的内部状态目录（元数据库、锁标记）。
func (g GlobalConfig) StateDir() string {
	return filepath.Join(g.StoragePath, StateDirName)
}

// LockDir 返回锁标记文件目录。
func (g GlobalConfig) LockDir() string {
	return filepath.Join(g.StateDir(), "locks")
}

// EffectiveMetadataPath 未显式配置 MetadataPath 时落在状态目录下。
func (g GlobalConfig) EffectiveMetadataPath() string {
	if strings.TrimSpace(g.MetadataPath) != "" {
		return g.MetadataPath
	}
	return filepath.Join(g.StateDir(), "metadata.db")
}

// StateDirName 是缓存根目录中保留给内部状态的目录名，Origin 名称不能与之冲突。
const StateDirName = ".artifact-proxy"

// OriginNames 返回所有 Origin 名称，供启动日志使用。
func OriginNames(origins []OriginConfig) []string {
	if len(origins) == 0 {
		return nil
	}
	result := make([]string, len(origins))
	for i, origin := range origins {
		result[i] = fmt.Sprintf("%s:%s", origin.Name, origin.Domain)
	}
	return result
}
