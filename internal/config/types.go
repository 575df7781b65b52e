package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
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

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
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

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// ConnectionMode 决定监听循环如何调度客户端连接。
type ConnectionMode string

const (
	// ConnectionModeConcurrent 每个连接一个 goroutine。
	ConnectionModeConcurrent ConnectionMode = "concurrent"
	// ConnectionModeSequential 处理完一个连接才接受下一个。
	ConnectionModeSequential ConnectionMode = "sequential"
)

// GlobalConfig 描述监听、缓存目录与日志等进程级参数。
type GlobalConfig struct {
	ListenHost     string         `mapstructure:"ListenHost"`
	ListenPort     int            `mapstructure:"ListenPort"`
	BufferSize     int            `mapstructure:"BufferSize"`
	CacheDir       string         `mapstructure:"CacheDir"`
	JournalPath    string         `mapstructure:"JournalPath"`
	ConnectionMode ConnectionMode `mapstructure:"ConnectionMode"`
	MaxConnections int            `mapstructure:"MaxConnections"`
	ClientTimeout  Duration       `mapstructure:"ClientTimeout"`
	LogLevel       string         `mapstructure:"LogLevel"`
	LogFilePath    string         `mapstructure:"LogFilePath"`
	LogMaxSize     int            `mapstructure:"LogMaxSize"`
	LogMaxBackups  int            `mapstructure:"LogMaxBackups"`
	LogCompress    bool           `mapstructure:"LogCompress"`
}

// OriginConfig 控制回源连接。Port 默认 80，URL 中携带的端口不会被使用。
type OriginConfig struct {
	Port           int      `mapstructure:"Port"`
	ConnectTimeout Duration `mapstructure:"ConnectTimeout"`
	ReadTimeout    Duration `mapstructure:"ReadTimeout"`
}

// AdminConfig 控制只读诊断接口，ListenPort 为 0 时不启动。
type AdminConfig struct {
	ListenPort int `mapstructure:"ListenPort"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Origin OriginConfig `mapstructure:"Origin"`
	Admin  AdminConfig  `mapstructure:"Admin"`
}

// ListenAddr 返回代理监听地址。
func (g GlobalConfig) ListenAddr() string {
	return net.JoinHostPort(g.ListenHost, strconv.Itoa(g.ListenPort))
}

// AdminEnabled 表示是否需要启动诊断接口。
func (a AdminConfig) AdminEnabled() bool {
	return a.ListenPort > 0
}

// AdminAddr 诊断接口与代理共用监听 host。
func (c *Config) AdminAddr() string {
	return net.JoinHostPort(c.Global.ListenHost, strconv.Itoa(c.Admin.ListenPort))
}
