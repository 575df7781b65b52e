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

// EnvPrefix 是环境变量覆盖的前缀，例如 CACHE_PROXY_LISTENPORT、CACHE_PROXY_ORIGIN_PORT。
const EnvPrefix = "CACHE_PROXY"

// Load 读取并解析 TOML 配置文件，同时注入默认值、环境变量与校验逻辑。
// path 为空时只使用默认值与环境变量。
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyOriginDefaults(&cfg.Origin)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absCache, err := filepath.Abs(cfg.Global.CacheDir)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.CacheDir = absCache

	if cfg.Global.JournalPath != "" {
		absJournal, err := filepath.Abs(cfg.Global.JournalPath)
		if err != nil {
			return nil, fmt.Errorf("无法解析回源日志路径: %w", err)
		}
		cfg.Global.JournalPath = absJournal
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenHost", "localhost")
	v.SetDefault("ListenPort", 8080)
	v.SetDefault("BufferSize", 4096)
	v.SetDefault("CacheDir", "./cache")
	v.SetDefault("JournalPath", "")
	v.SetDefault("ConnectionMode", string(ConnectionModeConcurrent))
	v.SetDefault("MaxConnections", 0)
	v.SetDefault("ClientTimeout", "30s")
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("Origin.Port", 80)
	v.SetDefault("Origin.ConnectTimeout", "10s")
	v.SetDefault("Origin.ReadTimeout", "30s")
	v.SetDefault("Admin.ListenPort", 0)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if strings.TrimSpace(g.ListenHost) == "" {
		g.ListenHost = "localhost"
	}
	if g.ListenPort == 0 {
		g.ListenPort = 8080
	}
	if g.BufferSize == 0 {
		g.BufferSize = 4096
	}
	mode := ConnectionMode(strings.ToLower(strings.TrimSpace(string(g.ConnectionMode))))
	if mode == "" {
		mode = ConnectionModeConcurrent
	}
	g.ConnectionMode = mode
	g.LogLevel = strings.ToLower(strings.TrimSpace(g.LogLevel))
	if g.LogLevel == "" {
		g.LogLevel = "info"
	}
}

func applyOriginDefaults(o *OriginConfig) {
	if o.Port == 0 {
		o.Port = 80
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
