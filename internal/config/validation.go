package config

import (
	"errors"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if strings.ContainsAny(g.ListenHost, " /") {
		return newFieldError("Global.ListenHost", "不允许包含空格或路径")
	}
	if !validPort(g.ListenPort) {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.BufferSize <= 0 {
		return newFieldError("Global.BufferSize", "必须大于 0")
	}
	if strings.TrimSpace(g.CacheDir) == "" {
		return newFieldError("Global.CacheDir", "不能为空")
	}
	if g.JournalPath != "" && insideDir(g.CacheDir, g.JournalPath) {
		return newFieldError("Global.JournalPath", "不能位于 CacheDir 内")
	}
	switch g.ConnectionMode {
	case ConnectionModeConcurrent, ConnectionModeSequential:
	default:
		return newFieldError("Global.ConnectionMode", "仅支持 concurrent/sequential")
	}
	if g.MaxConnections < 0 {
		return newFieldError("Global.MaxConnections", "不能为负数")
	}
	if g.ClientTimeout.DurationValue() < 0 {
		return newFieldError("Global.ClientTimeout", "不能为负数")
	}
	if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
		return newFieldError("Global.LogLevel", "无法识别的日志级别: "+g.LogLevel)
	}
	if g.LogMaxSize < 0 {
		return newFieldError("Global.LogMaxSize", "不能为负数")
	}
	if g.LogMaxBackups < 0 {
		return newFieldError("Global.LogMaxBackups", "不能为负数")
	}

	o := c.Origin
	if !validPort(o.Port) {
		return newFieldError("Origin.Port", "必须在 1-65535")
	}
	if o.ConnectTimeout.DurationValue() < 0 {
		return newFieldError("Origin.ConnectTimeout", "不能为负数")
	}
	if o.ReadTimeout.DurationValue() < 0 {
		return newFieldError("Origin.ReadTimeout", "不能为负数")
	}

	a := c.Admin
	if a.ListenPort != 0 {
		if !validPort(a.ListenPort) {
			return newFieldError("Admin.ListenPort", "必须为 0 或 1-65535")
		}
		if a.ListenPort == g.ListenPort {
			return newFieldError("Admin.ListenPort", "不能与 ListenPort 相同")
		}
	}

	return nil
}

// insideDir 判断 path 是否位于 dir 之下；缓存目录只能存放缓存条目。
func insideDir(dir, path string) bool {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(absDir, absPath)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func validPort(port int) bool {
	return port > 0 && port <= 65535
}
