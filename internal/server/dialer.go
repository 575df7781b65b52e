package server

import (
	"net"
	"time"

	"github.com/any-hub/cache-proxy/internal/config"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultKeepAlive      = 30 * time.Second
)

// NewOriginDialer 返回所有回源请求共享的 net.Dialer，集中配置连接超时。
// ConnectTimeout 为 0 时不设上限，仅受系统默认限制。
func NewOriginDialer(cfg *config.Config) *net.Dialer {
	timeout := defaultConnectTimeout
	if cfg != nil {
		timeout = cfg.Origin.ConnectTimeout.DurationValue()
	}

	return &net.Dialer{
		Timeout:   timeout,
		KeepAlive: defaultKeepAlive,
	}
}
