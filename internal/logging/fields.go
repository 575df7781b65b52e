package logging

import (
	"github.com/sirupsen/logrus"

	"github.com/any-hub/cache-proxy/internal/request"
)

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// ConnFields 提供连接级字段，请求行解析前即可使用。
func ConnFields(connID, client string) logrus.Fields {
	return logrus.Fields{
		"action":  "proxy",
		"conn_id": connID,
		"client":  client,
	}
}

// RequestFields 在连接字段基础上追加解析后的请求与命中状态，供代理请求日志复用。
func RequestFields(base logrus.Fields, req request.Request, cacheHit bool) logrus.Fields {
	fields := make(logrus.Fields, len(base)+5)
	for k, v := range base {
		fields[k] = v
	}
	fields["method"] = req.Method
	fields["host"] = req.Host
	fields["path"] = req.Path
	fields["cache_key"] = req.CacheKey
	fields["cache_hit"] = cacheHit
	return fields
}
