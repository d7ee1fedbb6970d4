package logging

import (
	"github.com/sirupsen/logrus"

	"github.com/any-hub/symhub/internal/symbol"
)

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供符号键/来源/命中状态字段，供代理请求日志复用。
func RequestFields(key symbol.Key, source string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"file":      key.File,
		"hash":      key.Hash,
		"component": key.Component,
		"source":    source,
		"cache_hit": cacheHit,
	}
}
