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

const (
	defaultListenAddress   = "127.0.0.1:5000"
	defaultUpstreamTimeout = 30 * time.Second
	defaultTransferTimeout = 30 * time.Minute
	defaultBufferThreshold = 8 * 1024 * 1024
	defaultMirrorWorkers   = 4
	defaultMirrorQueueSize = 256
	defaultMirrorTimeout   = 10 * time.Minute
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

	if err := rejectLegacyKeys(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyMirrorDefaults(&cfg.Mirror)
	for i := range cfg.Sources {
		applySourceDefaults(&cfg.Sources[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenAddress", defaultListenAddress)
	v.SetDefault("AllowRoutableListen", false)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("CacheTTL", 0)
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("TransferTimeout", "30m")
	v.SetDefault("CoalesceBufferThreshold", defaultBufferThreshold)
	v.SetDefault("Mirror.Enabled", false)
	v.SetDefault("Mirror.Workers", defaultMirrorWorkers)
	v.SetDefault("Mirror.QueueSize", defaultMirrorQueueSize)
	v.SetDefault("Mirror.Timeout", "10m")
	v.SetDefault("Mirror.ServeFromMirror", true)
}

func applyGlobalDefaults(g *GlobalConfig) {
	g.ListenAddress = strings.TrimSpace(g.ListenAddress)
	if g.ListenAddress == "" {
		g.ListenAddress = defaultListenAddress
	}
	if g.CacheTTL.DurationValue() < 0 {
		g.CacheTTL = Duration(0)
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(defaultUpstreamTimeout)
	}
	if g.TransferTimeout.DurationValue() == 0 {
		g.TransferTimeout = Duration(defaultTransferTimeout)
	}
	if g.CoalesceBufferThreshold == 0 {
		g.CoalesceBufferThreshold = defaultBufferThreshold
	}
}

func applyMirrorDefaults(m *MirrorConfig) {
	m.Repository = strings.TrimSpace(m.Repository)
	if m.Workers == 0 {
		m.Workers = defaultMirrorWorkers
	}
	if m.QueueSize == 0 {
		m.QueueSize = defaultMirrorQueueSize
	}
	if m.Timeout.DurationValue() == 0 {
		m.Timeout = Duration(defaultMirrorTimeout)
	}
}

func applySourceDefaults(s *SourceConfig) {
	s.Name = strings.TrimSpace(s.Name)
	s.Type = strings.ToLower(strings.TrimSpace(s.Type))
	if s.Type == "" {
		s.Type = "http"
	}
	s.Upstream = strings.TrimSpace(s.Upstream)
	s.Path = strings.TrimSpace(s.Path)
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

// rejectLegacyKeys 拒绝旧版配置中的 ListenPort 与来源级 Port，提示改用 ListenAddress。
func rejectLegacyKeys(v *viper.Viper) error {
	if v.IsSet("ListenPort") {
		return newFieldError("Global.ListenPort", "字段已弃用，请改用 ListenAddress")
	}

	raw := v.Get("Source")
	sources, ok := raw.([]interface{})
	if !ok {
		return nil
	}

	for idx, entry := range sources {
		m, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		_, upper := m["Port"]
		_, lower := m["port"]
		if upper || lower {
			name := fmt.Sprintf("#%d", idx)
			if rawName, ok := m["Name"].(string); ok && rawName != "" {
				name = rawName
			}
			return newFieldError(sourceField(name, "Port"), "字段已弃用，请移除并使用全局 ListenAddress")
		}
	}

	return nil
}
