package config

import (
	"fmt"
	"os"
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

// GlobalConfig 描述全局运行时行为。
type GlobalConfig struct {
	ListenAddress           string   `mapstructure:"ListenAddress"`
	AllowRoutableListen     bool     `mapstructure:"AllowRoutableListen"`
	LogLevel                string   `mapstructure:"LogLevel"`
	LogFilePath             string   `mapstructure:"LogFilePath"`
	LogMaxSize              int      `mapstructure:"LogMaxSize"`
	LogMaxBackups           int      `mapstructure:"LogMaxBackups"`
	LogCompress             bool     `mapstructure:"LogCompress"`
	StoragePath             string   `mapstructure:"StoragePath"`
	CacheTTL                Duration `mapstructure:"CacheTTL"`
	UpstreamTimeout         Duration `mapstructure:"UpstreamTimeout"`
	TransferTimeout         Duration `mapstructure:"TransferTimeout"`
	CoalesceBufferThreshold int64    `mapstructure:"CoalesceBufferThreshold"`
}

// MirrorConfig 描述远端归档仓库，Enabled=false 时不做任何镜像。
type MirrorConfig struct {
	Enabled    bool   `mapstructure:"Enabled"`
	Repository string `mapstructure:"Repository"`
	Username   string `mapstructure:"Username"`
	// PasswordEnv 指向保存密码的环境变量，避免明文写入配置文件。
	PasswordEnv     string   `mapstructure:"PasswordEnv"`
	Insecure        bool     `mapstructure:"Insecure"`
	Workers         int      `mapstructure:"Workers"`
	QueueSize       int      `mapstructure:"QueueSize"`
	Timeout         Duration `mapstructure:"Timeout"`
	ServeFromMirror bool     `mapstructure:"ServeFromMirror"`
}

// SourceConfig 对应一个 [[Source]] 段。
type SourceConfig struct {
	Name     string   `mapstructure:"Name"`
	Type     string   `mapstructure:"Type"`
	Upstream string   `mapstructure:"Upstream"`
	Path     string   `mapstructure:"Path"`
	Priority int      `mapstructure:"Priority"`
	Timeout  Duration `mapstructure:"Timeout"`
	Username string   `mapstructure:"Username"`
	Password string   `mapstructure:"Password"`
	TokenEnv string   `mapstructure:"TokenEnv"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global  GlobalConfig   `mapstructure:",squash"`
	Mirror  MirrorConfig   `mapstructure:"Mirror"`
	Sources []SourceConfig `mapstructure:"Source"`
}

// MirrorSourceName 是 ServeFromMirror 隐式插入的来源名，配置中的来源不得使用。
const MirrorSourceName = "mirror"

// HasCredentials 表示当前来源是否配置了凭证。
func (s SourceConfig) HasCredentials() bool {
	return (s.Username != "" && s.Password != "") || s.TokenEnv != ""
}

// Token 从 TokenEnv 指向的环境变量读取 Bearer Token。
func (s SourceConfig) Token() string {
	if s.TokenEnv == "" {
		return ""
	}
	return os.Getenv(s.TokenEnv)
}

// AuthMode 输出 `credentialed` 或 `anonymous`，供日志字段使用。
func (s SourceConfig) AuthMode() string {
	if s.HasCredentials() {
		return "credentialed"
	}
	return "anonymous"
}

// CredentialModes 返回所有来源的鉴权模式摘要，例如 corp:credentialed。
func CredentialModes(sources []SourceConfig) []string {
	if len(sources) == 0 {
		return nil
	}
	result := make([]string, len(sources))
	for i, src := range sources {
		result[i] = fmt.Sprintf("%s:%s", src.Name, src.AuthMode())
	}
	return result
}

// Password 从 PasswordEnv 指向的环境变量读取镜像仓库密码。
func (m MirrorConfig) Password() string {
	if m.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(m.PasswordEnv)
}

// EffectiveSourceTimeout 返回来源生效的超时，未覆盖时回退至全局 UpstreamTimeout。
func (c *Config) EffectiveSourceTimeout(s SourceConfig) time.Duration {
	if s.Timeout.DurationValue() > 0 {
		return s.Timeout.DurationValue()
	}
	return c.Global.UpstreamTimeout.DurationValue()
}

// HasCredentialedSource 报告是否存在需要凭证的来源（含镜像读回）。
func (c *Config) HasCredentialedSource() bool {
	for _, src := range c.Sources {
		if src.HasCredentials() {
			return true
		}
	}
	return c.Mirror.Enabled && c.Mirror.ServeFromMirror && c.Mirror.Username != ""
}
