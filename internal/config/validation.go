package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
)

var supportedSourceTypes = map[string]struct{}{
	"http":      {},
	"fileshare": {},
}

const supportedSourceTypeList = "http|fileshare"

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if err := validateListenAddress(g.ListenAddress); err != nil {
		return newFieldError("Global.ListenAddress", err.Error())
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.CacheTTL.DurationValue() < 0 {
		return newFieldError("Global.CacheTTL", "不能为负数")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.TransferTimeout.DurationValue() <= 0 {
		return newFieldError("Global.TransferTimeout", "必须大于 0")
	}
	if g.CoalesceBufferThreshold <= 0 {
		return newFieldError("Global.CoalesceBufferThreshold", "必须大于 0")
	}

	if err := c.validateMirror(); err != nil {
		return err
	}

	mirrorServes := c.Mirror.Enabled && c.Mirror.ServeFromMirror
	if len(c.Sources) == 0 && !mirrorServes {
		return errors.New("至少需要配置一个 Source")
	}

	seenNames := map[string]struct{}{}
	for i := range c.Sources {
		src := &c.Sources[i]
		if src.Name == "" {
			return newFieldError("Source[].Name", "不能为空")
		}
		if _, exists := seenNames[src.Name]; exists {
			return newFieldError(sourceField(src.Name, "Name"), "重复")
		}
		if mirrorServes && strings.EqualFold(src.Name, MirrorSourceName) {
			return newFieldError(sourceField(src.Name, "Name"), "mirror 为保留名称")
		}
		seenNames[src.Name] = struct{}{}

		normalizedType := strings.ToLower(strings.TrimSpace(src.Type))
		if normalizedType == "" {
			return newFieldError(sourceField(src.Name, "Type"), "不能为空")
		}
		if _, ok := supportedSourceTypes[normalizedType]; !ok {
			return newFieldError(sourceField(src.Name, "Type"), "仅支持 "+supportedSourceTypeList)
		}
		src.Type = normalizedType

		if src.Timeout.DurationValue() < 0 {
			return newFieldError(sourceField(src.Name, "Timeout"), "不能为负数")
		}

		switch normalizedType {
		case "http":
			if err := validateUpstream(src.Upstream); err != nil {
				return fmt.Errorf("%s: %w", sourceField(src.Name, "Upstream"), err)
			}
			if (src.Username == "") != (src.Password == "") {
				return newFieldError(sourceField(src.Name, "Username/Password"), "必须同时提供或同时留空")
			}
			if src.TokenEnv != "" && src.Username != "" {
				return newFieldError(sourceField(src.Name, "TokenEnv"), "不能与 Username/Password 同时使用")
			}
			if src.TokenEnv != "" && os.Getenv(src.TokenEnv) == "" {
				return newFieldError(sourceField(src.Name, "TokenEnv"), fmt.Sprintf("环境变量 %s 未设置", src.TokenEnv))
			}
		case "fileshare":
			if src.Path == "" {
				return newFieldError(sourceField(src.Name, "Path"), "不能为空")
			}
			if src.HasCredentials() {
				return newFieldError(sourceField(src.Name, "Username/Password"), "fileshare 来源不支持凭证")
			}
		}
	}

	return c.validateListenGuard()
}

func (c *Config) validateMirror() error {
	m := c.Mirror
	if !m.Enabled {
		return nil
	}
	if m.Repository == "" {
		return newFieldError("Mirror.Repository", "启用镜像时不能为空")
	}
	if strings.Contains(m.Repository, "://") {
		return newFieldError("Mirror.Repository", "不应包含协议头")
	}
	if m.Workers < 0 {
		return newFieldError("Mirror.Workers", "不能为负数")
	}
	if m.QueueSize < 0 {
		return newFieldError("Mirror.QueueSize", "不能为负数")
	}
	if m.Timeout.DurationValue() < 0 {
		return newFieldError("Mirror.Timeout", "不能为负数")
	}
	if m.PasswordEnv != "" && m.Username == "" {
		return newFieldError("Mirror.Username", "配置 PasswordEnv 时不能为空")
	}
	return nil
}

// validateListenGuard 拒绝在可路由地址上暴露携带凭证的上游，除非显式允许。
func (c *Config) validateListenGuard() error {
	if c.Global.AllowRoutableListen || !c.HasCredentialedSource() {
		return nil
	}
	host, _, _ := net.SplitHostPort(c.Global.ListenAddress)
	if isLoopbackHost(host) {
		return nil
	}
	return newFieldError("Global.ListenAddress",
		"监听可路由地址且存在需要凭证的上游，任何能访问该端口的人都会借用这些凭证；确认后设置 AllowRoutableListen = true")
}

func validateListenAddress(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("格式应为 host:port: %v", err)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n <= 0 || n > 65535 {
		return errors.New("端口必须在 1-65535")
	}
	if strings.Contains(host, " ") {
		return errors.New("Host 不允许包含空格")
	}
	return nil
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}
