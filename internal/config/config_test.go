package config

import (
	"errors"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	cfg, err := Load(testConfigPath(t, "valid.toml"))
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Global.ListenAddress != "127.0.0.1:5000" {
		t.Fatalf("ListenAddress 应当被解析，得到 %s", cfg.Global.ListenAddress)
	}
	if cfg.Global.CacheTTL.DurationValue() != 168*time.Hour {
		t.Fatalf("CacheTTL 解析错误: %s", cfg.Global.CacheTTL.DurationValue())
	}
	if cfg.Global.TransferTimeout.DurationValue() != defaultTransferTimeout {
		t.Fatalf("TransferTimeout 应该自动填充默认值")
	}
	if cfg.Global.CoalesceBufferThreshold != defaultBufferThreshold {
		t.Fatalf("CoalesceBufferThreshold 应该自动填充默认值")
	}
	if len(cfg.Sources) != 2 {
		t.Fatalf("应解析出两个来源，得到 %d", len(cfg.Sources))
	}
	if cfg.EffectiveSourceTimeout(cfg.Sources[0]) != 20*time.Second {
		t.Fatalf("来源未设置 Timeout 时应退回全局 UpstreamTimeout")
	}
	if cfg.EffectiveSourceTimeout(cfg.Sources[1]) != 5*time.Second {
		t.Fatalf("来源级 Timeout 应该优先生效")
	}
	if cfg.Mirror.Workers != defaultMirrorWorkers || !cfg.Mirror.ServeFromMirror {
		t.Fatalf("Mirror 默认值未生效: %+v", cfg.Mirror)
	}
}

func TestValidateRejectsBadSource(t *testing.T) {
	if _, err := Load(testConfigPath(t, "missing.toml")); err == nil {
		t.Fatalf("不合法的配置应返回错误")
	}
}

func TestValidateListenAddress(t *testing.T) {
	testCases := []struct {
		name      string
		address   string
		shouldErr bool
	}{
		{"loopback", "127.0.0.1:5000", false},
		{"all interfaces", ":8080", false},
		{"ipv6", "[::1]:5000", false},
		{"missing port", "127.0.0.1", true},
		{"port zero", "127.0.0.1:0", true},
		{"port overflow", "127.0.0.1:70000", true},
		{"not numeric", "localhost:http", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Global.ListenAddress = tc.address
			err := cfg.Validate()
			if tc.shouldErr && err == nil {
				t.Fatalf("地址 %q 应当报错", tc.address)
			}
			if !tc.shouldErr && err != nil {
				t.Fatalf("地址 %q 不应报错: %v", tc.address, err)
			}
		})
	}
}

func TestSourceTypeValidation(t *testing.T) {
	testCases := []struct {
		name       string
		sourceType string
		shouldErr  bool
	}{
		{"http ok", "http", false},
		{"upper case ok", "HTTP", false},
		{"missing type", "", true},
		{"unsupported type", "ftp", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Sources[0].Type = tc.sourceType
			err := cfg.Validate()
			if tc.shouldErr && err == nil {
				t.Fatalf("expected error for type %q", tc.sourceType)
			}
			if !tc.shouldErr && err != nil {
				t.Fatalf("unexpected error for type %q: %v", tc.sourceType, err)
			}
		})
	}
}

func TestValidateRequiresCredentialPairs(t *testing.T) {
	cfg := validConfig()
	cfg.Sources[0].Username = "foo"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("仅提供 Username 时应报错")
	}
}

func TestValidateRejectsDuplicateAndReservedNames(t *testing.T) {
	cfg := validConfig()
	cfg.Sources = append(cfg.Sources, cfg.Sources[0])
	if err := cfg.Validate(); err == nil {
		t.Fatalf("重复的来源名称应报错")
	}

	cfg = validConfig()
	cfg.Mirror = MirrorConfig{Enabled: true, Repository: "registry.local/symbols", ServeFromMirror: true}
	cfg.Sources[0].Name = "Mirror"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("mirror 为保留名称，应报错")
	}
}

func TestValidateFileshareRequiresPath(t *testing.T) {
	cfg := validConfig()
	cfg.Sources[0] = SourceConfig{Name: "share", Type: "fileshare"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("fileshare 缺少 Path 应报错")
	}
	cfg.Sources[0].Path = "/srv/symbols"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("合法的 fileshare 不应报错: %v", err)
	}
}

func TestValidateRequiresSourceUnlessMirrorServes(t *testing.T) {
	cfg := validConfig()
	cfg.Sources = nil
	if err := cfg.Validate(); err == nil {
		t.Fatalf("没有任何来源时应报错")
	}

	cfg.Mirror = MirrorConfig{Enabled: true, Repository: "registry.local/symbols", ServeFromMirror: true}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("镜像可读回时允许没有来源: %v", err)
	}
}

func TestValidateMirrorRequiresRepository(t *testing.T) {
	cfg := validConfig()
	cfg.Mirror = MirrorConfig{Enabled: true}
	err := cfg.Validate()
	var fieldErr FieldError
	if !errors.As(err, &fieldErr) || fieldErr.Field != "Mirror.Repository" {
		t.Fatalf("启用镜像但缺少 Repository 应返回字段错误，得到 %v", err)
	}
}

func TestValidateRoutableListenGuard(t *testing.T) {
	cfg := validConfig()
	cfg.Sources[0].Username = "user"
	cfg.Sources[0].Password = "secret"

	if err := cfg.Validate(); err != nil {
		t.Fatalf("回环地址携带凭证不应报错: %v", err)
	}

	cfg.Global.ListenAddress = "0.0.0.0:5000"
	err := cfg.Validate()
	var fieldErr FieldError
	if !errors.As(err, &fieldErr) || fieldErr.Field != "Global.ListenAddress" {
		t.Fatalf("可路由地址携带凭证应报错，得到 %v", err)
	}

	cfg.Global.ListenAddress = ":5000"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("空 Host 视为监听全部网卡，应报错")
	}

	cfg.Global.AllowRoutableListen = true
	if err := cfg.Validate(); err != nil {
		t.Fatalf("显式允许后不应报错: %v", err)
	}
}

func TestValidateTokenEnvMustBeSet(t *testing.T) {
	cfg := validConfig()
	cfg.Sources[0].TokenEnv = "SYMHUB_TEST_TOKEN"
	t.Setenv("SYMHUB_TEST_TOKEN", "")
	if err := cfg.Validate(); err == nil {
		t.Fatalf("TokenEnv 指向空变量时应报错")
	}

	t.Setenv("SYMHUB_TEST_TOKEN", "abc")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("TokenEnv 已设置时不应报错: %v", err)
	}
	if cfg.Sources[0].Token() != "abc" {
		t.Fatalf("Token 应读取环境变量")
	}
	if cfg.Sources[0].AuthMode() != "credentialed" {
		t.Fatalf("配置 TokenEnv 后应视为 credentialed")
	}
}

func TestCredentialModes(t *testing.T) {
	cfg := validConfig()
	cfg.Sources = append(cfg.Sources, SourceConfig{Name: "corp", Type: "http", Upstream: "https://symbols.corp", Username: "u", Password: "p"})
	modes := CredentialModes(cfg.Sources)
	if len(modes) != 2 || modes[0] != "microsoft:anonymous" || modes[1] != "corp:credentialed" {
		t.Fatalf("凭证摘要错误: %v", modes)
	}
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenAddress:           "127.0.0.1:5000",
			StoragePath:             "./data",
			UpstreamTimeout:         Duration(time.Second),
			TransferTimeout:         Duration(time.Minute),
			CoalesceBufferThreshold: 1024,
		},
		Sources: []SourceConfig{
			{
				Name:     "microsoft",
				Type:     "http",
				Upstream: "https://msdl.microsoft.com/download/symbols",
			},
		},
	}
}
