package server

import (
	"net"
	"net/http"
	"time"

	"github.com/any-hub/symhub/internal/config"
)

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   32,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// NewUpstreamClient 返回共享 http.Client，用于所有 http 来源。
// Client 不设置整体 Timeout：等待响应头受来源级超时约束，正文传输受 TransferTimeout 约束，
// 若在此处设置会截断大文件的下载。
func NewUpstreamClient(cfg *config.Config) *http.Client {
	transport := defaultTransport.Clone()
	if cfg != nil && cfg.Global.UpstreamTimeout.DurationValue() > 0 {
		transport.ResponseHeaderTimeout = cfg.Global.UpstreamTimeout.DurationValue()
		for _, src := range cfg.Sources {
			if timeout := cfg.EffectiveSourceTimeout(src); timeout > transport.ResponseHeaderTimeout {
				transport.ResponseHeaderTimeout = timeout
			}
		}
	}

	return &http.Client{
		Transport: transport,
	}
}
