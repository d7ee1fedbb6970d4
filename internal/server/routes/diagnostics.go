package routes

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/symhub/internal/mirror"
	"github.com/any-hub/symhub/internal/resolver"
	"github.com/any-hub/symhub/internal/upstream"
	"github.com/any-hub/symhub/internal/version"
)

const defaultProbeTimeout = 5 * time.Second

// StatsProvider 由 *resolver.Engine 实现。
type StatsProvider interface {
	Stats() resolver.Stats
}

// Diagnostics 汇总诊断接口需要读取的运行时组件。Mirror 可以为空。
type Diagnostics struct {
	Engine       StatsProvider
	Mirror       *mirror.Mirror
	Chain        *upstream.Chain
	ProbeTimeout time.Duration
	Started      time.Time
}

// RegisterDiagnosticsRoutes 暴露 /-/status 与 /-/sources，供运维查询计数与来源连通性。
func RegisterDiagnosticsRoutes(app *fiber.App, diag Diagnostics) {
	if app == nil || diag.Engine == nil || diag.Chain == nil {
		return
	}
	if diag.ProbeTimeout <= 0 {
		diag.ProbeTimeout = defaultProbeTimeout
	}
	if diag.Started.IsZero() {
		diag.Started = time.Now()
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		return c.JSON(encodeStatus(diag))
	})

	app.Get("/-/sources", func(c fiber.Ctx) error {
		payload := sourcesPayload{Sources: encodeSources(diag.Chain.Sources())}
		if c.Query("probe") != "false" {
			ctx, cancel := context.WithTimeout(c.Context(), diag.ProbeTimeout)
			defer cancel()
			payload.Probes = diag.Chain.Probe(ctx)
		}
		return c.JSON(payload)
	})
}

type statusPayload struct {
	Version       string         `json:"version"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Engine        resolver.Stats `json:"engine"`
	Mirror        *mirrorPayload `json:"mirror"`
}

type mirrorPayload struct {
	Enabled bool         `json:"enabled"`
	Stats   mirror.Stats `json:"stats"`
}

type sourcePayload struct {
	Name          string `json:"name"`
	Kind          string `json:"kind"`
	Priority      int    `json:"priority"`
	Endpoint      string `json:"endpoint"`
	Authenticated bool   `json:"authenticated"`
	TimeoutMillis int64  `json:"timeout_ms"`
}

type sourcesPayload struct {
	Sources []sourcePayload        `json:"sources"`
	Probes  []upstream.ProbeResult `json:"probes,omitempty"`
}

func encodeStatus(diag Diagnostics) statusPayload {
	payload := statusPayload{
		Version:       version.Full(),
		UptimeSeconds: int64(time.Since(diag.Started) / time.Second),
		Engine:        diag.Engine.Stats(),
		Mirror:        &mirrorPayload{Enabled: diag.Mirror != nil},
	}
	if diag.Mirror != nil {
		payload.Mirror.Stats = diag.Mirror.Stats()
	}
	return payload
}

func encodeSources(sources []*upstream.Source) []sourcePayload {
	result := make([]sourcePayload, 0, len(sources))
	for _, src := range sources {
		result = append(result, sourcePayload{
			Name:          src.Name,
			Kind:          src.Kind.String(),
			Priority:      src.Priority,
			Endpoint:      src.Endpoint(),
			Authenticated: src.Authenticated(),
			TimeoutMillis: src.Timeout.Milliseconds(),
		})
	}
	return result
}
