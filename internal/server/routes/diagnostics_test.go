package routes

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/symhub/internal/resolver"
	"github.com/any-hub/symhub/internal/upstream"
)

func TestStatusReportsEngineCounters(t *testing.T) {
	app := newDiagnosticsApp(t, t.TempDir())

	resp, err := app.Test(httptest.NewRequest("GET", "/-/status", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var payload statusPayload
	decodeBody(t, resp.Body, &payload)
	if payload.Engine.Hits != 7 || payload.Engine.InFlight != 2 {
		t.Fatalf("unexpected engine stats %+v", payload.Engine)
	}
	if payload.Mirror == nil || payload.Mirror.Enabled {
		t.Fatalf("mirror should be reported as disabled, got %+v", payload.Mirror)
	}
	if payload.Version == "" {
		t.Fatalf("version should be reported")
	}
}

func TestSourcesListsChainWithProbes(t *testing.T) {
	root := t.TempDir()
	app := newDiagnosticsApp(t, root)

	resp, err := app.Test(httptest.NewRequest("GET", "/-/sources", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}

	var payload sourcesPayload
	decodeBody(t, resp.Body, &payload)
	if len(payload.Sources) != 2 {
		t.Fatalf("expected 2 sources, got %d", len(payload.Sources))
	}
	if payload.Sources[0].Name != "share" || payload.Sources[0].Kind != "fileshare" {
		t.Fatalf("unexpected first source %+v", payload.Sources[0])
	}
	if len(payload.Probes) != 2 {
		t.Fatalf("expected probe results, got %d", len(payload.Probes))
	}
	if !payload.Probes[0].Reachable {
		t.Fatalf("existing share should be reachable: %s", payload.Probes[0].Error)
	}
	if payload.Probes[1].Reachable {
		t.Fatalf("missing share should be unreachable")
	}
}

func TestSourcesSkipsProbeWhenDisabled(t *testing.T) {
	app := newDiagnosticsApp(t, t.TempDir())

	resp, err := app.Test(httptest.NewRequest("GET", "/-/sources?probe=false", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	var payload sourcesPayload
	decodeBody(t, resp.Body, &payload)
	if len(payload.Probes) != 0 {
		t.Fatalf("probe=false should skip probing")
	}
}

func newDiagnosticsApp(t *testing.T, root string) *fiber.App {
	t.Helper()

	share, err := upstream.NewSource(upstream.SourceConfig{
		Name:     "share",
		Kind:     upstream.KindFileshare,
		Path:     root,
		Priority: 1,
		Timeout:  time.Second,
	})
	if err != nil {
		t.Fatalf("NewSource failed: %v", err)
	}
	missing, err := upstream.NewSource(upstream.SourceConfig{
		Name:     "offline",
		Kind:     upstream.KindFileshare,
		Path:     filepath.Join(root, "does-not-exist"),
		Priority: 2,
		Timeout:  time.Second,
	})
	if err != nil {
		t.Fatalf("NewSource failed: %v", err)
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	chain, err := upstream.NewChain(logger, missing, share)
	if err != nil {
		t.Fatalf("NewChain failed: %v", err)
	}

	app := fiber.New()
	RegisterDiagnosticsRoutes(app, Diagnostics{
		Engine: fixedStats{Hits: 7, InFlight: 2},
		Chain:  chain,
	})
	return app
}

type fixedStats resolver.Stats

func (f fixedStats) Stats() resolver.Stats {
	return resolver.Stats(f)
}

func decodeBody(t *testing.T, body io.Reader, out any) {
	t.Helper()
	if err := json.NewDecoder(body).Decode(out); err != nil {
		t.Fatalf("decode body failed: %v", err)
	}
}
