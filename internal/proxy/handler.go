package proxy

import (
	"context"
	"errors"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/symhub/internal/logging"
	"github.com/any-hub/symhub/internal/resolver"
	"github.com/any-hub/symhub/internal/server"
	"github.com/any-hub/symhub/internal/symbol"
	"github.com/any-hub/symhub/internal/upstream"
)

const (
	headerCacheHit = "X-Symhub-Cache-Hit"
	headerSource   = "X-Symhub-Source"
	headerStale    = "X-Symhub-Stale"

	defaultContentType = "application/octet-stream"
)

// Resolver 由 *resolver.Engine 实现，测试中可替换。
type Resolver interface {
	Resolve(ctx context.Context, raw string) (*resolver.Artifact, error)
}

// Handler 把 `GET|HEAD /<file>/<hash>/<component>` 交给解析引擎，并将结果流式写回客户端。
type Handler struct {
	engine Resolver
	logger *logrus.Logger
}

// NewHandler constructs a proxy handler around the shared resolver engine.
func NewHandler(engine Resolver, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{
		engine: engine,
		logger: logger,
	}
}

// Handle 实现 server.ProxyHandler。
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)
	method := c.Method()
	rawPath := string(c.Request().URI().PathOriginal())

	if method != http.MethodGet && method != http.MethodHead {
		c.Set(fiber.HeaderAllow, "GET, HEAD")
		return h.writeError(c, fiber.StatusMethodNotAllowed, "method_not_allowed")
	}

	ctx := c.UserContext()
	if ctx == nil {
		ctx = context.Background()
	}

	artifact, err := h.engine.Resolve(ctx, rawPath)
	if err != nil {
		status, code := classifyError(err)
		h.logFailure(rawPath, method, requestID, status, started, err)
		return h.writeError(c, status, code)
	}

	c.Set(fiber.HeaderContentType, contentTypeFor(artifact))
	c.Set(headerCacheHit, strconv.FormatBool(artifact.CacheHit))
	c.Set(headerSource, artifact.Source)
	if artifact.Stale {
		c.Set(headerStale, "true")
	}
	c.Status(fiber.StatusOK)

	if method == http.MethodHead {
		artifact.Body.Close()
		if artifact.Size >= 0 {
			c.Response().Header.SetContentLength(int(artifact.Size))
		}
		h.logResult(artifact, method, requestID, started)
		return nil
	}

	h.logResult(artifact, method, requestID, started)
	// fasthttp 在写完响应后关闭 Body。
	if artifact.Size >= 0 {
		return c.SendStream(artifact.Body, int(artifact.Size))
	}
	return c.SendStream(artifact.Body)
}

// classifyError 把引擎返回的错误映射为 HTTP 状态码与错误码。
func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, symbol.ErrInvalidKey):
		return fiber.StatusBadRequest, "invalid_key"
	case errors.Is(err, upstream.ErrIndeterminate):
		return fiber.StatusBadGateway, "upstream_unavailable"
	case errors.Is(err, upstream.ErrNotFound):
		return fiber.StatusNotFound, "not_found"
	default:
		return fiber.StatusInternalServerError, "internal_error"
	}
}

// contentTypeFor 优先按扩展名推断，PE 与 CAB 压缩文件使用固定类型。
func contentTypeFor(artifact *resolver.Artifact) string {
	ext := strings.ToLower(path.Ext(artifact.Key.Component))
	switch {
	case ext == ".pdb" || ext == ".dbg":
		return defaultContentType
	case ext == ".dll" || ext == ".exe" || ext == ".sys":
		return "application/vnd.microsoft.portable-executable"
	case len(ext) == 4 && strings.HasSuffix(ext, "_"):
		return "application/vnd.ms-cab-compressed"
	case ext == ".ptr":
		return "text/plain; charset=utf-8"
	}
	if artifact.ContentType != "" {
		return artifact.ContentType
	}
	return defaultContentType
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(artifact *resolver.Artifact, method, requestID string, started time.Time) {
	fields := logging.RequestFields(artifact.Key, artifact.Source, artifact.CacheHit)
	fields["action"] = "proxy"
	fields["method"] = method
	fields["status"] = fiber.StatusOK
	fields["size"] = artifact.Size
	fields["stale"] = artifact.Stale
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

func (h *Handler) logFailure(rawPath, method, requestID string, status int, started time.Time, err error) {
	fields := logrus.Fields{
		"action":     "proxy",
		"path":       rawPath,
		"method":     method,
		"status":     status,
		"elapsed_ms": time.Since(started).Milliseconds(),
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	entry := h.logger.WithFields(fields).WithError(err)
	if status == fiber.StatusNotFound || status == fiber.StatusBadRequest {
		entry.Info("proxy_failed")
		return
	}
	entry.Warn("proxy_failed")
}
