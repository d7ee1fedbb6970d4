package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/any-hub/symhub/internal/symbol"
)

// userAgent 与 symchk/dbghelp 请求保持一致，部分符号服务器据此放行。
const userAgent = "Microsoft-Symbol-Server/10.0.0.0"

// maxDrainBytes 限制 404 响应体的读取量，便于复用连接。
const maxDrainBytes = 64 << 10

func (s *Source) objectURL(key symbol.Key) string {
	return s.baseURL.JoinPath(key.File, key.Hash, key.Component).String()
}

func (s *Source) fetchHTTP(ctx context.Context, key symbol.Key) (*Artifact, error) {
	reqCtx, w := s.watch(ctx)

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, s.objectURL(key), nil)
	if err != nil {
		w.cancel()
		return nil, s.fail(ReasonBadResponse, err)
	}
	req.Header.Set("User-Agent", userAgent)
	s.credentials.apply(req)

	resp, err := s.client.Do(req)
	if err != nil {
		w.cancel()
		if w.timedOut() {
			return nil, s.fail(ReasonTimeout, fmt.Errorf("no response within %s", s.Timeout))
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, s.fail(ReasonTimeout, err)
		}
		return nil, s.fail(ReasonConnectionFailed, err)
	}

	if !w.disarm() {
		resp.Body.Close()
		w.cancel()
		return nil, s.fail(ReasonTimeout, fmt.Errorf("no response within %s", s.Timeout))
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return &Artifact{
			Body:        &cancelOnClose{ReadCloser: resp.Body, cancel: w.cancel},
			Size:        resp.ContentLength,
			ContentType: resp.Header.Get("Content-Type"),
			Source:      s.Name,
			Kind:        s.Kind,
		}, nil
	case http.StatusNotFound, http.StatusGone:
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))
		resp.Body.Close()
		w.cancel()
		return nil, ErrNotFound
	default:
		resp.Body.Close()
		w.cancel()
		return nil, s.fail(ReasonBadResponse, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
}

// probeHTTP 对来源根地址发起 HEAD，任何 HTTP 响应都视为可达。
func (s *Source) probeHTTP(ctx context.Context) error {
	reqCtx, w := s.watch(ctx)
	defer w.cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodHead, s.baseURL.String(), nil)
	if err != nil {
		return s.fail(ReasonBadResponse, err)
	}
	req.Header.Set("User-Agent", userAgent)
	s.credentials.apply(req)

	resp, err := s.client.Do(req)
	if err != nil {
		if w.timedOut() {
			return s.fail(ReasonTimeout, fmt.Errorf("no response within %s", s.Timeout))
		}
		return s.fail(ReasonConnectionFailed, err)
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return s.fail(ReasonBadResponse, fmt.Errorf("credentials rejected: status %d", resp.StatusCode))
	}
	return nil
}
