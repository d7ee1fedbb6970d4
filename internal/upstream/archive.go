package upstream

import (
	"context"
	"errors"
	"fmt"

	"github.com/any-hub/symhub/internal/symbol"
)

func (s *Source) fetchMirror(ctx context.Context, key symbol.Key) (*Artifact, error) {
	reqCtx, w := s.watch(ctx)

	body, size, err := s.archive.Fetch(reqCtx, key)
	if err != nil {
		w.cancel()
		switch {
		case errors.Is(err, ErrNotFound):
			return nil, ErrNotFound
		case w.timedOut():
			return nil, s.fail(ReasonTimeout, fmt.Errorf("archive did not answer within %s", s.Timeout))
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			return nil, s.fail(ReasonConnectionFailed, err)
		}
	}

	if !w.disarm() {
		body.Close()
		w.cancel()
		return nil, s.fail(ReasonTimeout, fmt.Errorf("archive did not answer within %s", s.Timeout))
	}

	return &Artifact{
		Body:   &cancelOnClose{ReadCloser: body, cancel: w.cancel},
		Size:   size,
		Source: s.Name,
		Kind:   s.Kind,
	}, nil
}
