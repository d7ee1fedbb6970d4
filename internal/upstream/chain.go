package upstream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/symhub/internal/symbol"
)

// Chain 是按 Priority 排序的来源列表，构造后只读。
type Chain struct {
	sources []*Source
	logger  *logrus.Logger
}

// NewChain 按 Priority 稳定排序，Priority 相同时保留配置顺序。
func NewChain(logger *logrus.Logger, sources ...*Source) (*Chain, error) {
	if len(sources) == 0 {
		return nil, errors.New("at least one upstream source required")
	}
	seen := make(map[string]struct{}, len(sources))
	ordered := make([]*Source, 0, len(sources))
	for _, src := range sources {
		if src == nil {
			return nil, errors.New("nil upstream source")
		}
		if _, ok := seen[src.Name]; ok {
			return nil, fmt.Errorf("duplicate source name %s", src.Name)
		}
		seen[src.Name] = struct{}{}
		ordered = append(ordered, src)
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority < ordered[j].Priority
	})
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Chain{sources: ordered, logger: logger}, nil
}

// Sources 返回有序来源的副本。
func (c *Chain) Sources() []*Source {
	out := make([]*Source, len(c.sources))
	copy(out, c.sources)
	return out
}

// Resolve 依次查询来源。第一个命中即返回；全部回答不存在时返回 ErrNotFound；
// 否则返回 *IndeterminateError。不做重试。
func (c *Chain) Resolve(ctx context.Context, key symbol.Key) (*Artifact, error) {
	var failures []*SourceError
	for _, src := range c.sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		started := time.Now()
		artifact, err := src.Fetch(ctx, key)
		fields := logrus.Fields{
			"action":      "upstream_fetch",
			"source":      src.Name,
			"source_kind": src.Kind.String(),
			"key":         key.Path(),
			"elapsed_ms":  time.Since(started).Milliseconds(),
		}

		switch {
		case err == nil:
			c.logger.WithFields(fields).Debug("upstream_source_found")
			return artifact, nil
		case errors.Is(err, ErrNotFound):
			c.logger.WithFields(fields).Debug("upstream_source_not_found")
			continue
		}

		var srcErr *SourceError
		if !errors.As(err, &srcErr) {
			return nil, err
		}
		fields["reason"] = string(srcErr.Reason)
		c.logger.WithFields(fields).WithError(srcErr.Err).Warn("upstream_source_failed")
		failures = append(failures, srcErr)
	}

	if len(failures) == 0 {
		return nil, ErrNotFound
	}
	return nil, &IndeterminateError{Failures: failures}
}

// ProbeResult 描述单个来源的可达性。
type ProbeResult struct {
	Source    string        `json:"source"`
	Kind      string        `json:"kind"`
	Endpoint  string        `json:"endpoint"`
	Reachable bool          `json:"reachable"`
	Error     string        `json:"error,omitempty"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Probe 并发探测所有来源，结果顺序与 Sources() 一致。单个来源失败不影响其它来源。
func (c *Chain) Probe(ctx context.Context) []ProbeResult {
	results := make([]ProbeResult, len(c.sources))
	g, gctx := errgroup.WithContext(ctx)
	for i, src := range c.sources {
		i, src := i, src
		g.Go(func() error {
			started := time.Now()
			err := src.probe(gctx)
			results[i] = ProbeResult{
				Source:    src.Name,
				Kind:      src.Kind.String(),
				Endpoint:  src.Endpoint(),
				Reachable: err == nil,
				Elapsed:   time.Since(started),
			}
			if err != nil {
				results[i].Error = err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (s *Source) probe(ctx context.Context) error {
	switch s.Kind {
	case KindHTTP:
		return s.probeHTTP(ctx)
	case KindFileshare:
		return s.probeFileshare(ctx)
	case KindMirror:
		pinger, ok := s.archive.(interface{ Ping(context.Context) error })
		if !ok {
			return nil
		}
		if err := pinger.Ping(ctx); err != nil {
			return s.fail(ReasonConnectionFailed, err)
		}
		return nil
	default:
		return s.fail(ReasonBadResponse, fmt.Errorf("unsupported kind %s", s.Kind))
	}
}
