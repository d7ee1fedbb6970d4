package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/symhub/internal/cache"
	"github.com/any-hub/symhub/internal/coalesce"
	"github.com/any-hub/symhub/internal/symbol"
	"github.com/any-hub/symhub/internal/upstream"
)

const (
	defaultTransferTimeout = 30 * time.Minute
	defaultBufferThreshold = 8 << 20

	// SourceCache 是缓存命中时 Artifact.Source 的取值。
	SourceCache = "cache"
)

// State 是单次解析经历的状态，仅用于调试日志。
type State string

const (
	StateCheckingCache    State = "checking_cache"
	StateStreaming        State = "streaming"
	StateCoalescing       State = "coalescing"
	StateResolving        State = "resolving"
	StatePersistAndStream State = "persist_and_stream"
	StateNotFound         State = "terminal_not_found"
	StateError            State = "terminal_error"
)

// MirrorScheduler 接收已提交的缓存条目，必须立即返回。
type MirrorScheduler interface {
	Schedule(entry cache.Entry, origin upstream.Kind) bool
}

// Upstream 是 Engine 对上游链的依赖，*upstream.Chain 满足该接口。
type Upstream interface {
	Resolve(ctx context.Context, key symbol.Key) (*upstream.Artifact, error)
}

// Options 汇总 Engine 的依赖与调优参数。
type Options struct {
	Store  cache.Store
	Chain  Upstream
	Mirror MirrorScheduler
	Logger *logrus.Logger
	// Group 为空时创建默认分片数的 Group。
	Group *coalesce.Group
	// TransferTimeout 限制一次回源（含正文传输与提交）的总时长。
	TransferTimeout time.Duration
	// BufferThreshold 是合并请求在内存中保留的最大字节数。
	BufferThreshold int64
	// SpillDir 在缓存不可写时存放临时落盘文件，空值使用系统临时目录。
	SpillDir string
}

// Artifact 是返回给路由层的结果。Body 必须由调用方关闭。
type Artifact struct {
	Key         symbol.Key
	Body        io.ReadCloser
	Size        int64
	ContentType string
	Source      string
	CacheHit    bool
	Stale       bool
}

// Engine 是请求解析引擎，整站共享一个实例。
type Engine struct {
	store           cache.Store
	chain           Upstream
	mirror          MirrorScheduler
	group           *coalesce.Group
	logger          *logrus.Logger
	transferTimeout time.Duration
	bufferThreshold int64
	spillDir        string
	stats           counters
}

// New 校验依赖并构建 Engine。
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("cache store required")
	}
	if opts.Chain == nil {
		return nil, errors.New("upstream chain required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Group == nil {
		opts.Group = coalesce.NewGroup(0)
	}
	if opts.TransferTimeout <= 0 {
		opts.TransferTimeout = defaultTransferTimeout
	}
	if opts.BufferThreshold <= 0 {
		opts.BufferThreshold = defaultBufferThreshold
	}
	return &Engine{
		store:           opts.Store,
		chain:           opts.Chain,
		mirror:          opts.Mirror,
		group:           opts.Group,
		logger:          opts.Logger,
		transferTimeout: opts.TransferTimeout,
		bufferThreshold: opts.BufferThreshold,
		spillDir:        opts.SpillDir,
	}, nil
}

// Resolve 规范化原始路径后解析。非法路径返回 symbol.ErrInvalidKey。
func (e *Engine) Resolve(ctx context.Context, raw string) (*Artifact, error) {
	e.stats.requests.Add(1)
	key, err := symbol.Normalize(raw)
	if err != nil {
		e.stats.invalid.Add(1)
		return nil, err
	}
	return e.resolveKey(ctx, key)
}

// ResolveKey 解析已规范化的 Key。
func (e *Engine) ResolveKey(ctx context.Context, key symbol.Key) (*Artifact, error) {
	e.stats.requests.Add(1)
	return e.resolveKey(ctx, key)
}

func (e *Engine) resolveKey(ctx context.Context, key symbol.Key) (*Artifact, error) {
	e.transition(key, StateCheckingCache)

	var stale bool
	res, err := e.store.Lookup(ctx, key)
	switch {
	case err == nil:
		if !e.store.Stale(res.Entry) {
			e.stats.hits.Add(1)
			e.transition(key, StateStreaming)
			return cachedArtifact(res, false), nil
		}
		res.Reader.Close()
		stale = true
	case errors.Is(err, cache.ErrNotFound):
	case ctx.Err() != nil:
		return nil, ctx.Err()
	default:
		e.logger.WithFields(logrus.Fields{
			"action": "cache_lookup",
			"key":    key.Path(),
		}).WithError(err).Warn("cache_lookup_failed")
	}

	e.transition(key, StateCoalescing)
	flight, leader := e.group.Join(key.Path(), func(f *coalesce.Flight) {
		e.fill(f, key)
	})
	if !leader {
		e.stats.coalesced.Add(1)
	}

	result, err := flight.Wait(ctx)
	if err != nil {
		// 仅当前调用方离开，回源与提交继续进行。
		flight.Release()
		return nil, err
	}

	if result.Err != nil {
		flight.Release()
		if stale && (errors.Is(result.Err, upstream.ErrNotFound) || errors.Is(result.Err, upstream.ErrIndeterminate)) {
			if artifact, ok := e.serveStale(ctx, key); ok {
				return artifact, nil
			}
		}
		e.terminal(key, result.Err)
		return nil, result.Err
	}

	if result.Cached {
		flight.Release()
		res, err := e.store.Lookup(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("reopen cached entry: %w", err)
		}
		e.stats.hits.Add(1)
		e.transition(key, StateStreaming)
		return cachedArtifact(res, false), nil
	}

	body, err := flight.Open()
	if err != nil {
		flight.Release()
		return nil, err
	}
	return &Artifact{
		Key:         key,
		Body:        body,
		Size:        result.Size,
		ContentType: result.ContentType,
		Source:      result.Source,
	}, nil
}

// fill 是每个 Flight 唯一的回源过程，不受任何调用方 ctx 影响。
func (e *Engine) fill(f *coalesce.Flight, key symbol.Key) {
	ctx, cancel := context.WithTimeout(context.Background(), e.transferTimeout)
	defer cancel()

	// 加入 Flight 之前其它 Flight 可能刚刚提交。
	if res, err := e.store.Lookup(ctx, key); err == nil {
		fresh := !e.store.Stale(res.Entry)
		size := res.Entry.SizeBytes
		res.Reader.Close()
		if fresh {
			f.Publish(coalesce.Result{Cached: true, Size: size, Source: SourceCache}, nil)
			return
		}
	}

	e.stats.misses.Add(1)
	e.transition(key, StateResolving)
	artifact, err := e.chain.Resolve(ctx, key)
	if err != nil {
		switch {
		case errors.Is(err, upstream.ErrNotFound):
			e.stats.notFound.Add(1)
		default:
			e.stats.upstreamErrors.Add(1)
		}
		f.Publish(coalesce.Result{Err: err}, nil)
		return
	}
	defer artifact.Body.Close()
	e.stats.fetched.Add(1)

	fields := logrus.Fields{
		"action":      "persist",
		"key":         key.Path(),
		"source":      artifact.Source,
		"source_kind": artifact.Kind.String(),
	}

	opts := coalesce.BufferOptions{Threshold: e.bufferThreshold}
	handle, err := e.store.BeginWrite(ctx, key)
	var spill *os.File
	if err != nil {
		handle = nil
		e.logger.WithFields(fields).WithError(err).Warn("cache_write_unavailable")
		spill, err = os.CreateTemp(e.spillDir, "symhub-*.spill")
		if err != nil {
			spill = nil
			e.logger.WithFields(fields).WithError(err).Warn("spill_unavailable")
		} else {
			opts.Sink = spill
			opts.SpillPath = spill.Name()
			opts.RemoveSpill = true
		}
	} else {
		opts.Sink = handle
		opts.SpillPath = handle.Path()
	}

	buf := coalesce.NewBuffer(opts)
	f.Publish(coalesce.Result{
		Size:        artifact.Size,
		ContentType: artifact.ContentType,
		Source:      artifact.Source,
	}, buf)
	e.transition(key, StatePersistAndStream)

	started := time.Now()
	n, copyErr := io.Copy(buf, &contextReader{ctx: ctx, r: artifact.Body})
	if copyErr == nil && artifact.Size >= 0 && n != artifact.Size {
		copyErr = fmt.Errorf("short body: expected %d bytes, got %d", artifact.Size, n)
	}
	buf.Close(copyErr)
	if spill != nil {
		spill.Close()
	}

	fields["bytes"] = n
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if copyErr != nil {
		e.stats.transferErrors.Add(1)
		e.logger.WithFields(fields).WithError(copyErr).Warn("upstream_transfer_failed")
	}
	if handle == nil {
		return
	}
	if copyErr != nil || buf.SinkErr() != nil {
		if sinkErr := buf.SinkErr(); sinkErr != nil {
			e.logger.WithFields(fields).WithError(sinkErr).Warn("cache_write_failed")
		}
		handle.Abort()
		e.stats.commitFailures.Add(1)
		return
	}

	entry, err := handle.Commit()
	if err != nil {
		e.stats.commitFailures.Add(1)
		e.logger.WithFields(fields).WithError(err).Warn("cache_commit_failed")
		return
	}
	e.stats.committed.Add(1)
	e.logger.WithFields(fields).Debug("cache_committed")

	if e.mirror != nil && e.mirror.Schedule(*entry, artifact.Kind) {
		e.stats.mirrorScheduled.Add(1)
	}
}

func (e *Engine) serveStale(ctx context.Context, key symbol.Key) (*Artifact, bool) {
	res, err := e.store.Lookup(ctx, key)
	if err != nil {
		return nil, false
	}
	e.stats.staleServed.Add(1)
	e.logger.WithFields(logrus.Fields{
		"action": "serve_stale",
		"key":    key.Path(),
	}).Info("stale_entry_served")
	e.transition(key, StateStreaming)
	return cachedArtifact(res, true), true
}

func (e *Engine) terminal(key symbol.Key, err error) {
	if errors.Is(err, upstream.ErrNotFound) {
		e.transition(key, StateNotFound)
		return
	}
	e.transition(key, StateError)
}

func (e *Engine) transition(key symbol.Key, state State) {
	if !e.logger.IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	e.logger.WithFields(logrus.Fields{
		"action": "resolve",
		"key":    key.Path(),
		"state":  string(state),
	}).Debug("resolver_state")
}

func cachedArtifact(res *cache.ReadResult, stale bool) *Artifact {
	return &Artifact{
		Key:      res.Entry.Key,
		Body:     res.Reader,
		Size:     res.Entry.SizeBytes,
		Source:   SourceCache,
		CacheHit: true,
		Stale:    stale,
	}
}

// contextReader 让不感知 ctx 的正文（如共享目录文件）也受传输超时约束。
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
