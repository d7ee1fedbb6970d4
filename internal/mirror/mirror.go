package mirror

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"
	"golang.org/x/sync/singleflight"

	"github.com/any-hub/symhub/internal/cache"
	"github.com/any-hub/symhub/internal/upstream"
)

const (
	defaultWorkers   = 4
	defaultQueueSize = 256
	defaultTimeout   = 10 * time.Minute
)

// Options 控制后台镜像的并发度与排队上限。
type Options struct {
	Workers   int
	QueueSize int
	// Timeout 限制单个任务（Exists + Upload）的总时长。
	Timeout time.Duration
	Logger  *logrus.Logger
	// Open 读取已提交的缓存条目，默认直接打开 Entry.FilePath。
	Open func(cache.Entry) (io.ReadCloser, error)
}

// Stats 是镜像任务的累计计数。
type Stats struct {
	Scheduled uint64 `json:"scheduled"`
	Dropped   uint64 `json:"dropped"`
	Uploaded  uint64 `json:"uploaded"`
	Skipped   uint64 `json:"skipped"`
	Failed    uint64 `json:"failed"`
	Queued    int    `json:"queued"`
}

type task struct {
	entry cache.Entry
}

// Mirror 把已提交的缓存条目异步上传到 Archive，不参与任何客户端请求的结果。
type Mirror struct {
	archive Archive
	logger  *logrus.Logger
	timeout time.Duration
	open    func(cache.Entry) (io.ReadCloser, error)

	mu     sync.RWMutex
	closed bool
	queue  chan task
	done   chan struct{}
	tasks  *pool.Pool
	dedupe singleflight.Group

	scheduled atomic.Uint64
	dropped   atomic.Uint64
	uploaded  atomic.Uint64
	skipped   atomic.Uint64
	failed    atomic.Uint64
}

// New 启动分发 goroutine 与 worker 池。调用方需要在退出时调用 Close。
func New(archive Archive, opts Options) *Mirror {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Open == nil {
		opts.Open = openEntry
	}

	m := &Mirror{
		archive: archive,
		logger:  opts.Logger,
		timeout: opts.Timeout,
		open:    opts.Open,
		queue:   make(chan task, opts.QueueSize),
		done:    make(chan struct{}),
		tasks:   pool.New().WithMaxGoroutines(opts.Workers),
	}
	go m.dispatch()
	return m
}

// Schedule 非阻塞地提交一个镜像任务，返回是否入队。
// 来自 mirror 来源的条目、队列已满或 Mirror 已关闭时返回 false。
func (m *Mirror) Schedule(entry cache.Entry, origin upstream.Kind) bool {
	if m == nil {
		return false
	}
	if origin == upstream.KindMirror {
		return false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false
	}

	select {
	case m.queue <- task{entry: entry}:
		m.scheduled.Add(1)
		return true
	default:
		m.dropped.Add(1)
		m.logger.WithFields(logrus.Fields{
			"action": "mirror_schedule",
			"key":    entry.Key.Path(),
		}).Warn("mirror_queue_full")
		return false
	}
}

// Close 停止接收新任务，并等待已入队任务完成或 ctx 结束。
func (m *Mirror) Close(ctx context.Context) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.queue)
	}
	m.mu.Unlock()

	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("mirror drain interrupted: %w", ctx.Err())
	}
}

// Stats 返回当前计数快照。
func (m *Mirror) Stats() Stats {
	if m == nil {
		return Stats{}
	}
	return Stats{
		Scheduled: m.scheduled.Load(),
		Dropped:   m.dropped.Load(),
		Uploaded:  m.uploaded.Load(),
		Skipped:   m.skipped.Load(),
		Failed:    m.failed.Load(),
		Queued:    len(m.queue),
	}
}

func (m *Mirror) dispatch() {
	defer close(m.done)
	for t := range m.queue {
		t := t
		m.tasks.Go(func() {
			m.process(t)
		})
	}
	m.tasks.Wait()
}

func (m *Mirror) process(t task) {
	fields := logrus.Fields{
		"action": "mirror_upload",
		"key":    t.entry.Key.Path(),
		"size":   t.entry.SizeBytes,
	}

	var pc panics.Catcher
	pc.Try(func() {
		// 同一 Key 的并发任务合并为一次上传。
		_, _, _ = m.dedupe.Do(t.entry.Key.Path(), func() (any, error) {
			m.mirrorEntry(t.entry, fields)
			return nil, nil
		})
	})
	if r := pc.Recovered(); r != nil {
		m.failed.Add(1)
		m.logger.WithFields(fields).WithError(r.AsError()).Error("mirror_task_panic")
	}
}

func (m *Mirror) mirrorEntry(entry cache.Entry, fields logrus.Fields) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	started := time.Now()
	exists, err := m.archive.Exists(ctx, entry.Key)
	if err != nil {
		// 无法确认时仍尝试一次上传，tag 覆盖写是幂等的。
		m.logger.WithFields(fields).WithError(err).Warn("mirror_exists_failed")
	} else if exists {
		m.skipped.Add(1)
		m.logger.WithFields(fields).Debug("mirror_already_archived")
		return
	}

	body, err := m.open(entry)
	if err != nil {
		m.failed.Add(1)
		m.logger.WithFields(fields).WithError(fmt.Errorf("%w: %w", ErrMirror, err)).Warn("mirror_upload_failed")
		return
	}
	defer body.Close()

	if err := m.archive.Upload(ctx, entry.Key, body, entry.SizeBytes); err != nil {
		m.failed.Add(1)
		m.logger.WithFields(fields).WithError(fmt.Errorf("%w: %w", ErrMirror, err)).Warn("mirror_upload_failed")
		return
	}

	m.uploaded.Add(1)
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	m.logger.WithFields(fields).Info("mirror_upload_complete")
}

func openEntry(entry cache.Entry) (io.ReadCloser, error) {
	return os.Open(entry.FilePath)
}
