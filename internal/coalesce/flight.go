package coalesce

import (
	"context"
	"errors"
	"io"
	"sync"
)

// Result 是 leader 发布给所有订阅者的结果。Err 非空时没有正文。
type Result struct {
	Err         error
	Size        int64
	ContentType string
	Source      string
	Cached      bool
}

// Flight 是某个 key 的一次进行中的解析，由 Group 持有。
type Flight struct {
	key   string
	ready chan struct{}

	publishOnce sync.Once
	result      Result
	buf         *Buffer

	mu       sync.Mutex
	refs     int
	ended    bool
	idleDone bool
	idle     []func()
}

func newFlight(key string) *Flight {
	return &Flight{key: key, ready: make(chan struct{})}
}

// Key 返回 Flight 对应的 key。
func (f *Flight) Key() string {
	return f.key
}

// Publish 发布结果与正文 Buffer，只有第一次调用生效。
func (f *Flight) Publish(res Result, buf *Buffer) {
	f.publishOnce.Do(func() {
		f.result = res
		if res.Err == nil {
			f.buf = buf
		}
		close(f.ready)
	})
}

// Wait 阻塞到结果发布或 ctx 结束。ctx 结束只影响当前调用方。
func (f *Flight) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.ready:
		return f.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Open 返回一个从头读取正文的独立 Reader，关闭时释放调用方持有的引用。
// 只能在 Wait 成功且 Result.Err 为空后调用一次。
func (f *Flight) Open() (io.ReadCloser, error) {
	select {
	case <-f.ready:
	default:
		return nil, errors.New("flight result not published")
	}
	if f.result.Err != nil {
		return nil, f.result.Err
	}
	if f.buf == nil {
		return nil, errors.New("flight published without body")
	}
	return &reader{buf: f.buf, release: f.Release}, nil
}

// Release 释放调用方持有的引用。
func (f *Flight) Release() {
	f.mu.Lock()
	f.refs--
	fns := f.takeIdleLocked()
	f.mu.Unlock()
	runIdle(fns)
}

// OnIdle 注册在传输结束且引用归零后执行一次的清理函数。
func (f *Flight) OnIdle(fn func()) {
	f.mu.Lock()
	if f.idleDone {
		f.mu.Unlock()
		fn()
		return
	}
	f.idle = append(f.idle, fn)
	f.mu.Unlock()
}

func (f *Flight) acquire() {
	f.mu.Lock()
	f.refs++
	f.mu.Unlock()
}

func (f *Flight) finish() {
	f.mu.Lock()
	f.ended = true
	fns := f.takeIdleLocked()
	f.mu.Unlock()
	runIdle(fns)
}

func (f *Flight) takeIdleLocked() []func() {
	if !f.ended || f.refs > 0 || f.idleDone {
		return nil
	}
	f.idleDone = true
	fns := f.idle
	f.idle = nil
	if f.buf != nil {
		fns = append(fns, f.buf.release)
	}
	return fns
}

func (f *Flight) buffer() *Buffer {
	select {
	case <-f.ready:
		return f.buf
	default:
		return nil
	}
}

func runIdle(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}
