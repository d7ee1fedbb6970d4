package coalesce

import (
	"errors"
	"io"
	"os"
	"sync"
)

// ErrBufferClosed 表示 Buffer 已结束写入。
var ErrBufferClosed = errors.New("coalesce buffer closed")

// BufferOptions 配置 Buffer 的内存阈值与落盘副本。
type BufferOptions struct {
	// Threshold 是内存中保留的最大字节数，超过后读者改为从 SpillPath 回读。
	Threshold int64
	// Sink 接收每一块写入，通常是缓存的暂存文件。Sink 先于内存写入。
	Sink io.Writer
	// SpillPath 是 Sink 落盘的路径，读者在切换后通过独立的只读句柄访问。
	SpillPath string
	// RemoveSpill 为 true 时，Buffer 释放后删除 SpillPath。
	RemoveSpill bool
}

// Buffer 是只追加的广播缓冲：一个写者，多个各自维护游标的读者。
type Buffer struct {
	opts BufferOptions

	mu      sync.Mutex
	cond    *sync.Cond
	mem     []byte
	size    int64
	spill   *os.File
	done    bool
	err     error
	sinkErr error
	freed   bool
}

// NewBuffer 创建 Buffer。
func NewBuffer(opts BufferOptions) *Buffer {
	if opts.Threshold < 0 {
		opts.Threshold = 0
	}
	b := &Buffer{opts: opts}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Write 由唯一的写者调用。Sink 在内存模式下失败时只记录 SinkErr 并继续；
// 读者已切换到磁盘后 Sink 失败则整个流失败。
func (b *Buffer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	b.mu.Lock()
	if b.done {
		b.mu.Unlock()
		return 0, ErrBufferClosed
	}
	sinkHealthy := b.opts.Sink != nil && b.sinkErr == nil
	spilled := b.spill != nil
	b.mu.Unlock()

	if sinkHealthy {
		if _, err := b.opts.Sink.Write(p); err != nil {
			b.mu.Lock()
			b.sinkErr = err
			b.mu.Unlock()
			if spilled {
				return 0, err
			}
			sinkHealthy = false
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.spill == nil {
		b.mem = append(b.mem, p...)
		if sinkHealthy && b.opts.SpillPath != "" && int64(len(b.mem)) > b.opts.Threshold {
			// 打开失败时继续留在内存中。
			if f, err := os.Open(b.opts.SpillPath); err == nil {
				b.spill = f
				b.mem = nil
			}
		}
	}
	b.size += int64(len(p))
	b.cond.Broadcast()
	return len(p), nil
}

// Close 结束写入。err 非空时读者在读完已有字节后收到该错误。
func (b *Buffer) Close(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return
	}
	b.done = true
	b.err = err
	b.cond.Broadcast()
}

func (b *Buffer) abort(err error) {
	b.Close(err)
}

// Size 返回已写入的字节数。
func (b *Buffer) Size() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Spilled 报告读者是否已切换到磁盘副本。
func (b *Buffer) Spilled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.spill != nil
}

// SinkErr 返回 Sink 的首个写入错误；非空意味着磁盘副本不完整。
func (b *Buffer) SinkErr() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sinkErr
}

// Err 返回 Close 时记录的错误。
func (b *Buffer) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

func (b *Buffer) readAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	for off >= b.size && !b.done {
		b.cond.Wait()
	}
	if off >= b.size {
		err := b.err
		b.mu.Unlock()
		if err != nil {
			return 0, err
		}
		return 0, io.EOF
	}
	if b.freed {
		b.mu.Unlock()
		return 0, ErrBufferClosed
	}

	avail := b.size - off
	if int64(len(p)) > avail {
		p = p[:avail]
	}
	if b.spill == nil {
		n := copy(p, b.mem[off:])
		b.mu.Unlock()
		return n, nil
	}
	spill := b.spill
	b.mu.Unlock()

	n, err := spill.ReadAt(p, off)
	if n > 0 {
		return n, nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return 0, err
}

// release 在所有读者离开后关闭回读句柄并按需删除落盘文件。
func (b *Buffer) release() {
	b.mu.Lock()
	if b.freed {
		b.mu.Unlock()
		return
	}
	b.freed = true
	spill := b.spill
	b.mem = nil
	b.mu.Unlock()

	if spill != nil {
		spill.Close()
	}
	if b.opts.RemoveSpill && b.opts.SpillPath != "" {
		os.Remove(b.opts.SpillPath)
	}
}

type reader struct {
	buf     *Buffer
	off     int64
	once    sync.Once
	release func()
}

func (r *reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n, err := r.buf.readAt(p, r.off)
	r.off += int64(n)
	return n, err
}

func (r *reader) Close() error {
	r.once.Do(r.release)
	return nil
}
