package cache

import (
	"os"
	"sync"

	"github.com/any-hub/symhub/internal/symbol"
)

// WriteHandle 持有一个暂存文件，Commit 之前对读者不可见。
// Write 只允许单个 goroutine 调用；Commit/Abort 只生效一次。
type WriteHandle struct {
	store  *fileStore
	key    symbol.Key
	file   *os.File
	staged string
	target string

	mu      sync.Mutex
	written int64
	closed  bool
}

// Key 返回该写入对应的符号键。
func (h *WriteHandle) Key() symbol.Key {
	return h.key
}

// Path 返回暂存文件路径，供 coalesce.Buffer 在超过内存阈值后回读。
func (h *WriteHandle) Path() string {
	return h.staged
}

// Written 返回已写入暂存文件的字节数。
func (h *WriteHandle) Written() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.written
}

func (h *WriteHandle) Write(p []byte) (int, error) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return 0, ErrHandleClosed
	}

	n, err := h.file.Write(p)

	h.mu.Lock()
	h.written += int64(n)
	h.mu.Unlock()
	if err != nil {
		return n, ioError(err)
	}
	return n, nil
}

// Commit 刷盘并原子发布暂存文件。失败时暂存文件会被清理。
func (h *WriteHandle) Commit() (*Entry, error) {
	if !h.markClosed() {
		return nil, ErrHandleClosed
	}

	syncErr := h.file.Sync()
	closeErr := h.file.Close()
	if syncErr != nil || closeErr != nil {
		os.Remove(h.staged)
		if syncErr != nil {
			return nil, ioError(syncErr)
		}
		return nil, ioError(closeErr)
	}

	entry, err := h.store.publish(h.key, h.staged, h.target)
	if err != nil {
		os.Remove(h.staged)
		return nil, err
	}
	return entry, nil
}

// Abort 丢弃暂存文件。已提交的 handle 调用 Abort 不产生任何效果。
func (h *WriteHandle) Abort() error {
	if !h.markClosed() {
		return nil
	}
	h.file.Close()
	if err := os.Remove(h.staged); err != nil && !os.IsNotExist(err) {
		return ioError(err)
	}
	return nil
}

func (h *WriteHandle) markClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.closed = true
	return true
}
