package cache

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/any-hub/symhub/internal/symbol"
)

// Store 负责管理磁盘缓存的读写。磁盘布局遵循：
//
//	<StoragePath>/<File>/<HASH>/<Component>    # 已发布的正文
//	<StoragePath>/.staging/<uuid>.part         # 写入中的暂存文件
//
// 条目一旦发布便不再修改，只能整体替换或删除。
type Store interface {
	// Lookup 返回一个可流式读取的缓存条目。若不存在则返回 ErrNotFound。
	Lookup(ctx context.Context, key symbol.Key) (*ReadResult, error)

	// Exists 仅检查条目是否已发布。
	Exists(ctx context.Context, key symbol.Key) (bool, error)

	// BeginWrite 申请一个暂存位置，所有写入都经由返回的 WriteHandle。
	BeginWrite(ctx context.Context, key symbol.Key) (*WriteHandle, error)

	// Put 将 body 完整写入并发布，等价于 BeginWrite → Write → Commit。
	Put(ctx context.Context, key symbol.Key, body io.Reader) (*Entry, error)

	// Remove 删除已发布的条目，供外部淘汰策略调用。
	Remove(ctx context.Context, key symbol.Key) error

	// Stale 根据 TTL 判断条目是否需要回源刷新。
	Stale(entry Entry) bool
}

// Entry 表示一个已发布的缓存条目。
type Entry struct {
	Key       symbol.Key `json:"key"`
	FilePath  string     `json:"file_path"`
	SizeBytes int64      `json:"size_bytes"`
	StoredAt  time.Time  `json:"stored_at"`
}

// ReadResult 组合 Entry 与正文 Reader，便于代理层直接将 Body 流式返回。
type ReadResult struct {
	Entry  Entry
	Reader io.ReadSeekCloser
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrCacheIO 包装本地存储故障，调用方应将其视为未命中。
	ErrCacheIO = errors.New("cache io error")
	// ErrHandleClosed 表示 WriteHandle 已提交或放弃。
	ErrHandleClosed = errors.New("cache write handle closed")
)
