package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/any-hub/symhub/internal/symbol"
)

const (
	stagingDirName = ".staging"
	stagingSuffix  = ".part"
	// 超过该时长的暂存文件视为进程崩溃遗留，启动时清理。
	orphanStagingAge = time.Hour
)

// NewStore 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。ttl<=0 表示条目永不过期。
func NewStore(basePath string, ttl time.Duration) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	staging := filepath.Join(abs, stagingDirName)
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	store := &fileStore{
		basePath:    abs,
		stagingPath: staging,
		ttl:         ttl,
		now:         time.Now,
		locks:       make(map[string]*entryLock),
	}
	store.sweepStaging()
	return store, nil
}

// fileStore 通过 entryLock 串行化同一 Key 的发布与删除，读取路径不加锁。
type fileStore struct {
	basePath    string
	stagingPath string
	ttl         time.Duration
	now         func() time.Time

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (s *fileStore) Lookup(ctx context.Context, key symbol.Key) (*ReadResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	filePath, err := s.entryPath(key)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, ioError(err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, ioError(err)
	}
	if info.IsDir() {
		f.Close()
		return nil, ErrNotFound
	}

	return &ReadResult{
		Entry: Entry{
			Key:       key,
			FilePath:  filePath,
			SizeBytes: info.Size(),
			StoredAt:  info.ModTime(),
		},
		Reader: f,
	}, nil
}

func (s *fileStore) Exists(ctx context.Context, key symbol.Key) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	filePath, err := s.entryPath(key)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, ioError(err)
	}
	return !info.IsDir(), nil
}

func (s *fileStore) BeginWrite(ctx context.Context, key symbol.Key) (*WriteHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	target, err := s.entryPath(key)
	if err != nil {
		return nil, err
	}

	staged := filepath.Join(s.stagingPath, uuid.NewString()+stagingSuffix)
	f, err := os.OpenFile(staged, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, ioError(err)
	}

	return &WriteHandle{
		store:  s,
		key:    key,
		file:   f,
		staged: staged,
		target: target,
	}, nil
}

func (s *fileStore) Put(ctx context.Context, key symbol.Key, body io.Reader) (*Entry, error) {
	handle, err := s.BeginWrite(ctx, key)
	if err != nil {
		return nil, err
	}
	if _, err := copyWithContext(ctx, handle, body); err != nil {
		handle.Abort()
		return nil, err
	}
	return handle.Commit()
}

func (s *fileStore) Remove(ctx context.Context, key symbol.Key) error {
	filePath, err := s.entryPath(key)
	if err != nil {
		return err
	}

	unlock := s.lockEntry(key)
	defer unlock()

	if err := os.Remove(filePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return ioError(err)
	}
	return nil
}

func (s *fileStore) Stale(entry Entry) bool {
	if s.ttl <= 0 {
		return false
	}
	return s.now().After(entry.StoredAt.Add(s.ttl))
}

// publish 在 entryLock 保护下把暂存文件 rename 到最终位置，同 Key 并发提交时后写者覆盖。
func (s *fileStore) publish(key symbol.Key, staged, target string) (*Entry, error) {
	unlock := s.lockEntry(key)
	defer unlock()

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return nil, ioError(err)
	}
	if err := os.Rename(staged, target); err != nil {
		return nil, ioError(err)
	}

	info, err := os.Stat(target)
	if err != nil {
		return nil, ioError(err)
	}
	return &Entry{
		Key:       key,
		FilePath:  target,
		SizeBytes: info.Size(),
		StoredAt:  info.ModTime(),
	}, nil
}

func (s *fileStore) lockEntry(key symbol.Key) func() {
	id := key.Path()
	s.mu.Lock()
	lock := s.locks[id]
	if lock == nil {
		lock = &entryLock{}
		s.locks[id] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, id)
		}
		s.mu.Unlock()
	}
}

func (s *fileStore) entryPath(key symbol.Key) (string, error) {
	if key.File == "" || key.Hash == "" || key.Component == "" {
		return "", fmt.Errorf("%w: incomplete key", symbol.ErrInvalidKey)
	}

	filePath := filepath.Join(s.basePath, key.File, key.Hash, key.Component)
	rel, err := filepath.Rel(s.basePath, filePath)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") || strings.HasPrefix(rel, stagingDirName) {
		return "", fmt.Errorf("%w: invalid cache path", symbol.ErrInvalidKey)
	}
	return filePath, nil
}

// sweepStaging 删除崩溃遗留的暂存文件，失败时忽略，下一次启动会再尝试。
func (s *fileStore) sweepStaging() {
	entries, err := os.ReadDir(s.stagingPath)
	if err != nil {
		return
	}
	cutoff := s.now().Add(-orphanStagingAge)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), stagingSuffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		_ = os.Remove(filepath.Join(s.stagingPath, entry.Name()))
	}
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}

func ioError(err error) error {
	return fmt.Errorf("%w: %w", ErrCacheIO, err)
}
