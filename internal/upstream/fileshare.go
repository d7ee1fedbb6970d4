package upstream

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/any-hub/symhub/internal/symbol"
)

type openResult struct {
	file *os.File
	size int64
	err  error
}

func (s *Source) objectPath(key symbol.Key) string {
	return filepath.Join(s.root, key.File, key.Hash, key.Component)
}

// fetchFileshare 在独立 goroutine 中打开文件，挂载的网络共享可能长时间阻塞。
func (s *Source) fetchFileshare(ctx context.Context, key symbol.Key) (*Artifact, error) {
	ctx, w := s.watch(ctx)
	defer w.cancel()

	path := s.objectPath(key)
	done := make(chan openResult, 1)
	go func() {
		done <- openShareFile(path)
	}()

	select {
	case res := <-done:
		w.disarm()
		if res.err != nil {
			if errors.Is(res.err, fs.ErrNotExist) {
				return nil, ErrNotFound
			}
			return nil, s.fail(ReasonConnectionFailed, res.err)
		}
		return &Artifact{
			Body:   res.file,
			Size:   res.size,
			Source: s.Name,
			Kind:   s.Kind,
		}, nil
	case <-ctx.Done():
		// 迟到的打开结果需要释放文件句柄。
		go func() {
			if res := <-done; res.file != nil {
				res.file.Close()
			}
		}()
		if w.timedOut() {
			return nil, s.fail(ReasonTimeout, fmt.Errorf("open not completed within %s", s.Timeout))
		}
		return nil, ctx.Err()
	}
}

func openShareFile(path string) openResult {
	f, err := os.Open(path)
	if err != nil {
		return openResult{err: err}
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return openResult{err: err}
	}
	if info.IsDir() {
		f.Close()
		return openResult{err: fs.ErrNotExist}
	}
	return openResult{file: f, size: info.Size()}
}

func (s *Source) probeFileshare(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		info, err := os.Stat(s.root)
		if err == nil && !info.IsDir() {
			err = fmt.Errorf("%s is not a directory", s.root)
		}
		done <- err
	}()

	ctx, w := s.watch(ctx)
	defer w.cancel()
	select {
	case err := <-done:
		if err != nil {
			return s.fail(ReasonConnectionFailed, err)
		}
		return nil
	case <-ctx.Done():
		if w.timedOut() {
			return s.fail(ReasonTimeout, fmt.Errorf("stat not completed within %s", s.Timeout))
		}
		return ctx.Err()
	}
}
