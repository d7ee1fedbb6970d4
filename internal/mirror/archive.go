package mirror

//go:generate mockgen -source=archive.go -destination=mocks/mock_archive.go -package=mocks

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/any-hub/symhub/internal/symbol"
	"github.com/any-hub/symhub/internal/upstream"
)

var (
	// ErrMirror 包装后台镜像任务的失败，只用于日志与统计。
	ErrMirror = errors.New("mirror upload failed")
	// ErrNotArchived 表示归档中没有该符号，可被 upstream.ErrNotFound 匹配。
	ErrNotArchived = fmt.Errorf("%w: not archived", upstream.ErrNotFound)
)

// Archive 是远端归档存储的最小契约。
type Archive interface {
	// Exists 报告归档中是否已有该符号。
	Exists(ctx context.Context, key symbol.Key) (bool, error)
	// Upload 上传完整正文，size 为正文字节数。
	Upload(ctx context.Context, key symbol.Key, body io.Reader, size int64) error
	// Fetch 读回正文，不存在时返回 ErrNotArchived。
	Fetch(ctx context.Context, key symbol.Key) (io.ReadCloser, int64, error)
}
