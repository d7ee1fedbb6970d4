package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/any-hub/symhub/internal/symbol"
)

// Kind 是 Source 的变体标签，Fetch 对其做穷举分派。
type Kind int

const (
	KindHTTP Kind = iota
	KindFileshare
	KindMirror
)

func (k Kind) String() string {
	switch k {
	case KindHTTP:
		return "http"
	case KindFileshare:
		return "fileshare"
	case KindMirror:
		return "mirror"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind 将配置中的 Type 字段转换为 Kind。mirror 只由启动流程隐式插入。
func ParseKind(raw string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "http", "https":
		return KindHTTP, nil
	case "fileshare", "file", "share":
		return KindFileshare, nil
	case "mirror":
		return KindMirror, nil
	default:
		return 0, fmt.Errorf("unsupported source type %q", raw)
	}
}

// Artifact 是一次命中的结果。Body 必须由调用方关闭；Size 未知时为 -1。
type Artifact struct {
	Body        io.ReadCloser
	Size        int64
	ContentType string
	Source      string
	Kind        Kind
}

// ArchiveReader 是 mirror 变体读取远端归档所需的最小能力。
// 归档中不存在时应返回可被 errors.Is(err, ErrNotFound) 识别的错误。
type ArchiveReader interface {
	Fetch(ctx context.Context, key symbol.Key) (io.ReadCloser, int64, error)
}

// Credentials 描述 http 来源的认证方式，Token 优先于 Basic。
type Credentials struct {
	Username string
	Password string
	Token    string
}

// IsZero 判断是否未配置任何凭证。
func (c Credentials) IsZero() bool {
	return c.Username == "" && c.Password == "" && c.Token == ""
}

func (c Credentials) apply(req *http.Request) {
	switch {
	case c.Token != "":
		req.Header.Set("Authorization", "Bearer "+c.Token)
	case c.Username != "" || c.Password != "":
		req.SetBasicAuth(c.Username, c.Password)
	}
}

// SourceConfig 是构造 Source 的输入，由启动流程根据配置填充。
type SourceConfig struct {
	Name        string
	Kind        Kind
	Priority    int
	Timeout     time.Duration
	Upstream    string
	Path        string
	Credentials Credentials
	Client      *http.Client
	Archive     ArchiveReader
}

// Source 是一个不可变的上游来源。
type Source struct {
	Name     string
	Kind     Kind
	Priority int
	Timeout  time.Duration

	baseURL     *url.URL
	root        string
	credentials Credentials
	client      *http.Client
	archive     ArchiveReader
}

// NewSource 校验并构建 Source。
func NewSource(cfg SourceConfig) (*Source, error) {
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		return nil, errors.New("source name required")
	}
	if cfg.Timeout < 0 {
		return nil, fmt.Errorf("source %s: timeout must be >= 0", name)
	}

	src := &Source{
		Name:        name,
		Kind:        cfg.Kind,
		Priority:    cfg.Priority,
		Timeout:     cfg.Timeout,
		credentials: cfg.Credentials,
	}

	switch cfg.Kind {
	case KindHTTP:
		parsed, err := url.Parse(strings.TrimSpace(cfg.Upstream))
		if err != nil {
			return nil, fmt.Errorf("source %s: invalid upstream: %w", name, err)
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return nil, fmt.Errorf("source %s: upstream must be http or https", name)
		}
		if parsed.Host == "" {
			return nil, fmt.Errorf("source %s: upstream host required", name)
		}
		if !strings.HasSuffix(parsed.Path, "/") {
			parsed.Path += "/"
		}
		parsed.RawQuery = ""
		parsed.Fragment = ""
		src.baseURL = parsed
		src.client = cfg.Client
		if src.client == nil {
			src.client = http.DefaultClient
		}
	case KindFileshare:
		root := strings.TrimSpace(cfg.Path)
		if root == "" {
			return nil, fmt.Errorf("source %s: path required", name)
		}
		src.root = root
	case KindMirror:
		if cfg.Archive == nil {
			return nil, fmt.Errorf("source %s: archive required", name)
		}
		src.archive = cfg.Archive
	default:
		return nil, fmt.Errorf("source %s: unsupported kind %s", name, cfg.Kind)
	}

	return src, nil
}

// Endpoint 返回便于日志与 /-/sources 展示的来源地址。
func (s *Source) Endpoint() string {
	switch s.Kind {
	case KindHTTP:
		return s.baseURL.Redacted()
	case KindFileshare:
		return s.root
	case KindMirror:
		return "archive"
	default:
		return ""
	}
}

// Authenticated 报告该来源是否携带凭证。
func (s *Source) Authenticated() bool {
	return !s.credentials.IsZero()
}

// Fetch 查询单个来源。返回值三选一：*Artifact、ErrNotFound 或 *SourceError。
// 调用方 ctx 取消时直接返回 ctx 的错误。
func (s *Source) Fetch(ctx context.Context, key symbol.Key) (*Artifact, error) {
	switch s.Kind {
	case KindHTTP:
		return s.fetchHTTP(ctx, key)
	case KindFileshare:
		return s.fetchFileshare(ctx, key)
	case KindMirror:
		return s.fetchMirror(ctx, key)
	default:
		return nil, s.fail(ReasonBadResponse, fmt.Errorf("unsupported kind %s", s.Kind))
	}
}

func (s *Source) fail(reason Reason, err error) *SourceError {
	return &SourceError{Source: s.Name, Reason: reason, Err: err}
}

// watchdog 限制获取响应（HTTP 头、文件打开）所用的时间。拿到响应后 disarm，
// 正文传输只受调用方 ctx 约束。
type watchdog struct {
	cancel  context.CancelFunc
	timer   *time.Timer
	expired atomic.Bool
}

func (s *Source) watch(ctx context.Context) (context.Context, *watchdog) {
	ctx, cancel := context.WithCancel(ctx)
	w := &watchdog{cancel: cancel}
	if s.Timeout > 0 {
		w.timer = time.AfterFunc(s.Timeout, func() {
			w.expired.Store(true)
			cancel()
		})
	}
	return ctx, w
}

// disarm 停止计时；若计时器已触发则返回 false。
func (w *watchdog) disarm() bool {
	if w.timer == nil {
		return true
	}
	if !w.timer.Stop() {
		return false
	}
	return !w.expired.Load()
}

func (w *watchdog) timedOut() bool {
	return w.expired.Load()
}

// cancelOnClose 让正文关闭时一并释放请求 ctx。
type cancelOnClose struct {
	io.ReadCloser
	once   sync.Once
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.once.Do(c.cancel)
	return err
}
