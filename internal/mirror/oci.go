package mirror

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/klauspost/compress/zstd"

	"github.com/any-hub/symhub/internal/symbol"
	"github.com/any-hub/symhub/internal/version"
)

const (
	tagPrefix   = "sym-"
	labelKey    = "dev.symhub.key"
	labelSize   = "dev.symhub.size"
	labelSHA256 = "dev.symhub.sha256"
)

// OCIConfig 描述归档所在的镜像仓库。
type OCIConfig struct {
	// Repository 形如 registry.example.com/team/symbols，不带 tag。
	Repository string
	Username   string
	Password   string
	Insecure   bool
	// Transport 为空时使用 remote.DefaultTransport。
	Transport http.RoundTripper
	// TempDir 存放上传前的压缩层，空值使用系统临时目录。
	TempDir string
}

// OCIArchive 将每个符号保存为仓库中的一个单层镜像，tag 由 Key 派生。
type OCIArchive struct {
	repo      name.Repository
	auth      remote.Option
	transport http.RoundTripper
	tempDir   string
}

// NewOCIArchive 解析仓库地址并准备认证方式。未提供用户名时使用本机 docker 凭证链。
func NewOCIArchive(cfg OCIConfig) (*OCIArchive, error) {
	var opts []name.Option
	if cfg.Insecure {
		opts = append(opts, name.Insecure)
	}
	repo, err := name.NewRepository(strings.TrimSpace(cfg.Repository), opts...)
	if err != nil {
		return nil, fmt.Errorf("invalid mirror repository %q: %w", cfg.Repository, err)
	}

	auth := remote.WithAuthFromKeychain(authn.DefaultKeychain)
	if cfg.Username != "" {
		auth = remote.WithAuth(&authn.Basic{Username: cfg.Username, Password: cfg.Password})
	}

	return &OCIArchive{
		repo:      repo,
		auth:      auth,
		transport: cfg.Transport,
		tempDir:   cfg.TempDir,
	}, nil
}

// String 返回仓库地址，便于日志输出。
func (a *OCIArchive) String() string {
	return a.repo.String()
}

// TagFor 返回 key 对应的 tag。Key 可能包含 tag 不允许的字符，因此使用摘要。
func TagFor(key symbol.Key) string {
	sum := sha256.Sum256([]byte(key.Path()))
	return tagPrefix + hex.EncodeToString(sum[:])
}

func (a *OCIArchive) tag(key symbol.Key) name.Tag {
	return a.repo.Tag(TagFor(key))
}

func (a *OCIArchive) options(ctx context.Context) []remote.Option {
	opts := []remote.Option{
		remote.WithContext(ctx),
		remote.WithUserAgent(version.UserAgent()),
		a.auth,
	}
	if a.transport != nil {
		opts = append(opts, remote.WithTransport(a.transport))
	}
	return opts
}

func (a *OCIArchive) Exists(ctx context.Context, key symbol.Key) (bool, error) {
	_, err := remote.Head(a.tag(key), a.options(ctx)...)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("head %s: %w", TagFor(key), err)
	}
	return true, nil
}

func (a *OCIArchive) Upload(ctx context.Context, key symbol.Key, body io.Reader, size int64) error {
	layer, err := spoolLayer(a.tempDir, body)
	if err != nil {
		return err
	}
	defer os.Remove(layer.path)

	if size >= 0 && layer.rawSize != size {
		return fmt.Errorf("artifact size mismatch: expected %d, read %d", size, layer.rawSize)
	}

	img, err := buildImage(key, layer)
	if err != nil {
		return fmt.Errorf("build image: %w", err)
	}
	if err := remote.Write(a.tag(key), img, a.options(ctx)...); err != nil {
		return fmt.Errorf("push %s: %w", TagFor(key), err)
	}
	return nil
}

func (a *OCIArchive) Fetch(ctx context.Context, key symbol.Key) (io.ReadCloser, int64, error) {
	img, err := remote.Image(a.tag(key), a.options(ctx)...)
	if err != nil {
		if isNotFound(err) {
			return nil, 0, ErrNotArchived
		}
		return nil, 0, fmt.Errorf("fetch image: %w", err)
	}

	cfg, err := img.ConfigFile()
	if err != nil {
		return nil, 0, fmt.Errorf("read image config: %w", err)
	}
	if cfg.Config.Labels[labelKey] != key.Path() {
		return nil, 0, ErrNotArchived
	}
	size, err := strconv.ParseInt(cfg.Config.Labels[labelSize], 10, 64)
	if err != nil {
		size = -1
	}

	layers, err := img.Layers()
	if err != nil {
		return nil, 0, fmt.Errorf("read image layers: %w", err)
	}
	if len(layers) != 1 {
		return nil, 0, fmt.Errorf("expected 1 layer, found %d", len(layers))
	}
	compressed, err := layers[0].Compressed()
	if err != nil {
		return nil, 0, fmt.Errorf("open layer: %w", err)
	}
	dec, err := zstd.NewReader(compressed, zstd.WithDecoderConcurrency(1))
	if err != nil {
		compressed.Close()
		return nil, 0, fmt.Errorf("open zstd stream: %w", err)
	}
	return &decodedBody{dec: dec, src: compressed}, size, nil
}

// Ping 列举仓库 tag 以检查仓库可达与凭证有效；仓库尚不存在也视为可达。
func (a *OCIArchive) Ping(ctx context.Context) error {
	_, err := remote.List(a.repo, a.options(ctx)...)
	if err != nil && !isNotFound(err) {
		return err
	}
	return nil
}

func buildImage(key symbol.Key, layer *zstdFileLayer) (v1.Image, error) {
	img, err := mutate.AppendLayers(empty.Image, layer)
	if err != nil {
		return nil, err
	}
	img = mutate.MediaType(img, types.OCIManifestSchema1)
	img = mutate.ConfigMediaType(img, types.OCIConfigJSON)

	cfg, err := img.ConfigFile()
	if err != nil {
		return nil, err
	}
	cfg = cfg.DeepCopy()
	cfg.Config.Labels = map[string]string{
		labelKey:    key.Path(),
		labelSize:   strconv.FormatInt(layer.rawSize, 10),
		labelSHA256: layer.diffID.Hex,
	}
	return mutate.ConfigFile(img, cfg)
}

func isNotFound(err error) bool {
	var terr *transport.Error
	if errors.As(err, &terr) {
		return terr.StatusCode == http.StatusNotFound
	}
	return false
}

type decodedBody struct {
	dec *zstd.Decoder
	src io.ReadCloser
}

func (b *decodedBody) Read(p []byte) (int, error) {
	return b.dec.Read(p)
}

func (b *decodedBody) Close() error {
	b.dec.Close()
	return b.src.Close()
}
