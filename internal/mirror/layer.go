package mirror

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/klauspost/compress/zstd"
)

// zstdFileLayer 实现 v1.Layer，压缩后的字节暂存在磁盘上，避免整份符号驻留内存。
type zstdFileLayer struct {
	path    string
	size    int64
	rawSize int64
	digest  v1.Hash
	diffID  v1.Hash
}

// spoolLayer 一次遍历完成压缩并同时计算压缩前后的摘要。
func spoolLayer(dir string, body io.Reader) (*zstdFileLayer, error) {
	f, err := os.CreateTemp(dir, "symhub-layer-*.zst")
	if err != nil {
		return nil, fmt.Errorf("create layer file: %w", err)
	}
	path := f.Name()
	fail := func(err error) (*zstdFileLayer, error) {
		f.Close()
		os.Remove(path)
		return nil, err
	}

	compressedHash := sha256.New()
	counter := &countingWriter{w: io.MultiWriter(f, compressedHash)}
	enc, err := zstd.NewWriter(counter, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return fail(fmt.Errorf("create zstd encoder: %w", err))
	}

	rawHash := sha256.New()
	rawSize, err := io.Copy(enc, io.TeeReader(body, rawHash))
	if err != nil {
		enc.Close()
		return fail(fmt.Errorf("compress artifact: %w", err))
	}
	if err := enc.Close(); err != nil {
		return fail(fmt.Errorf("flush zstd encoder: %w", err))
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("close layer file: %w", err)
	}

	return &zstdFileLayer{
		path:    path,
		size:    counter.n,
		rawSize: rawSize,
		digest:  v1.Hash{Algorithm: "sha256", Hex: hex.EncodeToString(compressedHash.Sum(nil))},
		diffID:  v1.Hash{Algorithm: "sha256", Hex: hex.EncodeToString(rawHash.Sum(nil))},
	}, nil
}

func (l *zstdFileLayer) Digest() (v1.Hash, error) { return l.digest, nil }
func (l *zstdFileLayer) DiffID() (v1.Hash, error) { return l.diffID, nil }
func (l *zstdFileLayer) Size() (int64, error)     { return l.size, nil }

func (l *zstdFileLayer) MediaType() (types.MediaType, error) {
	return types.OCILayerZStd, nil
}

func (l *zstdFileLayer) Compressed() (io.ReadCloser, error) {
	return os.Open(l.path)
}

func (l *zstdFileLayer) Uncompressed() (io.ReadCloser, error) {
	f, err := os.Open(l.path)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(f, zstd.WithDecoderConcurrency(1))
	if err != nil {
		f.Close()
		return nil, err
	}
	return &decodedBody{dec: dec, src: f}, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
