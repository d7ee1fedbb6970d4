// Package symbol parses symbol-server request paths into canonical keys.
//
// A key is the `<file>/<hash>/<component>` triple used by SymSrv-style symbol
// servers. Everything downstream (cache layout, coalescing, upstream URLs,
// mirror tags) is derived from the normalized key, so Normalize is the only
// place where untrusted path input is inspected.
package symbol

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidKey 表示请求路径无法解析为合法的符号键。
var ErrInvalidKey = errors.New("invalid symbol key")

// reservedChars 在 Path() 再次解析时会改变语义，统一拒绝。
const reservedChars = `\:/%?#`

const (
	maxNameLength = 255
	maxHashLength = 128
)

// Key 唯一标识一个可缓存的符号文件，三个字段均已规范化。
type Key struct {
	File      string `json:"file"`
	Hash      string `json:"hash"`
	Component string `json:"component"`
}

// Path 返回 `File/HASH/Component` 形式的相对路径，不带前导斜杠。
func (k Key) Path() string {
	return k.File + "/" + k.Hash + "/" + k.Component
}

// String 与 Path 相同，便于日志与 map key 使用。
func (k Key) String() string {
	return k.Path()
}

// IsZero 判断是否为空键。
func (k Key) IsZero() bool {
	return k == Key{}
}

// Normalize 将原始请求路径解析为 Key。Hash 统一大写，文件名保留大小写。
func Normalize(raw string) (Key, error) {
	if idx := strings.IndexByte(raw, '?'); idx >= 0 {
		raw = raw[:idx]
	}
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "/")
	if raw == "" {
		return Key{}, invalid("empty path")
	}

	unescaped, err := url.PathUnescape(raw)
	if err != nil {
		return Key{}, invalid("malformed escape sequence")
	}

	parts := strings.Split(unescaped, "/")
	if len(parts) != 3 {
		return Key{}, invalid(fmt.Sprintf("expected 3 segments, got %d", len(parts)))
	}

	file, err := normalizeName(parts[0], "file")
	if err != nil {
		return Key{}, err
	}
	hash, err := normalizeHash(parts[1])
	if err != nil {
		return Key{}, err
	}
	component, err := normalizeName(parts[2], "component")
	if err != nil {
		return Key{}, err
	}

	return Key{File: file, Hash: hash, Component: component}, nil
}

func normalizeName(segment, field string) (string, error) {
	name := strings.TrimSpace(segment)
	if name == "" {
		return "", invalid(field + " is empty")
	}
	if len(name) > maxNameLength {
		return "", invalid(field + " too long")
	}
	// 以 . 开头的段同时覆盖 "."、".." 与缓存目录中的 .staging。
	if name[0] == '.' {
		return "", invalid(field + " must not start with '.'")
	}
	for _, r := range name {
		switch {
		case r < 0x20 || r == 0x7f:
			return "", invalid(field + " contains control characters")
		case strings.ContainsRune(reservedChars, r):
			return "", invalid(fmt.Sprintf("%s contains %q", field, r))
		}
	}
	return name, nil
}

func normalizeHash(segment string) (string, error) {
	hash := strings.ToUpper(strings.TrimSpace(segment))
	if hash == "" {
		return "", invalid("hash is empty")
	}
	if len(hash) > maxHashLength {
		return "", invalid("hash too long")
	}
	for _, r := range hash {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			continue
		}
		return "", invalid(fmt.Sprintf("hash contains %q", r))
	}
	return hash, nil
}

func invalid(reason string) error {
	return fmt.Errorf("%w: %s", ErrInvalidKey, reason)
}
