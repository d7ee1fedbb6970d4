package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/symhub/internal/config"
	"github.com/any-hub/symhub/internal/upstream"
)

// BuildSources 把配置中的 [[Source]] 转换为 upstream.Source。
// archive 非空且启用 ServeFromMirror 时，在链首插入 mirror 来源。
func BuildSources(cfg *config.Config, client *http.Client, archive upstream.ArchiveReader) ([]*upstream.Source, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	sources := make([]*upstream.Source, 0, len(cfg.Sources)+1)
	lowest := 0
	for i, sc := range cfg.Sources {
		src, err := buildSource(cfg, sc, client)
		if err != nil {
			return nil, err
		}
		if i == 0 || sc.Priority < lowest {
			lowest = sc.Priority
		}
		sources = append(sources, src)
	}

	if archive != nil && cfg.Mirror.Enabled && cfg.Mirror.ServeFromMirror {
		src, err := upstream.NewSource(upstream.SourceConfig{
			Name:     config.MirrorSourceName,
			Kind:     upstream.KindMirror,
			Priority: lowest - 1,
			Timeout:  cfg.Global.UpstreamTimeout.DurationValue(),
			Archive:  archive,
		})
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}

	if len(sources) == 0 {
		return nil, errors.New("no upstream sources configured")
	}
	return sources, nil
}

// BuildChain 构建按优先级排序的上游链。调用方应在启动阶段创建一次并复用。
func BuildChain(cfg *config.Config, client *http.Client, archive upstream.ArchiveReader, logger *logrus.Logger) (*upstream.Chain, error) {
	sources, err := BuildSources(cfg, client, archive)
	if err != nil {
		return nil, err
	}
	return upstream.NewChain(logger, sources...)
}

func buildSource(cfg *config.Config, sc config.SourceConfig, client *http.Client) (*upstream.Source, error) {
	kind, err := upstream.ParseKind(sc.Type)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", sc.Name, err)
	}
	if kind == upstream.KindMirror {
		return nil, fmt.Errorf("source %s: mirror kind is configured via [Mirror]", sc.Name)
	}

	return upstream.NewSource(upstream.SourceConfig{
		Name:     sc.Name,
		Kind:     kind,
		Priority: sc.Priority,
		Timeout:  cfg.EffectiveSourceTimeout(sc),
		Upstream: sc.Upstream,
		Path:     sc.Path,
		Credentials: upstream.Credentials{
			Username: sc.Username,
			Password: sc.Password,
			Token:    sc.Token(),
		},
		Client: client,
	})
}
