package server

import (
	"github.com/sirupsen/logrus"

	"github.com/any-hub/symhub/internal/config"
	"github.com/any-hub/symhub/internal/mirror"
)

// NewArchive 根据 [Mirror] 段构建 OCI 归档。未启用镜像时返回 (nil, nil)。
func NewArchive(cfg *config.Config) (*mirror.OCIArchive, error) {
	if cfg == nil || !cfg.Mirror.Enabled {
		return nil, nil
	}
	return mirror.NewOCIArchive(mirror.OCIConfig{
		Repository: cfg.Mirror.Repository,
		Username:   cfg.Mirror.Username,
		Password:   cfg.Mirror.Password(),
		Insecure:   cfg.Mirror.Insecure,
	})
}

// NewMirror 启动后台镜像。archive 为空时返回 nil，*mirror.Mirror 的方法在 nil 上安全。
func NewMirror(cfg *config.Config, archive mirror.Archive, logger *logrus.Logger) *mirror.Mirror {
	if archive == nil {
		return nil
	}
	return mirror.New(archive, mirror.Options{
		Workers:   cfg.Mirror.Workers,
		QueueSize: cfg.Mirror.QueueSize,
		Timeout:   cfg.Mirror.Timeout.DurationValue(),
		Logger:    logger,
	})
}
