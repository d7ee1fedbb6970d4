package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/symhub/internal/cache"
	"github.com/any-hub/symhub/internal/config"
	"github.com/any-hub/symhub/internal/logging"
	"github.com/any-hub/symhub/internal/mirror"
	"github.com/any-hub/symhub/internal/proxy"
	"github.com/any-hub/symhub/internal/resolver"
	"github.com/any-hub/symhub/internal/server"
	"github.com/any-hub/symhub/internal/server/routes"
	"github.com/any-hub/symhub/internal/upstream"
	"github.com/any-hub/symhub/internal/version"
)

const (
	shutdownTimeout = 30 * time.Second
	probeTimeout    = 15 * time.Second
)

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	os.Exit(execute(os.Args[1:]))
}

// runtimeDeps 是启动阶段构建的共享组件，整个进程只有一份。
type runtimeDeps struct {
	store  cache.Store
	chain  *upstream.Chain
	mirror *mirror.Mirror
	engine *resolver.Engine
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}
	defer logging.Close(logger)

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["sources"] = len(cfg.Sources)
		fields["credentials"] = config.CredentialModes(cfg.Sources)
		fields["mirror_enabled"] = cfg.Mirror.Enabled
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动遵循“配置 → 日志 → 磁盘缓存 → 上游链 → 镜像 → 解析引擎 → Fiber server”顺序，
	// 保证所有请求共享同一份缓存、合并表与镜像队列。
	deps, err := buildRuntime(cfg, logger, opts.probe)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化失败: %v\n", err)
		return 1
	}

	if opts.probe {
		return runProbe(deps.chain)
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["sources"] = len(deps.chain.Sources())
	fields["listen_address"] = cfg.Global.ListenAddress
	fields["credentials"] = config.CredentialModes(cfg.Sources)
	fields["mirror_enabled"] = cfg.Mirror.Enabled
	fields["storage_path"] = cfg.Global.StoragePath
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(cfg, deps, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// buildRuntime 构建缓存、上游链、镜像与解析引擎。probeOnly 时只构建上游链所需部分。
func buildRuntime(cfg *config.Config, logger *logrus.Logger, probeOnly bool) (*runtimeDeps, error) {
	client := server.NewUpstreamClient(cfg)

	archive, err := server.NewArchive(cfg)
	if err != nil {
		return nil, fmt.Errorf("初始化镜像仓库失败: %w", err)
	}
	// 避免把 nil 指针包装成非 nil 接口。
	var (
		archiveReader upstream.ArchiveReader
		mirrorArchive mirror.Archive
	)
	if archive != nil {
		archiveReader = archive
		mirrorArchive = archive
	}

	chain, err := server.BuildChain(cfg, client, archiveReader, logger)
	if err != nil {
		return nil, fmt.Errorf("构建上游链失败: %w", err)
	}
	if probeOnly {
		return &runtimeDeps{chain: chain}, nil
	}

	store, err := cache.NewStore(cfg.Global.StoragePath, cfg.Global.CacheTTL.DurationValue())
	if err != nil {
		return nil, fmt.Errorf("初始化缓存目录失败: %w", err)
	}

	mirrorWorker := server.NewMirror(cfg, mirrorArchive, logger)
	engine, err := resolver.New(resolver.Options{
		Store:           store,
		Chain:           chain,
		Mirror:          mirrorWorker,
		Logger:          logger,
		TransferTimeout: cfg.Global.TransferTimeout.DurationValue(),
		BufferThreshold: cfg.Global.CoalesceBufferThreshold,
	})
	if err != nil {
		_ = mirrorWorker.Close(context.Background())
		return nil, fmt.Errorf("初始化解析引擎失败: %w", err)
	}

	return &runtimeDeps{store: store, chain: chain, mirror: mirrorWorker, engine: engine}, nil
}

// runProbe 并发探测所有来源，每个来源输出一行；存在不可达来源时返回 1。
func runProbe(chain *upstream.Chain) int {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	code := 0
	for _, result := range chain.Probe(ctx) {
		status := "ok"
		if !result.Reachable {
			status = "unreachable"
			code = 1
		}
		line := fmt.Sprintf("%s\t%s\t%s\t%s\t%s", result.Source, result.Kind, result.Endpoint, status, result.Elapsed.Round(time.Millisecond))
		if result.Error != "" {
			line += "\t" + result.Error
		}
		fmt.Fprintln(stdOut, line)
	}
	return code
}

func startHTTPServer(cfg *config.Config, deps *runtimeDeps, logger *logrus.Logger) error {
	app, err := server.NewApp(server.AppOptions{
		Logger: logger,
		Proxy:  proxy.NewHandler(deps.engine, logger),
	})
	if err != nil {
		return err
	}
	routes.RegisterDiagnosticsRoutes(app, routes.Diagnostics{
		Engine:  deps.engine,
		Mirror:  deps.mirror,
		Chain:   deps.chain,
		Started: time.Now(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.WithFields(logrus.Fields{
		"action":  "listen",
		"address": cfg.Global.ListenAddress,
	}).Info("Fiber 服务启动")

	listenErr := make(chan error, 1)
	go func() {
		listenErr <- app.Listen(cfg.Global.ListenAddress, fiber.ListenConfig{DisableStartupMessage: true})
	}()

	var serveErr error
	select {
	case serveErr = <-listenErr:
	case <-ctx.Done():
		logger.WithField("action", "shutdown").Info("收到退出信号，停止接收新请求")
		if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			logger.WithField("action", "shutdown").WithError(err).Warn("shutdown_incomplete")
		}
		serveErr = <-listenErr
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Mirror.Timeout.DurationValue())
	defer cancel()
	if err := deps.mirror.Close(drainCtx); err != nil {
		logger.WithField("action", "mirror_drain").WithError(err).Warn("mirror_drain_incomplete")
	}
	return serveErr
}
