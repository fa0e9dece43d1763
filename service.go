package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/ondemand-dev/ondemand/internal/cache"
	"github.com/ondemand-dev/ondemand/internal/compile"
	"github.com/ondemand-dev/ondemand/internal/compiler"
	"github.com/ondemand-dev/ondemand/internal/config"
	"github.com/ondemand-dev/ondemand/internal/delivery"
	"github.com/ondemand-dev/ondemand/internal/lock"
	"github.com/ondemand-dev/ondemand/internal/profile"
	"github.com/ondemand-dev/ondemand/internal/server"
	"github.com/ondemand-dev/ondemand/internal/server/routes"
	"github.com/ondemand-dev/ondemand/internal/source"
	"github.com/ondemand-dev/ondemand/internal/telemetry"
)

// service 持有进程级状态，Close 负责按相反顺序释放。
type service struct {
	app       *fiber.App
	table     *profile.Table
	compilers *compiler.Registry
	logger    *logrus.Logger
	closers   []func() error
	tracer    telemetry.ShutdownFunc
}

func newService(cfg *config.Config, logger *logrus.Logger) (svc *service, err error) {
	svc = &service{logger: logger}
	defer func() {
		if err != nil {
			_ = svc.Close(context.Background())
		}
	}()

	svc.tracer = telemetry.InitTracer(cfg.Global.TracingEnabled, "ondemand", stdErr, logger)

	store, err := newStore(cfg)
	if err != nil {
		return svc, fmt.Errorf("初始化缓存存储失败: %w", err)
	}
	fetcher, err := svc.newFetcher(cfg)
	if err != nil {
		return svc, fmt.Errorf("初始化源文件读取失败: %w", err)
	}
	locker, err := svc.newLocker(cfg)
	if err != nil {
		return svc, fmt.Errorf("初始化锁失败: %w", err)
	}

	svc.table = profile.NewTable(filepath.Join(cfg.Global.StoragePath, profile.DirectoriesFile))
	if err := svc.table.Load(); err != nil {
		// 目录表损坏时从空表开始，旧 compileId 会通过 307 重新协商
		logger.WithField("action", "startup").WithError(err).Warn("编译目录表加载失败")
	}

	svc.compilers, err = compiler.FromConfig(cfg, logger)
	if err != nil {
		return svc, err
	}
	strategy, err := compile.ParseStrategy(cfg.Global.CompileCacheStrategy)
	if err != nil {
		return svc, err
	}

	orch, err := compile.NewOrchestrator(compile.Options{
		Store:             store,
		Fetcher:           fetcher,
		Locker:            locker,
		Logger:            logger,
		SourcesValidation: cfg.Global.CompileCacheSourcesValidation,
		AssetsValidation:  cfg.Global.CompileCacheAssetsValidation,
	})
	if err != nil {
		return svc, err
	}

	handler, err := delivery.NewHandler(delivery.Options{
		Orchestrator:     orch,
		Compilers:        svc.compilers,
		Directories:      svc.table,
		Store:            store,
		Fetcher:          fetcher,
		CompileDirectory: cfg.Global.CompileDirectory,
		Strategy:         strategy,
		Logger:           logger,
	})
	if err != nil {
		return svc, err
	}

	svc.app, err = server.NewApp(server.AppOptions{
		Logger:     logger,
		Handler:    handler,
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		return svc, err
	}
	routes.RegisterProfileRoutes(svc.app, routes.ProfileOptions{
		Negotiator:       profile.NewNegotiator(profileOptions(cfg.Profile), svc.table),
		CompileDirectory: cfg.Global.CompileDirectory,
		Strategy:         string(strategy),
		Logger:           logger,
	})
	routes.RegisterDiagnosticsRoutes(svc.app, svc.compilers, svc.table)
	return svc, nil
}

// newStore 选择 fs 或 s3 后端，并按需在前面叠加内存 LRU。
func newStore(cfg *config.Config) (cache.Store, error) {
	var (
		store cache.Store
		err   error
	)
	switch cfg.Global.StorageBackend {
	case "s3":
		store, err = cache.NewS3Store(cache.S3Config{
			Endpoint:  cfg.Global.S3Endpoint,
			Region:    cfg.Global.S3Region,
			AccessKey: cfg.Global.S3AccessKey,
			SecretKey: cfg.Global.S3SecretKey,
			Bucket:    cfg.Global.S3Bucket,
			UseSSL:    cfg.Global.S3UseSSL,
		})
	default:
		store, err = cache.NewStore(cfg.Global.StoragePath)
	}
	if err != nil {
		return nil, err
	}
	if cfg.Global.MaxMemoryCacheEntries > 0 {
		return cache.NewMemoryStore(store, cfg.Global.MaxMemoryCacheEntries)
	}
	return store, nil
}

func (s *service) newFetcher(cfg *config.Config) (source.Fetcher, error) {
	if cfg.Global.SourceUpstream != "" {
		return source.NewHTTPFetcher(cfg.Global.SourceUpstream, server.NewUpstreamClient(cfg))
	}
	files, err := source.NewFileFetcher(cfg.Global.ProjectDirectory)
	if err != nil {
		return nil, err
	}
	if !cfg.Global.WatchSources {
		return files, nil
	}
	watched, err := source.NewWatchedStat(files, s.logger)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, watched.Close)
	return watched, nil
}

func (s *service) newLocker(cfg *config.Config) (lock.Locker, error) {
	local := lock.NewRegistry()
	if cfg.Global.LockRedisURL == "" {
		return local, nil
	}
	timeout := cfg.Global.UpstreamTimeout.DurationValue()
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	remote, err := lock.NewRedisLocker(ctx, cfg.Global.LockRedisURL, cfg.Global.LockTTL.DurationValue(), s.logger)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, remote.Close)
	return lock.Layered{Local: local, Remote: remote}, nil
}

func profileOptions(p config.ProfileConfig) profile.Options {
	return profile.Options{
		TransformFeatures:       p.TransformFeatures,
		RequiredFeatures:        p.RequiredFeatures,
		InjectedFeatures:        p.InjectedFeatures,
		ModuleOutFormat:         p.ModuleOutFormat,
		SourcemapMethod:         p.SourcemapMethod,
		SourcemapExcludeSources: p.SourcemapExcludeSources,
		EventSourceClient:       p.EventSourceClient,
		HTMLSupervisor:          p.HTMLSupervisor,
		Toolbar:                 p.Toolbar,
	}
}

// Close 持久化目录表并释放外部资源，可重复调用。HTTP 服务由 startHTTPServer 负责停止。
func (s *service) Close(ctx context.Context) error {
	var errs []error
	if s.table != nil {
		errs = append(errs, s.table.Save())
		s.table.Dispose()
		s.table = nil
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	s.closers = nil
	if s.tracer != nil {
		errs = append(errs, s.tracer(ctx))
		s.tracer = nil
	}
	return errors.Join(errs...)
}
