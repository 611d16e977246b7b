package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"faas-executor/internal/adapters/bridge"
	"faas-executor/internal/adapters/cli"
	"faas-executor/internal/adapters/docker"
	"faas-executor/internal/adapters/gorm"
	"faas-executor/internal/adapters/localfs"
	"faas-executor/internal/adapters/logsink"
	"faas-executor/internal/adapters/memstore"
	"faas-executor/internal/adapters/minio"
	"faas-executor/internal/adapters/s3"
	"faas-executor/internal/config"
	"faas-executor/internal/core/build"
	"faas-executor/internal/core/functions"
	"faas-executor/internal/core/runtime"
	api "faas-executor/internal/delivery/http"

	_ "faas-executor/docs"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

const shutdownTimeout = 30 * time.Second

// @title           FaaS Executor API
// @version         1.0
// @description     Deploys Dart functions as container images and runs them in sandboxed containers.
// @host            localhost:8080
// @BasePath        /
func main() {
	log := zerolog.New(os.Stdout).With().Timestamp().
		Str("svc", "faas-executor").Logger()

	cfg := config.MustLoad()
	log = log.Level(cfg.LogLevel)
	log.Info().
		Str("runtime_backend", string(cfg.Runtime.Backend)).
		Str("store", cfg.StoreDriver).
		Str("archives", cfg.Archive.Driver).
		Str("platform", cfg.Build.Platform).
		Msg("bootstrapping service")

	ctx, stop := signal.NotifyContext(
		context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := newStore(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("store init")
	}
	archives, err := newArchives(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("archive store init")
	}
	rt, closeRuntime, err := newRuntime(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("container runtime init")
	}
	if !rt.Available(ctx) {
		log.Warn().Msg("container runtime is not reachable yet")
	}

	sink := logsink.New(log, 0)
	pipeline := build.NewPipeline(rt, build.PipelineConfig{
		CompilerImage: cfg.Build.CompilerImage,
		Platform:      cfg.Build.Platform,
		BuildTimeout:  cfg.Build.Timeout,
	}, log)
	dispatcher := functions.NewDispatcher(store, rt, sink, functions.DispatcherConfig{
		WorkDir:        cfg.WorkDir,
		MaxConcurrent:  cfg.Execution.MaxConcurrent,
		DefaultTimeout: cfg.Execution.DefaultTimeout,
		CPUs:           cfg.Execution.CPUs,
		MemoryFraction: cfg.Execution.MemoryFraction,
		MinMemory:      cfg.Execution.MinMemory,
	}, log)
	mgr := functions.NewManager(store, archives, pipeline, rt, functions.ManagerConfig{
		WorkDir: cfg.WorkDir,
	}, log)

	if err := mgr.Reconcile(ctx); err != nil {
		log.Error().Err(err).Msg("error during deployment reconcile")
	}

	handler := api.NewHandler(mgr, dispatcher, rt, log)
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: handler}

	go func() {
		log.Info().Str("listen", cfg.ListenAddr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()

	log.Info().Msg("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err = multierr.Combine(
		srv.Shutdown(shutdownCtx),
		sink.Close(shutdownCtx),
		closeRuntime(),
	)
	if err != nil {
		log.Error().Err(err).Msg("error during shutdown")
	}

	log.Info().Msg("shutdown complete")
}

func newStore(cfg config.Config, log zerolog.Logger) (functions.Store, error) {
	if cfg.StoreDriver == "memory" {
		log.Warn().Msg("using the in-memory store, state is lost on restart")
		return memstore.New(), nil
	}
	db, err := gorm.New(cfg.DatabaseDSN, log)
	if err != nil {
		return nil, fmt.Errorf("gorm connect: %w", err)
	}
	return gorm.NewStore(db), nil
}

func newArchives(ctx context.Context, cfg config.Config, log zerolog.Logger) (functions.ArchiveStore, error) {
	a := cfg.Archive
	switch a.Driver {
	case "s3":
		return s3.New(ctx, s3.Options{
			Bucket:       a.Bucket,
			Endpoint:     a.Endpoint,
			Region:       a.Region,
			AccessKey:    a.AccessKey,
			SecretKey:    a.SecretKey,
			SessionToken: a.SessionToken,
		}, log)
	case "minio":
		st, err := minio.New(minio.Options{
			Endpoint:        a.Endpoint,
			Bucket:          a.Bucket,
			Region:          a.Region,
			AccessKeyId:     a.AccessKey,
			SecretAccessKey: a.SecretKey,
			UseSSL:          a.UseSSL,
		}, log)
		if err != nil {
			return nil, err
		}
		if err := st.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return st, nil
	default:
		return localfs.New(a.LocalDir)
	}
}

// newRuntime builds the configured backend and the function that releases it.
func newRuntime(cfg config.Config, log zerolog.Logger) (runtime.Runtime, func() error, error) {
	rc := cfg.Runtime
	switch rc.Backend {
	case config.BackendBridge:
		c, err := bridge.New(bridge.Config{
			Command:      rc.BridgeCmd,
			StartupDelay: rc.StartupDelay,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		return c, c.Close, nil
	case config.BackendDocker:
		c, err := docker.New(docker.Config{
			Host:         rc.Host,
			RegistryURL:  rc.RegistryURL,
			RegistryUser: rc.RegistryUser,
			RegistryPass: rc.RegistryPass,
			PidsLimit:    int64(rc.PidsLimit),
		}, log)
		if err != nil {
			return nil, nil, err
		}
		return c, c.Close, nil
	default:
		r, err := cli.New(cli.Config{
			Binary:     rc.Binary,
			GlobalArgs: rc.GlobalArgs,
			PidsLimit:  rc.PidsLimit,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		return r, nopClose, nil
	}
}

func nopClose() error { return nil }
