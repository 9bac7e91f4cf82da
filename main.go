package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/alimasry/go-sandbox-preview/config"
	"github.com/alimasry/go-sandbox-preview/server"
	"github.com/alimasry/go-sandbox-preview/store"
	"github.com/alimasry/go-sandbox-preview/style"
	"github.com/alimasry/go-sandbox-preview/surface"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("config", zap.Error(err))
	}
	addr := flag.String("addr", cfg.Server.Addr, "HTTP listen address")
	flag.Parse()

	log, err := newLogger(cfg.Logging)
	if err != nil {
		zap.NewExample().Fatal("logger", zap.Error(err))
	}
	defer log.Sync()

	if err := run(cfg, *addr, log); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, addr string, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	docs, closeStore, err := openStore(ctx, cfg.Store, log)
	if err != nil {
		return err
	}
	defer closeStore()

	var rules []style.Rule
	if cfg.Sandbox.StylesFile != "" {
		if rules, err = style.LoadRulesFile(cfg.Sandbox.StylesFile); err != nil {
			return err
		}
		log.Info("loaded style overrides", zap.String("file", cfg.Sandbox.StylesFile), zap.Int("rules", len(rules)))
	}

	compiler := style.NewCompiler(log.Named("style"))
	opts := server.Options{
		Compiler:     compiler,
		Rules:        rules,
		DeadZone:     cfg.Sandbox.DeadZone,
		MarkerLabel:  cfg.Sandbox.MarkerLabel,
		Logger:       log,
		Metrics:      server.NewMetrics(prometheus.DefaultRegisterer),
		CommandRate:  rate.Limit(cfg.Commands.PerSecond),
		CommandBurst: cfg.Commands.Burst,
		StaticDir:    cfg.Server.StaticDir,
	}
	if cfg.Server.ChromePath != "" {
		execPath := cfg.Server.ChromePath
		if execPath == "auto" {
			if execPath, err = surface.FindChrome(); err != nil {
				return err
			}
		}
		opts.Previewer = &server.ChromePreviewer{
			ExecPath:    execPath,
			Compiler:    compiler,
			MarkerLabel: cfg.Sandbox.MarkerLabel,
			Logger:      log.Named("preview"),
		}
	}

	hub := server.NewHub(docs, opts)
	srv := &http.Server{
		Addr:              addr,
		Handler:           server.NewHandler(hub, prometheus.DefaultGatherer),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		log.Info("starting server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg config.StoreConfig, log *zap.Logger) (store.DocumentStore, func(), error) {
	if cfg.FirestoreProject == "" {
		return store.NewMemoryStore(), func() {}, nil
	}
	client, err := firestore.NewClient(ctx, cfg.FirestoreProject)
	if err != nil {
		return nil, nil, err
	}
	cached := store.NewCachedStore(store.NewFirestoreStore(client), cfg.FlushInterval, log.Named("store"))
	log.Info("using firestore", zap.String("project", cfg.FirestoreProject))
	return cached, func() {
		cached.Close()
		client.Close()
	}, nil
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zc.Level = level
	return zc.Build()
}
