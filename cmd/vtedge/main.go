package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"vtedge/internal/config"
	"vtedge/internal/host"
	"vtedge/internal/store"
	"vtedge/internal/worker"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", getenvDefault("VTEDGE_CONFIG", "/vtedge.yaml"), "path to vtedge.yaml")
	flag.Parse()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		log.Fatal().Err(err).Msg("logger")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, cfg, logger)
	stop()
	if err != nil {
		logger.Fatal().Err(err).Msg("vtedge stopped")
	}
}

// run serves until ctx ends or the listener fails. Everything it opens is
// closed before it returns.
func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	storage, err := store.New(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open %s storage: %w", cfg.Storage.Provider, err)
	}
	defer storage.Close()

	network := worker.NewOriginFetcher(cfg.OriginURL(), cfg.FetchTimeout(), cfg.Worker.MaxBodyBytes())
	manifest := &worker.ManifestLoader{
		Config:  cfg.Worker.Precache,
		Network: network,
		Scope:   cfg.PublicOriginURL(),
		Skip: func(p string) bool {
			r := cfg.PickRule(p)
			return r != nil && r.Bypass
		},
		Log: logger.With().Str("component", "manifest").Logger(),
	}

	svc := host.New(host.Options{
		Config:   cfg,
		Storage:  storage,
		Network:  network,
		Metrics:  worker.NewMetrics(),
		Manifest: manifest.Load,
		Logger:   logger,
	})
	defer svc.Close()

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}

	addr := host.Addr(cfg)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout(),
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Str("origin", cfg.Server.Origin).Str("scope", cfg.Server.PublicOrigin).Msg("vtedge listening")
		serveErr <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newLogger(cfg config.Logging) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.DebugLevel
	}

	outputs := []io.Writer{zerolog.ConsoleWriter{Out: os.Stdout}}
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
		if err != nil {
			return zerolog.Logger{}, fmt.Errorf("open log file: %w", err)
		}
		outputs = append(outputs, f)
	}
	log.Logger = log.Level(level).Output(zerolog.MultiLevelWriter(outputs...))
	return log.Logger, nil
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
