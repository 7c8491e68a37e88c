package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/eventstream/internal/config"
	"github.com/rovshanmuradov/eventstream/internal/feeds"
	"github.com/rovshanmuradov/eventstream/internal/logger"
	"github.com/rovshanmuradov/eventstream/internal/metrics"
	"github.com/rovshanmuradov/eventstream/internal/shutdown"
	"github.com/rovshanmuradov/eventstream/internal/stream"
)

const clientShutdownTimeout = 10 * time.Second

// app holds what every command shares.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	metrics  *metrics.Collector
	client   *stream.Client
	shutdown *shutdown.Handler
	env      feeds.Env
}

// loadConfig reads opts.configPath. A missing default file is not an error;
// the environment alone may configure the origins.
func loadConfig(opts *rootOptions) (*config.Config, error) {
	path := opts.configPath
	if path == defaultConfigPath {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			path = ""
		}
	}
	return config.Load(path)
}

func loggerOptions(cfg *config.Config, debug bool) logger.Options {
	return logger.Options{
		Debug:      debug || cfg.Log.Debug,
		Pretty:     !debug,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
		Console:    os.Stderr,
	}
}

// newApp wires config, logging, metrics and the stream client. With a non-nil
// buffer the logger writes there instead of the terminal.
func newApp(opts *rootOptions, buffer *logger.LogBuffer) (*app, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	var log *zap.Logger
	if buffer != nil {
		log, err = logger.NewTUI(loggerOptions(cfg, opts.debug), buffer)
	} else {
		log, err = logger.New(loggerOptions(cfg, opts.debug))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to init logger: %w", err)
	}

	collector := metrics.NewCollector()
	client := stream.NewClient(stream.Options{Logger: log, Metrics: collector})

	a := &app{
		cfg:      cfg,
		logger:   log,
		metrics:  collector,
		client:   client,
		shutdown: shutdown.NewHandler(log, shutdown.DefaultTimeout),
	}
	a.env = cfg.FeedsEnv(feeds.Env{
		Client:  client,
		HTTP:    &http.Client{Timeout: cfg.HTTPTimeout},
		Logger:  log,
		Metrics: collector,
	})

	a.shutdown.AddFunc("logger", func() error {
		_ = log.Sync()
		return nil
	})
	a.shutdown.AddFunc("stream client", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), clientShutdownTimeout)
		defer cancel()
		return client.Shutdown(ctx)
	})

	if cfg.MetricsAddr != "" {
		a.serveMetrics(cfg.MetricsAddr)
	}
	return a, nil
}

func (a *app) serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.metrics.Registry(), promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		a.logger.Info("Serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	a.shutdown.AddFunc("metrics server", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	})
}

// close runs the shutdown handler directly, for commands that finish on
// their own.
func (a *app) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdown.DefaultTimeout)
	defer cancel()
	return a.shutdown.Shutdown(ctx)
}
