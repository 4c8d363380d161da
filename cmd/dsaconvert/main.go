package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cwygoda/dsaconvert/internal/adapter/gateway"
	httpAdapter "github.com/cwygoda/dsaconvert/internal/adapter/http"
	"github.com/cwygoda/dsaconvert/internal/adapter/sqlite"
	"github.com/cwygoda/dsaconvert/internal/capture"
	"github.com/cwygoda/dsaconvert/internal/config"
	"github.com/cwygoda/dsaconvert/internal/domain"
	"github.com/cwygoda/dsaconvert/internal/lifecycle"
	"github.com/cwygoda/dsaconvert/internal/logging"
	"github.com/cwygoda/dsaconvert/internal/metrics"
	"github.com/cwygoda/dsaconvert/internal/orchestrator"
	"github.com/cwygoda/dsaconvert/internal/worker"
)

func main() {
	cfg, files, err := config.Load(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "dsaconvert: %v\n", err)
		os.Exit(2)
	}

	log := logging.New(cfg.Log)
	metrics.MustRegister()

	gw := gateway.New(cfg.Remote.BaseURL, cfg.Remote.Timeout, logging.Component(log, "gateway"))
	log.Info().Str("addr", cfg.Server.Addr).Str("remote", gw.BaseURL()).Str("config", cfg.File).Msg("starting dsaconvert")

	opts := []lifecycle.Option{
		lifecycle.WithInterval(cfg.Polling.Interval),
		lifecycle.WithMaxDuration(cfg.Polling.MaxDuration),
		lifecycle.WithFailureLimit(cfg.Polling.FailureLimit),
		lifecycle.WithRemoteCancel(cfg.Submission.CancelRemoteOnRemove),
	}

	// Initialize SQLite history
	var history domain.HistoryRepository
	if cfg.History.Enabled {
		repo, err := sqlite.New(cfg.History.DBPath)
		if err != nil {
			log.Fatal().Err(err).Str("db", cfg.History.DBPath).Msg("failed to initialize history database")
		}
		defer repo.Close()
		history = repo
		opts = append(opts, lifecycle.WithHistory(repo))
		log.Info().Str("db", cfg.History.DBPath).Msg("recording history")
	}

	manager := lifecycle.New(gw, logging.Component(log, "lifecycle"), opts...)
	ctrl := orchestrator.New(manager, gw, cfg.Submission.Concurrency, logging.Component(log, "orchestrator"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if len(files) > 0 {
		priv := capture.NewPrivileged(capture.StaticDialog{Files: files}, cfg.Capture.MaxFileSize, logging.Component(log, "capture"))
		jobs, err := ctrl.Import(ctx, capture.NewAdapter(priv, log))
		if err != nil {
			log.Warn().Err(err).Msg("some files were not queued")
		}
		log.Info().Int("jobs", len(jobs)).Msg("queued files from command line")
	}

	srv := httpAdapter.NewServer(ctrl, history, httpAdapter.Options{
		Addr:        cfg.Server.Addr,
		Defaults:    cfg.Processing,
		MaxFileSize: cfg.Capture.MaxFileSize,
	}, logging.Component(log, "http"))

	if cfg.Start {
		profiles, _ := ctrl.Profiles(ctx)
		batch, err := cfg.Processing.Configuration(profiles)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid processing defaults")
		}
		w := worker.New(ctrl, batch, 2*time.Second, 0, logging.Component(log, "worker"))
		go func() {
			if _, err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("auto start failed")
			}
		}()
	}

	// Graceful shutdown setup
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("shell API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-serveErr:
		log.Error().Err(err).Msg("HTTP server error")
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}
	manager.Close()

	log.Info().Msg("shutdown complete")
}
