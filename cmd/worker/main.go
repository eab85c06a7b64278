package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sameanonim/imageboard/internal/app"
	"github.com/sameanonim/imageboard/internal/config"
	"github.com/sameanonim/imageboard/internal/log"
	"github.com/sameanonim/imageboard/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := log.New(cfg.Environment, cfg.Logging.Level)
	cfg.Postgres.AppName += "-worker"
	if cfg.Queue.Driver == "memory" {
		logger.Fatal().Msg("the memory queue is process local; set pipeline.inprocess on the api instead")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize dependencies")
	}
	defer a.Close()

	if err := a.EnsureGroups(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to prepare queue lanes")
	}

	metrics := server.MetricsServer(cfg.Metrics.Addr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.RunPools(gctx, a.Pools())
	})
	g.Go(func() error {
		logger.Info().Str("addr", metrics.Addr).Msg("metrics listener starting")
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metrics.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("worker stopped with error")
		return
	}
	logger.Info().Msg("worker exited cleanly")
}
