package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/sameanonim/imageboard/internal/app"
	"github.com/sameanonim/imageboard/internal/config"
	"github.com/sameanonim/imageboard/internal/jobs"
	"github.com/sameanonim/imageboard/internal/log"
	"github.com/sameanonim/imageboard/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := log.New(cfg.Environment, cfg.Logging.Level)
	cfg.Postgres.AppName += "-api"

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize dependencies")
	}
	if err := a.EnsureGroups(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to prepare queue lanes")
	}

	httpServer := server.NewHTTPServer(cfg, logger, a.Handlers())

	scheduler := jobs.NewScheduler(a.Queue, cfg.Reaper.Schedule, logger)
	if err := scheduler.Start(); err != nil {
		logger.Error().Err(err).Msg("scheduler start failed")
	}

	poolsDone := make(chan error, 1)
	if cfg.Pipeline.InProcess {
		logger.Info().Msg("running lane pools in process")
		go func() { poolsDone <- app.RunPools(ctx, a.Pools()) }()
	} else {
		close(poolsDone)
	}

	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	waitForShutdown(logger, httpServer, scheduler, poolsDone, a)
}

func waitForShutdown(logger zerolog.Logger, srv *server.HTTPServer, scheduler *jobs.Scheduler, poolsDone <-chan error, a *app.App) {
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	scheduler.Stop(5 * time.Second)

	if err := <-poolsDone; err != nil {
		logger.Error().Err(err).Msg("lane pools stopped with error")
	}

	a.Close()
	logger.Info().Msg("server exited cleanly")
}
