package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"earnedvalue/config"
	"earnedvalue/internal/app"
	"earnedvalue/internal/handler"
	"earnedvalue/internal/httpserver"
	pkgconfig "earnedvalue/pkg/config"
	"earnedvalue/pkg/logger"
	"earnedvalue/pkg/otel"
	"earnedvalue/pkg/outbox"
)

func main() {
	env := pkgconfig.GetConfigEnv()
	log := logger.NewLogger(env)
	defer log.Sync()

	cfg, err := config.Load(env, pkgconfig.GetEnv("CONFIG_DIR", "config"))
	if err != nil {
		log.Fatal("Failed to load config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := otel.Init(cfg.OTel, log)
	if err != nil {
		log.Fatal("Failed to init tracing", zap.Error(err))
	}
	defer shutdownTracing()

	log.Info("Starting progress api...",
		zap.String("env", env),
		zap.String("storage", cfg.Storage.Driver),
		zap.String("port", cfg.Server.Port),
	)

	infra, err := app.Open(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to open storage", zap.Error(err))
	}
	defer infra.Close()

	engine := app.NewEngine(infra, cfg, log)

	var adminHandler *handler.OutboxHandler
	if infra.Outbox != nil {
		adminHandler = handler.NewOutboxHandler(outbox.NewReplayService(infra.Outbox, log), log)
	}
	router := httpserver.NewRouter(
		handler.NewProgressHandler(engine.Service, log),
		adminHandler,
		cfg.JWT.Secret,
		log,
		infra.Checks...,
	)
	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	// memory mode has no worker process; refresh and recompute run here
	if !cfg.UsesPostgres() {
		g.Go(func() error {
			engine.Refresher.Run(gctx)
			return nil
		})
		g.Go(func() error {
			engine.Runner.Poll(gctx)
			return nil
		})
	}

	g.Go(func() error {
		log.Info("HTTP server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("API stopped with error", zap.Error(err))
		return
	}
	log.Info("API stopped")
}
