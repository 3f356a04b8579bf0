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
	"earnedvalue/internal/httpserver"
	"earnedvalue/internal/model"
	"earnedvalue/internal/mqhandler"
	pkgconfig "earnedvalue/pkg/config"
	"earnedvalue/pkg/logger"
	"earnedvalue/pkg/mq"
	"earnedvalue/pkg/otel"
	"earnedvalue/pkg/outbox"
	"earnedvalue/pkg/util"
)

func main() {
	env := pkgconfig.GetConfigEnv()
	log := logger.NewLogger(env)
	defer log.Sync()

	cfg, err := config.Load(env, pkgconfig.GetEnv("CONFIG_DIR", "config"))
	if err != nil {
		log.Fatal("Failed to load config", zap.Error(err))
	}
	if !cfg.UsesPostgres() {
		log.Fatal("Worker requires the postgres storage driver; the api runs background jobs in memory mode",
			zap.String("storage", cfg.Storage.Driver))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := otel.Init(cfg.OTel, log)
	if err != nil {
		log.Fatal("Failed to init tracing", zap.Error(err))
	}
	defer shutdownTracing()

	log.Info("Starting progress worker...",
		zap.String("env", env),
		zap.String("mq_url", cfg.MQ.URL),
		zap.String("queue", cfg.MQ.Queue),
	)

	infra, err := app.Open(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to open storage", zap.Error(err))
	}
	defer infra.Close()

	engine := app.NewEngine(infra, cfg, log)

	// MQ publisher (outbox dispatch + DLQ)
	publisher, err := mq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		log.Fatal("Failed to init MQ publisher", zap.Error(err))
	}
	defer publisher.Close()

	dispatcher := outbox.NewDispatcher(infra.Outbox, publisher, log)

	// milestone.recorded consumer
	deduper := util.NewDeduper(infra.Redis, time.Hour, log)
	retryCounter := util.NewRetryCounter(infra.Redis, time.Hour)
	recordedHandler := mqhandler.NewMilestoneRecordedHandler(infra.Dirty, deduper, retryCounter, publisher, log)

	log.Info("Initializing MQ consumer",
		zap.String("queue", cfg.MQ.Queue),
		zap.String("routing_key", model.RoutingKeyMilestoneRecorded),
	)
	consumer, err := mq.NewConsumer(cfg.MQ.URL, cfg.MQ.Queue, model.RoutingKeyMilestoneRecorded, log)
	if err != nil {
		log.Fatal("Failed to init consumer", zap.Error(err))
	}
	defer consumer.Close()
	consumer.SetHandler(recordedHandler.Handle)

	checks := append(infra.Checks,
		httpserver.Check{Name: "mq", Fn: func(context.Context) error {
			if !consumer.IsConnected() || !publisher.IsConnected() {
				return errors.New("broker connection closed")
			}
			return nil
		}},
	)
	srv := &http.Server{
		Addr:              cfg.OpsAddr(),
		Handler:           httpserver.NewOpsRouter(log, checks...),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		dispatcher.Start(gctx)
		return nil
	})
	g.Go(func() error {
		err := consumer.StartConsuming(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		engine.Refresher.Run(gctx)
		return nil
	})
	g.Go(func() error {
		engine.Runner.Poll(gctx)
		return nil
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	log.Info("Worker running")
	if err := g.Wait(); err != nil {
		log.Error("Worker stopped with error", zap.Error(err))
		return
	}
	log.Info("Worker stopped")
}
