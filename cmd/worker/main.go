package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/backendenjoyer/decard-scalable-integration/internal/api"
	"github.com/backendenjoyer/decard-scalable-integration/internal/config"
	"github.com/backendenjoyer/decard-scalable-integration/internal/events"
	"github.com/backendenjoyer/decard-scalable-integration/internal/ledger"
	"github.com/backendenjoyer/decard-scalable-integration/internal/logging"
	"github.com/backendenjoyer/decard-scalable-integration/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger, err := logging.New(cfg.Env, "worker")
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("worker stopped", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	if err := cfg.RequireDB(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ledgerStore, err := store.NewStore(ctx, cfg.DBSource, cfg.LockTimeout)
	if err != nil {
		return err
	}
	defer ledgerStore.Close()

	rdb, err := events.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return err
	}
	defer rdb.Close()

	streams := events.NewRedisStreams(rdb, events.StreamsOptions{
		Topic:      cfg.Topic,
		Partitions: cfg.Partitions,
		Group:      cfg.ConsumerGroup,
	})
	updater := ledger.NewUpdater(ledgerStore, logger.Named("updater"))
	consumer := events.NewConsumer(streams, updater, events.ConsumerOptions{
		Name:          cfg.ConsumerName,
		MaxDeliveries: cfg.MaxDeliveries,
		LeaseTTL:      cfg.LeaseTTL,
		TrimInterval:  cfg.TrimInterval,
		Logger:        logger.Named("consumer"),
	})

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", func(w http.ResponseWriter, req *http.Request) {
		if err := ledgerStore.Ping(req.Context()); err != nil {
			http.Error(w, `{"status":"db unavailable"}`, http.StatusServiceUnavailable)
			return
		}
		api.HealthCheckHandler(w, req)
	}).Methods("GET")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumer.Run(ctx) })
	g.Go(func() error { return api.Serve(ctx, ":"+cfg.MetricsPort, r, logger) })
	return g.Wait()
}
