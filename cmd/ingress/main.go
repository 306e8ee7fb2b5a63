package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/backendenjoyer/decard-scalable-integration/internal/api"
	"github.com/backendenjoyer/decard-scalable-integration/internal/config"
	"github.com/backendenjoyer/decard-scalable-integration/internal/events"
	"github.com/backendenjoyer/decard-scalable-integration/internal/ingress"
	"github.com/backendenjoyer/decard-scalable-integration/internal/logging"
	"github.com/backendenjoyer/decard-scalable-integration/internal/signature"
)

// The ingress never touches Postgres: it authenticates provider callbacks
// and publishes them, nothing else.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger, err := logging.New(cfg.Env, "ingress")
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("ingress stopped", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	signer := signature.NewSigner(cfg.ShopSecret)
	if !signer.Configured() {
		logger.Warn("DECARD_SHOP_SECRET missing, every webhook will be rejected")
	}
	validator, err := ingress.NewValidator(ingress.Options{
		AllowedIPs:    cfg.AllowedIPList(),
		EnforceOrigin: cfg.IsProduction(),
		Signer:        signer,
		Logger:        logger.Named("validator"),
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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
	backoff := events.DefaultBackoff()
	backoff.MaxAttempts = cfg.PublishMaxAttempts
	publisher := events.NewPublisher(streams, backoff, logger.Named("publisher"))

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	api.NewWebhookHandler(validator, publisher, cfg.TrustProxyHeaders, logger.Named("webhook")).Register(r)

	logger.Info("ingress configured",
		zap.String("topic", cfg.Topic),
		zap.Int("partitions", cfg.Partitions),
		zap.Bool("enforce_origin", cfg.IsProduction()))
	return api.Serve(ctx, ":"+cfg.IngressPort, r, logger)
}
