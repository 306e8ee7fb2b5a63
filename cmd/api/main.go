package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/backendenjoyer/decard-scalable-integration/internal/api"
	"github.com/backendenjoyer/decard-scalable-integration/internal/config"
	"github.com/backendenjoyer/decard-scalable-integration/internal/logging"
	"github.com/backendenjoyer/decard-scalable-integration/internal/provider"
	"github.com/backendenjoyer/decard-scalable-integration/internal/service"
	"github.com/backendenjoyer/decard-scalable-integration/internal/signature"
	"github.com/backendenjoyer/decard-scalable-integration/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger, err := logging.New(cfg.Env, "api")
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("api stopped", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	if err := cfg.RequireDB(); err != nil {
		return err
	}
	defaultUser, err := uuid.Parse(cfg.DefaultUserID)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.AutoMigrate {
		if err := store.MigrateUp(cfg.DBSource); err != nil {
			return err
		}
		logger.Info("migrations applied")
	}

	ledgerStore, err := store.NewStore(ctx, cfg.DBSource, cfg.LockTimeout)
	if err != nil {
		return err
	}
	defer ledgerStore.Close()

	if cfg.ShopKey == "" || cfg.ShopSecret == "" {
		logger.Warn("DECARD_SHOP_KEY or DECARD_SHOP_SECRET missing, provider calls will fail")
	}
	client := provider.NewClient(provider.Options{
		BaseURL: cfg.ProviderURL,
		ShopKey: cfg.ShopKey,
		Signer:  signature.NewSigner(cfg.ShopSecret),
		Logger:  logger.Named("decard"),
	})

	// Initialize Layers
	txService := service.NewTransactionService(ledgerStore, client, service.URLs{
		Callback: cfg.WebhookURL,
		Success:  cfg.PaymentSuccessURL,
		Fail:     cfg.PaymentFailURL,
	}, defaultUser, logger.Named("service"))
	handler := api.NewHandler(ledgerStore, txService, client, logger.Named("http"))

	// Router
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	handler.Register(r)

	return api.Serve(ctx, ":"+cfg.Port, r, logger)
}
