// Package main is the entry point for the coin ledger service.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"coinledger/internal/config"
	"coinledger/internal/fraud"
	"coinledger/internal/gateway"
	"coinledger/internal/gift"
	"coinledger/internal/handler"
	"coinledger/internal/limits"
	"coinledger/internal/notify"
	"coinledger/internal/pkg/db"
	"coinledger/internal/pkg/lock"
	"coinledger/internal/repository"
	"coinledger/internal/router"
	"coinledger/internal/service"
)

func main() {
	// Configure zerolog
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// Load configuration
	cfg, err := config.Load("config")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log.Info().Msg("Configuration loaded successfully")

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database connection pool
	dbPool, err := db.NewPool(ctx, &cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer dbPool.Close()

	// Run database migrations
	if err := runMigrations(ctx, dbPool); err != nil {
		log.Fatal().Err(err).Msg("Failed to run database migrations")
	}

	// Initialize repositories
	walletRepo := repository.NewWalletRepository(dbPool.Pool)
	txRepo := repository.NewTransactionRepository(dbPool.Pool)
	paymentRepo := repository.NewPaymentRepository(dbPool.Pool)
	idemRepo := repository.NewIdempotencyRepository(dbPool.Pool)

	// Initialize wallet lock and notification hub
	walletLock := lock.NewWalletLock()
	hub := notify.NewHub()

	// Initialize policy components
	limitsPolicy := limits.NewPolicy(limits.Config{
		PerTransactionMax: cfg.Limits.PerTransactionMax,
		DailyMax:          cfg.Limits.DailyMax,
		UnverifiedMax:     cfg.Limits.UnverifiedMax,
		Window:            cfg.Limits.Window,
	}, txRepo, limits.NewStaticTiers(cfg.KYC.VerifiedIDs), nil)

	detector := fraud.NewDetector(fraud.Config{
		BlockThreshold:    cfg.Fraud.BlockThreshold,
		ReviewThreshold:   cfg.Fraud.ReviewThreshold,
		PatternWeight:     cfg.Fraud.PatternWeight,
		VelocityWeight:    cfg.Fraud.VelocityWeight,
		AnomalyWeight:     cfg.Fraud.AnomalyWeight,
		GeoWeight:         cfg.Fraud.GeoWeight,
		VelocityMax:       cfg.Fraud.VelocityMax,
		AnomalyMultiplier: cfg.Fraud.AnomalyMultiplier,
	})

	// Initialize gateway registry from configured providers
	registry := gateway.NewRegistry(buildAdapters(cfg)...)
	log.Info().Strs("providers", registry.Names()).Msg("Payment providers configured")

	// Initialize services
	walletService := service.NewWalletService(walletRepo, txRepo, walletLock, hub)

	transferService := service.NewTransferService(walletRepo, gift.NewStaticCatalog(), walletLock, hub, service.TransferConfig{
		ReceiverSharePercent: cfg.Gift.ReceiverSharePercent,
		PlatformUserID:       cfg.Gift.PlatformUserID,
		MaxMultiplier:        cfg.Gift.MaxMultiplier,
	})

	paymentService := service.NewPaymentService(
		walletRepo, paymentRepo, idemRepo, txRepo,
		limitsPolicy, detector, registry, hub,
		service.PaymentConfig{
			IntentTTL:      cfg.Payment.IntentTTL,
			CoinsPerCent:   cfg.Payment.CoinsPerCent,
			VelocityWindow: cfg.Fraud.VelocityWindow,
			HistoryWindow:  cfg.Fraud.HistoryWindow,
		}, nil)

	// Initialize HTTP handlers and router
	mux := router.New(router.Handlers{
		Wallet:  handler.NewWalletHandler(walletService),
		Gift:    handler.NewGiftHandler(transferService, gift.NewStaticCatalog()),
		Payment: handler.NewPaymentHandler(paymentService, paymentRepo),
		WS:      handler.NewWSHandler(hub),
		DB:      dbPool,
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start background maintenance loops
	go runMaintenance(ctx, cfg, paymentService, walletService, idemRepo, paymentRepo)

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Wait for shutdown signal
	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	log.Info().Msg("Server stopped gracefully")
}

// buildAdapters creates one gateway adapter per enabled provider.
func buildAdapters(cfg *config.Config) []gateway.Adapter {
	var adapters []gateway.Adapter
	for name, pc := range cfg.Payment.Providers {
		if !pc.Enabled {
			continue
		}
		switch name {
		case "stripe":
			adapters = append(adapters, gateway.NewStripeAdapter(pc.BaseURL, pc.APIKey, pc.WebhookSecret, cfg.Payment.RetryMax))
		case "paypal":
			adapters = append(adapters, gateway.NewPayPalAdapter(pc.BaseURL, pc.APIKey, pc.WebhookSecret, cfg.Payment.RetryMax))
		case "esewa":
			adapters = append(adapters, gateway.NewEsewaAdapter(pc.BaseURL, pc.APIKey, cfg.Payment.RetryMax))
		case "khalti":
			adapters = append(adapters, gateway.NewKhaltiAdapter(pc.BaseURL, pc.APIKey, pc.ReturnURL, cfg.Payment.RetryMax))
		default:
			log.Warn().Str("provider", name).Msg("Unknown provider in config, skipping")
		}
	}
	return adapters
}

// runMaintenance drives the periodic jobs: intent expiry, idempotency key
// retention, intent archival, and the reconciliation sweep.
func runMaintenance(
	ctx context.Context,
	cfg *config.Config,
	payments *service.PaymentService,
	wallets *service.WalletService,
	idemRepo *repository.IdempotencyRepository,
	paymentRepo *repository.PaymentRepository,
) {
	expiry := time.NewTicker(time.Minute)
	defer expiry.Stop()
	sweep := time.NewTicker(cfg.Idempotency.SweepInterval)
	defer sweep.Stop()
	reconcile := time.NewTicker(15 * time.Minute)
	defer reconcile.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-expiry.C:
			if err := payments.ExpirePending(ctx); err != nil {
				log.Error().Err(err).Msg("Intent expiry sweep failed")
			}

		case <-sweep.C:
			if n, err := idemRepo.Sweep(ctx, time.Now().Add(-cfg.Idempotency.TTL)); err != nil {
				log.Error().Err(err).Msg("Idempotency sweep failed")
			} else if n > 0 {
				log.Info().Int64("removed", n).Msg("Swept idempotency keys")
			}
			if n, err := paymentRepo.DeleteArchived(ctx, time.Now().Add(-30*24*time.Hour)); err != nil {
				log.Error().Err(err).Msg("Intent archival failed")
			} else if n > 0 {
				log.Info().Int64("removed", n).Msg("Archived payment intents")
			}

		case <-reconcile.C:
			if err := wallets.ReconcileActive(ctx, time.Now().Add(-time.Hour)); err != nil {
				log.Error().Err(err).Msg("Reconciliation sweep failed")
			}
		}
	}
}

// runMigrations executes database migrations.
func runMigrations(ctx context.Context, pool *db.Pool) error {
	log.Info().Msg("Running database migrations...")

	// Migration 1: Create wallets table
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS wallets (
			user_id BIGINT PRIMARY KEY,
			balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
			locked BIGINT NOT NULL DEFAULT 0 CHECK (locked >= 0),
			frozen BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 1: wallets table created")

	// Migration 2: Create transactions table
	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS transactions (
			id CHAR(26) PRIMARY KEY,
			user_id BIGINT NOT NULL,
			type VARCHAR(50) NOT NULL,
			amount BIGINT NOT NULL,
			status VARCHAR(20) NOT NULL,
			idempotency_key VARCHAR(128),
			tx_hash CHAR(64) NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_transactions_user_time ON transactions(user_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_transactions_user_status ON transactions(user_id, status);
		CREATE INDEX IF NOT EXISTS idx_transactions_type_time ON transactions(type, created_at DESC);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_idem_key ON transactions(idempotency_key) WHERE idempotency_key IS NOT NULL;
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 2: transactions table created")

	// Migration 3: Create payment_intents table
	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS payment_intents (
			id CHAR(26) PRIMARY KEY,
			user_id BIGINT NOT NULL,
			kind VARCHAR(20) NOT NULL,
			requested_amount BIGINT NOT NULL CHECK (requested_amount > 0),
			currency VARCHAR(10) NOT NULL,
			provider VARCHAR(50) NOT NULL,
			provider_ref VARCHAR(255) NOT NULL DEFAULT '',
			status VARCHAR(20) NOT NULL,
			risk_score INT NOT NULL DEFAULT 0,
			risk_action VARCHAR(20) NOT NULL DEFAULT 'allow',
			risk_reasons TEXT[] NOT NULL DEFAULT '{}',
			redirect_url TEXT NOT NULL DEFAULT '',
			reserve_tx_id CHAR(26),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			expires_at TIMESTAMPTZ NOT NULL
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_intents_provider_ref ON payment_intents(provider, provider_ref) WHERE provider_ref <> '';
		CREATE INDEX IF NOT EXISTS idx_intents_status_expiry ON payment_intents(status, expires_at);
		CREATE INDEX IF NOT EXISTS idx_intents_user_time ON payment_intents(user_id, created_at DESC);
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 3: payment_intents table created")

	// Migration 4: Create idempotency_keys table
	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS idempotency_keys (
			key VARCHAR(128) PRIMARY KEY,
			user_id BIGINT NOT NULL,
			result JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_idempotency_created ON idempotency_keys(created_at);
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 4: idempotency_keys table created")

	log.Info().Msg("All migrations completed successfully")
	return nil
}
