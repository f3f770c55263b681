package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/hummusonrails/x402-facilitator/internal/admin"
	"github.com/hummusonrails/x402-facilitator/internal/alert"
	"github.com/hummusonrails/x402-facilitator/internal/chain/evm"
	"github.com/hummusonrails/x402-facilitator/internal/config"
	"github.com/hummusonrails/x402-facilitator/internal/engine"
	"github.com/hummusonrails/x402-facilitator/internal/metrics"
	"github.com/hummusonrails/x402-facilitator/internal/protocol"
	"github.com/hummusonrails/x402-facilitator/internal/recovery"
	"github.com/hummusonrails/x402-facilitator/internal/server"
	"github.com/hummusonrails/x402-facilitator/internal/store"
	"github.com/hummusonrails/x402-facilitator/internal/store/memory"
	"github.com/hummusonrails/x402-facilitator/internal/store/postgres"
	"github.com/hummusonrails/x402-facilitator/internal/tracing"
)

func main() {
	logLevel := slog.LevelInfo
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	logger.Info("starting x402-facilitator",
		"network", cfg.Chain.Network,
		"chain_id", cfg.Chain.ChainID,
		"token", cfg.Chain.TokenAddress,
		"service_fee_bps", cfg.Fees.ServiceFeeBPS,
		"gas_fee_units", cfg.Fees.GasFeeUnits,
		"recovery_interval", cfg.Recovery.Interval,
	)

	tracingEndpoint := ""
	if cfg.Tracing.Enabled {
		tracingEndpoint = cfg.Tracing.Endpoint
	}
	shutdownTracing, err := tracing.Init(context.Background(), "x402-facilitator", tracingEndpoint, cfg.Tracing.Insecure)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()

	chainClient, err := evm.New(evm.Config{
		RPCURL:       cfg.Chain.RPCURL,
		ChainID:      cfg.Chain.ChainID,
		TokenAddress: cfg.Chain.TokenAddress,
		PrivateKey:   cfg.Chain.PrivateKey,
		RateLimit:    cfg.Chain.RPCRateLimit,
	}, logger)
	if err != nil {
		logger.Error("failed to initialize chain client", "error", err)
		os.Exit(1)
	}
	defer chainClient.Close()

	if err := validateChain(chainClient, cfg); err != nil {
		logger.Error("startup chain validation failed", "error", err)
		os.Exit(1)
	}
	logger.Info("chain validated",
		"facilitator_address", chainClient.FacilitatorAddress().Hex(),
		"rpc_url", cfg.Chain.RPCURL,
	)

	var (
		payments  store.PaymentRepository
		merchants store.MerchantRepository
		db        *postgres.DB
	)
	if cfg.DB.URL != "" {
		db, err = postgres.New(postgres.Config{
			URL:             cfg.DB.URL,
			MaxOpenConns:    cfg.DB.MaxOpenConns,
			MaxIdleConns:    cfg.DB.MaxIdleConns,
			ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
		})
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		if err := db.RunMigrations(cfg.DB.MigrationsDir); err != nil {
			logger.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}

		payments = postgres.NewPaymentRepo(db)
		merchants = postgres.NewMerchantRepo(db)
		logger.Info("using postgres payment ledger")
	} else {
		mem := memory.New()
		payments = mem
		merchants = mem
		logger.Warn("DATABASE_URL not set, using in-memory ledger; not safe for multi-instance deployments")
	}

	var alerter alert.Alerter = &alert.NoopAlerter{}
	var channels []alert.Alerter
	if cfg.Alert.SlackWebhookURL != "" {
		channels = append(channels, alert.NewSlackAlerter(cfg.Alert.SlackWebhookURL))
	}
	if cfg.Alert.WebhookURL != "" {
		channels = append(channels, alert.NewWebhookAlerter(cfg.Alert.WebhookURL))
	}
	if len(channels) > 0 {
		alerter = alert.NewMultiAlerter(cfg.Alert.Cooldown, logger, channels...)
	}

	eng := engine.New(engine.Config{
		Network:             cfg.Chain.Network,
		ChainID:             cfg.Chain.ChainID,
		TokenAddress:        cfg.Chain.TokenAddress,
		TokenName:           config.TokenName,
		TokenVersion:        config.TokenVersion,
		ServiceFeeBPS:       cfg.Fees.ServiceFeeBPS,
		GasFeeUnits:         cfg.Fees.GasFeeUnits,
		MaxSettlementAmount: cfg.Fees.MaxSettlementAmount,
		ConfirmTimeout:      cfg.Chain.ConfirmTimeout,
	}, payments, merchants, chainClient, alerter, logger)

	worker := recovery.NewWorker(payments, eng, alerter, cfg.Chain.Network, cfg.Recovery.MaxAttempts, logger)

	srv := server.New(eng, cfg.Chain.Network, cfg.Chain.ChainID, protocol.RequirementsConfig{
		Network:       string(cfg.Chain.Network),
		TokenAddress:  cfg.Chain.TokenAddress,
		Facilitator:   chainClient.FacilitatorAddress().Hex(),
		ServiceFeeBPS: cfg.Fees.ServiceFeeBPS,
		GasFeeUnits:   cfg.Fees.GasFeeUnits,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		select {
		case sig := <-sigCh:
			logger.Info("shutdown signal received", "signal", sig.String())
			cancel()
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	publicMux := http.NewServeMux()
	publicMux.Handle("/", srv.Handler())
	publicMux.Handle("/metrics", promhttp.Handler())
	runHTTPServer(g, gCtx, logger, "public", fmt.Sprintf(":%d", cfg.Server.Port), publicMux)

	if cfg.Server.AdminToken != "" {
		rl := admin.NewRateLimitMiddleware(logger)
		defer rl.Stop()
		adminSrv := admin.NewServer(eng, payments, chainClient, cfg.Server.AdminToken, logger)
		runHTTPServer(g, gCtx, logger, "admin", fmt.Sprintf(":%d", cfg.Server.AdminPort), adminSrv.Handler(rl))
	} else {
		logger.Warn("ADMIN_TOKEN not set, admin API disabled")
	}

	g.Go(func() error {
		err := worker.RunPeriodic(gCtx, cfg.Recovery.Interval)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if db != nil {
		g.Go(func() error {
			metrics.CollectDBPoolStats(gCtx, db.DB, 15*time.Second)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("facilitator exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("facilitator stopped")
}

// validateChain refuses to serve when the node or token do not match the
// configuration: a wrong chain id or token decimals would corrupt every
// amount this process settles.
func validateChain(client *evm.Client, cfg *config.Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("read chain id: %w", err)
	}
	if chainID.Int64() != cfg.Chain.ChainID {
		return fmt.Errorf("rpc chain id %s does not match configured network %s (%d)",
			chainID, cfg.Chain.Network, cfg.Chain.ChainID)
	}

	decimals, err := client.TokenDecimals(ctx)
	if err != nil {
		return fmt.Errorf("read token decimals: %w", err)
	}
	if decimals != config.TokenDecimals {
		return fmt.Errorf("token %s has %d decimals, expected %d",
			cfg.Chain.TokenAddress, decimals, config.TokenDecimals)
	}
	return nil
}

func runHTTPServer(g *errgroup.Group, ctx context.Context, logger *slog.Logger, name, addr string, handler http.Handler) {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		logger.Info("http server listening", "server", name, "addr", addr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s server: %w", name, err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("http server shutdown error", "server", name, "error", err)
		}
		return nil
	})
}
