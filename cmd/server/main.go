package main

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"x402mail/internal/allowance"
	"x402mail/internal/config"
	"x402mail/internal/delivery"
	"x402mail/internal/escrow"
	"x402mail/internal/funds"
	"x402mail/internal/hmacauth"
	"x402mail/internal/inbox"
	"x402mail/internal/orchestrator"
	"x402mail/internal/recovery"
	"x402mail/internal/server"
	"x402mail/internal/telemetry"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

var version = "dev"

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("config error")
	}
	if level, err := logrus.ParseLevel(cfg.Service.LogLevel); err == nil {
		logger.SetLevel(level)
	} else {
		logger.WithField("level", cfg.Service.LogLevel).Warn("unknown log level, using info")
	}

	ctx := context.Background()

	tracing := telemetry.New(telemetry.Config{
		Enabled:        cfg.Service.TracingEnabled,
		ServiceVersion: version,
		Network:        cfg.Chain.Network,
	}, logger)
	if err := tracing.Start(); err != nil {
		logger.WithError(err).Fatal("tracing setup error")
	}

	backend, err := newBackend(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("escrow client error")
	}

	ledger, closeLedger, err := newRecoveryStore(ctx, cfg)
	if err != nil {
		logger.WithError(err).Fatal("recovery store error")
	}
	defer closeLedger()

	cache, closeCache, err := newInboxCache(cfg)
	if err != nil {
		logger.WithError(err).Fatal("inbox cache error")
	}
	defer closeCache()

	store := delivery.NewClient(
		cfg.Store.BaseURL,
		&http.Client{Timeout: cfg.Store.Timeout},
		&hmacauth.Signer{Secret: cfg.Store.HMACSecret},
		logger,
	)

	metrics := server.NewMetrics()

	orch := orchestrator.New(orchestrator.Config{
		Sender:             backend.Address(),
		EscrowAddress:      backend.EscrowAddress(),
		Network:            cfg.Chain.Network,
		AdvisoryMinimum:    cfg.Send.AdvisoryMinimum,
		EnforceProtocolFee: cfg.Send.EnforceProtocolFee,
		TokenDecimals:      cfg.Send.TokenDecimals,
		RefundWindow:       cfg.Send.RefundWindow,
		SuccessTTL:         cfg.Send.SuccessTTL,
	}, orchestrator.Deps{
		Protocol: backend,
		Chain:    backend,
		Funds: funds.NewGuard(backend, funds.Thresholds{
			MinGas:      cfg.Send.MinGas,
			TokenMargin: cfg.Send.TokenMargin,
		}, cfg.Send.BalanceRetryDelay, logger),
		Allowance: allowance.NewCoordinator(backend, backend.Address(), logger),
		Resolver:  store,
		Notifier:  store,
		Recovery:  ledger,
		Metrics:   metrics,
		Tracer:    tracing.Tracer("x402mail/orchestrator"),
		Logger:    logger,
	})

	if pending, err := orch.PendingRecovery(ctx); err == nil {
		metrics.SetRecoveryPending(len(pending))
		if len(pending) > 0 {
			logger.WithField("count", len(pending)).Warn("escrowed deposits awaiting re-notification")
		}
	}

	mailbox := inbox.NewService(backend.Address(), store, backend, backend, cache, logger)
	mailbox.OnOutcome(metrics.ObserveInbox)

	apiServer := server.NewServer(cfg, orch, mailbox, backend, ledger, metrics, logger)

	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("server stopped")
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("server shutdown")
	}

	// Sessions with submitted transactions run to completion.
	logger.Info("waiting for in-flight sends")
	orch.Wait()

	if err := tracing.Shutdown(context.Background()); err != nil {
		logger.WithError(err).Warn("tracing shutdown")
	}
}

// newBackend dials the chain when a signing key is configured and otherwise
// runs against a funded in-memory deployment.
func newBackend(ctx context.Context, cfg *config.AppConfig, logger *logrus.Logger) (escrow.Backend, error) {
	if cfg.Chain.PrivateKey != "" {
		client, err := escrow.NewEthClient(ctx, escrow.EthClientConfig{
			RPCURL:               cfg.Chain.RPCURL,
			PrivateKeyHex:        cfg.Chain.PrivateKey,
			ContractEscrow:       cfg.Chain.EscrowAddress,
			ContractPaymentToken: cfg.Chain.TokenAddress,
			Confirmations:        cfg.Chain.Confirmations,
			PollInterval:         cfg.Chain.PollInterval,
		})
		if err != nil {
			return nil, err
		}
		logger.WithFields(logrus.Fields{
			"network": cfg.Chain.Network,
			"sender":  client.Address().Hex(),
		}).Info("connected to chain")
		return client, nil
	}

	wallet := common.HexToAddress(cfg.Chain.SimWallet)
	sim := escrow.NewSimulator(common.HexToAddress(cfg.Chain.EscrowAddress))
	sim.Fund(wallet, big.NewInt(1e18), big.NewInt(1_000_000_000))
	logger.WithField("sender", wallet.Hex()).Warn("no private key configured, using in-memory escrow simulator")
	return sim.Account(wallet), nil
}

func newRecoveryStore(ctx context.Context, cfg *config.AppConfig) (recovery.Store, func(), error) {
	if cfg.Service.RecoveryPostgresDSN != "" {
		store, err := recovery.NewPostgresStore(ctx, cfg.Service.RecoveryPostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	}
	store, err := recovery.NewFileStore(cfg.Service.RecoveryStorePath)
	if err != nil {
		return nil, nil, err
	}
	return store, func() {}, nil
}

func newInboxCache(cfg *config.AppConfig) (inbox.Cache, func(), error) {
	if cfg.Service.InboxCachePath == "" {
		return inbox.NewMemoryCache(), func() {}, nil
	}
	cache, err := inbox.OpenBoltCache(cfg.Service.InboxCachePath)
	if err != nil {
		return nil, nil, err
	}
	return cache, func() { _ = cache.Close() }, nil
}
