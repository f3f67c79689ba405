package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"flexa-spend-sdk/config"
	"flexa-spend-sdk/internal/adapter/api"
	"flexa-spend-sdk/internal/adapter/sse"
	"flexa-spend-sdk/internal/adapter/storage/memory"
	pgStorage "flexa-spend-sdk/internal/adapter/storage/postgres"
	redisStorage "flexa-spend-sdk/internal/adapter/storage/redis"
	"flexa-spend-sdk/internal/core/domain"
	"flexa-spend-sdk/internal/core/ports"
	"flexa-spend-sdk/internal/service"
	"flexa-spend-sdk/pkg/apperror"
	"flexa-spend-sdk/pkg/logger"

	"github.com/rs/zerolog"
)

// spendd is a reference host: it wires the SDK end to end, creates one
// commerce session from flags, logs every flow notification, and runs until
// interrupted. The signer only logs; nothing is broadcast anywhere.
func main() {
	var (
		configPath = flag.String("config", "", "path to config file")
		brandID    = flag.String("brand", "brand_demo", "brand to pay")
		amount     = flag.String("amount", "10.00", "session amount")
		asset      = flag.String("asset", "usd", "settlement asset")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Pretty)
	log.Info().
		Str("api", cfg.API.BaseURL).
		Str("storage", cfg.Storage.Backend).
		Msg("Starting spendd")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, cleanup, err := buildStateStore(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize state store")
	}
	defer cleanup()

	var sealer ports.Sealer
	if cfg.Keystore.Passphrase != "" {
		if sealer, err = service.NewKeystore(cfg.Keystore.Passphrase); err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize keystore")
		}
		log.Info().Msg("Pinned session sealing enabled")
	}

	tokenSvc := service.NewTokenService(cfg.API, logger.For(log, "tokens"))
	apiClient := api.NewClient(cfg.API, tokenSvc, logger.For(log, "api"))
	stream := sse.NewStream(cfg.API.BaseURL, cfg.Stream, tokenSvc, logger.For(log, "stream"))
	sessionSvc := service.NewSessionService(apiClient, store, stream, sealer, logger.For(log, "sessions"))

	flow := service.NewPaymentFlow(
		sessionSvc,
		loggingSigner{log: logger.For(log, "signer")},
		loggingListener{log: logger.For(log, "flow")},
		cfg.Flow,
		logger.For(log, "flow"),
	)

	accounts := []domain.Account{
		{ID: "demo_account", Name: "Demo Wallet", Assets: []domain.AvailableAsset{
			{AssetID: "eth", Symbol: "ETH", Balance: "1.0"},
			{AssetID: "usdc", Symbol: "USDC", Balance: "100.00"},
		}},
	}
	selected := domain.SelectedAsset{AccountID: "demo_account", AssetID: "usdc"}

	if err := flow.Start(ctx, accounts, selected); err != nil {
		log.Fatal().Err(err).Msg("Failed to start payment flow")
	}
	log.Info().Msg("Event stream connected")

	flow.CreateSession(ports.CreateSessionRequest{
		BrandID: *brandID,
		Amount:  *amount,
		AssetID: *asset,
	}, false)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down...")

	flow.Close()
	cancel()
	log.Info().Msg("spendd exited")
}

// buildStateStore picks the configured storage backend.
func buildStateStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (ports.StateStore, func(), error) {
	switch cfg.Storage.Backend {
	case "redis":
		rdb, err := redisStorage.NewClient(ctx, cfg.Storage.Redis, log)
		if err != nil {
			return nil, nil, err
		}
		if err := checkHealth(ctx, redisStorage.NewHealthCheck(rdb), log); err != nil {
			rdb.Close()
			return nil, nil, err
		}
		return redisStorage.NewStateStore(rdb), func() { rdb.Close() }, nil

	case "postgres":
		pool, err := pgStorage.NewPool(ctx, cfg.Storage.Database, log)
		if err != nil {
			return nil, nil, err
		}
		if err := checkHealth(ctx, pgStorage.NewHealthCheck(pool), log); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return pgStorage.NewStateStore(pool), func() { pool.Close() }, nil

	case "memory":
		return memory.NewStateStore(), func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

func checkHealth(ctx context.Context, check ports.HealthChecker, log zerolog.Logger) error {
	if err := check.Ping(ctx); err != nil {
		return fmt.Errorf("%s health check: %w", check.Name(), err)
	}
	log.Info().Str("backend", check.Name()).Msg("State store connected")
	return nil
}

// loggingSigner stands in for a wallet: it logs the descriptor it would sign.
type loggingSigner struct {
	log zerolog.Logger
}

func (s loggingSigner) Sign(req domain.TransactionRequest) error {
	s.log.Info().
		Str("session_id", req.SessionID).
		Str("amount", req.Amount).
		Str("asset", req.AssetID).
		Str("destination", req.Destination).
		Msg("Would sign and broadcast transaction")
	return nil
}

// loggingListener prints every flow notification.
type loggingListener struct {
	log zerolog.Logger
}

func (l loggingListener) OnStateChange(state ports.FlowState, session *domain.CommerceSession) {
	ev := l.log.Info().Stringer("state", state)
	if session != nil {
		ev = ev.Str("session_id", session.ID).Str("status", string(session.Status))
	}
	ev.Msg("Flow state changed")
}

func (l loggingListener) OnError(err *apperror.AppError) {
	title, message := err.UserFacing()
	l.log.Error().Err(err).Str("title", title).Str("message", message).Msg("Flow error")
}

func (l loggingListener) OnPaymentCompleted(session *domain.CommerceSession) {
	ev := l.log.Info()
	if session != nil {
		ev = ev.Str("session_id", session.ID)
	}
	ev.Msg("Payment completed")
}

func (l loggingListener) OnDismiss() {
	l.log.Info().Msg("Success screen dismissed")
}
