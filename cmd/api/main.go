package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"vaultpay/internal/auth"
	"vaultpay/internal/cache"
	"vaultpay/internal/config"
	"vaultpay/internal/db"
	"vaultpay/internal/httpserver"
	"vaultpay/internal/ledger"
	"vaultpay/internal/notify"
	"vaultpay/internal/payout"
	"vaultpay/internal/security"
	"vaultpay/internal/withdrawals"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DBDSN)
	if err != nil {
		logger.Fatal("connect to database", zap.Error(err))
	}
	defer pool.Close()

	var tokenCache cache.Cache
	if cfg.RedisAddr != "" {
		tokenCache = cache.NewRedisCache(cfg.RedisAddr)
	} else {
		tokenCache = cache.NewMemoryCache(time.Hour, 10*time.Minute)
	}

	authSvc := auth.NewService(pool, cfg.JWTIssuer, []byte(cfg.JWTSecret), cfg.JWTTTL)
	hub := notify.NewHub(authSvc, cfg.WebSocketOrigin, logger)

	ledgerSvc := ledger.NewService(pool)
	securityStore := security.NewPGStore(pool)
	gate := security.NewGate(securityStore)

	providers := payout.NewRegistry(buildAdapters(cfg)...)

	withdrawalStore := withdrawals.NewPGStore(pool, ledgerSvc)
	withdrawalSvc := withdrawals.NewService(withdrawalStore, gate, providers, hub, logger)

	router := httpserver.NewRouter(httpserver.RouterDeps{
		AuthHandler:        auth.NewHandler(authSvc),
		LedgerHandler:      ledger.NewHandler(ledgerSvc, logger),
		SecurityHandler:    security.NewHandler(securityStore, tokenCache, logger),
		WithdrawalsHandler: withdrawals.NewHandler(withdrawalSvc, providers, hub, logger),
		AuthService:        authSvc,
		WSHandler:          hub,
	})
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	logger.Info("server listening", zap.String("addr", cfg.HTTPAddr))
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

// buildAdapters wires only the providers whose credentials are configured;
// the registry serves a disabled adapter for the rest.
func buildAdapters(cfg config.Config) []payout.Adapter {
	base := strings.TrimRight(cfg.CallbackBaseURL, "/")
	var adapters []payout.Adapter
	if cfg.NOWPaymentsAPIKey != "" && cfg.NOWPaymentsIPNSecret != "" {
		adapters = append(adapters, payout.NewNOWPaymentsAdapter(
			cfg.NOWPaymentsBaseURL,
			cfg.NOWPaymentsAPIKey,
			cfg.NOWPaymentsIPNSecret,
			base+"/v1/payouts/nowpayments/callback",
		))
	}
	if cfg.CryptomusMerchantID != "" && cfg.CryptomusPayoutSecret != "" {
		adapters = append(adapters, payout.NewCryptomusAdapter(
			cfg.CryptomusBaseURL,
			cfg.CryptomusMerchantID,
			cfg.CryptomusPayoutSecret,
			base+"/v1/payouts/cryptomus/callback",
		))
	}
	return adapters
}
