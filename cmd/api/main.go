package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/ledger-engine/internal/api"
	"github.com/example/ledger-engine/internal/app"
	"github.com/example/ledger-engine/internal/config"
	"github.com/example/ledger-engine/internal/security"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		app.NewLogger(config.Defaults(), os.Stderr).Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := app.NewLogger(cfg, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build runtime", "error", err)
		os.Exit(1)
	}
	defer rt.Close()

	allowlist, err := security.ParseCIDRAllowlist(cfg.IPAllowlist)
	if err != nil {
		logger.Error("invalid API_IP_ALLOWLIST", "error", err)
		os.Exit(1)
	}

	router, err := api.NewRouter(api.Dependencies{
		Logger:       logger,
		LedgerReader: rt.Engine,
		LedgerWriter: rt.Engine,
		Ready:        rt.Ready,
		Auditor:      rt.Auditor,
		RateLimiter:  rt.RateLimiter("ledger_api"),
		IPAllowlist:  allowlist,
		MaxBodyBytes: cfg.MaxBodyBytes,
	})
	if err != nil {
		logger.Error("failed to build router", "error", err)
		os.Exit(1)
	}

	tlsCfg, err := rt.TLS()
	if err != nil {
		logger.Error("failed to load TLS config", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		TLSConfig:         tlsCfg,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("ledger api listening", "addr", cfg.APIAddr, "store", cfg.Store, "tls", tlsCfg != nil)
	if tlsCfg != nil {
		err = srv.ListenAndServeTLS("", "")
	} else {
		err = srv.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "error", err)
		rt.Close()
		os.Exit(1)
	}
	logger.Info("ledger api stopped")
}
