package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/ledger-engine/internal/app"
	"github.com/example/ledger-engine/internal/config"
	"github.com/example/ledger-engine/internal/rpc"
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

	tlsCfg, err := rt.TLS()
	if err != nil {
		logger.Error("failed to load TLS config", "error", err)
		os.Exit(1)
	}

	srv, err := rpc.NewServer(rt.Engine, rpc.ServerOptions{
		Logger:  logger,
		Auditor: rt.Auditor,
		TLS:     tlsCfg,
	})
	if err != nil {
		logger.Error("failed to build grpc server", "error", err)
		os.Exit(1)
	}

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logger.Error("failed to listen", "addr", cfg.GRPCAddr, "error", err)
		os.Exit(1)
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down grpc server")
		srv.GracefulStop()
	}()

	logger.Info("ledger grpc server listening", "addr", cfg.GRPCAddr, "store", cfg.Store, "tls", tlsCfg != nil)
	if err := srv.Serve(lis); err != nil {
		logger.Error("grpc server error", "error", err)
		rt.Close()
		os.Exit(1)
	}
}
