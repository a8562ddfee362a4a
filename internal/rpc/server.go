package rpc

import (
	"crypto/tls"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/reflection"
)

const maxMessageBytes = 1 << 20

// ServerOptions configures NewServer.
type ServerOptions struct {
	Logger  *slog.Logger
	Auditor Auditor
	TLS     *tls.Config
}

// NewServer builds a grpc.Server with the ledger service and reflection
// registered.
func NewServer(l Ledger, opts ServerOptions) (*grpc.Server, error) {
	svc, err := NewService(l)
	if err != nil {
		return nil, err
	}

	serverOpts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(maxMessageBytes),
		grpc.MaxSendMsgSize(maxMessageBytes),
		grpc.ChainUnaryInterceptor(UnaryInterceptor(opts.Logger, opts.Auditor)),
	}
	if opts.TLS != nil {
		serverOpts = append(serverOpts, grpc.Creds(credentials.NewTLS(opts.TLS)))
	}

	s := grpc.NewServer(serverOpts...)
	RegisterLedgerServiceServer(s, svc)
	reflection.Register(s)
	return s, nil
}
