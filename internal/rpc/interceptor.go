package rpc

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/example/ledger-engine/internal/security"
	"github.com/example/ledger-engine/pkg/audit"
)

// CorrelationIDKey is the metadata key carrying the correlation ID.
const CorrelationIDKey = "x-correlation-id"

// Auditor records one line per handled call.
type Auditor interface {
	Append(payload string) *audit.LogEntry
}

// UnaryInterceptor attaches a correlation ID to the call context, echoes it
// in the response header, logs the outcome and optionally audits it.
func UnaryInterceptor(logger *slog.Logger, auditor Auditor) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()

		var incoming string
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if vals := md.Get(CorrelationIDKey); len(vals) > 0 {
				incoming = vals[0]
			}
		}
		cid := security.NormalizeCorrelationID(incoming)
		ctx = security.WithCorrelationID(ctx, cid)
		_ = grpc.SetHeader(ctx, metadata.Pairs(CorrelationIDKey, cid))

		resp, err := handler(ctx, req)

		code := status.Code(err)
		dur := time.Since(start)
		level := slog.LevelInfo
		if code == codes.Internal || code == codes.Unknown {
			level = slog.LevelError
		}
		logger.Log(ctx, level, "grpc_request",
			"cid", cid,
			"method", info.FullMethod,
			"code", code.String(),
			"duration_ms", dur.Milliseconds(),
		)

		if auditor != nil {
			auditor.Append(fmt.Sprintf("cid=%s method=%s code=%s dur_ms=%d", cid, info.FullMethod, code, dur.Milliseconds()))
		}
		return resp, err
	}
}
