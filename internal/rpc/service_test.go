package rpc

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/ledger-engine/internal/ledger"
	"github.com/example/ledger-engine/pkg/audit"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type brokenLedger struct{}

func (brokenLedger) Apply(ctx context.Context, req ledger.ApplyRequest) (ledger.ApplyResult, error) {
	return ledger.ApplyResult{}, errors.New("disk on fire")
}

func (brokenLedger) Statement(ctx context.Context, accountID int64) (*ledger.Statement, error) {
	return nil, errors.New("disk on fire")
}

func newLedger() Ledger {
	return ledger.NewEngine(ledger.NewMemoryStore(ledger.DefaultAccounts...), ledger.WithLogger(discard))
}

func startServer(t *testing.T, l Ledger, opts ServerOptions) *grpc.ClientConn {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = discard
	}

	lis := bufconn.Listen(1 << 20)
	srv, err := NewServer(l, opts)
	require.NoError(t, err)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func callCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestApplyThenStatement(t *testing.T) {
	c := newLedgerClient(startServer(t, newLedger(), ServerOptions{}))
	ctx := callCtx(t)

	res, err := c.Apply(ctx, ledger.ApplyRequest{AccountID: 1, Amount: 1000, Kind: ledger.Credit, Description: "salario"})
	require.NoError(t, err)
	assert.Equal(t, ledger.ApplyResult{Balance: 1000, Limit: 100000}, res)

	res, err = c.Apply(ctx, ledger.ApplyRequest{AccountID: 1, Amount: 400, Kind: "d", Description: "mercado"})
	require.NoError(t, err)
	assert.Equal(t, int64(600), res.Balance)

	st, err := c.Statement(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(600), st.Balance)
	assert.Equal(t, int64(100000), st.Limit)
	assert.False(t, st.AsOf.IsZero())
	require.Len(t, st.Recent, 2)
	assert.Equal(t, ledger.Debit, st.Recent[0].Kind)
	assert.Equal(t, "mercado", st.Recent[0].Description)
	assert.Equal(t, ledger.Credit, st.Recent[1].Kind)
	assert.Equal(t, int64(1000), st.Recent[1].Amount)
}

func TestStatementOfUntouchedAccount(t *testing.T) {
	c := newLedgerClient(startServer(t, newLedger(), ServerOptions{}))

	st, err := c.Statement(callCtx(t), 5)
	require.NoError(t, err)
	assert.Equal(t, int64(0), st.Balance)
	assert.Empty(t, st.Recent)
}

func TestErrorCodes(t *testing.T) {
	conn := startServer(t, newLedger(), ServerOptions{})
	c := newLedgerClient(conn)
	ctx := callCtx(t)

	_, err := c.Apply(ctx, ledger.ApplyRequest{AccountID: 6, Amount: 1, Kind: ledger.Credit, Description: "x"})
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = c.Statement(ctx, 6)
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = c.Apply(ctx, ledger.ApplyRequest{AccountID: 2, Amount: 80001, Kind: ledger.Debit, Description: "too much"})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	invalid := []map[string]any{
		{"account_id": 1, "amount": 0, "kind": "credit", "description": "zero"},
		{"account_id": 1, "amount": 1.5, "kind": "credit", "description": "frac"},
		{"account_id": 1, "amount": 1, "kind": "x", "description": "kind"},
		{"account_id": 1, "amount": 1, "kind": "credit", "description": ""},
		{"account_id": 1, "amount": 1, "kind": "credit", "description": strings.Repeat("a", 11)},
		{"account_id": 0, "amount": 1, "kind": "credit", "description": "id"},
		{"amount": 1, "kind": "credit", "description": "missing"},
		{"account_id": 1, "amount": 1, "kind": "credit", "description": "extra", "tag": "x"},
	}
	for _, m := range invalid {
		in, err := structpb.NewStruct(m)
		require.NoError(t, err)
		err = conn.Invoke(ctx, applyMethod, in, new(structpb.Struct))
		assert.Equal(t, codes.InvalidArgument, status.Code(err), "%v", m)
	}

	in, err := structpb.NewStruct(map[string]any{"account_id": "1"})
	require.NoError(t, err)
	err = conn.Invoke(ctx, statementMethod, in, new(structpb.Struct))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	st, err := c.Statement(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(0), st.Balance)
	assert.Empty(t, st.Recent)
}

func TestInternalErrorsAreOpaque(t *testing.T) {
	c := newLedgerClient(startServer(t, brokenLedger{}, ServerOptions{}))

	_, err := c.Apply(callCtx(t), ledger.ApplyRequest{AccountID: 1, Amount: 1, Kind: ledger.Credit, Description: "x"})
	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.Internal, st.Code())
	assert.NotContains(t, st.Message(), "disk")
}

func TestCorrelationIDAndAudit(t *testing.T) {
	chain := audit.NewChainLogger()
	c := newLedgerClient(startServer(t, newLedger(), ServerOptions{Auditor: chain}))

	ctx := metadata.AppendToOutgoingContext(callCtx(t), CorrelationIDKey, "req-42")
	var header metadata.MD
	_, err := c.Apply(ctx, ledger.ApplyRequest{AccountID: 3, Amount: 1000, Kind: ledger.Debit, Description: "x"}, grpc.Header(&header))
	require.NoError(t, err)
	assert.Equal(t, []string{"req-42"}, header.Get(CorrelationIDKey))

	_, err = c.Apply(callCtx(t), ledger.ApplyRequest{AccountID: 3, Amount: 1000000, Kind: ledger.Debit, Description: "x"})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	header = nil
	_, err = c.Statement(callCtx(t), 3, grpc.Header(&header))
	require.NoError(t, err)
	require.Len(t, header.Get(CorrelationIDKey), 1)
	assert.Len(t, header.Get(CorrelationIDKey)[0], 36)

	entries := chain.Entries()
	require.Len(t, entries, 3)
	assert.Contains(t, entries[0].Payload, "cid=req-42")
	assert.Contains(t, entries[0].Payload, "method="+applyMethod)
	assert.Contains(t, entries[0].Payload, "code=OK")
	assert.Contains(t, entries[1].Payload, "code=FailedPrecondition")
	assert.Contains(t, entries[2].Payload, "method="+statementMethod)
	require.NoError(t, audit.VerifyChain(entries))
}

func TestNewServerRegistersReflection(t *testing.T) {
	srv, err := NewServer(newLedger(), ServerOptions{Logger: discard})
	require.NoError(t, err)

	info := srv.GetServiceInfo()
	require.Contains(t, info, ServiceName)
	assert.Len(t, info[ServiceName].Methods, 2)
	assert.Contains(t, info, "grpc.reflection.v1.ServerReflection")
}
