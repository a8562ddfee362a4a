package rpc

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/ledger-engine/internal/ledger"
)

// ledgerClient decodes LedgerService responses back into ledger types.
type ledgerClient struct {
	cc grpc.ClientConnInterface
}

func newLedgerClient(cc grpc.ClientConnInterface) *ledgerClient {
	return &ledgerClient{cc: cc}
}

func (c *ledgerClient) Apply(ctx context.Context, req ledger.ApplyRequest, opts ...grpc.CallOption) (ledger.ApplyResult, error) {
	in, err := structpb.NewStruct(map[string]any{
		"account_id":  req.AccountID,
		"amount":      req.Amount,
		"kind":        string(req.Kind),
		"description": req.Description,
	})
	if err != nil {
		return ledger.ApplyResult{}, err
	}

	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, applyMethod, in, out, opts...); err != nil {
		return ledger.ApplyResult{}, err
	}
	f := out.GetFields()
	return ledger.ApplyResult{
		Balance: int64(f["balance"].GetNumberValue()),
		Limit:   int64(f["limit"].GetNumberValue()),
	}, nil
}

func (c *ledgerClient) Statement(ctx context.Context, accountID int64, opts ...grpc.CallOption) (*ledger.Statement, error) {
	in, err := structpb.NewStruct(map[string]any{"account_id": accountID})
	if err != nil {
		return nil, err
	}

	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, statementMethod, in, out, opts...); err != nil {
		return nil, err
	}

	f := out.GetFields()
	asOf, err := time.Parse(time.RFC3339Nano, f["as_of"].GetStringValue())
	if err != nil {
		return nil, fmt.Errorf("statement as_of: %w", err)
	}
	st := &ledger.Statement{
		AccountID: accountID,
		Balance:   int64(f["balance"].GetNumberValue()),
		Limit:     int64(f["limit"].GetNumberValue()),
		AsOf:      asOf,
		Recent:    []ledger.Entry{},
	}
	for _, v := range f["recent"].GetListValue().GetValues() {
		e := v.GetStructValue().GetFields()
		at, err := time.Parse(time.RFC3339Nano, e["occurred_at"].GetStringValue())
		if err != nil {
			return nil, fmt.Errorf("statement entry occurred_at: %w", err)
		}
		st.Recent = append(st.Recent, ledger.Entry{
			ID:          int64(e["id"].GetNumberValue()),
			AccountID:   accountID,
			Amount:      int64(e["amount"].GetNumberValue()),
			Kind:        ledger.Kind(e["kind"].GetStringValue()),
			Description: e["description"].GetStringValue(),
			OccurredAt:  at,
		})
	}
	return st, nil
}
