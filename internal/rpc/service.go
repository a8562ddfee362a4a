// Package rpc exposes the ledger engine as the ledger.v1.LedgerService gRPC
// service. Messages are google.protobuf.Struct documents so that clients need
// no generated code; their shape is checked with JSON schemas.
package rpc

import (
	"context"
	"errors"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/ledger-engine/internal/ledger"
	"github.com/example/ledger-engine/internal/security"
)

const (
	ServiceName     = "ledger.v1.LedgerService"
	applyMethod     = "/" + ServiceName + "/Apply"
	statementMethod = "/" + ServiceName + "/Statement"
)

const applySchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["account_id", "amount", "kind", "description"],
  "properties": {
    "account_id": {"type": "integer", "minimum": 1, "maximum": 9007199254740991},
    "amount": {"type": "integer", "minimum": 1, "maximum": 9007199254740991},
    "kind": {"type": "string", "enum": ["credit", "debit", "c", "d"]},
    "description": {"type": "string", "minLength": 1, "maxLength": 10}
  }
}`

const statementSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["account_id"],
  "properties": {
    "account_id": {"type": "integer", "minimum": 1, "maximum": 9007199254740991}
  }
}`

// LedgerServiceServer is the server API for ledger.v1.LedgerService.
type LedgerServiceServer interface {
	Apply(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Statement(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// Ledger is the engine surface the service needs.
type Ledger interface {
	Apply(ctx context.Context, req ledger.ApplyRequest) (ledger.ApplyResult, error)
	Statement(ctx context.Context, accountID int64) (*ledger.Statement, error)
}

// Service implements LedgerServiceServer on top of a Ledger.
type Service struct {
	ledger     Ledger
	applyV     *security.JSONSchemaValidator
	statementV *security.JSONSchemaValidator
}

// NewService compiles the request schemas and returns a service backed by l.
func NewService(l Ledger) (*Service, error) {
	applyV, err := security.NewJSONSchemaValidator(applySchema)
	if err != nil {
		return nil, err
	}
	statementV, err := security.NewJSONSchemaValidator(statementSchema)
	if err != nil {
		return nil, err
	}
	return &Service{ledger: l, applyV: applyV, statementV: statementV}, nil
}

func (s *Service) Apply(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if err := s.applyV.Validate(in.AsMap()); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	fields := in.GetFields()
	kind, err := ledger.ParseKind(fields["kind"].GetStringValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	res, err := s.ledger.Apply(ctx, ledger.ApplyRequest{
		AccountID:   int64(fields["account_id"].GetNumberValue()),
		Amount:      int64(fields["amount"].GetNumberValue()),
		Kind:        kind,
		Description: fields["description"].GetStringValue(),
	})
	if err != nil {
		return nil, toStatus(err)
	}

	return structpb.NewStruct(map[string]any{
		"balance": res.Balance,
		"limit":   res.Limit,
	})
}

func (s *Service) Statement(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if err := s.statementV.Validate(in.AsMap()); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	st, err := s.ledger.Statement(ctx, int64(in.GetFields()["account_id"].GetNumberValue()))
	if err != nil {
		return nil, toStatus(err)
	}

	recent := make([]any, 0, len(st.Recent))
	for _, e := range st.Recent {
		recent = append(recent, map[string]any{
			"id":          e.ID,
			"amount":      e.Amount,
			"kind":        string(e.Kind),
			"description": e.Description,
			"occurred_at": e.OccurredAt.UTC().Format(time.RFC3339Nano),
		})
	}

	return structpb.NewStruct(map[string]any{
		"balance": st.Balance,
		"limit":   st.Limit,
		"as_of":   st.AsOf.UTC().Format(time.RFC3339Nano),
		"recent":  recent,
	})
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound):
		return status.Error(codes.NotFound, "account not found")
	case errors.Is(err, ledger.ErrLimitExceeded):
		return status.Error(codes.FailedPrecondition, "limit exceeded")
	}
	return status.Error(codes.Internal, "internal error")
}

func applyHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LedgerServiceServer).Apply(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: applyMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(LedgerServiceServer).Apply(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func statementHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LedgerServiceServer).Statement(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: statementMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(LedgerServiceServer).Statement(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// ServiceDesc describes ledger.v1.LedgerService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LedgerServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Apply", Handler: applyHandler},
		{MethodName: "Statement", Handler: statementHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ledger/v1/ledger.proto",
}

// RegisterLedgerServiceServer registers srv under ServiceDesc.
func RegisterLedgerServiceServer(s grpc.ServiceRegistrar, srv LedgerServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

var _ LedgerServiceServer = (*Service)(nil)
