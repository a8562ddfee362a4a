package api

import (
	"context"
	"log/slog"
	"net/http"
	"net/netip"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/example/ledger-engine/internal/ledger"
	"github.com/example/ledger-engine/internal/security"
	"github.com/example/ledger-engine/pkg/audit"
)

type Auditor interface {
	Append(payload string) *audit.LogEntry
}

type LedgerWriter interface {
	Apply(ctx context.Context, req ledger.ApplyRequest) (ledger.ApplyResult, error)
}

type LedgerReader interface {
	Statement(ctx context.Context, accountID int64) (*ledger.Statement, error)
}

// Dependencies are the collaborators NewRouter wires into the handlers and
// middleware. Nil Auditor, RateLimiter, Ready and an empty IPAllowlist
// disable the matching feature.
type Dependencies struct {
	Logger *slog.Logger

	LedgerReader LedgerReader
	LedgerWriter LedgerWriter

	// Ready, when set, backs /healthz. A non-nil error answers 503.
	Ready func(ctx context.Context) error

	Auditor      Auditor
	RateLimiter  *security.RedisTokenBucket
	IPAllowlist  []netip.Prefix
	MaxBodyBytes int64
}

// NewRouter builds the chi router serving the account routes and /healthz.
func NewRouter(deps Dependencies) (http.Handler, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	transactionV, err := security.NewJSONSchemaValidator(transactionSchema,
		security.WithFailureStatus(http.StatusUnprocessableEntity))
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(security.CorrelationID)
	r.Use(RequestLogger(deps.Logger))
	r.Use(security.BodySizeLimit(deps.MaxBodyBytes))
	r.Use(security.IPAllowlist(deps.IPAllowlist))
	if deps.RateLimiter != nil {
		r.Use(security.RateLimitMiddleware(deps.RateLimiter, rateLimitKeyByIP))
	}
	if deps.Auditor != nil {
		r.Use(AuditMiddleware(deps.Auditor))
	}

	r.Get("/healthz", handleHealth(deps))

	r.Route("/clientes/{id}", func(r chi.Router) {
		r.Use(accountIDFromPath)

		r.With(transactionV.Middleware).Post("/transacoes", handleTransaction(deps))
		r.Get("/extrato", handleStatement(deps))
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusNotFound, security.CodeNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusMethodNotAllowed, security.CodeMethodNotAllowed)
	})

	return r, nil
}

func rateLimitKeyByIP(r *http.Request) string {
	return "ip:" + security.ClientIPKey(r)
}
