package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/example/ledger-engine/internal/ledger"
	"github.com/example/ledger-engine/internal/security"
)

type transactionRequest struct {
	Valor     int64  `json:"valor"`
	Tipo      string `json:"tipo"`
	Descricao string `json:"descricao"`
}

type transactionResponse struct {
	Limite int64 `json:"limite"`
	Saldo  int64 `json:"saldo"`
}

type statementBalance struct {
	Total       int64  `json:"total"`
	DataExtrato string `json:"data_extrato"`
	Limite      int64  `json:"limite"`
}

type statementEntry struct {
	Valor       int64  `json:"valor"`
	Tipo        string `json:"tipo"`
	Descricao   string `json:"descricao"`
	RealizadaEm string `json:"realizada_em"`
}

type statementResponse struct {
	Saldo             statementBalance `json:"saldo"`
	UltimasTransacoes []statementEntry `json:"ultimas_transacoes"`
}

type accountIDKey struct{}

// accountIDFromPath answers 404 for ids that are not positive integers, before
// the body is looked at.
func accountIDFromPath(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil || id <= 0 {
			security.WriteJSONError(w, r, http.StatusNotFound, security.CodeNotFound)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), accountIDKey{}, id)))
	})
}

func accountID(r *http.Request) int64 {
	id, _ := r.Context().Value(accountIDKey{}).(int64)
	return id
}

func handleHealth(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := deps.Ready(ctx); err != nil {
				deps.Logger.Warn("health_check_failed", "error", err)
				writeJSON(w, r, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func handleTransaction(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.LedgerWriter == nil {
			security.WriteJSONError(w, r, http.StatusServiceUnavailable, "ledger_unavailable")
			return
		}

		var req transactionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			security.WriteJSONError(w, r, http.StatusUnprocessableEntity, security.CodeInvalidJSON)
			return
		}

		kind, err := ledger.ParseKind(req.Tipo)
		if err != nil {
			security.WriteJSONError(w, r, http.StatusUnprocessableEntity, security.CodeValidation)
			return
		}

		res, err := deps.LedgerWriter.Apply(r.Context(), ledger.ApplyRequest{
			AccountID:   accountID(r),
			Amount:      req.Valor,
			Kind:        kind,
			Description: req.Descricao,
		})
		if err != nil {
			logLedgerError(deps, r, "apply", err)
			writeLedgerError(w, r, err)
			return
		}

		writeJSON(w, r, http.StatusOK, transactionResponse{
			Limite: res.Limit,
			Saldo:  res.Balance,
		})
	}
}

func handleStatement(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.LedgerReader == nil {
			security.WriteJSONError(w, r, http.StatusServiceUnavailable, "ledger_unavailable")
			return
		}

		st, err := deps.LedgerReader.Statement(r.Context(), accountID(r))
		if err != nil {
			logLedgerError(deps, r, "statement", err)
			writeLedgerError(w, r, err)
			return
		}

		recent := make([]statementEntry, 0, len(st.Recent))
		for _, e := range st.Recent {
			recent = append(recent, statementEntry{
				Valor:       e.Amount,
				Tipo:        e.Kind.Code(),
				Descricao:   e.Description,
				RealizadaEm: e.OccurredAt.UTC().Format(time.RFC3339Nano),
			})
		}

		writeJSON(w, r, http.StatusOK, statementResponse{
			Saldo: statementBalance{
				Total:       st.Balance,
				DataExtrato: st.AsOf.UTC().Format(time.RFC3339Nano),
				Limite:      st.Limit,
			},
			UltimasTransacoes: recent,
		})
	}
}

// logLedgerError logs failures outside the normal contract. Missing accounts
// and limit rejections are expected outcomes.
func logLedgerError(deps Dependencies, r *http.Request, op string, err error) {
	if errors.Is(err, ledger.ErrAccountNotFound) || errors.Is(err, ledger.ErrLimitExceeded) {
		return
	}
	deps.Logger.Error("ledger_request_failed",
		"cid", security.CorrelationIDFromContext(r.Context()),
		"op", op,
		"account_id", accountID(r),
		"error", err,
	)
}
