package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/example/ledger-engine/internal/ledger"
	"github.com/example/ledger-engine/internal/security"
)

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	cid := security.CorrelationIDFromContext(r.Context())
	if cid != "" {
		w.Header().Set(security.CorrelationIDHeader, cid)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeLedgerError maps engine errors onto the HTTP contract.
func writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound):
		security.WriteJSONError(w, r, http.StatusNotFound, security.CodeNotFound)
	case errors.Is(err, ledger.ErrLimitExceeded):
		security.WriteJSONError(w, r, http.StatusUnprocessableEntity, security.CodeLimitExceeded)
	default:
		security.WriteJSONError(w, r, http.StatusInternalServerError, security.CodeInternal)
	}
}
