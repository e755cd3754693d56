/*
handlers.go - HTTP handlers over the settlement engine

PURPOSE:
  Maps the engine's collaborator operations onto REST endpoints. All
  settlement decisions stay in the settlement package; this layer does
  request parsing, error-to-status mapping and JSON serialization.

ENDPOINTS:
  POST /api/transactions               Create a deposit or withdrawal
  GET  /api/transactions               List (filter by user/state/rail)
  GET  /api/transactions/{id}          Current authoritative state
  POST /api/transactions/{id}/verify   Manual verification trigger
  GET  /api/eligibility                Hypothetical admission check
  GET  /api/rails                      Configured rails
  GET  /api/users/{id}/balance         Ledger balance
  POST /api/admin/reconcile            Run a reconciliation cycle now

ERROR MAPPING:
  400: validation / eligibility / unknown rail
  404: unknown transaction
  409: illegal state transition
  502: rail temporarily unreachable (record left in a retryable state)
  500: everything else
*/
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/blackgerm/settlement-engine/settlement"
)

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine    *settlement.Engine
	Scheduler *settlement.Scheduler
	Log       *slog.Logger
}

// NewHandler creates a handler over the engine and scheduler.
func NewHandler(engine *settlement.Engine, scheduler *settlement.Scheduler, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{Engine: engine, Scheduler: scheduler, Log: log}
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// CreateTransaction starts a deposit or withdrawal. Withdrawals are
// processed inline after the eligibility gate; the response carries
// whatever state the record reached.
func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	var req CreateTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorDTO{Error: "invalid JSON body"})
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorDTO{Error: "amount must be a decimal string"})
		return
	}

	direction := settlement.Direction(req.Direction)
	if direction != settlement.Deposit && direction != settlement.Withdrawal {
		writeJSON(w, http.StatusBadRequest, ErrorDTO{Error: "direction must be deposit or withdrawal"})
		return
	}

	tx, err := h.Engine.Create(r.Context(), settlement.CreateInput{
		UserID:       req.UserID,
		Direction:    direction,
		Rail:         req.Rail,
		Amount:       amount,
		Counterparty: req.Counterparty,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	if tx.Direction == settlement.Withdrawal {
		// Kick processing immediately; a transient rail failure leaves the
		// record for the scheduler and is not a creation failure.
		processed, perr := h.Engine.ProcessWithdrawal(r.Context(), tx.ID)
		if perr != nil && !settlement.IsRetryable(perr) {
			h.Log.Error("processing withdrawal inline", "id", tx.ID, "error", perr)
		}
		if processed.ID != "" {
			tx = processed
		}
	}

	writeJSON(w, http.StatusCreated, toTransactionDTO(tx))
}

// GetTransaction returns the authoritative state of one transaction.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.Engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(tx))
}

// ListTransactions returns transactions matching the query filters.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := settlement.Filter{
		UserID:    q.Get("user_id"),
		Direction: settlement.Direction(q.Get("direction")),
		Rail:      q.Get("rail"),
	}
	if state := q.Get("state"); state != "" {
		f.States = []settlement.State{settlement.State(state)}
	}

	txs, err := h.Engine.List(r.Context(), f)
	if err != nil {
		h.writeError(w, err)
		return
	}

	out := make([]TransactionDTO, 0, len(txs))
	for _, tx := range txs {
		out = append(out, toTransactionDTO(tx))
	}
	writeJSON(w, http.StatusOK, out)
}

// ForceVerify is the manual admin trigger. It runs the exact same atomic
// verification path the scheduler uses.
func (h *Handler) ForceVerify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorDTO{Error: "invalid JSON body"})
		return
	}

	tx, err := h.Engine.AttemptVerify(r.Context(), chi.URLParam(r, "id"), req.Reference)
	if err != nil && !settlement.IsRetryable(err) {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(tx))
}

// =============================================================================
// ELIGIBILITY, RAILS, BALANCES
// =============================================================================

// CheckEligibility evaluates a hypothetical movement.
func (h *Handler) CheckEligibility(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	amount, err := decimal.NewFromString(q.Get("amount"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorDTO{Error: "amount must be a decimal string"})
		return
	}
	direction := settlement.Direction(q.Get("direction"))
	if direction == "" {
		direction = settlement.Withdrawal
	}

	elig, err := h.Engine.CheckEligibility(r.Context(), q.Get("user_id"), q.Get("rail"), direction, amount)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, EligibilityDTO{
		Eligible: elig.Eligible,
		Fee:      elig.Fee.String(),
		Net:      elig.Net.String(),
		Reason:   elig.Reason,
	})
}

// ListRails returns the configured rails.
func (h *Handler) ListRails(w http.ResponseWriter, r *http.Request) {
	configs := h.Engine.Rails()
	out := make([]RailDTO, 0, len(configs))
	for _, cfg := range configs {
		out = append(out, toRailDTO(cfg))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetRail returns one rail's parameters.
func (h *Handler) GetRail(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	for _, cfg := range h.Engine.Rails() {
		if cfg.Code == code {
			writeJSON(w, http.StatusOK, toRailDTO(cfg))
			return
		}
	}
	writeJSON(w, http.StatusNotFound, ErrorDTO{Error: "unknown rail " + code})
}

// GetBalance returns a user's ledger balance.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	balance, err := h.Engine.BalanceOf(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{UserID: userID, Balance: balance.String()})
}

// =============================================================================
// ADMIN
// =============================================================================

// TriggerReconcile runs one reconciliation cycle synchronously.
func (h *Handler) TriggerReconcile(w http.ResponseWriter, r *http.Request) {
	h.Scheduler.RunCycle(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"status": "cycle complete"})
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, settlement.ErrNotFound):
		writeJSON(w, http.StatusNotFound, ErrorDTO{Error: err.Error()})
	case errors.Is(err, settlement.ErrIllegalTransition):
		writeJSON(w, http.StatusConflict, ErrorDTO{Error: err.Error()})
	case settlement.IsClientError(err), errors.Is(err, settlement.ErrMissingReference):
		writeJSON(w, http.StatusBadRequest, ErrorDTO{Error: err.Error()})
	case settlement.IsRetryable(err):
		writeJSON(w, http.StatusBadGateway, ErrorDTO{Error: err.Error()})
	default:
		h.Log.Error("internal error", "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorDTO{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
