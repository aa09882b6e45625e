// Package api exposes the settlement engine over HTTP. Callers are
// identified by the X-User-ID header set by the gateway in front of the
// service.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/clashout/settlement-engine/internal/betting"
	"github.com/clashout/settlement-engine/internal/dispute"
	"github.com/clashout/settlement-engine/internal/escrow"
	"github.com/clashout/settlement-engine/internal/limits"
	"github.com/clashout/settlement-engine/internal/model"
	"github.com/clashout/settlement-engine/internal/reconcile"
	"github.com/clashout/settlement-engine/internal/settlement"
	"github.com/clashout/settlement-engine/internal/store"
	"github.com/clashout/settlement-engine/internal/wallet"
)

// UserHeader carries the authenticated user id.
const UserHeader = "X-User-ID"

// maxWebhookBody caps provider webhook payloads.
const maxWebhookBody = 1 << 20

// Handler serves the REST API.
type Handler struct {
	bets     *betting.Service
	ledger   *wallet.Ledger
	disputes *dispute.Directory
	engine   *settlement.Engine
	inbox    *reconcile.Inbox
	sweeper  *reconcile.Sweeper
	hub      *Hub // optional
}

// NewHandler creates the API handler. hub may be nil.
func NewHandler(
	bets *betting.Service,
	ledger *wallet.Ledger,
	disputes *dispute.Directory,
	engine *settlement.Engine,
	inbox *reconcile.Inbox,
	sweeper *reconcile.Sweeper,
	hub *Hub,
) *Handler {
	return &Handler{
		bets:     bets,
		ledger:   ledger,
		disputes: disputes,
		engine:   engine,
		inbox:    inbox,
		sweeper:  sweeper,
		hub:      hub,
	}
}

// Routes mounts every endpoint under /api/v1.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		if h.hub != nil {
			// Pool odds stream, optionally filtered with ?dispute_id=.
			r.Get("/ws", h.hub.HandleWS)
		}

		r.Post("/bets", h.PlaceBet)
		r.Get("/bets", h.ListBets)
		r.Get("/bets/{betID}", h.GetBet)
		r.Delete("/bets/{betID}", h.CancelBet)

		r.Get("/wallets/{userID}", h.GetWallet)
		r.Post("/wallets/{userID}/deposit", h.Deposit)
		r.Post("/wallets/{userID}/withdraw", h.Withdraw)
		r.Get("/wallets/{userID}/transactions", h.ListTransactions)
		r.Put("/wallets/{userID}/verification", h.SetVerification)

		r.Get("/pools/{disputeID}", h.GetPool)

		r.Put("/disputes/{disputeID}", h.UpsertDispute)
		r.Post("/disputes/{disputeID}/settle", h.SettleDispute)
		r.Get("/disputes/{disputeID}/settlement", h.GetSettlement)

		r.Post("/webhooks/{provider}", h.Webhook)

		r.Post("/admin/payouts/retry", h.RetryPayouts)
		r.Post("/admin/reconcile", h.Reconcile)
		r.Get("/admin/wallets/{userID}/reconcile", h.ReconcileWallet)
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeServiceError maps a domain error to its HTTP status. Unknown errors
// are logged and reported as 500 without detail.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, betting.ErrInvalidSide),
		errors.Is(err, limits.ErrInvalidAmount),
		errors.Is(err, limits.ErrBetCapExceeded),
		errors.Is(err, limits.ErrDailyLimitExceeded),
		errors.Is(err, limits.ErrMonthlyLimitExceeded),
		errors.Is(err, wallet.ErrInsufficientFunds),
		errors.Is(err, wallet.ErrInvalidAmount),
		errors.Is(err, wallet.ErrInvalidPaymentMethod),
		errors.Is(err, wallet.ErrInvalidLevel),
		errors.Is(err, dispute.ErrInvalidStatus),
		errors.Is(err, dispute.ErrInvalidID),
		errors.Is(err, escrow.ErrUnknownProvider),
		errors.Is(err, escrow.ErrMalformedEvent):
		return http.StatusBadRequest

	case errors.Is(err, reconcile.ErrBadSignature),
		errors.Is(err, reconcile.ErrNoSecret):
		return http.StatusUnauthorized

	case errors.Is(err, betting.ErrNotOwner),
		errors.Is(err, wallet.ErrUnverified),
		errors.Is(err, wallet.ErrInactive):
		return http.StatusForbidden

	case errors.Is(err, betting.ErrBetNotFound),
		errors.Is(err, dispute.ErrNotFound),
		errors.Is(err, settlement.ErrReportNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound

	case errors.Is(err, betting.ErrPoolClosed),
		errors.Is(err, betting.ErrNotCancellable),
		errors.Is(err, dispute.ErrNotAcceptingBets),
		errors.Is(err, settlement.ErrWinnerMismatch),
		errors.Is(err, settlement.ErrAlreadySettled),
		errors.Is(err, model.ErrIllegalTransition):
		return http.StatusConflict

	case errors.Is(err, escrow.ErrFundingFailed):
		return http.StatusPaymentRequired

	case errors.Is(err, escrow.ErrProviderUnavailable),
		errors.Is(err, escrow.ErrProviderTimeout),
		errors.Is(err, wallet.ErrNoGateway):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// requireUser returns the caller's id, or writes 401.
func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.Header.Get(UserHeader)
	if id == "" {
		writeError(w, UserHeader+" header is required", http.StatusUnauthorized)
		return "", false
	}
	return id, true
}

// requireSelf checks that the caller acts on their own wallet.
func requireSelf(w http.ResponseWriter, r *http.Request) (string, bool) {
	caller, ok := requireUser(w, r)
	if !ok {
		return "", false
	}
	userID := chi.URLParam(r, "userID")
	if caller != userID {
		writeError(w, "cannot access another user's wallet", http.StatusForbidden)
		return "", false
	}
	return userID, true
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}
