package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/clashout/settlement-engine/internal/model"
	"github.com/clashout/settlement-engine/internal/settlement"
)

// GetPool handles GET /api/v1/pools/{disputeID}. A dispute nobody has bet
// on yet gets an open zero-state pool, never 404.
func (h *Handler) GetPool(w http.ResponseWriter, r *http.Request) {
	pool, err := h.bets.GetPool(r.Context(), chi.URLParam(r, "disputeID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pool)
}

// DisputeRequest is the JSON body for PUT /disputes/{disputeID}.
type DisputeRequest struct {
	Title        string `json:"title"`
	Status       string `json:"status"`
	PartyAUserID string `json:"party_a_user_id,omitempty"`
	PartyBUserID string `json:"party_b_user_id,omitempty"`
}

// UpsertDispute handles PUT /api/v1/disputes/{disputeID}. Moving a dispute
// to cancelled voids its pool and refunds every bet.
func (h *Handler) UpsertDispute(w http.ResponseWriter, r *http.Request) {
	var req DisputeRequest
	if !decode(w, r, &req) {
		return
	}
	d, err := h.disputes.Register(r.Context(), &model.Dispute{
		ID:           chi.URLParam(r, "disputeID"),
		Title:        req.Title,
		Status:       req.Status,
		PartyAUserID: req.PartyAUserID,
		PartyBUserID: req.PartyBUserID,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	if d.Status == model.DisputeCancelled {
		res, err := h.engine.VoidDispute(r.Context(), d.ID)
		if err != nil && !errors.Is(err, settlement.ErrAlreadySettled) {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"dispute": d, "void": res})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dispute": d})
}

// SettleDispute handles POST /api/v1/disputes/{disputeID}/settle. Repeating
// the call with the same winner returns the original report.
func (h *Handler) SettleDispute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WinningSide model.Side `json:"winning_side"`
	}
	if !decode(w, r, &req) {
		return
	}
	report, err := h.engine.SettleDispute(r.Context(), chi.URLParam(r, "disputeID"), req.WinningSide)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// GetSettlement handles GET /api/v1/disputes/{disputeID}/settlement
func (h *Handler) GetSettlement(w http.ResponseWriter, r *http.Request) {
	report, err := h.engine.GetReport(r.Context(), chi.URLParam(r, "disputeID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Webhook handles POST /api/v1/webhooks/{provider}. Verified events are
// queued and acknowledged with 202; redeliveries are acknowledged too.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, "failed to read body", http.StatusBadRequest)
		return
	}
	ev, dup, err := h.inbox.Accept(r.Context(), chi.URLParam(r, "provider"), body, r.Header.Get("X-Signature"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"event_id":  ev.EventID,
		"duplicate": dup,
	})
}

// RetryPayouts handles POST /api/v1/admin/payouts/retry
func (h *Handler) RetryPayouts(w http.ResponseWriter, r *http.Request) {
	sum, err := h.engine.RetryPayouts(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// Reconcile handles POST /api/v1/admin/reconcile
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	sum, err := h.sweeper.Sweep(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}
