package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/clashout/settlement-engine/internal/betting"
	"github.com/clashout/settlement-engine/internal/model"
)

// PlaceBetRequest is the JSON body for POST /bets.
type PlaceBetRequest struct {
	DisputeID       string          `json:"dispute_id"`
	Amount          decimal.Decimal `json:"amount"`
	PredictedWinner model.Side      `json:"predicted_winner"`
	PaymentMethod   string          `json:"payment_method"` // "wallet", "crypto" or a card/bank method
	EscrowProvider  string          `json:"escrow_provider,omitempty"`
}

// PlaceBetResponse is returned from POST /bets. Odds are locked at
// placement; PoolOdds is what the next bettor on the same side would get.
type PlaceBetResponse struct {
	BetID           string             `json:"bet_id"`
	Status          model.BetStatus    `json:"status"`
	Amount          decimal.Decimal    `json:"amount"`
	Odds            decimal.Decimal    `json:"odds"`
	PotentialPayout decimal.Decimal    `json:"potential_payout"`
	PoolOdds        decimal.Decimal    `json:"pool_odds"`
	EscrowStatus    model.EscrowStatus `json:"escrow_status"`
	PaymentRequired bool               `json:"payment_required"`
	PaymentURL      string             `json:"payment_url,omitempty"`
}

// PlaceBet handles POST /api/v1/bets
func (h *Handler) PlaceBet(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req PlaceBetRequest
	if !decode(w, r, &req) {
		return
	}
	if req.DisputeID == "" {
		writeError(w, "dispute_id is required", http.StatusBadRequest)
		return
	}
	if req.PaymentMethod == "" {
		req.PaymentMethod = model.PaymentWallet
	}

	res, err := h.bets.PlaceBet(r.Context(), betting.PlaceBetRequest{
		UserID:          userID,
		DisputeID:       req.DisputeID,
		Amount:          req.Amount,
		PredictedWinner: req.PredictedWinner,
		PaymentMethod:   req.PaymentMethod,
		EscrowProvider:  req.EscrowProvider,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, PlaceBetResponse{
		BetID:           res.Bet.ID,
		Status:          res.Bet.Status,
		Amount:          res.Bet.Amount,
		Odds:            res.Bet.Odds,
		PotentialPayout: res.Bet.PotentialPayout,
		PoolOdds:        res.PoolOdds,
		EscrowStatus:    res.EscrowStatus,
		PaymentRequired: res.PaymentRequired,
		PaymentURL:      res.PaymentURL,
	})
}

// GetBet handles GET /api/v1/bets/{betID}
func (h *Handler) GetBet(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	bet, err := h.bets.GetBet(r.Context(), chi.URLParam(r, "betID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if bet.UserID != userID {
		writeServiceError(w, r, betting.ErrNotOwner)
		return
	}
	writeJSON(w, http.StatusOK, bet)
}

// ListBets handles GET /api/v1/bets?user_id=&status=
func (h *Handler) ListBets(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireUser(w, r)
	if !ok {
		return
	}
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = caller
	}
	if userID != caller {
		writeError(w, "cannot list another user's bets", http.StatusForbidden)
		return
	}

	bets, err := h.bets.ListBets(r.Context(), userID, model.BetStatus(r.URL.Query().Get("status")))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if bets == nil {
		bets = []model.Bet{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"bets":    bets,
		"count":   len(bets),
	})
}

// CancelBet handles DELETE /api/v1/bets/{betID}
func (h *Handler) CancelBet(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	bet, err := h.bets.CancelBet(r.Context(), userID, chi.URLParam(r, "betID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bet)
}
