package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/clashout/settlement-engine/internal/model"
	"github.com/clashout/settlement-engine/internal/wallet"
)

// WalletResponse is the public view of a wallet.
type WalletResponse struct {
	UserID            string          `json:"user_id"`
	Balance           decimal.Decimal `json:"balance"`
	PendingBalance    decimal.Decimal `json:"pending_balance"`
	IsVerified        bool            `json:"is_verified"`
	VerificationLevel int             `json:"verification_level"`
	DailyLimit        decimal.Decimal `json:"daily_limit"`
	MonthlyLimit      decimal.Decimal `json:"monthly_limit"`
	TotalDeposited    decimal.Decimal `json:"total_deposited"`
	TotalWithdrawn    decimal.Decimal `json:"total_withdrawn"`
	TotalBet          decimal.Decimal `json:"total_bet"`
	TotalWon          decimal.Decimal `json:"total_won"`
}

func walletResponse(wl *model.Wallet) WalletResponse {
	return WalletResponse{
		UserID:            wl.UserID,
		Balance:           wl.Balance,
		PendingBalance:    wl.PendingBalance,
		IsVerified:        wl.IsVerified,
		VerificationLevel: wl.VerificationLevel,
		DailyLimit:        wl.DailyLimit,
		MonthlyLimit:      wl.MonthlyLimit,
		TotalDeposited:    wl.TotalDeposited,
		TotalWithdrawn:    wl.TotalWithdrawn,
		TotalBet:          wl.TotalBet,
		TotalWon:          wl.TotalWon,
	}
}

// FundsRequest is the JSON body for deposits and withdrawals.
type FundsRequest struct {
	Amount        decimal.Decimal `json:"amount"`
	PaymentMethod string          `json:"payment_method"`
	Provider      string          `json:"provider,omitempty"`
}

// GetWallet handles GET /api/v1/wallets/{userID}
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireSelf(w, r)
	if !ok {
		return
	}
	wl, err := h.ledger.Ensure(r.Context(), userID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, walletResponse(wl))
}

// Deposit handles POST /api/v1/wallets/{userID}/deposit
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireSelf(w, r)
	if !ok {
		return
	}
	var req FundsRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := h.ledger.Deposit(r.Context(), wallet.DepositRequest{
		UserID:        userID,
		Amount:        req.Amount,
		PaymentMethod: req.PaymentMethod,
		Provider:      req.Provider,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	status := http.StatusOK
	if res.Transaction.Status == model.TxStatusPending {
		status = http.StatusAccepted
	}
	writeJSON(w, status, map[string]any{
		"transaction_id":   res.Transaction.ID,
		"provider_tx_id":   res.Transaction.ExternalID,
		"status":           res.Transaction.Status,
		"amount":           res.Transaction.Amount,
		"payment_required": res.PaymentURL != "",
		"payment_url":      res.PaymentURL,
		"wallet":           walletResponse(res.Wallet),
	})
}

// Withdraw handles POST /api/v1/wallets/{userID}/withdraw
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireSelf(w, r)
	if !ok {
		return
	}
	var req FundsRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := h.ledger.Withdraw(r.Context(), wallet.WithdrawRequest{
		UserID:        userID,
		Amount:        req.Amount,
		PaymentMethod: req.PaymentMethod,
		Provider:      req.Provider,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"withdrawal_id":  res.WithdrawalID,
		"provider_tx_id": res.ProviderTxID,
		"wallet":         walletResponse(res.Wallet),
	})
}

// ListTransactions handles GET /api/v1/wallets/{userID}/transactions
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireSelf(w, r)
	if !ok {
		return
	}
	txs, err := h.ledger.Transactions(r.Context(), userID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if txs == nil {
		txs = []model.Transaction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":      userID,
		"transactions": txs,
		"count":        len(txs),
	})
}

// SetVerification handles PUT /api/v1/wallets/{userID}/verification.
// Called by the KYC service, not by the wallet owner.
func (h *Handler) SetVerification(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Level int `json:"level"`
	}
	if !decode(w, r, &req) {
		return
	}
	userID := chi.URLParam(r, "userID")
	if _, err := h.ledger.Ensure(r.Context(), userID); err != nil {
		writeServiceError(w, r, err)
		return
	}
	wl, err := h.ledger.SetVerification(r.Context(), userID, req.Level)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, walletResponse(wl))
}

// ReconcileWallet handles GET /api/v1/admin/wallets/{userID}/reconcile
func (h *Handler) ReconcileWallet(w http.ResponseWriter, r *http.Request) {
	report, err := h.ledger.Reconcile(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
