// Package escrowcom is the escrow.com custody provider. It talks to the
// escrow.com v2017-09-01 REST API with HTTP basic auth and throttles its own
// outbound calls.
package escrowcom

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/clashout/settlement-engine/internal/escrow"
)

const (
	LiveURL    = "https://api.escrow.com/2017-09-01"
	SandboxURL = "https://api.escrow-sandbox.com/2017-09-01"
)

// Config configures the client. BaseURL overrides the sandbox switch.
type Config struct {
	APIKey    string
	APISecret string
	Sandbox   bool
	BaseURL   string
	RPS       float64
	Burst     int
}

// Client implements escrow.Provider against escrow.com.
type Client struct {
	baseURL   string
	apiKey    string
	apiSecret string
	http      *http.Client
	limiter   *rate.Limiter
}

// New creates an escrow.com client.
func New(cfg Config) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = LiveURL
		if cfg.Sandbox {
			base = SandboxURL
		}
	}
	rps := cfg.RPS
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		baseURL:   strings.TrimRight(base, "/"),
		apiKey:    cfg.APIKey,
		apiSecret: cfg.APISecret,
		// The custodian's context deadline is the real bound; this is a backstop.
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (c *Client) Name() string { return escrow.ProviderEscrowCom }

type party struct {
	Role     string `json:"role"`
	Customer string `json:"customer"`
	Agreed   bool   `json:"agreed"`
}

type item struct {
	Title       string      `json:"title"`
	Description string      `json:"description"`
	Type        string      `json:"type"`
	Quantity    int         `json:"quantity"`
	Price       json.Number `json:"price"`
	Currency    string      `json:"currency"`
}

type itemStatus struct {
	Secured  bool `json:"secured"`
	Accepted bool `json:"accepted"`
	Rejected bool `json:"rejected"`
	Canceled bool `json:"canceled"`
}

type transaction struct {
	ID    json.Number `json:"id"`
	Items []struct {
		Price  json.Number `json:"price"`
		Status itemStatus  `json:"status"`
	} `json:"items"`
}

type paymentResponse struct {
	Status      string `json:"status"`
	LandingPage string `json:"landing_page"`
}

func (c *Client) CreateTransaction(ctx context.Context, amount decimal.Decimal, payerRef, payeeRef string, metadata map[string]string) (string, error) {
	desc := fmt.Sprintf("Clashout bet %s on dispute %s", metadata["bet_id"], metadata["dispute_id"])
	if ref := metadata[escrow.MetaReference]; ref != "" {
		desc += " (ref " + ref + ")"
	}
	body := map[string]any{
		"parties": []party{
			{Role: "buyer", Customer: payerRef, Agreed: true},
			{Role: "seller", Customer: payeeRef, Agreed: true},
		},
		"currency":    "usd",
		"description": desc,
		"items": []item{{
			Title:       "Clashout Bet: " + metadata["dispute_id"],
			Description: desc,
			Type:        "general_merchandise",
			Quantity:    1,
			Price:       json.Number(amount.String()),
			Currency:    "usd",
		}},
	}

	var tx transaction
	if err := c.do(ctx, http.MethodPost, "/transaction", body, &tx); err != nil {
		return "", err
	}
	if tx.ID == "" {
		return "", fmt.Errorf("%w: escrow.com returned no transaction id", escrow.ErrProviderUnavailable)
	}
	return tx.ID.String(), nil
}

// FundTransaction registers the payment method. escrow.com collects the
// money out of band, so the result is always PENDING with a landing page.
func (c *Client) FundTransaction(ctx context.Context, providerTxID, paymentMethod string) (*escrow.FundingResult, error) {
	method := paymentMethod
	if method == "" || method == "card" {
		method = "credit_card"
	}
	var out paymentResponse
	if err := c.do(ctx, http.MethodPost, "/transaction/"+providerTxID+"/payment", map[string]string{"method": method}, &out); err != nil {
		return nil, err
	}
	if out.Status == "declined" {
		return &escrow.FundingResult{Status: escrow.RemoteFailed}, nil
	}
	return &escrow.FundingResult{Status: escrow.RemotePending, PaymentURL: out.LandingPage}, nil
}

func (c *Client) ReleaseFunds(ctx context.Context, providerTxID, recipientRef string) (*escrow.ReleaseResult, error) {
	if err := c.do(ctx, http.MethodPost, "/transaction/"+providerTxID+"/release", map[string]string{"action": "release"}, nil); err != nil {
		return nil, err
	}
	return &escrow.ReleaseResult{Status: escrow.RemoteReleased, ProviderRef: providerTxID}, nil
}

func (c *Client) RefundTransaction(ctx context.Context, providerTxID string) (*escrow.RefundResult, error) {
	if err := c.do(ctx, http.MethodPost, "/transaction/"+providerTxID+"/refund", map[string]string{"action": "refund"}, nil); err != nil {
		return nil, err
	}
	return &escrow.RefundResult{Status: escrow.RemoteRefunded, ProviderRef: providerTxID}, nil
}

func (c *Client) GetTransactionStatus(ctx context.Context, providerTxID string) (*escrow.ProviderStatus, error) {
	var tx transaction
	if err := c.do(ctx, http.MethodGet, "/transaction/"+providerTxID, nil, &tx); err != nil {
		return nil, err
	}
	if len(tx.Items) == 0 {
		return &escrow.ProviderStatus{Status: escrow.RemotePending}, nil
	}
	it := tx.Items[0]
	amount, _ := decimal.NewFromString(it.Price.String())
	return &escrow.ProviderStatus{Status: statusOf(it.Status), Amount: amount}, nil
}

// statusOf maps escrow.com item flags onto a remote status. Later lifecycle
// flags win over earlier ones.
func statusOf(s itemStatus) escrow.RemoteStatus {
	switch {
	case s.Canceled:
		return escrow.RemoteRefunded
	case s.Rejected:
		return escrow.RemoteDisputed
	case s.Accepted:
		return escrow.RemoteReleased
	case s.Secured:
		return escrow.RemoteFunded
	default:
		return escrow.RemotePending
	}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal escrow.com request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build escrow.com request: %w", err)
	}
	req.SetBasicAuth(c.apiKey, c.apiSecret)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read escrow.com response: %w", err)
	}
	if res.StatusCode == http.StatusPaymentRequired {
		return fmt.Errorf("%w: escrow.com %s %s: %s", escrow.ErrFundingFailed, method, path, data)
	}
	if res.StatusCode >= 300 {
		return fmt.Errorf("%w: escrow.com %s %s http %d: %s", escrow.ErrProviderUnavailable, method, path, res.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: decode escrow.com response: %v", escrow.ErrProviderUnavailable, err)
	}
	return nil
}
