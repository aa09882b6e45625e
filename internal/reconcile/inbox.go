// Package reconcile keeps local custody state in step with the providers:
// signed webhooks land in a durable inbox, a single worker applies them,
// and a periodic sweep polls whatever the webhooks missed.
package reconcile

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clashout/settlement-engine/internal/escrow"
	"github.com/clashout/settlement-engine/internal/metrics"
	"github.com/clashout/settlement-engine/internal/model"
	"github.com/clashout/settlement-engine/internal/store"
)

var (
	// ErrBadSignature is returned when X-Signature does not match the body.
	ErrBadSignature = errors.New("reconcile: invalid webhook signature")

	// ErrNoSecret is returned for providers without a configured secret.
	ErrNoSecret = errors.New("reconcile: no webhook secret for provider")
)

// Inbox verifies provider webhooks and stores them for the worker.
type Inbox struct {
	store    store.Store
	registry *escrow.Registry
	secrets  map[string]string
}

// NewInbox creates an inbox. secrets maps provider name to its shared
// HMAC secret.
func NewInbox(st store.Store, reg *escrow.Registry, secrets map[string]string) *Inbox {
	return &Inbox{store: st, registry: reg, secrets: secrets}
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a hex encoded HMAC-SHA256 signature in constant time.
func Verify(body []byte, signature, secret string) bool {
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// Accept verifies and enqueues one webhook. duplicate is true when the
// provider redelivered an event that is already in the inbox.
func (in *Inbox) Accept(ctx context.Context, provider string, body []byte, signature string) (ev *model.ProviderEvent, duplicate bool, err error) {
	p, err := in.registry.Get(provider)
	if err != nil {
		return nil, false, err
	}
	secret := in.secrets[provider]
	if secret == "" {
		return nil, false, fmt.Errorf("%w: %s", ErrNoSecret, provider)
	}
	if !Verify(body, signature, secret) {
		metrics.InboxEvents.WithLabelValues(provider, "rejected").Inc()
		return nil, false, ErrBadSignature
	}

	parsed, err := escrow.ParseEvent(p, body)
	if err != nil {
		return nil, false, err
	}

	ev = &model.ProviderEvent{
		ID:           uuid.New().String(),
		Provider:     provider,
		EventID:      parsed.EventID,
		ProviderTxID: parsed.ProviderTxID,
		EventType:    parsed.EventType,
		Status:       string(parsed.Status),
		Payload:      body,
		ReceivedAt:   time.Now().UTC(),
	}
	if err := in.store.AppendProviderEvent(ctx, ev); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			metrics.InboxEvents.WithLabelValues(provider, "duplicate").Inc()
			return ev, true, nil
		}
		return nil, false, err
	}
	metrics.InboxEvents.WithLabelValues(provider, "accepted").Inc()
	slog.Info("provider event accepted",
		"provider", provider, "event_id", ev.EventID, "provider_tx_id", ev.ProviderTxID, "status", ev.Status)
	return ev, false, nil
}
