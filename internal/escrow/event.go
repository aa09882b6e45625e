package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrMalformedEvent is returned when a webhook body cannot be decoded.
var ErrMalformedEvent = errors.New("escrow: malformed provider event")

// Event is a provider notification normalised for the inbox.
type Event struct {
	EventID      string          `json:"event_id"`
	ProviderTxID string          `json:"provider_tx_id"`
	EventType    string          `json:"event_type"`
	Status       RemoteStatus    `json:"status"`
	Amount       decimal.Decimal `json:"amount"`
}

// EventParser is implemented by providers with their own webhook format.
type EventParser interface {
	ParseEvent(body []byte) (*Event, error)
}

// Observer is implemented by providers that keep local state in step with
// their own notifications.
type Observer interface {
	Observe(ctx context.Context, ev *Event) error
}

// ParseEvent decodes a webhook body for provider p, using p's own format
// when it has one and the generic JSON shape otherwise.
func ParseEvent(p Provider, body []byte) (*Event, error) {
	if ep, ok := p.(EventParser); ok {
		return ep.ParseEvent(body)
	}
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return &ev, nil
}

// Validate checks a parsed event and fills a default EventID.
func (e *Event) Validate() error {
	if e.ProviderTxID == "" {
		return fmt.Errorf("%w: missing provider_tx_id", ErrMalformedEvent)
	}
	switch e.Status {
	case RemotePending, RemoteFunded, RemoteReleased, RemoteRefunded, RemoteDisputed, RemoteFailed:
	default:
		return fmt.Errorf("%w: unknown status %q", ErrMalformedEvent, e.Status)
	}
	if e.EventID == "" {
		e.EventID = e.ProviderTxID + ":" + string(e.Status)
	}
	return nil
}
