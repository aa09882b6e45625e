package escrowcom

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/clashout/settlement-engine/internal/escrow"
)

type webhookBody struct {
	Event         string      `json:"event"`
	EventType     string      `json:"event_type"`
	TransactionID json.Number `json:"transaction_id"`
	Amount        json.Number `json:"amount"`
}

var eventStatus = map[string]escrow.RemoteStatus{
	"payment_approved":    escrow.RemoteFunded,
	"payment_received":    escrow.RemoteFunded,
	"payment_disapproved": escrow.RemoteFailed,
	"payment_refunded":    escrow.RemoteRefunded,
	"cancel":              escrow.RemoteRefunded,
	"accept":              escrow.RemoteReleased,
	"complete":            escrow.RemoteReleased,
	"reject":              escrow.RemoteDisputed,
}

// ParseEvent decodes an escrow.com webhook. escrow.com sends no event id,
// so transaction and event name identify a delivery.
func (c *Client) ParseEvent(body []byte) (*escrow.Event, error) {
	var wb webhookBody
	if err := json.Unmarshal(body, &wb); err != nil {
		return nil, fmt.Errorf("%w: %v", escrow.ErrMalformedEvent, err)
	}
	st, ok := eventStatus[wb.Event]
	if !ok {
		st = escrow.RemotePending
	}
	ev := &escrow.Event{
		EventID:      wb.TransactionID.String() + ":" + wb.Event,
		ProviderTxID: wb.TransactionID.String(),
		EventType:    wb.Event,
		Status:       st,
	}
	if wb.Amount != "" {
		ev.Amount, _ = decimal.NewFromString(wb.Amount.String())
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return ev, nil
}
