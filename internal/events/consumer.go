package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/clashout/settlement-engine/internal/model"
)

// ErrInvalidResolution is returned for resolution messages that can never
// be applied. They are logged and committed.
var ErrInvalidResolution = errors.New("events: invalid dispute resolution")

// Settler settles a resolved dispute. Settlement is idempotent, so a
// redelivered resolution is harmless.
type Settler interface {
	SettleDispute(ctx context.Context, disputeID string, winner model.Side) (*model.SettlementReport, error)
}

const maxHandleAttempts = 5

// ResolutionConsumer reads dispute resolutions and settles each dispute.
type ResolutionConsumer struct {
	reader  *kafka.Reader
	settler Settler
}

// NewResolutionConsumer creates a consumer in group groupID.
func NewResolutionConsumer(brokers, topic, groupID string, settler Settler) *ResolutionConsumer {
	return &ResolutionConsumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  splitBrokers(brokers),
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 1,
			MaxBytes: 10e6,
		}),
		settler: settler,
	}
}

// Run consumes until ctx is cancelled. A message is committed only after it
// was handled or given up on, so a crash mid-settlement redelivers it.
func (c *ResolutionConsumer) Run(ctx context.Context) error {
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("kafka fetch failed", "err", err)
			time.Sleep(500 * time.Millisecond)
			continue
		}

		err = c.handle(ctx, m.Value)
		for attempt := 1; err != nil && !errors.Is(err, ErrInvalidResolution) && attempt < maxHandleAttempts; attempt++ {
			slog.Warn("settle from resolution failed, retrying", "key", string(m.Key), "attempt", attempt, "err", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
			err = c.handle(ctx, m.Value)
		}
		if err != nil {
			// Settlement can be re-run through the API.
			slog.Error("dropping dispute resolution", "key", string(m.Key), "err", err)
		}
		if err := c.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			slog.Warn("kafka commit failed", "err", err)
		}
	}
}

func (c *ResolutionConsumer) handle(ctx context.Context, value []byte) error {
	var ev DisputeResolved
	if err := json.Unmarshal(value, &ev); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResolution, err)
	}
	side := model.Side(ev.Winner)
	if ev.DisputeID == "" || !side.Valid() {
		return fmt.Errorf("%w: dispute %q winner %q", ErrInvalidResolution, ev.DisputeID, ev.Winner)
	}
	report, err := c.settler.SettleDispute(ctx, ev.DisputeID, side)
	if err != nil {
		return err
	}
	slog.Info("dispute settled from resolution event",
		"dispute_id", report.DisputeID, "winner", report.WinningSide, "winners", report.Winners)
	return nil
}

// Close closes the reader.
func (c *ResolutionConsumer) Close() error {
	return c.reader.Close()
}
