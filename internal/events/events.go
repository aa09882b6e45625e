// Package events publishes the engine's domain events and consumes dispute
// resolutions from Kafka.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
)

// Default topic names.
const (
	TopicBetPlaced       = "bet_placed"
	TopicBetCancelled    = "bet_cancelled"
	TopicDisputeSettled  = "dispute_settled"
	TopicPayoutUpdated   = "payout_updated"
	TopicDisputeResolved = "dispute_resolved"
)

// BetPlaced is published once a bet has been accepted.
type BetPlaced struct {
	BetID           string          `json:"bet_id"`
	UserID          string          `json:"user_id"`
	DisputeID       string          `json:"dispute_id"`
	Side            string          `json:"side"`
	Amount          decimal.Decimal `json:"amount"`
	Odds            decimal.Decimal `json:"odds"`
	PotentialPayout decimal.Decimal `json:"potential_payout"`
	Status          string          `json:"status"`
	PaymentMethod   string          `json:"payment_method"`
	Ts              time.Time       `json:"ts"`
}

// BetCancelled is published when a bet is cancelled, aborted or refunded.
type BetCancelled struct {
	BetID     string          `json:"bet_id"`
	UserID    string          `json:"user_id"`
	DisputeID string          `json:"dispute_id"`
	Amount    decimal.Decimal `json:"amount"`
	Status    string          `json:"status"`
	Reason    string          `json:"reason"`
	Ts        time.Time       `json:"ts"`
}

// DisputeSettled is published when a settlement report is first saved.
type DisputeSettled struct {
	DisputeID   string          `json:"dispute_id"`
	WinningSide string          `json:"winning_side"`
	Winners     int             `json:"winners"`
	Losers      int             `json:"losers"`
	TotalPayout decimal.Decimal `json:"total_payout"`
	PlatformFee decimal.Decimal `json:"platform_fee"`
	Ts          time.Time       `json:"ts"`
}

// PayoutUpdated is published on every payout status change.
type PayoutUpdated struct {
	PayoutID          string          `json:"payout_id"`
	BetID             string          `json:"bet_id"`
	UserID            string          `json:"user_id"`
	DisputeID         string          `json:"dispute_id"`
	Amount            decimal.Decimal `json:"amount"`
	Status            string          `json:"status"`
	RetryCount        int             `json:"retry_count"`
	NeedsManualReview bool            `json:"needs_manual_review"`
	Ts                time.Time       `json:"ts"`
}

// DisputeResolved is consumed from the mediation service.
type DisputeResolved struct {
	DisputeID  string    `json:"dispute_id"`
	Winner     string    `json:"winner"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// Publisher emits domain events. Publishing is best effort: callers log
// failures and carry on.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload any) error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, string, any) error { return nil }

// KafkaPublisher writes JSON events with the dispute or bet id as key.
type KafkaPublisher struct {
	writer *kafka.Writer
	prefix string
}

// NewKafkaPublisher creates a publisher for a comma separated broker
// list. prefix is prepended to every topic name.
func NewKafkaPublisher(brokers, prefix string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(splitBrokers(brokers)...),
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
			BatchTimeout:           10 * time.Millisecond,
		},
		prefix: prefix,
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, topic, key string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic: p.prefix + topic,
		Key:   []byte(key),
		Value: b,
		Time:  time.Now(),
	})
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Recorded
}

// Recorded is one event captured by a Recorder.
type Recorded struct {
	Topic   string
	Key     string
	Payload any
}

func (r *Recorder) Publish(_ context.Context, topic, key string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Recorded{Topic: topic, Key: key, Payload: payload})
	return nil
}

// Topic returns the recorded events for topic, oldest first.
func (r *Recorder) Topic(topic string) []Recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Recorded
	for _, e := range r.events {
		if e.Topic == topic {
			out = append(out, e)
		}
	}
	return out
}

// Emit publishes and logs a failure instead of returning it.
func Emit(ctx context.Context, p Publisher, topic, key string, payload any) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, topic, key, payload); err != nil {
		slog.Warn("publish event failed", "topic", topic, "key", key, "err", err)
	}
}

func splitBrokers(brokers string) []string {
	var out []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
