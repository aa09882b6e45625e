package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/clashout/settlement-engine/internal/escrow"
)

var (
	// ErrContractNotFound is returned for an unknown escrow contract.
	ErrContractNotFound = errors.New("chain: contract not found")

	// ErrContractExists is returned when creating a contract id twice.
	ErrContractExists = errors.New("chain: contract already exists")
)

// Contract is the engine's record of one on-chain escrow.
type Contract struct {
	TxID      string              `json:"tx_id"`
	Address   string              `json:"address"`
	Payer     string              `json:"payer"`
	Payee     string              `json:"payee"`
	Amount    decimal.Decimal     `json:"amount"`
	AmountWei string              `json:"amount_wei"`
	Status    escrow.RemoteStatus `json:"status"`
	Recipient string              `json:"recipient,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// ContractState persists contract records.
type ContractState interface {
	Create(ctx context.Context, c *Contract) error
	Get(ctx context.Context, txID string) (*Contract, error)
	Update(ctx context.Context, txID string, fn func(c *Contract) error) (*Contract, error)
}

// RedisContractState keeps contract records in Redis as JSON. Updates use
// WATCH/MULTI so concurrent writers retry instead of overwriting each other.
type RedisContractState struct {
	rdb *redis.Client
}

// NewRedisContractState creates a Redis-backed contract state.
func NewRedisContractState(rdb *redis.Client) *RedisContractState {
	return &RedisContractState{rdb: rdb}
}

const maxUpdateRetries = 5

func contractKey(txID string) string { return fmt.Sprintf("chain:contract:%s", txID) }

func (s *RedisContractState) Create(ctx context.Context, c *Contract) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	ok, err := s.rdb.SetNX(ctx, contractKey(c.TxID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("create contract %s: %w", c.TxID, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrContractExists, c.TxID)
	}
	return nil
}

func (s *RedisContractState) Get(ctx context.Context, txID string) (*Contract, error) {
	data, err := s.rdb.Get(ctx, contractKey(txID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrContractNotFound, txID)
	}
	if err != nil {
		return nil, fmt.Errorf("get contract %s: %w", txID, err)
	}
	var c Contract
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode contract %s: %w", txID, err)
	}
	return &c, nil
}

func (s *RedisContractState) Update(ctx context.Context, txID string, fn func(c *Contract) error) (*Contract, error) {
	key := contractKey(txID)
	var out *Contract

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: %s", ErrContractNotFound, txID)
		}
		if err != nil {
			return err
		}
		var c Contract
		if err := json.Unmarshal(data, &c); err != nil {
			return fmt.Errorf("decode contract %s: %w", txID, err)
		}
		if err := fn(&c); err != nil {
			return err
		}
		c.UpdatedAt = time.Now().UTC()
		updated, err := json.Marshal(&c)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			return nil
		})
		if err == nil {
			out = &c
		}
		return err
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, fmt.Errorf("update contract %s: too much contention", txID)
}
