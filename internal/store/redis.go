package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/clashout/settlement-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Only pools, disputes and settlement reports are cached. Wallets,
// bets and escrow rows always come from the primary so balance checks never
// see stale data. A cached pool is for display only: anything that gates
// on IsActive reads it under UpdatePool.
type CachedStore struct {
	Store // passthrough for everything not overridden below

	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) UpdatePool(ctx context.Context, disputeID string, init func() *model.BettingPool, fn func(p *model.BettingPool) error) (*model.BettingPool, error) {
	p, err := s.Store.UpdatePool(ctx, disputeID, init, fn)
	if err != nil {
		return nil, err
	}
	// Invalidate; next read re-populates from the committed row.
	s.rdb.Del(ctx, poolKey(disputeID))
	return p, nil
}

func (s *CachedStore) UpsertDispute(ctx context.Context, d *model.Dispute) error {
	if err := s.Store.UpsertDispute(ctx, d); err != nil {
		return err
	}
	s.rdb.Del(ctx, disputeKey(d.ID))
	return nil
}

func (s *CachedStore) SaveSettlementReport(ctx context.Context, r *model.SettlementReport) (*model.SettlementReport, error) {
	stored, err := s.Store.SaveSettlementReport(ctx, r)
	if err != nil {
		return nil, err
	}
	// Reports never change once saved.
	s.cache(ctx, reportKey(stored.DisputeID), stored)
	return stored, nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetPool(ctx context.Context, disputeID string) (*model.BettingPool, error) {
	var p model.BettingPool
	if s.lookup(ctx, poolKey(disputeID), &p) {
		return &p, nil
	}

	// Cache miss: read from primary.
	pool, err := s.Store.GetPool(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, poolKey(disputeID), pool)
	return pool, nil
}

func (s *CachedStore) GetDispute(ctx context.Context, id string) (*model.Dispute, error) {
	var d model.Dispute
	if s.lookup(ctx, disputeKey(id), &d) {
		return &d, nil
	}

	dispute, err := s.Store.GetDispute(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, disputeKey(id), dispute)
	return dispute, nil
}

func (s *CachedStore) GetSettlementReport(ctx context.Context, disputeID string) (*model.SettlementReport, error) {
	var r model.SettlementReport
	if s.lookup(ctx, reportKey(disputeID), &r) {
		return &r, nil
	}

	report, err := s.Store.GetSettlementReport(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, reportKey(disputeID), report)
	return report, nil
}

// --- Cache helpers ---

func (s *CachedStore) lookup(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func poolKey(id string) string    { return fmt.Sprintf("pool:%s", id) }
func disputeKey(id string) string { return fmt.Sprintf("dispute:%s", id) }
func reportKey(id string) string  { return fmt.Sprintf("settlement:%s", id) }
