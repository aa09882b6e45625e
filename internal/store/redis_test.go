package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clashout/settlement-engine/internal/model"
)

const testTTL = time.Minute

func TestCachedStore_GetPoolMissPopulates(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	ctx := context.Background()
	primary := NewMemoryStore()
	_, err := primary.UpdatePool(ctx, "d1", func() *model.BettingPool { return &model.BettingPool{IsActive: true} },
		func(p *model.BettingPool) error { p.AddStake(model.PartyA, d(25)); return nil })
	require.NoError(t, err)

	mock.ExpectGet("pool:d1").RedisNil()
	mock.Regexp().ExpectSet("pool:d1", `.*`, testTTL).SetVal("OK")

	cs := NewCachedStore(primary, rdb, testTTL)
	p, err := cs.GetPool(ctx, "d1")
	require.NoError(t, err)
	assert.True(t, p.TotalPoolAmount.Equal(d(25)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCachedStore_GetPoolHitSkipsPrimary(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	ctx := context.Background()

	cached, _ := json.Marshal(model.BettingPool{DisputeID: "d1", TotalPoolAmount: d(40), PartyBAmount: d(40), IsActive: true})
	mock.ExpectGet("pool:d1").SetVal(string(cached))

	// The primary is empty, so a hit is the only way to get a pool back.
	cs := NewCachedStore(NewMemoryStore(), rdb, testTTL)
	p, err := cs.GetPool(ctx, "d1")
	require.NoError(t, err)
	assert.True(t, p.PartyBAmount.Equal(d(40)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCachedStore_UpdatePoolInvalidates(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	ctx := context.Background()

	mock.ExpectDel("pool:d1").SetVal(1)

	cs := NewCachedStore(NewMemoryStore(), rdb, testTTL)
	_, err := cs.UpdatePool(ctx, "d1", func() *model.BettingPool { return &model.BettingPool{IsActive: true} },
		func(p *model.BettingPool) error { p.AddStake(model.PartyB, d(5)); return nil })
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCachedStore_WalletsBypassCache(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	ctx := context.Background()
	primary := NewMemoryStore()
	seedWallet(t, primary, "u1", 10)

	cs := NewCachedStore(primary, rdb, testTTL)
	w, err := cs.GetWallet(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(d(10)))
	// No redis expectations were registered; any call would fail here.
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCachedStore_SaveReportCaches(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	ctx := context.Background()

	mock.Regexp().ExpectSet("settlement:d1", `.*`, testTTL).SetVal("OK")

	cs := NewCachedStore(NewMemoryStore(), rdb, testTTL)
	r, err := cs.SaveSettlementReport(ctx, &model.SettlementReport{DisputeID: "d1", WinningSide: model.PartyA})
	require.NoError(t, err)
	assert.Equal(t, model.PartyA, r.WinningSide)
	assert.NoError(t, mock.ExpectationsWereMet())
}
