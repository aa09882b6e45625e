package odds

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/clashout/settlement-engine/internal/model"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestCompute_EmptyPoolClampsToMin(t *testing.T) {
	got := Compute(d(0), d(0), d(0))
	if !got.Equal(MinOdds) {
		t.Errorf("expected %s for an empty pool, got %s", MinOdds, got)
	}
}

func TestCompute_Unclamped(t *testing.T) {
	// (200 + 0.1*300) / (100 + 0.1) = 230 / 100.1
	got := Compute(d(100), d(200), d(300))
	want := d(230).Div(d(100.1)).Round(Scale)
	if !got.Equal(want) {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestCompute_Bounds(t *testing.T) {
	amounts := []float64{0, 0.01, 1, 5, 10, 100, 1000, 10000, 1e6}
	for _, a := range amounts {
		for _, b := range amounts {
			got := Compute(d(a), d(b), d(a+b))
			if got.LessThan(MinOdds) || got.GreaterThan(MaxOdds) {
				t.Errorf("odds out of bounds for backing=%v opposing=%v: %s", a, b, got)
			}
		}
	}
}

// Pool starts empty; a stake of 100 on A locks the floor; a following
// stake on B sees A=100, B=0 and locks the ceiling.
func TestForSide_PreStakeScenario(t *testing.T) {
	pool := &model.BettingPool{DisputeID: "d1"}

	first := ForSide(pool, model.PartyA)
	if !first.Equal(MinOdds) {
		t.Fatalf("first bettor should lock %s, got %s", MinOdds, first)
	}
	pool.AddStake(model.PartyA, d(100))
	Refresh(pool)

	if !pool.TotalPoolAmount.Equal(d(100)) || !pool.PartyAAmount.Equal(d(100)) || !pool.PartyBAmount.IsZero() {
		t.Fatalf("unexpected pool totals: %+v", pool)
	}

	second := ForSide(pool, model.PartyB)
	if !second.Equal(MaxOdds) {
		t.Errorf("second bettor should lock %s, got %s", MaxOdds, second)
	}
	if !pool.PartyBOdds.Equal(second) {
		t.Errorf("quoted B odds %s should equal locked odds %s", pool.PartyBOdds, second)
	}
}

func TestPotentialPayout(t *testing.T) {
	got, err := PotentialPayout(d(100), d(2), d(0.05))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(d(190)) {
		t.Errorf("expected 190, got %s", got)
	}
}

func TestPotentialPayout_InvalidFee(t *testing.T) {
	for _, fee := range []float64{-0.1, 1, 1.5} {
		if _, err := PotentialPayout(d(100), d(2), d(fee)); err != ErrInvalidFee {
			t.Errorf("fee %v: expected ErrInvalidFee, got %v", fee, err)
		}
	}
}
