package models

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestRayToAPY(t *testing.T) {
	t.Parallel()

	assert.Zero(t, RayToAPY(decimal.Zero))

	// 5% APR compounded per second is just above e^0.05 - 1.
	apy := RayToAPY(decimal.New(5, 25))
	want := (math.Exp(0.05) - 1) * 100
	assert.InDelta(t, want, apy, 1e-4)

	// 200% APR stays finite and uncapped.
	apy = RayToAPY(decimal.New(2, 27))
	assert.Greater(t, apy, 100.0)
	assert.Less(t, apy, 1_000_000.0)
}

func TestRayToAPYOverflowCap(t *testing.T) {
	t.Parallel()

	// An absurd APR must cap at 1,000,000% instead of overflowing.
	assert.Equal(t, 1_000_000.0, RayToAPY(decimal.New(1, 30)))
}

func TestAPYRoundTrip(t *testing.T) {
	t.Parallel()

	for _, apr := range []float64{0.001, 0.01, 0.05, 0.10, 0.50, 1.0} {
		apy := APRToAPY(apr)
		back := APYToAPR(apy)
		// Round-trips within 1 ppm.
		assert.InEpsilon(t, apr, back, 1e-6, "apr=%v", apr)
	}
}

func TestPositionKindHelpers(t *testing.T) {
	t.Parallel()

	assert.True(t, Position{PositionType: PositionLendingSupply}.IsLending())
	assert.True(t, Position{PositionType: PositionLendingBorrow}.IsLending())
	assert.False(t, Position{PositionType: PositionSpot}.IsLending())

	assert.True(t, Position{PositionType: PositionFuturesLong}.IsFutures())
	assert.True(t, Position{PositionType: PositionFuturesShort}.IsFutures())
	assert.False(t, Position{PositionType: PositionLendingSupply}.IsFutures())
}
