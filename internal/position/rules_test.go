package position

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestThresholdBoundariesAreExact(t *testing.T) {
	two := decimal.RequireFromString("0.02")
	five := decimal.RequireFromString("0.05")

	assert.True(t, fellThrough(10780, 11000, two), "exactly 2% below")
	assert.False(t, fellThrough(10781, 11000, two))
	assert.True(t, fellThrough(9800, 10000, two))
	assert.False(t, fellThrough(0, 10000, two))

	assert.True(t, reachedTarget(10553, 10050, five))
	assert.False(t, reachedTarget(10552, 10050, five), "10552.5 is the target")
	assert.False(t, reachedTarget(100, 0, five))
}

func TestQuantities(t *testing.T) {
	half := decimal.RequireFromString("0.5")
	assert.Equal(t, int64(10), buyQty(100500, 10050))
	assert.Equal(t, int64(0), buyQty(100, 10050))
	assert.Equal(t, int64(0), buyQty(100, 0))

	assert.Equal(t, int64(5), partialQty(10, half))
	assert.Equal(t, int64(1), partialQty(3, decimal.RequireFromString("0.1")))
	assert.Equal(t, int64(2), partialQty(3, decimal.RequireFromString("0.99")))
	assert.Equal(t, int64(0), partialQty(1, half))
}
