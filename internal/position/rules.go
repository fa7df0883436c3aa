package position

import "github.com/shopspring/decimal"

var one = decimal.NewFromInt(1)

// reachedTarget reports price >= basis × (1 + rate).
func reachedTarget(price, basis int64, rate decimal.Decimal) bool {
	if basis <= 0 {
		return false
	}
	target := decimal.NewFromInt(basis).Mul(one.Add(rate))
	return decimal.NewFromInt(price).GreaterThanOrEqual(target)
}

// fellThrough reports price <= basis × (1 - rate).
func fellThrough(price, basis int64, rate decimal.Decimal) bool {
	if basis <= 0 || price <= 0 {
		return false
	}
	floor := decimal.NewFromInt(basis).Mul(one.Sub(rate))
	return decimal.NewFromInt(price).LessThanOrEqual(floor)
}

// buyQty is the number of whole shares amount buys at price.
func buyQty(amount, price int64) int64 {
	if price <= 0 || amount <= 0 {
		return 0
	}
	return amount / price
}

// partialQty is floor(qty × frac), at least 1 and strictly less than qty.
// It returns 0 when qty cannot be split.
func partialQty(qty int64, frac decimal.Decimal) int64 {
	if qty < 2 {
		return 0
	}
	n := decimal.NewFromInt(qty).Mul(frac).Floor().IntPart()
	if n < 1 {
		n = 1
	}
	if n >= qty {
		n = qty - 1
	}
	return n
}
