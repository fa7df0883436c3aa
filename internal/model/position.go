package model

// Holding is the broker's view of one instrument in the account.
type Holding struct {
	Qty          int64 `json:"qty"`
	AvgPrice     int64 `json:"avg_price"`     // paise
	CurrentPrice int64 `json:"current_price"` // paise
}

// PortfolioSnapshot maps instrument token to the broker-reported holding.
// It is fetched periodically and never mutated by the trading core.
type PortfolioSnapshot map[string]Holding

// Qty returns the reported quantity for token, 0 when absent.
func (s PortfolioSnapshot) Qty(token string) int64 {
	return s[token].Qty
}
