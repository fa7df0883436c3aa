package model

// Instrument is one watchlist entry.
type Instrument struct {
	Token    string `json:"token"`
	Exchange string `json:"exchange"`
	Name     string `json:"name"`
}
