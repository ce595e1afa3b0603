package trader

import "time"

// Order is one live tracked position. One entry per executed buy;
// a symbol can carry several.
type Order struct {
	Symbol    string  `json:"symbol"`
	BaseAsset string  `json:"baseAsset"`
	OrderID   int64   `json:"orderId"`
	Quantity  float64 `json:"quantity"`
	// EntryPrice is the average fill price, quote cost divided by
	// executed quantity.
	EntryPrice float64   `json:"entryPrice"`
	QuoteCost  float64   `json:"quoteCost"`
	OpenedAt   time.Time `json:"openedAt"`

	// Highest only ever ratchets up; the trailing stop hangs off it.
	Highest         float64 `json:"highest"`
	StopLoss        float64 `json:"stopLoss"`
	InitialStopLoss float64 `json:"initialStopLoss"`
	TrailingActive  bool    `json:"trailingActive"`
	ProfitTarget    float64 `json:"profitTarget"` // percent

	Volatility     float64 `json:"volatility"` // stddev percent of 1m returns
	HighVolatility bool    `json:"highVolatility"`

	// UnrealizedPL is fee-adjusted and refreshed every tick.
	UnrealizedPL float64 `json:"unrealizedPl"`

	FailedSells    int  `json:"failedSells"`
	SellInProgress bool `json:"-"`

	// Adopted marks positions created from external balances rather
	// than our own buys.
	Adopted bool `json:"adopted,omitempty"`
}

// TradeRecord is one executed (or swept) trade for the audit log.
type TradeRecord struct {
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	OrderID       int64     `json:"orderId,omitempty"`
	Quantity      float64   `json:"quantity"`
	Price         float64   `json:"price"`
	QuoteValue    float64   `json:"quoteValue"`
	ProfitPercent float64   `json:"profitPercent"`
	Reason        string    `json:"reason,omitempty"`
	Note          string    `json:"note,omitempty"`
	Time          time.Time `json:"time"`
}
