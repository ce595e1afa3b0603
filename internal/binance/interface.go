package binance

// ExchangeAPI is the raw exchange surface the gateway drives. *Client
// implements it against the live REST API; MockClient implements it
// for dry-run mode and tests.
type ExchangeAPI interface {
	Ping() error
	SyncTime() error
	GetAllPrices() (map[string]float64, error)
	Get24hrTickers() ([]Ticker24hr, error)
	GetKlines(symbol, interval string, limit int) ([]Kline, error)
	GetAccount() ([]Balance, error)
	GetSymbolFilter(symbol string) (*SymbolFilter, error)
	GetOpenOrders(symbol string) ([]OpenOrder, error)
	PlaceMarketOrder(symbol, side, quantity string) (*OrderResponse, error)
}

var _ ExchangeAPI = (*Client)(nil)
