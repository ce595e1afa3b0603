package binance

import (
	"fmt"
	"strconv"
	"sync"
	"time"
)

// MockClient is an in-memory ExchangeAPI used by dry-run mode and the
// tests. Balances move when orders fill, so a full open/close cycle
// behaves like the real exchange minus the network.
type MockClient struct {
	mu sync.Mutex

	Prices   map[string]float64
	Tickers  []Ticker24hr
	Klines   map[string][]Kline
	Balances map[string]float64
	Filters  map[string]*SymbolFilter
	Open     map[string][]OpenOrder

	// OrderErr, when set for a symbol, fails the next PlaceMarketOrder
	// for it. Cleared after one use unless Sticky.
	OrderErr map[string]error
	Sticky   bool

	PlacedOrders []PlacedOrder
	nextOrderID  int64
}

// PlacedOrder records one order submission for assertions.
type PlacedOrder struct {
	Symbol   string
	Side     string
	Quantity string
}

func NewMockClient() *MockClient {
	return &MockClient{
		Prices:   make(map[string]float64),
		Klines:   make(map[string][]Kline),
		Balances: make(map[string]float64),
		Filters:  make(map[string]*SymbolFilter),
		Open:     make(map[string][]OpenOrder),
		OrderErr: make(map[string]error),
	}
}

func (m *MockClient) Ping() error     { return nil }
func (m *MockClient) SyncTime() error { return nil }

func (m *MockClient) GetAllPrices() (map[string]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prices := make(map[string]float64, len(m.Prices))
	for k, v := range m.Prices {
		prices[k] = v
	}
	return prices, nil
}

func (m *MockClient) Get24hrTickers() ([]Ticker24hr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Ticker24hr(nil), m.Tickers...), nil
}

func (m *MockClient) GetKlines(symbol, interval string, limit int) ([]Kline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	klines, ok := m.Klines[symbol]
	if !ok {
		return nil, nil
	}
	if limit > 0 && len(klines) > limit {
		klines = klines[len(klines)-limit:]
	}
	return append([]Kline(nil), klines...), nil
}

func (m *MockClient) GetAccount() ([]Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	balances := make([]Balance, 0, len(m.Balances))
	for asset, free := range m.Balances {
		if free > 0 {
			balances = append(balances, Balance{Asset: asset, Free: free})
		}
	}
	return balances, nil
}

func (m *MockClient) GetSymbolFilter(symbol string) (*SymbolFilter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	filter, ok := m.Filters[symbol]
	if !ok {
		return nil, nil
	}
	copied := *filter
	return &copied, nil
}

func (m *MockClient) GetOpenOrders(symbol string) ([]OpenOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]OpenOrder(nil), m.Open[symbol]...), nil
}

func (m *MockClient) PlaceMarketOrder(symbol, side, quantity string) (*OrderResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err, ok := m.OrderErr[symbol]; ok && err != nil {
		if !m.Sticky {
			delete(m.OrderErr, symbol)
		}
		return nil, err
	}

	qty, err := strconv.ParseFloat(quantity, 64)
	if err != nil {
		return nil, newAPIError(-1013, "invalid quantity")
	}
	price, ok := m.Prices[symbol]
	if !ok {
		return nil, newAPIError(-1121, "Invalid symbol.")
	}

	filter := m.Filters[symbol]
	base, quote := splitSymbol(symbol, filter)
	cost := qty * price

	switch side {
	case "BUY":
		if m.Balances[quote] < cost {
			return nil, newAPIError(-2010, "Account has insufficient balance for requested action.")
		}
		m.Balances[quote] -= cost
		m.Balances[base] += qty
	case "SELL":
		if m.Balances[base] < qty {
			return nil, newAPIError(-2010, "Account has insufficient balance for requested action.")
		}
		m.Balances[base] -= qty
		m.Balances[quote] += cost
	default:
		return nil, newAPIError(-1013, fmt.Sprintf("unsupported side %q", side))
	}

	m.nextOrderID++
	m.PlacedOrders = append(m.PlacedOrders, PlacedOrder{Symbol: symbol, Side: side, Quantity: quantity})
	return &OrderResponse{
		Symbol:              symbol,
		OrderID:             m.nextOrderID,
		TransactTime:        time.Now().UnixMilli(),
		OrigQty:             qty,
		ExecutedQty:         qty,
		CummulativeQuoteQty: cost,
		Status:              "FILLED",
		Side:                side,
	}, nil
}

// SetPrice updates one symbol's price under the lock.
func (m *MockClient) SetPrice(symbol string, price float64) {
	m.mu.Lock()
	m.Prices[symbol] = price
	m.mu.Unlock()
}

// SetBalance overwrites one asset's free balance.
func (m *MockClient) SetBalance(asset string, free float64) {
	m.mu.Lock()
	m.Balances[asset] = free
	m.mu.Unlock()
}

func splitSymbol(symbol string, filter *SymbolFilter) (base, quote string) {
	if filter != nil && filter.BaseAsset != "" {
		return filter.BaseAsset, filter.QuoteAsset
	}
	// Fall back to the common quote assets when no filter is seeded.
	for _, q := range []string{"USDT", "USDC", "BUSD", "BTC", "ETH"} {
		if len(symbol) > len(q) && symbol[len(symbol)-len(q):] == q {
			return symbol[:len(symbol)-len(q)], q
		}
	}
	return symbol, ""
}

var _ ExchangeAPI = (*MockClient)(nil)
