package trader

import (
	"strconv"
	"time"

	"spot-trading-bot/internal/binance"
)

// fakeExchange is a cache-free Exchange for the trader tests. It
// moves balances on fills the way the real exchange would.
type fakeExchange struct {
	prices     map[string]float64
	klines     map[string][]binance.Kline
	balances   map[string]binance.Balance
	filters    map[string]*binance.SymbolFilter
	openOrders map[string][]binance.OpenOrder

	// orderErr fails the next order on a symbol; sticky errors fail
	// every attempt.
	orderErr map[string]error
	sticky   bool

	placed []placedOrder
	nextID int64
}

type placedOrder struct {
	symbol   string
	side     string
	quantity string
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		prices:     make(map[string]float64),
		klines:     make(map[string][]binance.Kline),
		balances:   make(map[string]binance.Balance),
		filters:    make(map[string]*binance.SymbolFilter),
		openOrders: make(map[string][]binance.OpenOrder),
		orderErr:   make(map[string]error),
	}
}

func (f *fakeExchange) GetPrice(symbol string) (float64, error) {
	return f.prices[symbol], nil
}

func (f *fakeExchange) GetKlines(symbol, interval string, limit int) ([]binance.Kline, error) {
	return f.klines[symbol], nil
}

func (f *fakeExchange) GetBalances() (map[string]binance.Balance, error) {
	out := make(map[string]binance.Balance, len(f.balances))
	for k, v := range f.balances {
		out[k] = v
	}
	return out, nil
}

func (f *fakeExchange) GetSymbolFilter(symbol string) (*binance.SymbolFilter, error) {
	filter, ok := f.filters[symbol]
	if !ok {
		return nil, nil
	}
	copied := *filter
	return &copied, nil
}

func (f *fakeExchange) GetOpenOrders(symbol string) ([]binance.OpenOrder, error) {
	return f.openOrders[symbol], nil
}

func (f *fakeExchange) PlaceMarketOrder(symbol, side, quantity string) (*binance.OrderResponse, error) {
	if err, ok := f.orderErr[symbol]; ok && err != nil {
		if !f.sticky {
			delete(f.orderErr, symbol)
		}
		return nil, err
	}

	qty, _ := strconv.ParseFloat(quantity, 64)
	price := f.prices[symbol]
	cost := qty * price

	filter := f.filters[symbol]
	base, quote := filter.BaseAsset, filter.QuoteAsset
	baseBal := f.balances[base]
	quoteBal := f.balances[quote]
	if side == "BUY" {
		quoteBal.Free -= cost
		baseBal.Free += qty
	} else {
		baseBal.Free -= qty
		quoteBal.Free += cost
	}
	f.balances[base] = baseBal
	f.balances[quote] = quoteBal

	f.nextID++
	f.placed = append(f.placed, placedOrder{symbol: symbol, side: side, quantity: quantity})
	return &binance.OrderResponse{
		Symbol:              symbol,
		OrderID:             f.nextID,
		TransactTime:        time.Now().UnixMilli(),
		OrigQty:             qty,
		ExecutedQty:         qty,
		CummulativeQuoteQty: cost,
		Status:              "FILLED",
		Side:                side,
	}, nil
}

func (f *fakeExchange) seedSymbol(symbol, base string, price, stepSize, minQty, minNotional float64) {
	f.prices[symbol] = price
	f.filters[symbol] = &binance.SymbolFilter{
		Symbol:      symbol,
		BaseAsset:   base,
		QuoteAsset:  "USDT",
		StepSize:    stepSize,
		MinQty:      minQty,
		MinNotional: minNotional,
	}
}
