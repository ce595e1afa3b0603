package binance

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Cache TTLs per data class. Prices move fast, symbol filters almost
// never change.
const (
	pricesTTL      = 5 * time.Second
	balancesTTL    = 10 * time.Second
	klinesShortTTL = 10 * time.Second
	klinesLongTTL  = 30 * time.Second
	filtersTTL     = 24 * time.Hour
	tickersTTL     = 60 * time.Second
)

const (
	readRetries      = 3
	readRetryBackoff = time.Second
)

// Gateway is the single entry point for exchange access. Every call
// goes limiter -> cache -> client. Reads retry transient failures with
// backoff and fall back to stale cache; order placement is never
// cached and never retried here, so a timed-out order cannot be
// duplicated.
type Gateway struct {
	api     ExchangeAPI
	limiter *RateLimiter

	prices   *Cache[map[string]float64]
	klines   *Cache[[]Kline]
	balances *Cache[map[string]Balance]
	filters  *Cache[*SymbolFilter]
	tickers  *Cache[[]Ticker24hr]

	logger zerolog.Logger
}

func NewGateway(api ExchangeAPI, limiter *RateLimiter, logger zerolog.Logger) *Gateway {
	gwLogger := logger.With().Str("component", "gateway").Logger()
	return &Gateway{
		api:      api,
		limiter:  limiter,
		prices:   NewCache[map[string]float64](gwLogger),
		klines:   NewCache[[]Kline](gwLogger),
		balances: NewCache[map[string]Balance](gwLogger),
		filters:  NewCache[*SymbolFilter](gwLogger),
		tickers:  NewCache[[]Ticker24hr](gwLogger),
		logger:   gwLogger,
	}
}

// Connect verifies connectivity and syncs the clock offset. Called at
// startup; failure here is fatal for the bot.
func (g *Gateway) Connect() error {
	g.limiter.Charge(WeightPing)
	if err := g.api.Ping(); err != nil {
		return fmt.Errorf("exchange ping: %w", err)
	}
	g.limiter.Charge(WeightServerTime)
	if err := g.api.SyncTime(); err != nil {
		return fmt.Errorf("clock sync: %w", err)
	}
	return nil
}

// GetAllPrices returns the latest price for every symbol, cached.
func (g *Gateway) GetAllPrices() (map[string]float64, error) {
	return g.prices.GetOrFetch("all", pricesTTL, func() (map[string]float64, error) {
		var prices map[string]float64
		err := g.readWithRetry(WeightAllPrices, func() error {
			var err error
			prices, err = g.api.GetAllPrices()
			return err
		})
		return prices, err
	})
}

// GetPrice returns the latest price for one symbol.
func (g *Gateway) GetPrice(symbol string) (float64, error) {
	prices, err := g.GetAllPrices()
	if err != nil {
		return 0, err
	}
	price, ok := prices[symbol]
	if !ok {
		return 0, fmt.Errorf("no price for symbol %s", symbol)
	}
	return price, nil
}

// GetKlines returns candlesticks, cached per symbol and interval.
func (g *Gateway) GetKlines(symbol, interval string, limit int) ([]Kline, error) {
	ttl := klinesLongTTL
	if interval == "1m" {
		ttl = klinesShortTTL
	}
	key := symbol + ":" + interval
	return g.klines.GetOrFetch(key, ttl, func() ([]Kline, error) {
		var klines []Kline
		err := g.readWithRetry(WeightKlines, func() error {
			var err error
			klines, err = g.api.GetKlines(symbol, interval, limit)
			return err
		})
		return klines, err
	})
}

// GetBalances returns non-zero balances keyed by asset, cached.
func (g *Gateway) GetBalances() (map[string]Balance, error) {
	return g.balances.GetOrFetch("account", balancesTTL, func() (map[string]Balance, error) {
		var balances []Balance
		err := g.readWithRetry(WeightAccount, func() error {
			var err error
			balances, err = g.api.GetAccount()
			return err
		})
		if err != nil {
			return nil, err
		}
		byAsset := make(map[string]Balance, len(balances))
		for _, b := range balances {
			byAsset[b.Asset] = b
		}
		return byAsset, nil
	})
}

// InvalidateBalances drops the balance cache so the next read reflects
// a just-executed order.
func (g *Gateway) InvalidateBalances() {
	g.balances.Invalidate("account")
}

// GetTickerStats returns 24hr stats for all symbols, cached.
func (g *Gateway) GetTickerStats() ([]Ticker24hr, error) {
	return g.tickers.GetOrFetch("all", tickersTTL, func() ([]Ticker24hr, error) {
		var tickers []Ticker24hr
		err := g.readWithRetry(WeightTickers24hr, func() error {
			var err error
			tickers, err = g.api.Get24hrTickers()
			return err
		})
		return tickers, err
	})
}

// GetSymbolFilter returns the trading constraints for a symbol,
// cached for a day. A nil filter with nil error means the pair does
// not exist on the exchange.
func (g *Gateway) GetSymbolFilter(symbol string) (*SymbolFilter, error) {
	return g.filters.GetOrFetch(symbol, filtersTTL, func() (*SymbolFilter, error) {
		var filter *SymbolFilter
		err := g.readWithRetry(WeightExchangeInfo, func() error {
			var err error
			filter, err = g.api.GetSymbolFilter(symbol)
			return err
		})
		return filter, err
	})
}

// GetOpenOrders returns the live open orders for a symbol. Never
// cached: reconciliation needs the real exchange view.
func (g *Gateway) GetOpenOrders(symbol string) ([]OpenOrder, error) {
	var orders []OpenOrder
	err := g.readWithRetry(WeightOpenOrders, func() error {
		var err error
		orders, err = g.api.GetOpenOrders(symbol)
		return err
	})
	return orders, err
}

// PlaceMarketOrder submits a market order. Exactly one attempt: an
// ambiguous failure (timeout after the exchange may have accepted the
// order) must surface to the caller, not turn into a duplicate.
func (g *Gateway) PlaceMarketOrder(symbol, side, quantity string) (*OrderResponse, error) {
	g.limiter.Charge(WeightOrder)
	resp, err := g.api.PlaceMarketOrder(symbol, side, quantity)
	if err != nil {
		g.reportIfBanned(err)
		return nil, err
	}
	g.InvalidateBalances()
	return resp, nil
}

// Usage exposes the limiter counters for the status endpoint.
func (g *Gateway) Usage() Usage {
	return g.limiter.CurrentUsage()
}

// CacheStats aggregates hit/miss counters across all response caches.
func (g *Gateway) CacheStats() CacheStats {
	var total CacheStats
	for _, s := range []CacheStats{
		g.prices.Stats(), g.klines.Stats(), g.balances.Stats(),
		g.filters.Stats(), g.tickers.Stats(),
	} {
		total.Hits += s.Hits
		total.Misses += s.Misses
	}
	return total
}

// readWithRetry charges the limiter and runs a read, retrying only
// transient failures. Rate-limit errors feed the ban back into the
// limiter so the next Charge blocks.
func (g *Gateway) readWithRetry(weight int, call func() error) error {
	var err error
	for attempt := 0; attempt < readRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(readRetryBackoff * time.Duration(attempt))
		}
		g.limiter.Charge(weight)
		err = call()
		if err == nil {
			return nil
		}
		g.reportIfBanned(err)
		if !IsKind(err, KindTransient) {
			return err
		}
		g.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("transient read failure")
	}
	return err
}

func (g *Gateway) reportIfBanned(err error) {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Kind == KindRateLimit {
		g.limiter.ReportBan(apiErr.BanUntil)
	}
}
