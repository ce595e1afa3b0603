package screener

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"spot-trading-bot/config"
	"spot-trading-bot/internal/binance"

	"github.com/rs/zerolog"
)

// Exchange is the slice of the gateway the screener needs.
type Exchange interface {
	GetTickerStats() ([]binance.Ticker24hr, error)
}

// Quarantine answers whether a symbol is currently benched after
// repeated order failures.
type Quarantine interface {
	IsQuarantined(symbol string) bool
}

// Stablecoin bases are never worth trading against a stablecoin quote.
var stablecoinBases = map[string]bool{
	"USDT": true, "USDC": true, "BUSD": true, "TUSD": true,
	"DAI": true, "USDP": true, "FDUSD": true, "EUR": true,
	"PAX": true, "UST": true, "GUSD": true,
}

// Screener selects the trading universe from 24h ticker statistics.
// Liquidity dominates the score; price movement breaks ties.
type Screener struct {
	cfg        config.ScreenerConfig
	quoteAsset string
	exchange   Exchange
	quarantine Quarantine
	logger     zerolog.Logger

	previous map[string]bool
}

// Universe is one selection round's result.
type Universe struct {
	Symbols []string
	Scores  map[string]float64
	// Dropped lists symbols that were in the previous universe but
	// fell out of this one. Open positions on them get liquidated.
	Dropped []string
}

func New(cfg config.ScreenerConfig, quoteAsset string, exchange Exchange, quarantine Quarantine, logger zerolog.Logger) *Screener {
	return &Screener{
		cfg:        cfg,
		quoteAsset: quoteAsset,
		exchange:   exchange,
		quarantine: quarantine,
		logger:     logger.With().Str("component", "screener").Logger(),
		previous:   make(map[string]bool),
	}
}

type candidate struct {
	symbol string
	score  float64
}

// SelectUniverse builds the next trading universe.
func (s *Screener) SelectUniverse() (*Universe, error) {
	tickers, err := s.exchange.GetTickerStats()
	if err != nil {
		return nil, fmt.Errorf("fetching ticker stats: %w", err)
	}

	excluded := make(map[string]bool, len(s.cfg.ExcludeSymbols))
	for _, sym := range s.cfg.ExcludeSymbols {
		excluded[sym] = true
	}
	allowed := make(map[string]bool, len(s.cfg.AllowedSymbols))
	for _, sym := range s.cfg.AllowedSymbols {
		allowed[sym] = true
	}

	var forced []candidate
	var pool []candidate
	for _, t := range tickers {
		if !strings.HasSuffix(t.Symbol, s.quoteAsset) {
			continue
		}
		base := strings.TrimSuffix(t.Symbol, s.quoteAsset)
		if base == "" || stablecoinBases[base] {
			continue
		}
		if excluded[t.Symbol] || s.quarantine.IsQuarantined(t.Symbol) {
			continue
		}
		// The volume gate applies to everyone, allow-listed or not:
		// an illiquid pair cannot be exited cleanly.
		if t.QuoteVolume < s.cfg.MinQuoteVolume {
			continue
		}
		// Uptrend means a positive 24h change. Allow-listed symbols
		// are held to it too; forcing a falling pair in buys the dip
		// nobody asked for.
		if s.cfg.RequireUptrend && t.PriceChangePercent <= 0 {
			continue
		}

		c := candidate{symbol: t.Symbol, score: s.score(t)}
		if allowed[t.Symbol] {
			forced = append(forced, c)
			continue
		}
		pool = append(pool, c)
	}

	sort.Slice(pool, func(i, j int) bool { return pool[i].score > pool[j].score })
	sort.Slice(forced, func(i, j int) bool { return forced[i].score > forced[j].score })

	// Allow-listed symbols take their seats first, the rest fill up
	// by score.
	selected := forced
	for _, c := range pool {
		if len(selected) >= s.cfg.MaxSymbols {
			break
		}
		selected = append(selected, c)
	}
	if len(selected) > s.cfg.MaxSymbols {
		selected = selected[:s.cfg.MaxSymbols]
	}

	universe := &Universe{
		Symbols: make([]string, 0, len(selected)),
		Scores:  make(map[string]float64, len(selected)),
	}
	current := make(map[string]bool, len(selected))
	for _, c := range selected {
		universe.Symbols = append(universe.Symbols, c.symbol)
		universe.Scores[c.symbol] = c.score
		current[c.symbol] = true
	}
	for sym := range s.previous {
		if !current[sym] {
			universe.Dropped = append(universe.Dropped, sym)
		}
	}
	sort.Strings(universe.Dropped)
	s.previous = current

	s.logger.Info().
		Int("selected", len(universe.Symbols)).
		Int("dropped", len(universe.Dropped)).
		Strs("symbols", universe.Symbols).
		Msg("trading universe refreshed")
	return universe, nil
}

// score weighs liquidity at 60% and 24h movement at 40%, each capped
// at 100 points.
func (s *Screener) score(t binance.Ticker24hr) float64 {
	volumeScore := math.Min(100, t.QuoteVolume/s.cfg.MinQuoteVolume*10)
	momentumScore := math.Min(100, math.Abs(t.PriceChangePercent)*2)
	return 0.6*volumeScore + 0.4*momentumScore
}
