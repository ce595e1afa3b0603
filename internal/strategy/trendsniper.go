package strategy

import (
	"spot-trading-bot/internal/binance"

	"github.com/rs/zerolog"
)

// TrendSniper only enters established uptrends: EMAs stacked
// short > medium > long with RSI confirming momentum above 55. Exits
// fire when the stack breaks down. More patient than scalping, fewer
// and longer trades.
type TrendSniper struct {
	cfg    Config
	logger zerolog.Logger
}

func NewTrendSniper(cfg Config, logger zerolog.Logger) *TrendSniper {
	return &TrendSniper{
		cfg:    cfg,
		logger: logger.With().Str("strategy", "trendsniper").Logger(),
	}
}

func (t *TrendSniper) Name() string { return "trendsniper" }

func (t *TrendSniper) minCandles() int {
	n := t.cfg.EMALong
	if t.cfg.RSIPeriod > n {
		n = t.cfg.RSIPeriod
	}
	return n + 1
}

func (t *TrendSniper) CalculateIndicators(klines []binance.Kline) *IndicatorSet {
	if len(klines) == 0 {
		return nil
	}
	closeVals := closes(klines)
	i := len(klines) - 1
	rsiVals := rsi(closeVals, t.cfg.RSIPeriod)
	return &IndicatorSet{
		RSI:       rsiVals[i],
		EMAShort:  ema(closeVals, t.cfg.EMAShort)[i],
		EMAMedium: ema(closeVals, t.cfg.EMAMedium)[i],
		EMALong:   ema(closeVals, t.cfg.EMALong)[i],
	}
}

func (t *TrendSniper) aligned(closeVals []float64) bool {
	i := len(closeVals) - 1
	short := ema(closeVals, t.cfg.EMAShort)[i]
	medium := ema(closeVals, t.cfg.EMAMedium)[i]
	long := ema(closeVals, t.cfg.EMALong)[i]
	return short > medium && medium > long
}

func (t *TrendSniper) DetectUptrend(klines []binance.Kline) bool {
	if len(klines) < t.minCandles() {
		return false
	}
	return t.aligned(closes(klines))
}

func (t *TrendSniper) ShouldBuy(klines []binance.Kline) bool {
	if len(klines) < t.minCandles() {
		return false
	}
	closeVals := closes(klines)
	if !t.aligned(closeVals) {
		return false
	}
	rsiVals := rsi(closeVals, t.cfg.RSIPeriod)
	return rsiVals[len(rsiVals)-1] > 55
}

// ShouldSell fires when the EMA stack breaks. Profit targets and
// trailing stops handle the rest of the exits.
func (t *TrendSniper) ShouldSell(klines []binance.Kline) bool {
	if len(klines) < t.minCandles() {
		return false
	}
	return !t.aligned(closes(klines))
}
