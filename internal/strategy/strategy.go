package strategy

import (
	"fmt"

	"spot-trading-bot/internal/binance"

	"github.com/rs/zerolog"
)

// Strategy turns a candle series into trade decisions. Implementations
// are stateless; all context comes from the klines they are handed.
type Strategy interface {
	Name() string
	CalculateIndicators(klines []binance.Kline) *IndicatorSet
	DetectUptrend(klines []binance.Kline) bool
	ShouldBuy(klines []binance.Kline) bool
	ShouldSell(klines []binance.Kline) bool
}

// IndicatorSet is the latest-candle snapshot of every indicator a
// strategy computes, surfaced on the analysis endpoint.
type IndicatorSet struct {
	RSI          float64 `json:"rsi"`
	EMAShort     float64 `json:"emaShort"`
	EMAMedium    float64 `json:"emaMedium"`
	EMALong      float64 `json:"emaLong"`
	BBUpper      float64 `json:"bbUpper"`
	BBMiddle     float64 `json:"bbMiddle"`
	BBLower      float64 `json:"bbLower"`
	MACD         float64 `json:"macd"`
	MACDSignal   float64 `json:"macdSignal"`
	MACDHist     float64 `json:"macdHist"`
	StochK       float64 `json:"stochK"`
	StochD       float64 `json:"stochD"`
	Volatility   float64 `json:"volatility"`
	VolumeChange float64 `json:"volumeChange"`
}

// Config holds the tunables shared by the strategy implementations.
type Config struct {
	RSIPeriod     int
	RSIOverbought float64
	RSIOversold   float64
	EMAShort      int
	EMAMedium     int
	EMALong       int
	BBPeriod      int
	BBStdDev      float64

	// Minimum number of matching conditions before a signal fires.
	// High-volatility series demand more confirmation to buy and less
	// to sell.
	MinBuyConditions         int
	MinBuyConditionsHighVol  int
	MinSellConditions        int
	MinSellConditionsHighVol int

	// Average volatility (percent) above which the adaptive
	// thresholds kick in.
	HighVolatilityThreshold float64
}

// DefaultConfig mirrors the production tuning.
func DefaultConfig() Config {
	return Config{
		RSIPeriod:                14,
		RSIOverbought:            75,
		RSIOversold:              30,
		EMAShort:                 9,
		EMAMedium:                21,
		EMALong:                  50,
		BBPeriod:                 20,
		BBStdDev:                 2,
		MinBuyConditions:         1,
		MinBuyConditionsHighVol:  2,
		MinSellConditions:        2,
		MinSellConditionsHighVol: 1,
		HighVolatilityThreshold:  2.0,
	}
}

// New builds a strategy by name.
func New(name string, cfg Config, logger zerolog.Logger) (Strategy, error) {
	switch name {
	case "scalping", "":
		return NewScalping(cfg, logger), nil
	case "trendsniper":
		return NewTrendSniper(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown strategy %q", name)
	}
}
