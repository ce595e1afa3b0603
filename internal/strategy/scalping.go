package strategy

import (
	"math"

	"spot-trading-bot/internal/binance"

	"github.com/rs/zerolog"
)

// Scalping trades short-lived dips: oversold bounces near the lower
// Bollinger band, confirmed by momentum crossovers, with thresholds
// that tighten on high-volatility series. Most exits come from the
// position manager's profit target and trailing stop; the sell signal
// here only catches technical reversals.
type Scalping struct {
	cfg    Config
	logger zerolog.Logger
}

func NewScalping(cfg Config, logger zerolog.Logger) *Scalping {
	return &Scalping{
		cfg:    cfg,
		logger: logger.With().Str("strategy", "scalping").Logger(),
	}
}

func (s *Scalping) Name() string { return "scalping" }

// series bundles the full indicator history so signal evaluation can
// compare the last candle against the one before it.
type series struct {
	closeVals  []float64
	rsi        []float64
	emaShort   []float64
	emaMedium  []float64
	emaLong    []float64
	bbMiddle   []float64
	bbUpper    []float64
	bbLower    []float64
	macdLine   []float64
	macdSignal []float64
	macdHist   []float64
	stochK     []float64
	stochD     []float64
	volatility []float64
	volumeChg  []float64
}

func (s *Scalping) compute(klines []binance.Kline) *series {
	closeVals := closes(klines)
	out := &series{closeVals: closeVals}
	out.rsi = rsi(closeVals, s.cfg.RSIPeriod)
	out.emaShort = ema(closeVals, s.cfg.EMAShort)
	out.emaMedium = ema(closeVals, s.cfg.EMAMedium)
	out.emaLong = ema(closeVals, s.cfg.EMALong)
	out.bbMiddle, out.bbUpper, out.bbLower = bollinger(closeVals, s.cfg.BBPeriod, s.cfg.BBStdDev)
	out.macdLine, out.macdSignal, out.macdHist = macd(closeVals)
	out.stochK, out.stochD = stochastic(highs(klines), lows(klines), closeVals)
	out.volatility = volatility(closeVals, s.cfg.BBPeriod)
	out.volumeChg = pctChange(volumes(klines), 1)
	return out
}

func (s *Scalping) CalculateIndicators(klines []binance.Kline) *IndicatorSet {
	if len(klines) == 0 {
		return nil
	}
	ser := s.compute(klines)
	i := len(klines) - 1
	return &IndicatorSet{
		RSI:          ser.rsi[i],
		EMAShort:     ser.emaShort[i],
		EMAMedium:    ser.emaMedium[i],
		EMALong:      ser.emaLong[i],
		BBUpper:      ser.bbUpper[i],
		BBMiddle:     ser.bbMiddle[i],
		BBLower:      ser.bbLower[i],
		MACD:         ser.macdLine[i],
		MACDSignal:   ser.macdSignal[i],
		MACDHist:     ser.macdHist[i],
		StochK:       ser.stochK[i],
		StochD:       ser.stochD[i],
		Volatility:   ser.volatility[i],
		VolumeChange: ser.volumeChg[i],
	}
}

func (s *Scalping) DetectUptrend(klines []binance.Kline) bool {
	if len(klines) < s.cfg.EMALong {
		return false
	}
	ser := s.compute(klines)
	i := len(klines) - 1

	emaAligned := ser.emaShort[i] > ser.emaMedium[i] && ser.emaMedium[i] > ser.emaLong[i]
	priceAboveEMA := ser.closeVals[i] > ser.emaMedium[i]
	macdPositive := ser.macdHist[i] > 0

	return priceAboveEMA && (emaAligned || macdPositive)
}

func (s *Scalping) minCandles() int {
	n := s.cfg.RSIPeriod
	if s.cfg.EMALong > n {
		n = s.cfg.EMALong
	}
	if s.cfg.BBPeriod > n {
		n = s.cfg.BBPeriod
	}
	return n + 5
}

// signals evaluates the buy and sell condition sets on the last
// candle. NaN comparisons are false, so warm-up candles never fire.
func (s *Scalping) signals(klines []binance.Kline) (buy, sell bool) {
	if len(klines) < s.minCandles() {
		return false, false
	}
	ser := s.compute(klines)
	cur := len(klines) - 1
	prev := cur - 1

	recentVol := tailMean(ser.volatility, 20)
	highVol := !math.IsNaN(recentVol) && recentVol > s.cfg.HighVolatilityThreshold

	// High-volatility series get more selective entries and earlier
	// exits.
	rsiOversold := s.cfg.RSIOversold
	rsiOverbought := s.cfg.RSIOverbought
	bbLowerFactor := 1.005
	bbUpperFactor := 0.995
	volumeThreshold := 10.0
	stochLower := 20.0
	stochUpper := 80.0
	if highVol {
		rsiOversold -= 5
		rsiOverbought -= 5
		bbLowerFactor = 1.01
		bbUpperFactor = 0.99
		volumeThreshold = 15
		stochLower = 25
		stochUpper = 75
	}

	buyConditions := []bool{
		ser.rsi[prev] < rsiOversold && ser.rsi[cur] >= rsiOversold,
		ser.closeVals[cur] <= ser.bbLower[cur]*bbLowerFactor,
		ser.emaShort[prev] <= ser.emaMedium[prev] && ser.emaShort[cur] > ser.emaMedium[cur],
		ser.macdHist[prev] < 0 && ser.macdHist[cur] > 0,
		ser.stochK[prev] < stochLower && ser.stochK[cur] >= stochLower,
		ser.volatility[cur] > ser.volatility[prev]*1.2 && ser.volatility[cur] < ser.volatility[prev]*2.0,
		ser.volumeChg[cur] > volumeThreshold,
	}
	minBuy := s.cfg.MinBuyConditions
	if highVol {
		minBuy = s.cfg.MinBuyConditionsHighVol
	}
	buy = countTrue(buyConditions) >= minBuy && ser.closeVals[cur] > ser.emaLong[cur]

	sellConditions := []bool{
		ser.rsi[prev] < rsiOverbought && ser.rsi[cur] >= rsiOverbought,
		ser.closeVals[cur] >= ser.bbUpper[cur]*bbUpperFactor,
		ser.emaShort[prev] >= ser.emaMedium[prev] && ser.emaShort[cur] < ser.emaMedium[cur],
		ser.macdHist[prev] > 0 && ser.macdHist[cur] < 0,
		ser.stochK[prev] > stochUpper && ser.stochK[cur] <= stochUpper,
		ser.volatility[cur] < ser.volatility[prev]*0.8,
	}
	minSell := s.cfg.MinSellConditions
	if highVol {
		minSell = s.cfg.MinSellConditionsHighVol
	}
	sell = countTrue(sellConditions) >= minSell

	return buy, sell
}

func (s *Scalping) ShouldBuy(klines []binance.Kline) bool {
	buy, _ := s.signals(klines)
	return buy
}

func (s *Scalping) ShouldSell(klines []binance.Kline) bool {
	_, sell := s.signals(klines)
	return sell
}

func countTrue(conditions []bool) int {
	n := 0
	for _, c := range conditions {
		if c {
			n++
		}
	}
	return n
}
