package strategy

import (
	"math"
	"testing"

	"spot-trading-bot/internal/binance"

	"github.com/rs/zerolog"
)

func klinesFromCloses(closeVals []float64) []binance.Kline {
	klines := make([]binance.Kline, len(closeVals))
	for i, c := range closeVals {
		klines[i] = binance.Kline{
			Open:   c,
			High:   c * 1.002,
			Low:    c * 0.998,
			Close:  c,
			Volume: 1000,
		}
	}
	return klines
}

func risingCloses(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 100 + float64(i)
	}
	return out
}

func fallingCloses(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 200 - float64(i)
	}
	return out
}

func TestEMAConverges(t *testing.T) {
	constant := make([]float64, 50)
	for i := range constant {
		constant[i] = 42
	}
	out := ema(constant, 9)
	if got := out[len(out)-1]; math.Abs(got-42) > 1e-9 {
		t.Errorf("EMA of constant series = %v, want 42", got)
	}
}

func TestSMAWarmup(t *testing.T) {
	out := sma([]float64{1, 2, 3, 4, 5}, 3)
	if !math.IsNaN(out[0]) || !math.IsNaN(out[1]) {
		t.Error("SMA should be NaN before the window fills")
	}
	if out[2] != 2 || out[4] != 4 {
		t.Errorf("SMA = %v, want [NaN NaN 2 3 4]", out)
	}
}

func TestRSIExtremes(t *testing.T) {
	up := rsi(risingCloses(30), 14)
	if got := up[len(up)-1]; got < 99 {
		t.Errorf("RSI of all-gains series = %v, want ~100", got)
	}
	down := rsi(fallingCloses(30), 14)
	if got := down[len(down)-1]; got > 1 {
		t.Errorf("RSI of all-losses series = %v, want ~0", got)
	}
}

func TestStochasticRange(t *testing.T) {
	closeVals := risingCloses(30)
	k, _ := stochastic(closeVals, closeVals, closeVals)
	for i, v := range k {
		if math.IsNaN(v) {
			continue
		}
		if v < 0 || v > 100 {
			t.Errorf("stochastic %%K[%d] = %v, out of range", i, v)
		}
	}
}

func TestScalpingUptrendDetection(t *testing.T) {
	s := NewScalping(DefaultConfig(), zerolog.Nop())

	if !s.DetectUptrend(klinesFromCloses(risingCloses(60))) {
		t.Error("rising series not detected as uptrend")
	}
	if s.DetectUptrend(klinesFromCloses(fallingCloses(60))) {
		t.Error("falling series detected as uptrend")
	}
}

func TestScalpingNoSignalOnShortSeries(t *testing.T) {
	s := NewScalping(DefaultConfig(), zerolog.Nop())
	klines := klinesFromCloses(risingCloses(10))
	if s.ShouldBuy(klines) || s.ShouldSell(klines) {
		t.Error("signals fired without enough candles for a warm-up")
	}
}

func TestScalpingNoBuyBelowLongEMA(t *testing.T) {
	s := NewScalping(DefaultConfig(), zerolog.Nop())
	// A steady downtrend keeps the close below the long EMA, which
	// vetoes every buy regardless of the other conditions.
	if s.ShouldBuy(klinesFromCloses(fallingCloses(80))) {
		t.Error("buy signal fired in a downtrend")
	}
}

func TestScalpingIndicatorSnapshot(t *testing.T) {
	s := NewScalping(DefaultConfig(), zerolog.Nop())
	ind := s.CalculateIndicators(klinesFromCloses(risingCloses(60)))
	if ind == nil {
		t.Fatal("nil indicator set")
	}
	if ind.EMAShort <= ind.EMALong {
		t.Errorf("rising series: EMA short %v should exceed EMA long %v", ind.EMAShort, ind.EMALong)
	}
	if ind.RSI < 50 {
		t.Errorf("rising series RSI = %v, want > 50", ind.RSI)
	}
}

func TestTrendSniperSignals(t *testing.T) {
	ts := NewTrendSniper(DefaultConfig(), zerolog.Nop())

	rising := klinesFromCloses(risingCloses(60))
	if !ts.ShouldBuy(rising) {
		t.Error("no buy on aligned uptrend with strong RSI")
	}
	if ts.ShouldSell(rising) {
		t.Error("sell fired while the EMA stack is intact")
	}

	falling := klinesFromCloses(fallingCloses(60))
	if ts.ShouldBuy(falling) {
		t.Error("buy fired in a downtrend")
	}
	if !ts.ShouldSell(falling) {
		t.Error("no sell after the EMA stack broke")
	}
}

func TestFactory(t *testing.T) {
	cfg := DefaultConfig()
	logger := zerolog.Nop()

	s, err := New("scalping", cfg, logger)
	if err != nil || s.Name() != "scalping" {
		t.Errorf("New(scalping) = %v, %v", s, err)
	}
	ts, err := New("trendsniper", cfg, logger)
	if err != nil || ts.Name() != "trendsniper" {
		t.Errorf("New(trendsniper) = %v, %v", ts, err)
	}
	if def, err := New("", cfg, logger); err != nil || def.Name() != "scalping" {
		t.Errorf("New(\"\") should default to scalping, got %v, %v", def, err)
	}
	if _, err := New("martingale", cfg, logger); err == nil {
		t.Error("expected error for unknown strategy name")
	}
}
