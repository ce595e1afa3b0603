package trader

import (
	"math"
	"testing"
	"time"

	"spot-trading-bot/config"
	"spot-trading-bot/internal/binance"

	"github.com/rs/zerolog"
)

func testTradingConfig() config.TradingConfig {
	return config.TradingConfig{
		QuoteAsset:              "USDT",
		TradeFraction:           0.01,
		ProfitTarget:            1.2,
		StopLoss:                1.0,
		HighVolProfitTarget:     1.8,
		HighVolStopLoss:         1.5,
		HighVolatilityThreshold: 2.0,
		TrailingActivation:      0.40,
		TrailingDistance:        0.25,
		FeePercent:              0.1,
		MaxOrdersPerSymbol:      3,
		MinQuoteBalance:         10,
		SignalSuppressionMins:   15,
		DustThreshold:           0.000001,
	}
}

func newTestManager(t *testing.T, ex Exchange) (*Manager, *ProblemList) {
	t.Helper()
	problems := NewProblemList(zerolog.Nop())
	tradeLog, err := NewTradeLog(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("creating trade log: %v", err)
	}
	return NewManager(testTradingConfig(), ex, problems, tradeLog, zerolog.Nop()), problems
}

func TestOpenSizesOrderFromBalanceFraction(t *testing.T) {
	ex := newFakeExchange()
	ex.seedSymbol("ABCUSDT", "ABC", 50, 0.01, 0.01, 10)
	ex.balances["USDT"] = binance.Balance{Asset: "USDT", Free: 1000}
	m, _ := newTestManager(t, ex)

	if err := m.Open("ABCUSDT"); err != nil {
		t.Fatalf("Open: %v", err)
	}

	// 1% of 1000 at price 50 is exactly 0.2, already a step multiple,
	// and its notional of 10 meets the minimum.
	if len(ex.placed) != 1 {
		t.Fatalf("placed %d orders, want 1", len(ex.placed))
	}
	if ex.placed[0].quantity != "0.20" || ex.placed[0].side != "BUY" {
		t.Errorf("placed = %+v, want BUY 0.20", ex.placed[0])
	}
	if got := m.ExpectedQty("ABCUSDT"); got != 0.2 {
		t.Errorf("tracked quantity = %v, want 0.2", got)
	}
	orders := m.OrdersFor("ABCUSDT")
	if len(orders) != 1 {
		t.Fatalf("tracked %d orders, want 1", len(orders))
	}
	if orders[0].EntryPrice != 50 {
		t.Errorf("entry price = %v, want 50", orders[0].EntryPrice)
	}
	if got := orders[0].StopLoss; math.Abs(got-49.5) > 1e-9 {
		t.Errorf("initial stop = %v, want 49.5", got)
	}
}

func TestOpenBumpsToMinNotional(t *testing.T) {
	ex := newFakeExchange()
	ex.seedSymbol("ABCUSDT", "ABC", 1, 0.1, 0.1, 10)
	ex.balances["USDT"] = binance.Balance{Asset: "USDT", Free: 200}
	m, _ := newTestManager(t, ex)

	if err := m.Open("ABCUSDT"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	// 1% of 200 is a 2-unit notional, below the 10 minimum, and the
	// balance leaves ample headroom, so the order becomes the minimum.
	if len(ex.placed) != 1 {
		t.Fatalf("placed %d orders, want 1", len(ex.placed))
	}
	if ex.placed[0].quantity != "10.0" {
		t.Errorf("quantity = %q, want 10.0", ex.placed[0].quantity)
	}
}

func TestOpenBuysExchangeMinimumWithHeadroom(t *testing.T) {
	ex := newFakeExchange()
	ex.seedSymbol("ABCUSDT", "ABC", 50, 0.01, 1, 10)
	// The minimum lot costs 50; the balance covers it with more than
	// the required 5% headroom.
	ex.balances["USDT"] = binance.Balance{Asset: "USDT", Free: 60}
	m, problems := newTestManager(t, ex)

	if err := m.Open("ABCUSDT"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(ex.placed) != 1 {
		t.Fatalf("placed %d orders, want 1", len(ex.placed))
	}
	if ex.placed[0].quantity != "1.00" {
		t.Errorf("quantity = %q, want the exchange minimum 1.00", ex.placed[0].quantity)
	}
	if problems.IsQuarantined("ABCUSDT") {
		t.Error("affordable minimum lot should not quarantine")
	}
}

func TestOpenMinQtyUnaffordableQuarantines(t *testing.T) {
	ex := newFakeExchange()
	ex.seedSymbol("ABCUSDT", "ABC", 50, 0.01, 1, 10)
	// The minimum lot costs 50 but 40 is all there is: under the 5%
	// headroom bar, so the pair is untradable at this balance.
	ex.balances["USDT"] = binance.Balance{Asset: "USDT", Free: 40}
	m, problems := newTestManager(t, ex)

	if err := m.Open("ABCUSDT"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(ex.placed) != 0 {
		t.Error("order placed despite an unaffordable minimum quantity")
	}
	if !problems.IsQuarantined("ABCUSDT") {
		t.Error("unaffordable minimum quantity did not quarantine the symbol")
	}
}

func TestOpenMinNotionalUnaffordableQuarantines(t *testing.T) {
	ex := newFakeExchange()
	ex.seedSymbol("ABCUSDT", "ABC", 1, 0.1, 0.1, 10)
	ex.balances["USDT"] = binance.Balance{Asset: "USDT", Free: 10.2}
	m, problems := newTestManager(t, ex)

	if err := m.Open("ABCUSDT"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(ex.placed) != 0 {
		t.Error("order placed despite the minimum notional exceeding the balance")
	}
	if !problems.IsQuarantined("ABCUSDT") {
		t.Error("unaffordable minimum notional did not bench the symbol")
	}
}

func TestOpenSkipsQuarantinedSymbol(t *testing.T) {
	ex := newFakeExchange()
	ex.seedSymbol("ABCUSDT", "ABC", 50, 0.01, 0.01, 10)
	ex.balances["USDT"] = binance.Balance{Asset: "USDT", Free: 1000}
	m, problems := newTestManager(t, ex)

	problems.Add("ABCUSDT", ProblemStructural)
	if err := m.Open("ABCUSDT"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(ex.placed) != 0 {
		t.Error("order placed for a quarantined symbol")
	}
}

func TestOpenSuppressesRepeatSignals(t *testing.T) {
	ex := newFakeExchange()
	ex.seedSymbol("ABCUSDT", "ABC", 50, 0.01, 0.01, 10)
	ex.balances["USDT"] = binance.Balance{Asset: "USDT", Free: 1000}
	m, _ := newTestManager(t, ex)

	if err := m.Open("ABCUSDT"); err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if err := m.Open("ABCUSDT"); err != nil {
		t.Fatalf("second Open: %v", err)
	}
	if len(ex.placed) != 1 {
		t.Errorf("placed %d orders, want 1 (repeat signal suppressed)", len(ex.placed))
	}
}

func TestOpenFailedBuyDoesNotSuppressRetry(t *testing.T) {
	ex := newFakeExchange()
	ex.seedSymbol("ABCUSDT", "ABC", 50, 0.01, 0.01, 10)
	ex.balances["USDT"] = binance.Balance{Asset: "USDT", Free: 1000}
	ex.orderErr["ABCUSDT"] = binance.NewAPIError(-1003, "Too many requests; please use the websocket.")
	m, _ := newTestManager(t, ex)

	if err := m.Open("ABCUSDT"); err == nil {
		t.Fatal("expected the first buy to fail")
	}
	// Suppression only starts at a fill, so the next signal gets
	// another shot.
	if err := m.Open("ABCUSDT"); err != nil {
		t.Fatalf("retry Open: %v", err)
	}
	if len(ex.placed) != 1 {
		t.Errorf("placed %d orders, want 1 from the retry", len(ex.placed))
	}
	if m.OpenPositions() != 1 {
		t.Errorf("tracked %d positions, want 1", m.OpenPositions())
	}
}

func TestOpenStructuralFailureQuarantines(t *testing.T) {
	ex := newFakeExchange()
	ex.seedSymbol("ABCUSDT", "ABC", 50, 0.01, 0.01, 10)
	ex.balances["USDT"] = binance.Balance{Asset: "USDT", Free: 1000}
	ex.orderErr["ABCUSDT"] = binance.NewAPIError(-1013, "Filter failure: LOT_SIZE")
	m, problems := newTestManager(t, ex)

	if err := m.Open("ABCUSDT"); err == nil {
		t.Fatal("expected the buy failure to surface")
	}
	if !problems.IsQuarantined("ABCUSDT") {
		t.Error("structural failure did not quarantine the symbol")
	}
	if m.OpenPositions() != 0 {
		t.Error("position tracked despite a failed buy")
	}
}

func TestEvaluateClosesOnProfitTarget(t *testing.T) {
	ex := newFakeExchange()
	ex.seedSymbol("ABCUSDT", "ABC", 50, 0.01, 0.01, 10)
	ex.balances["USDT"] = binance.Balance{Asset: "USDT", Free: 1000}
	m, _ := newTestManager(t, ex)

	var closed []TradeRecord
	m.SetTradeHandler(func(r TradeRecord) {
		if r.Side == "SELL" {
			closed = append(closed, r)
		}
	})

	if err := m.Open("ABCUSDT"); err != nil {
		t.Fatalf("Open: %v", err)
	}

	// +1.4% clears the 1.2% target.
	ex.prices["ABCUSDT"] = 50.7
	m.EvaluateSymbol("ABCUSDT", 50.7)

	if m.OpenPositions() != 0 {
		t.Fatal("position still tracked after target hit")
	}
	if len(closed) != 1 {
		t.Fatalf("recorded %d sells, want 1", len(closed))
	}
	if closed[0].Reason != "profit_target" {
		t.Errorf("reason = %q, want profit_target", closed[0].Reason)
	}
	if closed[0].OrderID == 0 {
		t.Error("sell record carries no exchange order id")
	}
	// Gross +1.4% minus 0.1% fees each way.
	if math.Abs(closed[0].ProfitPercent-1.2) > 1e-9 {
		t.Errorf("profit = %v, want 1.2", closed[0].ProfitPercent)
	}
}

func TestTrailingStopRatchetsMonotonically(t *testing.T) {
	ex := newFakeExchange()
	ex.seedSymbol("ABCUSDT", "ABC", 50, 0.01, 0.01, 10)
	ex.balances["USDT"] = binance.Balance{Asset: "USDT", Free: 1000}
	m, _ := newTestManager(t, ex)

	if err := m.Open("ABCUSDT"); err != nil {
		t.Fatalf("Open: %v", err)
	}

	// Activation threshold is 40% of the 1.2% target, i.e. +0.48%.
	m.EvaluateSymbol("ABCUSDT", 50.3)
	o := m.OrdersFor("ABCUSDT")[0]
	if !o.TrailingActive {
		t.Fatal("trailing stop not active at +0.6%")
	}
	stopAfterRise := o.StopLoss
	if stopAfterRise <= o.InitialStopLoss {
		t.Errorf("trailing stop %v did not move above the initial stop %v", stopAfterRise, o.InitialStopLoss)
	}

	m.EvaluateSymbol("ABCUSDT", 50.5)
	stopHigher := m.OrdersFor("ABCUSDT")[0].StopLoss
	if stopHigher <= stopAfterRise {
		t.Errorf("stop did not ratchet up: %v -> %v", stopAfterRise, stopHigher)
	}

	// A pullback that stays above the stop must never lower it.
	m.EvaluateSymbol("ABCUSDT", 50.45)
	if got := m.OrdersFor("ABCUSDT")[0].StopLoss; got != stopHigher {
		t.Errorf("stop moved on pullback: %v -> %v", stopHigher, got)
	}

	// Falling through the stop sells with the trailing reason.
	var reasons []string
	m.SetTradeHandler(func(r TradeRecord) {
		if r.Side == "SELL" {
			reasons = append(reasons, r.Reason)
		}
	})
	ex.prices["ABCUSDT"] = 50.30
	m.EvaluateSymbol("ABCUSDT", 50.30)
	if m.OpenPositions() != 0 {
		t.Fatal("position survived a trailing stop breach")
	}
	if len(reasons) != 1 || reasons[0] != "trailing_stop" {
		t.Errorf("reasons = %v, want [trailing_stop]", reasons)
	}
}

func TestThreeFailedSellsEvictAndForceGhostCheck(t *testing.T) {
	ex := newFakeExchange()
	ex.seedSymbol("ABCUSDT", "ABC", 50, 0.01, 0.01, 10)
	ex.balances["USDT"] = binance.Balance{Asset: "USDT", Free: 1000}
	m, _ := newTestManager(t, ex)

	if err := m.Open("ABCUSDT"); err != nil {
		t.Fatalf("Open: %v", err)
	}

	ex.orderErr["ABCUSDT"] = binance.NewAPIError(-1001, "Internal error; unable to process your request.")
	ex.sticky = true

	driftChecks := 0
	m.SetDriftHandler(func(symbol string) {
		if symbol == "ABCUSDT" {
			driftChecks++
		}
	})

	ex.prices["ABCUSDT"] = 51
	for i := 0; i < 3; i++ {
		m.EvaluateSymbol("ABCUSDT", 51)
	}

	if m.OpenPositions() != 0 {
		t.Error("position not evicted after three failed sells")
	}
	if driftChecks == 0 {
		t.Error("no forced reconciliation after eviction")
	}
}

func TestSellInsufficientBalanceDropsImmediately(t *testing.T) {
	ex := newFakeExchange()
	ex.seedSymbol("ABCUSDT", "ABC", 50, 0.01, 0.01, 10)
	ex.balances["USDT"] = binance.Balance{Asset: "USDT", Free: 1000}
	m, _ := newTestManager(t, ex)

	if err := m.Open("ABCUSDT"); err != nil {
		t.Fatalf("Open: %v", err)
	}

	// The exchange rejects the sell even though our balance snapshot
	// looked fine; the coins are gone and retrying cannot help.
	ex.orderErr["ABCUSDT"] = binance.NewAPIError(-2010, "Account has insufficient balance for requested action.")
	ex.sticky = true

	driftChecks := 0
	m.SetDriftHandler(func(symbol string) {
		if symbol == "ABCUSDT" {
			driftChecks++
		}
	})

	ex.prices["ABCUSDT"] = 51
	m.EvaluateSymbol("ABCUSDT", 51)

	if m.OpenPositions() != 0 {
		t.Error("position kept after an insufficient-balance sell")
	}
	if driftChecks != 1 {
		t.Errorf("forced ghost checks = %d, want 1", driftChecks)
	}
}

func TestSellShrinksToRealBalance(t *testing.T) {
	ex := newFakeExchange()
	ex.seedSymbol("ABCUSDT", "ABC", 50, 0.01, 0.01, 10)
	ex.balances["USDT"] = binance.Balance{Asset: "USDT", Free: 1000}
	m, _ := newTestManager(t, ex)

	var sells []TradeRecord
	m.SetTradeHandler(func(r TradeRecord) {
		if r.Side == "SELL" {
			sells = append(sells, r)
		}
	})

	if err := m.Open("ABCUSDT"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	// Half the coins left the account behind our back.
	ex.balances["ABC"] = binance.Balance{Asset: "ABC", Free: 0.10}

	ex.prices["ABCUSDT"] = 50.7
	m.EvaluateSymbol("ABCUSDT", 50.7)

	last := ex.placed[len(ex.placed)-1]
	if last.side != "SELL" || last.quantity != "0.10" {
		t.Errorf("sell = %+v, want quantity 0.10 (shrunk to the real balance)", last)
	}
	if m.OpenPositions() != 0 {
		t.Error("position still tracked after the shrunk sell")
	}
	if len(sells) != 1 || sells[0].Quantity != 0.10 {
		t.Errorf("sell records = %+v, want one for 0.10", sells)
	}
}

func TestSellAbandonedOnZeroBalance(t *testing.T) {
	ex := newFakeExchange()
	ex.seedSymbol("ABCUSDT", "ABC", 50, 0.01, 0.01, 10)
	ex.balances["USDT"] = binance.Balance{Asset: "USDT", Free: 1000}
	m, _ := newTestManager(t, ex)

	if err := m.Open("ABCUSDT"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	// Everything was withdrawn or sold elsewhere.
	ex.balances["ABC"] = binance.Balance{Asset: "ABC"}

	driftChecks := 0
	m.SetDriftHandler(func(string) { driftChecks++ })

	ex.prices["ABCUSDT"] = 51
	m.EvaluateSymbol("ABCUSDT", 51)

	if len(ex.placed) != 1 {
		t.Errorf("placed %d orders, want only the buy (no sell with zero balance)", len(ex.placed))
	}
	if m.OpenPositions() != 0 {
		t.Error("position kept with nothing left to sell")
	}
	if driftChecks != 1 {
		t.Errorf("forced ghost checks = %d, want 1", driftChecks)
	}
}

func TestHighVolatilityUsesWiderTargets(t *testing.T) {
	ex := newFakeExchange()
	ex.seedSymbol("ABCUSDT", "ABC", 100, 0.01, 0.01, 10)
	ex.balances["USDT"] = binance.Balance{Asset: "USDT", Free: 10000}

	// A sawtooth with ~5% swings per minute classifies as highly
	// volatile.
	klines := make([]binance.Kline, 30)
	for i := range klines {
		price := 100.0
		if i%2 == 0 {
			price = 105
		}
		klines[i] = binance.Kline{Close: price}
	}
	ex.klines["ABCUSDT"] = klines
	m, _ := newTestManager(t, ex)

	if err := m.Open("ABCUSDT"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	o := m.OrdersFor("ABCUSDT")[0]
	if !o.HighVolatility {
		t.Fatalf("volatility %v not classified as high", o.Volatility)
	}
	if o.ProfitTarget != 1.8 {
		t.Errorf("profit target = %v, want the high-volatility 1.8", o.ProfitTarget)
	}
}

func TestLiquidateAllSweepsUntracked(t *testing.T) {
	ex := newFakeExchange()
	ex.seedSymbol("ABCUSDT", "ABC", 50, 0.01, 0.01, 10)
	ex.seedSymbol("XYZUSDT", "XYZ", 2, 0.1, 0.1, 10)
	ex.balances["USDT"] = binance.Balance{Asset: "USDT", Free: 1000}
	// An untracked balance worth 40 quote units.
	ex.balances["XYZ"] = binance.Balance{Asset: "XYZ", Free: 20}
	m, _ := newTestManager(t, ex)

	var notes []string
	m.SetTradeHandler(func(r TradeRecord) {
		if r.Note != "" {
			notes = append(notes, r.Note)
		}
	})

	if err := m.Open("ABCUSDT"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	m.LiquidateAll("manual")

	if m.OpenPositions() != 0 {
		t.Error("tracked positions survived liquidation")
	}
	soldXYZ := false
	for _, p := range ex.placed {
		if p.symbol == "XYZUSDT" && p.side == "SELL" {
			soldXYZ = true
		}
	}
	if !soldXYZ {
		t.Error("untracked XYZ balance was not swept")
	}
	if len(notes) != 1 || notes[0] != "sold untracked balance" {
		t.Errorf("sweep notes = %v, want [sold untracked balance]", notes)
	}
}

func TestQuarantineExpiresExactlyAtBoundary(t *testing.T) {
	problems := NewProblemList(zerolog.Nop())
	now := time.Now()
	problems.add("ABCUSDT", ProblemTransient, now)

	boundary := now.Add(time.Hour)
	if !problems.quarantinedAt("ABCUSDT", boundary.Add(-time.Nanosecond)) {
		t.Error("symbol released before the quarantine expired")
	}
	if problems.quarantinedAt("ABCUSDT", boundary) {
		t.Error("symbol still benched at exactly the expiry instant")
	}
}

func TestStructuralOutlastsTransient(t *testing.T) {
	problems := NewProblemList(zerolog.Nop())
	now := time.Now()
	problems.add("ABCUSDT", ProblemStructural, now)
	problems.add("ABCUSDT", ProblemTransient, now)

	// The later transient report must not shorten the 24h bench.
	if !problems.quarantinedAt("ABCUSDT", now.Add(2*time.Hour)) {
		t.Error("transient report shortened a structural quarantine")
	}
}
