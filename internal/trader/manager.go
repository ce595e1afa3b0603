package trader

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"spot-trading-bot/config"
	"spot-trading-bot/internal/binance"

	"github.com/rs/zerolog"
)

// Exchange is the gateway surface the trading core drives.
type Exchange interface {
	GetPrice(symbol string) (float64, error)
	GetKlines(symbol, interval string, limit int) ([]binance.Kline, error)
	GetBalances() (map[string]binance.Balance, error)
	GetSymbolFilter(symbol string) (*binance.SymbolFilter, error)
	GetOpenOrders(symbol string) ([]binance.OpenOrder, error)
	PlaceMarketOrder(symbol, side, quantity string) (*binance.OrderResponse, error)
}

const (
	// maxFailedSells evicts a position that cannot be sold; the
	// forced reconciliation afterwards decides what really remains.
	maxFailedSells = 3

	// volatilityKlines feeds the volatility classification; at least
	// volatilityMinSamples returns are required for a verdict.
	volatilityKlines     = 30
	volatilityMinSamples = 20
)

// Manager owns every tracked position. The scheduler is the only
// writer in steady state; the mutex exists so dashboard actions
// (sell-all) stay safe against the loop.
type Manager struct {
	mu            sync.Mutex
	cfg           config.TradingConfig
	exchange      Exchange
	problems      *ProblemList
	tradeLog      *TradeLog
	orders        map[string][]*Order
	recentSignals map[string]time.Time
	logger        zerolog.Logger

	onDrift func(symbol string)
	onTrade func(record TradeRecord)
}

func NewManager(cfg config.TradingConfig, exchange Exchange, problems *ProblemList, tradeLog *TradeLog, logger zerolog.Logger) *Manager {
	return &Manager{
		cfg:           cfg,
		exchange:      exchange,
		problems:      problems,
		tradeLog:      tradeLog,
		orders:        make(map[string][]*Order),
		recentSignals: make(map[string]time.Time),
		logger:        logger.With().Str("component", "manager").Logger(),
	}
}

// SetDriftHandler installs the callback fired when tracked state
// diverges from the exchange and a reconciliation should run soon.
func (m *Manager) SetDriftHandler(fn func(symbol string)) { m.onDrift = fn }

// SetTradeHandler installs the callback fired after every executed
// trade, for events and notifications.
func (m *Manager) SetTradeHandler(fn func(record TradeRecord)) { m.onTrade = fn }

func (m *Manager) fireDrift(symbol string) {
	if m.onDrift != nil {
		m.onDrift(symbol)
	}
}

func (m *Manager) fireTrade(record TradeRecord) {
	m.tradeLog.Append(record)
	if m.onTrade != nil {
		m.onTrade(record)
	}
}

// Open buys into a symbol on a strategy signal. Every precondition
// that fails skips the buy quietly; only exchange failures return an
// error.
func (m *Manager) Open(symbol string) error {
	if m.problems.IsQuarantined(symbol) {
		return nil
	}

	m.mu.Lock()
	if len(m.orders[symbol]) >= m.cfg.MaxOrdersPerSymbol {
		m.mu.Unlock()
		return nil
	}
	suppression := time.Duration(m.cfg.SignalSuppressionMins) * time.Minute
	if last, ok := m.recentSignals[symbol]; ok && time.Since(last) < suppression {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	balances, err := m.exchange.GetBalances()
	if err != nil {
		return fmt.Errorf("fetching balances: %w", err)
	}
	quoteFree := balances[m.cfg.QuoteAsset].Free
	if quoteFree < m.cfg.MinQuoteBalance {
		m.logger.Debug().Str("symbol", symbol).Float64("quote_balance", quoteFree).
			Msg("quote balance below minimum, skipping buy")
		return nil
	}

	price, err := m.exchange.GetPrice(symbol)
	if err != nil {
		return fmt.Errorf("fetching price for %s: %w", symbol, err)
	}
	filter, err := m.exchange.GetSymbolFilter(symbol)
	if err != nil {
		return fmt.Errorf("fetching filter for %s: %w", symbol, err)
	}
	if filter == nil {
		m.problems.Add(symbol, ProblemStructural)
		return fmt.Errorf("symbol %s does not exist on the exchange", symbol)
	}

	quantity, ok := m.sizeOrder(symbol, quoteFree, price, filter)
	if !ok {
		return nil
	}

	quantityStr := binance.FormatQuantity(quantity, filter.StepSize)
	resp, err := m.exchange.PlaceMarketOrder(symbol, "BUY", quantityStr)
	if err != nil {
		m.handleBuyError(symbol, err)
		return fmt.Errorf("buying %s: %w", symbol, err)
	}

	executed := resp.ExecutedQty
	if executed == 0 {
		executed = quantity
	}
	entry := price
	if executed > 0 && resp.CummulativeQuoteQty > 0 {
		entry = resp.CummulativeQuoteQty / executed
	}

	vol, highVol := m.classifyVolatility(symbol)
	target, stop := m.cfg.ProfitTarget, m.cfg.StopLoss
	if highVol {
		target, stop = m.cfg.HighVolProfitTarget, m.cfg.HighVolStopLoss
	}

	order := &Order{
		Symbol:          symbol,
		BaseAsset:       filter.BaseAsset,
		OrderID:         resp.OrderID,
		Quantity:        executed,
		EntryPrice:      entry,
		QuoteCost:       resp.CummulativeQuoteQty,
		OpenedAt:        time.Now(),
		Highest:         entry,
		StopLoss:        entry * (1 - stop/100),
		InitialStopLoss: entry * (1 - stop/100),
		ProfitTarget:    target,
		Volatility:      vol,
		HighVolatility:  highVol,
	}

	m.mu.Lock()
	m.orders[symbol] = append(m.orders[symbol], order)
	// Suppression starts at the fill; a failed buy stays retryable on
	// the next signal.
	m.recentSignals[symbol] = time.Now()
	m.mu.Unlock()

	// A filled buy proves the symbol works again.
	m.problems.Clear(symbol)

	m.logger.Info().
		Str("symbol", symbol).
		Float64("quantity", executed).
		Float64("entry", entry).
		Float64("volatility", vol).
		Bool("high_volatility", highVol).
		Msg("position opened")

	m.fireTrade(TradeRecord{
		Symbol:     symbol,
		Side:       "BUY",
		OrderID:    resp.OrderID,
		Quantity:   executed,
		Price:      entry,
		QuoteValue: entry * executed,
		Time:       time.Now(),
	})
	return nil
}

// sizeOrder computes the buy quantity: fraction of the quote balance,
// floored to the lot step. When that lands under an exchange minimum
// the order becomes the minimum itself, provided the balance leaves 5%
// headroom over its cost; otherwise the symbol gets benched.
func (m *Manager) sizeOrder(symbol string, quoteFree, price float64, filter *binance.SymbolFilter) (float64, bool) {
	spend := quoteFree * m.cfg.TradeFraction
	quantity := floorToStep(spend/price, filter.StepSize)

	if filter.MinQty > 0 && quantity < filter.MinQty {
		if quoteFree < filter.MinQty*price*1.05 {
			// The pair's minimum lot is out of reach at this balance;
			// that won't change within the hour.
			m.problems.Add(symbol, ProblemStructural)
			m.logger.Warn().
				Str("symbol", symbol).
				Float64("min_qty", filter.MinQty).
				Float64("quote_balance", quoteFree).
				Msg("minimum quantity unaffordable, quarantining")
			return 0, false
		}
		quantity = ceilToStep(filter.MinQty, filter.StepSize)
	}
	if filter.MinNotional > 0 && quantity*price < filter.MinNotional {
		if quoteFree < filter.MinNotional*1.05 {
			// Funds may free up once a position exits, so this bench is
			// the short one.
			m.problems.Add(symbol, ProblemTransient)
			m.logger.Warn().
				Str("symbol", symbol).
				Float64("min_notional", filter.MinNotional).
				Float64("quote_balance", quoteFree).
				Msg("minimum notional unaffordable, benching until funds free up")
			return 0, false
		}
		quantity = ceilToStep(filter.MinNotional/price, filter.StepSize)
	}
	if quantity <= 0 {
		m.problems.Add(symbol, ProblemStructural)
		m.logger.Warn().Str("symbol", symbol).Msg("cannot size a valid order, quarantining")
		return 0, false
	}
	return quantity, true
}

func (m *Manager) handleBuyError(symbol string, err error) {
	switch {
	case binance.IsStructural(err):
		m.problems.Add(symbol, ProblemStructural)
	case binance.IsStateDrift(err):
		m.problems.Add(symbol, ProblemTransient)
		m.fireDrift(symbol)
	case binance.IsRateLimit(err):
		// The limiter already absorbed the ban.
	default:
		m.problems.Add(symbol, ProblemTransient)
	}
	m.logger.Error().Str("symbol", symbol).Err(err).Msg("buy failed")
}

// classifyVolatility measures the stddev of recent 1-minute percent
// returns. Too few samples means no verdict and normal treatment.
func (m *Manager) classifyVolatility(symbol string) (float64, bool) {
	klines, err := m.exchange.GetKlines(symbol, "1m", volatilityKlines)
	if err != nil || len(klines) < volatilityMinSamples+1 {
		return 0, false
	}
	returns := make([]float64, 0, len(klines)-1)
	for i := 1; i < len(klines); i++ {
		prev := klines[i-1].Close
		if prev == 0 {
			continue
		}
		returns = append(returns, (klines[i].Close-prev)/prev*100)
	}
	if len(returns) < volatilityMinSamples {
		return 0, false
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns) - 1)
	vol := math.Sqrt(variance)
	return vol, vol > m.cfg.HighVolatilityThreshold
}

// EvaluateAll refreshes every tracked position against the current
// price and executes the exits that are due.
func (m *Manager) EvaluateAll() {
	for _, symbol := range m.TrackedSymbols() {
		price, err := m.exchange.GetPrice(symbol)
		if err != nil {
			m.logger.Warn().Str("symbol", symbol).Err(err).Msg("no price this tick, skipping evaluation")
			continue
		}
		m.EvaluateSymbol(symbol, price)
	}
}

// EvaluateSymbol updates the positions on one symbol and closes the
// ones whose target or stop has been hit.
func (m *Manager) EvaluateSymbol(symbol string, price float64) {
	type pending struct {
		order  *Order
		reason string
	}
	var due []pending

	m.mu.Lock()
	for _, order := range m.orders[symbol] {
		if reason := m.updateOrder(order, price); reason != "" && !order.SellInProgress {
			due = append(due, pending{order: order, reason: reason})
		}
	}
	m.mu.Unlock()

	for _, p := range due {
		m.closeOrder(symbol, p.order, p.reason)
	}
}

// updateOrder ratchets the highest price and trailing stop and
// returns the exit reason when one applies. Caller holds the lock.
func (m *Manager) updateOrder(order *Order, price float64) string {
	if price > order.Highest {
		order.Highest = price
	}
	gross := (price - order.EntryPrice) / order.EntryPrice * 100
	order.UnrealizedPL = gross - 2*m.cfg.FeePercent

	activation := order.ProfitTarget * m.cfg.TrailingActivation
	// Extremely volatile positions arm the trailing stop earlier;
	// their spikes retrace too fast to wait for the full threshold.
	if order.Volatility > 1.5*m.cfg.HighVolatilityThreshold {
		activation *= 0.8
	}
	if !order.TrailingActive && gross >= activation {
		order.TrailingActive = true
		m.logger.Info().
			Str("symbol", order.Symbol).
			Float64("profit_pct", gross).
			Msg("trailing stop activated")
	}

	if order.TrailingActive {
		ratio := 1.0
		if m.cfg.HighVolatilityThreshold > 0 && order.Volatility > 0 {
			ratio = math.Min(order.Volatility/m.cfg.HighVolatilityThreshold, 2)
		}
		distance := m.cfg.TrailingDistance * (1 + (ratio-1)*0.3)
		if candidate := order.Highest * (1 - distance/100); candidate > order.StopLoss {
			order.StopLoss = candidate
		}
	}

	switch {
	case price >= order.EntryPrice*(1+order.ProfitTarget/100):
		return "profit_target"
	case price <= order.StopLoss:
		if order.TrailingActive {
			return "trailing_stop"
		}
		return "stop_loss"
	}
	return ""
}

// closeOrder sells one position. The in-progress flag keeps a slow
// sell from being submitted twice across ticks.
func (m *Manager) closeOrder(symbol string, order *Order, reason string) {
	m.mu.Lock()
	if order.SellInProgress {
		m.mu.Unlock()
		return
	}
	order.SellInProgress = true
	m.mu.Unlock()

	// The tracked quantity is a belief; the real balance is the fact.
	// Anything sold or withdrawn elsewhere shrinks what we can sell.
	quantity := order.Quantity
	if balances, err := m.exchange.GetBalances(); err == nil {
		base := order.BaseAsset
		if base == "" {
			base = trimQuote(symbol, m.cfg.QuoteAsset)
		}
		free := balances[base].Free
		if free <= m.cfg.DustThreshold {
			m.logger.Warn().
				Str("symbol", symbol).
				Int64("order_id", order.OrderID).
				Msg("no balance left to sell, dropping position")
			m.mu.Lock()
			m.removeOrderLocked(symbol, order)
			m.mu.Unlock()
			m.fireDrift(symbol)
			return
		}
		if free < quantity {
			m.logger.Warn().
				Str("symbol", symbol).
				Float64("tracked", quantity).
				Float64("free", free).
				Msg("balance below tracked quantity, shrinking sell")
			quantity = free
		}
	}

	step := 0.0
	if filter, err := m.exchange.GetSymbolFilter(symbol); err == nil && filter != nil {
		step = filter.StepSize
	}
	quantityStr := binance.FormatQuantity(quantity, step)

	resp, err := m.exchange.PlaceMarketOrder(symbol, "SELL", quantityStr)
	if err != nil {
		m.handleSellError(symbol, order, err)
		return
	}

	sold := quantity
	if resp.ExecutedQty > 0 {
		sold = resp.ExecutedQty
	}
	sellPrice := order.EntryPrice
	if resp.ExecutedQty > 0 && resp.CummulativeQuoteQty > 0 {
		sellPrice = resp.CummulativeQuoteQty / resp.ExecutedQty
	}
	profit := (sellPrice-order.EntryPrice)/order.EntryPrice*100 - 2*m.cfg.FeePercent

	m.mu.Lock()
	m.removeOrderLocked(symbol, order)
	m.mu.Unlock()

	m.logger.Info().
		Str("symbol", symbol).
		Str("reason", reason).
		Float64("entry", order.EntryPrice).
		Float64("exit", sellPrice).
		Float64("profit_pct", profit).
		Msg("position closed")

	m.fireTrade(TradeRecord{
		Symbol:        symbol,
		Side:          "SELL",
		OrderID:       resp.OrderID,
		Quantity:      sold,
		Price:         sellPrice,
		QuoteValue:    sellPrice * sold,
		ProfitPercent: profit,
		Reason:        reason,
		Time:          time.Now(),
	})
}

func (m *Manager) handleSellError(symbol string, order *Order, err error) {
	m.mu.Lock()
	order.SellInProgress = false
	order.FailedSells++
	// A balance mismatch means the coins are already gone; retrying
	// would loop forever. Repeated failures of any kind mean the entry
	// can no longer be trusted. Either way it leaves the book and a
	// ghost check follows.
	dropped := binance.IsStateDrift(err) || order.FailedSells >= maxFailedSells
	if dropped {
		m.removeOrderLocked(symbol, order)
	}
	failures := order.FailedSells
	m.mu.Unlock()

	m.logger.Error().
		Str("symbol", symbol).
		Int("failed_sells", failures).
		Bool("dropped", dropped).
		Err(err).
		Msg("sell failed")

	if binance.IsStructural(err) {
		m.problems.Add(symbol, ProblemStructural)
	}
	if dropped {
		m.fireDrift(symbol)
	}
}

// CloseSymbol sells every tracked position on a symbol.
func (m *Manager) CloseSymbol(symbol, reason string) {
	m.mu.Lock()
	orders := append([]*Order(nil), m.orders[symbol]...)
	m.mu.Unlock()
	for _, order := range orders {
		m.closeOrder(symbol, order, reason)
	}
}

// LiquidateAll closes every tracked position and then sweeps any
// remaining sellable balances that were never tracked.
func (m *Manager) LiquidateAll(reason string) {
	for _, symbol := range m.TrackedSymbols() {
		m.CloseSymbol(symbol, reason)
	}
	m.sweepUntracked()
}

// sweepUntracked sells external balances with a sellable notional.
// These were never positions of ours, so the record carries no P/L.
func (m *Manager) sweepUntracked() {
	balances, err := m.exchange.GetBalances()
	if err != nil {
		m.logger.Warn().Err(err).Msg("cannot sweep untracked balances")
		return
	}
	for asset, balance := range balances {
		if asset == m.cfg.QuoteAsset || balance.Free <= m.cfg.DustThreshold {
			continue
		}
		symbol := asset + m.cfg.QuoteAsset
		if m.ExpectedQty(symbol) > 0 {
			continue
		}
		filter, err := m.exchange.GetSymbolFilter(symbol)
		if err != nil || filter == nil {
			continue
		}
		price, err := m.exchange.GetPrice(symbol)
		if err != nil || price <= 0 {
			continue
		}
		quantity := floorToStep(balance.Free, filter.StepSize)
		if quantity <= 0 || quantity*price < filter.MinNotional {
			continue
		}
		quantityStr := binance.FormatQuantity(quantity, filter.StepSize)
		resp, err := m.exchange.PlaceMarketOrder(symbol, "SELL", quantityStr)
		if err != nil {
			m.logger.Warn().Str("symbol", symbol).Err(err).Msg("untracked sweep sell failed")
			continue
		}
		m.fireTrade(TradeRecord{
			Symbol:     symbol,
			Side:       "SELL",
			OrderID:    resp.OrderID,
			Quantity:   quantity,
			Price:      price,
			QuoteValue: quantity * price,
			Note:       "sold untracked balance",
			Time:       time.Now(),
		})
	}
}

// Track registers a position created outside Open, e.g. an adopted
// external balance.
func (m *Manager) Track(order *Order) {
	m.mu.Lock()
	m.orders[order.Symbol] = append(m.orders[order.Symbol], order)
	m.mu.Unlock()
}

// TrackedSymbols returns the symbols with live positions, sorted.
func (m *Manager) TrackedSymbols() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.orders))
	for symbol, orders := range m.orders {
		if len(orders) > 0 {
			out = append(out, symbol)
		}
	}
	sort.Strings(out)
	return out
}

// Snapshot returns copies of every tracked position.
func (m *Manager) Snapshot() []Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Order
	for _, orders := range m.orders {
		for _, order := range orders {
			out = append(out, *order)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

// OrdersFor returns copies of the positions on one symbol, oldest
// first.
func (m *Manager) OrdersFor(symbol string) []Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Order, 0, len(m.orders[symbol]))
	for _, order := range m.orders[symbol] {
		out = append(out, *order)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// ExpectedQty is the total tracked quantity on a symbol.
func (m *Manager) ExpectedQty(symbol string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total float64
	for _, order := range m.orders[symbol] {
		total += order.Quantity
	}
	return total
}

// RemoveOrder drops one tracked position by exchange order ID.
func (m *Manager) RemoveOrder(symbol string, orderID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, order := range m.orders[symbol] {
		if order.OrderID == orderID {
			m.removeOrderLocked(symbol, order)
			return true
		}
	}
	return false
}

// ClearSymbol drops every tracked position on a symbol and returns
// how many were removed.
func (m *Manager) ClearSymbol(symbol string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.orders[symbol])
	delete(m.orders, symbol)
	return n
}

// OpenPositions is the total tracked position count.
func (m *Manager) OpenPositions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, orders := range m.orders {
		n += len(orders)
	}
	return n
}

// Problems exposes the quarantine list snapshot.
func (m *Manager) Problems() []ProblemSymbol {
	return m.problems.Snapshot()
}

func (m *Manager) removeOrderLocked(symbol string, target *Order) {
	orders := m.orders[symbol]
	for i, order := range orders {
		if order == target {
			m.orders[symbol] = append(orders[:i], orders[i+1:]...)
			break
		}
	}
	if len(m.orders[symbol]) == 0 {
		delete(m.orders, symbol)
	}
}

func floorToStep(quantity, step float64) float64 {
	if step <= 0 {
		return quantity
	}
	f, _ := strconv.ParseFloat(binance.FormatQuantity(quantity, step), 64)
	return f
}

func ceilToStep(quantity, step float64) float64 {
	if step <= 0 {
		return quantity
	}
	return math.Ceil(quantity/step-1e-9) * step
}
