package bot

import (
	"fmt"
	"sync"
	"time"

	"spot-trading-bot/config"
	"spot-trading-bot/internal/binance"
	"spot-trading-bot/internal/events"
	"spot-trading-bot/internal/screener"
	"spot-trading-bot/internal/strategy"
	"spot-trading-bot/internal/trader"

	"github.com/rs/zerolog"
)

// Exchange is the market-data surface the scheduler reads from.
type Exchange interface {
	GetPrice(symbol string) (float64, error)
	GetKlines(symbol, interval string, limit int) ([]binance.Kline, error)
	GetBalances() (map[string]binance.Balance, error)
	Usage() binance.Usage
	CacheStats() binance.CacheStats
}

// Analysis is the per-symbol view the dashboard renders.
type Analysis struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Uptrend   bool      `json:"uptrend"`
	Signal    string    `json:"signal"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Status summarizes the bot for the dashboard.
type Status struct {
	Running       bool                `json:"running"`
	Strategy      string              `json:"strategy"`
	Universe      []string            `json:"universe"`
	OpenPositions int                 `json:"open_positions"`
	StartedAt     time.Time           `json:"started_at,omitempty"`
	Performance   PerformanceSnapshot `json:"performance"`
	RateLimit     binance.Usage       `json:"rate_limit"`
	Cache         binance.CacheStats  `json:"cache"`
}

// Bot is the single trading thread of control. One goroutine walks
// the universe on a fixed cadence; everything the loop owns (universe,
// analysis, tracked positions) is mutated only from that goroutine,
// and the dashboard reads through snapshots.
type Bot struct {
	cfg        *config.Config
	exchange   Exchange
	manager    *trader.Manager
	reconciler *trader.Reconciler
	screener   *screener.Screener
	strategy   strategy.Strategy
	bus        *events.EventBus
	perf       *PerformanceTracker
	logger     zerolog.Logger

	mu        sync.RWMutex
	running   bool
	startedAt time.Time
	universe  []string
	analysis  map[string]Analysis
	stopChan  chan struct{}
	wg        sync.WaitGroup

	dirtyMu        sync.Mutex
	reconcileDirty bool

	lastUniverseRefresh time.Time
	lastReconcile       time.Time
}

func New(cfg *config.Config, exchange Exchange, manager *trader.Manager, reconciler *trader.Reconciler, scr *screener.Screener, strat strategy.Strategy, bus *events.EventBus, perf *PerformanceTracker, logger zerolog.Logger) *Bot {
	return &Bot{
		cfg:        cfg,
		exchange:   exchange,
		manager:    manager,
		reconciler: reconciler,
		screener:   scr,
		strategy:   strat,
		bus:        bus,
		perf:       perf,
		logger:     logger.With().Str("component", "bot").Logger(),
		analysis:   make(map[string]Analysis),
	}
}

// Start launches the trading loop. Idempotent while running.
func (b *Bot) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return fmt.Errorf("bot already running")
	}

	b.running = true
	b.startedAt = time.Now()
	b.stopChan = make(chan struct{})
	b.lastUniverseRefresh = time.Time{}
	b.lastReconcile = time.Now()

	b.wg.Add(1)
	go b.run(b.stopChan)

	b.logger.Info().Str("strategy", b.strategy.Name()).Msg("trading bot started")
	if b.bus != nil {
		b.bus.Publish(events.Event{Type: events.EventBotStarted, Data: map[string]interface{}{
			"strategy": b.strategy.Name(),
		}})
	}
	return nil
}

// Stop signals the loop and waits for the current iteration to finish.
func (b *Bot) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	close(b.stopChan)
	b.mu.Unlock()

	b.wg.Wait()
	b.logger.Info().Msg("trading bot stopped")
	if b.bus != nil {
		b.bus.Publish(events.Event{Type: events.EventBotStopped, Data: map[string]interface{}{}})
	}
}

// IsRunning reports whether the trading loop is active.
func (b *Bot) IsRunning() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.running
}

// MarkReconcileNeeded requests a reconciliation pass on the next
// iteration. Wired as the position manager's drift handler.
func (b *Bot) MarkReconcileNeeded(symbol string) {
	b.dirtyMu.Lock()
	b.reconcileDirty = true
	b.dirtyMu.Unlock()
	b.logger.Warn().Str("symbol", symbol).Msg("state drift reported, reconciliation scheduled")
}

// SellAll liquidates every position, tracked or not, and schedules a
// reconciliation to pick up the aftermath.
func (b *Bot) SellAll() {
	b.manager.LiquidateAll("manual_sell_all")
	b.MarkReconcileNeeded("*")
}

// Status returns a dashboard summary.
func (b *Bot) Status() Status {
	b.mu.RLock()
	running := b.running
	startedAt := b.startedAt
	universe := append([]string(nil), b.universe...)
	b.mu.RUnlock()

	quote := 0.0
	if balances, err := b.exchange.GetBalances(); err == nil {
		quote = balances[b.cfg.TradingConfig.QuoteAsset].Free
	}

	open := b.manager.OpenPositions()
	return Status{
		Running:       running,
		Strategy:      b.strategy.Name(),
		Universe:      universe,
		OpenPositions: open,
		StartedAt:     startedAt,
		Performance:   b.perf.Snapshot(quote, open),
		RateLimit:     b.exchange.Usage(),
		Cache:         b.exchange.CacheStats(),
	}
}

// AnalysisSnapshot returns the latest per-symbol analysis.
func (b *Bot) AnalysisSnapshot() []Analysis {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Analysis, 0, len(b.analysis))
	for _, a := range b.analysis {
		out = append(out, a)
	}
	return out
}

func (b *Bot) run(stop <-chan struct{}) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.SchedulerConfig.TickInterval())
	defer ticker.Stop()

	// First iteration immediately so the universe exists before the
	// first tick elapses.
	if err := b.iterate(); err != nil {
		b.iterationFailed(err, stop)
	}

	for {
		select {
		case <-ticker.C:
			if err := b.iterate(); err != nil {
				b.iterationFailed(err, stop)
			}
		case <-stop:
			return
		}
	}
}

// iterationFailed logs the error and backs off so a broken upstream
// does not get hammered every tick.
func (b *Bot) iterationFailed(err error, stop <-chan struct{}) {
	b.logger.Error().Err(err).Msg("trading iteration failed")
	if b.bus != nil {
		b.bus.PublishError("bot", "trading iteration failed", err)
	}
	select {
	case <-time.After(b.cfg.SchedulerConfig.ErrorSleep()):
	case <-stop:
	}
}

// iterate runs one pass of the trading loop. A panic in any stage is
// converted into an error so one bad symbol cannot kill the loop.
func (b *Bot) iterate() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("iteration panic: %v", r)
		}
	}()

	now := time.Now()

	if b.lastUniverseRefresh.IsZero() || now.Sub(b.lastUniverseRefresh) >= b.cfg.SchedulerConfig.UniverseRefreshInterval() {
		if err := b.refreshUniverse(); err != nil {
			return fmt.Errorf("universe refresh: %w", err)
		}
		b.lastUniverseRefresh = now
	}

	b.dirtyMu.Lock()
	dirty := b.reconcileDirty
	b.reconcileDirty = false
	b.dirtyMu.Unlock()

	if dirty || now.Sub(b.lastReconcile) >= b.cfg.SchedulerConfig.ReconcileInterval() {
		b.reconcile()
		b.lastReconcile = now
	}

	// Exits first: tracked positions are checked against live prices
	// before any new entries are considered.
	b.manager.EvaluateAll()

	b.mu.RLock()
	universe := append([]string(nil), b.universe...)
	b.mu.RUnlock()

	for _, symbol := range universe {
		b.evaluateSymbol(symbol)
	}

	b.persistPerformance()
	return nil
}

func (b *Bot) refreshUniverse() error {
	uni, err := b.screener.SelectUniverse()
	if err != nil {
		return err
	}

	// Dropped symbols with positions are liquidated rather than left
	// to drift unwatched.
	for _, symbol := range uni.Dropped {
		if len(b.manager.OrdersFor(symbol)) > 0 {
			b.logger.Info().Str("symbol", symbol).Msg("liquidating position on dropped symbol")
			b.manager.CloseSymbol(symbol, "universe_drop")
		}
	}

	b.mu.Lock()
	b.universe = uni.Symbols
	for symbol := range b.analysis {
		if !contains(uni.Symbols, symbol) {
			delete(b.analysis, symbol)
		}
	}
	b.mu.Unlock()

	b.logger.Info().Int("symbols", len(uni.Symbols)).Int("dropped", len(uni.Dropped)).Msg("universe refreshed")
	if b.bus != nil {
		b.bus.PublishUniverseUpdate(uni.Symbols, uni.Dropped)
	}
	return nil
}

func (b *Bot) reconcile() {
	report, err := b.reconciler.Reconcile()
	if err != nil {
		b.logger.Error().Err(err).Msg("reconciliation failed")
		return
	}
	if report.Empty() {
		return
	}

	b.logger.Info().
		Strs("cleared", report.ClearedSymbols).
		Strs("adopted", report.Adopted).
		Int("ghosts", report.RemovedGhosts).
		Int("evicted", report.EvictedForDrift).
		Msg("reconciliation applied")
	if b.bus != nil {
		b.bus.PublishReconciliation(report.ClearedSymbols, report.Adopted, report.RemovedGhosts, report.EvictedForDrift)
	}
}

func (b *Bot) evaluateSymbol(symbol string) {
	price, err := b.exchange.GetPrice(symbol)
	if err != nil {
		b.logger.Warn().Str("symbol", symbol).Err(err).Msg("price fetch failed")
		return
	}

	klines, err := b.exchange.GetKlines(symbol, b.cfg.ScreenerConfig.KlineInterval, b.cfg.ScreenerConfig.KlineLimit)
	if err != nil {
		b.logger.Warn().Str("symbol", symbol).Err(err).Msg("klines fetch failed")
		return
	}

	signal := "HOLD"
	switch {
	case b.strategy.ShouldBuy(klines):
		signal = "BUY"
		if err := b.manager.Open(symbol); err != nil {
			b.logger.Warn().Str("symbol", symbol).Err(err).Msg("buy failed")
		}
	case b.strategy.ShouldSell(klines):
		signal = "SELL"
		if len(b.manager.OrdersFor(symbol)) > 0 {
			b.manager.CloseSymbol(symbol, "strategy_signal")
		}
	}

	status := "watching"
	if len(b.manager.OrdersFor(symbol)) > 0 {
		status = "holding"
	}

	b.mu.Lock()
	b.analysis[symbol] = Analysis{
		Symbol:    symbol,
		Price:     price,
		Uptrend:   b.strategy.DetectUptrend(klines),
		Signal:    signal,
		Status:    status,
		UpdatedAt: time.Now(),
	}
	b.mu.Unlock()
}

func (b *Bot) persistPerformance() {
	quote := 0.0
	if balances, err := b.exchange.GetBalances(); err == nil {
		quote = balances[b.cfg.TradingConfig.QuoteAsset].Free
	}
	b.perf.Persist(b.perf.Snapshot(quote, b.manager.OpenPositions()))
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
