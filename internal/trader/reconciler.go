package trader

import (
	"fmt"
	"sort"
	"time"

	"spot-trading-bot/config"
	"spot-trading-bot/internal/binance"

	"github.com/rs/zerolog"
)

const (
	// driftTolerance is how far tracked quantity may exceed the real
	// balance before oldest-first eviction kicks in.
	driftTolerance = 0.02
	// clearThresholdRatio: a live balance below this fraction of the
	// tracked total means the position is gone, not drifted.
	clearThresholdRatio = 0.10
	// ghostAge is how old a position must be before its absence from
	// the live open orders marks it as a ghost.
	ghostAge = 24 * time.Hour
	// maxAdoptionsPerCycle keeps one reconciliation from flooding the
	// book with external balances.
	maxAdoptionsPerCycle = 3
	// minAdoptNotional, in quote units, separates adoptable balances
	// from dust the exchange won't let us sell anyway.
	minAdoptNotional = 1.0
)

// Reconciler realigns tracked positions with the exchange's actual
// balances. It only ever removes or adopts state; it never places
// orders.
type Reconciler struct {
	cfg      config.TradingConfig
	exchange Exchange
	manager  *Manager
	logger   zerolog.Logger
}

// Report summarizes what one reconciliation pass changed.
type Report struct {
	ClearedSymbols  []string `json:"clearedSymbols,omitempty"`
	RemovedGhosts   int      `json:"removedGhosts"`
	EvictedForDrift int      `json:"evictedForDrift"`
	Adopted         []string `json:"adopted,omitempty"`
}

func (r *Report) Empty() bool {
	return len(r.ClearedSymbols) == 0 && r.RemovedGhosts == 0 &&
		r.EvictedForDrift == 0 && len(r.Adopted) == 0
}

func NewReconciler(cfg config.TradingConfig, exchange Exchange, manager *Manager, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		cfg:      cfg,
		exchange: exchange,
		manager:  manager,
		logger:   logger.With().Str("component", "reconciler").Logger(),
	}
}

// Reconcile runs one full pass over every tracked symbol, then scans
// for external balances worth adopting. Running it twice in a row is
// a no-op the second time.
func (r *Reconciler) Reconcile() (*Report, error) {
	balances, err := r.exchange.GetBalances()
	if err != nil {
		return nil, fmt.Errorf("fetching balances: %w", err)
	}

	report := &Report{}
	// Symbols tracked at the start of the pass are off limits for
	// adoption: a residue the clear rules just removed must not come
	// straight back as a fresh position.
	tracked := make(map[string]bool)
	for _, symbol := range r.manager.TrackedSymbols() {
		tracked[symbol] = true
		r.reconcileSymbol(symbol, balances, report)
	}
	r.adoptExternal(balances, tracked, report)

	if !report.Empty() {
		r.logger.Info().
			Strs("cleared", report.ClearedSymbols).
			Int("ghosts", report.RemovedGhosts).
			Int("evicted", report.EvictedForDrift).
			Strs("adopted", report.Adopted).
			Msg("reconciliation changed tracked state")
	}
	return report, nil
}

// ReconcileSymbol runs one pass for a single symbol, for the forced
// checks after failed sells.
func (r *Reconciler) ReconcileSymbol(symbol string) (*Report, error) {
	balances, err := r.exchange.GetBalances()
	if err != nil {
		return nil, fmt.Errorf("fetching balances: %w", err)
	}
	report := &Report{}
	r.reconcileSymbol(symbol, balances, report)
	return report, nil
}

func (r *Reconciler) reconcileSymbol(symbol string, balances map[string]binance.Balance, report *Report) {
	orders := r.manager.OrdersFor(symbol)
	if len(orders) == 0 {
		return
	}

	base := orders[0].BaseAsset
	if base == "" {
		base = trimQuote(symbol, r.cfg.QuoteAsset)
	}
	// Locked balance belongs to resting exchange orders, not to us;
	// only the free part can back a tracked position.
	live := balances[base].Free

	// Positions mid-sell are excluded: their coins leave the balance
	// before the tracked entry goes away.
	var expected float64
	for _, o := range orders {
		if o.SellInProgress {
			continue
		}
		expected += o.Quantity
	}

	// Nothing left on the exchange: every tracked entry is stale.
	if live <= r.cfg.DustThreshold {
		n := r.manager.ClearSymbol(symbol)
		report.ClearedSymbols = append(report.ClearedSymbols, symbol)
		r.logger.Warn().Str("symbol", symbol).Int("orders", n).
			Msg("live balance is zero, cleared tracked positions")
		return
	}

	// A tiny remainder means the position was sold elsewhere; what's
	// left is residue, not a position.
	if live < expected*clearThresholdRatio {
		n := r.manager.ClearSymbol(symbol)
		report.ClearedSymbols = append(report.ClearedSymbols, symbol)
		r.logger.Warn().Str("symbol", symbol).Int("orders", n).
			Float64("live", live).Float64("expected", expected).
			Msg("live balance far below tracked, cleared positions")
		return
	}

	// Ghost checks. The open-orders call is only worth its weight
	// when an order is old enough to be suspect.
	var openIDs map[int64]bool
	for _, o := range orders {
		if time.Since(o.OpenedAt) > ghostAge {
			if liveOrders, err := r.exchange.GetOpenOrders(symbol); err == nil {
				openIDs = make(map[int64]bool, len(liveOrders))
				for _, oo := range liveOrders {
					openIDs[oo.OrderID] = true
				}
			}
			break
		}
	}
	for _, o := range orders {
		ghost := o.FailedSells >= maxFailedSells ||
			(openIDs != nil && time.Since(o.OpenedAt) > ghostAge && !openIDs[o.OrderID])
		if ghost && r.manager.RemoveOrder(symbol, o.OrderID) {
			report.RemovedGhosts++
			if !o.SellInProgress {
				expected -= o.Quantity
			}
			r.logger.Warn().Str("symbol", symbol).Int64("order_id", o.OrderID).
				Msg("removed ghost position")
		}
	}

	// Drift: evict oldest positions until the tracked total fits the
	// real balance again. Mid-sell entries resolve themselves and are
	// left alone.
	orders = r.manager.OrdersFor(symbol)
	for expected > live*(1+driftTolerance) && len(orders) > 0 {
		oldest := orders[0]
		orders = orders[1:]
		if oldest.SellInProgress {
			continue
		}
		if !r.manager.RemoveOrder(symbol, oldest.OrderID) {
			continue
		}
		expected -= oldest.Quantity
		report.EvictedForDrift++
		r.logger.Warn().Str("symbol", symbol).Int64("order_id", oldest.OrderID).
			Float64("expected", expected).Float64("live", live).
			Msg("evicted oldest position to resolve drift")
	}
}

// adoptExternal starts tracking non-dust balances that arrived from
// outside (deposits, manual buys) so they get managed exits too.
func (r *Reconciler) adoptExternal(balances map[string]binance.Balance, tracked map[string]bool, report *Report) {
	assets := make([]string, 0, len(balances))
	for asset := range balances {
		assets = append(assets, asset)
	}
	sort.Strings(assets)

	adopted := 0
	for _, asset := range assets {
		if adopted >= maxAdoptionsPerCycle {
			break
		}
		if asset == r.cfg.QuoteAsset {
			continue
		}
		free := balances[asset].Free
		if free <= r.cfg.DustThreshold {
			continue
		}
		symbol := asset + r.cfg.QuoteAsset
		if tracked[symbol] || r.manager.ExpectedQty(symbol) > 0 {
			continue
		}
		filter, err := r.exchange.GetSymbolFilter(symbol)
		if err != nil || filter == nil {
			continue
		}
		price, err := r.exchange.GetPrice(symbol)
		if err != nil || price <= 0 {
			continue
		}
		quantity := floorToStep(free, filter.StepSize)
		if quantity <= 0 || quantity*price < minAdoptNotional {
			continue
		}

		r.manager.Track(&Order{
			Symbol:          symbol,
			BaseAsset:       asset,
			Quantity:        quantity,
			EntryPrice:      price,
			QuoteCost:       quantity * price,
			OpenedAt:        time.Now(),
			Highest:         price,
			StopLoss:        price * (1 - r.cfg.StopLoss/100),
			InitialStopLoss: price * (1 - r.cfg.StopLoss/100),
			ProfitTarget:    r.cfg.ProfitTarget,
			Adopted:         true,
		})
		report.Adopted = append(report.Adopted, symbol)
		adopted++
		r.logger.Info().Str("symbol", symbol).Float64("quantity", quantity).
			Float64("price", price).Msg("adopted external balance")
	}
}

func trimQuote(symbol, quote string) string {
	if len(symbol) > len(quote) && symbol[len(symbol)-len(quote):] == quote {
		return symbol[:len(symbol)-len(quote)]
	}
	return symbol
}
