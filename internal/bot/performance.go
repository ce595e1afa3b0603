package bot

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"spot-trading-bot/internal/trader"

	"github.com/rs/zerolog"
)

// PerformanceTracker accumulates realized results across closed trades
// and appends periodic snapshots to an audit log. Percentages add up
// trade-by-trade; there is no compounding.
type PerformanceTracker struct {
	mu     sync.Mutex
	path   string
	logger zerolog.Logger

	cumulativePL float64
	wins         int
	losses       int
}

// PerformanceSnapshot is one line of the performance log.
type PerformanceSnapshot struct {
	CumulativePLPercent float64   `json:"cumulative_pl_percent"`
	Wins                int       `json:"wins"`
	Losses              int       `json:"losses"`
	WinRate             float64   `json:"win_rate"`
	QuoteBalance        float64   `json:"quote_balance"`
	OpenPositions       int       `json:"open_positions"`
	Time                time.Time `json:"time"`
}

func NewPerformanceTracker(dir string, logger zerolog.Logger) *PerformanceTracker {
	return &PerformanceTracker{
		path:   filepath.Join(dir, "performance.log"),
		logger: logger.With().Str("component", "performance").Logger(),
	}
}

// RecordTrade folds a closed trade into the running totals. Buys and
// zero-P/L bookkeeping entries (untracked sweeps) do not count as
// wins or losses.
func (p *PerformanceTracker) RecordTrade(record trader.TradeRecord) {
	if record.Side != "SELL" {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.cumulativePL += record.ProfitPercent
	if record.ProfitPercent > 0 {
		p.wins++
	} else if record.ProfitPercent < 0 {
		p.losses++
	}
}

// Snapshot returns the current totals combined with live account state.
func (p *PerformanceTracker) Snapshot(quoteBalance float64, openPositions int) PerformanceSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap := PerformanceSnapshot{
		CumulativePLPercent: p.cumulativePL,
		Wins:                p.wins,
		Losses:              p.losses,
		QuoteBalance:        quoteBalance,
		OpenPositions:       openPositions,
		Time:                time.Now(),
	}
	if total := p.wins + p.losses; total > 0 {
		snap.WinRate = float64(p.wins) / float64(total) * 100
	}
	return snap
}

// Persist appends a snapshot as a JSON line. The log is an audit
// trail; a write failure is logged and trading continues.
func (p *PerformanceTracker) Persist(snap PerformanceSnapshot) {
	line, err := json.Marshal(snap)
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to encode performance snapshot")
		return
	}

	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		p.logger.Error().Err(err).Msg("failed to create log directory")
		return
	}
	f, err := os.OpenFile(p.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to open performance log")
		return
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		p.logger.Error().Err(err).Msg("failed to write performance log")
	}
}
