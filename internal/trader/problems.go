package trader

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ProblemKind distinguishes failures that can never succeed from
// those that may clear up on their own.
type ProblemKind int

const (
	// ProblemStructural covers filter violations and invalid pairs.
	// Long bench: the symbol's constraints won't change soon.
	ProblemStructural ProblemKind = iota
	// ProblemTransient covers temporary failures like insufficient
	// funds. Short bench.
	ProblemTransient
)

func (k ProblemKind) String() string {
	if k == ProblemStructural {
		return "structural"
	}
	return "transient"
}

const (
	structuralQuarantine = 24 * time.Hour
	transientQuarantine  = time.Hour
)

// ProblemSymbol is one quarantine entry, surfaced on the status
// endpoint.
type ProblemSymbol struct {
	Symbol string      `json:"symbol"`
	Kind   ProblemKind `json:"kind"`
	Until  time.Time   `json:"until"`
}

// ProblemList benches symbols after order failures so the bot stops
// burning its weight budget on requests that keep failing.
type ProblemList struct {
	mu      sync.Mutex
	entries map[string]ProblemSymbol
	logger  zerolog.Logger
}

func NewProblemList(logger zerolog.Logger) *ProblemList {
	return &ProblemList{
		entries: make(map[string]ProblemSymbol),
		logger:  logger.With().Str("component", "problems").Logger(),
	}
}

// Add benches a symbol. A structural report extends an existing
// transient bench; a transient report never shortens a structural one.
func (p *ProblemList) Add(symbol string, kind ProblemKind) {
	p.add(symbol, kind, time.Now())
}

func (p *ProblemList) add(symbol string, kind ProblemKind, now time.Time) {
	duration := transientQuarantine
	if kind == ProblemStructural {
		duration = structuralQuarantine
	}
	until := now.Add(duration)

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.entries[symbol]; ok && existing.Until.After(until) {
		return
	}
	p.entries[symbol] = ProblemSymbol{Symbol: symbol, Kind: kind, Until: until}
	p.logger.Warn().
		Str("symbol", symbol).
		Str("kind", kind.String()).
		Time("until", until).
		Msg("symbol quarantined")
}

// IsQuarantined reports whether the symbol is still benched. The
// bench ends at exactly the recorded expiry.
func (p *ProblemList) IsQuarantined(symbol string) bool {
	return p.quarantinedAt(symbol, time.Now())
}

func (p *ProblemList) quarantinedAt(symbol string, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.entries[symbol]
	if !ok {
		return false
	}
	if !now.Before(entry.Until) {
		delete(p.entries, symbol)
		return false
	}
	return true
}

// Clear lifts a bench early, e.g. after a successful buy.
func (p *ProblemList) Clear(symbol string) {
	p.mu.Lock()
	delete(p.entries, symbol)
	p.mu.Unlock()
}

// Snapshot returns the live entries sorted by symbol.
func (p *ProblemList) Snapshot() []ProblemSymbol {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ProblemSymbol, 0, len(p.entries))
	for sym, entry := range p.entries {
		if !now.Before(entry.Until) {
			delete(p.entries, sym)
			continue
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
