package binance

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Request weights per the exchange's published limits.
const (
	WeightPing         = 1
	WeightServerTime   = 1
	WeightAllPrices    = 2
	WeightTickers24hr  = 40
	WeightKlines       = 5
	WeightAccount      = 10
	WeightExchangeInfo = 2
	WeightOpenOrders   = 3
	WeightOrder        = 1
)

const (
	defaultMaxWeight = 1000
	defaultWindow    = time.Minute
	maxBanWait       = 60 * time.Second
)

// RateLimiter tracks the used request weight inside a rolling window
// and blocks callers that would overflow it. It also absorbs explicit
// ban signals from the exchange. This is the one structure shared
// between the trading loop and dashboard-initiated actions, so all
// counters live behind a mutex.
type RateLimiter struct {
	mu          sync.Mutex
	maxWeight   int
	window      time.Duration
	usedWeight  int
	windowStart time.Time
	bannedUntil time.Time
	logger      zerolog.Logger
}

func NewRateLimiter(logger zerolog.Logger) *RateLimiter {
	return newRateLimiter(defaultMaxWeight, defaultWindow, logger)
}

func newRateLimiter(maxWeight int, window time.Duration, logger zerolog.Logger) *RateLimiter {
	return &RateLimiter{
		maxWeight:   maxWeight,
		window:      window,
		windowStart: time.Now(),
		logger:      logger.With().Str("component", "rate_limiter").Logger(),
	}
}

// Charge blocks until the window can absorb the given weight, then
// records it. The wait is recomputed after every sleep because the
// window may have rolled over or a ban may have landed in between.
func (r *RateLimiter) Charge(weight int) {
	for {
		r.mu.Lock()
		now := time.Now()

		if wait := r.bannedUntil.Sub(now); wait > 0 {
			r.mu.Unlock()
			r.logger.Warn().Dur("wait", wait).Msg("banned, waiting before next request")
			time.Sleep(wait)
			continue
		}

		if now.Sub(r.windowStart) >= r.window {
			r.usedWeight = 0
			r.windowStart = now
		}

		if r.usedWeight+weight <= r.maxWeight {
			r.usedWeight += weight
			r.mu.Unlock()
			return
		}

		used := r.usedWeight
		wait := r.window - now.Sub(r.windowStart)
		r.mu.Unlock()
		if wait < 0 {
			wait = 0
		}
		r.logger.Warn().
			Int("used", used).
			Int("requested", weight).
			Dur("wait", wait).
			Msg("weight budget exhausted, waiting for window reset")
		time.Sleep(wait)
	}
}

// ReportBan records a ban announced by the exchange. A zero until
// means the exchange gave no expiry; in both cases the wait is capped
// so a garbled timestamp cannot stall the bot indefinitely.
func (r *RateLimiter) ReportBan(until time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	wait := until.Sub(now)
	if wait <= 0 || wait > maxBanWait {
		wait = maxBanWait
	}
	r.bannedUntil = now.Add(wait)
	r.usedWeight = 0
	r.windowStart = now
	r.logger.Warn().Time("until", r.bannedUntil).Msg("exchange ban recorded")
}

// Usage is a point-in-time snapshot for the status endpoint.
type Usage struct {
	UsedWeight  int       `json:"usedWeight"`
	MaxWeight   int       `json:"maxWeight"`
	WindowReset time.Time `json:"windowReset"`
	BannedUntil time.Time `json:"bannedUntil,omitempty"`
}

// CurrentUsage returns the live weight counters.
func (r *RateLimiter) CurrentUsage() Usage {
	r.mu.Lock()
	defer r.mu.Unlock()

	used := r.usedWeight
	if time.Since(r.windowStart) >= r.window {
		used = 0
	}
	return Usage{
		UsedWeight:  used,
		MaxWeight:   r.maxWeight,
		WindowReset: r.windowStart.Add(r.window),
		BannedUntil: r.bannedUntil,
	}
}
