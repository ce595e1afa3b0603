package binance

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrorKind classifies an exchange failure so callers can decide
// between retrying, quarantining, or dropping state.
type ErrorKind int

const (
	// KindTransient covers network hiccups and 5xx responses.
	// Safe to retry after a short backoff.
	KindTransient ErrorKind = iota
	// KindRateLimit means the weight budget is exhausted or the IP is
	// banned. Absorbed by the rate limiter, never retried immediately.
	KindRateLimit
	// KindStructural means the request can never succeed as-is
	// (filter violations, invalid symbol, bad precision). Retrying is
	// pointless; the symbol gets quarantined.
	KindStructural
	// KindStateDrift means our view of balances diverged from the
	// exchange (insufficient balance on a sell we believed we held).
	// Triggers reconciliation, not retry.
	KindStateDrift
	// KindAuth covers signature and API-key rejections. Fatal at
	// startup, logged loudly afterwards.
	KindAuth
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimit:
		return "rate_limit"
	case KindStructural:
		return "structural"
	case KindStateDrift:
		return "state_drift"
	case KindAuth:
		return "auth"
	default:
		return "unknown"
	}
}

// APIError is the typed error for every exchange failure, carrying the
// Binance error code and, for bans, the expiry the exchange announced.
type APIError struct {
	Kind     ErrorKind
	Code     int
	Msg      string
	BanUntil time.Time
	Err      error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("binance %s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("binance %s error (code %d): %s", e.Kind, e.Code, e.Msg)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

func newTransportError(err error) *APIError {
	return &APIError{Kind: KindTransient, Err: err}
}

// NewAPIError builds a classified exchange error from a Binance error
// code and message.
func NewAPIError(code int, msg string) *APIError {
	return newAPIError(code, msg)
}

func newAPIError(code int, msg string) *APIError {
	e := &APIError{Kind: classify(code, msg), Code: code, Msg: msg}
	if e.Kind == KindRateLimit {
		e.BanUntil = parseBanUntil(msg)
	}
	return e
}

// classify maps a Binance error code and message onto an ErrorKind.
func classify(code int, msg string) ErrorKind {
	switch code {
	case -1003: // TOO_MANY_REQUESTS / WAF ban
		return KindRateLimit
	case -1013, -1111: // filter failure, bad precision
		return KindStructural
	case -2010: // NEW_ORDER_REJECTED
		lower := strings.ToLower(msg)
		if strings.Contains(lower, "insufficient balance") {
			return KindStateDrift
		}
		if strings.Contains(lower, "notional") || strings.Contains(lower, "lot_size") {
			return KindStructural
		}
		return KindTransient
	case -1022, -2014, -2015: // bad signature / bad API key
		return KindAuth
	}
	upper := strings.ToUpper(msg)
	if strings.Contains(upper, "NOTIONAL") || strings.Contains(upper, "LOT_SIZE") ||
		strings.Contains(strings.ToLower(msg), "invalid quantity") {
		return KindStructural
	}
	return KindTransient
}

// parseBanUntil extracts the millisecond timestamp from a
// "banned until <ms>" message. Zero time when absent or implausible.
func parseBanUntil(msg string) time.Time {
	idx := strings.Index(strings.ToLower(msg), "banned until ")
	if idx < 0 {
		return time.Time{}
	}
	rest := msg[idx+len("banned until "):]
	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	if end == 0 {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(rest[:end], 10, 64)
	if err != nil {
		return time.Time{}
	}
	t := time.UnixMilli(ms)
	// Sanity check: a ban expiry should be in the near future.
	if t.Before(time.Now()) || t.After(time.Now().Add(24*time.Hour)) {
		return time.Time{}
	}
	return t
}

// IsKind reports whether err is an APIError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == kind
}

func IsRateLimit(err error) bool  { return IsKind(err, KindRateLimit) }
func IsStructural(err error) bool { return IsKind(err, KindStructural) }
func IsStateDrift(err error) bool { return IsKind(err, KindStateDrift) }
func IsAuth(err error) bool       { return IsKind(err, KindAuth) }
