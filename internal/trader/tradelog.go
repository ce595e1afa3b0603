package trader

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
)

// TradeLog is the append-only audit trail. One JSON object per line,
// write-only: nothing in the bot reads it back.
type TradeLog struct {
	mu     sync.Mutex
	path   string
	logger zerolog.Logger
}

func NewTradeLog(dir string, logger zerolog.Logger) (*TradeLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	return &TradeLog{
		path:   filepath.Join(dir, "trades.log"),
		logger: logger,
	}, nil
}

// Append writes one record. A failed write is logged and swallowed:
// the audit trail must never block trading.
func (l *TradeLog) Append(record TradeRecord) {
	line, err := json.Marshal(record)
	if err != nil {
		l.logger.Error().Err(err).Msg("marshaling trade record")
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		l.logger.Error().Err(err).Msg("opening trade log")
		return
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		l.logger.Error().Err(err).Msg("writing trade record")
	}
}
