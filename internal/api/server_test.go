package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"spot-trading-bot/config"
	"spot-trading-bot/internal/bot"
	"spot-trading-bot/internal/events"
	"spot-trading-bot/internal/trader"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

type stubBot struct {
	running      bool
	startErr     error
	stopCalls    int
	sellAllCalls int
}

func (s *stubBot) Start() error {
	if s.startErr != nil {
		return s.startErr
	}
	s.running = true
	return nil
}

func (s *stubBot) Stop()           { s.stopCalls++; s.running = false }
func (s *stubBot) IsRunning() bool { return s.running }
func (s *stubBot) SellAll()        { s.sellAllCalls++ }

func (s *stubBot) Status() bot.Status {
	return bot.Status{Running: s.running, Strategy: "scalping", Universe: []string{"BTCUSDT"}}
}

func (s *stubBot) AnalysisSnapshot() []bot.Analysis {
	return []bot.Analysis{{Symbol: "BTCUSDT", Price: 50000, Signal: "HOLD", Status: "watching"}}
}

func newTestServer(t *testing.T, authCfg config.AuthConfig, stub *stubBot) *Server {
	t.Helper()

	logger := zerolog.Nop()
	problems := trader.NewProblemList(logger)
	tradeLog, err := trader.NewTradeLog(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("NewTradeLog: %v", err)
	}
	manager := trader.NewManager(config.TradingConfig{QuoteAsset: "USDT"}, nil, problems, tradeLog, logger)

	cfg := config.ServerConfig{Enabled: true, Port: 0, Host: "127.0.0.1", AllowedOrigins: "*"}
	return NewServer(cfg, authCfg, stub, manager, events.NewEventBus(), logger)
}

func doRequest(s *Server, method, path, body, token string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, config.AuthConfig{}, &stubBot{})

	w := doRequest(s, http.MethodGet, "/health", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	s := newTestServer(t, config.AuthConfig{}, &stubBot{running: true})

	w := doRequest(s, http.MethodGet, "/api/status", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var status bot.Status
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if !status.Running || status.Strategy != "scalping" {
		t.Errorf("status = %+v", status)
	}
}

func TestBotStartConflict(t *testing.T) {
	stub := &stubBot{startErr: fmt.Errorf("bot already running")}
	s := newTestServer(t, config.AuthConfig{}, stub)

	w := doRequest(s, http.MethodPost, "/api/bot/start", "", "")
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
}

func TestSellAllInvokesBot(t *testing.T) {
	stub := &stubBot{}
	s := newTestServer(t, config.AuthConfig{}, stub)

	w := doRequest(s, http.MethodPost, "/api/bot/sell-all", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if stub.sellAllCalls != 1 {
		t.Errorf("sell-all calls = %d, want 1", stub.sellAllCalls)
	}
}

func TestTradesNewestFirst(t *testing.T) {
	s := newTestServer(t, config.AuthConfig{}, &stubBot{})

	s.RecordTrade(trader.TradeRecord{Symbol: "AAAUSDT", Side: "SELL", Time: time.Now().Add(-time.Minute)})
	s.RecordTrade(trader.TradeRecord{Symbol: "BBBUSDT", Side: "SELL", Time: time.Now()})

	w := doRequest(s, http.MethodGet, "/api/trades", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var body struct {
		Trades []trader.TradeRecord `json:"trades"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if len(body.Trades) != 2 || body.Trades[0].Symbol != "BBBUSDT" {
		t.Errorf("trades = %+v, want newest first", body.Trades)
	}
}

func TestAuthProtectsAPI(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("opensesame"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	authCfg := config.AuthConfig{
		Enabled:       true,
		JWTSecret:     "test-secret",
		PasswordHash:  string(hash),
		TokenDuration: time.Hour,
	}
	s := newTestServer(t, authCfg, &stubBot{})

	if w := doRequest(s, http.MethodGet, "/api/status", "", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", w.Code)
	}

	if w := doRequest(s, http.MethodPost, "/api/auth/login", `{"password":"wrong"}`, ""); w.Code != http.StatusUnauthorized {
		t.Errorf("bad password status = %d, want 401", w.Code)
	}

	w := doRequest(s, http.MethodPost, "/api/auth/login", `{"password":"opensesame"}`, "")
	if w.Code != http.StatusOK {
		t.Fatalf("login status = %d, want 200", w.Code)
	}
	var login struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &login); err != nil {
		t.Fatalf("decoding login: %v", err)
	}
	if login.Token == "" {
		t.Fatal("login returned empty token")
	}

	if w := doRequest(s, http.MethodGet, "/api/status", "", login.Token); w.Code != http.StatusOK {
		t.Errorf("authenticated status = %d, want 200", w.Code)
	}

	if w := doRequest(s, http.MethodGet, "/api/status", "", "not-a-token"); w.Code != http.StatusUnauthorized {
		t.Errorf("garbage token status = %d, want 401", w.Code)
	}
}
