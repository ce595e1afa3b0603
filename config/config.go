package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	BinanceConfig      BinanceConfig      `json:"binance"`
	TradingConfig      TradingConfig      `json:"trading"`
	ScreenerConfig     ScreenerConfig     `json:"screener"`
	StrategyConfig     StrategyConfig     `json:"strategy"`
	SchedulerConfig    SchedulerConfig    `json:"scheduler"`
	NotificationConfig NotificationConfig `json:"notification"`
	LoggingConfig      LoggingConfig      `json:"logging"`
	ServerConfig       ServerConfig       `json:"server"`
	AuthConfig         AuthConfig         `json:"auth"`
	VaultConfig        VaultConfig        `json:"vault"`
}

type BinanceConfig struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
	BaseURL   string `json:"base_url"`
	DryRun    bool   `json:"dry_run"` // Simulated exchange, no real orders
}

type TradingConfig struct {
	QuoteAsset              string  `json:"quote_asset"`
	TradeFraction           float64 `json:"trade_fraction"`             // Fraction of quote balance per buy
	ProfitTarget            float64 `json:"profit_target"`              // Percent
	StopLoss                float64 `json:"stop_loss"`                  // Percent
	HighVolProfitTarget     float64 `json:"high_vol_profit_target"`     // Percent, volatile symbols
	HighVolStopLoss         float64 `json:"high_vol_stop_loss"`         // Percent, volatile symbols
	HighVolatilityThreshold float64 `json:"high_volatility_threshold"`  // Stddev percent of 1m returns
	TrailingActivation      float64 `json:"trailing_activation"`        // Fraction of target profit
	TrailingDistance        float64 `json:"trailing_distance"`          // Percent below highest
	FeePercent              float64 `json:"fee_percent"`                // Per side
	MaxOrdersPerSymbol      int     `json:"max_orders_per_symbol"`
	MinQuoteBalance         float64 `json:"min_quote_balance"`          // Skip buys below this
	SignalSuppressionMins   int     `json:"signal_suppression_mins"`    // Ignore repeat buy signals
	DustThreshold           float64 `json:"dust_threshold"`             // Balances below this are noise
}

type ScreenerConfig struct {
	MinQuoteVolume float64  `json:"min_quote_volume"` // 24h quote volume gate
	MaxSymbols     int      `json:"max_symbols"`
	RequireUptrend bool     `json:"require_uptrend"`
	AllowedSymbols []string `json:"allowed_symbols"` // Force-included, still gated on volume
	ExcludeSymbols []string `json:"exclude_symbols"`
	KlineInterval  string   `json:"kline_interval"`
	KlineLimit     int      `json:"kline_limit"`
}

type StrategyConfig struct {
	Name                     string  `json:"name"` // "scalping" or "trendsniper"
	RSIPeriod                int     `json:"rsi_period"`
	RSIOverbought            float64 `json:"rsi_overbought"`
	RSIOversold              float64 `json:"rsi_oversold"`
	EMAShort                 int     `json:"ema_short"`
	EMAMedium                int     `json:"ema_medium"`
	EMALong                  int     `json:"ema_long"`
	BBPeriod                 int     `json:"bb_period"`
	BBStdDev                 float64 `json:"bb_std_dev"`
	MinBuyConditions         int     `json:"min_buy_conditions"`
	MinBuyConditionsHighVol  int     `json:"min_buy_conditions_high_vol"`
	MinSellConditions        int     `json:"min_sell_conditions"`
	MinSellConditionsHighVol int     `json:"min_sell_conditions_high_vol"`
}

type SchedulerConfig struct {
	TickSeconds         int `json:"tick_seconds"`
	UniverseRefreshMins int `json:"universe_refresh_mins"`
	ReconcileMins       int `json:"reconcile_mins"`
	ErrorSleepSeconds   int `json:"error_sleep_seconds"` // Extra sleep after a failed iteration
}

type NotificationConfig struct {
	Enabled  bool           `json:"enabled"`
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

type DiscordConfig struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url"`
}

type LoggingConfig struct {
	Level      string `json:"level"`       // debug, info, warn, error
	JSONFormat bool   `json:"json_format"` // JSON lines instead of console output
	Directory  string `json:"directory"`   // Audit log directory
}

type ServerConfig struct {
	Enabled        bool   `json:"enabled"`
	Port           int    `json:"port"`
	Host           string `json:"host"`
	AllowedOrigins string `json:"allowed_origins"`
}

type AuthConfig struct {
	Enabled       bool          `json:"enabled"`
	JWTSecret     string        `json:"jwt_secret"`
	PasswordHash  string        `json:"password_hash"` // bcrypt hash of the dashboard password
	TokenDuration time.Duration `json:"token_duration"`
}

type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
}

func Load() (*Config, error) {
	cfg, err := loadFromFile("config.json")
	if err != nil {
		cfg = &Config{}
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.BinanceConfig.APIKey = getEnvOrDefault("BINANCE_API_KEY", cfg.BinanceConfig.APIKey)
	cfg.BinanceConfig.SecretKey = getEnvOrDefault("BINANCE_SECRET_KEY", cfg.BinanceConfig.SecretKey)
	cfg.BinanceConfig.BaseURL = getEnvOrDefault("BINANCE_BASE_URL", cfg.BinanceConfig.BaseURL)
	if v := os.Getenv("TRADING_DRY_RUN"); v != "" {
		cfg.BinanceConfig.DryRun = v == "true"
	}

	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	if v := os.Getenv("LOG_JSON"); v != "" {
		cfg.LoggingConfig.JSONFormat = v == "true"
	}

	cfg.StrategyConfig.Name = getEnvOrDefault("STRATEGY_NAME", cfg.StrategyConfig.Name)

	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", cfg.ServerConfig.Port)
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", cfg.ServerConfig.AllowedOrigins)

	if v := os.Getenv("AUTH_ENABLED"); v != "" {
		cfg.AuthConfig.Enabled = v == "true"
	}
	cfg.AuthConfig.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", cfg.AuthConfig.JWTSecret)
	cfg.AuthConfig.PasswordHash = getEnvOrDefault("AUTH_PASSWORD_HASH", cfg.AuthConfig.PasswordHash)

	if v := os.Getenv("VAULT_ENABLED"); v != "" {
		cfg.VaultConfig.Enabled = v == "true"
	}
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", cfg.VaultConfig.Address)
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)

	cfg.NotificationConfig.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.NotificationConfig.Telegram.BotToken)
	cfg.NotificationConfig.Telegram.ChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", cfg.NotificationConfig.Telegram.ChatID)
	cfg.NotificationConfig.Discord.WebhookURL = getEnvOrDefault("DISCORD_WEBHOOK_URL", cfg.NotificationConfig.Discord.WebhookURL)
}

// applyDefaults fills every zero value with the production tuning.
func applyDefaults(cfg *Config) {
	if cfg.BinanceConfig.BaseURL == "" {
		cfg.BinanceConfig.BaseURL = "https://api.binance.com"
	}

	t := &cfg.TradingConfig
	if t.QuoteAsset == "" {
		t.QuoteAsset = "USDT"
	}
	if t.TradeFraction == 0 {
		t.TradeFraction = 0.01
	}
	if t.ProfitTarget == 0 {
		t.ProfitTarget = 1.2
	}
	if t.StopLoss == 0 {
		t.StopLoss = 1.0
	}
	if t.HighVolProfitTarget == 0 {
		t.HighVolProfitTarget = 1.8
	}
	if t.HighVolStopLoss == 0 {
		t.HighVolStopLoss = 1.5
	}
	if t.HighVolatilityThreshold == 0 {
		t.HighVolatilityThreshold = 2.0
	}
	if t.TrailingActivation == 0 {
		t.TrailingActivation = 0.40
	}
	if t.TrailingDistance == 0 {
		t.TrailingDistance = 0.25
	}
	if t.FeePercent == 0 {
		t.FeePercent = 0.1
	}
	if t.MaxOrdersPerSymbol == 0 {
		t.MaxOrdersPerSymbol = 3
	}
	if t.MinQuoteBalance == 0 {
		t.MinQuoteBalance = 10
	}
	if t.SignalSuppressionMins == 0 {
		t.SignalSuppressionMins = 15
	}
	if t.DustThreshold == 0 {
		t.DustThreshold = 0.000001
	}

	sc := &cfg.ScreenerConfig
	if sc.MinQuoteVolume == 0 {
		sc.MinQuoteVolume = 1000000
	}
	if sc.MaxSymbols == 0 {
		sc.MaxSymbols = 10
	}
	if sc.KlineInterval == "" {
		sc.KlineInterval = "1m"
	}
	if sc.KlineLimit == 0 {
		sc.KlineLimit = 100
	}

	st := &cfg.StrategyConfig
	if st.Name == "" {
		st.Name = "scalping"
	}
	if st.RSIPeriod == 0 {
		st.RSIPeriod = 14
	}
	if st.RSIOverbought == 0 {
		st.RSIOverbought = 75
	}
	if st.RSIOversold == 0 {
		st.RSIOversold = 30
	}
	if st.EMAShort == 0 {
		st.EMAShort = 9
	}
	if st.EMAMedium == 0 {
		st.EMAMedium = 21
	}
	if st.EMALong == 0 {
		st.EMALong = 50
	}
	if st.BBPeriod == 0 {
		st.BBPeriod = 20
	}
	if st.BBStdDev == 0 {
		st.BBStdDev = 2
	}
	if st.MinBuyConditions == 0 {
		st.MinBuyConditions = 1
	}
	if st.MinBuyConditionsHighVol == 0 {
		st.MinBuyConditionsHighVol = 2
	}
	if st.MinSellConditions == 0 {
		st.MinSellConditions = 2
	}
	if st.MinSellConditionsHighVol == 0 {
		st.MinSellConditionsHighVol = 1
	}

	sch := &cfg.SchedulerConfig
	if sch.TickSeconds == 0 {
		sch.TickSeconds = 5
	}
	if sch.UniverseRefreshMins == 0 {
		sch.UniverseRefreshMins = 60
	}
	if sch.ReconcileMins == 0 {
		sch.ReconcileMins = 5
	}
	if sch.ErrorSleepSeconds == 0 {
		sch.ErrorSleepSeconds = 30
	}

	if cfg.LoggingConfig.Level == "" {
		cfg.LoggingConfig.Level = "info"
	}
	if cfg.LoggingConfig.Directory == "" {
		cfg.LoggingConfig.Directory = "logs"
	}

	if cfg.ServerConfig.Port == 0 {
		cfg.ServerConfig.Port = 8080
	}
	if cfg.ServerConfig.Host == "" {
		cfg.ServerConfig.Host = "0.0.0.0"
	}
	if cfg.ServerConfig.AllowedOrigins == "" {
		cfg.ServerConfig.AllowedOrigins = "*"
	}

	if cfg.AuthConfig.TokenDuration == 0 {
		cfg.AuthConfig.TokenDuration = 24 * time.Hour
	}

	if cfg.VaultConfig.MountPath == "" {
		cfg.VaultConfig.MountPath = "secret"
	}
	if cfg.VaultConfig.SecretPath == "" {
		cfg.VaultConfig.SecretPath = "trading-bot/api-keys"
	}
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if !c.BinanceConfig.DryRun && !c.VaultConfig.Enabled {
		if c.BinanceConfig.APIKey == "" || c.BinanceConfig.SecretKey == "" {
			return fmt.Errorf("binance api_key and secret_key are required unless dry_run or vault is enabled")
		}
	}
	if c.TradingConfig.TradeFraction <= 0 || c.TradingConfig.TradeFraction > 1 {
		return fmt.Errorf("trade_fraction must be in (0, 1], got %v", c.TradingConfig.TradeFraction)
	}
	if c.AuthConfig.Enabled && c.AuthConfig.JWTSecret == "" {
		return fmt.Errorf("auth enabled but jwt_secret is empty")
	}
	if s := c.StrategyConfig.Name; s != "scalping" && s != "trendsniper" {
		return fmt.Errorf("unknown strategy %q", s)
	}
	return nil
}

// TickInterval returns the scheduler cadence as a duration.
func (c *SchedulerConfig) TickInterval() time.Duration {
	return time.Duration(c.TickSeconds) * time.Second
}

func (c *SchedulerConfig) UniverseRefreshInterval() time.Duration {
	return time.Duration(c.UniverseRefreshMins) * time.Minute
}

func (c *SchedulerConfig) ReconcileInterval() time.Duration {
	return time.Duration(c.ReconcileMins) * time.Minute
}

func (c *SchedulerConfig) ErrorSleep() time.Duration {
	return time.Duration(c.ErrorSleepSeconds) * time.Second
}

// ParseOrigins splits the CORS origin list.
func (c *ServerConfig) ParseOrigins() []string {
	parts := strings.Split(c.AllowedOrigins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
