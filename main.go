package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"spot-trading-bot/config"
	"spot-trading-bot/internal/api"
	"spot-trading-bot/internal/binance"
	"spot-trading-bot/internal/bot"
	"spot-trading-bot/internal/events"
	"spot-trading-bot/internal/notification"
	"spot-trading-bot/internal/screener"
	"spot-trading-bot/internal/strategy"
	"spot-trading-bot/internal/trader"
	"spot-trading-bot/internal/vault"

	"github.com/rs/zerolog"
)

// paperBalance seeds the simulated exchange in dry-run mode.
const paperBalance = 10000.0

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := bootstrapLogger()
		boot.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := newLogger(cfg.LoggingConfig)
	logger.Info().
		Str("strategy", cfg.StrategyConfig.Name).
		Bool("dry_run", cfg.BinanceConfig.DryRun).
		Msg("starting spot trading bot")

	apiKey, secretKey := cfg.BinanceConfig.APIKey, cfg.BinanceConfig.SecretKey
	if cfg.VaultConfig.Enabled {
		vaultClient, err := vault.NewClient(cfg.VaultConfig)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create vault client")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := vaultClient.Health(ctx); err != nil {
			cancel()
			logger.Fatal().Err(err).Msg("vault health check failed")
		}
		creds, err := vaultClient.GetCredentials(ctx)
		cancel()
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to read exchange credentials from vault")
		}
		apiKey, secretKey = creds.APIKey, creds.SecretKey
		logger.Info().Msg("exchange credentials loaded from vault")
	}

	var exchangeAPI binance.ExchangeAPI
	if cfg.BinanceConfig.DryRun {
		mock := binance.NewMockClient()
		mock.SetBalance(cfg.TradingConfig.QuoteAsset, paperBalance)
		exchangeAPI = mock
		logger.Warn().Float64("balance", paperBalance).Msg("dry run: using simulated exchange")
	} else {
		exchangeAPI = binance.NewClient(apiKey, secretKey, cfg.BinanceConfig.BaseURL, logger)
	}

	limiter := binance.NewRateLimiter(logger)
	gateway := binance.NewGateway(exchangeAPI, limiter, logger)
	if err := gateway.Connect(); err != nil {
		logger.Fatal().Err(err).Msg("exchange connection failed")
	}
	logger.Info().Msg("exchange connection established")

	bus := events.NewEventBus()
	notifier := notification.NewManager(cfg.NotificationConfig, logger)
	bus.Subscribe(events.EventError, func(event events.Event) {
		source, _ := event.Data["source"].(string)
		message, _ := event.Data["message"].(string)
		notifier.NotifyError(source, fmt.Errorf("%s", message))
	})

	problems := trader.NewProblemList(logger)
	tradeLog, err := trader.NewTradeLog(cfg.LoggingConfig.Directory, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open trade log")
	}
	manager := trader.NewManager(cfg.TradingConfig, gateway, problems, tradeLog, logger)
	reconciler := trader.NewReconciler(cfg.TradingConfig, gateway, manager, logger)

	stratCfg := strategy.Config{
		RSIPeriod:                cfg.StrategyConfig.RSIPeriod,
		RSIOverbought:            cfg.StrategyConfig.RSIOverbought,
		RSIOversold:              cfg.StrategyConfig.RSIOversold,
		EMAShort:                 cfg.StrategyConfig.EMAShort,
		EMAMedium:                cfg.StrategyConfig.EMAMedium,
		EMALong:                  cfg.StrategyConfig.EMALong,
		BBPeriod:                 cfg.StrategyConfig.BBPeriod,
		BBStdDev:                 cfg.StrategyConfig.BBStdDev,
		MinBuyConditions:         cfg.StrategyConfig.MinBuyConditions,
		MinBuyConditionsHighVol:  cfg.StrategyConfig.MinBuyConditionsHighVol,
		MinSellConditions:        cfg.StrategyConfig.MinSellConditions,
		MinSellConditionsHighVol: cfg.StrategyConfig.MinSellConditionsHighVol,
		HighVolatilityThreshold:  cfg.TradingConfig.HighVolatilityThreshold,
	}
	strat, err := strategy.New(cfg.StrategyConfig.Name, stratCfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build strategy")
	}

	scr := screener.New(cfg.ScreenerConfig, cfg.TradingConfig.QuoteAsset, gateway, problems, logger)
	perf := bot.NewPerformanceTracker(cfg.LoggingConfig.Directory, logger)

	tradingBot := bot.New(cfg, gateway, manager, reconciler, scr, strat, bus, perf, logger)
	manager.SetDriftHandler(tradingBot.MarkReconcileNeeded)

	var server *api.Server
	if cfg.ServerConfig.Enabled {
		server = api.NewServer(cfg.ServerConfig, cfg.AuthConfig, tradingBot, manager, bus, logger)
		go func() {
			if err := server.Start(); err != nil {
				logger.Fatal().Err(err).Msg("dashboard server failed")
			}
		}()
	}

	manager.SetTradeHandler(func(record trader.TradeRecord) {
		perf.RecordTrade(record)
		bus.PublishTrade(record.Symbol, record.Side, record.Reason, record.Price, record.Quantity, record.ProfitPercent)
		notifier.NotifyTrade(record)
		if server != nil {
			server.RecordTrade(record)
		}
	})

	if err := tradingBot.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start trading bot")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	tradingBot.Stop()
	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := server.Stop(ctx); err != nil {
			logger.Error().Err(err).Msg("dashboard shutdown failed")
		}
		cancel()
	}
	logger.Info().Msg("shutdown complete")
}

func bootstrapLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
}

func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var out io.Writer = os.Stdout
	if !cfg.JSONFormat {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}
