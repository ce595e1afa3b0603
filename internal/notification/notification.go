package notification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"spot-trading-bot/config"
	"spot-trading-bot/internal/trader"

	"github.com/rs/zerolog"
)

// Notifier delivers a plain-text message to one channel.
type Notifier interface {
	Name() string
	Send(message string) error
}

// Manager fans trade and error notifications out to every configured
// channel. Delivery is fire-and-forget; a dead webhook never blocks
// the trading loop.
type Manager struct {
	enabled   bool
	notifiers []Notifier
	logger    zerolog.Logger
}

func NewManager(cfg config.NotificationConfig, logger zerolog.Logger) *Manager {
	m := &Manager{
		enabled: cfg.Enabled,
		logger:  logger.With().Str("component", "notification").Logger(),
	}
	if cfg.Telegram.Enabled && cfg.Telegram.BotToken != "" {
		m.notifiers = append(m.notifiers, NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID))
	}
	if cfg.Discord.Enabled && cfg.Discord.WebhookURL != "" {
		m.notifiers = append(m.notifiers, NewDiscord(cfg.Discord.WebhookURL))
	}
	return m
}

// NotifyTrade announces an executed trade.
func (m *Manager) NotifyTrade(record trader.TradeRecord) {
	if record.Side == "BUY" {
		m.send(fmt.Sprintf("🟢 BUY %s: %.8g @ %.8g (cost %.2f)",
			record.Symbol, record.Quantity, record.Price, record.QuoteValue))
		return
	}
	emoji := "🔴"
	if record.ProfitPercent > 0 {
		emoji = "💰"
	}
	m.send(fmt.Sprintf("%s SELL %s: %.8g @ %.8g, P/L %.2f%% (%s)",
		emoji, record.Symbol, record.Quantity, record.Price, record.ProfitPercent, record.Reason))
}

// NotifyError announces a failure worth a human's attention.
func (m *Manager) NotifyError(source string, err error) {
	m.send(fmt.Sprintf("⚠️ %s: %v", source, err))
}

func (m *Manager) send(message string) {
	if !m.enabled {
		return
	}
	for _, n := range m.notifiers {
		go func(n Notifier) {
			if err := n.Send(message); err != nil {
				m.logger.Warn().Str("channel", n.Name()).Err(err).Msg("notification failed")
			}
		}(n)
	}
}

// TelegramNotifier sends messages through the Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	client   *http.Client
}

func NewTelegram(botToken, chatID string) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramNotifier) Name() string { return "telegram" }

func (t *TelegramNotifier) Send(message string) error {
	payload, err := json.Marshal(map[string]string{
		"chat_id": t.chatID,
		"text":    message,
	})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)
	resp, err := t.client.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram returned status %d", resp.StatusCode)
	}
	return nil
}

// DiscordNotifier posts messages to a channel webhook.
type DiscordNotifier struct {
	webhookURL string
	client     *http.Client
}

func NewDiscord(webhookURL string) *DiscordNotifier {
	return &DiscordNotifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordNotifier) Name() string { return "discord" }

func (d *DiscordNotifier) Send(message string) error {
	payload, err := json.Marshal(map[string]string{"content": message})
	if err != nil {
		return err
	}
	resp, err := d.client.Post(d.webhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("discord returned status %d", resp.StatusCode)
	}
	return nil
}
