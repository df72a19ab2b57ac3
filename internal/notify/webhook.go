// Package notify delivers admin-facing pool events to Discord and
// Telegram webhooks, subscribing to the Message Bus's admin topic
// instead of being called directly out of payout/block-maturity code
// the way the teacher's Master did.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/corepool/stratumd/internal/bus"
	"github.com/corepool/stratumd/internal/log"
)

// WebhookConfig holds webhook configuration
type WebhookConfig struct {
	DiscordURL   string `mapstructure:"discord_url"`
	TelegramBot  string `mapstructure:"telegram_bot"`
	TelegramChat string `mapstructure:"telegram_chat"`
	Enabled      bool   `mapstructure:"enabled"`
	PoolName     string `mapstructure:"pool_name"`
}

const (
	maxRetries     = 3
	retryBaseDelay = 2 * time.Second
)

// Notifier subscribes to bus.TopicAdmin and relays every notification
// to whichever webhooks are configured.
type Notifier struct {
	cfg    WebhookConfig
	client *http.Client
	quit   chan struct{}
}

// NewNotifier constructs a Notifier. It does not start consuming
// events until Start is called.
func NewNotifier(cfg WebhookConfig) *Notifier {
	return &Notifier{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		quit:   make(chan struct{}),
	}
}

// Start subscribes to b's admin topic and relays events until Stop.
func (n *Notifier) Start(b *bus.Bus) {
	if !n.cfg.Enabled {
		return
	}
	events := b.Subscribe(bus.TopicAdmin)
	go n.consume(events)
}

// Stop halts the consumer goroutine.
func (n *Notifier) Stop() {
	close(n.quit)
}

func (n *Notifier) consume(events <-chan bus.Event) {
	for {
		select {
		case <-n.quit:
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			notification, ok := evt.Payload.(*bus.AdminNotification)
			if !ok {
				continue
			}
			n.dispatch(notification)
		}
	}
}

func (n *Notifier) dispatch(a *bus.AdminNotification) {
	title, color := classify(a.Kind)
	text := fmt.Sprintf("%s: %s (pool %s, height %d)", title, a.Message, a.PoolID, a.Height)

	if n.cfg.DiscordURL != "" {
		go n.sendDiscord(title, text, color, a)
	}
	if n.cfg.TelegramBot != "" && n.cfg.TelegramChat != "" {
		go n.sendTelegram(text)
	}
}

func classify(kind bus.AdminNotificationKind) (title string, color int) {
	switch kind {
	case bus.AdminBlockAccepted:
		return "Block Found", 0x00FF00
	case bus.AdminBlockSubmitFailed:
		return "Block Submission Failed", 0xFF0000
	case bus.AdminDaemonsUnreachable:
		return "Daemons Unreachable", 0xFFA500
	default:
		return string(kind), 0x808080
	}
}

type discordEmbed struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Color       int    `json:"color,omitempty"`
	Timestamp   string `json:"timestamp,omitempty"`
}

type discordMessage struct {
	Embeds []discordEmbed `json:"embeds,omitempty"`
}

func (n *Notifier) sendDiscord(title, description string, color int, a *bus.AdminNotification) {
	msg := discordMessage{Embeds: []discordEmbed{{
		Title:       title,
		Description: description,
		Color:       color,
		Timestamp:   a.CreatedAt.UTC().Format(time.RFC3339),
	}}}

	body, err := json.Marshal(msg)
	if err != nil {
		log.Warnf("notify: failed to marshal discord message: %v", err)
		return
	}
	n.postWithRetry(n.cfg.DiscordURL, body)
}

type telegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

func (n *Notifier) sendTelegram(text string) {
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", n.cfg.TelegramBot)
	msg := telegramMessage{ChatID: n.cfg.TelegramChat, Text: text, ParseMode: "Markdown"}

	body, err := json.Marshal(msg)
	if err != nil {
		log.Warnf("notify: failed to marshal telegram message: %v", err)
		return
	}
	n.postWithRetry(url, body)
}

// postWithRetry posts body to url with exponential backoff, honoring
// Telegram/Discord's shared convention of a 429 meaning "wait longer".
func (n *Notifier) postWithRetry(url string, body []byte) {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(retryBaseDelay * time.Duration(1<<uint(attempt-1)))
		}

		resp, err := n.client.Post(url, "application/json", bytes.NewReader(body))
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		if resp.StatusCode < 400 {
			return
		}
		if resp.StatusCode == 429 {
			time.Sleep(5 * time.Second)
			continue
		}
		lastErr = fmt.Errorf("status %d", resp.StatusCode)
	}

	if lastErr != nil {
		log.Warnf("notify: failed to deliver webhook after %d attempts: %v", maxRetries, lastErr)
	}
}
