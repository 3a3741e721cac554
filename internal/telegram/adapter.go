// Package telegram implements the bot adapter contract on top of the
// Telegram Bot API long-poll interface.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/harun/nara/internal/config"
	"github.com/harun/nara/pkg/channels"
)

// messageLimit is Telegram's maximum message length
const messageLimit = 4096

// Adapter is the Telegram implementation of the adapter contract
type Adapter struct {
	api     *tgbotapi.BotAPI
	cfg     config.TelegramConfig
	updates tgbotapi.UpdatesChannel
	running bool
}

// NewAdapter creates a Telegram adapter. Credential problems surface
// as ErrAuthFailed so the registry can leave this backend disabled
// without affecting others.
func NewAdapter(cfg config.TelegramConfig) (*Adapter, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("bot token is required")
	}
	api, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", channels.ErrAuthFailed, err)
	}

	log.Info().
		Str("username", api.Self.UserName).
		Int64("id", api.Self.ID).
		Msg("Telegram bot authenticated")

	return &Adapter{api: api, cfg: cfg}, nil
}

// Name implements channels.Adapter
func (a *Adapter) Name() string { return "telegram" }

// Me implements channels.Adapter
func (a *Adapter) Me() string { return a.api.Self.UserName }

// Start begins the long-poll receive loop
func (a *Adapter) Start(ctx context.Context, onMessage channels.OnMessageFunc) error {
	if a.running {
		return fmt.Errorf("telegram adapter is already running")
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	a.updates = a.api.GetUpdatesChan(u)
	a.running = true

	go a.processUpdates(ctx, onMessage)
	return nil
}

// Stop ends the receive loop
func (a *Adapter) Stop(_ context.Context) error {
	if !a.running {
		return nil
	}
	a.running = false
	a.api.StopReceivingUpdates()
	return nil
}

func (a *Adapter) processUpdates(ctx context.Context, onMessage channels.OnMessageFunc) {
	for update := range a.updates {
		if !a.running {
			break
		}

		switch {
		case update.Message != nil:
			msg := update.Message
			if !a.allowed(msg.Chat.ID) {
				log.Warn().Int64("chat", msg.Chat.ID).Msg("Chat not in allowlist, ignoring")
				continue
			}
			onMessage(ctx, channels.Inbound{
				Channel: a.Name(),
				ChatID:  strconv.FormatInt(msg.Chat.ID, 10),
				Text:    msg.Text,
			})

		case update.CallbackQuery != nil:
			cb := update.CallbackQuery
			if cb.Message == nil || !a.allowed(cb.Message.Chat.ID) {
				continue
			}
			// Acknowledge so the client stops its spinner
			if _, err := a.api.Request(tgbotapi.NewCallback(cb.ID, "")); err != nil {
				log.Debug().Err(err).Msg("Callback ack failed")
			}
			onMessage(ctx, channels.Inbound{
				Channel:  a.Name(),
				ChatID:   strconv.FormatInt(cb.Message.Chat.ID, 10),
				Text:     cb.Data,
				Callback: true,
			})
		}
	}
}

func (a *Adapter) allowed(chatID int64) bool {
	if len(a.cfg.Allowlist) == 0 {
		return true
	}
	for _, id := range a.cfg.Allowlist {
		if id == chatID {
			return true
		}
	}
	return false
}

// SendMessage sends plain text, chunked to the message-size limit
func (a *Adapter) SendMessage(_ context.Context, chatID, text string) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	for _, chunk := range channels.SplitMessage(text, messageLimit) {
		if _, err := a.api.Send(tgbotapi.NewMessage(id, chunk)); err != nil {
			return fmt.Errorf("failed to send message: %w", err)
		}
	}
	return nil
}

// SendMarkdown sends Markdown-formatted text, falling back to plain
// text when Telegram rejects the formatting.
func (a *Adapter) SendMarkdown(ctx context.Context, chatID, text string) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	for _, chunk := range channels.SplitMessage(text, messageLimit) {
		m := tgbotapi.NewMessage(id, chunk)
		m.ParseMode = tgbotapi.ModeMarkdown
		if _, err := a.api.Send(m); err != nil {
			if !strings.Contains(err.Error(), "can't parse entities") {
				return fmt.Errorf("failed to send message: %w", err)
			}
			log.Debug().Msg("Markdown rejected, resending as plain text")
			if _, err := a.api.Send(tgbotapi.NewMessage(id, chunk)); err != nil {
				return fmt.Errorf("failed to send message: %w", err)
			}
		}
	}
	return nil
}

// SendButtons sends an inline keyboard whose callback payloads are
// command strings routed back through the dispatcher.
func (a *Adapter) SendButtons(_ context.Context, chatID, title string, rows []channels.ButtonRow) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}

	var keyboard [][]tgbotapi.InlineKeyboardButton
	for _, row := range rows {
		var line []tgbotapi.InlineKeyboardButton
		for _, btn := range row {
			line = append(line, tgbotapi.NewInlineKeyboardButtonData(btn.Label, btn.Payload))
		}
		keyboard = append(keyboard, line)
	}

	m := tgbotapi.NewMessage(id, title)
	m.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(keyboard...)
	if _, err := a.api.Send(m); err != nil {
		return fmt.Errorf("failed to send buttons: %w", err)
	}
	return nil
}

// SendTyping shows the typing indicator
func (a *Adapter) SendTyping(_ context.Context, chatID string) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	_, err = a.api.Request(tgbotapi.NewChatAction(id, tgbotapi.ChatTyping))
	return err
}

func parseChatID(chatID string) (int64, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid telegram chat id %q: %w", chatID, err)
	}
	return id, nil
}
