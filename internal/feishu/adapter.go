package feishu

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/harun/nara/internal/config"
	"github.com/harun/nara/pkg/channels"
)

const (
	// messageLimit keeps outbound text under the platform's 150 KB
	// content cap with headroom for JSON escaping
	messageLimit = 100000

	pingInterval     = 30 * time.Second
	reconnectBackoff = 5 * time.Second
)

// Adapter is the Feishu implementation of the adapter contract
type Adapter struct {
	cfg    config.FeishuConfig
	client *client

	mu      sync.Mutex
	conn    *websocket.Conn
	cancel  context.CancelFunc
	running bool
}

// NewAdapter creates a Feishu adapter
func NewAdapter(cfg config.FeishuConfig) (*Adapter, error) {
	if cfg.AppID == "" || cfg.AppSecret == "" {
		return nil, fmt.Errorf("app id and app secret are required")
	}
	return &Adapter{
		cfg:    cfg,
		client: newClient("", cfg.AppID, cfg.AppSecret),
	}, nil
}

// Name implements channels.Adapter
func (a *Adapter) Name() string { return "feishu" }

// Me implements channels.Adapter
func (a *Adapter) Me() string { return a.cfg.AppID }

// Start validates credentials and begins the long-connection receive
// loop. A rejected credential surfaces as ErrAuthFailed.
func (a *Adapter) Start(ctx context.Context, onMessage channels.OnMessageFunc) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return fmt.Errorf("feishu adapter is already running")
	}

	// Token fetch doubles as the auth check
	if _, err := a.client.tenantToken(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.running = true

	go a.receiveLoop(loopCtx, onMessage)
	return nil
}

// Stop ends the receive loop and closes the connection
func (a *Adapter) Stop(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return nil
	}
	a.running = false
	a.cancel()
	if a.conn != nil {
		a.conn.Close()
		a.conn = nil
	}
	return nil
}

// wsFrame is one inbound long-connection frame
type wsFrame struct {
	Type  string `json:"type"`
	Event struct {
		Message struct {
			ChatID      string `json:"chat_id"`
			MessageType string `json:"message_type"`
			Content     string `json:"content"`
		} `json:"message"`
		Action struct {
			Value string `json:"value"`
		} `json:"action"`
		OpenChatID string `json:"open_chat_id"`
	} `json:"event"`
}

// receiveLoop keeps one websocket alive, reconnecting with backoff
func (a *Adapter) receiveLoop(ctx context.Context, onMessage channels.OnMessageFunc) {
	for ctx.Err() == nil {
		if err := a.connectAndRead(ctx, onMessage); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Dur("backoff", reconnectBackoff).Msg("Feishu connection dropped, reconnecting")
			select {
			case <-ctx.Done():
			case <-time.After(reconnectBackoff):
			}
		}
	}
}

func (a *Adapter) connectAndRead(ctx context.Context, onMessage channels.OnMessageFunc) error {
	endpoint, err := a.client.wsEndpoint(ctx)
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to dial websocket: %w", err)
	}
	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
	defer conn.Close()

	log.Info().Msg("Feishu long connection established")

	// Ping loop keeps the connection alive through idle periods
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		a.handleFrame(ctx, data, onMessage)
	}
}

func (a *Adapter) handleFrame(ctx context.Context, data []byte, onMessage channels.OnMessageFunc) {
	var frame wsFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		log.Debug().Err(err).Msg("Unparseable frame, ignoring")
		return
	}

	switch frame.Type {
	case "event":
		chatID := frame.Event.Message.ChatID
		if chatID == "" {
			return
		}
		if !a.allowed(chatID) {
			log.Warn().Str("chat", chatID).Msg("Chat not in allowlist, ignoring")
			return
		}
		text := extractText(frame.Event.Message.MessageType, frame.Event.Message.Content)
		if text == "" {
			return
		}
		onMessage(ctx, channels.Inbound{
			Channel: a.Name(),
			ChatID:  chatID,
			Text:    text,
		})

	case "card_action":
		chatID := frame.Event.OpenChatID
		if chatID == "" || !a.allowed(chatID) {
			return
		}
		onMessage(ctx, channels.Inbound{
			Channel:  a.Name(),
			ChatID:   chatID,
			Text:     frame.Event.Action.Value,
			Callback: true,
		})
	}
}

// extractText pulls plain text out of a message content payload
func extractText(messageType, content string) string {
	if messageType != "text" {
		return ""
	}
	var payload struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return ""
	}
	return payload.Text
}

func (a *Adapter) allowed(chatID string) bool {
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

// SendMessage sends plain text, chunked to the content limit
func (a *Adapter) SendMessage(ctx context.Context, chatID, text string) error {
	for _, chunk := range channels.SplitMessage(text, messageLimit) {
		content, _ := json.Marshal(map[string]string{"text": chunk})
		if err := a.sendRaw(ctx, chatID, "text", string(content)); err != nil {
			return err
		}
	}
	return nil
}

// SendMarkdown sends an interactive card with markdown content,
// falling back to plain text when the card is rejected.
func (a *Adapter) SendMarkdown(ctx context.Context, chatID, text string) error {
	for _, chunk := range channels.SplitMessage(text, messageLimit) {
		card := map[string]any{
			"config": map[string]bool{"wide_screen_mode": true},
			"elements": []any{
				map[string]any{
					"tag":  "div",
					"text": map[string]string{"tag": "lark_md", "content": chunk},
				},
			},
		}
		content, _ := json.Marshal(card)
		if err := a.sendRaw(ctx, chatID, "interactive", string(content)); err != nil {
			log.Debug().Err(err).Msg("Card rejected, resending as plain text")
			if err := a.SendMessage(ctx, chatID, chunk); err != nil {
				return err
			}
		}
	}
	return nil
}

// SendButtons sends an interactive card whose button values are
// command strings routed back through the dispatcher.
func (a *Adapter) SendButtons(ctx context.Context, chatID, title string, rows []channels.ButtonRow) error {
	var elements []any
	elements = append(elements, map[string]any{
		"tag":  "div",
		"text": map[string]string{"tag": "plain_text", "content": title},
	})
	for _, row := range rows {
		var actions []any
		for _, btn := range row {
			actions = append(actions, map[string]any{
				"tag":   "button",
				"text":  map[string]string{"tag": "plain_text", "content": btn.Label},
				"type":  "default",
				"value": btn.Payload,
			})
		}
		elements = append(elements, map[string]any{"tag": "action", "actions": actions})
	}

	card := map[string]any{"elements": elements}
	content, _ := json.Marshal(card)
	return a.sendRaw(ctx, chatID, "interactive", string(content))
}

// SendTyping is a no-op; the platform has no typing indicator for
// bots.
func (a *Adapter) SendTyping(_ context.Context, _ string) error { return nil }

func (a *Adapter) sendRaw(ctx context.Context, chatID, msgType, content string) error {
	_, err := a.client.post(ctx, "/open-apis/im/v1/messages?receive_id_type=chat_id", map[string]string{
		"receive_id": chatID,
		"msg_type":   msgType,
		"content":    content,
	})
	if err != nil {
		return fmt.Errorf("failed to send feishu message: %w", err)
	}
	return nil
}
