// Package channels defines the uniform bot adapter contract both chat
// backends implement, and the registry that runs them.
package channels

import (
	"context"
	"errors"
)

// ErrAuthFailed marks an adapter whose credentials were rejected. That
// backend's receive loop does not start; other backends are
// unaffected.
var ErrAuthFailed = errors.New("adapter authentication failed")

// Inbound is the normalized ingress payload from any backend. A
// callback button press arrives with Callback set and Text carrying
// the command string encoded in the button payload.
type Inbound struct {
	Channel  string
	ChatID   string
	Text     string
	Callback bool
}

// OnMessageFunc routes an inbound message into the dispatcher
type OnMessageFunc func(ctx context.Context, msg Inbound)

// ButtonRow is one row of selectable options. Each button's payload is
// the command string the press should dispatch.
type ButtonRow []Button

// Button is one selectable option
type Button struct {
	Label   string
	Payload string
}

// Adapter is one chat backend. Implementations must chunk outbound
// text to the backend's size limit and fall back from rich formatting
// to plain text on a formatting error.
type Adapter interface {
	Name() string
	Start(ctx context.Context, onMessage OnMessageFunc) error
	Stop(ctx context.Context) error

	SendMessage(ctx context.Context, chatID, text string) error
	SendMarkdown(ctx context.Context, chatID, text string) error
	SendButtons(ctx context.Context, chatID, title string, rows []ButtonRow) error
	SendTyping(ctx context.Context, chatID string) error
	Me() string
}
