// Package notify defines how the core talks to users: the delivery contract
// implemented by the chat transport and the HTML texts sent through it.
package notify

import (
	"context"

	"github.com/stellarlinkco/cabot/internal/bus"
)

// Sender delivers one message. Implementations honour ctx for timeouts.
type Sender interface {
	Send(ctx context.Context, msg bus.OutboundMessage) error
}

// Gateway is the full transport surface used by the chat handlers.
type Gateway interface {
	Sender
	AnswerCallback(ctx context.Context, ans bus.CallbackAnswer) error
	ChatAdministrators(ctx context.Context, chatID int64) ([]ChatMember, error)
}

// ChatMember is a member of a group chat as reported by the transport.
type ChatMember struct {
	ID       int64
	Name     string
	Username string
	IsAdmin  bool
	IsBot    bool
}
