// Package channel connects chat transports to the message bus.
package channel

import (
	"context"
	"strconv"
	"strings"

	"github.com/stellarlinkco/cabot/internal/bus"
)

// Channel is a running chat transport.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
}

// BaseChannel holds what every transport shares: its name, the bus it
// publishes to and the sender allow-list.
type BaseChannel struct {
	name      string
	bus       *bus.MessageBus
	allowFrom map[string]struct{}
}

func NewBaseChannel(name string, b *bus.MessageBus, allowFrom []string) BaseChannel {
	allowed := make(map[string]struct{}, len(allowFrom))
	for _, a := range allowFrom {
		a = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(a), "@"))
		if a != "" {
			allowed[a] = struct{}{}
		}
	}
	return BaseChannel{name: name, bus: b, allowFrom: allowed}
}

func (c *BaseChannel) Name() string { return c.name }

// IsAllowed matches the sender id or username against the allow-list.
// An empty list allows everyone.
func (c *BaseChannel) IsAllowed(senderID int64, username string) bool {
	if len(c.allowFrom) == 0 {
		return true
	}
	if _, ok := c.allowFrom[strconv.FormatInt(senderID, 10)]; ok {
		return true
	}
	if username == "" {
		return false
	}
	_, ok := c.allowFrom[strings.ToLower(username)]
	return ok
}
