// Package bus carries chat messages between the transport and the handlers.
package bus

import "context"

const DefaultBufSize = 100

type MessageBus struct {
	Inbound chan InboundMessage
}

func NewMessageBus(bufSize int) *MessageBus {
	if bufSize <= 0 {
		bufSize = DefaultBufSize
	}
	return &MessageBus{Inbound: make(chan InboundMessage, bufSize)}
}

// Publish queues msg for the handlers, blocking until there is room or ctx
// is done.
func (b *MessageBus) Publish(ctx context.Context, msg InboundMessage) error {
	select {
	case b.Inbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
