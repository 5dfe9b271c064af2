package bot

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/stellarlinkco/cabot/internal/bus"
	"github.com/stellarlinkco/cabot/internal/metrics"
)

// DefaultQueueSize bounds the pending messages of one principal.
const DefaultQueueSize = 8

// HandlerFunc processes one inbound message.
type HandlerFunc func(ctx context.Context, msg bus.InboundMessage)

// Dispatcher serializes messages per sender. Messages of one sender are
// handled in arrival order and never overlap; different senders run
// concurrently. A worker exits once its queue drains.
type Dispatcher struct {
	handle    HandlerFunc
	queueSize int
	logger    *zap.Logger
	metrics   *metrics.Metrics

	mu     sync.Mutex
	queues map[int64][]bus.InboundMessage
	wg     sync.WaitGroup
}

func NewDispatcher(handle HandlerFunc, queueSize int, logger *zap.Logger, m *metrics.Metrics) *Dispatcher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.Noop()
	}
	return &Dispatcher{
		handle:    handle,
		queueSize: queueSize,
		logger:    logger.Named("dispatcher"),
		metrics:   m,
		queues:    make(map[int64][]bus.InboundMessage),
	}
}

// Run consumes inbound until ctx is done, then waits for running handlers.
func (d *Dispatcher) Run(ctx context.Context, inbound <-chan bus.InboundMessage) {
	defer d.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-inbound:
			if !ok {
				return
			}
			d.Dispatch(ctx, msg)
		}
	}
}

// Dispatch enqueues msg for its sender and starts a worker if none runs.
// It reports false when the sender's queue is full and msg was dropped.
func (d *Dispatcher) Dispatch(ctx context.Context, msg bus.InboundMessage) bool {
	key := msg.SenderID

	d.mu.Lock()
	q, running := d.queues[key]
	if len(q) >= d.queueSize {
		d.mu.Unlock()
		d.logger.Warn("queue full, message dropped",
			zap.Int64("sender_id", key),
			zap.Int("queue_size", d.queueSize),
		)
		d.metrics.MessagesDropped.Add(ctx, 1)
		return false
	}
	d.queues[key] = append(q, msg)
	d.mu.Unlock()

	if !running {
		d.wg.Add(1)
		go d.work(ctx, key)
	}
	return true
}

// Pending returns the number of senders with queued or running work.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queues)
}

// Wait blocks until every worker has exited.
func (d *Dispatcher) Wait() { d.wg.Wait() }

func (d *Dispatcher) work(ctx context.Context, key int64) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		q := d.queues[key]
		if len(q) == 0 {
			delete(d.queues, key)
			d.mu.Unlock()
			return
		}
		msg := q[0]
		// Keep the key present while msg runs so Dispatch does not start a
		// second worker for the same sender.
		d.queues[key] = q[1:]
		d.mu.Unlock()

		d.run(ctx, msg)
	}
}

func (d *Dispatcher) run(ctx context.Context, msg bus.InboundMessage) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panicked",
				zap.Int64("sender_id", msg.SenderID),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
		}
	}()
	d.handle(ctx, msg)
	d.metrics.MessagesHandled.Add(ctx, 1)
}
