// Package bot handles chat messages: commands, menu buttons, inline button
// callbacks and the creation and report flows. Handlers run behind a
// Dispatcher, so one sender's messages never overlap.
package bot

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/stellarlinkco/cabot/internal/bus"
	"github.com/stellarlinkco/cabot/internal/lifecycle"
	"github.com/stellarlinkco/cabot/internal/metrics"
	"github.com/stellarlinkco/cabot/internal/notify"
	"github.com/stellarlinkco/cabot/internal/session"
	"github.com/stellarlinkco/cabot/internal/store"
	"github.com/stellarlinkco/cabot/internal/task"
)

const DefaultDeliveryTimeout = 15 * time.Second

// Store is the read side the handlers query directly. Writes go through
// the lifecycle engine.
type Store interface {
	GetPrincipal(ctx context.Context, id int64) (*task.Principal, error)
	ListPrincipals(ctx context.Context, f store.PrincipalFilter) ([]*task.Principal, error)
	GetTask(ctx context.Context, id task.ID) (*task.Task, error)
	ListTasks(ctx context.Context, f store.TaskFilter) ([]*task.Task, error)
	UpsertGroupChat(ctx context.Context, g task.GroupChat) error
}

type Config struct {
	Engine          *lifecycle.Engine
	Store           Store
	Sessions        *session.Manager
	Gateway         notify.Gateway
	Formatter       *notify.Formatter
	DeliveryTimeout time.Duration
	Now             func() time.Time
	Metrics         *metrics.Metrics
	Logger          *zap.Logger
}

type Handler struct {
	engine   *lifecycle.Engine
	store    Store
	sessions *session.Manager
	gw       notify.Gateway
	fmt      *notify.Formatter
	timeout  time.Duration
	now      func() time.Time
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

func NewHandler(cfg Config) *Handler {
	h := &Handler{
		engine:   cfg.Engine,
		store:    cfg.Store,
		sessions: cfg.Sessions,
		gw:       cfg.Gateway,
		fmt:      cfg.Formatter,
		timeout:  cfg.DeliveryTimeout,
		now:      cfg.Now,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
	}
	if h.fmt == nil {
		h.fmt = notify.NewFormatter(time.UTC, h.engine.ReviewFlow())
	}
	if h.timeout <= 0 {
		h.timeout = DefaultDeliveryTimeout
	}
	if h.now == nil {
		h.now = time.Now
	}
	if h.metrics == nil {
		h.metrics = metrics.Noop()
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}
	h.logger = h.logger.Named("bot")
	return h
}

// Handle routes one inbound message. It is the Dispatcher's HandlerFunc.
func (h *Handler) Handle(ctx context.Context, msg bus.InboundMessage) {
	switch {
	case msg.Callback != nil:
		h.handleCallback(ctx, msg)
	case msg.IsPrivate():
		h.handlePrivate(ctx, msg)
	case msg.IsGroup():
		h.handleGroup(ctx, msg)
	default:
		h.logger.Debug("ignoring message", zap.String("chat_type", string(msg.ChatType)))
	}
}

// reply answers in the chat msg came from. Failures are logged only: the
// sender is the one who cannot be told.
func (h *Handler) reply(ctx context.Context, msg bus.InboundMessage, text string, kb *bus.Keyboard) {
	h.send(ctx, bus.OutboundMessage{ChatID: msg.ChatID, Content: text, Keyboard: kb})
}

func (h *Handler) send(ctx context.Context, out bus.OutboundMessage) {
	if err := h.deliver(ctx, out); err != nil {
		h.logger.Warn("reply failed", zap.Int64("chat_id", out.ChatID), zap.Error(err))
	}
}

func (h *Handler) deliver(ctx context.Context, out bus.OutboundMessage) error {
	sendCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	err := h.gw.Send(sendCtx, out)
	if err != nil {
		h.metrics.DeliveryFailures.Add(ctx, 1)
	}
	return err
}

// notifyPrincipal delivers out to another user's private chat. The result
// is task.ErrRecipientUnreachable when the user never opened one or the
// transport failed; the actor is told so and the committed change stays.
func (h *Handler) notifyPrincipal(ctx context.Context, actor bus.InboundMessage, id int64, out bus.OutboundMessage) error {
	p, err := h.store.GetPrincipal(ctx, id)
	if err != nil && !errors.Is(err, task.ErrPrincipalNotFound) {
		h.logger.Error("load recipient failed", zap.Int64("principal_id", id), zap.Error(err))
	}
	if !p.Reachable() {
		h.reply(ctx, actor, notify.ErrorText(task.ErrRecipientUnreachable), nil)
		return task.ErrRecipientUnreachable
	}
	out.ChatID = p.ChatHandle
	if err := h.deliver(ctx, out); err != nil {
		h.logger.Warn("notify failed", zap.Int64("principal_id", id), zap.Error(err))
		h.reply(ctx, actor, notify.ErrorText(task.ErrRecipientUnreachable), nil)
		return task.ErrRecipientUnreachable
	}
	return nil
}

func (h *Handler) fail(ctx context.Context, msg bus.InboundMessage, err error) {
	if task.KindOf(err) == task.KindUnknown {
		h.logger.Error("handler failed", zap.Int64("sender_id", msg.SenderID), zap.Error(err))
	}
	h.reply(ctx, msg, notify.ErrorText(err), nil)
}
