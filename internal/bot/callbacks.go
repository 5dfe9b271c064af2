package bot

import (
	"context"

	"go.uber.org/zap"

	"github.com/stellarlinkco/cabot/internal/bus"
	"github.com/stellarlinkco/cabot/internal/lifecycle"
	"github.com/stellarlinkco/cabot/internal/notify"
	"github.com/stellarlinkco/cabot/internal/session"
	"github.com/stellarlinkco/cabot/internal/store"
	"github.com/stellarlinkco/cabot/internal/task"
)

// handleCallback routes an inline button press. Every press is answered so
// the client stops its progress indicator.
func (h *Handler) handleCallback(ctx context.Context, msg bus.InboundMessage) {
	toast := ""
	defer func() {
		if err := h.gw.AnswerCallback(ctx, bus.CallbackAnswer{CallbackID: msg.Callback.ID, Text: toast}); err != nil {
			h.logger.Debug("answer callback failed", zap.Error(err))
		}
	}()

	action, id, ok := notify.ParseCallback(msg.Callback.Data)
	if !ok {
		h.logger.Debug("unknown callback data", zap.String("data", msg.Callback.Data))
		return
	}
	if !msg.IsPrivate() {
		return
	}
	p, err := h.principal(ctx, msg)
	if err != nil {
		h.fail(ctx, msg, err)
		return
	}

	switch action {
	case notify.ActionAssign:
		h.continueSession(ctx, msg, p, session.Input{AssigneeID: id})
	case notify.ActionSkip:
		h.continueSession(ctx, msg, p, session.Input{Skip: true})
	case notify.ActionCancel:
		had := h.sessions.Cancel(p.ID)
		if had {
			toast = "Cancelled"
		}
		h.reply(ctx, msg, h.fmt.Cancelled(had), mainKeyboard(p.Role))
	case notify.ActionDone:
		h.done(ctx, msg, p, task.ID(id))
	case notify.ActionConfirm:
		h.review(ctx, msg, p, task.ID(id), true)
	case notify.ActionReject:
		h.review(ctx, msg, p, task.ID(id), false)
	case notify.ActionPromote:
		toast = h.promote(ctx, msg, p, id)
	case notify.ActionShow:
		h.show(ctx, msg, p, task.ID(id))
	default:
		h.logger.Debug("unhandled callback action", zap.String("action", action))
	}
}

// promote applies a press on the promotion panel and redraws the panel in place.
func (h *Handler) promote(ctx context.Context, msg bus.InboundMessage, admin *task.Principal, targetID int64) string {
	ok, err := h.engine.Promote(ctx, admin.ID, targetID)
	if err != nil {
		h.fail(ctx, msg, err)
		return ""
	}
	if !ok {
		h.reply(ctx, msg, h.fmt.PromotedAck(nil, false), nil)
		return "Not promoted"
	}

	target, err := h.store.GetPrincipal(ctx, targetID)
	if err != nil {
		h.fail(ctx, msg, err)
		return ""
	}
	h.reply(ctx, msg, h.fmt.PromotedAck(target, true), nil)
	if target.Reachable() {
		h.send(ctx, bus.OutboundMessage{ChatID: target.ChatHandle, Content: h.fmt.Promoted(), Keyboard: mainKeyboard(target.Role)})
	}

	candidates, err := h.store.ListPrincipals(ctx, store.PrincipalFilter{Roles: []task.Role{task.RoleAssignee}})
	if err != nil {
		h.logger.Warn("refresh promote panel failed", zap.Error(err))
		return "Promoted"
	}
	kb := promoteKeyboard(candidates)
	if kb == nil {
		kb = bus.InlineKeyboard()
	}
	h.send(ctx, bus.OutboundMessage{
		ChatID:        msg.ChatID,
		Content:       h.fmt.PromotePanel(len(candidates)),
		Keyboard:      kb,
		EditMessageID: msg.Callback.MessageID,
	})
	return "Promoted"
}

// show sends the task card to its creator or assignee.
func (h *Handler) show(ctx context.Context, msg bus.InboundMessage, p *task.Principal, id task.ID) {
	t, err := h.store.GetTask(ctx, id)
	if err != nil {
		h.fail(ctx, msg, err)
		return
	}
	isAssignee := lifecycle.CanComplete(p.ID, t)
	if !isAssignee && !lifecycle.CanReview(p.ID, t) {
		h.fail(ctx, msg, task.ErrUnauthorized)
		return
	}
	var kb *bus.Keyboard
	switch {
	case isAssignee && t.Status == task.StatusActive:
		kb = notify.DoneKeyboard(t.ID, h.engine.ReviewFlow())
	case !isAssignee && t.Status == task.StatusOnReview:
		kb = notify.ReviewKeyboard(t.ID)
	}
	h.send(ctx, bus.OutboundMessage{
		ChatID:   msg.ChatID,
		Content:  h.fmt.TaskCard(t, h.now(), isAssignee),
		Media:    t.Evidence,
		Keyboard: kb,
	})
}
