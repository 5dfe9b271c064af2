package bot

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/stellarlinkco/cabot/internal/bus"
	"github.com/stellarlinkco/cabot/internal/lifecycle"
	"github.com/stellarlinkco/cabot/internal/notify"
	"github.com/stellarlinkco/cabot/internal/session"
	"github.com/stellarlinkco/cabot/internal/store"
	"github.com/stellarlinkco/cabot/internal/task"
)

func (h *Handler) handlePrivate(ctx context.Context, msg bus.InboundMessage) {
	name, args, isCmd := msg.Command()
	if !isCmd {
		if cmd, ok := buttonCommands[strings.TrimSpace(msg.Content)]; ok {
			name, isCmd = cmd, true
		}
	}

	if isCmd && name == "start" {
		h.startPrivate(ctx, msg)
		return
	}

	p, err := h.principal(ctx, msg)
	if err != nil {
		h.fail(ctx, msg, err)
		return
	}

	if !isCmd {
		h.continueSession(ctx, msg, p, session.Input{Text: msg.Content, Media: msg.Media})
		return
	}

	switch name {
	case "new":
		h.beginCreate(ctx, msg, p)
	case "cancel":
		h.reply(ctx, msg, h.fmt.Cancelled(h.sessions.Cancel(p.ID)), mainKeyboard(p.Role))
	case "tasks":
		h.listAssigned(ctx, msg, p)
	case "created":
		h.listCreated(ctx, msg, p)
	case "done":
		h.withTaskID(ctx, msg, args, func(id task.ID) { h.done(ctx, msg, p, id) })
	case "confirm":
		h.withTaskID(ctx, msg, args, func(id task.ID) { h.review(ctx, msg, p, id, true) })
	case "reject":
		h.withTaskID(ctx, msg, args, func(id task.ID) { h.review(ctx, msg, p, id, false) })
	case "promote":
		h.promotePanel(ctx, msg, p)
	case "help":
		h.reply(ctx, msg, h.fmt.Help(p.Role, true), mainKeyboard(p.Role))
	default:
		h.reply(ctx, msg, h.fmt.Help(p.Role, true), nil)
	}
}

// principal loads the sender and records the private chat handle the first
// time they write here.
func (h *Handler) principal(ctx context.Context, msg bus.InboundMessage) (*task.Principal, error) {
	p, err := h.store.GetPrincipal(ctx, msg.SenderID)
	if err != nil {
		return nil, err
	}
	if msg.IsPrivate() && p.ChatHandle != msg.ChatID {
		return h.engine.RegisterPrincipal(ctx, task.Principal{
			ID:         msg.SenderID,
			ChatHandle: msg.ChatID,
		})
	}
	return p, nil
}

func (h *Handler) startPrivate(ctx context.Context, msg bus.InboundMessage) {
	p, err := h.engine.RegisterPrincipal(ctx, task.Principal{
		ID:          msg.SenderID,
		DisplayName: msg.SenderName,
		Username:    msg.SenderUsername,
		ChatHandle:  msg.ChatID,
	})
	if err != nil {
		h.fail(ctx, msg, err)
		return
	}
	h.logger.Info("private chat started", zap.Int64("principal_id", p.ID), zap.String("role", p.Role.String()))
	h.reply(ctx, msg, h.fmt.Welcome(p), mainKeyboard(p.Role))
}

func (h *Handler) withTaskID(ctx context.Context, msg bus.InboundMessage, args string, fn func(task.ID)) {
	raw := strings.TrimPrefix(strings.TrimSpace(args), "#")
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		h.fail(ctx, msg, task.ErrTaskNotFound)
		return
	}
	fn(task.ID(n))
}

func (h *Handler) listAssigned(ctx context.Context, msg bus.InboundMessage, p *task.Principal) {
	now := h.now()
	tasks, err := h.store.ListTasks(ctx, store.TaskFilter{
		AssigneeID: p.ID,
		Statuses:   []task.Status{task.StatusActive, task.StatusOnReview},
		Now:        now,
	})
	if err != nil {
		h.fail(ctx, msg, err)
		return
	}
	h.reply(ctx, msg, h.fmt.AssigneeList(tasks, now), doneButtons(tasks, h.engine.ReviewFlow()))
}

func (h *Handler) listCreated(ctx context.Context, msg bus.InboundMessage, p *task.Principal) {
	if !lifecycle.CanCreateTask(p) {
		h.fail(ctx, msg, task.ErrUnauthorized)
		return
	}
	now := h.now()
	tasks, err := h.store.ListTasks(ctx, store.TaskFilter{CreatorID: p.ID, Now: now})
	if err != nil {
		h.fail(ctx, msg, err)
		return
	}
	h.reply(ctx, msg, h.fmt.CreatorList(tasks, now), reviewButtons(tasks))
}

func (h *Handler) beginCreate(ctx context.Context, msg bus.InboundMessage, p *task.Principal) {
	if !lifecycle.CanCreateTask(p) {
		h.fail(ctx, msg, task.ErrUnauthorized)
		return
	}
	candidates, err := h.engine.Assignees(ctx, p.ID)
	if err != nil {
		h.fail(ctx, msg, err)
		return
	}
	if len(candidates) == 0 {
		h.reply(ctx, msg, h.fmt.PromptAssignee(false), nil)
		return
	}
	h.sessions.Begin(p.ID, p.DisplayName)
	h.reply(ctx, msg, h.fmt.PromptAssignee(true), assigneeKeyboard(candidates))
}

// done is the assignee finishing a task. With the review flow it first
// collects evidence of the result through a report session.
func (h *Handler) done(ctx context.Context, msg bus.InboundMessage, p *task.Principal, id task.ID) {
	if !h.engine.ReviewFlow() {
		t, err := h.engine.CompleteTask(ctx, id, p.ID)
		if err != nil {
			h.fail(ctx, msg, err)
			return
		}
		h.reply(ctx, msg, h.fmt.Acknowledge(t), nil)
		_ = h.notifyPrincipal(ctx, msg, t.CreatorID, bus.OutboundMessage{Content: h.fmt.CompletedNotice(t)})
		return
	}

	t, err := h.store.GetTask(ctx, id)
	if err != nil {
		h.fail(ctx, msg, err)
		return
	}
	if !lifecycle.CanComplete(p.ID, t) {
		h.fail(ctx, msg, task.ErrUnauthorized)
		return
	}
	if t.Status != task.StatusActive {
		h.fail(ctx, msg, task.ErrInvalidTransition)
		return
	}
	h.sessions.BeginReport(p.ID, id)
	h.reply(ctx, msg, h.fmt.PromptReportEvidence(id), skipKeyboard())
}

// review is the creator accepting or rejecting a submitted task.
func (h *Handler) review(ctx context.Context, msg bus.InboundMessage, p *task.Principal, id task.ID, accept bool) {
	var (
		t   *task.Task
		err error
	)
	if accept {
		t, err = h.engine.ConfirmTask(ctx, id, p.ID)
	} else {
		t, err = h.engine.RejectTask(ctx, id, p.ID)
	}
	if err != nil {
		h.fail(ctx, msg, err)
		return
	}
	h.reply(ctx, msg, h.fmt.Acknowledge(t), nil)

	out := bus.OutboundMessage{Content: h.fmt.Confirmed(t)}
	if !accept {
		out = bus.OutboundMessage{Content: h.fmt.Rejected(t), Keyboard: notify.DoneKeyboard(t.ID, true)}
	}
	_ = h.notifyPrincipal(ctx, msg, t.AssigneeID, out)
}

func (h *Handler) promotePanel(ctx context.Context, msg bus.InboundMessage, p *task.Principal) {
	if !lifecycle.IsAdmin(p) {
		h.fail(ctx, msg, task.ErrUnauthorized)
		return
	}
	candidates, err := h.store.ListPrincipals(ctx, store.PrincipalFilter{Roles: []task.Role{task.RoleAssignee}})
	if err != nil {
		h.fail(ctx, msg, err)
		return
	}
	h.reply(ctx, msg, h.fmt.PromotePanel(len(candidates)), promoteKeyboard(candidates))
}

// continueSession feeds free text or media to the sender's live session.
func (h *Handler) continueSession(ctx context.Context, msg bus.InboundMessage, p *task.Principal, in session.Input) {
	s, err := h.sessions.Advance(ctx, p.ID, in)
	if err != nil {
		if errors.Is(err, task.ErrNoSession) {
			text := notify.ErrorText(err)
			if !lifecycle.CanCreateTask(p) {
				text = h.fmt.Help(p.Role, true)
			}
			h.reply(ctx, msg, text, mainKeyboard(p.Role))
			return
		}
		h.fail(ctx, msg, err)
		return
	}
	h.prompt(ctx, msg, p, s)
}

// prompt asks for the input of the session's current step, or commits a
// ready session.
func (h *Handler) prompt(ctx context.Context, msg bus.InboundMessage, p *task.Principal, s session.Session) {
	switch s.Step {
	case session.StepSelectAssignee:
		candidates, err := h.engine.Assignees(ctx, p.ID)
		if err != nil {
			h.fail(ctx, msg, err)
			return
		}
		h.reply(ctx, msg, h.fmt.PromptAssignee(len(candidates) > 0), assigneeKeyboard(candidates))
	case session.StepAttachEvidence:
		if s.Kind == session.KindReportTask {
			h.reply(ctx, msg, h.fmt.PromptReportEvidence(s.TaskID), skipKeyboard())
			return
		}
		h.reply(ctx, msg, h.fmt.PromptEvidence(s.Draft.AssigneeName), skipKeyboard())
	case session.StepDescription:
		h.reply(ctx, msg, h.fmt.PromptDescription(h.engine.MinDescription()), cancelKeyboard())
	case session.StepDeadline:
		h.reply(ctx, msg, h.fmt.PromptDeadline(h.now()), cancelKeyboard())
	case session.StepReady:
		h.commit(ctx, msg, p, s)
	}
}
