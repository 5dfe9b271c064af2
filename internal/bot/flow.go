package bot

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/stellarlinkco/cabot/internal/bus"
	"github.com/stellarlinkco/cabot/internal/notify"
	"github.com/stellarlinkco/cabot/internal/session"
	"github.com/stellarlinkco/cabot/internal/task"
)

func (h *Handler) commit(ctx context.Context, msg bus.InboundMessage, p *task.Principal, s session.Session) {
	switch s.Kind {
	case session.KindCreateTask:
		h.commitCreate(ctx, msg, p, s)
	case session.KindReportTask:
		h.commitReport(ctx, msg, p, s)
	}
}

func (h *Handler) commitCreate(ctx context.Context, msg bus.InboundMessage, p *task.Principal, s session.Session) {
	id, err := h.engine.CreateTask(ctx, s.Draft)
	if err != nil {
		h.rewindOrEnd(ctx, msg, p, s, err)
		return
	}
	h.sessions.Complete(p.ID, s.ID)

	t, err := h.store.GetTask(ctx, id)
	if err != nil {
		h.logger.Error("load created task failed", zap.Int64("task_id", int64(id)), zap.Error(err))
		h.reply(ctx, msg, h.fmt.Acknowledge(&task.Task{ID: id, Status: task.StatusActive}), mainKeyboard(p.Role))
		return
	}
	now := h.now()
	h.reply(ctx, msg, h.fmt.CreatedConfirmation(t, now), mainKeyboard(p.Role))
	_ = h.notifyPrincipal(ctx, msg, t.AssigneeID, bus.OutboundMessage{
		Content:  h.fmt.AssignmentNotice(t, now),
		Media:    t.Evidence,
		Keyboard: notify.DoneKeyboard(t.ID, h.engine.ReviewFlow()),
	})
}

func (h *Handler) commitReport(ctx context.Context, msg bus.InboundMessage, p *task.Principal, s session.Session) {
	t, err := h.engine.SubmitForReview(ctx, s.TaskID, p.ID, s.Draft.Evidence)
	if err != nil {
		h.rewindOrEnd(ctx, msg, p, s, err)
		return
	}
	h.sessions.Complete(p.ID, s.ID)
	h.reply(ctx, msg, h.fmt.Acknowledge(t), mainKeyboard(p.Role))
	_ = h.notifyPrincipal(ctx, msg, t.CreatorID, bus.OutboundMessage{
		Content:  h.fmt.ReviewRequest(t),
		Media:    t.ReviewEvidence,
		Keyboard: notify.ReviewKeyboard(t.ID),
	})
}

// rewindOrEnd handles a commit-time failure. Input errors rewind the session to
// the step that produced the bad value; anything else ends the session.
func (h *Handler) rewindOrEnd(ctx context.Context, msg bus.InboundMessage, p *task.Principal, s session.Session, err error) {
	step, ok := rewindStep(err)
	if ok && h.sessions.Rewind(p.ID, s.ID, step) {
		h.fail(ctx, msg, err)
		if cur, live := h.sessions.Get(p.ID); live {
			h.prompt(ctx, msg, p, cur)
		}
		return
	}
	h.sessions.Complete(p.ID, s.ID)
	h.fail(ctx, msg, err)
}

func rewindStep(err error) (session.Step, bool) {
	switch {
	case errors.Is(err, task.ErrInvalidAssignee):
		return session.StepSelectAssignee, true
	case errors.Is(err, task.ErrInvalidEvidence):
		return session.StepAttachEvidence, true
	case errors.Is(err, task.ErrDescriptionTooShort):
		return session.StepDescription, true
	case errors.Is(err, task.ErrPastDeadline), errors.Is(err, task.ErrInvalidDeadline):
		return session.StepDeadline, true
	}
	return 0, false
}
