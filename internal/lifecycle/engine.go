// Package lifecycle owns every task and role mutation: validation,
// authorization and the compare-and-swap status transitions.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/stellarlinkco/cabot/internal/metrics"
	"github.com/stellarlinkco/cabot/internal/store"
	"github.com/stellarlinkco/cabot/internal/task"
)

// Store is the persistence the engine needs.
type Store interface {
	RegisterPrincipal(ctx context.Context, p task.Principal) (*task.Principal, error)
	GetPrincipal(ctx context.Context, id int64) (*task.Principal, error)
	ListPrincipals(ctx context.Context, f store.PrincipalFilter) ([]*task.Principal, error)
	BootstrapAdmin(ctx context.Context, id int64) (bool, error)
	PromoteToManager(ctx context.Context, id int64) (bool, error)
	InsertTask(ctx context.Context, d task.Draft, createdAt time.Time) (task.ID, error)
	GetTask(ctx context.Context, id task.ID) (*task.Task, error)
	TransitionTask(ctx context.Context, tr store.Transition) (*task.Task, error)
}

type Config struct {
	ReviewFlow      bool
	AllowSelfAssign bool
	MinDescription  int
	Now             func() time.Time
	Metrics         *metrics.Metrics
	Logger          *zap.Logger
}

type Engine struct {
	store           Store
	reviewFlow      bool
	allowSelfAssign bool
	minDescription  int
	now             func() time.Time
	metrics         *metrics.Metrics
	logger          *zap.Logger
}

func NewEngine(s Store, cfg Config) *Engine {
	e := &Engine{
		store:           s,
		reviewFlow:      cfg.ReviewFlow,
		allowSelfAssign: cfg.AllowSelfAssign,
		minDescription:  cfg.MinDescription,
		now:             cfg.Now,
		metrics:         cfg.Metrics,
		logger:          cfg.Logger,
	}
	if e.minDescription < 1 {
		e.minDescription = 1
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.metrics == nil {
		e.metrics = metrics.Noop()
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	e.logger = e.logger.Named("lifecycle")
	return e
}

// ReviewFlow reports whether completion goes through creator review.
func (e *Engine) ReviewFlow() bool { return e.reviewFlow }

// MinDescription is the minimum description length in runes.
func (e *Engine) MinDescription() int { return e.minDescription }

// CreateTask validates d and stores it as an active task. Nothing is written
// when validation fails.
func (e *Engine) CreateTask(ctx context.Context, d task.Draft) (task.ID, error) {
	creator, err := e.lookup(ctx, d.CreatorID)
	if err != nil {
		return 0, err
	}
	if !CanCreateTask(creator) {
		return 0, task.ErrUnauthorized
	}

	if !d.Evidence.Valid() {
		return 0, task.ErrInvalidEvidence
	}
	d.Description = strings.TrimSpace(d.Description)
	if task.DescriptionLen(d.Description) < e.minDescription {
		return 0, task.ErrDescriptionTooShort
	}
	now := e.now()
	if !d.Deadline.After(now) {
		return 0, task.ErrPastDeadline
	}

	name, err := e.CheckAssignee(ctx, d.CreatorID, d.AssigneeID)
	if err != nil {
		return 0, err
	}
	d.AssigneeName = name
	if d.CreatorName == "" {
		d.CreatorName = creator.DisplayName
	}

	id, err := e.store.InsertTask(ctx, d, now)
	if err != nil {
		return 0, fmt.Errorf("create task: %w", err)
	}
	e.metrics.TasksCreated.Add(ctx, 1)
	e.logger.Info("task created",
		zap.Int64("task_id", int64(id)),
		zap.Int64("creator_id", d.CreatorID),
		zap.Int64("assignee_id", d.AssigneeID),
		zap.Time("deadline", d.Deadline),
	)
	return id, nil
}

// CheckAssignee resolves assigneeID to a display name when creatorID may
// assign to them.
func (e *Engine) CheckAssignee(ctx context.Context, creatorID, assigneeID int64) (string, error) {
	if assigneeID == 0 || (assigneeID == creatorID && !e.allowSelfAssign) {
		return "", task.ErrInvalidAssignee
	}
	p, err := e.store.GetPrincipal(ctx, assigneeID)
	if errors.Is(err, task.ErrPrincipalNotFound) {
		return "", task.ErrInvalidAssignee
	}
	if err != nil {
		return "", fmt.Errorf("get assignee: %w", err)
	}
	return p.DisplayName, nil
}

// Assignees lists the principals creatorID may assign tasks to.
func (e *Engine) Assignees(ctx context.Context, creatorID int64) ([]*task.Principal, error) {
	f := store.PrincipalFilter{}
	if !e.allowSelfAssign {
		f.ExcludeID = creatorID
	}
	return e.store.ListPrincipals(ctx, f)
}

// CompleteTask is the assignee's "done". With the review flow enabled it
// submits the task for review without evidence.
func (e *Engine) CompleteTask(ctx context.Context, id task.ID, actorID int64) (*task.Task, error) {
	if e.reviewFlow {
		return e.submit(ctx, id, actorID, nil)
	}
	t, err := e.loadFor(ctx, id, actorID, CanComplete)
	if err != nil {
		return nil, err
	}
	return e.transition(ctx, t, task.StatusActive, task.StatusCompleted, actorID, nil)
}

// SubmitForReview moves an active task to on_review with optional evidence
// of the fix.
func (e *Engine) SubmitForReview(ctx context.Context, id task.ID, actorID int64, evidence task.Evidence) (*task.Task, error) {
	if !e.reviewFlow {
		return nil, fmt.Errorf("review flow disabled: %w", task.ErrInvalidTransition)
	}
	if !evidence.Valid() {
		return nil, task.ErrInvalidEvidence
	}
	return e.submit(ctx, id, actorID, &evidence)
}

func (e *Engine) submit(ctx context.Context, id task.ID, actorID int64, evidence *task.Evidence) (*task.Task, error) {
	t, err := e.loadFor(ctx, id, actorID, CanComplete)
	if err != nil {
		return nil, err
	}
	return e.transition(ctx, t, task.StatusActive, task.StatusOnReview, actorID, evidence)
}

// ConfirmTask accepts a reviewed task. Creator only.
func (e *Engine) ConfirmTask(ctx context.Context, id task.ID, actorID int64) (*task.Task, error) {
	t, err := e.loadFor(ctx, id, actorID, CanReview)
	if err != nil {
		return nil, err
	}
	return e.transition(ctx, t, task.StatusOnReview, task.StatusCompleted, actorID, nil)
}

// RejectTask sends a reviewed task back to active. Creator only.
func (e *Engine) RejectTask(ctx context.Context, id task.ID, actorID int64) (*task.Task, error) {
	t, err := e.loadFor(ctx, id, actorID, CanReview)
	if err != nil {
		return nil, err
	}
	return e.transition(ctx, t, task.StatusOnReview, task.StatusActive, actorID, nil)
}

func (e *Engine) loadFor(ctx context.Context, id task.ID, actorID int64, allowed func(int64, *task.Task) bool) (*task.Task, error) {
	t, err := e.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if !allowed(actorID, t) {
		return nil, task.ErrUnauthorized
	}
	return t, nil
}

func (e *Engine) transition(ctx context.Context, t *task.Task, from, to task.Status, actorID int64, evidence *task.Evidence) (*task.Task, error) {
	if t.Status != from {
		return nil, fmt.Errorf("task %d is %s: %w", t.ID, t.Status, task.ErrInvalidTransition)
	}
	updated, err := e.store.TransitionTask(ctx, store.Transition{
		ID:             t.ID,
		From:           from,
		To:             to,
		ActorID:        actorID,
		At:             e.now(),
		ReviewEvidence: evidence,
	})
	if err != nil {
		return nil, err
	}
	e.metrics.TaskTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("to", string(to))))
	e.logger.Info("task transition",
		zap.Int64("task_id", int64(t.ID)),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Int64("actor_id", actorID),
	)
	return updated, nil
}

// Promote makes target a manager. It returns false without writing when the
// caller is not the admin, the target is unknown, the caller itself, or the
// admin.
func (e *Engine) Promote(ctx context.Context, adminID, targetID int64) (bool, error) {
	if adminID == targetID {
		return false, nil
	}
	caller, err := e.store.GetPrincipal(ctx, adminID)
	if errors.Is(err, task.ErrPrincipalNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !IsAdmin(caller) {
		return false, nil
	}
	target, err := e.store.GetPrincipal(ctx, targetID)
	if errors.Is(err, task.ErrPrincipalNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if target.Role == task.RoleAdmin {
		return false, nil
	}
	ok, err := e.store.PromoteToManager(ctx, targetID)
	if err != nil {
		return false, err
	}
	if ok {
		e.logger.Info("principal promoted", zap.Int64("admin_id", adminID), zap.Int64("target_id", targetID))
	}
	return ok, nil
}

// RegisterPrincipal records or refreshes a user seen by the bot. Roles are
// never lowered.
func (e *Engine) RegisterPrincipal(ctx context.Context, p task.Principal) (*task.Principal, error) {
	p.DisplayName = strings.TrimSpace(p.DisplayName)
	if p.RegisteredAt.IsZero() {
		p.RegisteredAt = e.now()
	}
	if p.Role == "" {
		p.Role = task.RoleAssignee
	}
	return e.store.RegisterPrincipal(ctx, p)
}

// BootstrapAdmin makes id the admin if the system has none yet.
func (e *Engine) BootstrapAdmin(ctx context.Context, id int64) (bool, error) {
	ok, err := e.store.BootstrapAdmin(ctx, id)
	if err != nil {
		return false, err
	}
	if ok {
		e.logger.Info("admin bootstrapped", zap.Int64("principal_id", id))
	}
	return ok, nil
}

func (e *Engine) lookup(ctx context.Context, id int64) (*task.Principal, error) {
	p, err := e.store.GetPrincipal(ctx, id)
	if errors.Is(err, task.ErrPrincipalNotFound) {
		return nil, task.ErrUnauthorized
	}
	if err != nil {
		return nil, fmt.Errorf("get principal: %w", err)
	}
	return p, nil
}
