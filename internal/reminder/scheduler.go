// Package reminder re-notifies assignees of active tasks on a cron schedule.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	rcron "github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/stellarlinkco/cabot/internal/bus"
	"github.com/stellarlinkco/cabot/internal/logging"
	"github.com/stellarlinkco/cabot/internal/metrics"
	"github.com/stellarlinkco/cabot/internal/notify"
	"github.com/stellarlinkco/cabot/internal/task"
)

const (
	DefaultInterval        = 6 * time.Hour
	DefaultSchedule        = "@every 10m"
	DefaultDeliveryTimeout = 15 * time.Second
	DefaultBatchLimit      = 500

	// leaseMargin extends the reminder lease past the delivery timeout.
	leaseMargin = 30 * time.Second
)

// Store is the persistence the scheduler needs.
type Store interface {
	DueForReminder(ctx context.Context, now time.Time, interval time.Duration, limit int) ([]*task.Task, error)
	GetPrincipal(ctx context.Context, id int64) (*task.Principal, error)
	ClaimReminder(ctx context.Context, id task.ID, owner string, now time.Time, interval, ttl time.Duration) (bool, error)
	CompleteReminder(ctx context.Context, id task.ID, owner string, at time.Time) (bool, error)
	ReleaseReminder(ctx context.Context, id task.ID, owner string) error
}

type Config struct {
	Schedule        string
	Interval        time.Duration
	DeliveryTimeout time.Duration
	BatchLimit      int
	ReviewFlow      bool
	Formatter       *notify.Formatter
	Now             func() time.Time
	Metrics         *metrics.Metrics
	Logger          *zap.Logger
}

// CycleResult counts what one scan cycle did.
type CycleResult struct {
	Due       int           `json:"due"`
	Sent      int           `json:"sent"`
	Skipped   int           `json:"skipped"`
	Contended int           `json:"contended"`
	Failed    int           `json:"failed"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeSkipped
	outcomeContended
	outcomeFailed
)

// Scheduler runs the reminder scan cycle and any extra periodic jobs on one
// cron runner. A cycle never overlaps itself within a process; reminder
// leases keep concurrent processes from delivering twice.
type Scheduler struct {
	store  Store
	sender notify.Sender
	cfg    Config
	logger *zap.Logger
	cron   *rcron.Cron

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	last    CycleResult
}

func NewScheduler(s Store, sender notify.Sender, cfg Config) (*Scheduler, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = DefaultDeliveryTimeout
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = DefaultBatchLimit
	}
	if cfg.Formatter == nil {
		cfg.Formatter = notify.NewFormatter(time.UTC, cfg.ReviewFlow)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Noop()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	logger := cfg.Logger.Named("reminder")

	cronLogger := logging.CronLogger(logger)
	sch := &Scheduler{
		store:  s,
		sender: sender,
		cfg:    cfg,
		logger: logger,
		ctx:    context.Background(),
		cron: rcron.New(
			rcron.WithLogger(cronLogger),
			rcron.WithChain(rcron.Recover(cronLogger), rcron.SkipIfStillRunning(cronLogger)),
		),
	}
	if err := sch.AddJob("reminder-scan", cfg.Schedule, func(ctx context.Context) {
		sch.RunCycle(ctx)
	}); err != nil {
		return nil, err
	}
	return sch, nil
}

// AddJob registers fn on the scheduler's cron runner. Jobs receive the
// context passed to Start and never overlap themselves.
func (s *Scheduler) AddJob(name, spec string, fn func(ctx context.Context)) error {
	_, err := s.cron.AddFunc(spec, func() {
		fn(s.runContext())
	})
	if err != nil {
		return fmt.Errorf("register job %s (%s): %w", name, spec, err)
	}
	s.logger.Debug("job registered", zap.String("job", name), zap.String("schedule", spec))
	return nil
}

func (s *Scheduler) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("started",
		zap.String("schedule", s.cfg.Schedule),
		zap.Duration("interval", s.cfg.Interval),
		zap.Int("jobs", len(s.cron.Entries())),
	)
}

// Stop halts scheduling and waits up to timeout for running jobs. It
// reports whether all jobs finished in time.
func (s *Scheduler) Stop(timeout time.Duration) bool {
	s.mu.Lock()
	cancel := s.cancel
	started := s.started
	s.started = false
	s.mu.Unlock()
	if !started {
		return true
	}

	stopCtx := s.cron.Stop()
	if cancel != nil {
		defer cancel()
	}
	select {
	case <-stopCtx.Done():
		s.logger.Info("stopped")
		return true
	case <-time.After(timeout):
		s.logger.Warn("stop timeout waiting for running jobs", zap.Duration("timeout", timeout))
		return false
	}
}

// LastCycle returns the result of the most recent completed cycle.
func (s *Scheduler) LastCycle() CycleResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// RunCycle reminds every due task once. Failures of one task never stop the
// cycle; a failed delivery is retried on a later cycle.
func (s *Scheduler) RunCycle(ctx context.Context) CycleResult {
	now := s.cfg.Now()
	res := CycleResult{StartedAt: now}
	owner := uuid.NewString()
	start := time.Now()

	tasks, err := s.store.DueForReminder(ctx, now, s.cfg.Interval, s.cfg.BatchLimit)
	if err != nil {
		s.logger.Error("list due tasks failed", zap.Error(err))
		return res
	}
	res.Due = len(tasks)

	for _, t := range tasks {
		if ctx.Err() != nil {
			break
		}
		switch s.remind(ctx, owner, t) {
		case outcomeSent:
			res.Sent++
		case outcomeSkipped:
			res.Skipped++
		case outcomeContended:
			res.Contended++
		case outcomeFailed:
			res.Failed++
		}
	}

	res.Duration = time.Since(start)
	s.cfg.Metrics.ReminderCycles.Add(ctx, 1)
	s.cfg.Metrics.CycleDuration.Record(ctx, res.Duration.Seconds())

	s.mu.Lock()
	s.last = res
	s.mu.Unlock()

	if res.Due > 0 {
		s.logger.Info("cycle finished",
			zap.Int("due", res.Due),
			zap.Int("sent", res.Sent),
			zap.Int("skipped", res.Skipped),
			zap.Int("contended", res.Contended),
			zap.Int("failed", res.Failed),
			zap.Duration("duration", res.Duration),
		)
	}
	return res
}

// remind delivers one reminder. The clock is read per task so a long cycle
// never claims a lease that is already expired.
func (s *Scheduler) remind(ctx context.Context, owner string, t *task.Task) (result outcome) {
	now := s.cfg.Now()
	claimed := false
	log := s.logger.With(zap.Int64("task_id", int64(t.ID)), zap.Int64("assignee_id", t.AssigneeID))

	defer func() {
		if r := recover(); r != nil {
			log.Error("reminder panicked", zap.Any("panic", r), zap.Stack("stack"))
			if claimed {
				s.release(ctx, t.ID, owner, log)
			}
			s.cfg.Metrics.ReminderFailures.Add(ctx, 1)
			result = outcomeFailed
		}
	}()

	if !t.ReminderDue(now, s.cfg.Interval) {
		s.cfg.Metrics.RemindersSkipped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "not_due")))
		return outcomeSkipped
	}

	assignee, err := s.store.GetPrincipal(ctx, t.AssigneeID)
	if err != nil && !errors.Is(err, task.ErrPrincipalNotFound) {
		log.Error("get assignee failed", zap.Error(err))
		s.cfg.Metrics.ReminderFailures.Add(ctx, 1)
		return outcomeFailed
	}
	if !assignee.Reachable() {
		log.Debug("assignee has no private chat, skipping")
		s.cfg.Metrics.RemindersSkipped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "unreachable")))
		return outcomeSkipped
	}

	ttl := s.cfg.DeliveryTimeout + leaseMargin
	claimed, err = s.store.ClaimReminder(ctx, t.ID, owner, now, s.cfg.Interval, ttl)
	if err != nil {
		log.Error("claim reminder failed", zap.Error(err))
		s.cfg.Metrics.ReminderFailures.Add(ctx, 1)
		return outcomeFailed
	}
	if !claimed {
		s.cfg.Metrics.RemindersSkipped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "contended")))
		return outcomeContended
	}

	u, _ := task.Classify(t.Deadline, now)
	msg := bus.OutboundMessage{
		ChatID:   assignee.ChatHandle,
		Content:  s.cfg.Formatter.Reminder(t, now),
		Keyboard: notify.DoneKeyboard(t.ID, s.cfg.ReviewFlow),
	}
	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.DeliveryTimeout)
	err = s.sender.Send(sendCtx, msg)
	cancel()
	if err != nil {
		log.Warn("reminder delivery failed", zap.Error(err))
		s.release(ctx, t.ID, owner, log)
		claimed = false
		s.cfg.Metrics.ReminderFailures.Add(ctx, 1)
		return outcomeFailed
	}

	if _, err := s.store.CompleteReminder(context.WithoutCancel(ctx), t.ID, owner, now); err != nil {
		log.Error("stamp reminder failed", zap.Error(err))
		s.cfg.Metrics.ReminderFailures.Add(ctx, 1)
		return outcomeFailed
	}
	claimed = false
	s.cfg.Metrics.RemindersSent.Add(ctx, 1, metric.WithAttributes(attribute.String("urgency", u.String())))
	log.Debug("reminder sent", zap.String("urgency", u.String()))
	return outcomeSent
}

func (s *Scheduler) release(ctx context.Context, id task.ID, owner string, log *zap.Logger) {
	if err := s.store.ReleaseReminder(context.WithoutCancel(ctx), id, owner); err != nil {
		log.Error("release reminder lease failed", zap.Error(err))
	}
}
