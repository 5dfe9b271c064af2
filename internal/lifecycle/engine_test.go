package lifecycle

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/cabot/internal/metrics"
	"github.com/stellarlinkco/cabot/internal/store"
	"github.com/stellarlinkco/cabot/internal/task"
)

const (
	adminID    int64 = 1
	managerID  int64 = 2
	assigneeID int64 = 3
	otherID    int64 = 4
)

var now = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	store  *store.Store
	engine *Engine
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	clock := func() time.Time { return now }
	s, err := store.Open(filepath.Join(t.TempDir(), "cabot.db"), store.WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	if cfg.MinDescription == 0 {
		cfg.MinDescription = 5
	}
	cfg.Now = clock
	e := NewEngine(s, cfg)

	ctx := context.Background()
	for _, p := range []task.Principal{
		{ID: adminID, DisplayName: "Admin"},
		{ID: managerID, DisplayName: "Manager", Role: task.RoleManager},
		{ID: assigneeID, DisplayName: "Ivan", ChatHandle: 300},
		{ID: otherID, DisplayName: "Olga"},
	} {
		_, err := e.RegisterPrincipal(ctx, p)
		require.NoError(t, err)
	}
	ok, err := e.BootstrapAdmin(ctx, adminID)
	require.NoError(t, err)
	require.True(t, ok)

	return &fixture{store: s, engine: e}
}

func draft(creator, assignee int64) task.Draft {
	return task.Draft{
		CreatorID:   creator,
		AssigneeID:  assignee,
		Description: "  Replace the broken valve  ",
		Deadline:    now.Add(48 * time.Hour),
	}
}

func (f *fixture) create(t *testing.T) task.ID {
	t.Helper()
	id, err := f.engine.CreateTask(context.Background(), draft(managerID, assigneeID))
	require.NoError(t, err)
	return id
}

func (f *fixture) taskCount(t *testing.T) int {
	t.Helper()
	tasks, err := f.store.ListTasks(context.Background(), store.TaskFilter{})
	require.NoError(t, err)
	return len(tasks)
}

func TestCreateTask(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	id := f.create(t)
	got, err := f.store.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusActive, got.Status)
	assert.Equal(t, "Replace the broken valve", got.Description)
	assert.Equal(t, "Manager", got.CreatorName)
	assert.Equal(t, "Ivan", got.AssigneeName)
	assert.Nil(t, got.CompletedAt)
	assert.Nil(t, got.LastReminderAt)

	events, err := f.store.TaskEvents(ctx, id)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, task.StatusActive, events[0].To)
}

func TestCreateTask_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(d *task.Draft)
		want   error
	}{
		{"assignee cannot create", func(d *task.Draft) { d.CreatorID = assigneeID; d.AssigneeID = otherID }, task.ErrUnauthorized},
		{"unknown creator", func(d *task.Draft) { d.CreatorID = 99 }, task.ErrUnauthorized},
		{"unknown assignee", func(d *task.Draft) { d.AssigneeID = 99 }, task.ErrInvalidAssignee},
		{"self assign", func(d *task.Draft) { d.AssigneeID = managerID }, task.ErrInvalidAssignee},
		{"short description", func(d *task.Draft) { d.Description = "  abc  " }, task.ErrDescriptionTooShort},
		{"past deadline", func(d *task.Draft) { d.Deadline = now.Add(-time.Minute) }, task.ErrPastDeadline},
		{"deadline now", func(d *task.Draft) { d.Deadline = now }, task.ErrPastDeadline},
		{"bad evidence", func(d *task.Draft) { d.Evidence = task.Evidence{Kind: task.MediaPhoto} }, task.ErrInvalidEvidence},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{})
			d := draft(managerID, assigneeID)
			tt.mutate(&d)

			_, err := f.engine.CreateTask(context.Background(), d)
			assert.ErrorIs(t, err, tt.want)
			assert.Zero(t, f.taskCount(t), "store must be unchanged")
		})
	}
}

func TestCreateTask_AllowSelfAssign(t *testing.T) {
	f := newFixture(t, Config{AllowSelfAssign: true})
	_, err := f.engine.CreateTask(context.Background(), draft(managerID, managerID))
	require.NoError(t, err)

	list, err := f.engine.Assignees(context.Background(), managerID)
	require.NoError(t, err)
	assert.Len(t, list, 4)
}

func TestAssignees_ExcludesCreator(t *testing.T) {
	f := newFixture(t, Config{})
	list, err := f.engine.Assignees(context.Background(), managerID)
	require.NoError(t, err)
	require.Len(t, list, 3)
	for _, p := range list {
		assert.NotEqual(t, managerID, p.ID)
	}
}

func TestCompleteTask_EndToEnd(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	id := f.create(t)

	_, err := f.engine.CompleteTask(ctx, id, otherID)
	assert.ErrorIs(t, err, task.ErrUnauthorized)
	_, err = f.engine.CompleteTask(ctx, id, managerID)
	assert.ErrorIs(t, err, task.ErrUnauthorized, "creator is not the assignee")

	done, err := f.engine.CompleteTask(ctx, id, assigneeID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)
	assert.True(t, done.CompletedAt.Equal(now))

	_, err = f.engine.CompleteTask(ctx, id, assigneeID)
	assert.ErrorIs(t, err, task.ErrInvalidTransition)

	_, err = f.engine.CompleteTask(ctx, 999, assigneeID)
	assert.ErrorIs(t, err, task.ErrTaskNotFound)
	assert.ErrorIs(t, err, task.ErrNotFound)
}

func TestCompleteTask_ConcurrentSingleWinner(t *testing.T) {
	f := newFixture(t, Config{})
	id := f.create(t)

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
		invalid int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.CompleteTask(context.Background(), id, assigneeID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				success++
			case errors.Is(err, task.ErrInvalidTransition):
				invalid++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, success)
	assert.Equal(t, workers-1, invalid)

	events, err := f.store.TaskEvents(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, events, 2, "one create and one completion")
}

func TestReviewFlow(t *testing.T) {
	f := newFixture(t, Config{ReviewFlow: true})
	ctx := context.Background()
	id := f.create(t)

	submitted, err := f.engine.CompleteTask(ctx, id, assigneeID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusOnReview, submitted.Status)
	assert.Nil(t, submitted.CompletedAt)

	_, err = f.engine.ConfirmTask(ctx, id, assigneeID)
	assert.ErrorIs(t, err, task.ErrUnauthorized)

	rejected, err := f.engine.RejectTask(ctx, id, managerID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusActive, rejected.Status)

	_, err = f.engine.ConfirmTask(ctx, id, managerID)
	assert.ErrorIs(t, err, task.ErrInvalidTransition, "active task cannot be confirmed")

	evidence := task.Evidence{Kind: task.MediaVideo, FileID: "fixed"}
	_, err = f.engine.SubmitForReview(ctx, id, assigneeID, evidence)
	require.NoError(t, err)

	confirmed, err := f.engine.ConfirmTask(ctx, id, managerID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, confirmed.Status)
	assert.NotNil(t, confirmed.CompletedAt)
	assert.Equal(t, evidence, confirmed.ReviewEvidence)
}

func TestSubmitForReview_Disabled(t *testing.T) {
	f := newFixture(t, Config{})
	id := f.create(t)

	_, err := f.engine.SubmitForReview(context.Background(), id, assigneeID, task.Evidence{})
	assert.ErrorIs(t, err, task.ErrInvalidTransition)
}

func TestSubmitForReview_InvalidEvidence(t *testing.T) {
	f := newFixture(t, Config{ReviewFlow: true})
	id := f.create(t)

	_, err := f.engine.SubmitForReview(context.Background(), id, assigneeID, task.Evidence{Kind: "audio", FileID: "x"})
	assert.ErrorIs(t, err, task.ErrInvalidEvidence)
	got, err := f.store.GetTask(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusActive, got.Status)
}

func TestPromote(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	tests := []struct {
		name   string
		caller int64
		target int64
		want   bool
	}{
		{"non admin caller", managerID, otherID, false},
		{"admin promotes self", adminID, adminID, false},
		{"unknown target", adminID, 99, false},
		{"unknown caller", 99, otherID, false},
		{"assignee", adminID, otherID, true},
		{"already manager", adminID, managerID, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := f.engine.Promote(ctx, tt.caller, tt.target)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}

	p, err := f.store.GetPrincipal(ctx, otherID)
	require.NoError(t, err)
	assert.Equal(t, task.RoleManager, p.Role)

	admin, err := f.store.GetPrincipal(ctx, adminID)
	require.NoError(t, err)
	assert.Equal(t, task.RoleAdmin, admin.Role, "admin is never demoted")
}

func TestPromote_AfterAdminTransfer(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	require.NoError(t, f.store.TransferAdmin(ctx, otherID))
	ok, err := f.engine.Promote(ctx, adminID, otherID)
	require.NoError(t, err)
	assert.False(t, ok, "former admin is now a manager")

	ok, err = f.engine.Promote(ctx, otherID, otherID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBootstrapAdmin_Once(t *testing.T) {
	f := newFixture(t, Config{})
	ok, err := f.engine.BootstrapAdmin(context.Background(), managerID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEngine_Metrics(t *testing.T) {
	provider := metrics.NewProvider()
	m, err := metrics.NewMetrics(provider.Meter)
	require.NoError(t, err)

	f := newFixture(t, Config{Metrics: m})
	id := f.create(t)
	_, err = f.engine.CompleteTask(context.Background(), id, assigneeID)
	require.NoError(t, err)

	snap, err := provider.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1.0, snap["cabot.tasks.created"])
	assert.Equal(t, 1.0, snap["cabot.tasks.transitions{to=completed}"])
}

func TestAuthzPredicates(t *testing.T) {
	tk := &task.Task{CreatorID: managerID, AssigneeID: assigneeID}

	assert.True(t, CanCreateTask(&task.Principal{Role: task.RoleAdmin}))
	assert.True(t, CanCreateTask(&task.Principal{Role: task.RoleManager}))
	assert.False(t, CanCreateTask(&task.Principal{Role: task.RoleAssignee}))
	assert.False(t, CanCreateTask(nil))

	assert.True(t, CanComplete(assigneeID, tk))
	assert.False(t, CanComplete(managerID, tk))
	assert.True(t, CanReview(managerID, tk))
	assert.False(t, CanReview(assigneeID, tk))
	assert.False(t, CanReview(0, &task.Task{}))

	assert.True(t, IsAdmin(&task.Principal{Role: task.RoleAdmin}))
	assert.False(t, IsAdmin(&task.Principal{Role: task.RoleManager}))
}
