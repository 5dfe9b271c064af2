package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stellarlinkco/cabot/internal/task"
)

var testNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "cabot.db"), WithClock(func() time.Time { return testNow }))
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedTask(t *testing.T, s *Store, creator, assignee int64, deadline time.Time) task.ID {
	t.Helper()
	id, err := s.InsertTask(context.Background(), task.Draft{
		CreatorID:    creator,
		CreatorName:  "Creator",
		AssigneeID:   assignee,
		AssigneeName: "Assignee",
		Description:  "fix the leaking valve",
		Deadline:     deadline,
	}, testNow)
	if err != nil {
		t.Fatalf("InsertTask error: %v", err)
	}
	return id
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cabot.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	// Schema creation is idempotent.
	s2, err := Open(path)
	if err != nil {
		t.Fatalf("Open reopen error: %v", err)
	}
	defer s2.Close()
	if err := s2.Ping(context.Background()); err != nil {
		t.Fatalf("Ping error: %v", err)
	}
}

func TestRegisterPrincipal_PreservesRole(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.RegisterPrincipal(ctx, task.Principal{ID: 1, DisplayName: "Anna", Role: task.RoleManager}); err != nil {
		t.Fatalf("RegisterPrincipal error: %v", err)
	}
	ok, err := s.BootstrapAdmin(ctx, 1)
	if err != nil || !ok {
		t.Fatalf("BootstrapAdmin = %v, %v; want true", ok, err)
	}

	// A later private /start must not demote the admin.
	p, err := s.RegisterPrincipal(ctx, task.Principal{ID: 1, DisplayName: "Anna K", Username: "@anna", ChatHandle: 1001})
	if err != nil {
		t.Fatalf("RegisterPrincipal again error: %v", err)
	}
	if p.Role != task.RoleAdmin {
		t.Fatalf("role = %s, want admin", p.Role)
	}
	if p.DisplayName != "Anna K" || p.Username != "anna" || p.ChatHandle != 1001 {
		t.Fatalf("profile not refreshed: %+v", p)
	}

	// A zero chat handle keeps the stored one.
	p, err = s.RegisterPrincipal(ctx, task.Principal{ID: 1, RegisteredFrom: -500})
	if err != nil {
		t.Fatalf("RegisterPrincipal group error: %v", err)
	}
	if p.ChatHandle != 1001 || p.RegisteredFrom != -500 || p.DisplayName != "Anna K" {
		t.Fatalf("unexpected merge: %+v", p)
	}
}

func TestRegisterPrincipal_UpgradesAssigneeToManagerOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.RegisterPrincipal(ctx, task.Principal{ID: 2, DisplayName: "Boris"}); err != nil {
		t.Fatalf("RegisterPrincipal error: %v", err)
	}
	p, err := s.RegisterPrincipal(ctx, task.Principal{ID: 2, Role: task.RoleManager})
	if err != nil {
		t.Fatalf("RegisterPrincipal manager error: %v", err)
	}
	if p.Role != task.RoleManager {
		t.Fatalf("role = %s, want manager", p.Role)
	}
	p, err = s.RegisterPrincipal(ctx, task.Principal{ID: 2, Role: task.RoleAssignee})
	if err != nil {
		t.Fatalf("RegisterPrincipal assignee error: %v", err)
	}
	if p.Role != task.RoleManager {
		t.Fatalf("role = %s, want manager kept", p.Role)
	}

	p, err = s.RegisterPrincipal(ctx, task.Principal{ID: 3, DisplayName: "Vera", Role: task.RoleAdmin})
	if err != nil {
		t.Fatalf("RegisterPrincipal admin error: %v", err)
	}
	if p.Role != task.RoleManager {
		t.Fatalf("role = %s, want admin request capped at manager", p.Role)
	}
}

func TestGetPrincipal_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetPrincipal(context.Background(), 404)
	if !errors.Is(err, task.ErrPrincipalNotFound) {
		t.Fatalf("err = %v, want ErrPrincipalNotFound", err)
	}
}

func TestBootstrapAdmin_OnlyOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, id := range []int64{1, 2} {
		if _, err := s.RegisterPrincipal(ctx, task.Principal{ID: id, DisplayName: fmt.Sprintf("u%d", id)}); err != nil {
			t.Fatalf("RegisterPrincipal error: %v", err)
		}
	}

	if ok, err := s.BootstrapAdmin(ctx, 1); err != nil || !ok {
		t.Fatalf("first bootstrap = %v, %v", ok, err)
	}
	if ok, err := s.BootstrapAdmin(ctx, 2); err != nil || ok {
		t.Fatalf("second bootstrap = %v, %v; want false", ok, err)
	}
	admin, err := s.Admin(ctx)
	if err != nil || admin == nil || admin.ID != 1 {
		t.Fatalf("Admin = %+v, %v", admin, err)
	}

	if err := s.TransferAdmin(ctx, 2); err != nil {
		t.Fatalf("TransferAdmin error: %v", err)
	}
	counts, err := s.CountPrincipals(ctx)
	if err != nil {
		t.Fatalf("CountPrincipals error: %v", err)
	}
	if counts[task.RoleAdmin] != 1 || counts[task.RoleManager] != 1 {
		t.Fatalf("counts = %v, want one admin and one manager", counts)
	}
	if err := s.TransferAdmin(ctx, 99); !errors.Is(err, task.ErrPrincipalNotFound) {
		t.Fatalf("TransferAdmin missing err = %v", err)
	}
}

func TestPromoteToManager(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, _ = s.RegisterPrincipal(ctx, task.Principal{ID: 1, DisplayName: "admin"})
	_, _ = s.RegisterPrincipal(ctx, task.Principal{ID: 2, DisplayName: "user"})
	if ok, _ := s.BootstrapAdmin(ctx, 1); !ok {
		t.Fatal("bootstrap failed")
	}

	if ok, err := s.PromoteToManager(ctx, 1); err != nil || ok {
		t.Fatalf("promote admin = %v, %v; want false", ok, err)
	}
	if ok, err := s.PromoteToManager(ctx, 2); err != nil || !ok {
		t.Fatalf("promote user = %v, %v; want true", ok, err)
	}
	if ok, err := s.PromoteToManager(ctx, 3); err != nil || ok {
		t.Fatalf("promote missing = %v, %v; want false", ok, err)
	}

	managers, err := s.ListPrincipals(ctx, PrincipalFilter{Roles: []task.Role{task.RoleManager}})
	if err != nil {
		t.Fatalf("ListPrincipals error: %v", err)
	}
	if len(managers) != 1 || managers[0].ID != 2 {
		t.Fatalf("managers = %+v", managers)
	}
	others, err := s.ListPrincipals(ctx, PrincipalFilter{ExcludeID: 1})
	if err != nil || len(others) != 1 {
		t.Fatalf("ListPrincipals exclude = %d, %v", len(others), err)
	}
}

func TestGroupChat(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	g, err := s.GetGroupChat(ctx, -100)
	if err != nil || g != nil {
		t.Fatalf("GetGroupChat missing = %+v, %v", g, err)
	}
	if err := s.UpsertGroupChat(ctx, task.GroupChat{ChatID: -100, Title: "Plant", AdminID: 7}); err != nil {
		t.Fatalf("UpsertGroupChat error: %v", err)
	}
	if err := s.UpsertGroupChat(ctx, task.GroupChat{ChatID: -100, Title: "Plant 2"}); err != nil {
		t.Fatalf("UpsertGroupChat update error: %v", err)
	}
	g, err = s.GetGroupChat(ctx, -100)
	if err != nil {
		t.Fatalf("GetGroupChat error: %v", err)
	}
	if g.Title != "Plant 2" || g.AdminID != 7 || !g.CreatedAt.Equal(testNow) {
		t.Fatalf("group = %+v", g)
	}
}

func TestInsertAndGetTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	deadline := testNow.Add(48 * time.Hour)

	id, err := s.InsertTask(ctx, task.Draft{
		CreatorID:   1,
		AssigneeID:  2,
		Evidence:    task.Evidence{Kind: task.MediaPhoto, FileID: "photo-1"},
		Description: "  replace the guard rail  ",
		Deadline:    deadline,
	}, testNow)
	if err != nil {
		t.Fatalf("InsertTask error: %v", err)
	}
	second := seedTask(t, s, 1, 2, deadline)
	if second <= id {
		t.Fatalf("ids not increasing: %d then %d", id, second)
	}

	got, err := s.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("GetTask error: %v", err)
	}
	if got.Status != task.StatusActive || got.CompletedAt != nil || got.LastReminderAt != nil {
		t.Fatalf("unexpected fresh task: %+v", got)
	}
	if got.Description != "replace the guard rail" {
		t.Fatalf("description = %q", got.Description)
	}
	if got.Evidence.Kind != task.MediaPhoto || got.Evidence.FileID != "photo-1" {
		t.Fatalf("evidence = %+v", got.Evidence)
	}
	if !got.Deadline.Equal(deadline) {
		t.Fatalf("deadline = %v, want %v", got.Deadline, deadline)
	}

	events, err := s.TaskEvents(ctx, id)
	if err != nil {
		t.Fatalf("TaskEvents error: %v", err)
	}
	if len(events) != 1 || events[0].From != "" || events[0].To != task.StatusActive || events[0].ActorID != 1 {
		t.Fatalf("events = %+v", events)
	}

	if _, err := s.GetTask(ctx, 999); !errors.Is(err, task.ErrTaskNotFound) {
		t.Fatalf("GetTask missing err = %v", err)
	}
}

func TestTransitionTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := seedTask(t, s, 1, 2, testNow.Add(time.Hour))
	doneAt := testNow.Add(10 * time.Minute)

	got, err := s.TransitionTask(ctx, Transition{ID: id, From: task.StatusActive, To: task.StatusCompleted, ActorID: 2, At: doneAt})
	if err != nil {
		t.Fatalf("TransitionTask error: %v", err)
	}
	if got.Status != task.StatusCompleted || got.CompletedAt == nil || !got.CompletedAt.Equal(doneAt) {
		t.Fatalf("completed task = %+v", got)
	}

	_, err = s.TransitionTask(ctx, Transition{ID: id, From: task.StatusActive, To: task.StatusCompleted, ActorID: 2, At: doneAt})
	if !errors.Is(err, task.ErrInvalidTransition) {
		t.Fatalf("second transition err = %v, want ErrInvalidTransition", err)
	}
	_, err = s.TransitionTask(ctx, Transition{ID: 404, From: task.StatusActive, To: task.StatusCompleted, At: doneAt})
	if !errors.Is(err, task.ErrTaskNotFound) {
		t.Fatalf("missing transition err = %v, want ErrTaskNotFound", err)
	}
	_, err = s.TransitionTask(ctx, Transition{ID: id, From: task.StatusCompleted, To: task.StatusExpired, At: doneAt})
	if !errors.Is(err, task.ErrInvalidTransition) {
		t.Fatalf("expired transition err = %v, want ErrInvalidTransition", err)
	}

	events, err := s.TaskEvents(ctx, id)
	if err != nil {
		t.Fatalf("TaskEvents error: %v", err)
	}
	if len(events) != 2 || events[1].From != task.StatusActive || events[1].To != task.StatusCompleted {
		t.Fatalf("events = %+v", events)
	}
}

func TestTransitionTask_ReviewRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := seedTask(t, s, 1, 2, testNow.Add(time.Hour))

	ev := &task.Evidence{Kind: task.MediaVideo, FileID: "video-9"}
	got, err := s.TransitionTask(ctx, Transition{ID: id, From: task.StatusActive, To: task.StatusOnReview, ActorID: 2, At: testNow, ReviewEvidence: ev})
	if err != nil {
		t.Fatalf("submit error: %v", err)
	}
	if got.ReviewEvidence != *ev || got.CompletedAt != nil {
		t.Fatalf("on review task = %+v", got)
	}

	got, err = s.TransitionTask(ctx, Transition{ID: id, From: task.StatusOnReview, To: task.StatusActive, ActorID: 1, At: testNow})
	if err != nil {
		t.Fatalf("reject error: %v", err)
	}
	if got.Status != task.StatusActive || got.ReviewEvidence != *ev {
		t.Fatalf("rejected task = %+v", got)
	}
}

func TestListTasks_Filters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	late := seedTask(t, s, 1, 2, testNow.Add(72*time.Hour))
	overdue := seedTask(t, s, 1, 2, testNow.Add(-time.Hour))
	other := seedTask(t, s, 3, 4, testNow.Add(time.Hour))
	done := seedTask(t, s, 1, 4, testNow.Add(time.Hour))
	if _, err := s.TransitionTask(ctx, Transition{ID: done, From: task.StatusActive, To: task.StatusCompleted, ActorID: 4, At: testNow}); err != nil {
		t.Fatalf("complete error: %v", err)
	}

	tests := []struct {
		name   string
		filter TaskFilter
		want   []task.ID
	}{
		{"all by deadline", TaskFilter{}, []task.ID{overdue, other, done, late}},
		{"assignee", TaskFilter{AssigneeID: 2}, []task.ID{overdue, late}},
		{"creator active", TaskFilter{CreatorID: 1, Statuses: []task.Status{task.StatusActive}}, []task.ID{overdue, late}},
		{"expired", TaskFilter{Statuses: []task.Status{task.StatusExpired}, Now: testNow}, []task.ID{overdue}},
		{"completed or expired", TaskFilter{Statuses: []task.Status{task.StatusCompleted, task.StatusExpired}, Now: testNow}, []task.ID{overdue, done}},
		{"limit", TaskFilter{Limit: 1}, []task.ID{overdue}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListTasks(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListTasks error: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d tasks, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i].ID != tt.want[i] {
					t.Fatalf("task[%d] = %d, want %d", i, got[i].ID, tt.want[i])
				}
			}
		})
	}

	st, err := s.TaskStats(ctx, TaskFilter{CreatorID: 1}, testNow)
	if err != nil {
		t.Fatalf("TaskStats error: %v", err)
	}
	if st != (Stats{Total: 3, Active: 1, Expired: 1, Completed: 1}) {
		t.Fatalf("stats = %+v", st)
	}
}

func TestReminderLease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	interval := 6 * time.Hour
	ttl := time.Minute
	id := seedTask(t, s, 1, 2, testNow.Add(24*time.Hour))

	due, err := s.DueForReminder(ctx, testNow, interval, 0)
	if err != nil || len(due) != 1 {
		t.Fatalf("DueForReminder = %d, %v", len(due), err)
	}

	if ok, err := s.ClaimReminder(ctx, id, "a", testNow, interval, ttl); err != nil || !ok {
		t.Fatalf("claim a = %v, %v", ok, err)
	}
	if ok, err := s.ClaimReminder(ctx, id, "b", testNow, interval, ttl); err != nil || ok {
		t.Fatalf("claim b while leased = %v, %v; want false", ok, err)
	}
	if due, _ := s.DueForReminder(ctx, testNow, interval, 0); len(due) != 0 {
		t.Fatalf("leased task still listed as due")
	}

	// A failed delivery releases the lease without stamping.
	if err := s.ReleaseReminder(ctx, id, "a"); err != nil {
		t.Fatalf("ReleaseReminder error: %v", err)
	}
	got, _ := s.GetTask(ctx, id)
	if got.LastReminderAt != nil {
		t.Fatalf("release stamped lastReminderAt")
	}

	if ok, _ := s.ClaimReminder(ctx, id, "b", testNow, interval, ttl); !ok {
		t.Fatalf("claim b after release failed")
	}
	if ok, err := s.CompleteReminder(ctx, id, "a", testNow); err != nil || ok {
		t.Fatalf("complete by stale owner = %v, %v; want false", ok, err)
	}
	if ok, err := s.CompleteReminder(ctx, id, "b", testNow); err != nil || !ok {
		t.Fatalf("complete b = %v, %v", ok, err)
	}
	got, _ = s.GetTask(ctx, id)
	if got.LastReminderAt == nil || !got.LastReminderAt.Equal(testNow) {
		t.Fatalf("lastReminderAt = %v", got.LastReminderAt)
	}

	// Boundary: due again at exactly one interval.
	if ok, _ := s.ClaimReminder(ctx, id, "c", testNow.Add(interval-time.Millisecond), interval, ttl); ok {
		t.Fatalf("claimed before interval elapsed")
	}
	if ok, _ := s.ClaimReminder(ctx, id, "c", testNow.Add(interval), interval, ttl); !ok {
		t.Fatalf("claim at exact interval failed")
	}
	// A stamp older than the stored one never moves it back.
	if ok, _ := s.CompleteReminder(ctx, id, "c", testNow.Add(-time.Hour)); !ok {
		t.Fatalf("complete c failed")
	}
	got, _ = s.GetTask(ctx, id)
	if !got.LastReminderAt.Equal(testNow) {
		t.Fatalf("lastReminderAt moved back to %v", got.LastReminderAt)
	}
}

func TestReminderLease_ExpiredLeaseIsReclaimable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := seedTask(t, s, 1, 2, testNow.Add(time.Hour))

	if ok, _ := s.ClaimReminder(ctx, id, "crashed", testNow, time.Hour, time.Minute); !ok {
		t.Fatal("first claim failed")
	}
	if ok, _ := s.ClaimReminder(ctx, id, "next", testNow.Add(time.Minute), time.Hour, time.Minute); !ok {
		t.Fatal("claim after lease expiry failed")
	}
}

func TestClaimReminder_ConcurrentSingleWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := seedTask(t, s, 1, 2, testNow.Add(time.Hour))

	const claimers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := s.ClaimReminder(ctx, id, fmt.Sprintf("owner-%d", i), testNow, time.Hour, time.Minute)
			if err != nil {
				t.Errorf("claim %d error: %v", i, err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("wins = %d, want 1", wins)
	}
}

func TestReminderSkipsNonActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := seedTask(t, s, 1, 2, testNow.Add(time.Hour))
	if _, err := s.TransitionTask(ctx, Transition{ID: id, From: task.StatusActive, To: task.StatusOnReview, ActorID: 2, At: testNow}); err != nil {
		t.Fatalf("submit error: %v", err)
	}
	if due, _ := s.DueForReminder(ctx, testNow, time.Hour, 0); len(due) != 0 {
		t.Fatalf("on_review task listed as due")
	}
	if ok, _ := s.ClaimReminder(ctx, id, "x", testNow, time.Hour, time.Minute); ok {
		t.Fatalf("claimed on_review task")
	}
}
