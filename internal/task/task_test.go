package task

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_IsValid(t *testing.T) {
	tests := []struct {
		status Status
		want   bool
	}{
		{StatusActive, true},
		{StatusOnReview, true},
		{StatusCompleted, true},
		{StatusExpired, false},
		{Status(""), false},
		{Status("done"), false},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.status.IsValid())
		})
	}
}

func TestParseStatus(t *testing.T) {
	st, ok := ParseStatus(" Expired ")
	require.True(t, ok)
	assert.Equal(t, StatusExpired, st)

	_, ok = ParseStatus("archived")
	assert.False(t, ok)
}

func TestTask_DisplayStatus(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tk := &Task{Status: StatusActive, Deadline: now.Add(-time.Minute)}
	assert.True(t, tk.IsExpired(now))
	assert.Equal(t, StatusExpired, tk.DisplayStatus(now))
	// Expiry is derived only; the stored status is untouched.
	assert.Equal(t, StatusActive, tk.Status)

	tk.Status = StatusOnReview
	assert.False(t, tk.IsExpired(now))
	assert.Equal(t, StatusOnReview, tk.DisplayStatus(now))
}

func TestTask_ReminderDue(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	interval := 6 * time.Hour
	at := func(d time.Duration) *time.Time {
		v := now.Add(-d)
		return &v
	}

	tests := []struct {
		name string
		task Task
		want bool
	}{
		{"never reminded", Task{Status: StatusActive}, true},
		{"exactly one interval", Task{Status: StatusActive, LastReminderAt: at(interval)}, true},
		{"just under interval", Task{Status: StatusActive, LastReminderAt: at(interval - time.Second)}, false},
		{"well past interval", Task{Status: StatusActive, LastReminderAt: at(2 * interval)}, true},
		{"completed", Task{Status: StatusCompleted}, false},
		{"on review", Task{Status: StatusOnReview}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.task.ReminderDue(now, interval))
		})
	}
}

func TestEvidence_Valid(t *testing.T) {
	assert.True(t, Evidence{}.Valid())
	assert.True(t, Evidence{Kind: MediaPhoto, FileID: "f1"}.Valid())
	assert.True(t, Evidence{Kind: MediaVideo, FileID: "v1"}.Valid())
	assert.False(t, Evidence{Kind: MediaPhoto}.Valid())
	assert.False(t, Evidence{FileID: "orphan"}.Valid())
	assert.False(t, Evidence{Kind: "audio", FileID: "a"}.Valid())
}

func TestDescriptionLen_CountsRunes(t *testing.T) {
	assert.Equal(t, 4, DescriptionLen("  течь  "))
	assert.Equal(t, 3, DescriptionLen("abc"))
	assert.Equal(t, 0, DescriptionLen(" \n\t "))
}

func TestError_Is(t *testing.T) {
	wrapped := fmt.Errorf("create task: %w", ErrPastDeadline)

	assert.True(t, errors.Is(wrapped, ErrPastDeadline))
	assert.True(t, errors.Is(wrapped, ErrValidation))
	assert.False(t, errors.Is(wrapped, ErrDescriptionTooShort))
	assert.False(t, errors.Is(wrapped, ErrDenied))

	assert.True(t, errors.Is(ErrNoSession, ErrNotFound))
	assert.True(t, errors.Is(ErrUnauthorized, ErrDenied))
	assert.Equal(t, KindInvalidTransition, KindOf(fmt.Errorf("x: %w", ErrInvalidTransition)))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
}

func TestClassify(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name     string
		deadline time.Time
		urgency  Urgency
		days     int
	}{
		{"one hour overdue", now.Add(-time.Hour), UrgencyOverdue, 1},
		{"25 hours overdue", now.Add(-25 * time.Hour), UrgencyOverdue, 2},
		{"exactly two days overdue", now.Add(-48 * time.Hour), UrgencyOverdue, 2},
		{"due now", now, UrgencyDueToday, 0},
		{"due in 23h", now.Add(23 * time.Hour), UrgencyDueToday, 0},
		{"due in 24h", now.Add(24 * time.Hour), UrgencyDueSoon, 1},
		{"due in 71h", now.Add(71 * time.Hour), UrgencyDueSoon, 2},
		{"due in 72h", now.Add(72 * time.Hour), UrgencyRoutine, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, days := Classify(tt.deadline, now)
			assert.Equal(t, tt.urgency, u)
			assert.Equal(t, tt.days, days)
		})
	}
}

func TestParseRole(t *testing.T) {
	assert.Equal(t, RoleAdmin, ParseRole("ADMIN"))
	assert.Equal(t, RoleManager, ParseRole("manager"))
	assert.Equal(t, RoleAssignee, ParseRole("user"))
}
