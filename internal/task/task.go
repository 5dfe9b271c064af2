// Package task holds the corrective-action data model shared by the store,
// the lifecycle engine, the reminder scheduler and the chat handlers.
package task

import (
	"strings"
	"time"
	"unicode/utf8"
)

// ID identifies a task. Assigned by the store, monotonically increasing.
type ID int64

// Status is the stored lifecycle state of a task.
type Status string

const (
	StatusActive    Status = "active"
	StatusOnReview  Status = "on_review"
	StatusCompleted Status = "completed"

	// StatusExpired is never stored. It is derived for display from an
	// active task whose deadline has passed.
	StatusExpired Status = "expired"
)

// IsValid reports whether s may be persisted.
func (s Status) IsValid() bool {
	switch s {
	case StatusActive, StatusOnReview, StatusCompleted:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted
}

func (s Status) String() string { return string(s) }

// ParseStatus accepts stored statuses and the derived "expired" filter.
func ParseStatus(s string) (Status, bool) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if st.IsValid() || st == StatusExpired {
		return st, true
	}
	return "", false
}

// MediaKind tells which kind of evidence is attached.
type MediaKind string

const (
	MediaNone  MediaKind = ""
	MediaPhoto MediaKind = "photo"
	MediaVideo MediaKind = "video"
)

// Evidence references at most one media item held by the chat transport.
type Evidence struct {
	Kind   MediaKind `json:"kind,omitempty"`
	FileID string    `json:"file_id,omitempty"`
}

// IsZero reports whether no media is attached.
func (e Evidence) IsZero() bool { return e.Kind == MediaNone }

// Valid reports whether e is either empty or exactly one photo or video.
func (e Evidence) Valid() bool {
	switch e.Kind {
	case MediaNone:
		return e.FileID == ""
	case MediaPhoto, MediaVideo:
		return e.FileID != ""
	}
	return false
}

// Task is a corrective action assigned to a principal.
type Task struct {
	ID             ID         `json:"id"`
	CreatorID      int64      `json:"creator_id"`
	CreatorName    string     `json:"creator_name"`
	AssigneeID     int64      `json:"assignee_id"`
	AssigneeName   string     `json:"assignee_name"`
	Evidence       Evidence   `json:"evidence"`
	ReviewEvidence Evidence   `json:"review_evidence"`
	Description    string     `json:"description"`
	Deadline       time.Time  `json:"deadline"`
	Status         Status     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	LastReminderAt *time.Time `json:"last_reminder_at,omitempty"`
}

// IsExpired reports the derived expiry state.
func (t *Task) IsExpired(now time.Time) bool {
	return t.Status == StatusActive && t.Deadline.Before(now)
}

// DisplayStatus returns the status shown to users, with expiry derived.
func (t *Task) DisplayStatus(now time.Time) Status {
	if t.IsExpired(now) {
		return StatusExpired
	}
	return t.Status
}

// ReminderDue reports whether an active task needs a reminder at now.
// The boundary is inclusive: exactly one interval since the last reminder is due.
func (t *Task) ReminderDue(now time.Time, interval time.Duration) bool {
	if t.Status != StatusActive {
		return false
	}
	if t.LastReminderAt == nil {
		return true
	}
	return now.Sub(*t.LastReminderAt) >= interval
}

// Draft accumulates task fields during a creation flow.
type Draft struct {
	CreatorID    int64     `json:"creator_id"`
	CreatorName  string    `json:"creator_name"`
	AssigneeID   int64     `json:"assignee_id"`
	AssigneeName string    `json:"assignee_name"`
	Evidence     Evidence  `json:"evidence"`
	Description  string    `json:"description"`
	Deadline     time.Time `json:"deadline"`
}

// DescriptionLen counts runes of the trimmed description.
func DescriptionLen(s string) int {
	return utf8.RuneCountInString(strings.TrimSpace(s))
}

// Event is one row of a task's status history.
type Event struct {
	TaskID  ID        `json:"task_id"`
	From    Status    `json:"from,omitempty"`
	To      Status    `json:"to"`
	ActorID int64     `json:"actor_id"`
	At      time.Time `json:"at"`
}
