// Package session tracks per-principal multi-step input flows. A principal
// has at most one live session; sessions live in memory only and are
// evicted after an idle timeout.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stellarlinkco/cabot/internal/task"
)

// Kind names the flow a session drives.
type Kind string

const (
	KindCreateTask Kind = "create_task"
	KindReportTask Kind = "report_task"
)

// Step is a position in a flow.
type Step int

const (
	StepSelectAssignee Step = iota + 1
	StepAttachEvidence
	StepDescription
	StepDeadline
	StepReady
)

func (s Step) String() string {
	switch s {
	case StepSelectAssignee:
		return "select_assignee"
	case StepAttachEvidence:
		return "attach_evidence"
	case StepDescription:
		return "description"
	case StepDeadline:
		return "deadline"
	case StepReady:
		return "ready"
	}
	return fmt.Sprintf("step(%d)", int(s))
}

// Session is a snapshot of one principal's flow. Values returned by the
// Manager are copies; mutate through the Manager only.
type Session struct {
	ID          string
	PrincipalID int64
	Kind        Kind
	Step        Step
	Draft       task.Draft
	TaskID      task.ID
	StartedAt   time.Time
	TouchedAt   time.Time
}

// Input is one user message fed to Advance.
type Input struct {
	Text         string
	AssigneeID   int64
	AssigneeName string
	Media        task.Evidence
	// Skip declines evidence, same as typing a skip word.
	Skip bool
}

// AssigneeCheck validates a chosen assignee and returns its display name.
type AssigneeCheck func(ctx context.Context, creatorID, assigneeID int64) (string, error)

type Config struct {
	IdleTimeout    time.Duration
	MinDescription int
	Location       *time.Location
	SkipWords      []string
	CheckAssignee  AssigneeCheck
	Now            func() time.Time
}

const (
	DefaultIdleTimeout    = 20 * time.Minute
	DefaultMinDescription = 5
)

// DefaultSkipWords are accepted in place of evidence.
var DefaultSkipWords = []string{"skip", "пропустить"}

type Manager struct {
	mu       sync.Mutex
	sessions map[int64]*Session
	cfg      Config
}

func NewManager(cfg Config) *Manager {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.MinDescription <= 0 {
		cfg.MinDescription = DefaultMinDescription
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if len(cfg.SkipWords) == 0 {
		cfg.SkipWords = DefaultSkipWords
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		sessions: make(map[int64]*Session),
		cfg:      cfg,
	}
}

// Begin starts a creation flow, replacing any prior session of principal.
func (m *Manager) Begin(principal int64, creatorName string) Session {
	return m.begin(principal, KindCreateTask, StepSelectAssignee, 0, task.Draft{
		CreatorID:   principal,
		CreatorName: creatorName,
	})
}

// BeginReport starts an evidence flow for submitting taskID for review.
func (m *Manager) BeginReport(principal int64, taskID task.ID) Session {
	return m.begin(principal, KindReportTask, StepAttachEvidence, taskID, task.Draft{})
}

func (m *Manager) begin(principal int64, kind Kind, step Step, taskID task.ID, draft task.Draft) Session {
	now := m.cfg.Now()
	s := &Session{
		ID:          uuid.NewString(),
		PrincipalID: principal,
		Kind:        kind,
		Step:        step,
		Draft:       draft,
		TaskID:      taskID,
		StartedAt:   now,
		TouchedAt:   now,
	}
	m.mu.Lock()
	m.sessions[principal] = s
	m.mu.Unlock()
	return *s
}

// Get returns the live session of principal. Idle sessions are absent.
func (m *Manager) Get(principal int64) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.liveLocked(principal)
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Cancel destroys the session of principal and reports whether one existed.
func (m *Manager) Cancel(principal int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.liveLocked(principal)
	delete(m.sessions, principal)
	return ok
}

// Complete destroys the session after a successful commit, only if it is
// still the session identified by sessionID.
func (m *Manager) Complete(principal int64, sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[principal]
	if !ok || s.ID != sessionID {
		return false
	}
	delete(m.sessions, principal)
	return true
}

// Rewind moves the session back to step so a commit-time validation
// failure can be re-prompted.
func (m *Manager) Rewind(principal int64, sessionID string, step Step) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.liveLocked(principal)
	if !ok || s.ID != sessionID || step >= s.Step {
		return false
	}
	if s.Kind == KindReportTask && step != StepAttachEvidence {
		return false
	}
	s.Step = step
	s.TouchedAt = m.cfg.Now()
	return true
}

// Sweep evicts sessions idle longer than the idle timeout.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.cfg.Now()
	n := 0
	for id, s := range m.sessions {
		if m.idle(s, now) {
			delete(m.sessions, id)
			n++
		}
	}
	return n
}

// Len returns the number of stored sessions, idle ones included.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Advance validates in against the current step. On success the session
// moves to the next step; on error it is left unchanged so the same step
// can be retried. Without a live session it returns task.ErrNoSession.
func (m *Manager) Advance(ctx context.Context, principal int64, in Input) (Session, error) {
	m.mu.Lock()
	cur, ok := m.liveLocked(principal)
	if !ok {
		m.mu.Unlock()
		return Session{}, task.ErrNoSession
	}
	snapshot := *cur
	m.mu.Unlock()

	next := snapshot
	if err := m.apply(ctx, &next, in); err != nil {
		return snapshot, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok = m.liveLocked(principal)
	if !ok || cur.ID != snapshot.ID || cur.Step != snapshot.Step {
		// The session changed while the assignee check ran.
		return Session{}, fmt.Errorf("advance session: %w", task.ErrNoSession)
	}
	next.TouchedAt = m.cfg.Now()
	*cur = next
	return next, nil
}

func (m *Manager) apply(ctx context.Context, s *Session, in Input) error {
	switch s.Step {
	case StepSelectAssignee:
		if in.AssigneeID == 0 {
			return task.ErrInvalidAssignee
		}
		name := in.AssigneeName
		if m.cfg.CheckAssignee != nil {
			checked, err := m.cfg.CheckAssignee(ctx, s.Draft.CreatorID, in.AssigneeID)
			if err != nil {
				return err
			}
			if checked != "" {
				name = checked
			}
		}
		s.Draft.AssigneeID = in.AssigneeID
		s.Draft.AssigneeName = name
		s.Step = StepAttachEvidence

	case StepAttachEvidence:
		switch {
		case !in.Media.IsZero():
			if !in.Media.Valid() {
				return task.ErrInvalidEvidence
			}
			s.Draft.Evidence = in.Media
		case in.Skip || m.isSkip(in.Text):
			s.Draft.Evidence = task.Evidence{}
		default:
			return task.ErrInvalidEvidence
		}
		if s.Kind == KindReportTask {
			s.Step = StepReady
		} else {
			s.Step = StepDescription
		}

	case StepDescription:
		if task.DescriptionLen(in.Text) < m.cfg.MinDescription {
			return task.ErrDescriptionTooShort
		}
		s.Draft.Description = strings.TrimSpace(in.Text)
		s.Step = StepDeadline

	case StepDeadline:
		deadline, err := ParseDeadline(in.Text, m.cfg.Now(), m.cfg.Location)
		if err != nil {
			return err
		}
		s.Draft.Deadline = deadline
		s.Step = StepReady

	default:
		return fmt.Errorf("session at %s: %w", s.Step, task.ErrInvalidTransition)
	}
	return nil
}

func (m *Manager) isSkip(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	if t == "" {
		return false
	}
	for _, w := range m.cfg.SkipWords {
		if t == strings.ToLower(w) {
			return true
		}
	}
	return false
}

func (m *Manager) liveLocked(principal int64) (*Session, bool) {
	s, ok := m.sessions[principal]
	if !ok {
		return nil, false
	}
	if m.idle(s, m.cfg.Now()) {
		delete(m.sessions, principal)
		return nil, false
	}
	return s, true
}

func (m *Manager) idle(s *Session, now time.Time) bool {
	return now.Sub(s.TouchedAt) > m.cfg.IdleTimeout
}
