package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stellarlinkco/cabot/internal/task"
)

const taskColumns = `id, creator_id, creator_name, assignee_id, assignee_name,
	media_kind, media_file_id, review_media_kind, review_media_file_id,
	description, deadline_ms, status, created_at_ms, completed_at_ms, last_reminder_at_ms`

// InsertTask stores a new active task and its creation event in one
// transaction. The draft is expected to be validated already.
func (s *Store) InsertTask(ctx context.Context, d task.Draft, createdAt time.Time) (task.ID, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin insert task: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (creator_id, creator_name, assignee_id, assignee_name,
			media_kind, media_file_id, description, deadline_ms, status, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'active', ?)
	`, d.CreatorID, d.CreatorName, d.AssigneeID, d.AssigneeName,
		string(d.Evidence.Kind), d.Evidence.FileID, strings.TrimSpace(d.Description),
		toMs(d.Deadline), toMs(createdAt))
	if err != nil {
		return 0, fmt.Errorf("insert task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert task id: %w", err)
	}
	if err := appendEventTx(ctx, tx, task.Event{
		TaskID:  task.ID(id),
		To:      task.StatusActive,
		ActorID: d.CreatorID,
		At:      createdAt,
	}); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit insert task: %w", err)
	}
	return task.ID(id), nil
}

func (s *Store) GetTask(ctx context.Context, id task.ID) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, int64(id))
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get task %d: %w", id, task.ErrTaskNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %d: %w", id, err)
	}
	return t, nil
}

// TaskFilter narrows ListTasks. Status "expired" selects active tasks whose
// deadline is before Now; an empty Statuses list matches every status.
type TaskFilter struct {
	AssigneeID int64
	CreatorID  int64
	Statuses   []task.Status
	Now        time.Time
	Limit      int
}

// ListTasks returns tasks ordered by deadline, earliest first.
func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]*task.Task, error) {
	var (
		where []string
		args  []any
	)
	if f.AssigneeID != 0 {
		where = append(where, "assignee_id = ?")
		args = append(args, f.AssigneeID)
	}
	if f.CreatorID != 0 {
		where = append(where, "creator_id = ?")
		args = append(args, f.CreatorID)
	}
	if len(f.Statuses) > 0 {
		var ors []string
		for _, st := range f.Statuses {
			if st == task.StatusExpired {
				now := f.Now
				if now.IsZero() {
					now = s.now()
				}
				ors = append(ors, "(status = 'active' AND deadline_ms < ?)")
				args = append(args, toMs(now))
				continue
			}
			ors = append(ors, "status = ?")
			args = append(args, string(st))
		}
		where = append(where, "("+strings.Join(ors, " OR ")+")")
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY deadline_ms ASC, id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return s.queryTasks(ctx, query, args...)
}

// Transition describes one status change. CompletedAt is set when To is
// completed and cleared otherwise. A nil ReviewEvidence keeps the stored one.
type Transition struct {
	ID             task.ID
	From           task.Status
	To             task.Status
	ActorID        int64
	At             time.Time
	ReviewEvidence *task.Evidence
}

// TransitionTask applies tr with a single compare-and-swap write and records
// the event in the same transaction. It returns task.ErrTaskNotFound when
// the task does not exist and task.ErrInvalidTransition when its status is
// not From.
func (s *Store) TransitionTask(ctx context.Context, tr Transition) (*task.Task, error) {
	if !tr.From.IsValid() || !tr.To.IsValid() {
		return nil, fmt.Errorf("transition %s -> %s: %w", tr.From, tr.To, task.ErrInvalidTransition)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transition: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var completed sql.NullInt64
	if tr.To == task.StatusCompleted {
		completed = sql.NullInt64{Int64: toMs(tr.At), Valid: true}
	}
	setReview := tr.ReviewEvidence != nil
	var review task.Evidence
	if setReview {
		review = *tr.ReviewEvidence
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?,
			completed_at_ms = ?,
			review_media_kind = CASE WHEN ? THEN ? ELSE review_media_kind END,
			review_media_file_id = CASE WHEN ? THEN ? ELSE review_media_file_id END
		WHERE id = ? AND status = ?
	`, string(tr.To), completed,
		setReview, string(review.Kind), setReview, review.FileID,
		int64(tr.ID), string(tr.From))
	if err != nil {
		return nil, fmt.Errorf("update task transition: %w", err)
	}
	ok, err := affectedOne(res)
	if err != nil {
		return nil, err
	}
	if !ok {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks WHERE id = ?`, int64(tr.ID)).Scan(&exists); err != nil {
			return nil, fmt.Errorf("check task %d: %w", tr.ID, err)
		}
		if exists == 0 {
			return nil, fmt.Errorf("transition task %d: %w", tr.ID, task.ErrTaskNotFound)
		}
		return nil, fmt.Errorf("transition task %d from %s: %w", tr.ID, tr.From, task.ErrInvalidTransition)
	}
	if err := appendEventTx(ctx, tx, task.Event{
		TaskID:  tr.ID,
		From:    tr.From,
		To:      tr.To,
		ActorID: tr.ActorID,
		At:      tr.At,
	}); err != nil {
		return nil, err
	}

	t, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, int64(tr.ID)))
	if err != nil {
		return nil, fmt.Errorf("reload task %d: %w", tr.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transition: %w", err)
	}
	return t, nil
}

// TaskEvents returns the status history of a task, oldest first.
func (s *Store) TaskEvents(ctx context.Context, id task.ID) ([]task.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, from_status, to_status, actor_id, at_ms
		FROM task_events WHERE task_id = ? ORDER BY id ASC
	`, int64(id))
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()

	var out []task.Event
	for rows.Next() {
		var (
			ev       task.Event
			tid      int64
			from, to string
			atMs     int64
		)
		if err := rows.Scan(&tid, &from, &to, &ev.ActorID, &atMs); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		ev.TaskID = task.ID(tid)
		ev.From = task.Status(from)
		ev.To = task.Status(to)
		ev.At = fromMs(atMs)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task events: %w", err)
	}
	return out, nil
}

// Stats counts tasks by display status at now.
type Stats struct {
	Total     int `json:"total"`
	Active    int `json:"active"`
	Expired   int `json:"expired"`
	OnReview  int `json:"on_review"`
	Completed int `json:"completed"`
}

// TaskStats returns counts for tasks matching the assignee and creator
// constraints of f. Statuses and Limit are ignored.
func (s *Store) TaskStats(ctx context.Context, f TaskFilter, now time.Time) (Stats, error) {
	var where []string
	args := []any{toMs(now), toMs(now)}
	if f.AssigneeID != 0 {
		where = append(where, "assignee_id = ?")
		args = append(args, f.AssigneeID)
	}
	if f.CreatorID != 0 {
		where = append(where, "creator_id = ?")
		args = append(args, f.CreatorID)
	}
	query := `
		SELECT
			COUNT(1),
			COALESCE(SUM(CASE WHEN status = 'active' AND deadline_ms >= ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'active' AND deadline_ms < ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'on_review' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0)
		FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	var st Stats
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&st.Total, &st.Active, &st.Expired, &st.OnReview, &st.Completed,
	); err != nil {
		return Stats{}, fmt.Errorf("task stats: %w", err)
	}
	return st, nil
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}

func appendEventTx(ctx context.Context, tx *sql.Tx, ev task.Event) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_events (task_id, from_status, to_status, actor_id, at_ms)
		VALUES (?, ?, ?, ?, ?)
	`, int64(ev.TaskID), string(ev.From), string(ev.To), ev.ActorID, toMs(ev.At))
	if err != nil {
		return fmt.Errorf("append task event: %w", err)
	}
	return nil
}

func scanTask(r rowScanner) (*task.Task, error) {
	var (
		t                       task.Task
		id                      int64
		mediaKind, reviewKind   string
		status                  string
		deadlineMs, createdMs   int64
		completedMs, reminderMs sql.NullInt64
	)
	if err := r.Scan(
		&id, &t.CreatorID, &t.CreatorName, &t.AssigneeID, &t.AssigneeName,
		&mediaKind, &t.Evidence.FileID, &reviewKind, &t.ReviewEvidence.FileID,
		&t.Description, &deadlineMs, &status, &createdMs, &completedMs, &reminderMs,
	); err != nil {
		return nil, err
	}
	t.ID = task.ID(id)
	t.Evidence.Kind = task.MediaKind(mediaKind)
	t.ReviewEvidence.Kind = task.MediaKind(reviewKind)
	t.Status = task.Status(status)
	t.Deadline = fromMs(deadlineMs)
	t.CreatedAt = fromMs(createdMs)
	t.CompletedAt = timePtr(completedMs)
	t.LastReminderAt = timePtr(reminderMs)
	return &t, nil
}
