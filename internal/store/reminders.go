package store

import (
	"context"
	"fmt"
	"time"

	"github.com/stellarlinkco/cabot/internal/task"
)

// DueForReminder lists active tasks whose last reminder is at least interval
// old (or absent) and that no live lease holds, earliest deadline first.
func (s *Store) DueForReminder(ctx context.Context, now time.Time, interval time.Duration, limit int) ([]*task.Task, error) {
	nowMs := toMs(now)
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE status = 'active'
			AND (last_reminder_at_ms IS NULL OR last_reminder_at_ms <= ?)
			AND (reminder_lease_until_ms IS NULL OR reminder_lease_until_ms <= ?)
		ORDER BY deadline_ms ASC, id ASC`
	args := []any{nowMs - interval.Milliseconds(), nowMs}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	tasks, err := s.queryTasks(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("due for reminder: %w", err)
	}
	return tasks, nil
}

// ClaimReminder takes the reminder lease of a task for owner until
// now+ttl. It re-checks the due predicate in the same write, so of two
// concurrent claimers at most one wins.
func (s *Store) ClaimReminder(ctx context.Context, id task.ID, owner string, now time.Time, interval, ttl time.Duration) (bool, error) {
	nowMs := toMs(now)
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET reminder_lease_owner = ?, reminder_lease_until_ms = ?
		WHERE id = ? AND status = 'active'
			AND (last_reminder_at_ms IS NULL OR last_reminder_at_ms <= ?)
			AND (reminder_lease_until_ms IS NULL OR reminder_lease_until_ms <= ?)
	`, owner, nowMs+ttl.Milliseconds(), int64(id), nowMs-interval.Milliseconds(), nowMs)
	if err != nil {
		return false, fmt.Errorf("claim reminder %d: %w", id, err)
	}
	return affectedOne(res)
}

// CompleteReminder stamps a delivered reminder and releases the lease.
// The stamp never moves backwards. It reports false when owner no longer
// holds the lease.
func (s *Store) CompleteReminder(ctx context.Context, id task.ID, owner string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET last_reminder_at_ms = MAX(COALESCE(last_reminder_at_ms, 0), ?),
			reminder_lease_owner = NULL,
			reminder_lease_until_ms = NULL
		WHERE id = ? AND reminder_lease_owner = ?
	`, toMs(at), int64(id), owner)
	if err != nil {
		return false, fmt.Errorf("complete reminder %d: %w", id, err)
	}
	return affectedOne(res)
}

// ReleaseReminder drops owner's lease without stamping, so the task stays due.
func (s *Store) ReleaseReminder(ctx context.Context, id task.ID, owner string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET reminder_lease_owner = NULL, reminder_lease_until_ms = NULL
		WHERE id = ? AND reminder_lease_owner = ?
	`, int64(id), owner)
	if err != nil {
		return fmt.Errorf("release reminder %d: %w", id, err)
	}
	return nil
}
