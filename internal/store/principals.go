package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/stellarlinkco/cabot/internal/task"
)

const principalColumns = `id, display_name, username, role, chat_handle, registered_from, registered_at_ms`

// RegisterPrincipal inserts p or refreshes its profile. An existing role is
// never lowered: a re-registration as manager upgrades an assignee, anything
// else keeps the stored role. Admin is only granted by BootstrapAdmin and
// TransferAdmin. Zero chat handle and group values keep what is stored.
func (s *Store) RegisterPrincipal(ctx context.Context, p task.Principal) (*task.Principal, error) {
	role := p.Role
	switch role {
	case task.RoleAdmin:
		role = task.RoleManager
	case "":
		role = task.RoleAssignee
	}
	registeredAt := p.RegisteredAt
	if registeredAt.IsZero() {
		registeredAt = s.now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO principals (`+principalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE principals.display_name END,
			username = CASE WHEN excluded.username != '' THEN excluded.username ELSE principals.username END,
			role = CASE WHEN principals.role = 'assignee' AND excluded.role = 'manager' THEN 'manager' ELSE principals.role END,
			chat_handle = CASE WHEN excluded.chat_handle != 0 THEN excluded.chat_handle ELSE principals.chat_handle END,
			registered_from = CASE WHEN excluded.registered_from != 0 THEN excluded.registered_from ELSE principals.registered_from END
	`, p.ID, strings.TrimSpace(p.DisplayName), strings.TrimPrefix(strings.TrimSpace(p.Username), "@"),
		string(role), p.ChatHandle, p.RegisteredFrom, toMs(registeredAt))
	if err != nil {
		return nil, fmt.Errorf("register principal %d: %w", p.ID, err)
	}
	return s.GetPrincipal(ctx, p.ID)
}

func (s *Store) GetPrincipal(ctx context.Context, id int64) (*task.Principal, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+principalColumns+` FROM principals WHERE id = ?`, id)
	p, err := scanPrincipal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get principal %d: %w", id, task.ErrPrincipalNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get principal %d: %w", id, err)
	}
	return p, nil
}

// PrincipalFilter narrows ListPrincipals. Zero values match everything.
type PrincipalFilter struct {
	Roles     []task.Role
	ExcludeID int64
}

// ListPrincipals returns principals ordered by display name.
func (s *Store) ListPrincipals(ctx context.Context, f PrincipalFilter) ([]*task.Principal, error) {
	var (
		where []string
		args  []any
	)
	if len(f.Roles) > 0 {
		ph := make([]string, len(f.Roles))
		for i, r := range f.Roles {
			ph[i] = "?"
			args = append(args, string(r))
		}
		where = append(where, "role IN ("+strings.Join(ph, ", ")+")")
	}
	if f.ExcludeID != 0 {
		where = append(where, "id != ?")
		args = append(args, f.ExcludeID)
	}

	query := `SELECT ` + principalColumns + ` FROM principals`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY display_name COLLATE NOCASE, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list principals: %w", err)
	}
	defer rows.Close()

	var out []*task.Principal
	for rows.Next() {
		p, err := scanPrincipal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan principal: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate principals: %w", err)
	}
	return out, nil
}

// PromoteToManager grants the manager role unless the target is the admin.
// It reports false when no row matched.
func (s *Store) PromoteToManager(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE principals SET role = 'manager'
		WHERE id = ? AND role != 'admin'
	`, id)
	if err != nil {
		return false, fmt.Errorf("promote principal %d: %w", id, err)
	}
	return affectedOne(res)
}

// BootstrapAdmin grants admin to id only if no admin exists yet. The
// principal must already be registered.
func (s *Store) BootstrapAdmin(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE principals SET role = 'admin'
		WHERE id = ? AND NOT EXISTS (SELECT 1 FROM principals WHERE role = 'admin')
	`, id)
	if err != nil {
		return false, fmt.Errorf("bootstrap admin %d: %w", id, err)
	}
	return affectedOne(res)
}

// TransferAdmin makes id the only admin. A previous admin becomes a manager.
func (s *Store) TransferAdmin(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transfer admin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM principals WHERE id = ?`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check principal %d: %w", id, err)
	}
	if exists == 0 {
		return fmt.Errorf("transfer admin to %d: %w", id, task.ErrPrincipalNotFound)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE principals SET role = 'manager' WHERE role = 'admin' AND id != ?`, id); err != nil {
		return fmt.Errorf("demote previous admin: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE principals SET role = 'admin' WHERE id = ?`, id); err != nil {
		return fmt.Errorf("grant admin %d: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transfer admin: %w", err)
	}
	return nil
}

// Admin returns the current admin, or nil when none is set.
func (s *Store) Admin(ctx context.Context) (*task.Principal, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+principalColumns+` FROM principals WHERE role = 'admin' ORDER BY id LIMIT 1`)
	p, err := scanPrincipal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get admin: %w", err)
	}
	return p, nil
}

// CountPrincipals returns the number of principals per role.
func (s *Store) CountPrincipals(ctx context.Context) (map[task.Role]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT role, COUNT(1) FROM principals GROUP BY role`)
	if err != nil {
		return nil, fmt.Errorf("count principals: %w", err)
	}
	defer rows.Close()

	out := map[task.Role]int{}
	for rows.Next() {
		var (
			role string
			n    int
		)
		if err := rows.Scan(&role, &n); err != nil {
			return nil, fmt.Errorf("scan principal count: %w", err)
		}
		out[task.ParseRole(role)] += n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate principal counts: %w", err)
	}
	return out, nil
}

// UpsertGroupChat records the group the bot was started in.
func (s *Store) UpsertGroupChat(ctx context.Context, g task.GroupChat) error {
	created := g.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO group_chats (chat_id, title, admin_id, created_at_ms)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			title = excluded.title,
			admin_id = CASE WHEN excluded.admin_id != 0 THEN excluded.admin_id ELSE group_chats.admin_id END
	`, g.ChatID, g.Title, g.AdminID, toMs(created))
	if err != nil {
		return fmt.Errorf("upsert group chat %d: %w", g.ChatID, err)
	}
	return nil
}

func (s *Store) GetGroupChat(ctx context.Context, chatID int64) (*task.GroupChat, error) {
	var (
		g         task.GroupChat
		createdMs int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT chat_id, title, admin_id, created_at_ms FROM group_chats WHERE chat_id = ?
	`, chatID).Scan(&g.ChatID, &g.Title, &g.AdminID, &createdMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get group chat %d: %w", chatID, err)
	}
	g.CreatedAt = fromMs(createdMs)
	return &g, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPrincipal(r rowScanner) (*task.Principal, error) {
	var (
		p     task.Principal
		role  string
		regMs int64
	)
	if err := r.Scan(&p.ID, &p.DisplayName, &p.Username, &role, &p.ChatHandle, &p.RegisteredFrom, &regMs); err != nil {
		return nil, err
	}
	p.Role = task.ParseRole(role)
	p.RegisteredAt = fromMs(regMs)
	return &p, nil
}

func affectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}
