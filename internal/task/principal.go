package task

import (
	"strings"
	"time"
)

// Role is a principal's capability level.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleManager  Role = "manager"
	RoleAssignee Role = "assignee"
)

// ParseRole maps stored and legacy role names. Unknown roles fall back to assignee.
func ParseRole(s string) Role {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "admin":
		return RoleAdmin
	case "manager":
		return RoleManager
	default:
		return RoleAssignee
	}
}

func (r Role) String() string { return string(r) }

// Principal is a user known to the directory.
type Principal struct {
	ID             int64     `json:"id"`
	DisplayName    string    `json:"display_name"`
	Username       string    `json:"username,omitempty"`
	Role           Role      `json:"role"`
	ChatHandle     int64     `json:"chat_handle,omitempty"`
	RegisteredFrom int64     `json:"registered_from,omitempty"`
	RegisteredAt   time.Time `json:"registered_at"`
}

// Reachable reports whether the principal has a private chat with the bot.
func (p *Principal) Reachable() bool { return p != nil && p.ChatHandle != 0 }

// Label is the display name with the @username suffix when known.
func (p *Principal) Label() string {
	if p.Username == "" {
		return p.DisplayName
	}
	return p.DisplayName + " (@" + p.Username + ")"
}

// GroupChat is a group the bot registered users from.
type GroupChat struct {
	ChatID    int64     `json:"chat_id"`
	Title     string    `json:"title"`
	AdminID   int64     `json:"admin_id"`
	CreatedAt time.Time `json:"created_at"`
}
