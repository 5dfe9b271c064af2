package lifecycle

import "github.com/stellarlinkco/cabot/internal/task"

// CanCreateTask reports whether p may create and assign tasks.
func CanCreateTask(p *task.Principal) bool {
	return p != nil && (p.Role == task.RoleAdmin || p.Role == task.RoleManager)
}

// CanComplete reports whether actor may mark t done or submit it for review.
func CanComplete(actorID int64, t *task.Task) bool {
	return t != nil && actorID != 0 && t.AssigneeID == actorID
}

// CanReview reports whether actor may confirm or reject t.
func CanReview(actorID int64, t *task.Task) bool {
	return t != nil && actorID != 0 && t.CreatorID == actorID
}

func IsAdmin(p *task.Principal) bool {
	return p != nil && p.Role == task.RoleAdmin
}
