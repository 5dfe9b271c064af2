package task

import (
	"math"
	"time"
)

// Urgency selects reminder tone. It never affects scheduling.
type Urgency int

const (
	UrgencyRoutine Urgency = iota
	UrgencyDueSoon
	UrgencyDueToday
	UrgencyOverdue
)

func (u Urgency) String() string {
	switch u {
	case UrgencyOverdue:
		return "overdue"
	case UrgencyDueToday:
		return "due_today"
	case UrgencyDueSoon:
		return "due_soon"
	}
	return "routine"
}

const day = 24 * time.Hour

// Classify returns the urgency of a deadline at now. For overdue deadlines
// days is the positive number of started days past the deadline; otherwise
// it is the number of whole days left.
func Classify(deadline, now time.Time) (Urgency, int) {
	if deadline.Before(now) {
		overdue := now.Sub(deadline)
		return UrgencyOverdue, int(math.Ceil(float64(overdue) / float64(day)))
	}
	left := deadline.Sub(now)
	days := int(left / day)
	switch {
	case left < day:
		return UrgencyDueToday, days
	case left < 3*day:
		return UrgencyDueSoon, days
	}
	return UrgencyRoutine, days
}
