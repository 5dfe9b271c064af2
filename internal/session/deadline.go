package session

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/stellarlinkco/cabot/internal/task"
)

// DeadlineLayout is the absolute deadline format, read in the configured zone.
const DeadlineLayout = "02.01.2006 15:04"

// maxRelativeHours bounds "+N" input to ten years.
const maxRelativeHours = 10 * 365 * 24

var hourSuffixes = []string{"hours", "hour", "hrs", "hr", "h", "часов", "часа", "час", "ч"}

// ParseDeadline reads "DD.MM.YYYY HH:MM" in loc, or "+N", "+Nh", "+N hours"
// as N>0 hours from now. Absolute deadlines must be strictly after now.
func ParseDeadline(input string, now time.Time, loc *time.Location) (time.Time, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return time.Time{}, task.ErrInvalidDeadline
	}
	if loc == nil {
		loc = time.UTC
	}

	if rest, ok := strings.CutPrefix(s, "+"); ok {
		hours, err := parseHours(rest)
		if err != nil {
			return time.Time{}, err
		}
		return now.Add(time.Duration(hours) * time.Hour), nil
	}

	deadline, err := time.ParseInLocation(DeadlineLayout, strings.Join(strings.Fields(s), " "), loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse deadline %q: %w", s, task.ErrInvalidDeadline)
	}
	if !deadline.After(now) {
		return time.Time{}, task.ErrPastDeadline
	}
	return deadline, nil
}

func parseHours(s string) (int, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, suffix := range hourSuffixes {
		if trimmed, ok := strings.CutSuffix(s, suffix); ok {
			s = strings.TrimSpace(trimmed)
			break
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("parse relative deadline %q: %w", s, task.ErrInvalidDeadline)
	}
	if n <= 0 {
		return 0, task.ErrPastDeadline
	}
	if n > maxRelativeHours {
		return 0, task.ErrInvalidDeadline
	}
	return n, nil
}
