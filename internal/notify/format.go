package notify

import (
	"errors"
	"fmt"
	"html"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/stellarlinkco/cabot/internal/task"
)

// TimeLayout is how deadlines and timestamps are shown to users.
const TimeLayout = "02.01.2006 15:04"

const (
	listLimit       = 10
	groupListLimit  = 20
	reminderExcerpt = 100
	listExcerpt     = 50
	separator       = "━━━━━━━━━━━━━━━━━━"
)

// Formatter renders HTML texts in a fixed display zone.
type Formatter struct {
	loc        *time.Location
	reviewFlow bool
}

func NewFormatter(loc *time.Location, reviewFlow bool) *Formatter {
	if loc == nil {
		loc = time.UTC
	}
	return &Formatter{loc: loc, reviewFlow: reviewFlow}
}

// Time formats t in the display zone.
func (f *Formatter) Time(t time.Time) string {
	return t.In(f.loc).Format(TimeLayout)
}

func esc(s string) string { return html.EscapeString(s) }

// excerpt trims s to n runes, marking the cut.
func excerpt(s string, n int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "…"
}

func statusLabel(s task.Status) string {
	switch s {
	case task.StatusActive:
		return "Active"
	case task.StatusOnReview:
		return "On review"
	case task.StatusCompleted:
		return "Completed"
	case task.StatusExpired:
		return "Expired"
	}
	return string(s)
}

func roleLabel(r task.Role) string {
	switch r {
	case task.RoleAdmin:
		return "Admin"
	case task.RoleManager:
		return "Manager"
	}
	return "Assignee"
}

func roleEmoji(r task.Role) string {
	switch r {
	case task.RoleAdmin:
		return "👑"
	case task.RoleManager:
		return "📋"
	}
	return "👤"
}

// timeLeft returns the urgency marker and the remaining-time phrase for a deadline.
func (f *Formatter) timeLeft(deadline, now time.Time) (string, string) {
	u, days := task.Classify(deadline, now)
	switch u {
	case task.UrgencyOverdue:
		return "🚨🚨🚨", fmt.Sprintf("OVERDUE by %d d.", days)
	case task.UrgencyDueToday:
		return "⚠️", "TODAY until " + deadline.In(f.loc).Format("15:04")
	case task.UrgencyDueSoon:
		hours := int(deadline.Sub(now)/time.Hour) % 24
		return "⏳", fmt.Sprintf("%d d. %d h.", days, hours)
	}
	return "📅", f.Time(deadline)
}

func evidenceLine(e task.Evidence, label string) string {
	switch e.Kind {
	case task.MediaPhoto:
		return "\n📸 <b>" + label + " photo attached</b>"
	case task.MediaVideo:
		return "\n🎥 <b>" + label + " video attached</b>"
	}
	return ""
}

// TaskCard is the full task view. forAssignee titles the card by id rather
// than by assignee.
func (f *Formatter) TaskCard(t *task.Task, now time.Time, forAssignee bool) string {
	var b strings.Builder
	if forAssignee {
		fmt.Fprintf(&b, "📋 <b>Task #%d</b>\n\n", t.ID)
	} else {
		fmt.Fprintf(&b, "👤 <b>Task for: %s</b>\n\n", esc(t.AssigneeName))
	}

	st := t.DisplayStatus(now)
	if st == task.StatusActive || st == task.StatusExpired {
		emoji, left := f.timeLeft(t.Deadline, now)
		fmt.Fprintf(&b, "%s <b>Deadline:</b> %s\n", emoji, left)
	} else {
		fmt.Fprintf(&b, "📅 <b>Deadline:</b> %s\n", f.Time(t.Deadline))
	}
	fmt.Fprintf(&b, "📊 <b>Status:</b> %s\n\n", statusLabel(st))
	fmt.Fprintf(&b, "📝 <b>Description:</b>\n%s\n\n", esc(t.Description))
	fmt.Fprintf(&b, "👤 <b>Created by:</b> %s\n", esc(t.CreatorName))
	fmt.Fprintf(&b, "📅 <b>Created:</b> %s\n", f.Time(t.CreatedAt))
	if t.CompletedAt != nil {
		fmt.Fprintf(&b, "✅ <b>Completed:</b> %s\n", f.Time(*t.CompletedAt))
	}
	fmt.Fprintf(&b, "\n🆔 <b>Task ID:</b> #%d", t.ID)
	b.WriteString(evidenceLine(t.Evidence, "Problem"))
	b.WriteString(evidenceLine(t.ReviewEvidence, "Result"))
	return b.String()
}

// AssignmentNotice is sent to the assignee when a task is created.
func (f *Formatter) AssignmentNotice(t *task.Task, now time.Time) string {
	return "📌 <b>You have a new task!</b>\n\n" + f.TaskCard(t, now, true)
}

// CreatedConfirmation is sent to the creator after commit.
func (f *Formatter) CreatedConfirmation(t *task.Task, now time.Time) string {
	return "✅ <b>Task created and sent to the assignee.</b>\n\n" + f.TaskCard(t, now, false)
}

// Reminder renders the periodic reminder. The tone follows the deadline urgency.
func (f *Formatter) Reminder(t *task.Task, now time.Time) string {
	u, days := task.Classify(t.Deadline, now)

	var header, leftLine, footer string
	switch u {
	case task.UrgencyOverdue:
		header = "🚨🚨🚨 <b>TASK OVERDUE!</b>"
		leftLine = fmt.Sprintf("⏰ Overdue: %d d.", days)
		footer = "❗️ <b>Take action immediately!</b>"
	case task.UrgencyDueToday:
		header = "⚠️ <b>DUE TODAY!</b>"
		leftLine = fmt.Sprintf("⏰ Left: %d h.", int(t.Deadline.Sub(now)/time.Hour))
		footer = "<b>Don't forget to finish the task!</b>"
	case task.UrgencyDueSoon:
		header = "⏰ <b>Task reminder</b>"
		leftLine = fmt.Sprintf("⏰ Left: %d d.", days)
		footer = "Don't forget to finish the task on time!"
	default:
		header = "🔔 <b>Task reminder</b>"
		leftLine = fmt.Sprintf("⏰ Left: %d d.", days)
		footer = "Task status: " + statusLabel(t.Status)
	}

	var b strings.Builder
	b.WriteString(header)
	fmt.Fprintf(&b, "\n\n🆔 <b>Task #%d</b>\n", t.ID)
	fmt.Fprintf(&b, "📝 %s\n", esc(excerpt(t.Description, reminderExcerpt)))
	fmt.Fprintf(&b, "👤 From: %s\n", esc(t.CreatorName))
	if u == task.UrgencyOverdue {
		fmt.Fprintf(&b, "📅 Deadline passed: %s\n", f.Time(t.Deadline))
	} else {
		fmt.Fprintf(&b, "📅 Deadline: %s\n", f.Time(t.Deadline))
	}
	b.WriteString(leftLine)
	b.WriteString("\n\n")
	b.WriteString(footer)
	return b.String()
}

// AssigneeList shows the open tasks assigned to a user.
func (f *Formatter) AssigneeList(tasks []*task.Task, now time.Time) string {
	if len(tasks) == 0 {
		return "📭 You have no open tasks.\nWhen a task is assigned to you it will show up here."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "📋 <b>Your open tasks:</b> (%d)\n\n", len(tasks))
	for _, t := range head(tasks, listLimit) {
		st := t.DisplayStatus(now)
		u, days := task.Classify(t.Deadline, now)
		fmt.Fprintf(&b, "%s <b>Task #%d</b>\n", listEmoji(st, u), t.ID)
		fmt.Fprintf(&b, "📝 %s\n", esc(excerpt(t.Description, listExcerpt)))
		fmt.Fprintf(&b, "👤 From: %s\n", esc(t.CreatorName))
		fmt.Fprintf(&b, "📅 Due: %s\n", f.Time(t.Deadline))
		switch {
		case st == task.StatusOnReview:
			b.WriteString("⏰ Waiting for review\n")
		case u == task.UrgencyOverdue:
			fmt.Fprintf(&b, "⏰ <b>Overdue by %d d.</b>\n", days)
		case u == task.UrgencyDueToday:
			b.WriteString("⏰ <b>Due today!</b>\n")
		default:
			fmt.Fprintf(&b, "⏰ Left: %d d.\n", days)
		}
		b.WriteString(separator + "\n")
	}
	if len(tasks) > listLimit {
		fmt.Fprintf(&b, "\n<i>And %d more…</i>", len(tasks)-listLimit)
	}
	return b.String()
}

// CreatorList shows the tasks a user created with completion statistics over all of them.
func (f *Formatter) CreatorList(tasks []*task.Task, now time.Time) string {
	if len(tasks) == 0 {
		return "📭 You have not created any tasks yet.\nUse the create button to add the first one."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "👁 <b>Tasks you created:</b> (%d)\n\n", len(tasks))
	for _, t := range head(tasks, listLimit) {
		st := t.DisplayStatus(now)
		u, _ := task.Classify(t.Deadline, now)
		fmt.Fprintf(&b, "%s <b>Task #%d</b>\n", listEmoji(st, u), t.ID)
		fmt.Fprintf(&b, "👤 Assignee: %s\n", esc(t.AssigneeName))
		fmt.Fprintf(&b, "📅 Due: %s\n", f.Time(t.Deadline))
		fmt.Fprintf(&b, "📊 Status: %s\n", statusLabel(st))
		b.WriteString(separator + "\n")
	}
	if len(tasks) > listLimit {
		fmt.Fprintf(&b, "\n<i>And %d more…</i>\n", len(tasks)-listLimit)
	}

	var completed, review, expired int
	for _, t := range tasks {
		switch t.DisplayStatus(now) {
		case task.StatusCompleted:
			completed++
		case task.StatusOnReview:
			review++
		case task.StatusExpired:
			expired++
		}
	}
	b.WriteString("\n📈 <b>Statistics:</b>\n")
	fmt.Fprintf(&b, "• Total: %d\n", len(tasks))
	fmt.Fprintf(&b, "• Completed: %d\n", completed)
	if f.reviewFlow {
		fmt.Fprintf(&b, "• On review: %d\n", review)
	}
	fmt.Fprintf(&b, "• Open: %d (overdue: %d)", len(tasks)-completed-review, expired)
	return b.String()
}

func listEmoji(st task.Status, u task.Urgency) string {
	switch st {
	case task.StatusCompleted:
		return "✅"
	case task.StatusOnReview:
		return "🔎"
	}
	switch u {
	case task.UrgencyOverdue:
		return "🚨"
	case task.UrgencyDueToday:
		return "⚠️"
	}
	return "📅"
}

func head(tasks []*task.Task, n int) []*task.Task {
	if len(tasks) > n {
		return tasks[:n]
	}
	return tasks
}

// GroupStats lists registered users, as shown in the registration group.
func (f *Formatter) GroupStats(users []*task.Principal) string {
	var managers int
	for _, u := range users {
		if u.Role != task.RoleAssignee {
			managers++
		}
	}
	var b strings.Builder
	b.WriteString("📊 <b>Directory statistics</b>\n\n")
	fmt.Fprintf(&b, "👥 <b>Users:</b> %d\n", len(users))
	fmt.Fprintf(&b, "👑 <b>Admins and managers:</b> %d\n", managers)
	fmt.Fprintf(&b, "👤 <b>Assignees:</b> %d\n\n", len(users)-managers)
	b.WriteString("<b>Registered users:</b>")
	for i, u := range users {
		if i == groupListLimit {
			fmt.Fprintf(&b, "\n\n<i>… and %d more</i>", len(users)-groupListLimit)
			break
		}
		fmt.Fprintf(&b, "\n%d. %s %s - %s", i+1, roleEmoji(u.Role), esc(u.Label()), u.Role)
	}
	b.WriteString("\n\n<b>Tasks are created in a private chat with the bot.</b>")
	return b.String()
}

// Welcome greets a user in the private chat.
func (f *Formatter) Welcome(p *task.Principal) string {
	var b strings.Builder
	fmt.Fprintf(&b, "👋 <b>Hello, %s!</b>\n\n", esc(p.DisplayName))
	fmt.Fprintf(&b, "<b>Your role:</b> %s %s\n\n", roleEmoji(p.Role), roleLabel(p.Role))
	switch p.Role {
	case task.RoleAdmin, task.RoleManager:
		b.WriteString("You can create corrective actions and assign them to registered users.")
	default:
		b.WriteString("Tasks assigned to you will arrive here. You will get reminders until they are done.")
	}
	return b.String()
}

// GroupWelcome is the reply to /start in a group.
func (f *Formatter) GroupWelcome(chatTitle string, p *task.Principal, becameAdmin bool) string {
	if becameAdmin {
		return fmt.Sprintf("👑 <b>You are now the system administrator!</b>\n\n"+
			"Chat \"%s\" is registered.\n\n"+
			"<b>This chat is only used to register users.</b>\n"+
			"Tasks are created and assigned in a <b>private chat</b> with the bot.\n\n"+
			"• /register adds the chat members to the directory\n"+
			"• /stats shows registered users", esc(chatTitle))
	}
	return fmt.Sprintf("👋 <b>Hello, %s!</b>\n\n"+
		"This chat is only used to register users.\n\n"+
		"<b>Your role:</b> %s\n\n"+
		"Tasks are created and assigned in a <b>private chat</b> with the bot.",
		esc(p.DisplayName), roleLabel(p.Role))
}

// Registered reports the outcome of a group registration.
func (f *Formatter) Registered(managers, assignees int) string {
	return fmt.Sprintf("✅ <b>Registration complete</b>\n\n"+
		"📋 Managers: %d\n👤 Assignees: %d\n\n"+
		"Members who are not chat administrators register by sending /start here or to the bot privately.",
		managers, assignees)
}

// Help lists what the user can do.
func (f *Formatter) Help(role task.Role, private bool) string {
	var b strings.Builder
	b.WriteString("ℹ️ <b>Help</b>\n\n")
	if !private {
		b.WriteString("This chat registers users for the task tracker.\n\n")
		b.WriteString("• /start - register yourself\n")
		b.WriteString("• /register - register chat administrators as managers (admins only)\n")
		b.WriteString("• /stats - directory statistics\n")
		b.WriteString("• /help - this message")
		return b.String()
	}
	b.WriteString("• /tasks - tasks assigned to you\n")
	if f.reviewFlow {
		b.WriteString("• /done &lt;id&gt; - send a task for review\n")
	} else {
		b.WriteString("• /done &lt;id&gt; - mark a task as done\n")
	}
	if role == task.RoleAdmin || role == task.RoleManager {
		b.WriteString("• /new - create a task\n")
		b.WriteString("• /created - tasks you created\n")
		if f.reviewFlow {
			b.WriteString("• /confirm &lt;id&gt; - accept a reviewed task\n")
			b.WriteString("• /reject &lt;id&gt; - send a task back to work\n")
		}
	}
	if role == task.RoleAdmin {
		b.WriteString("• /promote - make users managers\n")
	}
	b.WriteString("• /cancel - abort the current action\n")
	b.WriteString("• /help - this message\n\n")
	b.WriteString("Deadlines: <code>DD.MM.YYYY HH:MM</code> or <code>+N</code> hours from now.")
	return b.String()
}

// PromptAssignee starts task creation.
func (f *Formatter) PromptAssignee(hasCandidates bool) string {
	if !hasCandidates {
		return "📭 There is nobody to assign yet. Users register by sending /start in the registration group."
	}
	return "➕ <b>New task</b>\n\n<b>Step 1/4.</b> Choose the assignee:"
}

// PromptEvidence asks for a photo or video of the problem.
func (f *Formatter) PromptEvidence(assignee string) string {
	return fmt.Sprintf("👤 Assignee: <b>%s</b>\n\n<b>Step 2/4.</b> Send a photo or video of the problem, or press Skip.", esc(assignee))
}

// PromptDescription asks for the problem description.
func (f *Formatter) PromptDescription(minRunes int) string {
	return fmt.Sprintf("<b>Step 3/4.</b> Describe the problem and what has to be done (at least %d characters).", minRunes)
}

// PromptDeadline asks for the deadline.
func (f *Formatter) PromptDeadline(now time.Time) string {
	return fmt.Sprintf("<b>Step 4/4.</b> Enter the deadline as <code>DD.MM.YYYY HH:MM</code> (for example <code>%s</code>) or <code>+N</code> hours from now.",
		f.Time(now.Add(24*time.Hour)))
}

// PromptReportEvidence asks the assignee for evidence of the fix.
func (f *Formatter) PromptReportEvidence(id task.ID) string {
	return fmt.Sprintf("🔎 <b>Task #%d</b>\n\nSend a photo or video of the result, or press Skip.", id)
}

// CompletedNotice tells the creator the assignee finished the task.
func (f *Formatter) CompletedNotice(t *task.Task) string {
	return fmt.Sprintf("✅ <b>Task #%d completed</b>\n\n👤 %s\n📝 %s",
		t.ID, esc(t.AssigneeName), esc(excerpt(t.Description, reminderExcerpt)))
}

// ReviewRequest asks the creator to accept or reject the result.
func (f *Formatter) ReviewRequest(t *task.Task) string {
	return fmt.Sprintf("🔎 <b>Task #%d is waiting for your review</b>\n\n👤 %s\n📝 %s%s",
		t.ID, esc(t.AssigneeName), esc(excerpt(t.Description, reminderExcerpt)), evidenceLine(t.ReviewEvidence, "Result"))
}

// Confirmed tells the assignee the result was accepted.
func (f *Formatter) Confirmed(t *task.Task) string {
	return fmt.Sprintf("🎉 <b>Task #%d accepted.</b> Thank you!", t.ID)
}

// Rejected tells the assignee the task went back to work.
func (f *Formatter) Rejected(t *task.Task) string {
	return fmt.Sprintf("↩️ <b>Task #%d was sent back to work.</b>\n\n📅 Deadline: %s\n📝 %s",
		t.ID, f.Time(t.Deadline), esc(excerpt(t.Description, reminderExcerpt)))
}

// Promoted tells a user they can now create tasks.
func (f *Formatter) Promoted() string {
	return "📋 <b>You are now a manager.</b>\n\nYou can create tasks with /new."
}

// PromotePanel heads the admin's list of promotable users.
func (f *Formatter) PromotePanel(n int) string {
	if n == 0 {
		return "👑 <b>Manager management</b>\n\nThere are no users to promote."
	}
	return fmt.Sprintf("👑 <b>Manager management</b>\n\nChoose a user to promote (%d):", n)
}

// Cancelled confirms /cancel.
func (f *Formatter) Cancelled(hadSession bool) string {
	if !hadSession {
		return "ℹ️ There is nothing to cancel."
	}
	return "❌ Cancelled."
}

// Acknowledge is the reply to the actor of a successful transition.
func (f *Formatter) Acknowledge(t *task.Task) string {
	switch t.Status {
	case task.StatusOnReview:
		return fmt.Sprintf("🔎 <b>Task #%d sent for review.</b> The creator will check the result.", t.ID)
	case task.StatusCompleted:
		return fmt.Sprintf("✅ <b>Task #%d completed.</b>", t.ID)
	}
	return fmt.Sprintf("↩️ <b>Task #%d is active again.</b> The assignee was notified.", t.ID)
}

// PromotedAck tells the admin the promotion outcome.
func (f *Formatter) PromotedAck(p *task.Principal, ok bool) string {
	if !ok {
		return "⚠️ This user cannot be promoted."
	}
	return fmt.Sprintf("✅ %s is now a manager.", esc(p.Label()))
}

// ErrorText maps an error to a message for the user who caused it.
func ErrorText(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, task.ErrPastDeadline):
		return "❌ The deadline must be in the future."
	case errors.Is(err, task.ErrInvalidDeadline):
		return "❌ Wrong format. Use <code>DD.MM.YYYY HH:MM</code> or <code>+N</code> hours."
	case errors.Is(err, task.ErrDescriptionTooShort):
		return "❌ The description is too short."
	case errors.Is(err, task.ErrInvalidEvidence):
		return "❌ Send one photo or one video, or press Skip."
	case errors.Is(err, task.ErrInvalidAssignee):
		return "❌ This user cannot be assigned."
	case errors.Is(err, task.ErrUnauthorized):
		return "⛔ You are not allowed to do this."
	case errors.Is(err, task.ErrInvalidTransition):
		return "⚠️ The task status does not allow this action."
	case errors.Is(err, task.ErrTaskNotFound):
		return "❓ Task not found."
	case errors.Is(err, task.ErrPrincipalNotFound):
		return "❓ You are not registered. Send /start in the registration group first."
	case errors.Is(err, task.ErrNoSession):
		return "⌛ This conversation expired. Start again with /new."
	case errors.Is(err, task.ErrRecipientUnreachable):
		return "⚠️ Saved, but the recipient has not started a private chat with the bot and was not notified."
	}
	return "❌ Something went wrong. Please try again."
}
