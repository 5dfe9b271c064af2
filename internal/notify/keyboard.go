package notify

import (
	"strconv"
	"strings"

	"github.com/stellarlinkco/cabot/internal/bus"
	"github.com/stellarlinkco/cabot/internal/task"
)

// Callback actions carried in inline button data as "action:id".
const (
	ActionAssign  = "assign"
	ActionSkip    = "skip"
	ActionCancel  = "cancel"
	ActionDone    = "done"
	ActionConfirm = "confirm"
	ActionReject  = "reject"
	ActionPromote = "promote"
	ActionShow    = "show"
)

func CallbackData(action string, id int64) string {
	return action + ":" + strconv.FormatInt(id, 10)
}

// ParseCallback splits button data. Actions without an id yield id 0.
func ParseCallback(data string) (action string, id int64, ok bool) {
	action, rest, found := strings.Cut(data, ":")
	if action == "" {
		return "", 0, false
	}
	if !found {
		return action, 0, true
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return "", 0, false
	}
	return action, id, true
}

// DoneKeyboard is attached to task messages sent to the assignee.
func DoneKeyboard(id task.ID, reviewFlow bool) *bus.Keyboard {
	label := "✅ Done"
	if reviewFlow {
		label = "🔎 Send for review"
	}
	return bus.InlineKeyboard([]bus.Button{{Text: label, Data: CallbackData(ActionDone, int64(id))}})
}

// ReviewKeyboard is attached to review requests sent to the creator.
func ReviewKeyboard(id task.ID) *bus.Keyboard {
	return bus.InlineKeyboard([]bus.Button{
		{Text: "✅ Accept", Data: CallbackData(ActionConfirm, int64(id))},
		{Text: "↩️ Reject", Data: CallbackData(ActionReject, int64(id))},
	})
}
