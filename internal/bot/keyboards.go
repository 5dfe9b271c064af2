package bot

import (
	"fmt"

	"github.com/stellarlinkco/cabot/internal/bus"
	"github.com/stellarlinkco/cabot/internal/notify"
	"github.com/stellarlinkco/cabot/internal/task"
)

// Main menu buttons. Pressing one sends its label as text.
const (
	ButtonCreate  = "➕ Create task"
	ButtonMine    = "📋 My tasks"
	ButtonCreated = "👁 Created by me"
	ButtonManage  = "👑 Managers"
	ButtonHelp    = "ℹ️ Help"
	ButtonCancel  = "❌ Cancel"
)

// buttonCommands maps menu labels to the command they stand for.
var buttonCommands = map[string]string{
	ButtonCreate:  "new",
	ButtonMine:    "tasks",
	ButtonCreated: "created",
	ButtonManage:  "promote",
	ButtonHelp:    "help",
	ButtonCancel:  "cancel",
}

const maxTaskButtons = 10

func mainKeyboard(role task.Role) *bus.Keyboard {
	switch role {
	case task.RoleAdmin:
		return bus.ReplyKeyboard(
			[]string{ButtonCreate, ButtonMine},
			[]string{ButtonCreated, ButtonManage},
			[]string{ButtonHelp, ButtonCancel},
		)
	case task.RoleManager:
		return bus.ReplyKeyboard(
			[]string{ButtonCreate, ButtonMine},
			[]string{ButtonCreated, ButtonHelp},
			[]string{ButtonCancel},
		)
	}
	return bus.ReplyKeyboard(
		[]string{ButtonMine, ButtonHelp},
		[]string{ButtonCancel},
	)
}

func cancelRow() []bus.Button {
	return []bus.Button{{Text: ButtonCancel, Data: notify.ActionCancel}}
}

func assigneeKeyboard(candidates []*task.Principal) *bus.Keyboard {
	rows := make([][]bus.Button, 0, len(candidates)+1)
	for _, p := range candidates {
		rows = append(rows, []bus.Button{{
			Text: roleIcon(p.Role) + " " + p.Label(),
			Data: notify.CallbackData(notify.ActionAssign, p.ID),
		}})
	}
	rows = append(rows, cancelRow())
	return bus.InlineKeyboard(rows...)
}

func skipKeyboard() *bus.Keyboard {
	return bus.InlineKeyboard(
		[]bus.Button{{Text: "⏭ Skip", Data: notify.ActionSkip}},
		cancelRow(),
	)
}

func cancelKeyboard() *bus.Keyboard {
	return bus.InlineKeyboard(cancelRow())
}

// doneButtons offers done and open buttons per active task.
func doneButtons(tasks []*task.Task, reviewFlow bool) *bus.Keyboard {
	label := "✅ Done #%d"
	if reviewFlow {
		label = "🔎 Review #%d"
	}
	var rows [][]bus.Button
	for _, t := range tasks {
		if t.Status != task.StatusActive {
			continue
		}
		if len(rows) == maxTaskButtons {
			break
		}
		rows = append(rows, []bus.Button{
			{Text: fmt.Sprintf(label, t.ID), Data: notify.CallbackData(notify.ActionDone, int64(t.ID))},
			{Text: "👁 Open", Data: notify.CallbackData(notify.ActionShow, int64(t.ID))},
		})
	}
	if len(rows) == 0 {
		return nil
	}
	return bus.InlineKeyboard(rows...)
}

// reviewButtons offers accept and reject for tasks waiting on review.
func reviewButtons(tasks []*task.Task) *bus.Keyboard {
	var rows [][]bus.Button
	for _, t := range tasks {
		if t.Status != task.StatusOnReview {
			continue
		}
		if len(rows) == maxTaskButtons {
			break
		}
		rows = append(rows, []bus.Button{
			{Text: fmt.Sprintf("✅ Accept #%d", t.ID), Data: notify.CallbackData(notify.ActionConfirm, int64(t.ID))},
			{Text: fmt.Sprintf("↩️ Reject #%d", t.ID), Data: notify.CallbackData(notify.ActionReject, int64(t.ID))},
		})
	}
	if len(rows) == 0 {
		return nil
	}
	return bus.InlineKeyboard(rows...)
}

func promoteKeyboard(candidates []*task.Principal) *bus.Keyboard {
	if len(candidates) == 0 {
		return nil
	}
	rows := make([][]bus.Button, 0, len(candidates))
	for _, p := range candidates {
		rows = append(rows, []bus.Button{{
			Text: "📋 " + p.Label(),
			Data: notify.CallbackData(notify.ActionPromote, p.ID),
		}})
	}
	return bus.InlineKeyboard(rows...)
}

func roleIcon(r task.Role) string {
	switch r {
	case task.RoleAdmin:
		return "👑"
	case task.RoleManager:
		return "📋"
	}
	return "👤"
}
