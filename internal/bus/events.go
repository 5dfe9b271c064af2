package bus

import (
	"strings"
	"time"

	"github.com/stellarlinkco/cabot/internal/task"
)

// ChatType is the kind of chat a message arrived in.
type ChatType string

const (
	ChatPrivate    ChatType = "private"
	ChatGroup      ChatType = "group"
	ChatSupergroup ChatType = "supergroup"
	ChatChannel    ChatType = "channel"
)

// Callback is an inline button press.
type Callback struct {
	ID        string
	Data      string
	MessageID int
}

type InboundMessage struct {
	Channel        string
	SenderID       int64
	SenderName     string
	SenderUsername string
	ChatID         int64
	ChatType       ChatType
	ChatTitle      string
	MessageID      int
	Content        string
	Media          task.Evidence
	Callback       *Callback
	Timestamp      time.Time
}

// IsPrivate reports whether the message came from a one-to-one chat.
func (m *InboundMessage) IsPrivate() bool { return m.ChatType == ChatPrivate }

// IsGroup reports whether the message came from a group chat.
func (m *InboundMessage) IsGroup() bool {
	return m.ChatType == ChatGroup || m.ChatType == ChatSupergroup
}

// Command splits "/name@bot args" into the lower-cased name and args.
// It returns ok=false for plain text.
func (m *InboundMessage) Command() (name, args string, ok bool) {
	text := strings.TrimSpace(m.Content)
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	head, rest, _ := strings.Cut(text[1:], " ")
	if at := strings.IndexByte(head, '@'); at >= 0 {
		head = head[:at]
	}
	if head == "" {
		return "", "", false
	}
	return strings.ToLower(head), strings.TrimSpace(rest), true
}

// Button is one keyboard button. Data is empty on reply keyboards.
type Button struct {
	Text string
	Data string
}

// Keyboard is either an inline keyboard attached to the message or a reply
// keyboard replacing the user's input keyboard.
type Keyboard struct {
	Inline bool
	Rows   [][]Button
}

// InlineKeyboard builds an inline keyboard from rows.
func InlineKeyboard(rows ...[]Button) *Keyboard {
	return &Keyboard{Inline: true, Rows: rows}
}

// ReplyKeyboard builds a reply keyboard, one row per slice.
func ReplyKeyboard(rows ...[]string) *Keyboard {
	kb := &Keyboard{}
	for _, row := range rows {
		r := make([]Button, 0, len(row))
		for _, text := range row {
			r = append(r, Button{Text: text})
		}
		kb.Rows = append(kb.Rows, r)
	}
	return kb
}

type OutboundMessage struct {
	ChatID  int64
	Content string // HTML
	Media   task.Evidence
	// Keyboard is attached to the message. Nil keeps the current reply keyboard.
	Keyboard *Keyboard
	// RemoveKeyboard hides the reply keyboard.
	RemoveKeyboard bool
	// EditMessageID replaces the text and inline keyboard of an earlier message.
	EditMessageID int
}

// CallbackAnswer acknowledges a button press, optionally with a toast.
type CallbackAnswer struct {
	CallbackID string
	Text       string
}
