package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/stellarlinkco/cabot/internal/bus"
	"github.com/stellarlinkco/cabot/internal/config"
	"github.com/stellarlinkco/cabot/internal/task"
)

// mockTelegramBot implements TelegramBot interface for testing
type mockTelegramBot struct {
	mu          sync.Mutex
	updatesChan chan tgbotapi.Update
	stopped     bool
	sentMsgs    []tgbotapi.Chattable
	requests    []tgbotapi.Chattable
	sendErrs    []error // consumed one per Send call
	admins      []tgbotapi.ChatMember
	adminsErr   error
	self        tgbotapi.User
}

func newMockBot() *mockTelegramBot {
	return &mockTelegramBot{
		updatesChan: make(chan tgbotapi.Update, 10),
		self:        tgbotapi.User{UserName: "testbot"},
	}
}

func (m *mockTelegramBot) GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return m.updatesChan
}

func (m *mockTelegramBot) StopReceivingUpdates() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
}

func (m *mockTelegramBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sentMsgs = append(m.sentMsgs, c)
	if len(m.sendErrs) > 0 {
		err := m.sendErrs[0]
		m.sendErrs = m.sendErrs[1:]
		if err != nil {
			return tgbotapi.Message{}, err
		}
	}
	return tgbotapi.Message{MessageID: len(m.sentMsgs)}, nil
}

func (m *mockTelegramBot) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (m *mockTelegramBot) GetSelf() tgbotapi.User {
	return m.self
}

func (m *mockTelegramBot) GetChatAdministrators(config tgbotapi.ChatAdministratorsConfig) ([]tgbotapi.ChatMember, error) {
	return m.admins, m.adminsErr
}

func (m *mockTelegramBot) sent() []tgbotapi.Chattable {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]tgbotapi.Chattable(nil), m.sentMsgs...)
}

func newTestChannel(t *testing.T, cfg config.TelegramConfig, bot *mockTelegramBot) (*TelegramChannel, *bus.MessageBus) {
	t.Helper()
	if cfg.Token == "" {
		cfg.Token = "fake-token"
	}
	b := bus.NewMessageBus(10)
	factory := func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
		return bot, nil
	}
	ch, err := NewTelegramChannelWithFactory(cfg, b, nil, factory)
	if err != nil {
		t.Fatalf("NewTelegramChannelWithFactory error: %v", err)
	}
	return ch, b
}

func TestBaseChannel_IsAllowed(t *testing.T) {
	b := bus.NewMessageBus(10)

	open := NewBaseChannel("test", b, nil)
	if !open.IsAllowed(1, "") {
		t.Error("should allow anyone when allowFrom is empty")
	}

	ch := NewBaseChannel("test", b, []string{"42", "@Boss"})
	if ch.Name() != "test" {
		t.Errorf("Name = %q, want test", ch.Name())
	}
	if !ch.IsAllowed(42, "") {
		t.Error("should allow id 42")
	}
	if !ch.IsAllowed(7, "boss") {
		t.Error("should allow username boss case-insensitively")
	}
	if ch.IsAllowed(7, "other") {
		t.Error("should reject other")
	}
}

func TestNewTelegramChannel_NoToken(t *testing.T) {
	_, err := NewTelegramChannel(config.TelegramConfig{}, bus.NewMessageBus(10), nil)
	if err == nil {
		t.Error("expected error for empty token")
	}
}

func TestTelegramChannel_InitBot_InvalidProxy(t *testing.T) {
	ch, _ := newTestChannel(t, config.TelegramConfig{Proxy: "://bad"}, newMockBot())
	if err := ch.initBot(); err == nil {
		t.Error("expected error for invalid proxy")
	}
}

func TestTelegramChannel_Start_InitError(t *testing.T) {
	factory := func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
		return nil, fmt.Errorf("init failed")
	}
	ch, _ := NewTelegramChannelWithFactory(config.TelegramConfig{Token: "fake-token"}, bus.NewMessageBus(10), nil, factory)
	if err := ch.Start(context.Background()); err == nil {
		t.Error("expected error from Start")
	}
}

func TestTelegramChannel_Stop_NotStarted(t *testing.T) {
	ch, _ := newTestChannel(t, config.TelegramConfig{}, newMockBot())
	if err := ch.Stop(); err != nil {
		t.Errorf("Stop error: %v", err)
	}
}

func receive(t *testing.T, b *bus.MessageBus) bus.InboundMessage {
	t.Helper()
	select {
	case msg := <-b.Inbound:
		return msg
	case <-time.After(time.Second):
		t.Fatal("expected inbound message")
	}
	return bus.InboundMessage{}
}

func TestTelegramChannel_Start_Messages(t *testing.T) {
	mockBot := newMockBot()
	ch, b := newTestChannel(t, config.TelegramConfig{}, mockBot)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := ch.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	mockBot.updatesChan <- tgbotapi.Update{Message: nil}
	mockBot.updatesChan <- tgbotapi.Update{
		Message: &tgbotapi.Message{
			MessageID: 5,
			From:      &tgbotapi.User{ID: 123, FirstName: "Ivan", LastName: "Petrov", UserName: "ivan"},
			Chat:      &tgbotapi.Chat{ID: 456, Type: "group", Title: "Plant"},
			Text:      "/start",
		},
	}

	msg := receive(t, b)
	if msg.Content != "/start" || msg.SenderID != 123 || msg.ChatID != 456 {
		t.Errorf("unexpected message %+v", msg)
	}
	if msg.SenderName != "Ivan Petrov" || msg.SenderUsername != "ivan" {
		t.Errorf("sender = %q/%q", msg.SenderName, msg.SenderUsername)
	}
	if !msg.IsGroup() || msg.ChatTitle != "Plant" || msg.MessageID != 5 {
		t.Errorf("chat info = %+v", msg)
	}

	if err := ch.Stop(); err != nil {
		t.Errorf("Stop error: %v", err)
	}
	mockBot.mu.Lock()
	stopped := mockBot.stopped
	mockBot.mu.Unlock()
	if !stopped {
		t.Error("bot should be stopped")
	}
}

func TestTelegramChannel_ConvertMessage_Media(t *testing.T) {
	ch, _ := newTestChannel(t, config.TelegramConfig{}, newMockBot())

	photo := &tgbotapi.Message{
		From:    &tgbotapi.User{ID: 1, FirstName: "A"},
		Chat:    &tgbotapi.Chat{ID: 1, Type: "private"},
		Caption: "leak",
		Photo: []tgbotapi.PhotoSize{
			{FileID: "small", Width: 90},
			{FileID: "large", Width: 1280},
		},
	}
	msg, ok := ch.convertMessage(photo)
	if !ok {
		t.Fatal("photo message should be converted")
	}
	if msg.Media != (task.Evidence{Kind: task.MediaPhoto, FileID: "large"}) {
		t.Errorf("media = %+v, want largest photo", msg.Media)
	}
	if msg.Content != "leak" {
		t.Errorf("content = %q, want caption", msg.Content)
	}

	video := &tgbotapi.Message{
		From:  &tgbotapi.User{ID: 1},
		Chat:  &tgbotapi.Chat{ID: 1, Type: "private"},
		Video: &tgbotapi.Video{FileID: "vid"},
	}
	msg, ok = ch.convertMessage(video)
	if !ok || msg.Media.Kind != task.MediaVideo || msg.Media.FileID != "vid" {
		t.Errorf("video = %+v, %v", msg.Media, ok)
	}
	if msg.SenderName != "user 1" {
		t.Errorf("fallback name = %q", msg.SenderName)
	}

	empty := &tgbotapi.Message{From: &tgbotapi.User{ID: 1}, Chat: &tgbotapi.Chat{ID: 1}}
	if _, ok := ch.convertMessage(empty); ok {
		t.Error("empty message should be dropped")
	}
	fromBot := &tgbotapi.Message{From: &tgbotapi.User{ID: 2, IsBot: true}, Chat: &tgbotapi.Chat{ID: 1}, Text: "hi"}
	if _, ok := ch.convertMessage(fromBot); ok {
		t.Error("bot messages should be dropped")
	}
}

func TestTelegramChannel_ConvertMessage_Rejected(t *testing.T) {
	ch, _ := newTestChannel(t, config.TelegramConfig{AllowFrom: []string{"1"}}, newMockBot())
	msg := &tgbotapi.Message{From: &tgbotapi.User{ID: 2}, Chat: &tgbotapi.Chat{ID: 2}, Text: "hi"}
	if _, ok := ch.convertMessage(msg); ok {
		t.Error("sender outside allowFrom should be rejected")
	}
}

func TestTelegramChannel_ConvertCallback(t *testing.T) {
	ch, _ := newTestChannel(t, config.TelegramConfig{}, newMockBot())

	msg, ok := ch.convertUpdate(tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "cb1",
		From:    &tgbotapi.User{ID: 9, FirstName: "Olga"},
		Data:    "assign:12",
		Message: &tgbotapi.Message{MessageID: 77, Chat: &tgbotapi.Chat{ID: 9, Type: "private"}},
	}})
	if !ok {
		t.Fatal("callback should be converted")
	}
	if msg.Callback == nil || msg.Callback.ID != "cb1" || msg.Callback.Data != "assign:12" || msg.Callback.MessageID != 77 {
		t.Errorf("callback = %+v", msg.Callback)
	}
	if msg.ChatID != 9 || !msg.IsPrivate() {
		t.Errorf("chat = %d %q", msg.ChatID, msg.ChatType)
	}
}

func TestTelegramChannel_Send_NilBot(t *testing.T) {
	ch, _ := NewTelegramChannel(config.TelegramConfig{Token: "fake-token"}, bus.NewMessageBus(10), nil)
	if err := ch.Send(context.Background(), bus.OutboundMessage{ChatID: 123, Content: "test"}); err == nil {
		t.Error("expected error when bot is nil")
	}
}

func TestTelegramChannel_Send_TextWithKeyboard(t *testing.T) {
	mockBot := newMockBot()
	ch, _ := newTestChannel(t, config.TelegramConfig{}, mockBot)
	ch.SetBot(mockBot)

	err := ch.Send(context.Background(), bus.OutboundMessage{
		ChatID:   123,
		Content:  "<b>hello</b>",
		Keyboard: bus.InlineKeyboard([]bus.Button{{Text: "Done", Data: "done:1"}}),
	})
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}
	sent := mockBot.sent()
	if len(sent) != 1 {
		t.Fatalf("expected 1 sent message, got %d", len(sent))
	}
	msg, ok := sent[0].(tgbotapi.MessageConfig)
	if !ok {
		t.Fatalf("sent %T, want MessageConfig", sent[0])
	}
	if msg.ParseMode != tgbotapi.ModeHTML || msg.ChatID != 123 {
		t.Errorf("message = %+v", msg)
	}
	markup, ok := msg.ReplyMarkup.(*tgbotapi.InlineKeyboardMarkup)
	if !ok || *markup.InlineKeyboard[0][0].CallbackData != "done:1" {
		t.Errorf("reply markup = %#v", msg.ReplyMarkup)
	}
}

func TestTelegramChannel_Send_ReplyKeyboardAndRemove(t *testing.T) {
	mockBot := newMockBot()
	ch, _ := newTestChannel(t, config.TelegramConfig{}, mockBot)
	ch.SetBot(mockBot)

	ch.Send(context.Background(), bus.OutboundMessage{ChatID: 1, Content: "menu", Keyboard: bus.ReplyKeyboard([]string{"A", "B"})})
	ch.Send(context.Background(), bus.OutboundMessage{ChatID: 1, Content: "bye", RemoveKeyboard: true})

	sent := mockBot.sent()
	if _, ok := sent[0].(tgbotapi.MessageConfig).ReplyMarkup.(tgbotapi.ReplyKeyboardMarkup); !ok {
		t.Errorf("first markup = %T, want ReplyKeyboardMarkup", sent[0].(tgbotapi.MessageConfig).ReplyMarkup)
	}
	if _, ok := sent[1].(tgbotapi.MessageConfig).ReplyMarkup.(tgbotapi.ReplyKeyboardRemove); !ok {
		t.Errorf("second markup = %T, want ReplyKeyboardRemove", sent[1].(tgbotapi.MessageConfig).ReplyMarkup)
	}
}

func TestTelegramChannel_Send_Media(t *testing.T) {
	mockBot := newMockBot()
	ch, _ := newTestChannel(t, config.TelegramConfig{}, mockBot)
	ch.SetBot(mockBot)

	ctx := context.Background()
	if err := ch.Send(ctx, bus.OutboundMessage{ChatID: 1, Content: "card", Media: task.Evidence{Kind: task.MediaPhoto, FileID: "p"}}); err != nil {
		t.Fatalf("Send photo error: %v", err)
	}
	long := strings.Repeat("x", maxCaptionLen+1)
	if err := ch.Send(ctx, bus.OutboundMessage{ChatID: 1, Content: long, Media: task.Evidence{Kind: task.MediaVideo, FileID: "v"}}); err != nil {
		t.Fatalf("Send video error: %v", err)
	}

	sent := mockBot.sent()
	if len(sent) != 3 {
		t.Fatalf("sent %d, want 3 (photo, bare video, text)", len(sent))
	}
	photo, ok := sent[0].(tgbotapi.PhotoConfig)
	if !ok || photo.Caption != "card" {
		t.Errorf("photo = %#v", sent[0])
	}
	video, ok := sent[1].(tgbotapi.VideoConfig)
	if !ok || video.Caption != "" {
		t.Errorf("video = %#v", sent[1])
	}
	if text, ok := sent[2].(tgbotapi.MessageConfig); !ok || text.Text != long {
		t.Errorf("long caption should follow as text")
	}
}

func TestTelegramChannel_Send_LongMessage(t *testing.T) {
	mockBot := newMockBot()
	ch, _ := newTestChannel(t, config.TelegramConfig{}, mockBot)
	ch.SetBot(mockBot)

	longContent := strings.Repeat("This is a long line of text that will be repeated.\n", 100)
	if err := ch.Send(context.Background(), bus.OutboundMessage{ChatID: 123, Content: longContent}); err != nil {
		t.Errorf("Send error: %v", err)
	}
	if n := len(mockBot.sent()); n < 2 {
		t.Errorf("expected multiple sent messages for long content, got %d", n)
	}
}

func TestTelegramChannel_Send_HTMLError_Retry(t *testing.T) {
	mockBot := newMockBot()
	mockBot.sendErrs = []error{&tgbotapi.Error{Code: 400, Message: "can't parse entities"}, nil}
	ch, _ := newTestChannel(t, config.TelegramConfig{}, mockBot)
	ch.SetBot(mockBot)

	if err := ch.Send(context.Background(), bus.OutboundMessage{ChatID: 123, Content: "<b>a &amp; b</b>"}); err != nil {
		t.Fatalf("Send should succeed after retry: %v", err)
	}
	sent := mockBot.sent()
	if len(sent) != 2 {
		t.Fatalf("sent %d, want 2", len(sent))
	}
	retry := sent[1].(tgbotapi.MessageConfig)
	if retry.ParseMode != "" || retry.Text != "a & b" {
		t.Errorf("retry = %q (mode %q), want plain text", retry.Text, retry.ParseMode)
	}
}

func TestTelegramChannel_Send_Unreachable(t *testing.T) {
	mockBot := newMockBot()
	mockBot.sendErrs = []error{&tgbotapi.Error{Code: 403, Message: "Forbidden: bot was blocked by the user"}}
	ch, _ := newTestChannel(t, config.TelegramConfig{}, mockBot)
	ch.SetBot(mockBot)

	err := ch.Send(context.Background(), bus.OutboundMessage{ChatID: 1, Content: "hi"})
	if !errors.Is(err, task.ErrRecipientUnreachable) {
		t.Fatalf("err = %v, want ErrRecipientUnreachable", err)
	}
	if len(mockBot.sent()) != 1 {
		t.Error("unreachable chat should not be retried")
	}
}

func TestTelegramChannel_Send_BothFail(t *testing.T) {
	mockBot := newMockBot()
	mockBot.sendErrs = []error{errors.New("parse"), errors.New("network")}
	ch, _ := newTestChannel(t, config.TelegramConfig{}, mockBot)
	ch.SetBot(mockBot)

	err := ch.Send(context.Background(), bus.OutboundMessage{ChatID: 1, Content: "hi"})
	if !errors.Is(err, task.ErrDelivery) {
		t.Fatalf("err = %v, want delivery error", err)
	}
}

func TestTelegramChannel_Send_ContextDone(t *testing.T) {
	mockBot := newMockBot()
	ch, _ := newTestChannel(t, config.TelegramConfig{}, mockBot)
	ch.SetBot(mockBot)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := ch.Send(ctx, bus.OutboundMessage{ChatID: 1, Content: "hi"}); err == nil {
		t.Fatal("expected error for cancelled context")
	}
	if len(mockBot.sent()) != 0 {
		t.Error("nothing should be sent after cancellation")
	}
}

func TestTelegramChannel_Edit(t *testing.T) {
	mockBot := newMockBot()
	mockBot.sendErrs = []error{nil, &tgbotapi.Error{Code: 400, Message: "Bad Request: message is not modified"}}
	ch, _ := newTestChannel(t, config.TelegramConfig{}, mockBot)
	ch.SetBot(mockBot)

	msg := bus.OutboundMessage{ChatID: 1, EditMessageID: 10, Content: "updated"}
	if err := ch.Send(context.Background(), msg); err != nil {
		t.Fatalf("edit error: %v", err)
	}
	if err := ch.Send(context.Background(), msg); err != nil {
		t.Fatalf("unchanged edit should not fail: %v", err)
	}
	if _, ok := mockBot.sent()[0].(tgbotapi.EditMessageTextConfig); !ok {
		t.Errorf("sent %T, want EditMessageTextConfig", mockBot.sent()[0])
	}
}

func TestTelegramChannel_AnswerCallback(t *testing.T) {
	mockBot := newMockBot()
	ch, _ := newTestChannel(t, config.TelegramConfig{}, mockBot)
	ch.SetBot(mockBot)

	if err := ch.AnswerCallback(context.Background(), bus.CallbackAnswer{CallbackID: "cb", Text: "ok"}); err != nil {
		t.Fatalf("AnswerCallback error: %v", err)
	}
	cb, ok := mockBot.requests[0].(tgbotapi.CallbackConfig)
	if !ok || cb.CallbackQueryID != "cb" || cb.Text != "ok" {
		t.Errorf("request = %#v", mockBot.requests[0])
	}
}

func TestTelegramChannel_ChatAdministrators(t *testing.T) {
	mockBot := newMockBot()
	mockBot.admins = []tgbotapi.ChatMember{
		{User: &tgbotapi.User{ID: 1, FirstName: "Owner"}, Status: "creator"},
		{User: &tgbotapi.User{ID: 2, FirstName: "Mod", UserName: "mod"}, Status: "administrator"},
		{User: &tgbotapi.User{ID: 3, FirstName: "Bot", IsBot: true}, Status: "administrator"},
		{User: nil, Status: "administrator"},
	}
	ch, _ := newTestChannel(t, config.TelegramConfig{}, mockBot)
	ch.SetBot(mockBot)

	members, err := ch.ChatAdministrators(context.Background(), -100)
	if err != nil {
		t.Fatalf("ChatAdministrators error: %v", err)
	}
	if len(members) != 3 {
		t.Fatalf("members = %d, want 3", len(members))
	}
	if !members[0].IsAdmin || !members[1].IsAdmin || members[1].Username != "mod" || !members[2].IsBot {
		t.Errorf("members = %+v", members)
	}

	mockBot.adminsErr = errors.New("boom")
	if _, err := ch.ChatAdministrators(context.Background(), -100); !errors.Is(err, task.ErrDelivery) {
		t.Errorf("err = %v, want delivery error", err)
	}
}

func TestSplitText(t *testing.T) {
	chunks := splitText(strings.Repeat("ж", 3000), 4000)
	for _, c := range chunks {
		if len(c) > 4000 {
			t.Errorf("chunk length %d exceeds limit", len(c))
		}
		if !strings.HasPrefix(c, "ж") {
			t.Error("chunk starts mid-rune")
		}
	}
	if strings.Join(chunks, "") != strings.Repeat("ж", 3000) {
		t.Error("chunks do not reassemble the text")
	}
	if got := splitText("", 10); len(got) != 1 || got[0] != "" {
		t.Errorf("splitText(\"\") = %q", got)
	}
}

func TestSplitText_InvalidUTF8(t *testing.T) {
	text := strings.Repeat("\x80", 5000)
	done := make(chan []string, 1)
	go func() { done <- splitText(text, 4000) }()

	select {
	case chunks := <-done:
		if len(chunks) != 2 || len(chunks[0]) != 4000 {
			t.Errorf("got %d chunks, first %d bytes", len(chunks), len(chunks[0]))
		}
		if strings.Join(chunks, "") != text {
			t.Error("chunks do not reassemble the text")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("splitText did not return")
	}
}

func TestPlainText(t *testing.T) {
	if got := plainText("<b>Task #1</b> &lt;x&gt; <code>+2</code>"); got != "Task #1 <x> +2" {
		t.Errorf("plainText = %q", got)
	}
}
