package channel

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/stellarlinkco/cabot/internal/bus"
	"github.com/stellarlinkco/cabot/internal/config"
	"github.com/stellarlinkco/cabot/internal/notify"
	"github.com/stellarlinkco/cabot/internal/task"
)

const telegramChannelName = "telegram"

const (
	// Telegram rejects texts over 4096 and captions over 1024 characters.
	maxTextLen    = 4000
	maxCaptionLen = 1024
)

// TelegramBot is the subset of the Bot API the channel uses.
type TelegramBot interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetSelf() tgbotapi.User
	GetChatAdministrators(config tgbotapi.ChatAdministratorsConfig) ([]tgbotapi.ChatMember, error)
}

type tgBotWrapper struct {
	bot *tgbotapi.BotAPI
}

func (w *tgBotWrapper) GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return w.bot.GetUpdatesChan(config)
}

func (w *tgBotWrapper) StopReceivingUpdates() {
	w.bot.StopReceivingUpdates()
}

func (w *tgBotWrapper) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	return w.bot.Send(c)
}

func (w *tgBotWrapper) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	return w.bot.Request(c)
}

func (w *tgBotWrapper) GetSelf() tgbotapi.User {
	return w.bot.Self
}

func (w *tgBotWrapper) GetChatAdministrators(config tgbotapi.ChatAdministratorsConfig) ([]tgbotapi.ChatMember, error) {
	return w.bot.GetChatAdministrators(config)
}

// BotFactory creates TelegramBot instances (allows mocking)
type BotFactory func(token, apiEndpoint string, client *http.Client) (TelegramBot, error)

var defaultBotFactory BotFactory = func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint, client)
	if err != nil {
		return nil, err
	}
	return &tgBotWrapper{bot: bot}, nil
}

// TelegramChannel polls the Bot API into the bus and implements notify.Gateway.
type TelegramChannel struct {
	BaseChannel
	token       string
	proxy       string
	pollTimeout int
	logger      *zap.Logger
	botFactory  BotFactory

	mu     sync.RWMutex
	bot    TelegramBot
	cancel context.CancelFunc
	done   chan struct{}
}

var _ notify.Gateway = (*TelegramChannel)(nil)

func NewTelegramChannel(cfg config.TelegramConfig, b *bus.MessageBus, logger *zap.Logger) (*TelegramChannel, error) {
	return NewTelegramChannelWithFactory(cfg, b, logger, defaultBotFactory)
}

// NewTelegramChannelWithFactory creates a TelegramChannel with custom bot factory (for testing)
func NewTelegramChannelWithFactory(cfg config.TelegramConfig, b *bus.MessageBus, logger *zap.Logger, factory BotFactory) (*TelegramChannel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	pollTimeout := cfg.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = config.DefaultPollTimeout
	}
	return &TelegramChannel{
		BaseChannel: NewBaseChannel(telegramChannelName, b, cfg.AllowFrom),
		token:       cfg.Token,
		proxy:       cfg.Proxy,
		pollTimeout: pollTimeout,
		logger:      logger.Named(telegramChannelName),
		botFactory:  factory,
	}, nil
}

func (t *TelegramChannel) httpClient() (*http.Client, error) {
	// Long polling holds the request open for pollTimeout seconds.
	client := &http.Client{Timeout: time.Duration(t.pollTimeout+15) * time.Second}
	if t.proxy != "" {
		proxyURL, err := url.Parse(t.proxy)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		client.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	}
	return client, nil
}

func (t *TelegramChannel) initBot() error {
	client, err := t.httpClient()
	if err != nil {
		return err
	}
	bot, err := t.botFactory(t.token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", err)
	}
	t.SetBot(bot)
	t.logger.Info("authorized", zap.String("username", bot.GetSelf().UserName))
	return nil
}

// Start authorizes the bot and begins long polling in the background.
func (t *TelegramChannel) Start(ctx context.Context) error {
	if err := t.initBot(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	t.mu.Lock()
	t.cancel = cancel
	t.done = done
	bot := t.bot
	t.mu.Unlock()

	u := tgbotapi.NewUpdate(0)
	u.Timeout = t.pollTimeout
	u.AllowedUpdates = []string{"message", "callback_query"}
	updates := bot.GetUpdatesChan(u)

	go func() {
		defer close(done)
		for {
			select {
			case update, ok := <-updates:
				if !ok {
					return
				}
				if msg, ok := t.convertUpdate(update); ok {
					if err := t.bus.Publish(ctx, msg); err != nil {
						return
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	t.logger.Info("polling started", zap.Int("timeout_sec", t.pollTimeout))
	return nil
}

// Stop ends polling and waits for the update loop to exit.
func (t *TelegramChannel) Stop() error {
	t.mu.RLock()
	cancel, done, bot := t.cancel, t.done, t.bot
	t.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	if bot != nil {
		bot.StopReceivingUpdates()
	}
	if done != nil {
		<-done
	}
	t.logger.Info("stopped")
	return nil
}

// SetBot sets the bot (for testing)
func (t *TelegramChannel) SetBot(bot TelegramBot) {
	t.mu.Lock()
	t.bot = bot
	t.mu.Unlock()
}

func (t *TelegramChannel) currentBot() (TelegramBot, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.bot == nil {
		return nil, fmt.Errorf("telegram bot not initialized")
	}
	return t.bot, nil
}

func (t *TelegramChannel) convertUpdate(update tgbotapi.Update) (bus.InboundMessage, bool) {
	switch {
	case update.CallbackQuery != nil:
		return t.convertCallback(update.CallbackQuery)
	case update.Message != nil:
		return t.convertMessage(update.Message)
	}
	return bus.InboundMessage{}, false
}

func (t *TelegramChannel) convertMessage(msg *tgbotapi.Message) (bus.InboundMessage, bool) {
	if msg.From == nil || msg.Chat == nil || msg.From.IsBot {
		return bus.InboundMessage{}, false
	}
	if !t.IsAllowed(msg.From.ID, msg.From.UserName) {
		t.logger.Warn("rejected message", zap.Int64("sender_id", msg.From.ID), zap.String("username", msg.From.UserName))
		return bus.InboundMessage{}, false
	}

	content := msg.Text
	if content == "" {
		content = msg.Caption
	}

	var media task.Evidence
	switch {
	case len(msg.Photo) > 0:
		// Sizes are ascending; keep the largest.
		media = task.Evidence{Kind: task.MediaPhoto, FileID: msg.Photo[len(msg.Photo)-1].FileID}
	case msg.Video != nil:
		media = task.Evidence{Kind: task.MediaVideo, FileID: msg.Video.FileID}
	}

	if content == "" && media.IsZero() {
		return bus.InboundMessage{}, false
	}

	return bus.InboundMessage{
		Channel:        telegramChannelName,
		SenderID:       msg.From.ID,
		SenderName:     displayName(msg.From),
		SenderUsername: msg.From.UserName,
		ChatID:         msg.Chat.ID,
		ChatType:       bus.ChatType(msg.Chat.Type),
		ChatTitle:      msg.Chat.Title,
		MessageID:      msg.MessageID,
		Content:        content,
		Media:          media,
		Timestamp:      time.Unix(int64(msg.Date), 0),
	}, true
}

func (t *TelegramChannel) convertCallback(q *tgbotapi.CallbackQuery) (bus.InboundMessage, bool) {
	if q.From == nil {
		return bus.InboundMessage{}, false
	}
	if !t.IsAllowed(q.From.ID, q.From.UserName) {
		t.logger.Warn("rejected callback", zap.Int64("sender_id", q.From.ID))
		return bus.InboundMessage{}, false
	}

	in := bus.InboundMessage{
		Channel:        telegramChannelName,
		SenderID:       q.From.ID,
		SenderName:     displayName(q.From),
		SenderUsername: q.From.UserName,
		ChatID:         q.From.ID,
		ChatType:       bus.ChatPrivate,
		Callback:       &bus.Callback{ID: q.ID, Data: q.Data},
		Timestamp:      time.Now(),
	}
	if q.Message != nil && q.Message.Chat != nil {
		in.ChatID = q.Message.Chat.ID
		in.ChatType = bus.ChatType(q.Message.Chat.Type)
		in.ChatTitle = q.Message.Chat.Title
		in.Callback.MessageID = q.Message.MessageID
	}
	return in, true
}

func displayName(u *tgbotapi.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		name = u.UserName
	}
	if name == "" {
		name = fmt.Sprintf("user %d", u.ID)
	}
	return name
}

// Send delivers an HTML message. Media goes out as a photo or video with the
// text as caption when it fits; long texts are split at line breaks.
func (t *TelegramChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	bot, err := t.currentBot()
	if err != nil {
		return err
	}
	if msg.EditMessageID != 0 {
		return t.edit(ctx, bot, msg)
	}

	text := msg.Content
	if !msg.Media.IsZero() {
		caption := ""
		if utf8.RuneCountInString(text) <= maxCaptionLen {
			caption, text = text, ""
		}
		markup := replyMarkup(msg)
		if text != "" {
			markup = nil
		}
		if err := t.sendMedia(ctx, bot, msg.ChatID, msg.Media, caption, markup); err != nil {
			return err
		}
		if text == "" {
			return nil
		}
	}

	chunks := splitText(text, maxTextLen)
	for i, chunk := range chunks {
		cfg := tgbotapi.NewMessage(msg.ChatID, chunk)
		cfg.ParseMode = tgbotapi.ModeHTML
		if i == len(chunks)-1 {
			cfg.ReplyMarkup = replyMarkup(msg)
		}
		if _, err := call(ctx, func() (tgbotapi.Message, error) { return bot.Send(cfg) }); err != nil {
			if unreachable(err) || ctx.Err() != nil {
				return deliveryError("send telegram message", err)
			}
			// Retry without HTML parse mode
			cfg.ParseMode = ""
			cfg.Text = plainText(chunk)
			if _, err2 := call(ctx, func() (tgbotapi.Message, error) { return bot.Send(cfg) }); err2 != nil {
				return deliveryError("send telegram message", err2)
			}
		}
	}
	return nil
}

func (t *TelegramChannel) sendMedia(ctx context.Context, bot TelegramBot, chatID int64, media task.Evidence, caption string, markup any) error {
	var cfg tgbotapi.Chattable
	switch media.Kind {
	case task.MediaPhoto:
		p := tgbotapi.NewPhoto(chatID, tgbotapi.FileID(media.FileID))
		p.Caption, p.ParseMode, p.ReplyMarkup = caption, tgbotapi.ModeHTML, markup
		cfg = p
	case task.MediaVideo:
		v := tgbotapi.NewVideo(chatID, tgbotapi.FileID(media.FileID))
		v.Caption, v.ParseMode, v.ReplyMarkup = caption, tgbotapi.ModeHTML, markup
		cfg = v
	default:
		return fmt.Errorf("send telegram media: %w", task.ErrInvalidEvidence)
	}
	if _, err := call(ctx, func() (tgbotapi.Message, error) { return bot.Send(cfg) }); err != nil {
		return deliveryError("send telegram media", err)
	}
	return nil
}

func (t *TelegramChannel) edit(ctx context.Context, bot TelegramBot, msg bus.OutboundMessage) error {
	cfg := tgbotapi.NewEditMessageText(msg.ChatID, msg.EditMessageID, msg.Content)
	cfg.ParseMode = tgbotapi.ModeHTML
	if msg.Keyboard != nil && msg.Keyboard.Inline {
		cfg.ReplyMarkup = inlineMarkup(msg.Keyboard)
	}
	_, err := call(ctx, func() (tgbotapi.Message, error) { return bot.Send(cfg) })
	if err != nil && !strings.Contains(err.Error(), "message is not modified") {
		return deliveryError("edit telegram message", err)
	}
	return nil
}

// AnswerCallback stops the client's button spinner, optionally with a toast.
func (t *TelegramChannel) AnswerCallback(ctx context.Context, ans bus.CallbackAnswer) error {
	bot, err := t.currentBot()
	if err != nil {
		return err
	}
	cfg := tgbotapi.NewCallback(ans.CallbackID, ans.Text)
	if _, err := call(ctx, func() (*tgbotapi.APIResponse, error) { return bot.Request(cfg) }); err != nil {
		return deliveryError("answer callback", err)
	}
	return nil
}

// ChatAdministrators lists the administrators of a group chat.
func (t *TelegramChannel) ChatAdministrators(ctx context.Context, chatID int64) ([]notify.ChatMember, error) {
	bot, err := t.currentBot()
	if err != nil {
		return nil, err
	}
	cfg := tgbotapi.ChatAdministratorsConfig{ChatConfig: tgbotapi.ChatConfig{ChatID: chatID}}
	admins, err := call(ctx, func() ([]tgbotapi.ChatMember, error) { return bot.GetChatAdministrators(cfg) })
	if err != nil {
		return nil, deliveryError("get chat administrators", err)
	}
	members := make([]notify.ChatMember, 0, len(admins))
	for _, a := range admins {
		if a.User == nil {
			continue
		}
		members = append(members, notify.ChatMember{
			ID:       a.User.ID,
			Name:     displayName(a.User),
			Username: a.User.UserName,
			IsAdmin:  a.IsCreator() || a.IsAdministrator(),
			IsBot:    a.User.IsBot,
		})
	}
	return members, nil
}

// call runs a blocking Bot API call, returning early when ctx is done.
func call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	if err := ctx.Err(); err != nil {
		var zero T
		return zero, err
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// unreachable reports Bot API errors meaning the chat cannot receive messages.
func unreachable(err error) bool {
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == http.StatusForbidden ||
		strings.Contains(strings.ToLower(apiErr.Message), "chat not found")
}

func deliveryError(op string, err error) error {
	if unreachable(err) {
		return fmt.Errorf("%s: %w: %v", op, task.ErrRecipientUnreachable, err)
	}
	return fmt.Errorf("%s: %w: %w", op, task.ErrDelivery, err)
}

func replyMarkup(msg bus.OutboundMessage) any {
	switch {
	case msg.Keyboard != nil && msg.Keyboard.Inline:
		return inlineMarkup(msg.Keyboard)
	case msg.Keyboard != nil:
		rows := make([][]tgbotapi.KeyboardButton, 0, len(msg.Keyboard.Rows))
		for _, row := range msg.Keyboard.Rows {
			r := make([]tgbotapi.KeyboardButton, 0, len(row))
			for _, b := range row {
				r = append(r, tgbotapi.NewKeyboardButton(b.Text))
			}
			rows = append(rows, r)
		}
		return tgbotapi.NewReplyKeyboard(rows...)
	case msg.RemoveKeyboard:
		return tgbotapi.NewRemoveKeyboard(false)
	}
	return nil
}

func inlineMarkup(kb *bus.Keyboard) *tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(kb.Rows))
	for _, row := range kb.Rows {
		r := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			r = append(r, tgbotapi.NewInlineKeyboardButtonData(b.Text, b.Data))
		}
		rows = append(rows, r)
	}
	m := tgbotapi.NewInlineKeyboardMarkup(rows...)
	return &m
}

// splitText cuts s into chunks of at most maxLen bytes, preferring line breaks.
func splitText(s string, maxLen int) []string {
	var chunks []string
	for len(s) > maxLen {
		cut := strings.LastIndex(s[:maxLen], "\n")
		if cut <= 0 {
			cut = maxLen
			for cut > 0 && !utf8.RuneStart(s[cut]) {
				cut--
			}
			// No rune start in range: the bytes are not UTF-8, cut anyway.
			if cut == 0 {
				cut = maxLen
			}
		}
		chunks = append(chunks, s[:cut])
		s = strings.TrimPrefix(s[cut:], "\n")
	}
	if s != "" || len(chunks) == 0 {
		chunks = append(chunks, s)
	}
	return chunks
}

// plainText strips HTML tags and entities for the parse-mode fallback.
func plainText(s string) string {
	var b strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>' && inTag:
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return html.UnescapeString(b.String())
}
