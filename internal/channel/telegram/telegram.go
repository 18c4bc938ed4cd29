package telegram

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/MEKXH/permit/internal/approval"
	"github.com/MEKXH/permit/internal/channel"
	"github.com/MEKXH/permit/internal/config"
	"github.com/MEKXH/permit/internal/render"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

var (
	boldStarRe   = regexp.MustCompile(`\*\*(.+?)\*\*`)
	boldUnderRe  = regexp.MustCompile(`__(.+?)__`)
	codeInlineRe = regexp.MustCompile("`([^`]+)`")
	// cards end their field list with "Request: <id>"; replies to a card reuse it
	requestLineRe = regexp.MustCompile(`(?m)^Request: (\S+)\s*$`)
)

// botAPI is the subset of *tgbotapi.BotAPI used for sending.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Channel is both the Telegram notifier and the long-poll listener that
// turns button presses and /msg commands into decisions.
type Channel struct {
	channel.BaseChannel
	cfg     *config.TelegramConfig
	decider channel.Decider

	mu  sync.Mutex
	api *tgbotapi.BotAPI
	bot botAPI
}

// New creates a Telegram channel. decider may be nil for a send-only notifier.
func New(cfg *config.TelegramConfig, decider channel.Decider) *Channel {
	return &Channel{
		BaseChannel: channel.BaseChannel{AllowList: channel.NewAllowList(cfg.AllowFrom)},
		cfg:         cfg,
		decider:     decider,
	}
}

func (c *Channel) Name() string { return "telegram" }

// SetDecider attaches the controller once it exists.
func (c *Channel) SetDecider(d channel.Decider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decider = d
}

func (c *Channel) client() (botAPI, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bot != nil {
		return c.bot, nil
	}
	api, err := tgbotapi.NewBotAPI(c.cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram init failed: %w", err)
	}
	c.api = api
	c.bot = api
	slog.Info("telegram bot connected", "username", api.Self.UserName)
	return api, nil
}

func (c *Channel) currentDecider() channel.Decider {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.decider
}

// SendRequest posts the request with inline approve / deny buttons.
func (c *Channel) SendRequest(ctx context.Context, rec *approval.StoredRequest) (string, error) {
	bot, err := c.client()
	if err != nil {
		return "", err
	}
	msg := tgbotapi.NewMessage(c.cfg.ChatID, requestHTML(rec))
	msg.ParseMode = tgbotapi.ModeHTML
	msg.ReplyMarkup = keyboard(rec.ID())

	sent, err := bot.Send(msg)
	if err != nil {
		return "", fmt.Errorf("send telegram request: %w", err)
	}
	return channel.JoinHandle(strconv.FormatInt(sent.Chat.ID, 10), strconv.Itoa(sent.MessageID)), nil
}

// UpdateRequest edits the request message in place. Terminal states drop the keyboard.
func (c *Channel) UpdateRequest(ctx context.Context, handle string, rec *approval.StoredRequest) error {
	chatID, messageID, err := parseHandle(handle)
	if err != nil {
		return err
	}
	bot, err := c.client()
	if err != nil {
		return err
	}
	var edit tgbotapi.EditMessageTextConfig
	if rec.Status == approval.StatusPending {
		edit = tgbotapi.NewEditMessageTextAndMarkup(chatID, messageID, requestHTML(rec), keyboard(rec.ID()))
	} else {
		edit = tgbotapi.NewEditMessageText(chatID, messageID, requestHTML(rec))
	}
	edit.ParseMode = tgbotapi.ModeHTML
	if _, err := bot.Request(edit); err != nil {
		return fmt.Errorf("edit telegram message %s: %w", handle, err)
	}
	return nil
}

// SendNotice posts a notice. Content may use **bold** and `code`.
func (c *Channel) SendNotice(ctx context.Context, notice approval.Notice) (string, error) {
	bot, err := c.client()
	if err != nil {
		return "", err
	}
	text := "<b>" + html.EscapeString(render.NoticeTitle(notice)) + "</b>\n" + markdownToHTML(notice.Content)
	msg := tgbotapi.NewMessage(c.cfg.ChatID, text)
	msg.ParseMode = tgbotapi.ModeHTML

	sent, err := bot.Send(msg)
	if err != nil {
		// retry without formatting; agent text may not survive the HTML parser
		msg.ParseMode = ""
		msg.Text = render.NoticeTitle(notice) + "\n" + notice.Content
		if sent, err = bot.Send(msg); err != nil {
			return "", fmt.Errorf("send telegram notice: %w", err)
		}
	}
	return channel.JoinHandle(strconv.FormatInt(sent.Chat.ID, 10), strconv.Itoa(sent.MessageID)), nil
}

// Start long-polls for updates until ctx is done.
func (c *Channel) Start(ctx context.Context) error {
	if _, err := c.client(); err != nil {
		return err
	}
	c.mu.Lock()
	api := c.api
	c.mu.Unlock()
	if api == nil {
		return errors.New("telegram listener needs a live bot")
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			c.handleUpdate(ctx, update)
		}
	}
}

func (c *Channel) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.api != nil {
		c.api.StopReceivingUpdates()
	}
	return nil
}

func (c *Channel) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.CallbackQuery != nil:
		c.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil:
		c.handleMessage(ctx, update.Message)
	}
}

func senderOf(u *tgbotapi.User) (senderID, responder string) {
	if u == nil {
		return "", ""
	}
	senderID = strconv.FormatInt(u.ID, 10)
	responder = senderID
	if u.UserName != "" {
		senderID += "|" + u.UserName
		responder = "@" + u.UserName
	}
	return senderID, responder
}

func (c *Channel) handleCallback(ctx context.Context, cq *tgbotapi.CallbackQuery) {
	bot, err := c.client()
	if err != nil {
		slog.Error("telegram callback dropped", "error", err)
		return
	}
	senderID, responder := senderOf(cq.From)
	if !c.IsAllowed(senderID) {
		slog.Debug("unauthorized sender", "id", senderID)
		c.answer(bot, cq.ID, "You are not allowed to decide requests")
		return
	}

	kind, id, ok := strings.Cut(cq.Data, ":")
	if !ok || strings.TrimSpace(id) == "" {
		c.answer(bot, cq.ID, "Unknown action")
		return
	}
	_, text := c.decide(ctx, approval.DecideInput{ID: id, Kind: kind, Responder: responder})
	c.answer(bot, cq.ID, text)
}

func (c *Channel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.Chat == nil {
		return
	}
	var id, text string
	switch {
	case msg.IsCommand() && msg.Command() == "msg":
		args := strings.TrimSpace(msg.CommandArguments())
		id, text, _ = strings.Cut(args, " ")
		if id == "" {
			c.reply(msg, "Usage: /msg <request-id> <text>")
			return
		}
	case msg.ReplyToMessage != nil && !msg.IsCommand():
		m := requestLineRe.FindStringSubmatch(msg.ReplyToMessage.Text)
		if m == nil {
			return
		}
		id, text = m[1], msg.Text
	default:
		return
	}

	senderID, responder := senderOf(msg.From)
	if !c.IsAllowed(senderID) {
		slog.Debug("unauthorized sender", "id", senderID)
		return
	}
	_, feedback := c.decide(ctx, approval.DecideInput{
		ID:        strings.TrimSpace(id),
		Kind:      string(approval.DecisionMessage),
		Responder: responder,
		Message:   text,
	})
	c.reply(msg, feedback)
}

func (c *Channel) decide(ctx context.Context, input approval.DecideInput) (string, string) {
	decider := c.currentDecider()
	if decider == nil {
		return channel.ToastError, "Decisions are not accepted here"
	}
	if _, ok := approval.ParseDecisionKind(input.Kind); !ok {
		return channel.ToastError, "Unknown action"
	}
	out, err := decider.Decide(ctx, input)
	if err != nil && !errors.Is(err, approval.ErrEmptyMessage) && !errors.Is(err, approval.ErrInvalidDecision) {
		slog.Error("apply telegram decision failed", "request_id", input.ID, "decision", input.Kind, "error", err)
	}
	return channel.Feedback(out, err)
}

func (c *Channel) answer(bot botAPI, callbackID, text string) {
	if _, err := bot.Request(tgbotapi.NewCallback(callbackID, text)); err != nil {
		slog.Warn("answer telegram callback failed", "error", err)
	}
}

func (c *Channel) reply(msg *tgbotapi.Message, text string) {
	bot, err := c.client()
	if err != nil {
		return
	}
	out := tgbotapi.NewMessage(msg.Chat.ID, text)
	out.ReplyToMessageID = msg.MessageID
	if _, err := bot.Send(out); err != nil {
		slog.Warn("telegram reply failed", "chat_id", msg.Chat.ID, "error", err)
	}
}

func keyboard(id string) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("✅ Approve", string(approval.DecisionApprove)+":"+id),
		tgbotapi.NewInlineKeyboardButtonData("❌ Deny", string(approval.DecisionDeny)+":"+id),
	))
}

func requestHTML(rec *approval.StoredRequest) string {
	var b strings.Builder
	b.WriteString("<b>" + html.EscapeString(render.Title(rec)) + "</b>\n")
	for _, f := range render.Fields(rec) {
		value := html.EscapeString(f.Value)
		if f.Code {
			value = "<code>" + value + "</code>"
		}
		b.WriteString(f.Label + ": " + value + "\n")
	}
	b.WriteString("\n<i>" + html.EscapeString(render.StatusLine(rec)) + "</i>")
	if msg := render.DecisionMessage(rec); msg != "" {
		b.WriteString("\n<blockquote>" + html.EscapeString(msg) + "</blockquote>")
	}
	if rec.Status == approval.StatusPending {
		b.WriteString("\nReply to this message to send the agent a note.")
	}
	return b.String()
}

func parseHandle(handle string) (int64, int, error) {
	chat, message, ok := channel.SplitHandle(handle)
	if !ok {
		return 0, 0, fmt.Errorf("invalid telegram handle %q", handle)
	}
	chatID, err := parseInt64(chat)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid chat id %q: %w", chat, err)
	}
	messageID, err := strconv.Atoi(message)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid message id %q: %w", message, err)
	}
	return chatID, messageID, nil
}

func parseInt64(s string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
}

func markdownToHTML(text string) string {
	text = html.EscapeString(text)
	text = boldStarRe.ReplaceAllString(text, "<b>$1</b>")
	text = boldUnderRe.ReplaceAllString(text, "<b>$1</b>")
	text = codeInlineRe.ReplaceAllString(text, "<code>$1</code>")
	return text
}
