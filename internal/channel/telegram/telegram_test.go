package telegram

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MEKXH/permit/internal/approval"
	"github.com/MEKXH/permit/internal/config"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type fakeBot struct {
	mu       sync.Mutex
	sent     []tgbotapi.Chattable
	requests []tgbotapi.Chattable
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, c)
	return tgbotapi.Message{MessageID: 42, Chat: &tgbotapi.Chat{ID: -100}}, nil
}

func (f *fakeBot) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

type fakeDecider struct {
	calls []approval.DecideInput
	out   approval.Outcome
}

func (f *fakeDecider) Decide(_ context.Context, input approval.DecideInput) (approval.Outcome, error) {
	f.calls = append(f.calls, input)
	return f.out, nil
}

func newTestChannel(allow []string) (*Channel, *fakeBot, *fakeDecider) {
	bot := &fakeBot{}
	d := &fakeDecider{out: approval.Outcome{Kind: approval.OutcomeApplied, Record: &approval.StoredRequest{Status: approval.StatusApproved}}}
	ch := New(&config.TelegramConfig{ChatID: -100, AllowFrom: allow}, d)
	ch.bot = bot
	return ch, bot, d
}

func record(status approval.Status) *approval.StoredRequest {
	return &approval.StoredRequest{
		Request: approval.PermissionRequest{
			RequestID:        "req-1",
			Tool:             "Bash",
			Command:          "rm -rf <dist>",
			WorkingDirectory: "/w",
			RiskLevel:        approval.RiskHigh,
			ExpiresAt:        time.Date(2026, 1, 1, 0, 5, 0, 0, time.UTC),
		},
		Status: status,
	}
}

func TestMarkdownToHTML_RendersBoldAndCode(t *testing.T) {
	out := markdownToHTML("**b** `c` <x>")
	if !strings.Contains(out, "<b>b</b>") || !strings.Contains(out, "<code>c</code>") {
		t.Fatalf("expected bold and code to render, got: %s", out)
	}
	if !strings.Contains(out, "&lt;x&gt;") {
		t.Fatalf("expected raw html escaped, got: %s", out)
	}
}

func TestParseHandle(t *testing.T) {
	chat, msg, err := parseHandle("-100:42")
	if err != nil || chat != -100 || msg != 42 {
		t.Fatalf("parseHandle = %d %d %v", chat, msg, err)
	}
	if _, _, err := parseHandle("-100:abc"); err == nil {
		t.Fatal("expected error for invalid message id")
	}
	if _, err := parseInt64("not-a-number"); err == nil {
		t.Fatal("expected error for invalid chat id")
	}
}

func TestSendRequest_KeyboardAndHandle(t *testing.T) {
	ch, bot, _ := newTestChannel(nil)

	handle, err := ch.SendRequest(context.Background(), record(approval.StatusPending))
	if err != nil {
		t.Fatalf("SendRequest error: %v", err)
	}
	if handle != "-100:42" {
		t.Fatalf("unexpected handle %q", handle)
	}
	msg := bot.sent[0].(tgbotapi.MessageConfig)
	if msg.ChatID != -100 || msg.ParseMode != tgbotapi.ModeHTML {
		t.Fatalf("unexpected message config %+v", msg)
	}
	if !strings.Contains(msg.Text, "&lt;dist&gt;") || !strings.Contains(msg.Text, "Request: <code>req-1</code>") {
		t.Fatalf("unexpected text %s", msg.Text)
	}
	kb := msg.ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	if *kb.InlineKeyboard[0][0].CallbackData != "approve:req-1" || *kb.InlineKeyboard[0][1].CallbackData != "deny:req-1" {
		t.Fatalf("unexpected keyboard %+v", kb)
	}
}

func TestUpdateRequest_FinalDropsKeyboard(t *testing.T) {
	ch, bot, _ := newTestChannel(nil)
	rec := record(approval.StatusDenied)
	rec.Decision = &approval.Decision{Kind: approval.DecisionDeny, Responder: "@alice", Message: "not now"}

	if err := ch.UpdateRequest(context.Background(), "-100:42", rec); err != nil {
		t.Fatalf("UpdateRequest error: %v", err)
	}
	edit := bot.requests[0].(tgbotapi.EditMessageTextConfig)
	if edit.ReplyMarkup != nil {
		t.Fatal("expected keyboard removed on terminal state")
	}
	if edit.MessageID != 42 || !strings.Contains(edit.Text, "Denied by @alice") || !strings.Contains(edit.Text, "not now") {
		t.Fatalf("unexpected edit %+v", edit)
	}

	if err := ch.UpdateRequest(context.Background(), "garbage", rec); err == nil {
		t.Fatal("expected invalid handle error")
	}
}

func TestHandleUpdate_CallbackDecides(t *testing.T) {
	ch, bot, d := newTestChannel([]string{"@alice"})

	ch.handleUpdate(context.Background(), tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:   "cb1",
		From: &tgbotapi.User{ID: 7, UserName: "alice"},
		Data: "approve:req-1",
	}})

	if len(d.calls) != 1 || d.calls[0].ID != "req-1" || d.calls[0].Kind != "approve" || d.calls[0].Responder != "@alice" {
		t.Fatalf("unexpected decide calls %+v", d.calls)
	}
	answer := bot.requests[0].(tgbotapi.CallbackConfig)
	if answer.CallbackQueryID != "cb1" || answer.Text != "Approved" {
		t.Fatalf("unexpected answer %+v", answer)
	}
}

func TestHandleUpdate_CallbackRejected(t *testing.T) {
	ch, bot, d := newTestChannel([]string{"@alice"})

	ch.handleUpdate(context.Background(), tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID: "cb2", From: &tgbotapi.User{ID: 8, UserName: "mallory"}, Data: "approve:req-1",
	}})
	ch.handleUpdate(context.Background(), tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID: "cb3", From: &tgbotapi.User{ID: 7, UserName: "alice"}, Data: "always:req-1",
	}})

	if len(d.calls) != 0 {
		t.Fatalf("expected no decisions, got %+v", d.calls)
	}
	if got := bot.requests[1].(tgbotapi.CallbackConfig).Text; got != "Unknown action" {
		t.Fatalf("unexpected answer %q", got)
	}
}

func commandMessage(text string) *tgbotapi.Message {
	cmd := strings.Fields(text)[0]
	return &tgbotapi.Message{
		MessageID: 5,
		From:      &tgbotapi.User{ID: 7, UserName: "alice"},
		Chat:      &tgbotapi.Chat{ID: -100},
		Text:      text,
		Entities:  []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(cmd)}},
	}
}

func TestHandleUpdate_MsgCommand(t *testing.T) {
	ch, bot, d := newTestChannel(nil)
	d.out = approval.Outcome{Kind: approval.OutcomeApplied, Record: &approval.StoredRequest{Status: approval.StatusMessage}}

	ch.handleUpdate(context.Background(), tgbotapi.Update{Message: commandMessage("/msg req-1 please use staging")})

	if len(d.calls) != 1 || d.calls[0].Kind != "message" || d.calls[0].Message != "please use staging" {
		t.Fatalf("unexpected decide calls %+v", d.calls)
	}
	reply := bot.sent[0].(tgbotapi.MessageConfig)
	if reply.Text != "Message sent" || reply.ReplyToMessageID != 5 {
		t.Fatalf("unexpected reply %+v", reply)
	}
}

func TestHandleUpdate_MsgCommandUsage(t *testing.T) {
	ch, bot, d := newTestChannel(nil)

	ch.handleUpdate(context.Background(), tgbotapi.Update{Message: commandMessage("/msg")})

	if len(d.calls) != 0 {
		t.Fatal("expected no decision without an id")
	}
	if !strings.HasPrefix(bot.sent[0].(tgbotapi.MessageConfig).Text, "Usage:") {
		t.Fatal("expected usage reply")
	}
}

func TestHandleUpdate_ReplyToCard(t *testing.T) {
	ch, _, d := newTestChannel(nil)

	ch.handleUpdate(context.Background(), tgbotapi.Update{Message: &tgbotapi.Message{
		MessageID:      6,
		From:           &tgbotapi.User{ID: 7},
		Chat:           &tgbotapi.Chat{ID: -100},
		Text:           "wait for CI",
		ReplyToMessage: &tgbotapi.Message{Text: "⚠️ HIGH permission: Bash\nCommand: ls\nRequest: req-77\n\nWaiting for a decision"},
	}})

	if len(d.calls) != 1 || d.calls[0].ID != "req-77" || d.calls[0].Message != "wait for CI" || d.calls[0].Responder != "7" {
		t.Fatalf("unexpected decide calls %+v", d.calls)
	}
}

func TestSendNotice(t *testing.T) {
	ch, bot, _ := newTestChannel(nil)

	id, err := ch.SendNotice(context.Background(), approval.Notice{Type: approval.NoticeQuestion, Title: "Which db?", Content: "**pg** or `sqlite`"})
	if err != nil || id != "-100:42" {
		t.Fatalf("SendNotice = %q, %v", id, err)
	}
	text := bot.sent[0].(tgbotapi.MessageConfig).Text
	if !strings.Contains(text, "<b>pg</b>") || !strings.Contains(text, "Which db?") {
		t.Fatalf("unexpected notice text %s", text)
	}
}
