package feishu

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MEKXH/permit/internal/approval"
	"github.com/MEKXH/permit/internal/config"
)

type sentMessage struct {
	receiveIDType string
	receiveID     string
	msgType       string
	content       string
}

type fakeMessenger struct {
	created   []sentMessage
	patched   map[string]string
	createErr error
	patchErr  error
}

func (f *fakeMessenger) Create(_ context.Context, receiveIDType, receiveID, msgType, content string) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created = append(f.created, sentMessage{receiveIDType, receiveID, msgType, content})
	return "om_1", nil
}

func (f *fakeMessenger) Patch(_ context.Context, messageID, content string) error {
	if f.patchErr != nil {
		return f.patchErr
	}
	if f.patched == nil {
		f.patched = map[string]string{}
	}
	f.patched[messageID] = content
	return nil
}

func pendingRecord() *approval.StoredRequest {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return &approval.StoredRequest{
		Request: approval.PermissionRequest{
			RequestID:        "req-1",
			Tool:             "Bash",
			Command:          "git push --force",
			WorkingDirectory: "/srv/app",
			Project:          "app",
			RiskLevel:        approval.RiskCritical,
			Timestamp:        now,
			ExpiresAt:        now.Add(5 * time.Minute),
		},
		Status:    approval.StatusPending,
		CreatedAt: now,
	}
}

func newTestNotifier(api messenger) *Notifier {
	return &Notifier{cfg: &config.FeishuConfig{ReceiveID: "oc_chat"}, api: api}
}

func decodeCard(t *testing.T, content string) map[string]any {
	t.Helper()
	var c map[string]any
	if err := json.Unmarshal([]byte(content), &c); err != nil {
		t.Fatalf("card is not valid json: %v", err)
	}
	return c
}

func TestBuildCard_PendingHasActions(t *testing.T) {
	content, err := BuildCard(pendingRecord())
	if err != nil {
		t.Fatalf("BuildCard error: %v", err)
	}
	c := decodeCard(t, content)
	header := c["header"].(map[string]any)
	if header["template"] != "red" {
		t.Fatalf("expected critical risk to colour header red, got %v", header["template"])
	}
	for _, want := range []string{`"action":"approve"`, `"action":"deny"`, `"action":"message"`, `"name":"message"`, "git push --force", `"request_id":"req-1"`} {
		if !strings.Contains(content, want) {
			t.Fatalf("expected card to contain %s, got %s", want, content)
		}
	}
}

func TestBuildCard_FinalStateHasNoActions(t *testing.T) {
	rec := pendingRecord()
	rec.Status = approval.StatusMessage
	rec.Decision = &approval.Decision{Kind: approval.DecisionMessage, Message: "use --force-with-lease", Responder: "ou_1"}

	content, err := BuildCard(rec)
	if err != nil {
		t.Fatalf("BuildCard error: %v", err)
	}
	if strings.Contains(content, `"tag":"action"`) || strings.Contains(content, `"tag":"form"`) {
		t.Fatalf("final card must not offer actions: %s", content)
	}
	if !strings.Contains(content, "use --force-with-lease") || !strings.Contains(content, "ou_1") {
		t.Fatalf("final card should show responder and message: %s", content)
	}
	if decodeCard(t, content)["header"].(map[string]any)["template"] != "blue" {
		t.Fatal("expected message status header colour blue")
	}
}

func TestNotifier_SendAndUpdate(t *testing.T) {
	api := &fakeMessenger{}
	n := newTestNotifier(api)

	handle, err := n.SendRequest(context.Background(), pendingRecord())
	if err != nil {
		t.Fatalf("SendRequest error: %v", err)
	}
	if handle != "om_1" {
		t.Fatalf("expected message id as handle, got %q", handle)
	}
	sent := api.created[0]
	if sent.receiveIDType != "chat_id" || sent.receiveID != "oc_chat" || sent.msgType != "interactive" {
		t.Fatalf("unexpected create call: %+v", sent)
	}

	rec := pendingRecord()
	rec.Status = approval.StatusExpired
	if err := n.UpdateRequest(context.Background(), handle, rec); err != nil {
		t.Fatalf("UpdateRequest error: %v", err)
	}
	if !strings.Contains(api.patched["om_1"], "Expired") {
		t.Fatalf("expected patched card to show expiry, got %s", api.patched["om_1"])
	}

	if err := n.UpdateRequest(context.Background(), "", rec); err != nil {
		t.Fatalf("empty handle should be a no-op, got %v", err)
	}
}

func TestNotifier_Errors(t *testing.T) {
	api := &fakeMessenger{createErr: errors.New("quota"), patchErr: errors.New("gone")}
	n := newTestNotifier(api)

	if _, err := n.SendRequest(context.Background(), pendingRecord()); err == nil {
		t.Fatal("expected create failure to surface")
	}
	if err := n.UpdateRequest(context.Background(), "om_1", pendingRecord()); err == nil {
		t.Fatal("expected patch failure to surface")
	}
}

func TestNotifier_SendNotice(t *testing.T) {
	api := &fakeMessenger{}
	n := newTestNotifier(api)
	n.cfg.ReceiveIDType = "open_id"

	id, err := n.SendNotice(context.Background(), approval.Notice{Type: approval.NoticeStatus, Title: "build", Content: "green"})
	if err != nil || id != "om_1" {
		t.Fatalf("SendNotice = %q, %v", id, err)
	}
	sent := api.created[0]
	if sent.msgType != "text" || sent.receiveIDType != "open_id" {
		t.Fatalf("unexpected notice call: %+v", sent)
	}
	var body map[string]string
	if err := json.Unmarshal([]byte(sent.content), &body); err != nil {
		t.Fatalf("notice content not json: %v", err)
	}
	if !strings.Contains(body["text"], "build") || !strings.Contains(body["text"], "green") {
		t.Fatalf("unexpected notice text %q", body["text"])
	}
}
