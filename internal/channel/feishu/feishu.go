package feishu

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MEKXH/permit/internal/approval"
	"github.com/MEKXH/permit/internal/config"
	"github.com/MEKXH/permit/internal/render"
	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
)

// messenger is the slice of the im/v1 API the notifier needs.
type messenger interface {
	Create(ctx context.Context, receiveIDType, receiveID, msgType, content string) (string, error)
	Patch(ctx context.Context, messageID, content string) error
}

// Notifier posts approval cards to a Feishu / Lark chat.
type Notifier struct {
	cfg *config.FeishuConfig
	api messenger
}

// New creates a Feishu notifier.
func New(cfg *config.FeishuConfig) *Notifier {
	opts := []lark.ClientOptionFunc{}
	if strings.EqualFold(strings.TrimSpace(cfg.Domain), "lark") {
		opts = append(opts, lark.WithOpenBaseUrl(lark.LarkBaseUrl))
	}
	return &Notifier{
		cfg: cfg,
		api: &larkMessenger{client: lark.NewClient(cfg.AppID, cfg.AppSecret, opts...)},
	}
}

func (n *Notifier) Name() string { return "feishu" }

func (n *Notifier) receiveIDType() string {
	if t := strings.TrimSpace(n.cfg.ReceiveIDType); t != "" {
		return t
	}
	return larkim.ReceiveIdTypeChatId
}

// SendRequest posts the decision card. The handle is the Feishu message id.
func (n *Notifier) SendRequest(ctx context.Context, rec *approval.StoredRequest) (string, error) {
	content, err := BuildCard(rec)
	if err != nil {
		return "", err
	}
	id, err := n.api.Create(ctx, n.receiveIDType(), n.cfg.ReceiveID, larkim.MsgTypeInteractive, content)
	if err != nil {
		return "", fmt.Errorf("send feishu card: %w", err)
	}
	return id, nil
}

// UpdateRequest replaces the card content with rec's current state.
func (n *Notifier) UpdateRequest(ctx context.Context, handle string, rec *approval.StoredRequest) error {
	if strings.TrimSpace(handle) == "" {
		return nil
	}
	content, err := BuildCard(rec)
	if err != nil {
		return err
	}
	if err := n.api.Patch(ctx, handle, content); err != nil {
		return fmt.Errorf("patch feishu card %s: %w", handle, err)
	}
	return nil
}

// SendNotice posts a plain text message.
func (n *Notifier) SendNotice(ctx context.Context, notice approval.Notice) (string, error) {
	payload, err := json.Marshal(map[string]string{"text": render.NoticeTitle(notice) + "\n" + notice.Content})
	if err != nil {
		return "", fmt.Errorf("marshal feishu text: %w", err)
	}
	id, err := n.api.Create(ctx, n.receiveIDType(), n.cfg.ReceiveID, larkim.MsgTypeText, string(payload))
	if err != nil {
		return "", fmt.Errorf("send feishu notice: %w", err)
	}
	return id, nil
}

type larkMessenger struct {
	client *lark.Client
}

func (m *larkMessenger) Create(ctx context.Context, receiveIDType, receiveID, msgType, content string) (string, error) {
	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType(receiveIDType).
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(receiveID).
			MsgType(msgType).
			Content(content).
			Build()).
		Build()

	resp, err := m.client.Im.V1.Message.Create(ctx, req)
	if err != nil {
		return "", err
	}
	if !resp.Success() {
		return "", fmt.Errorf("feishu api error: code=%d msg=%s", resp.Code, resp.Msg)
	}
	if resp.Data == nil || resp.Data.MessageId == nil {
		return "", nil
	}
	return *resp.Data.MessageId, nil
}

func (m *larkMessenger) Patch(ctx context.Context, messageID, content string) error {
	req := larkim.NewPatchMessageReqBuilder().
		MessageId(messageID).
		Body(larkim.NewPatchMessageReqBodyBuilder().
			Content(content).
			Build()).
		Build()

	resp, err := m.client.Im.V1.Message.Patch(ctx, req)
	if err != nil {
		return err
	}
	if !resp.Success() {
		return fmt.Errorf("feishu api error: code=%d msg=%s", resp.Code, resp.Msg)
	}
	return nil
}
