package slack

import (
	"context"
	"fmt"
	"strings"

	"github.com/MEKXH/permit/internal/approval"
	"github.com/MEKXH/permit/internal/channel"
	"github.com/MEKXH/permit/internal/config"
	"github.com/MEKXH/permit/internal/render"
	"github.com/slack-go/slack"
)

// Action ids carried by the request message.
const (
	actionApprove  = "approve"
	actionDeny     = "deny"
	actionMessage  = "message"
	messageBlockID = "permit_message:"
)

// api is the subset of *slack.Client the channel uses.
type api interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	UpdateMessageContext(ctx context.Context, channelID, timestamp string, options ...slack.MsgOption) (string, string, string, error)
	PostEphemeralContext(ctx context.Context, channelID, userID string, options ...slack.MsgOption) (string, error)
}

// Channel posts Block Kit approval messages and serves the interactivity endpoint.
type Channel struct {
	channel.BaseChannel
	cfg     *config.SlackConfig
	api     api
	decider channel.Decider
}

// New creates a Slack channel. decider may be nil for a send-only notifier.
func New(cfg *config.SlackConfig, decider channel.Decider) *Channel {
	return &Channel{
		BaseChannel: channel.BaseChannel{AllowList: channel.NewAllowList(cfg.AllowFrom)},
		cfg:         cfg,
		api:         slack.New(cfg.BotToken),
		decider:     decider,
	}
}

func (c *Channel) Name() string { return "slack" }

// SetDecider attaches the controller once it exists.
func (c *Channel) SetDecider(d channel.Decider) { c.decider = d }

// SendRequest posts the request to the configured channel. The handle is "channel:ts".
func (c *Channel) SendRequest(ctx context.Context, rec *approval.StoredRequest) (string, error) {
	channelID, ts, err := c.api.PostMessageContext(ctx, c.cfg.ChannelID,
		slack.MsgOptionText(render.Title(rec), false),
		slack.MsgOptionBlocks(requestBlocks(rec)...),
	)
	if err != nil {
		return "", fmt.Errorf("send slack request: %w", err)
	}
	return channel.JoinHandle(channelID, ts), nil
}

// UpdateRequest rewrites the message behind handle.
func (c *Channel) UpdateRequest(ctx context.Context, handle string, rec *approval.StoredRequest) error {
	channelID, ts, ok := channel.SplitHandle(handle)
	if !ok {
		return fmt.Errorf("invalid slack handle %q", handle)
	}
	_, _, _, err := c.api.UpdateMessageContext(ctx, channelID, ts,
		slack.MsgOptionText(render.Title(rec), false),
		slack.MsgOptionBlocks(requestBlocks(rec)...),
	)
	if err != nil {
		return fmt.Errorf("update slack message %s: %w", handle, err)
	}
	return nil
}

// SendNotice posts a notice as mrkdwn text.
func (c *Channel) SendNotice(ctx context.Context, notice approval.Notice) (string, error) {
	channelID, ts, err := c.api.PostMessageContext(ctx, c.cfg.ChannelID,
		slack.MsgOptionText("*"+render.NoticeTitle(notice)+"*\n"+notice.Content, false),
	)
	if err != nil {
		return "", fmt.Errorf("send slack notice: %w", err)
	}
	return channel.JoinHandle(channelID, ts), nil
}

func requestBlocks(rec *approval.StoredRequest) []slack.Block {
	var details strings.Builder
	for _, f := range render.Fields(rec) {
		if f.Code {
			fmt.Fprintf(&details, "*%s:* `%s`\n", f.Label, strings.ReplaceAll(f.Value, "`", "'"))
		} else {
			fmt.Fprintf(&details, "*%s:* %s\n", f.Label, f.Value)
		}
	}

	blocks := []slack.Block{
		slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, render.Title(rec), true, false)),
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, strings.TrimSuffix(details.String(), "\n"), false, false), nil, nil),
	}

	if rec.Status != approval.StatusPending {
		status := "*" + render.StatusLine(rec) + "*"
		if msg := render.DecisionMessage(rec); msg != "" {
			status += "\n>" + strings.ReplaceAll(msg, "\n", "\n>")
		}
		return append(blocks,
			slack.NewDividerBlock(),
			slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, status, false, false), nil, nil),
		)
	}

	id := rec.ID()
	approve := slack.NewButtonBlockElement(actionApprove, id, slack.NewTextBlockObject(slack.PlainTextType, "Approve", false, false)).
		WithStyle(slack.StylePrimary)
	deny := slack.NewButtonBlockElement(actionDeny, id, slack.NewTextBlockObject(slack.PlainTextType, "Deny", false, false)).
		WithStyle(slack.StyleDanger)

	input := slack.NewInputBlock(
		messageBlockID+id,
		slack.NewTextBlockObject(slack.PlainTextType, "Reply to the agent", false, false),
		slack.NewTextBlockObject(slack.PlainTextType, "Press Enter to send instead of deciding", false, false),
		slack.NewPlainTextInputBlockElement(slack.NewTextBlockObject(slack.PlainTextType, "Message", false, false), actionMessage),
	)
	input.DispatchAction = true
	input.Optional = true

	return append(blocks, slack.NewActionBlock("permit_actions", approve, deny), input)
}
