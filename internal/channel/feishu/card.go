package feishu

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MEKXH/permit/internal/approval"
	"github.com/MEKXH/permit/internal/render"
)

// Keys carried in a button's value and the form input name.
const (
	valueRequestID = "request_id"
	valueAction    = "action"
	messageField   = "message"
)

type card struct {
	Config   cardConfig `json:"config"`
	Header   cardHeader `json:"header"`
	Elements []any      `json:"elements"`
}

type cardConfig struct {
	WideScreenMode bool `json:"wide_screen_mode"`
	UpdateMulti    bool `json:"update_multi"`
}

type cardHeader struct {
	Template string   `json:"template"`
	Title    cardText `json:"title"`
}

type cardText struct {
	Tag     string `json:"tag"`
	Content string `json:"content"`
}

type cardDiv struct {
	Tag  string   `json:"tag"`
	Text cardText `json:"text"`
}

type cardButton struct {
	Tag        string            `json:"tag"`
	Name       string            `json:"name,omitempty"`
	Text       cardText          `json:"text"`
	Type       string            `json:"type"`
	ActionType string            `json:"action_type,omitempty"`
	Value      map[string]string `json:"value"`
}

type cardAction struct {
	Tag     string       `json:"tag"`
	Actions []cardButton `json:"actions"`
}

type cardInput struct {
	Tag         string   `json:"tag"`
	Name        string   `json:"name"`
	Placeholder cardText `json:"placeholder"`
}

type cardForm struct {
	Tag      string `json:"tag"`
	Name     string `json:"name"`
	Elements []any  `json:"elements"`
}

// riskTemplate maps a risk level to a header colour.
func riskTemplate(level approval.RiskLevel) string {
	switch level {
	case approval.RiskCritical:
		return "red"
	case approval.RiskHigh:
		return "orange"
	case approval.RiskMedium:
		return "yellow"
	default:
		return "green"
	}
}

func statusTemplate(status approval.Status) string {
	switch status {
	case approval.StatusApproved:
		return "green"
	case approval.StatusDenied:
		return "red"
	case approval.StatusMessage:
		return "blue"
	default:
		return "grey"
	}
}

func plain(s string) cardText { return cardText{Tag: "plain_text", Content: s} }

func markdown(s string) cardText { return cardText{Tag: "lark_md", Content: s} }

func detailsMarkdown(rec *approval.StoredRequest) string {
	var b strings.Builder
	for i, f := range render.Fields(rec) {
		if i > 0 {
			b.WriteString("\n")
		}
		if f.Code {
			fmt.Fprintf(&b, "**%s:** `%s`", f.Label, strings.ReplaceAll(f.Value, "`", "'"))
		} else {
			fmt.Fprintf(&b, "**%s:** %s", f.Label, f.Value)
		}
	}
	return b.String()
}

func button(label, kind, style, id string) cardButton {
	return cardButton{
		Tag:   "button",
		Text:  plain(label),
		Type:  style,
		Value: map[string]string{valueRequestID: id, valueAction: kind},
	}
}

// BuildCard renders the interactive card for rec. Pending requests get the
// action buttons and reply form; terminal ones show the final state only.
func BuildCard(rec *approval.StoredRequest) (string, error) {
	c := card{
		Config: cardConfig{WideScreenMode: true, UpdateMulti: true},
		Header: cardHeader{Template: riskTemplate(rec.Request.RiskLevel), Title: plain(render.Title(rec))},
	}
	c.Elements = append(c.Elements, cardDiv{Tag: "div", Text: markdown(detailsMarkdown(rec))})

	if rec.Status == approval.StatusPending {
		id := rec.ID()
		c.Elements = append(c.Elements,
			cardAction{Tag: "action", Actions: []cardButton{
				button("Approve", string(approval.DecisionApprove), "primary", id),
				button("Deny", string(approval.DecisionDeny), "danger", id),
			}},
			cardForm{Tag: "form", Name: "reply", Elements: []any{
				cardInput{Tag: "input", Name: messageField, Placeholder: plain("Reply to the agent instead of deciding")},
				cardButton{
					Tag:        "button",
					Name:       "send_message",
					Text:       plain("Send message"),
					Type:       "default",
					ActionType: "form_submit",
					Value:      map[string]string{valueRequestID: id, valueAction: string(approval.DecisionMessage)},
				},
			}},
		)
	} else {
		c.Header.Template = statusTemplate(rec.Status)
		status := "**" + render.StatusLine(rec) + "**"
		if msg := render.DecisionMessage(rec); msg != "" {
			status += "\n> " + strings.ReplaceAll(msg, "\n", "\n> ")
		}
		c.Elements = append(c.Elements, map[string]string{"tag": "hr"}, cardDiv{Tag: "div", Text: markdown(status)})
	}

	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal feishu card: %w", err)
	}
	return string(data), nil
}
