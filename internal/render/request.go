package render

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MEKXH/permit/internal/approval"
)

// MaxCommandRunes bounds how much of a command is shown on a card.
const MaxCommandRunes = 1500

// Field is one labelled line of a request summary.
type Field struct {
	Label string
	Value string
	Code  bool
}

// Title is the card header for a request.
func Title(rec *approval.StoredRequest) string {
	return fmt.Sprintf("%s %s permission: %s", RiskMark(rec.Request.RiskLevel), strings.ToUpper(string(rec.Request.RiskLevel)), rec.Request.Tool)
}

// RiskMark returns a short visual marker for a risk level.
func RiskMark(level approval.RiskLevel) string {
	switch level {
	case approval.RiskCritical:
		return "🛑"
	case approval.RiskHigh:
		return "⚠️"
	case approval.RiskMedium:
		return "🔶"
	default:
		return "🟢"
	}
}

// Fields lists the request details shown to the approver. Empty values are skipped.
func Fields(rec *approval.StoredRequest) []Field {
	req := rec.Request
	fields := make([]Field, 0, 6)
	add := func(label, value string, code bool) {
		if strings.TrimSpace(value) == "" {
			return
		}
		fields = append(fields, Field{Label: label, Value: value, Code: code})
	}
	add("Command", Truncate(req.Command, MaxCommandRunes), true)
	add("Description", req.Description, false)
	add("Project", req.Project, false)
	add("Directory", req.WorkingDirectory, true)
	add("Expires", req.ExpiresAt.UTC().Format(time.RFC3339), false)
	add("Request", req.RequestID, true)
	return fields
}

// StatusLine describes a request's current state in one line.
func StatusLine(rec *approval.StoredRequest) string {
	switch rec.Status {
	case approval.StatusPending:
		return "Waiting for a decision"
	case approval.StatusExpired:
		return "⌛ Expired without a decision"
	}
	var b strings.Builder
	switch rec.Status {
	case approval.StatusApproved:
		b.WriteString("✅ Approved")
	case approval.StatusDenied:
		b.WriteString("❌ Denied")
	case approval.StatusMessage:
		b.WriteString("💬 Replied")
	default:
		b.WriteString(string(rec.Status))
	}
	if d := rec.Decision; d != nil {
		if d.Responder != "" {
			b.WriteString(" by ")
			b.WriteString(d.Responder)
		}
		if !d.RespondedAt.IsZero() {
			b.WriteString(" at ")
			b.WriteString(d.RespondedAt.UTC().Format(time.RFC3339))
		}
	}
	return b.String()
}

// DecisionMessage returns the approver's text, if any.
func DecisionMessage(rec *approval.StoredRequest) string {
	if rec.Decision == nil {
		return ""
	}
	return rec.Decision.Message
}

// NoticeTitle prefixes a notice title with a marker for its type.
func NoticeTitle(n approval.Notice) string {
	prefix := "ℹ️"
	switch n.Type {
	case approval.NoticeCompletion:
		prefix = "✅"
	case approval.NoticeQuestion:
		prefix = "❓"
	}
	if n.Project != "" {
		return fmt.Sprintf("%s [%s] %s", prefix, n.Project, n.Title)
	}
	return prefix + " " + n.Title
}

// Truncate shortens s to at most max runes, marking the cut with an ellipsis.
func Truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max-1]) + "…"
}
