package channel

import (
	"context"
	"errors"
	"strings"

	"github.com/MEKXH/permit/internal/approval"
)

// Decider applies approver actions. *approval.Service satisfies it.
type Decider interface {
	Decide(ctx context.Context, input approval.DecideInput) (approval.Outcome, error)
}

// Listener receives approver actions from a chat platform that pushes
// nothing over HTTP (long polling, sockets).
type Listener interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// BaseChannel provides common functionality
type BaseChannel struct {
	AllowList map[string]bool
}

// NewAllowList builds an allow-list from configured ids. Empty allows everyone.
func NewAllowList(ids []string) map[string]bool {
	allowList := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			allowList[id] = true
		}
	}
	return allowList
}

// IsAllowed checks if sender is permitted
func (b *BaseChannel) IsAllowed(senderID string) bool {
	if len(b.AllowList) == 0 {
		return true
	}

	idPart := senderID
	userPart := ""
	if idx := strings.Index(senderID, "|"); idx > 0 {
		idPart = senderID[:idx]
		userPart = senderID[idx+1:]
	}

	for allowed := range b.AllowList {
		normalized := strings.TrimSpace(allowed)
		trimmed := strings.TrimPrefix(normalized, "@")
		if normalized == senderID || trimmed == senderID ||
			normalized == idPart || trimmed == idPart ||
			(userPart != "" && (normalized == userPart || trimmed == userPart)) {
			return true
		}
	}

	return false
}

// Toast levels shown to the approver after an action.
const (
	ToastSuccess = "success"
	ToastInfo    = "info"
	ToastWarning = "warning"
	ToastError   = "error"
)

// Feedback turns the result of a decide call into a toast level and text.
func Feedback(out approval.Outcome, err error) (string, string) {
	switch {
	case errors.Is(err, approval.ErrEmptyMessage):
		return ToastError, "Message must not be empty"
	case errors.Is(err, approval.ErrInvalidDecision):
		return ToastError, "Unknown action"
	case err != nil:
		return ToastError, "Failed to record the decision"
	}

	switch out.Kind {
	case approval.OutcomeApplied:
		switch out.Status() {
		case approval.StatusApproved:
			return ToastSuccess, "Approved"
		case approval.StatusDenied:
			return ToastSuccess, "Denied"
		default:
			return ToastSuccess, "Message sent"
		}
	case approval.OutcomeNotFound:
		return ToastWarning, "Request not found"
	case approval.OutcomeExpired:
		return ToastWarning, "Request expired"
	case approval.OutcomeAlreadyDecided:
		if status := out.Status(); status != "" {
			return ToastInfo, "Request already " + string(status)
		}
		return ToastInfo, "Request already decided"
	default:
		return ToastError, "Unexpected result"
	}
}

// SplitHandle splits a "<chat>:<message>" notification handle.
func SplitHandle(handle string) (string, string, bool) {
	idx := strings.LastIndex(handle, ":")
	if idx <= 0 || idx == len(handle)-1 {
		return "", "", false
	}
	return handle[:idx], handle[idx+1:], true
}

// JoinHandle is the inverse of SplitHandle.
func JoinHandle(chat, message string) string {
	return chat + ":" + message
}
