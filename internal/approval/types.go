package approval

import (
	"strings"
	"time"
)

// Status is the lifecycle state of a permission request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusExpired  Status = "expired"
	StatusMessage  Status = "message"

	// StatusNotFound is only reported to pollers; it is never stored.
	StatusNotFound Status = "not_found"
)

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	switch s {
	case StatusApproved, StatusDenied, StatusExpired, StatusMessage:
		return true
	default:
		return false
	}
}

// DecisionKind is what the approver chose.
type DecisionKind string

const (
	DecisionApprove DecisionKind = "approve"
	DecisionDeny    DecisionKind = "deny"
	DecisionMessage DecisionKind = "message"
)

// ParseDecisionKind normalizes raw input and rejects unknown kinds.
func ParseDecisionKind(raw string) (DecisionKind, bool) {
	switch DecisionKind(strings.ToLower(strings.TrimSpace(raw))) {
	case DecisionApprove:
		return DecisionApprove, true
	case DecisionDeny:
		return DecisionDeny, true
	case DecisionMessage:
		return DecisionMessage, true
	default:
		return "", false
	}
}

// Status returns the terminal status a successful decision of this kind produces.
func (k DecisionKind) Status() Status {
	switch k {
	case DecisionApprove:
		return StatusApproved
	case DecisionDeny:
		return StatusDenied
	case DecisionMessage:
		return StatusMessage
	default:
		return ""
	}
}

// RiskLevel classifies how destructive a request looks.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// ParseRiskLevel accepts the four known levels, case-insensitively.
func ParseRiskLevel(raw string) (RiskLevel, bool) {
	switch RiskLevel(strings.ToLower(strings.TrimSpace(raw))) {
	case RiskLow:
		return RiskLow, true
	case RiskMedium:
		return RiskMedium, true
	case RiskHigh:
		return RiskHigh, true
	case RiskCritical:
		return RiskCritical, true
	default:
		return "", false
	}
}

// PermissionRequest is what the agent asked for. It never changes after creation.
type PermissionRequest struct {
	RequestID        string         `json:"requestId"`
	Tool             string         `json:"tool"`
	Command          string         `json:"command,omitempty"`
	Description      string         `json:"description,omitempty"`
	Args             map[string]any `json:"args,omitempty"`
	WorkingDirectory string         `json:"workingDirectory"`
	Project          string         `json:"project,omitempty"`
	RiskLevel        RiskLevel      `json:"riskLevel"`
	Timestamp        time.Time      `json:"timestamp"`
	ExpiresAt        time.Time      `json:"expiresAt"`
}

// Decision is stamped once, on the transition out of pending.
type Decision struct {
	Kind        DecisionKind `json:"decision"`
	Message     string       `json:"message,omitempty"`
	RespondedAt time.Time    `json:"respondedAt"`
	Responder   string       `json:"responder,omitempty"`
}

// StoredRequest is the unit of persistence.
type StoredRequest struct {
	Request            PermissionRequest `json:"request"`
	Status             Status            `json:"status"`
	Decision           *Decision         `json:"decision,omitempty"`
	NotificationHandle string            `json:"notificationHandle,omitempty"`
	CreatedAt          time.Time         `json:"createdAt"`
}

// ID is shorthand for Request.RequestID.
func (r *StoredRequest) ID() string { return r.Request.RequestID }

// Clone returns a deep enough copy that callers cannot mutate store state.
func (r *StoredRequest) Clone() *StoredRequest {
	if r == nil {
		return nil
	}
	out := *r
	if r.Decision != nil {
		d := *r.Decision
		out.Decision = &d
	}
	if r.Request.Args != nil {
		args := make(map[string]any, len(r.Request.Args))
		for k, v := range r.Request.Args {
			args[k] = v
		}
		out.Request.Args = args
	}
	return &out
}

// CreateInput contains the fields an agent supplies when asking for permission.
type CreateInput struct {
	Tool             string
	Command          string
	Description      string
	Args             map[string]any
	WorkingDirectory string
	Project          string
	RiskLevel        string
	Timeout          time.Duration
}

// DecideInput carries one approver action.
type DecideInput struct {
	ID        string
	Kind      string
	Responder string
	Message   string
}

// OutcomeKind describes what a decide call observed.
type OutcomeKind string

const (
	OutcomeApplied        OutcomeKind = "applied"
	OutcomeNotFound       OutcomeKind = "not_found"
	OutcomeAlreadyDecided OutcomeKind = "already_decided"
	OutcomeExpired        OutcomeKind = "expired"
)

// Outcome is the result of Decide. Record is nil when the request is unknown
// or could not be reloaded after the decision was applied.
type Outcome struct {
	Kind OutcomeKind
	// Decision is the kind that was applied; set only for OutcomeApplied.
	Decision DecisionKind
	Record   *StoredRequest
}

// Status is the request status the outcome reports, or "" when unknown.
func (o Outcome) Status() Status {
	if o.Record != nil {
		return o.Record.Status
	}
	if o.Kind == OutcomeApplied {
		return o.Decision.Status()
	}
	return ""
}

// NoticeType is the category of an auxiliary message.
type NoticeType string

const (
	NoticeCompletion NoticeType = "completion"
	NoticeStatus     NoticeType = "status"
	NoticeQuestion   NoticeType = "question"
)

// Notice is a free-standing message relayed to the approver chat.
type Notice struct {
	Type    NoticeType `json:"type"`
	Title   string     `json:"title"`
	Content string     `json:"content"`
	Project string     `json:"project,omitempty"`
}

// Query filters requests when listing.
type Query struct {
	Status    Status
	DueBefore time.Time
	Limit     int
}
