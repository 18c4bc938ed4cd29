package feishu

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MEKXH/permit/internal/approval"
	"github.com/MEKXH/permit/internal/channel"
	"github.com/MEKXH/permit/internal/config"
	"github.com/larksuite/oapi-sdk-go/v3/core/httpserverext"
	"github.com/larksuite/oapi-sdk-go/v3/event/dispatcher"
	"github.com/larksuite/oapi-sdk-go/v3/event/dispatcher/callback"
)

const maxCallbackBody = 1 << 20

// CallbackHandler serves card action callbacks. The SDK dispatcher handles
// the URL verification handshake, decryption, token and signature checks.
type CallbackHandler struct {
	channel.BaseChannel
	decider  channel.Decider
	verifier Verifier
	serve    http.HandlerFunc
}

// NewCallbackHandler creates a handler that applies actions through decider.
// A nil verifier adds no checks beyond the dispatcher's own.
func NewCallbackHandler(decider channel.Decider, cfg *config.FeishuConfig, verifier Verifier) *CallbackHandler {
	if cfg == nil {
		cfg = &config.FeishuConfig{}
	}
	h := &CallbackHandler{
		BaseChannel: channel.BaseChannel{AllowList: channel.NewAllowList(cfg.AllowFrom)},
		decider:     decider,
		verifier:    verifier,
	}
	d := dispatcher.NewEventDispatcher(cfg.VerificationToken, cfg.EncryptKey).
		OnP2CardActionTrigger(h.onCardAction)
	h.serve = httpserverext.NewEventHandlerFunc(d)
	return h
}

// cardAction is the part of a card.action.trigger event the relay reads.
type cardAction struct {
	Operator struct {
		OpenID string `json:"open_id"`
		UserID string `json:"user_id"`
	} `json:"operator"`
	Action struct {
		Value      map[string]any `json:"value"`
		FormValue  map[string]any `json:"form_value"`
		InputValue string         `json:"input_value"`
	} `json:"action"`
}

func (a *cardAction) value(key string) string {
	s, _ := a.Action.Value[key].(string)
	return strings.TrimSpace(s)
}

// text returns the reply typed into the form, falling back to a bare input.
func (a *cardAction) text() string {
	if v, ok := a.Action.FormValue[messageField].(string); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return strings.TrimSpace(a.Action.InputValue)
}

func (a *cardAction) responder() string {
	if a.Operator.OpenID != "" {
		return a.Operator.OpenID
	}
	return a.Operator.UserID
}

// sender is the allow-list key: open_id, with user_id as the alternate form.
func (a *cardAction) sender() string {
	if a.Operator.UserID == "" || a.Operator.OpenID == "" {
		return a.responder()
	}
	return a.Operator.OpenID + "|" + a.Operator.UserID
}

func (h *CallbackHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
	if err != nil {
		http.Error(w, "read body failed", http.StatusBadRequest)
		return
	}
	if h.verifier != nil {
		if err := h.verifier.Verify(Inbound{Header: r.Header, Body: body}); err != nil {
			slog.Warn("feishu callback verification failed", "error", err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	r.Body = io.NopCloser(bytes.NewReader(body))
	h.serve(w, r)
}

func (h *CallbackHandler) onCardAction(ctx context.Context, event *callback.CardActionTriggerEvent) (*callback.CardActionTriggerResponse, error) {
	if event == nil || event.Event == nil {
		return nil, errors.New("card action without event body")
	}
	raw, err := json.Marshal(event.Event)
	if err != nil {
		return nil, err
	}
	var action cardAction
	if err := json.Unmarshal(raw, &action); err != nil {
		return nil, err
	}

	level, text := h.handleAction(ctx, &action)
	return &callback.CardActionTriggerResponse{
		Toast: &callback.Toast{Type: level, Content: text},
	}, nil
}

func (h *CallbackHandler) handleAction(ctx context.Context, action *cardAction) (string, string) {
	if !h.IsAllowed(action.sender()) {
		slog.Warn("feishu action from operator outside allow list", "operator", action.sender())
		return channel.ToastError, "You are not allowed to decide requests"
	}

	id := action.value(valueRequestID)
	if id == "" {
		return channel.ToastError, "Missing request id"
	}
	kind, ok := approval.ParseDecisionKind(action.value(valueAction))
	if !ok {
		return channel.ToastError, "Unknown action"
	}

	input := approval.DecideInput{ID: id, Kind: string(kind), Responder: action.responder()}
	if kind == approval.DecisionMessage {
		input.Message = action.text()
		if input.Message == "" {
			return channel.ToastError, "Message must not be empty"
		}
	}

	out, err := h.decider.Decide(ctx, input)
	if err != nil && !errors.Is(err, approval.ErrEmptyMessage) && !errors.Is(err, approval.ErrInvalidDecision) {
		slog.Error("apply feishu decision failed", "request_id", id, "decision", kind, "error", err)
	}
	return channel.Feedback(out, err)
}
