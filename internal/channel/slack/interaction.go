package slack

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/MEKXH/permit/internal/approval"
	"github.com/MEKXH/permit/internal/channel"
	"github.com/slack-go/slack"
)

const maxInteractionBody = 1 << 20

// ServeHTTP handles Slack interactivity payloads (block_actions).
func (c *Channel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxInteractionBody))
	if err != nil {
		http.Error(w, "read body failed", http.StatusBadRequest)
		return
	}
	if err := c.verify(r.Header, body); err != nil {
		slog.Warn("slack interaction verification failed", "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	form, err := url.ParseQuery(string(body))
	if err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	var cb slack.InteractionCallback
	if err := json.Unmarshal([]byte(form.Get("payload")), &cb); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	// Slack only needs the 200; feedback goes out as an ephemeral message.
	w.WriteHeader(http.StatusOK)
	if cb.Type != slack.InteractionTypeBlockActions {
		return
	}
	for _, action := range cb.ActionCallback.BlockActions {
		input, ok := actionInput(action)
		if !ok {
			continue
		}
		c.apply(r.Context(), &cb, input)
	}
}

func (c *Channel) verify(header http.Header, body []byte) error {
	if strings.TrimSpace(c.cfg.SigningSecret) == "" {
		return errors.New("slack signing_secret is not configured")
	}
	sv, err := slack.NewSecretsVerifier(header, c.cfg.SigningSecret)
	if err != nil {
		return err
	}
	if _, err := sv.Write(body); err != nil {
		return err
	}
	return sv.Ensure()
}

func actionInput(action *slack.BlockAction) (approval.DecideInput, bool) {
	if action == nil {
		return approval.DecideInput{}, false
	}
	switch action.ActionID {
	case actionApprove, actionDeny:
		return approval.DecideInput{ID: action.Value, Kind: action.ActionID}, action.Value != ""
	case actionMessage:
		id := strings.TrimPrefix(action.BlockID, messageBlockID)
		if id == "" || id == action.BlockID {
			return approval.DecideInput{}, false
		}
		return approval.DecideInput{ID: id, Kind: actionMessage, Message: action.Value}, true
	default:
		return approval.DecideInput{}, false
	}
}

func (c *Channel) apply(ctx context.Context, cb *slack.InteractionCallback, input approval.DecideInput) {
	userID := cb.User.ID
	senderID := userID
	if cb.User.Name != "" {
		senderID += "|" + cb.User.Name
	}

	text := ""
	switch {
	case !c.IsAllowed(senderID):
		slog.Debug("unauthorized sender", "id", senderID)
		text = "You are not allowed to decide requests"
	case c.decider == nil:
		text = "Decisions are not accepted here"
	default:
		input.Responder = "<@" + userID + ">"
		out, err := c.decider.Decide(ctx, input)
		if err != nil && !errors.Is(err, approval.ErrEmptyMessage) && !errors.Is(err, approval.ErrInvalidDecision) {
			slog.Error("apply slack decision failed", "request_id", input.ID, "decision", input.Kind, "error", err)
		}
		_, text = channel.Feedback(out, err)
	}

	if cb.Channel.ID == "" || userID == "" {
		return
	}
	if _, err := c.api.PostEphemeralContext(ctx, cb.Channel.ID, userID, slack.MsgOptionText(text, false)); err != nil {
		slog.Warn("slack ephemeral reply failed", "error", err)
	}
}
