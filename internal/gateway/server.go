package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MEKXH/permit/internal/approval"
	"github.com/MEKXH/permit/internal/config"
	"github.com/MEKXH/permit/internal/version"
	"github.com/google/uuid"
)

const maxBodyBytes = 1 << 20

// Controller is the lifecycle surface the agent-facing API needs.
type Controller interface {
	Create(ctx context.Context, input approval.CreateInput) (*approval.StoredRequest, error)
	Status(ctx context.Context, id string) (*approval.StoredRequest, error)
	Remove(ctx context.Context, id string) error
	SendNotice(ctx context.Context, notice approval.Notice) (string, error)
}

// Options configures the HTTP handler.
type Options struct {
	// Token is the shared bearer credential for /api/*. Empty disables the check.
	Token      string
	Controller Controller
	// Callbacks are mounted at /callback/<name> and authenticate on their own.
	Callbacks map[string]http.Handler
	// Metrics, when set, is served at /metrics.
	Metrics http.Handler
}

type Server struct {
	cfg        config.ServerConfig
	opts       Options
	httpServer *http.Server
}

func New(cfg config.ServerConfig, opts Options) *Server {
	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		host = config.DefaultHost
	}
	port := cfg.Port
	if port <= 0 {
		port = config.DefaultPort
	}

	cfg.Host = host
	cfg.Port = port
	return &Server{
		cfg:  cfg,
		opts: opts,
	}
}

func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
}

func (s *Server) Start() error {
	if strings.TrimSpace(s.opts.Token) == "" {
		slog.Warn("server.token is empty; agent endpoints accept unauthenticated requests")
	}
	s.httpServer = &http.Server{
		Addr:              s.Addr(),
		Handler:           NewHandler(s.opts),
		ReadHeaderTimeout: 5 * time.Second,
	}
	slog.Info("gateway listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

type createRequest struct {
	Tool             string         `json:"tool"`
	WorkingDirectory string         `json:"workingDirectory"`
	Command          string         `json:"command"`
	Description      string         `json:"description"`
	Args             map[string]any `json:"args"`
	Project          string         `json:"project"`
	RiskLevel        string         `json:"riskLevel"`
	TimeoutMs        int64          `json:"timeoutMs"`
}

type createResponse struct {
	RequestID string `json:"requestId"`
	ExpiresAt int64  `json:"expiresAt"`
}

// PollResponse is the body of GET /api/requests/{id}.
type PollResponse struct {
	Status      approval.Status       `json:"status"`
	Decision    approval.DecisionKind `json:"decision,omitempty"`
	Message     string                `json:"message,omitempty"`
	RespondedAt int64                 `json:"respondedAt,omitempty"`
	ExpiresAt   int64                 `json:"expiresAt,omitempty"`
}

type messageResponse struct {
	MessageID string `json:"messageId"`
}

// NewPollResponse projects a stored record onto the poll wire shape.
func NewPollResponse(rec *approval.StoredRequest) PollResponse {
	if rec == nil {
		return PollResponse{Status: approval.StatusNotFound}
	}
	resp := PollResponse{Status: rec.Status, ExpiresAt: rec.Request.ExpiresAt.UnixMilli()}
	if d := rec.Decision; d != nil {
		resp.Decision = d.Kind
		resp.Message = d.Message
		resp.RespondedAt = d.RespondedAt.UnixMilli()
	}
	return resp
}

func NewHandler(opts Options) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		requestID := getRequestID(r)
		if r.Method != http.MethodGet {
			writeError(w, requestID, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":     "ok",
			"request_id": requestID,
		})
	})
	mux.HandleFunc("/version", func(w http.ResponseWriter, r *http.Request) {
		requestID := getRequestID(r)
		if r.Method != http.MethodGet {
			writeError(w, requestID, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"version":    version.Version,
			"request_id": requestID,
		})
	})
	if opts.Metrics != nil {
		mux.Handle("/metrics", opts.Metrics)
	}

	h := &apiHandler{token: strings.TrimSpace(opts.Token), ctrl: opts.Controller}
	mux.HandleFunc("/api/requests", h.guard(h.createRequest))
	mux.HandleFunc("/api/requests/{id}", h.guard(h.requestByID))
	mux.HandleFunc("/api/messages", h.guard(h.sendMessage))

	for name, cb := range opts.Callbacks {
		if cb == nil {
			continue
		}
		mux.Handle("/callback/"+name, cb)
	}
	return mux
}

type apiHandler struct {
	token string
	ctrl  Controller
}

func (h *apiHandler) guard(next func(w http.ResponseWriter, r *http.Request, requestID string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := getRequestID(r)
		w.Header().Set("X-Request-ID", requestID)
		if h.token != "" && !isAuthorized(r, h.token) {
			writeError(w, requestID, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
			return
		}
		if h.ctrl == nil {
			writeError(w, requestID, http.StatusInternalServerError, "internal_error", "controller is not configured")
			return
		}
		next(w, r, requestID)
	}
}

func (h *apiHandler) createRequest(w http.ResponseWriter, r *http.Request, requestID string) {
	if r.Method != http.MethodPost {
		writeError(w, requestID, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	var req createRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, requestID, http.StatusBadRequest, "bad_request", "invalid json request")
		return
	}
	if req.TimeoutMs < 0 {
		writeError(w, requestID, http.StatusBadRequest, "bad_request", "timeoutMs must not be negative")
		return
	}

	rec, err := h.ctrl.Create(r.Context(), approval.CreateInput{
		Tool:             req.Tool,
		Command:          req.Command,
		Description:      req.Description,
		Args:             req.Args,
		WorkingDirectory: req.WorkingDirectory,
		Project:          req.Project,
		RiskLevel:        req.RiskLevel,
		Timeout:          time.Duration(req.TimeoutMs) * time.Millisecond,
	})
	if err != nil {
		attrs := []any{"request_id", requestID, "error", err}
		if rec != nil {
			attrs = append(attrs, "permission_id", rec.ID())
		}
		slog.Error("create permission request failed", attrs...)
		if rec != nil && errors.Is(err, approval.ErrNotify) {
			// The record exists and stays pending; hand its id back so the
			// caller can decide or remove it.
			writeErrorData(w, requestID, http.StatusBadGateway, "notify_failed", err.Error(), createResponse{
				RequestID: rec.ID(),
				ExpiresAt: rec.Request.ExpiresAt.UnixMilli(),
			})
			return
		}
		writeServiceError(w, requestID, err)
		return
	}
	writeData(w, requestID, http.StatusCreated, createResponse{
		RequestID: rec.ID(),
		ExpiresAt: rec.Request.ExpiresAt.UnixMilli(),
	})
}

func (h *apiHandler) requestByID(w http.ResponseWriter, r *http.Request, requestID string) {
	id := strings.TrimSpace(r.PathValue("id"))
	switch r.Method {
	case http.MethodGet:
		rec, err := h.ctrl.Status(r.Context(), id)
		if err != nil {
			slog.Error("poll permission request failed", "request_id", requestID, "permission_id", id, "error", err)
			writeServiceError(w, requestID, err)
			return
		}
		if rec == nil {
			writeJSON(w, http.StatusNotFound, envelope{
				Success:   false,
				Data:      NewPollResponse(nil),
				Error:     &apiError{Code: "not_found", Message: "request not found"},
				RequestID: requestID,
			})
			return
		}
		writeData(w, requestID, http.StatusOK, NewPollResponse(rec))
	case http.MethodDelete:
		if err := h.ctrl.Remove(r.Context(), id); err != nil {
			slog.Error("remove permission request failed", "request_id", requestID, "permission_id", id, "error", err)
			writeServiceError(w, requestID, err)
			return
		}
		writeData(w, requestID, http.StatusOK, map[string]string{"requestId": id})
	default:
		writeError(w, requestID, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

func (h *apiHandler) sendMessage(w http.ResponseWriter, r *http.Request, requestID string) {
	if r.Method != http.MethodPost {
		writeError(w, requestID, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	var notice approval.Notice
	if err := decodeBody(r, &notice); err != nil {
		writeError(w, requestID, http.StatusBadRequest, "bad_request", "invalid json request")
		return
	}
	id, err := h.ctrl.SendNotice(r.Context(), notice)
	if err != nil {
		slog.Error("send notice failed", "request_id", requestID, "type", notice.Type, "error", err)
		writeServiceError(w, requestID, err)
		return
	}
	writeData(w, requestID, http.StatusOK, messageResponse{MessageID: id})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	return dec.Decode(v)
}

func isAuthorized(r *http.Request, expected string) bool {
	got := strings.TrimSpace(r.Header.Get("Authorization"))
	if got == "" {
		return false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(got, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(got, prefix))
	return subtle.ConstantTimeCompare([]byte(token), []byte(expected)) == 1
}

func getRequestID(r *http.Request) string {
	rid := strings.TrimSpace(r.Header.Get("X-Request-ID"))
	if rid != "" {
		return rid
	}
	return uuid.NewString()
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type envelope struct {
	Success   bool      `json:"success"`
	Data      any       `json:"data,omitempty"`
	Error     *apiError `json:"error,omitempty"`
	RequestID string    `json:"request_id"`
}

// writeServiceError maps controller errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, requestID string, err error) {
	switch {
	case errors.Is(err, approval.ErrInvalidRequest),
		errors.Is(err, approval.ErrInvalidDecision),
		errors.Is(err, approval.ErrEmptyMessage):
		writeError(w, requestID, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, approval.ErrNotify):
		writeError(w, requestID, http.StatusBadGateway, "notify_failed", err.Error())
	default:
		writeError(w, requestID, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func writeData(w http.ResponseWriter, requestID string, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Data: data, RequestID: requestID})
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeErrorData(w, requestID, status, code, message, nil)
}

func writeErrorData(w http.ResponseWriter, requestID string, status int, code, message string, data any) {
	writeJSON(w, status, envelope{
		Success:   false,
		Data:      data,
		Error:     &apiError{Code: code, Message: message},
		RequestID: requestID,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
