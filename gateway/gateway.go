// Package gateway exposes the orchestrator over HTTP and WebSocket.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/luminara-labs/deskflow/core"
	"github.com/luminara-labs/deskflow/orchestrator"
)

// Config configures the gateway server.
type Config struct {
	Host string
	Port int
}

// Server serves the support API.
type Server struct {
	orch   *orchestrator.Orchestrator
	cfg    Config
	logger *zap.Logger
	server *http.Server
}

// New constructs a gateway server. logger may be nil.
func New(orch *orchestrator.Orchestrator, cfg Config, logger *zap.Logger) *Server {
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{orch: orch, cfg: cfg, logger: logger}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("POST /api/sessions/{id}/turns", s.handleSubmitTurn)
	mux.HandleFunc("GET /api/sessions/{id}/history", s.handleHistory)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	return mux
}

// Start runs the server until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("gateway listening", zap.String("addr", s.server.Addr))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

type createSessionRequest struct {
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

type sessionResponse struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Active    bool      `json:"active"`
}

type attachmentRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"data"` // base64 in JSON
}

type turnRequest struct {
	TurnID      string              `json:"turn_id,omitempty"`
	UserID      string              `json:"user_id,omitempty"`
	Text        string              `json:"text"`
	Attachments []attachmentRequest `json:"attachments,omitempty"`
}

type citationResponse struct {
	ID         string  `json:"id"`
	Snippet    string  `json:"snippet"`
	DocumentID string  `json:"document_id"`
	Location   string  `json:"location"`
	Distance   float64 `json:"distance"`
}

type escalationResponse struct {
	ID                   string `json:"id"`
	TicketID             string `json:"ticket_id,omitempty"`
	Reason               string `json:"reason"`
	EstimatedWaitMinutes int    `json:"estimated_wait_minutes"`
}

type degradationResponse struct {
	Subsystem string `json:"subsystem"`
	Reason    string `json:"reason"`
}

type turnResponse struct {
	SessionID    string                `json:"session_id"`
	Response     string                `json:"response"`
	Sources      []citationResponse    `json:"sources,omitempty"`
	Escalation   *escalationResponse   `json:"escalation,omitempty"`
	Degraded     bool                  `json:"degraded"`
	Degradations []degradationResponse `json:"degradations,omitempty"`
}

type historyTurnResponse struct {
	ID           string                `json:"id"`
	Role         string                `json:"role"`
	Content      string                `json:"content"`
	CreatedAt    time.Time             `json:"created_at"`
	Seq          int64                 `json:"seq"`
	Sources      []citationResponse    `json:"sources,omitempty"`
	Escalated    bool                  `json:"escalated,omitempty"`
	Degradations []degradationResponse `json:"degradations,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", core.ErrInvalidInput, err))
		return
	}
	session, err := s.orch.CreateSession(r.Context(), req.SessionID, req.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionResponse(session))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.orch.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(session))
}

func (s *Server) handleSubmitTurn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", core.ErrInvalidInput, err))
		return
	}

	result, err := s.orch.SubmitTurn(r.Context(), toTurnRequest(r.PathValue("id"), &req))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTurnResponse(result))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.writeError(w, fmt.Errorf("%w: limit must be a positive integer", core.ErrInvalidInput))
			return
		}
		limit = n
	}

	turns, err := s.orch.History(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}

	out := make([]historyTurnResponse, 0, len(turns))
	for _, turn := range turns {
		item := historyTurnResponse{
			ID:        turn.ID,
			Role:      string(turn.Role),
			Content:   turn.Content,
			CreatedAt: turn.CreatedAt,
			Seq:       turn.Seq,
			Sources:   toCitationResponses(turn.Sources),
			Escalated: turn.Escalated,
		}
		for _, d := range turn.Degradations {
			item.Degradations = append(item.Degradations, degradationResponse{
				Subsystem: d.Subsystem,
				Reason:    d.Reason,
			})
		}
		out = append(out, item)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"turns": out})
}

func toTurnRequest(sessionID string, req *turnRequest) *core.TurnRequest {
	attachments := make([]core.Attachment, 0, len(req.Attachments))
	for _, a := range req.Attachments {
		attachments = append(attachments, core.Attachment{
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Data:        a.Data,
		})
	}
	return &core.TurnRequest{
		SessionID:   sessionID,
		TurnID:      req.TurnID,
		UserID:      req.UserID,
		Text:        req.Text,
		Attachments: attachments,
	}
}

func toSessionResponse(s *core.Session) sessionResponse {
	return sessionResponse{
		ID:        s.ID,
		UserID:    s.UserID,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
		Active:    s.Active,
	}
}

func toCitationResponses(citations []core.SourceCitation) []citationResponse {
	out := make([]citationResponse, 0, len(citations))
	for _, c := range citations {
		out = append(out, citationResponse{
			ID:         c.ID,
			Snippet:    c.Snippet,
			DocumentID: c.DocumentID,
			Location:   c.Location,
			Distance:   c.Distance,
		})
	}
	return out
}

func toTurnResponse(result *core.TurnResult) turnResponse {
	resp := turnResponse{
		SessionID: result.SessionID,
		Response:  result.Response,
		Sources:   toCitationResponses(result.Sources),
		Degraded:  result.Degraded(),
	}
	for _, d := range result.Degradations {
		resp.Degradations = append(resp.Degradations, degradationResponse{
			Subsystem: d.Subsystem,
			Reason:    d.Reason,
		})
	}
	if result.Escalation != nil {
		resp.Escalation = &escalationResponse{
			ID:                   result.Escalation.ID,
			TicketID:             result.Escalation.TicketID,
			Reason:               string(result.Escalation.Reason),
			EstimatedWaitMinutes: int(result.Escalation.EstimatedWait.Minutes()),
		}
	}
	return resp
}

// writeError maps the error taxonomy to HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, core.ErrInvalidInput),
		errors.Is(err, core.ErrUnsupportedAttachmentType),
		errors.Is(err, core.ErrAttachmentTooLarge):
		status = http.StatusBadRequest
	case errors.Is(err, core.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, core.ErrRetrievalUnavailable),
		errors.Is(err, core.ErrResponderUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
