package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mivanov/herald/internal/channel/httpgw"
	"github.com/mivanov/herald/internal/dispatch"
	"github.com/mivanov/herald/internal/recipient"
	"github.com/mivanov/herald/internal/session"
	"github.com/mivanov/herald/internal/template"
)

// DispatchRequest is the request body for POST /dispatch
type DispatchRequest struct {
	TemplateID int `json:"template_id"`
}

// DispatchStatusResponse is the response for GET /dispatch/status
type DispatchStatusResponse struct {
	Running bool             `json:"running"`
	Sent    int              `json:"sent"`
	Total   int              `json:"total"`
	Events  []dispatch.Event `json:"events,omitempty"`
}

// SessionSummary is a summary of an archived or active session
type SessionSummary struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Status            string    `json:"status"`
	TemplateID        int       `json:"template_id"`
	SentCount         int       `json:"sent_count"`
	TotalRecipients   int       `json:"total_recipients"`
	StartTime         time.Time `json:"start_time"`
	LastUpdateTime    time.Time `json:"last_update_time"`
	FailureReason     string    `json:"failure_reason,omitempty"`
	FailedRecipientID string    `json:"failed_recipient_id,omitempty"`
}

// QuotaResponse is the response for GET /quota
type QuotaResponse struct {
	Channel   string `json:"channel"`
	Used      int    `json:"used"`
	Limit     int    `json:"limit"`
	Remaining int    `json:"remaining"`
}

// CallbackRequest is the provider status callback body
type CallbackRequest struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Uptime      string `json:"uptime"`
	Dispatching bool   `json:"dispatching"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleDispatchStart handles POST /api/v1/dispatch
func (s *Server) handleDispatchStart(w http.ResponseWriter, r *http.Request) {
	var req DispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.TemplateID <= 0 {
		s.sendError(w, http.StatusBadRequest, "template_id is required")
		return
	}

	if err := s.deps.Engine.Start(r.Context(), req.TemplateID); err != nil {
		if errors.Is(err, dispatch.ErrEmptyTemplate) || errors.Is(err, dispatch.ErrNoRecipients) {
			s.sendError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("failed to start dispatch", "template_id", req.TemplateID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to start dispatch")
		return
	}

	s.logger.Info("dispatch started via API", "template_id", req.TemplateID)
	s.sendJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// handleDispatchStop handles POST /api/v1/dispatch/stop
func (s *Server) handleDispatchStop(w http.ResponseWriter, r *http.Request) {
	s.deps.Engine.Stop()
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// handleDispatchStatus handles GET /api/v1/dispatch/status
func (s *Server) handleDispatchStatus(w http.ResponseWriter, r *http.Request) {
	running, sent, total := s.deps.Engine.Status()

	resp := DispatchStatusResponse{Running: running, Sent: sent, Total: total}
	if s.deps.Recorder != nil {
		resp.Events = s.deps.Recorder.Events()
	}

	s.sendJSON(w, http.StatusOK, resp)
}

// handleSessionList handles GET /api/v1/sessions
func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	history, err := s.deps.Sessions.History(r.Context())
	if err != nil {
		s.logger.Error("failed to list sessions", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list sessions")
		return
	}

	summaries := make([]*SessionSummary, len(history))
	for i, sess := range history {
		summaries[i] = summarize(sess)
	}

	s.sendJSON(w, http.StatusOK, summaries)
}

// handleSessionActive handles GET /api/v1/sessions/active
func (s *Server) handleSessionActive(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Sessions.Active(r.Context())
	if err != nil {
		s.logger.Error("failed to get active session", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get active session")
		return
	}
	if sess == nil {
		s.sendError(w, http.StatusNotFound, "No active session")
		return
	}

	s.sendJSON(w, http.StatusOK, summarize(sess))
}

// handleSessionDelete handles DELETE /api/v1/sessions/{id}
func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	deleted, err := s.deps.Sessions.DeleteFromHistory(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to delete session", "id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to delete session")
		return
	}
	if !deleted {
		s.sendError(w, http.StatusNotFound, "Session not found")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleSessionRestore handles POST /api/v1/sessions/{id}/restore. It
// resumes an archived session: the recipients still pending (including
// the failed one, if any) are dispatched with the session's template.
func (s *Server) handleSessionRestore(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sess, err := s.deps.Sessions.Get(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to get session", "id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get session")
		return
	}
	if sess == nil {
		s.sendError(w, http.StatusNotFound, "Session not found")
		return
	}

	recipients, err := s.deps.Sessions.RestoreRecipients(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to restore recipients", "id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to restore session")
		return
	}

	if err := s.deps.Engine.StartWith(r.Context(), sess.TemplateID, recipients); err != nil {
		if errors.Is(err, dispatch.ErrEmptyTemplate) || errors.Is(err, dispatch.ErrNoRecipients) {
			s.sendError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("failed to start restored dispatch", "id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to restore session")
		return
	}

	s.logger.Info("session restored via API", "id", id, "recipients", len(recipients))
	s.sendJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// handleRecipientList handles GET /api/v1/recipients
func (s *Server) handleRecipientList(w http.ResponseWriter, r *http.Request) {
	recipients, err := s.deps.Recipients.List(r.Context())
	if err != nil {
		s.logger.Error("failed to list recipients", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list recipients")
		return
	}
	if recipients == nil {
		recipients = []recipient.Recipient{}
	}

	s.sendJSON(w, http.StatusOK, recipients)
}

// handleRecipientSave handles PUT /api/v1/recipients. The body replaces
// the whole list; this is how imports from spreadsheets arrive.
func (s *Server) handleRecipientSave(w http.ResponseWriter, r *http.Request) {
	var recipients []recipient.Recipient
	if err := json.NewDecoder(r.Body).Decode(&recipients); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	for _, rec := range recipients {
		if rec.Address == "" {
			s.sendError(w, http.StatusBadRequest, "recipient address is required")
			return
		}
	}

	if err := s.deps.Recipients.Save(r.Context(), recipients); err != nil {
		s.logger.Error("failed to save recipients", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to save recipients")
		return
	}

	s.logger.Info("recipient list replaced via API", "count", len(recipients))
	s.sendJSON(w, http.StatusOK, map[string]int{"count": len(recipients)})
}

// handleRecipientDelete handles DELETE /api/v1/recipients/{id}
func (s *Server) handleRecipientDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.deps.Recipients.Remove(r.Context(), id); err != nil {
		s.logger.Error("failed to delete recipient", "id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to delete recipient")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleTemplateList handles GET /api/v1/templates
func (s *Server) handleTemplateList(w http.ResponseWriter, r *http.Request) {
	templates, err := s.deps.Templates.List(r.Context())
	if err != nil {
		s.logger.Error("failed to list templates", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list templates")
		return
	}
	if templates == nil {
		templates = []*template.Template{}
	}

	s.sendJSON(w, http.StatusOK, templates)
}

// handleTemplateGet handles GET /api/v1/templates/{id}
func (s *Server) handleTemplateGet(w http.ResponseWriter, r *http.Request) {
	id, ok := s.templateID(w, r)
	if !ok {
		return
	}

	tmpl, err := s.deps.Templates.Get(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to get template", "id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get template")
		return
	}
	if tmpl == nil {
		s.sendError(w, http.StatusNotFound, "Template not found")
		return
	}

	s.sendJSON(w, http.StatusOK, tmpl)
}

// handleTemplatePut handles PUT /api/v1/templates/{id}
func (s *Server) handleTemplatePut(w http.ResponseWriter, r *http.Request) {
	id, ok := s.templateID(w, r)
	if !ok {
		return
	}

	var tmpl template.Template
	if err := json.NewDecoder(r.Body).Decode(&tmpl); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	tmpl.ID = id

	if err := s.deps.Templates.Put(r.Context(), &tmpl); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.sendJSON(w, http.StatusOK, tmpl)
}

// handleTemplateDelete handles DELETE /api/v1/templates/{id}
func (s *Server) handleTemplateDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := s.templateID(w, r)
	if !ok {
		return
	}

	if err := s.deps.Templates.Delete(r.Context(), id); err != nil {
		s.logger.Error("failed to delete template", "id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to delete template")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleQuota handles GET /api/v1/quota
func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	used, err := s.deps.Limiter.CountToday(r.Context(), s.deps.ChannelID)
	if err != nil {
		s.logger.Error("failed to read quota", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to read quota")
		return
	}

	limit := s.deps.Limiter.DailyLimit()
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}

	s.sendJSON(w, http.StatusOK, QuotaResponse{
		Channel:   s.deps.ChannelID,
		Used:      used,
		Limit:     limit,
		Remaining: remaining,
	})
}

// handleQuotaReset handles POST /api/v1/quota/reset
func (s *Server) handleQuotaReset(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Limiter.Reset(r.Context(), s.deps.ChannelID); err != nil {
		s.logger.Error("failed to reset quota", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to reset quota")
		return
	}

	s.logger.Info("quota reset via API", "channel", s.deps.ChannelID)
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// handleSentCallback handles POST /callbacks/sent
func (s *Server) handleSentCallback(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeCallback(w, r)
	if !ok {
		return
	}

	result, terminal := httpgw.MapStatus(req.Status)
	if !terminal {
		// In-flight status; a later callback settles it.
		s.sendJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
		return
	}

	s.deps.Callbacks.OnSent(req.MessageID, result)
	s.logger.Debug("sent callback processed", "message_id", req.MessageID, "status", req.Status)
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleDeliveredCallback handles POST /callbacks/delivered
func (s *Server) handleDeliveredCallback(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeCallback(w, r)
	if !ok {
		return
	}

	s.deps.Callbacks.OnDelivered(req.MessageID, req.Status == "delivered")
	s.logger.Debug("delivery callback processed", "message_id", req.MessageID, "status", req.Status)
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	running, _, _ := s.deps.Engine.Status()

	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status:      "ok",
		Version:     Version,
		Uptime:      time.Since(s.startTime).String(),
		Dispatching: running,
	})
}

func (s *Server) decodeCallback(w http.ResponseWriter, r *http.Request) (*CallbackRequest, bool) {
	var req CallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return nil, false
	}
	if req.MessageID == "" {
		s.sendError(w, http.StatusBadRequest, "message_id is required")
		return nil, false
	}
	return &req, true
}

func (s *Server) templateID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id <= 0 {
		s.sendError(w, http.StatusBadRequest, "id must be a positive integer")
		return 0, false
	}
	return id, true
}

func summarize(sess *session.Session) *SessionSummary {
	return &SessionSummary{
		ID:                sess.ID,
		Name:              sess.Name,
		Status:            string(sess.Status),
		TemplateID:        sess.TemplateID,
		SentCount:         sess.SentCount,
		TotalRecipients:   sess.TotalRecipients,
		StartTime:         sess.StartTime,
		LastUpdateTime:    sess.LastUpdateTime,
		FailureReason:     sess.FailureReason,
		FailedRecipientID: sess.FailedRecipientID,
	}
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}
