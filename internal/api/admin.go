package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/sqs"
	"github.com/lalithlochan/courier/internal/templates"
)

// CommandRequest is an asynchronous command for the queue worker.
type CommandRequest struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ListTemplates handles GET /v1/templates
func (h *Handler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	list := h.templates.List()
	h.writeJSON(w, http.StatusOK, map[string]any{
		"data":  list,
		"count": len(list),
	})
}

// CreateTemplate handles POST /v1/templates
func (h *Handler) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	var t templates.Template
	if !h.decode(w, r, &t) {
		return
	}

	created, err := h.templates.Create(t)
	if err != nil {
		h.templateError(w, err, t.ID)
		return
	}

	h.logger.Info("template created", zap.String("template_id", created.ID))
	h.writeJSON(w, http.StatusCreated, created)
}

// GetTemplate handles GET /v1/templates/{id}
func (h *Handler) GetTemplate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, ok := h.templates.Get(id)
	if !ok {
		h.writeError(w, http.StatusNotFound, "not_found", "Template not found", "no template with id "+id)
		return
	}
	h.writeJSON(w, http.StatusOK, t)
}

// UpdateTemplate handles PUT /v1/templates/{id}
func (h *Handler) UpdateTemplate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var t templates.Template
	if !h.decode(w, r, &t) {
		return
	}

	updated, err := h.templates.Update(id, t)
	if err != nil {
		h.templateError(w, err, id)
		return
	}

	h.logger.Info("template updated", zap.String("template_id", id))
	h.writeJSON(w, http.StatusOK, updated)
}

func (h *Handler) templateError(w http.ResponseWriter, err error, id string) {
	var ce *templates.CompileError
	switch {
	case errors.Is(err, templates.ErrTemplateNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Template not found", "no template with id "+id)
	case errors.Is(err, templates.ErrTemplateExists):
		h.writeError(w, http.StatusConflict, "conflict", "Template already exists", "template "+id+" already exists")
	case errors.As(err, &ce):
		h.writeError(w, http.StatusBadRequest, "template_compile_error", "Template does not compile", ce.Error())
	case errors.Is(err, templates.ErrInvalidTemplate):
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid template", err.Error())
	default:
		h.logger.Error("template operation failed", zap.Error(err), zap.String("template_id", id))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Template operation failed", "")
	}
}

// ListBreakers handles GET /v1/breakers
func (h *Handler) ListBreakers(w http.ResponseWriter, r *http.Request) {
	if h.breakers == nil {
		h.writeJSON(w, http.StatusOK, map[string]any{"data": []any{}})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"data": h.breakers.Snapshot()})
}

// ResetBreaker handles POST /v1/breakers/{name}/reset
func (h *Handler) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if h.breakers == nil {
		h.writeError(w, http.StatusNotFound, "not_found", "Breaker not found", "no breaker named "+name)
		return
	}
	cb, ok := h.breakers.Lookup(name)
	if !ok {
		h.writeError(w, http.StatusNotFound, "not_found", "Breaker not found", "no breaker named "+name)
		return
	}

	cb.Reset()
	h.logger.Info("circuit breaker reset by operator", zap.String("breaker", name))
	h.writeJSON(w, http.StatusOK, cb.Stats())
}

// EnqueueCommand handles POST /v1/commands
func (h *Handler) EnqueueCommand(w http.ResponseWriter, r *http.Request) {
	if h.producer == nil {
		h.writeError(w, http.StatusServiceUnavailable, "queue_unavailable", "Command queue not configured", "")
		return
	}

	var req CommandRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !sqs.ValidCommand(req.Type) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Unknown command type",
			"type must be SEND_EMAIL, SEND_SMS, SEND_PUSH, or UPDATE_PREFERENCES")
		return
	}
	if len(req.Payload) == 0 || !json.Valid(req.Payload) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid payload", "payload must be valid JSON")
		return
	}

	id, err := h.producer.Enqueue(r.Context(), req.Type, req.Payload)
	if err != nil {
		h.logger.Error("failed to enqueue command", zap.Error(err), zap.String("type", req.Type))
		h.writeError(w, http.StatusInternalServerError, "enqueue_error", "Failed to enqueue command", "")
		return
	}

	h.logger.Info("command enqueued", zap.String("command_id", id), zap.String("type", req.Type))
	h.writeJSON(w, http.StatusAccepted, map[string]string{"command_id": id})
}
