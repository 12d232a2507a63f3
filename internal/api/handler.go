package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/circuitbreaker"
	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/dispatch"
	"github.com/lalithlochan/courier/internal/preference"
	"github.com/lalithlochan/courier/internal/redis"
	"github.com/lalithlochan/courier/internal/templates"
)

// Engine is the dispatch surface the HTTP handlers drive.
type Engine interface {
	SendEmail(ctx context.Context, req dispatch.EmailRequest) dispatch.Result
	SendSMS(ctx context.Context, req dispatch.SMSRequest) dispatch.Result
	SendPush(ctx context.Context, req dispatch.PushRequest) dispatch.Result
	SendEmailBatch(ctx context.Context, reqs []dispatch.EmailRequest) []dispatch.Result
	GetStatus(ctx context.Context, id string) (*db.MessageRecord, error)
	ListMessages(ctx context.Context, recipient string, ch db.Channel, limit, offset int) ([]*db.MessageRecord, error)
	RecordReceipt(ctx context.Context, id string, delivered bool, reason string) (*db.MessageRecord, error)
	UpdatePreferences(ctx context.Context, userID string, u preference.Update) (*preference.Preferences, error)
	GetPreferences(ctx context.Context, userID string) (*preference.Preferences, error)
	NextAvailableTime(ctx context.Context, userID string) (time.Time, bool, error)
}

// Idempotency replays completed responses for a repeated Idempotency-Key.
type Idempotency interface {
	Begin(ctx context.Context, scope, key string) (*redis.IdempotencyResult, error)
	Complete(ctx context.Context, scope, key string, result *redis.IdempotencyResult) error
	Release(ctx context.Context, scope, key string) error
}

// Enqueuer puts commands on the asynchronous command queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, cmdType string, payload any) (string, error)
}

// Breakers exposes circuit breaker state.
type Breakers interface {
	Snapshot() []circuitbreaker.Stats
	Lookup(name string) (*circuitbreaker.CircuitBreaker, bool)
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	engine      Engine
	templates   *templates.Registry
	idempotency Idempotency // nil if Redis not configured
	producer    Enqueuer    // nil if SQS not configured
	breakers    Breakers
}

// Option configures optional Handler dependencies.
type Option func(*Handler)

// WithIdempotency enables Idempotency-Key handling on send endpoints.
func WithIdempotency(svc Idempotency) Option {
	return func(h *Handler) { h.idempotency = svc }
}

// WithProducer enables POST /commands.
func WithProducer(p Enqueuer) Option {
	return func(h *Handler) { h.producer = p }
}

// WithBreakers enables the breaker admin endpoints.
func WithBreakers(b Breakers) Option {
	return func(h *Handler) { h.breakers = b }
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, engine Engine, registry *templates.Registry, opts ...Option) *Handler {
	h := &Handler{
		logger:    logger,
		engine:    engine,
		templates: registry,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes registers every endpoint on r. The gateway mounts them under /v1.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/messages/email", h.SendEmail)
	r.Post("/messages/email/batch", h.SendEmailBatch)
	r.Post("/messages/sms", h.SendSMS)
	r.Post("/messages/push", h.SendPush)
	r.Get("/messages", h.ListMessages)
	r.Get("/messages/{id}", h.GetMessageStatus)
	r.Post("/messages/{id}/receipt", h.RecordReceipt)

	r.Get("/users/{id}/preferences", h.GetPreferences)
	r.Patch("/users/{id}/preferences", h.UpdatePreferences)
	r.Get("/users/{id}/availability", h.GetAvailability)

	r.Get("/templates", h.ListTemplates)
	r.Post("/templates", h.CreateTemplate)
	r.Get("/templates/{id}", h.GetTemplate)
	r.Put("/templates/{id}", h.UpdateTemplate)

	r.Get("/breakers", h.ListBreakers)
	r.Post("/breakers/{name}/reset", h.ResetBreaker)

	r.Post("/commands", h.EnqueueCommand)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return false
	}
	return true
}
