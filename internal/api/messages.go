package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/dispatch"
	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/redis"
)

// BatchRequest is the body of POST /v1/messages/email/batch.
type BatchRequest struct {
	Messages []dispatch.EmailRequest `json:"messages"`
}

// BatchResponse reports per-item results in request order.
type BatchResponse struct {
	Results []dispatch.Result `json:"results"`
	Sent    int               `json:"sent"`
	Failed  int               `json:"failed"`
}

// ReceiptRequest is a provider delivery receipt.
type ReceiptRequest struct {
	Delivered bool   `json:"delivered"`
	Reason    string `json:"reason,omitempty"`
}

// SendEmail handles POST /v1/messages/email
func (h *Handler) SendEmail(w http.ResponseWriter, r *http.Request) {
	var req dispatch.EmailRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.idempotent(w, r, "email", func() (int, any) {
		return http.StatusOK, h.engine.SendEmail(r.Context(), req)
	})
}

// SendSMS handles POST /v1/messages/sms
func (h *Handler) SendSMS(w http.ResponseWriter, r *http.Request) {
	var req dispatch.SMSRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.idempotent(w, r, "sms", func() (int, any) {
		return http.StatusOK, h.engine.SendSMS(r.Context(), req)
	})
}

// SendPush handles POST /v1/messages/push
func (h *Handler) SendPush(w http.ResponseWriter, r *http.Request) {
	var req dispatch.PushRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.idempotent(w, r, "push", func() (int, any) {
		return http.StatusOK, h.engine.SendPush(r.Context(), req)
	})
}

// SendEmailBatch handles POST /v1/messages/email/batch
func (h *Handler) SendEmailBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if !h.decode(w, r, &req) {
		return
	}
	if len(req.Messages) == 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Empty batch", "messages must contain at least one item")
		return
	}

	h.idempotent(w, r, "email-batch", func() (int, any) {
		results := h.engine.SendEmailBatch(r.Context(), req.Messages)
		resp := BatchResponse{Results: results}
		for _, res := range results {
			if res.Success {
				resp.Sent++
			} else {
				resp.Failed++
			}
		}
		h.logger.Info("email batch dispatched",
			zap.Int("size", len(results)),
			zap.Int("sent", resp.Sent),
			zap.Int("failed", resp.Failed),
		)
		return http.StatusOK, resp
	})
}

// idempotent runs send once per Idempotency-Key and client. Repeats replay
// the stored response; a concurrent repeat gets 409.
func (h *Handler) idempotent(w http.ResponseWriter, r *http.Request, op string, send func() (int, any)) {
	key := r.Header.Get("Idempotency-Key")
	if key == "" || h.idempotency == nil {
		status, body := send()
		h.writeJSON(w, status, body)
		return
	}

	ctx := r.Context()
	scope := ClientKeyFunc(r) + ":" + op

	cached, err := h.idempotency.Begin(ctx, scope, key)
	switch {
	case errors.Is(err, redis.ErrRequestInFlight):
		h.writeError(w, http.StatusConflict, "duplicate_request",
			"Request is already being processed",
			"Another request with this idempotency key is in progress")
		return
	case err != nil:
		h.logger.Warn("idempotency check failed, proceeding",
			zap.Error(err),
			zap.String("idempotency_key", key),
		)
		status, body := send()
		h.writeJSON(w, status, body)
		return
	case cached != nil:
		metrics.RecordIdempotencyHit()
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Idempotency-Replayed", "true")
		w.WriteHeader(cached.StatusCode)
		_, _ = w.Write(cached.Body)
		return
	}

	status, body := send()
	raw, err := json.Marshal(body)
	if err != nil || status >= http.StatusInternalServerError || retryable(body) {
		if err := h.idempotency.Release(ctx, scope, key); err != nil {
			h.logger.Warn("failed to release idempotency key", zap.Error(err), zap.String("idempotency_key", key))
		}
		h.writeJSON(w, status, body)
		return
	}

	result := &redis.IdempotencyResult{
		StatusCode: status,
		Body:       raw,
		CreatedAt:  time.Now().Unix(),
	}
	if res, ok := body.(dispatch.Result); ok {
		result.MessageID = res.MessageID
	}
	if err := h.idempotency.Complete(ctx, scope, key, result); err != nil {
		h.logger.Warn("failed to store idempotency result",
			zap.Error(err),
			zap.String("idempotency_key", key),
		)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(raw, '\n'))
}

// retryable reports whether a soft result should not be replayed. Storage
// failures never reached a provider, so the same key may try again.
func retryable(body any) bool {
	res, ok := body.(dispatch.Result)
	return ok && res.Kind == dispatch.KindStorageFailure
}

// GetMessageStatus handles GET /v1/messages/{id}
func (h *Handler) GetMessageStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := h.engine.GetStatus(r.Context(), id)
	if err != nil {
		if errors.Is(err, dispatch.ErrMessageNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Message not found", "no message with id "+id)
			return
		}
		h.logger.Error("failed to get message status", zap.Error(err), zap.String("message_id", id))
		h.writeError(w, http.StatusInternalServerError, "storage_error", "Failed to load message", "")
		return
	}

	h.writeJSON(w, http.StatusOK, dispatch.StatusOf(rec))
}

// MessageListResponse is one page of a recipient's message history.
type MessageListResponse struct {
	Messages []*dispatch.Status `json:"messages"`
	Limit    int                `json:"limit"`
	Offset   int                `json:"offset"`
}

// ListMessages handles GET /v1/messages?recipient=xxx&channel=email&limit=20&offset=0
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	recipient := q.Get("recipient")
	if recipient == "" {
		h.writeError(w, http.StatusBadRequest, "validation_error", "Invalid query", "recipient is required")
		return
	}

	ch := db.Channel(q.Get("channel"))
	if ch != "" && !ch.Valid() {
		h.writeError(w, http.StatusBadRequest, "validation_error", "Invalid query", "channel must be email, sms or push")
		return
	}

	limit, offset := 20, 0
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 || n > 100 {
			h.writeError(w, http.StatusBadRequest, "validation_error", "Invalid query", "limit must be between 1 and 100")
			return
		}
		limit = n
	}
	if o := q.Get("offset"); o != "" {
		n, err := strconv.Atoi(o)
		if err != nil || n < 0 {
			h.writeError(w, http.StatusBadRequest, "validation_error", "Invalid query", "offset must be a non-negative integer")
			return
		}
		offset = n
	}

	recs, err := h.engine.ListMessages(r.Context(), recipient, ch, limit, offset)
	if err != nil {
		if errors.Is(err, dispatch.ErrInvalidQuery) {
			h.writeError(w, http.StatusBadRequest, "validation_error", "Invalid query", err.Error())
			return
		}
		h.logger.Error("failed to list messages", zap.Error(err), zap.String("recipient", recipient))
		h.writeError(w, http.StatusInternalServerError, "storage_error", "Failed to load messages", "")
		return
	}

	out := make([]*dispatch.Status, len(recs))
	for i, rec := range recs {
		out[i] = dispatch.StatusOf(rec)
	}
	h.writeJSON(w, http.StatusOK, MessageListResponse{Messages: out, Limit: limit, Offset: offset})
}

// RecordReceipt handles POST /v1/messages/{id}/receipt
func (h *Handler) RecordReceipt(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req ReceiptRequest
	if !h.decode(w, r, &req) {
		return
	}

	rec, err := h.engine.RecordReceipt(r.Context(), id, req.Delivered, req.Reason)
	switch {
	case err == nil:
		h.writeJSON(w, http.StatusOK, dispatch.StatusOf(rec))
	case errors.Is(err, dispatch.ErrMessageNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Message not found", "no message with id "+id)
	case errors.Is(err, dispatch.ErrInvalidTransition):
		h.writeError(w, http.StatusConflict, "invalid_transition", "Receipt not applicable", err.Error())
	default:
		h.logger.Error("failed to record receipt", zap.Error(err), zap.String("message_id", id))
		h.writeError(w, http.StatusInternalServerError, "storage_error", "Failed to record receipt", "")
	}
}
