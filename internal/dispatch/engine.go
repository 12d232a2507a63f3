// Package dispatch decides whether each outbound message may be sent, renders
// it, delivers it through the channel's circuit breaker and records the
// outcome.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/channel"
	"github.com/lalithlochan/courier/internal/circuitbreaker"
	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/events"
	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/preference"
	"github.com/lalithlochan/courier/internal/quiethours"
	"github.com/lalithlochan/courier/internal/templates"
)

// DefaultBatchSize is the provider ceiling for one chunk of a batch.
const DefaultBatchSize = 100

// MessageStore holds one record per message id with atomic per-id updates.
type MessageStore interface {
	CreateMessage(ctx context.Context, rec *db.MessageRecord) error
	GetMessage(ctx context.Context, id string) (*db.MessageRecord, error)
	UpdateMessage(ctx context.Context, id string, fn func(*db.MessageRecord) error) (*db.MessageRecord, error)
	ListByRecipient(ctx context.Context, recipient string, channel db.Channel, limit, offset int) ([]*db.MessageRecord, error)
}

// Deps are the engine's collaborators.
type Deps struct {
	Templates   *templates.Registry
	Preferences preference.Store
	Messages    MessageStore
	QuietHours  *quiethours.Calculator
	Adapters    []channel.Adapter
	Events      events.Sink
}

type Config struct {
	BatchSize int
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator replaces the message id generator.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

// Engine is safe for concurrent use.
type Engine struct {
	templates *templates.Registry
	prefs     preference.Store
	messages  MessageStore
	quiet     *quiethours.Calculator
	adapters  map[db.Channel]channel.Adapter
	events    events.Sink
	batchSize int
	logger    *zap.Logger
	now       func() time.Time
	newID     func() string
}

func New(deps Deps, cfg Config, logger *zap.Logger, opts ...Option) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if deps.Events == nil {
		deps.Events = events.Discard
	}
	if deps.Preferences == nil {
		deps.Preferences = preference.NewMemoryStore()
	}
	if deps.QuietHours == nil {
		deps.QuietHours = quiethours.New(logger)
	}

	e := &Engine{
		templates: deps.Templates,
		prefs:     deps.Preferences,
		messages:  deps.Messages,
		quiet:     deps.QuietHours,
		adapters:  make(map[db.Channel]channel.Adapter, len(deps.Adapters)),
		events:    deps.Events,
		batchSize: cfg.BatchSize,
		logger:    logger,
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, a := range deps.Adapters {
		e.adapters[a.Channel()] = a
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// gate applies preferences and, unless bypassQuiet, quiet hours.
// A nil result means the message may proceed.
func (e *Engine) gate(ctx context.Context, ch db.Channel, key, category, id string, bypassQuiet bool) *Result {
	prefs, err := e.prefs.Get(ctx, key)
	if err != nil {
		e.logger.Warn("preferences unavailable, allowing send",
			zap.String("user_id", key),
			zap.String("channel", string(ch)),
			zap.Error(err),
		)
		return nil
	}

	if ok, reason := preference.Check(ch, prefs, category); !ok {
		r := failure(KindPreferenceDenied, id, reason)
		return &r
	}

	if bypassQuiet {
		return nil
	}
	now := e.now()
	if !e.quiet.IsInQuietHours(prefs, now) {
		return nil
	}
	r := failure(KindQuietHours, id, "User is in quiet hours")
	if next, ok := e.quiet.NextAvailableTime(prefs, now); ok {
		r.Error = fmt.Sprintf("User is in quiet hours until %s", next.Format(time.RFC3339))
		r.NextAvailableAt = &next
	}
	return &r
}

// deliver creates the queued record, calls the adapter and records the outcome.
// The caller's cancellation does not interrupt delivery; the breaker's call
// timeout is the only deadline.
func (e *Engine) deliver(ctx context.Context, msg *channel.Message, template string) Result {
	ctx = context.WithoutCancel(ctx)

	adapter, ok := e.adapters[msg.Channel]
	if !ok {
		return failure(KindInvalidRequest, msg.ID, fmt.Sprintf("no adapter configured for %s", msg.Channel))
	}

	now := e.now()
	rec := &db.MessageRecord{
		ID:        msg.ID,
		Channel:   msg.Channel,
		Recipient: msg.To,
		Template:  template,
		Status:    db.StatusQueued,
		Priority:  msg.Priority,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.messages.CreateMessage(ctx, rec); err != nil {
		if errors.Is(err, db.ErrDuplicateMessage) {
			return failure(KindInvalidRequest, msg.ID, "message id already exists")
		}
		e.logger.Error("failed to create message record", zap.String("message_id", msg.ID), zap.Error(err))
		return failure(KindStorageFailure, msg.ID, "failed to record message")
	}

	receipt, err := adapter.Send(ctx, msg)
	if err != nil {
		kind, reason := classify(msg.Channel, err)
		e.markFailed(ctx, msg.ID, reason)
		e.logger.Warn("message delivery failed",
			zap.String("message_id", msg.ID),
			zap.String("channel", string(msg.Channel)),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
		return failure(kind, msg.ID, reason)
	}

	e.markSent(ctx, msg.ID, receipt)
	e.logger.Info("message sent",
		zap.String("message_id", msg.ID),
		zap.String("channel", string(msg.Channel)),
	)

	evt := events.Event{
		Type:      events.TypeMessageSent,
		MessageID: msg.ID,
		Channel:   msg.Channel,
		Recipient: msg.To,
		Template:  template,
		Time:      e.now(),
	}
	if err := e.events.Publish(ctx, evt); err != nil {
		e.logger.Warn("failed to publish lifecycle event", zap.String("message_id", msg.ID), zap.Error(err))
	}
	return sent(msg.ID)
}

func classify(ch db.Channel, err error) (ErrorKind, string) {
	switch {
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		return KindCircuitOpen, fmt.Sprintf("%s service temporarily unavailable (circuit open)", ch)
	case errors.Is(err, channel.ErrNoDeviceTokens):
		return KindNoDeviceTokens, "No device tokens found for user"
	case errors.Is(err, circuitbreaker.ErrCallTimeout):
		return KindProviderFailure, fmt.Sprintf("%s provider timed out", ch)
	default:
		return KindProviderFailure, err.Error()
	}
}

func (e *Engine) markSent(ctx context.Context, id string, receipt *channel.Receipt) {
	_, err := e.messages.UpdateMessage(ctx, id, func(rec *db.MessageRecord) error {
		now := e.now()
		rec.Status = db.StatusSent
		rec.SentAt = &now
		rec.UpdatedAt = now
		if receipt != nil {
			rec.ProviderMessageID = receipt.ProviderMessageID
		}
		return nil
	})
	if err != nil {
		e.logger.Error("failed to mark message sent", zap.String("message_id", id), zap.Error(err))
	}
}

func (e *Engine) markFailed(ctx context.Context, id, reason string) {
	_, err := e.messages.UpdateMessage(ctx, id, func(rec *db.MessageRecord) error {
		rec.Status = db.StatusFailed
		rec.LastError = &reason
		rec.UpdatedAt = e.now()
		return nil
	})
	if err != nil {
		e.logger.Error("failed to mark message failed", zap.String("message_id", id), zap.Error(err))
	}
}

func (e *Engine) messageID(supplied string) string {
	if supplied != "" {
		return supplied
	}
	return e.newID()
}

func record(ch db.Channel, r Result, start time.Time) Result {
	outcome := "sent"
	if !r.Success {
		outcome = string(r.Kind)
	}
	metrics.RecordDispatch(string(ch), outcome, time.Since(start))
	return r
}
