package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/preference"
)

var (
	// ErrInvalidTransition is returned when a receipt arrives for a message
	// that is not in the sent state.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrInvalidPreferences wraps preference validation failures.
	ErrInvalidPreferences = errors.New("invalid preferences")

	// ErrInvalidQuery wraps bad message history parameters.
	ErrInvalidQuery = errors.New("invalid query")
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// GetStatus returns the record for id, or ErrMessageNotFound.
func (e *Engine) GetStatus(ctx context.Context, id string) (*db.MessageRecord, error) {
	rec, err := e.messages.GetMessage(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get status %s: %w", id, err)
	}
	return rec, nil
}

// ListMessages returns a recipient's message history, newest first. An empty
// channel lists every channel. Limit defaults to 20 and is capped at 100.
func (e *Engine) ListMessages(ctx context.Context, recipient string, ch db.Channel, limit, offset int) ([]*db.MessageRecord, error) {
	if recipient == "" {
		return nil, fmt.Errorf("%w: recipient is required", ErrInvalidQuery)
	}
	if ch != "" && !ch.Valid() {
		return nil, fmt.Errorf("%w: unknown channel %q", ErrInvalidQuery, ch)
	}
	if offset < 0 {
		return nil, fmt.Errorf("%w: offset must not be negative", ErrInvalidQuery)
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	limit = min(limit, maxHistoryLimit)

	recs, err := e.messages.ListByRecipient(ctx, recipient, ch, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list messages for %s: %w", recipient, err)
	}
	return recs, nil
}

// RecordReceipt applies a provider delivery receipt: sent -> delivered, or
// sent -> failed for a bounce.
func (e *Engine) RecordReceipt(ctx context.Context, id string, delivered bool, reason string) (*db.MessageRecord, error) {
	rec, err := e.messages.UpdateMessage(ctx, id, func(rec *db.MessageRecord) error {
		if rec.Status != db.StatusSent {
			return fmt.Errorf("%w: message is %s", ErrInvalidTransition, rec.Status)
		}
		now := e.now()
		rec.UpdatedAt = now
		if delivered {
			rec.Status = db.StatusDelivered
			rec.DeliveredAt = &now
			return nil
		}
		if reason == "" {
			reason = "bounced"
		}
		rec.Status = db.StatusFailed
		rec.LastError = &reason
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("record receipt %s: %w", id, err)
	}

	e.logger.Info("delivery receipt recorded",
		zap.String("message_id", id),
		zap.String("status", string(rec.Status)),
	)
	return rec, nil
}

// UpdatePreferences merges u into the user's stored preferences.
func (e *Engine) UpdatePreferences(ctx context.Context, userID string, u preference.Update) (*preference.Preferences, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidPreferences)
	}
	if err := u.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPreferences, err)
	}
	prefs, err := e.prefs.Merge(ctx, userID, u)
	if err != nil {
		return nil, fmt.Errorf("update preferences: %w", err)
	}
	e.logger.Info("preferences updated", zap.String("user_id", userID))
	return prefs, nil
}

// GetPreferences returns stored preferences or the defaults.
func (e *Engine) GetPreferences(ctx context.Context, userID string) (*preference.Preferences, error) {
	prefs, err := e.prefs.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get preferences: %w", err)
	}
	if prefs == nil {
		return preference.Defaults(userID), nil
	}
	return prefs, nil
}

// NextAvailableTime reports when quiet hours end for userID. ok is false when
// the user is not in quiet hours now.
func (e *Engine) NextAvailableTime(ctx context.Context, userID string) (time.Time, bool, error) {
	prefs, err := e.prefs.Get(ctx, userID)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get preferences: %w", err)
	}
	next, ok := e.quiet.NextAvailableTime(prefs, e.now())
	return next, ok, nil
}
