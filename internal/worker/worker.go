// Package worker consumes dispatch commands from the SQS command queue.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/courier/internal/dispatch"
	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/preference"
	"github.com/lalithlochan/courier/internal/sqs"
)

// Consumer is the queue side the worker reads from.
type Consumer interface {
	Receive(ctx context.Context, limit int32) ([]sqs.Delivery, error)
	Delete(ctx context.Context, receiptHandle string) error
	ChangeVisibility(ctx context.Context, receiptHandle string, seconds int32) error
}

// Engine runs decoded commands.
type Engine interface {
	SendEmail(ctx context.Context, req dispatch.EmailRequest) dispatch.Result
	SendSMS(ctx context.Context, req dispatch.SMSRequest) dispatch.Result
	SendPush(ctx context.Context, req dispatch.PushRequest) dispatch.Result
	UpdatePreferences(ctx context.Context, userID string, u preference.Update) (*preference.Preferences, error)
}

// PreferencesCommand is the UPDATE_PREFERENCES payload.
type PreferencesCommand struct {
	UserID      string            `json:"user_id"`
	Preferences preference.Update `json:"preferences"`
}

type Worker struct {
	consumer Consumer
	engine   Engine
	config   Config
	logger   *zap.Logger
}

type Config struct {
	PollInterval time.Duration // wait after a failed receive
	BatchSize    int32         // messages per receive, at most 10
	Concurrency  int           // commands handled in parallel
	RetryDelay   time.Duration // visibility delay for transient failures
}

// errRetry marks a command that should become visible again.
var errRetry = errors.New("transient failure")

func New(consumer Consumer, engine Engine, cfg Config, logger *zap.Logger) *Worker {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 || cfg.BatchSize > 10 {
		cfg.BatchSize = 10
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = int(cfg.BatchSize)
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 30 * time.Second
	}

	return &Worker{
		consumer: consumer,
		engine:   engine,
		config:   cfg,
		logger:   logger,
	}
}

// Start long-polls until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("command worker started")
	for {
		if ctx.Err() != nil {
			w.logger.Info("worker stopping")
			return
		}
		if _, err := w.processBatch(ctx); err != nil {
			if ctx.Err() != nil {
				w.logger.Info("worker stopping")
				return
			}
			w.logger.Error("failed to receive commands", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(w.config.PollInterval):
			}
		}
	}
}

func (w *Worker) processBatch(ctx context.Context) (int, error) {
	deliveries, err := w.consumer.Receive(ctx, w.config.BatchSize)
	if err != nil {
		return 0, err
	}

	var g errgroup.Group
	g.SetLimit(w.config.Concurrency)
	for _, d := range deliveries {
		g.Go(func() error {
			w.processDelivery(ctx, d)
			return nil
		})
	}
	_ = g.Wait()
	return len(deliveries), nil
}

func (w *Worker) processDelivery(ctx context.Context, d sqs.Delivery) {
	if d.Err != nil {
		w.logger.Warn("dropping malformed command", zap.Error(d.Err))
		metrics.RecordCommand("unknown", "malformed")
		w.delete(ctx, d.ReceiptHandle)
		return
	}

	cmd := d.Command
	result, err := w.handle(ctx, cmd)
	switch {
	case errors.Is(err, errRetry):
		w.logger.Warn("command will be retried",
			zap.String("command_id", cmd.ID),
			zap.String("type", cmd.Type),
			zap.Error(err),
		)
		metrics.RecordCommand(cmd.Type, "retry")
		if err := w.consumer.ChangeVisibility(ctx, d.ReceiptHandle, int32(w.config.RetryDelay.Seconds())); err != nil {
			w.logger.Error("failed to delay command", zap.String("command_id", cmd.ID), zap.Error(err))
		}
		return
	case err != nil:
		w.logger.Warn("dropping invalid command",
			zap.String("command_id", cmd.ID),
			zap.String("type", cmd.Type),
			zap.Error(err),
		)
		metrics.RecordCommand(cmd.Type, "malformed")
	default:
		w.logger.Info("command processed",
			zap.String("command_id", cmd.ID),
			zap.String("type", cmd.Type),
			zap.String("result", result),
		)
		metrics.RecordCommand(cmd.Type, result)
	}
	w.delete(ctx, d.ReceiptHandle)
}

// handle runs cmd and returns "ok" or the failure kind.
func (w *Worker) handle(ctx context.Context, cmd *sqs.Command) (string, error) {
	var res dispatch.Result
	switch cmd.Type {
	case sqs.CommandSendEmail:
		var req dispatch.EmailRequest
		if err := json.Unmarshal(cmd.Payload, &req); err != nil {
			return "", fmt.Errorf("decode SEND_EMAIL: %w", err)
		}
		res = w.engine.SendEmail(ctx, req)
	case sqs.CommandSendSMS:
		var req dispatch.SMSRequest
		if err := json.Unmarshal(cmd.Payload, &req); err != nil {
			return "", fmt.Errorf("decode SEND_SMS: %w", err)
		}
		res = w.engine.SendSMS(ctx, req)
	case sqs.CommandSendPush:
		var req dispatch.PushRequest
		if err := json.Unmarshal(cmd.Payload, &req); err != nil {
			return "", fmt.Errorf("decode SEND_PUSH: %w", err)
		}
		res = w.engine.SendPush(ctx, req)
	case sqs.CommandUpdatePreferences:
		var req PreferencesCommand
		if err := json.Unmarshal(cmd.Payload, &req); err != nil {
			return "", fmt.Errorf("decode UPDATE_PREFERENCES: %w", err)
		}
		if _, err := w.engine.UpdatePreferences(ctx, req.UserID, req.Preferences); err != nil {
			if errors.Is(err, dispatch.ErrInvalidPreferences) {
				return "", err
			}
			return "", fmt.Errorf("%w: %v", errRetry, err)
		}
		return "ok", nil
	default:
		return "", fmt.Errorf("unknown command type %q", cmd.Type)
	}

	if res.Success {
		return "ok", nil
	}
	if res.Kind == dispatch.KindStorageFailure {
		return "", fmt.Errorf("%w: %s", errRetry, res.Error)
	}
	return string(res.Kind), nil
}

func (w *Worker) delete(ctx context.Context, receiptHandle string) {
	if err := w.consumer.Delete(ctx, receiptHandle); err != nil {
		w.logger.Error("failed to delete command", zap.Error(err))
	}
}
