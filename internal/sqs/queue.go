// Package sqs moves dispatch commands through an SQS queue.
package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Command types accepted on the queue.
const (
	CommandSendEmail         = "SEND_EMAIL"
	CommandSendSMS           = "SEND_SMS"
	CommandSendPush          = "SEND_PUSH"
	CommandUpdatePreferences = "UPDATE_PREFERENCES"
)

// ValidCommand reports whether t is a known command type.
func ValidCommand(t string) bool {
	switch t {
	case CommandSendEmail, CommandSendSMS, CommandSendPush, CommandUpdatePreferences:
		return true
	}
	return false
}

// Command is the envelope carried in an SQS message body.
type Command struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt int64           `json:"enqueued_at"`
}

// API is the subset of the SQS client used here.
type API interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// NewClient builds an SQS client. A non-empty endpoint overrides the service
// URL (LocalStack).
func NewClient(cfg aws.Config, endpoint string) *sqs.Client {
	return sqs.NewFromConfig(cfg, func(o *sqs.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
}

// Producer sends commands to the queue.
type Producer struct {
	client   API
	queueURL string
	logger   *zap.Logger
}

// NewProducer creates a producer for queueURL.
func NewProducer(client API, queueURL string, logger *zap.Logger) *Producer {
	logger.Info("sqs producer initialized",
		zap.String("queue_url", queueURL),
	)
	return &Producer{client: client, queueURL: queueURL, logger: logger}
}

// Enqueue wraps payload in a Command envelope and sends it. It returns the
// command id.
func (p *Producer) Enqueue(ctx context.Context, cmdType string, payload any) (string, error) {
	if !ValidCommand(cmdType) {
		return "", fmt.Errorf("unknown command type %q", cmdType)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	cmd := Command{
		ID:         uuid.NewString(),
		Type:       cmdType,
		Payload:    raw,
		EnqueuedAt: time.Now().UnixNano(),
	}
	body, err := json.Marshal(cmd)
	if err != nil {
		return "", fmt.Errorf("failed to marshal command: %w", err)
	}

	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		p.logger.Error("failed to send command to sqs",
			zap.Error(err),
			zap.String("command_id", cmd.ID),
			zap.String("type", cmdType),
		)
		return "", fmt.Errorf("sqs send failed: %w", err)
	}

	return cmd.ID, nil
}

// Delivery is one received queue message. Err is set when the body is not a
// valid Command; the message should still be deleted.
type Delivery struct {
	Command       *Command
	ReceiptHandle string
	Err           error
}

// Consumer reads commands from the queue.
type Consumer struct {
	client            API
	queueURL          string
	waitSeconds       int32
	visibilityTimeout int32
	logger            *zap.Logger
}

// NewConsumer creates a long-polling consumer for queueURL.
func NewConsumer(client API, queueURL string, logger *zap.Logger) *Consumer {
	logger.Info("sqs consumer initialized",
		zap.String("queue_url", queueURL),
	)
	return &Consumer{
		client:            client,
		queueURL:          queueURL,
		waitSeconds:       20,
		visibilityTimeout: 60,
		logger:            logger,
	}
}

// Receive long-polls for up to limit messages (capped at 10).
func (c *Consumer) Receive(ctx context.Context, limit int32) ([]Delivery, error) {
	if limit <= 0 || limit > 10 {
		limit = 10
	}
	result, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: limit,
		WaitTimeSeconds:     c.waitSeconds,
		VisibilityTimeout:   c.visibilityTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("sqs receive failed: %w", err)
	}

	out := make([]Delivery, 0, len(result.Messages))
	for _, m := range result.Messages {
		d := Delivery{ReceiptHandle: aws.ToString(m.ReceiptHandle)}
		var cmd Command
		switch err := json.Unmarshal([]byte(aws.ToString(m.Body)), &cmd); {
		case err != nil:
			d.Err = fmt.Errorf("invalid command format: %w", err)
		case !ValidCommand(cmd.Type):
			d.Err = fmt.Errorf("unknown command type %q", cmd.Type)
		default:
			d.Command = &cmd
		}
		out = append(out, d)
	}
	return out, nil
}

// Delete removes a message after it has been handled.
func (c *Consumer) Delete(ctx context.Context, receiptHandle string) error {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}
	return nil
}

// ChangeVisibility changes how long a received message stays hidden. Zero
// makes it visible again immediately.
func (c *Consumer) ChangeVisibility(ctx context.Context, receiptHandle string, seconds int32) error {
	_, err := c.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.queueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: seconds,
	})
	if err != nil {
		return fmt.Errorf("sqs change visibility failed: %w", err)
	}
	return nil
}
