package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
)

// SNSAPI is the subset of the SNS client used for SMS and push delivery.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SMSAdapter sends text messages through Amazon SNS.
type SMSAdapter struct {
	client   SNSAPI
	senderID string
	logger   *zap.Logger
}

// NewSMSAdapter creates an SMS adapter. senderID may be empty.
func NewSMSAdapter(client SNSAPI, senderID string, logger *zap.Logger) *SMSAdapter {
	return &SMSAdapter{client: client, senderID: senderID, logger: logger}
}

func (s *SMSAdapter) Channel() db.Channel { return db.ChannelSMS }

// Send publishes msg.Body to msg.To. Urgent messages use the Transactional
// SMS type, which carriers deliver with higher priority.
func (s *SMSAdapter) Send(ctx context.Context, msg *Message) (*Receipt, error) {
	if msg.To == "" {
		return nil, fmt.Errorf("SMS message missing phone number")
	}
	if msg.Body == "" {
		return nil, fmt.Errorf("SMS message missing text")
	}

	smsType := "Promotional"
	if msg.Urgent {
		smsType = "Transactional"
	}
	attrs := map[string]types.MessageAttributeValue{
		"AWS.SNS.SMS.SMSType": {
			DataType:    aws.String("String"),
			StringValue: aws.String(smsType),
		},
	}
	if s.senderID != "" {
		attrs["AWS.SNS.SMS.SenderID"] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(s.senderID),
		}
	}

	result, err := s.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber:       aws.String(msg.To),
		Message:           aws.String(msg.Body),
		MessageAttributes: attrs,
	})
	if err != nil {
		return nil, providerError("sns-sms", err)
	}

	providerID := aws.ToString(result.MessageId)
	s.logger.Info("SMS sent via SNS",
		zap.String("message_id", msg.ID),
		zap.String("phone_number", msg.To),
		zap.String("provider_message_id", providerID),
		zap.Bool("urgent", msg.Urgent),
	)

	return &Receipt{ProviderMessageID: providerID}, nil
}

// PushAdapter publishes mobile push notifications to SNS platform endpoints.
// Each token in Message.Tokens is an endpoint ARN.
type PushAdapter struct {
	client SNSAPI
	logger *zap.Logger
}

// NewPushAdapter creates a push adapter.
func NewPushAdapter(client SNSAPI, logger *zap.Logger) *PushAdapter {
	return &PushAdapter{client: client, logger: logger}
}

func (p *PushAdapter) Channel() db.Channel { return db.ChannelPush }

// Send publishes to every device. It succeeds when at least one device
// accepted the notification.
func (p *PushAdapter) Send(ctx context.Context, msg *Message) (*Receipt, error) {
	if len(msg.Tokens) == 0 {
		return nil, ErrNoDeviceTokens
	}

	payload, err := pushPayload(msg)
	if err != nil {
		return nil, err
	}

	var (
		receipt Receipt
		errs    []error
	)
	for _, token := range msg.Tokens {
		result, err := p.client.Publish(ctx, &sns.PublishInput{
			TargetArn:        aws.String(token),
			Message:          aws.String(payload),
			MessageStructure: aws.String("json"),
		})
		if err != nil {
			p.logger.Warn("push publish failed",
				zap.String("message_id", msg.ID),
				zap.String("endpoint", token),
				zap.Error(err),
			)
			errs = append(errs, err)
			continue
		}
		if receipt.ProviderMessageID == "" {
			receipt.ProviderMessageID = aws.ToString(result.MessageId)
		}
		receipt.Delivered++
	}

	if receipt.Delivered == 0 {
		return nil, providerError("sns-push", errors.Join(errs...))
	}

	p.logger.Info("push sent via SNS",
		zap.String("message_id", msg.ID),
		zap.String("user_id", msg.To),
		zap.Int("devices", receipt.Delivered),
		zap.Int("failed", len(errs)),
	)
	return &receipt, nil
}

// pushPayload builds the per-platform JSON document SNS expects when
// MessageStructure is "json".
func pushPayload(msg *Message) (string, error) {
	apns, err := json.Marshal(map[string]any{
		"aps":  map[string]any{"alert": map[string]string{"title": msg.Title, "body": msg.Body}},
		"data": msg.Data,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode APNS payload: %w", err)
	}
	fcm, err := json.Marshal(map[string]any{
		"notification": map[string]string{"title": msg.Title, "body": msg.Body},
		"data":         msg.Data,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode FCM payload: %w", err)
	}
	doc, err := json.Marshal(map[string]string{
		"default":      msg.Body,
		"APNS":         string(apns),
		"APNS_SANDBOX": string(apns),
		"GCM":          string(fcm),
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode push payload: %w", err)
	}
	return string(doc), nil
}
