// Package sns publishes message lifecycle events to an SNS topic.
package sns

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/lalithlochan/courier/internal/events"
)

// API is the subset of the SNS client used by EventPublisher.
type API interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// EventPublisher sends lifecycle events to a topic. Subscribers can filter
// on the "event_type" and "channel" message attributes.
type EventPublisher struct {
	client   API
	topicARN string
}

// NewEventPublisher creates a publisher for topicARN. A non-empty endpoint
// overrides the service URL (LocalStack).
func NewEventPublisher(cfg aws.Config, topicARN, endpoint string) *EventPublisher {
	client := sns.NewFromConfig(cfg, func(o *sns.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return NewEventPublisherWithClient(client, topicARN)
}

// NewEventPublisherWithClient creates a publisher around an existing client.
func NewEventPublisherWithClient(client API, topicARN string) *EventPublisher {
	return &EventPublisher{client: client, topicARN: topicARN}
}

func attributes(e events.Event) map[string]types.MessageAttributeValue {
	return map[string]types.MessageAttributeValue{
		"event_type": {
			DataType:    aws.String("String"),
			StringValue: aws.String(e.Type),
		},
		"channel": {
			DataType:    aws.String("String"),
			StringValue: aws.String(string(e.Channel)),
		},
	}
}

// Publish implements events.Sink.
func (p *EventPublisher) Publish(ctx context.Context, e events.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	_, err = p.client.Publish(ctx, &sns.PublishInput{
		TopicArn:          aws.String(p.topicARN),
		Message:           aws.String(string(payload)),
		MessageAttributes: attributes(e),
	})
	if err != nil {
		return fmt.Errorf("failed to publish to SNS: %w", err)
	}
	return nil
}
