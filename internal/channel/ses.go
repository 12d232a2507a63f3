package channel

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
)

// SESAPI is the subset of the SES client used for delivery.
type SESAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SESAdapter sends email through Amazon SES.
type SESAdapter struct {
	client SESAPI
	from   string
	logger *zap.Logger
}

// NewSESAdapter creates an email adapter sending from the given address.
func NewSESAdapter(cfg aws.Config, from string, logger *zap.Logger) *SESAdapter {
	return NewSESAdapterWithClient(ses.NewFromConfig(cfg), from, logger)
}

// NewSESAdapterWithClient creates an email adapter around an existing client.
func NewSESAdapterWithClient(client SESAPI, from string, logger *zap.Logger) *SESAdapter {
	return &SESAdapter{client: client, from: from, logger: logger}
}

func (s *SESAdapter) Channel() db.Channel { return db.ChannelEmail }

// Send delivers msg with an HTML part and, when present, a text part.
func (s *SESAdapter) Send(ctx context.Context, msg *Message) (*Receipt, error) {
	if msg.To == "" {
		return nil, fmt.Errorf("email message missing recipient")
	}

	body := &types.Body{
		Html: &types.Content{
			Data:    aws.String(msg.HTML),
			Charset: aws.String("UTF-8"),
		},
	}
	if msg.Text != "" {
		body.Text = &types.Content{
			Data:    aws.String(msg.Text),
			Charset: aws.String("UTF-8"),
		}
	}

	input := &ses.SendEmailInput{
		Source: aws.String(s.from),
		Destination: &types.Destination{
			ToAddresses: []string{msg.To},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(msg.Subject),
				Charset: aws.String("UTF-8"),
			},
			Body: body,
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return nil, providerError("ses", err)
	}

	providerID := aws.ToString(result.MessageId)
	s.logger.Info("email sent via SES",
		zap.String("message_id", msg.ID),
		zap.String("to", msg.To),
		zap.String("provider_message_id", providerID),
	)

	return &Receipt{ProviderMessageID: providerID}, nil
}
