package channel

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
)

// LogAdapter logs messages instead of delivering them (for development).
type LogAdapter struct {
	channel db.Channel
	logger  *zap.Logger
}

func NewLogAdapter(channel db.Channel, logger *zap.Logger) *LogAdapter {
	return &LogAdapter{channel: channel, logger: logger}
}

func (l *LogAdapter) Channel() db.Channel { return l.channel }

func (l *LogAdapter) Send(_ context.Context, msg *Message) (*Receipt, error) {
	if l.channel == db.ChannelPush && len(msg.Tokens) == 0 {
		return nil, ErrNoDeviceTokens
	}

	fields := []zap.Field{
		zap.String("message_id", msg.ID),
		zap.String("channel", string(l.channel)),
		zap.String("to", msg.To),
	}
	switch l.channel {
	case db.ChannelEmail:
		fields = append(fields, zap.String("subject", msg.Subject))
	case db.ChannelSMS:
		fields = append(fields, zap.String("body", msg.Body), zap.Bool("urgent", msg.Urgent))
	case db.ChannelPush:
		fields = append(fields, zap.String("title", msg.Title), zap.Int("devices", len(msg.Tokens)))
	}
	l.logger.Info("message sent", fields...)

	return &Receipt{ProviderMessageID: "log-" + uuid.NewString(), Delivered: len(msg.Tokens)}, nil
}
