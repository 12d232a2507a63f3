package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lalithlochan/courier/internal/channel"
	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/templates"
)

// SendEmail renders req.Template and delivers it. High-priority email
// ignores quiet hours.
func (e *Engine) SendEmail(ctx context.Context, req EmailRequest) Result {
	start := time.Now()
	id := e.messageID(req.MessageID)

	if req.To == "" {
		return record(db.ChannelEmail, failure(KindInvalidRequest, id, "recipient is required"), start)
	}
	if req.Template == "" {
		return record(db.ChannelEmail, failure(KindInvalidRequest, id, "template is required"), start)
	}
	priority := req.Priority
	switch priority {
	case "":
		priority = db.PriorityNormal
	case db.PriorityLow, db.PriorityNormal, db.PriorityHigh:
	default:
		return record(db.ChannelEmail, failure(KindInvalidRequest, id, fmt.Sprintf("invalid priority %q", priority)), start)
	}
	if _, ok := e.templates.Get(req.Template); !ok {
		return record(db.ChannelEmail, failure(KindTemplateNotFound, id, fmt.Sprintf("Template not found: %s", req.Template)), start)
	}

	key := req.UserID
	if key == "" {
		key = req.To
	}
	if denied := e.gate(ctx, db.ChannelEmail, key, req.Category, id, priority == db.PriorityHigh); denied != nil {
		return record(db.ChannelEmail, *denied, start)
	}

	rendered, err := e.templates.Render(req.Template, req.Data)
	if err != nil {
		var ce *templates.CompileError
		switch {
		case errors.As(err, &ce):
			return record(db.ChannelEmail, failure(KindTemplateCompile, id, ce.Error()), start)
		case errors.Is(err, templates.ErrTemplateNotFound):
			return record(db.ChannelEmail, failure(KindTemplateNotFound, id, fmt.Sprintf("Template not found: %s", req.Template)), start)
		default:
			return record(db.ChannelEmail, failure(KindTemplateCompile, id, err.Error()), start)
		}
	}

	msg := &channel.Message{
		ID:       id,
		Channel:  db.ChannelEmail,
		To:       req.To,
		Subject:  rendered.Subject,
		HTML:     rendered.HTML,
		Text:     rendered.Text,
		Priority: priority,
	}
	return record(db.ChannelEmail, e.deliver(ctx, msg, req.Template), start)
}

// SendSMS delivers literal text. Urgent SMS ignores quiet hours.
func (e *Engine) SendSMS(ctx context.Context, req SMSRequest) Result {
	start := time.Now()
	id := e.messageID(req.MessageID)

	if req.To == "" {
		return record(db.ChannelSMS, failure(KindInvalidRequest, id, "recipient is required"), start)
	}
	if req.Message == "" {
		return record(db.ChannelSMS, failure(KindInvalidRequest, id, "message is required"), start)
	}

	key := req.UserID
	if key == "" {
		key = req.To
	}
	if denied := e.gate(ctx, db.ChannelSMS, key, req.Category, id, req.Urgent); denied != nil {
		return record(db.ChannelSMS, *denied, start)
	}

	priority := db.PriorityNormal
	if req.Urgent {
		priority = db.PriorityHigh
	}
	msg := &channel.Message{
		ID:       id,
		Channel:  db.ChannelSMS,
		To:       req.To,
		Body:     req.Message,
		Urgent:   req.Urgent,
		Priority: priority,
	}
	return record(db.ChannelSMS, e.deliver(ctx, msg, ""), start)
}

// SendPush delivers to every device registered for req.UserID. Device
// lookup happens inside the push adapter's breaker envelope.
func (e *Engine) SendPush(ctx context.Context, req PushRequest) Result {
	start := time.Now()
	id := e.messageID(req.MessageID)

	if req.UserID == "" {
		return record(db.ChannelPush, failure(KindInvalidRequest, id, "user id is required"), start)
	}
	if req.Title == "" && req.Body == "" {
		return record(db.ChannelPush, failure(KindInvalidRequest, id, "title or body is required"), start)
	}

	if denied := e.gate(ctx, db.ChannelPush, req.UserID, req.Category, id, false); denied != nil {
		return record(db.ChannelPush, *denied, start)
	}

	msg := &channel.Message{
		ID:       id,
		Channel:  db.ChannelPush,
		To:       req.UserID,
		Title:    req.Title,
		Body:     req.Body,
		Data:     req.Data,
		Priority: db.PriorityNormal,
	}
	return record(db.ChannelPush, e.deliver(ctx, msg, ""), start)
}
