package sqs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"go.uber.org/zap"
)

func TestProducerEnqueueAndConsume(t *testing.T) {
	q := &fakeQueue{}
	p := NewProducer(q, "https://sqs.local/commands", zap.NewNop())
	c := NewConsumer(q, "https://sqs.local/commands", zap.NewNop())
	ctx := context.Background()

	id, err := p.Enqueue(ctx, CommandSendSMS, map[string]any{"to": "+15550001111", "message": "hi"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if id == "" {
		t.Fatal("expected a command id")
	}

	got, err := c.Receive(ctx, 5)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("received %d messages, want 1", len(got))
	}
	d := got[0]
	if d.Err != nil {
		t.Fatalf("decode: %v", d.Err)
	}
	if d.Command.ID != id || d.Command.Type != CommandSendSMS {
		t.Errorf("command = %+v", d.Command)
	}

	var payload map[string]any
	if err := json.Unmarshal(d.Command.Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload["to"] != "+15550001111" {
		t.Errorf("payload = %v", payload)
	}

	if err := c.Delete(ctx, d.ReceiptHandle); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(q.deleted) != 1 || q.deleted[0] != d.ReceiptHandle {
		t.Errorf("deleted = %v", q.deleted)
	}
}

func TestProducerRejectsUnknownCommand(t *testing.T) {
	q := &fakeQueue{}
	p := NewProducer(q, "url", zap.NewNop())
	if _, err := p.Enqueue(context.Background(), "SEND_FAX", nil); err == nil {
		t.Fatal("expected error")
	}
	if len(q.bodies) != 0 {
		t.Fatal("unknown command must not be sent")
	}
}

func TestProducerSendError(t *testing.T) {
	p := NewProducer(&fakeQueue{sendErr: errors.New("denied")}, "url", zap.NewNop())
	if _, err := p.Enqueue(context.Background(), CommandSendEmail, map[string]string{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestConsumerMalformedMessages(t *testing.T) {
	q := &fakeQueue{bodies: []string{`not json`, `{"id":"x","type":"SEND_FAX"}`}}
	c := NewConsumer(q, "url", zap.NewNop())

	got, err := c.Receive(context.Background(), 10)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("received %d, want 2", len(got))
	}
	for i, d := range got {
		if d.Err == nil || d.Command != nil {
			t.Errorf("message %d should carry a decode error, got %+v", i, d)
		}
		if d.ReceiptHandle == "" {
			t.Errorf("message %d lost its receipt handle", i)
		}
	}
}

func TestConsumerChangeVisibility(t *testing.T) {
	q := &fakeQueue{}
	c := NewConsumer(q, "url", zap.NewNop())
	if err := c.ChangeVisibility(context.Background(), "rh-0", 0); err != nil {
		t.Fatal(err)
	}
	if v, ok := q.visible["rh-0"]; !ok || v != 0 {
		t.Errorf("visibility = %v, %v", v, ok)
	}
}

func TestValidCommand(t *testing.T) {
	for _, c := range []string{CommandSendEmail, CommandSendSMS, CommandSendPush, CommandUpdatePreferences} {
		if !ValidCommand(c) {
			t.Errorf("%s should be valid", c)
		}
	}
	if ValidCommand("GET_MESSAGE_STATUS") {
		t.Error("status queries are not queue commands")
	}
}
