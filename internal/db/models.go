package db

import (
	"errors"
	"time"
)

// Channel is a notification delivery medium.
type Channel string

// Channel constants
const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelPush  Channel = "push"
)

// Channels lists every supported channel in a stable order.
var Channels = []Channel{ChannelEmail, ChannelSMS, ChannelPush}

// Valid reports whether c is one of the supported channels.
func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelPush:
		return true
	}
	return false
}

// Status is the delivery state of a message.
//
//	queued -> sent -> delivered
//	queued -> failed
//	sent   -> failed (bounce receipt)
type Status string

// Status constants
const (
	StatusQueued    Status = "queued"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// Priority constants
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
)

var (
	// ErrMessageNotFound is returned when no record exists for a message id.
	ErrMessageNotFound = errors.New("message not found")

	// ErrDuplicateMessage is returned when creating a record whose id already exists.
	ErrDuplicateMessage = errors.New("message already exists")
)

// MessageRecord is the lifecycle record of one dispatched notification.
type MessageRecord struct {
	ID                string     `json:"id"`
	Channel           Channel    `json:"channel"`
	Recipient         string     `json:"recipient"`
	Template          string     `json:"template,omitempty"`
	Status            Status     `json:"status"`
	Priority          string     `json:"priority"`
	ProviderMessageID string     `json:"provider_message_id,omitempty"`
	SentAt            *time.Time `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time `json:"delivered_at,omitempty"`
	LastError         *string    `json:"last_error,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Clone returns a deep copy so callers never share pointer fields with a store.
func (m *MessageRecord) Clone() *MessageRecord {
	if m == nil {
		return nil
	}
	c := *m
	if m.SentAt != nil {
		t := *m.SentAt
		c.SentAt = &t
	}
	if m.DeliveredAt != nil {
		t := *m.DeliveredAt
		c.DeliveredAt = &t
	}
	if m.LastError != nil {
		s := *m.LastError
		c.LastError = &s
	}
	return &c
}
