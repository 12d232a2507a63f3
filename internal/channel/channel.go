// Package channel contains the delivery adapters for email, SMS and push.
package channel

import (
	"context"
	"errors"
	"fmt"

	"github.com/lalithlochan/courier/internal/db"
)

// ErrNoDeviceTokens is returned by push delivery when the user has no devices.
var ErrNoDeviceTokens = errors.New("no device tokens found for user")

// Message is a rendered, ready-to-deliver notification.
type Message struct {
	ID       string
	Channel  db.Channel
	To       string // email address, phone number, or user id for push
	Subject  string
	HTML     string
	Text     string
	Title    string
	Body     string
	Data     map[string]string
	Tokens   []string // push device endpoints
	Urgent   bool
	Priority string
}

// Receipt is the provider's acknowledgement of a send.
type Receipt struct {
	ProviderMessageID string
	Delivered         int // devices reached, push only
}

// Adapter delivers messages for one channel.
type Adapter interface {
	Channel() db.Channel
	Send(ctx context.Context, msg *Message) (*Receipt, error)
}

// ProviderError is a failure reported by (or while reaching) a delivery provider.
// Only provider errors count against a channel's circuit breaker.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func providerError(provider string, err error) error {
	return &ProviderError{Provider: provider, Err: err}
}

// IsProviderError reports whether err was produced by a delivery provider.
func IsProviderError(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe)
}
