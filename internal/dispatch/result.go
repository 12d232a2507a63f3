package dispatch

import (
	"time"

	"github.com/lalithlochan/courier/internal/db"
)

// ErrorKind classifies a failed dispatch.
type ErrorKind string

const (
	KindInvalidRequest   ErrorKind = "InvalidRequest"
	KindTemplateNotFound ErrorKind = "TemplateNotFound"
	KindTemplateCompile  ErrorKind = "TemplateCompileError"
	KindPreferenceDenied ErrorKind = "PreferenceDenied"
	KindQuietHours       ErrorKind = "QuietHours"
	KindNoDeviceTokens   ErrorKind = "NoDeviceTokens"
	KindProviderFailure  ErrorKind = "ProviderFailure"
	KindCircuitOpen      ErrorKind = "CircuitOpen"
	KindStorageFailure   ErrorKind = "StorageFailure"
	KindCancelled        ErrorKind = "Cancelled"
)

// ErrMessageNotFound is returned by status queries for unknown ids.
var ErrMessageNotFound = db.ErrMessageNotFound

// Result is the outcome of one send command. Delivery-path failures are
// always reported here, never as a returned error.
type Result struct {
	Success         bool       `json:"success"`
	MessageID       string     `json:"message_id,omitempty"`
	Error           string     `json:"error,omitempty"`
	Kind            ErrorKind  `json:"kind,omitempty"`
	NextAvailableAt *time.Time `json:"next_available_at,omitempty"`
}

func sent(id string) Result {
	return Result{Success: true, MessageID: id}
}

func failure(kind ErrorKind, id, reason string) Result {
	return Result{MessageID: id, Kind: kind, Error: reason}
}

// EmailRequest is the SEND_EMAIL command.
type EmailRequest struct {
	MessageID string         `json:"message_id,omitempty"`
	To        string         `json:"to"`
	UserID    string         `json:"user_id,omitempty"`
	Template  string         `json:"template"`
	Data      map[string]any `json:"data,omitempty"`
	Priority  string         `json:"priority,omitempty"`
	Category  string         `json:"category,omitempty"`
}

// SMSRequest is the SEND_SMS command.
type SMSRequest struct {
	MessageID string `json:"message_id,omitempty"`
	To        string `json:"to"`
	UserID    string `json:"user_id,omitempty"`
	Message   string `json:"message"`
	Urgent    bool   `json:"urgent,omitempty"`
	Category  string `json:"category,omitempty"`
}

// PushRequest is the SEND_PUSH command.
type PushRequest struct {
	MessageID string            `json:"message_id,omitempty"`
	UserID    string            `json:"user_id"`
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	Data      map[string]string `json:"data,omitempty"`
	Category  string            `json:"category,omitempty"`
}

// Status is the GET_MESSAGE_STATUS view of a record.
type Status struct {
	MessageID   string     `json:"message_id"`
	Channel     db.Channel `json:"channel"`
	Status      db.Status  `json:"status"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	Error       *string    `json:"error,omitempty"`
}

// StatusOf converts a record into its status view.
func StatusOf(rec *db.MessageRecord) *Status {
	return &Status{
		MessageID:   rec.ID,
		Channel:     rec.Channel,
		Status:      rec.Status,
		SentAt:      rec.SentAt,
		DeliveredAt: rec.DeliveredAt,
		Error:       rec.LastError,
	}
}
