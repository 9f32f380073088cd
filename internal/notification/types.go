package notification

import (
	"time"

	"github.com/signato/platform/internal/shared/types"
)

// Status represents message delivery status
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Message is one outbound notification derived from a document event.
type Message struct {
	ID         types.ID `json:"id"`
	DocumentID types.ID `json:"document_id"`
	// SignerID scopes the idempotency key. Owner-directed messages use
	// the zero id.
	SignerID  types.ID `json:"signer_id"`
	EventType string   `json:"event_type"`

	Recipient string `json:"recipient"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
	// Link is the signing link embedded into invitation messages.
	Link string `json:"link,omitempty"`

	Status       Status     `json:"status"`
	RetryCount   int        `json:"retry_count"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	SentAt       *time.Time `json:"sent_at,omitempty"`
}

// NewMessage creates a pending message for a document event
func NewMessage(documentID, signerID types.ID, eventType, recipient, subject, body string) *Message {
	return &Message{
		ID:         types.NewID(),
		DocumentID: documentID,
		SignerID:   signerID,
		EventType:  eventType,
		Recipient:  recipient,
		Subject:    subject,
		Body:       body,
		Status:     StatusPending,
		CreatedAt:  time.Now().UTC(),
	}
}
