package notification

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/signato/platform/internal/shared/config"
	"github.com/signato/platform/internal/shared/events"
	"github.com/signato/platform/internal/shared/metrics"
	"github.com/signato/platform/internal/shared/types"
	"github.com/signato/platform/internal/signing"
)

// RecipientResolver maps a platform user id to a deliverable address.
// Signer addresses travel inside the events; owner addresses do not.
type RecipientResolver interface {
	EmailFor(ctx context.Context, userID types.ID) (string, error)
}

// RecipientResolverFunc adapts a function to RecipientResolver.
type RecipientResolverFunc func(ctx context.Context, userID types.ID) (string, error)

// EmailFor resolves the address
func (f RecipientResolverFunc) EmailFor(ctx context.Context, userID types.ID) (string, error) {
	return f(ctx, userID)
}

// DispatcherConfig holds dispatcher configuration
type DispatcherConfig struct {
	Workers    int
	BufferSize int
	MaxRetries int
	RetryDelay time.Duration
}

// DefaultDispatcherConfig returns default configuration
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Workers:    4,
		BufferSize: 1000,
		MaxRetries: 3,
		RetryDelay: 30 * time.Second,
	}
}

// ConfigFromApp derives dispatcher settings from application config
func ConfigFromApp(cfg config.NotificationConfig) DispatcherConfig {
	out := DefaultDispatcherConfig()
	if cfg.Workers > 0 {
		out.Workers = cfg.Workers
	}
	if cfg.MaxRetries > 0 {
		out.MaxRetries = cfg.MaxRetries
	}
	return out
}

// Dispatcher turns document lifecycle events into outbound messages.
// It consumes the bus, so a crashed dispatcher resumes from the
// subscription rather than losing notifications; the ledger keeps the
// resulting at-least-once delivery from mailing anyone twice.
type Dispatcher struct {
	provider Provider
	ledger   Ledger
	resolver RecipientResolver

	msgCh   chan *Message
	workers int

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	config DispatcherConfig
}

// NewDispatcher creates a notification dispatcher
func NewDispatcher(provider Provider, ledger Ledger, resolver RecipientResolver, config DispatcherConfig) *Dispatcher {
	return &Dispatcher{
		provider: provider,
		ledger:   ledger,
		resolver: resolver,
		msgCh:    make(chan *Message, config.BufferSize),
		workers:  config.Workers,
		stopCh:   make(chan struct{}),
		config:   config,
	}
}

// Start subscribes to document events and starts the delivery workers
func (d *Dispatcher) Start(ctx context.Context, bus events.EventBus) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher already started")
	}
	d.started = true
	d.mu.Unlock()

	if err := bus.Subscribe(ctx, "document.*", "notification-dispatcher", d.HandleEvent); err != nil {
		return fmt.Errorf("failed to subscribe to document events: %w", err)
	}

	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
	return nil
}

// Stop drains the workers
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher not started")
	}
	d.mu.Unlock()

	close(d.stopCh)
	d.wg.Wait()
	return nil
}

// HandleEvent converts one event into messages and queues them.
// Already-delivered messages are dropped here, so bus redeliveries are
// harmless.
func (d *Dispatcher) HandleEvent(ctx context.Context, event events.Event) error {
	for _, msg := range d.compose(ctx, event) {
		// Resends are legitimately repeatable; everything else delivers
		// at most once per (document, signer, event).
		if msg.EventType != signing.EventLinkResent {
			delivered, err := d.ledger.Delivered(ctx, msg.DocumentID, msg.SignerID, msg.EventType)
			if err != nil {
				return err
			}
			if delivered {
				metrics.RecordNotification(msg.EventType, "duplicate")
				continue
			}
		}

		select {
		case d.msgCh <- msg:
		default:
			return fmt.Errorf("notification buffer full")
		}
	}
	return nil
}

// compose builds the outbound messages for one event.
func (d *Dispatcher) compose(ctx context.Context, event events.Event) []*Message {
	data, ok := event.Data.(map[string]any)
	if !ok {
		return nil
	}
	documentID := dataID(data, "document_id")
	if documentID.IsZero() {
		return nil
	}
	signerID := dataID(data, "signer_id")
	title := dataString(data, "title")
	email := dataString(data, "email")

	switch event.Type {
	case signing.EventDocumentSent:
		msg := NewMessage(documentID, signerID, event.Type, email,
			fmt.Sprintf("You have a document to sign: %s", title),
			fmt.Sprintf("%s invited you to sign %q. Open your signing link to review and sign.", dataString(data, "name"), title))
		msg.Link = dataString(data, "link")
		return []*Message{msg}

	case signing.EventLinkResent:
		msg := NewMessage(documentID, signerID, event.Type, email,
			fmt.Sprintf("Your new signing link for %s", title),
			fmt.Sprintf("A fresh signing link for %q was issued. Previous links no longer work.", title))
		msg.Link = dataString(data, "link")
		return []*Message{msg}

	case signing.EventDocumentViewed:
		return d.ownerMessage(ctx, data, documentID, signerID, event.Type,
			"Your document was viewed",
			fmt.Sprintf("A signer opened document %s.", documentID))

	case signing.EventDocumentSigned:
		return d.ownerMessage(ctx, data, documentID, signerID, event.Type,
			"Your document was signed",
			fmt.Sprintf("%s signed document %s.", email, documentID))

	case signing.EventDocumentDeclined:
		return d.ownerMessage(ctx, data, documentID, signerID, event.Type,
			"A signer declined your document",
			fmt.Sprintf("A signer declined document %s: %s", documentID, dataString(data, "reason")))

	case signing.EventDocumentCompleted:
		return d.ownerMessage(ctx, data, documentID, "", event.Type,
			fmt.Sprintf("Completed: %s", title),
			fmt.Sprintf("Every signer has signed %q. The signed document is ready for download.", title))

	case signing.EventDocumentExpired:
		return d.ownerMessage(ctx, data, documentID, "", event.Type,
			fmt.Sprintf("Expired: %s", title),
			fmt.Sprintf("Document %q passed its signing deadline before all signers signed.", title))
	}
	return nil
}

// ownerMessage builds a message addressed to the document owner.
func (d *Dispatcher) ownerMessage(ctx context.Context, data map[string]any, documentID, signerID types.ID, eventType, subject, body string) []*Message {
	ownerID := dataID(data, "owner_id")
	if ownerID.IsZero() {
		return nil
	}
	recipient := ""
	if d.resolver != nil {
		addr, err := d.resolver.EmailFor(ctx, ownerID)
		if err != nil {
			log.Printf("failed to resolve owner %s: %v", ownerID, err)
		} else {
			recipient = addr
		}
	}
	return []*Message{NewMessage(documentID, signerID, eventType, recipient, subject, body)}
}

// worker delivers queued messages until stopped
func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case msg := <-d.msgCh:
			d.deliver(ctx, msg)
		}
	}
}

// deliver sends one message and records the outcome.
func (d *Dispatcher) deliver(ctx context.Context, msg *Message) {
	err := d.provider.Send(ctx, msg)
	if err == nil {
		now := time.Now().UTC()
		msg.SentAt = &now
		msg.Status = StatusSent
		if msg.EventType != signing.EventLinkResent {
			if _, err := d.ledger.MarkDelivered(ctx, msg.DocumentID, msg.SignerID, msg.EventType); err != nil {
				log.Printf("failed to record delivery of %s: %v", msg.ID, err)
			}
		}
		metrics.RecordNotification(msg.EventType, "sent")
		return
	}

	msg.ErrorMessage = err.Error()
	msg.RetryCount++
	if msg.RetryCount >= d.config.MaxRetries {
		msg.Status = StatusFailed
		metrics.RecordNotification(msg.EventType, "failed")
		log.Printf("giving up on message %s after %d attempts: %v", msg.ID, msg.RetryCount, err)
		return
	}

	// Re-queue with linear backoff.
	go func() {
		select {
		case <-time.After(d.config.RetryDelay * time.Duration(msg.RetryCount)):
		case <-d.stopCh:
			return
		}
		select {
		case d.msgCh <- msg:
		default:
		}
	}()
}

func dataString(data map[string]any, key string) string {
	switch v := data[key].(type) {
	case string:
		return v
	case types.ID:
		return v.String()
	}
	return ""
}

func dataID(data map[string]any, key string) types.ID {
	return types.ID(dataString(data, key))
}
