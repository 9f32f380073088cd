package notification

import (
	"context"
	"fmt"
	"log"
	"net/smtp"
	"sync"

	"github.com/signato/platform/internal/shared/config"
)

// Provider delivers one message over one channel.
type Provider interface {
	Send(ctx context.Context, msg *Message) error
}

// NewProvider selects a provider from configuration
func NewProvider(cfg config.NotificationConfig) Provider {
	switch cfg.Provider {
	case "smtp":
		return NewSMTPProvider(cfg)
	default:
		return NewLogProvider()
	}
}

// LogProvider writes messages to the process log. It is the development
// default and the fallback when no mail relay is configured.
type LogProvider struct{}

// NewLogProvider creates a log provider
func NewLogProvider() *LogProvider {
	return &LogProvider{}
}

// Send logs the message
func (p *LogProvider) Send(ctx context.Context, msg *Message) error {
	log.Printf("notification event=%s document=%s to=%s subject=%q",
		msg.EventType, msg.DocumentID, msg.Recipient, msg.Subject)
	return nil
}

// SMTPProvider delivers messages over a plain SMTP relay.
type SMTPProvider struct {
	addr string
	from string
}

// NewSMTPProvider creates an SMTP provider
func NewSMTPProvider(cfg config.NotificationConfig) *SMTPProvider {
	return &SMTPProvider{
		addr: fmt.Sprintf("%s:%d", cfg.SMTPHost, cfg.SMTPPort),
		from: cfg.SMTPFrom,
	}
}

// Send delivers the message as an email
func (p *SMTPProvider) Send(ctx context.Context, msg *Message) error {
	if msg.Recipient == "" {
		return fmt.Errorf("message %s has no recipient address", msg.ID)
	}
	body := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n",
		p.from, msg.Recipient, msg.Subject, msg.Body)
	return smtp.SendMail(p.addr, nil, p.from, []string{msg.Recipient}, []byte(body))
}

// CaptureProvider records messages in memory for tests.
type CaptureProvider struct {
	mu       sync.Mutex
	sent     []*Message
	failures int
}

// NewCaptureProvider creates a capturing provider
func NewCaptureProvider() *CaptureProvider {
	return &CaptureProvider{}
}

// FailNext makes the next n sends fail
func (p *CaptureProvider) FailNext(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = n
}

// Send records the message
func (p *CaptureProvider) Send(ctx context.Context, msg *Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return fmt.Errorf("injected send failure")
	}
	p.sent = append(p.sent, msg)
	return nil
}

// Sent returns a snapshot of delivered messages
func (p *CaptureProvider) Sent() []*Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Message, len(p.sent))
	copy(out, p.sent)
	return out
}
