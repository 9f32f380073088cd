package notification

import (
	"context"
	"testing"
	"time"

	"github.com/signato/platform/internal/shared/events"
	"github.com/signato/platform/internal/shared/types"
	"github.com/signato/platform/internal/signing"
)

func testDispatcher(t *testing.T, provider Provider, resolver RecipientResolver) *Dispatcher {
	t.Helper()
	cfg := DispatcherConfig{
		Workers:    2,
		BufferSize: 16,
		MaxRetries: 3,
		RetryDelay: 10 * time.Millisecond,
	}
	d := NewDispatcher(provider, NewMemoryLedger(), resolver, cfg)
	if err := d.Start(context.Background(), events.NewMemoryBus()); err != nil {
		t.Fatalf("start dispatcher: %v", err)
	}
	t.Cleanup(func() { d.Stop() })
	return d
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func sentEvent(docID, signerID types.ID, email string) events.Event {
	return events.NewEvent(signing.EventDocumentSent, "signing", map[string]any{
		"document_id": docID,
		"signer_id":   signerID,
		"email":       email,
		"name":        "Alice Example",
		"title":       "NDA",
		"link":        "/sign/" + docID.String() + "/" + signerID.String() + "?t=token",
	})
}

func TestInvitationDelivered(t *testing.T) {
	capture := NewCaptureProvider()
	d := testDispatcher(t, capture, nil)

	docID, signerID := types.NewID(), types.NewID()
	if err := d.HandleEvent(context.Background(), sentEvent(docID, signerID, "alice@example.com")); err != nil {
		t.Fatalf("handle event: %v", err)
	}

	waitFor(t, func() bool { return len(capture.Sent()) == 1 }, "invitation never delivered")
	msg := capture.Sent()[0]
	if msg.Recipient != "alice@example.com" {
		t.Errorf("recipient = %q", msg.Recipient)
	}
	if msg.Link == "" {
		t.Error("invitation carries no signing link")
	}
	if msg.DocumentID != docID || msg.SignerID != signerID {
		t.Errorf("message scoped to %s/%s, want %s/%s", msg.DocumentID, msg.SignerID, docID, signerID)
	}
}

func TestRedeliveredEventMailsOnce(t *testing.T) {
	capture := NewCaptureProvider()
	d := testDispatcher(t, capture, nil)
	ctx := context.Background()

	docID, signerID := types.NewID(), types.NewID()
	event := sentEvent(docID, signerID, "alice@example.com")
	if err := d.HandleEvent(ctx, event); err != nil {
		t.Fatalf("handle event: %v", err)
	}
	waitFor(t, func() bool {
		delivered, _ := d.ledger.Delivered(ctx, docID, signerID, signing.EventDocumentSent)
		return delivered
	}, "first delivery missing")

	// The bus delivers at least once; a redelivery must be dropped.
	if err := d.HandleEvent(ctx, event); err != nil {
		t.Fatalf("handle redelivery: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := len(capture.Sent()); got != 1 {
		t.Errorf("sent %d messages after redelivery, want 1", got)
	}
}

func TestResendsAreRepeatable(t *testing.T) {
	capture := NewCaptureProvider()
	d := testDispatcher(t, capture, nil)
	ctx := context.Background()

	docID, signerID := types.NewID(), types.NewID()
	for i := 0; i < 2; i++ {
		event := events.NewEvent(signing.EventLinkResent, "signing", map[string]any{
			"document_id": docID,
			"signer_id":   signerID,
			"email":       "alice@example.com",
			"title":       "NDA",
			"link":        "/sign/x/y?t=fresh",
		})
		if err := d.HandleEvent(ctx, event); err != nil {
			t.Fatalf("handle resend %d: %v", i, err)
		}
	}

	waitFor(t, func() bool { return len(capture.Sent()) == 2 }, "resends were deduplicated")
}

func TestRetryAfterProviderFailure(t *testing.T) {
	capture := NewCaptureProvider()
	capture.FailNext(2)
	d := testDispatcher(t, capture, nil)

	if err := d.HandleEvent(context.Background(), sentEvent(types.NewID(), types.NewID(), "alice@example.com")); err != nil {
		t.Fatalf("handle event: %v", err)
	}

	waitFor(t, func() bool { return len(capture.Sent()) == 1 }, "message never delivered after retries")
}

func TestOwnerMessagesResolveAddress(t *testing.T) {
	capture := NewCaptureProvider()
	ownerID := types.NewID()
	resolver := RecipientResolverFunc(func(ctx context.Context, userID types.ID) (string, error) {
		if userID == ownerID {
			return "owner@example.com", nil
		}
		return "", nil
	})
	d := testDispatcher(t, capture, resolver)

	event := events.NewEvent(signing.EventDocumentCompleted, "signing", map[string]any{
		"document_id": types.NewID(),
		"owner_id":    ownerID,
		"title":       "NDA",
	})
	if err := d.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("handle event: %v", err)
	}

	waitFor(t, func() bool { return len(capture.Sent()) == 1 }, "completion notice missing")
	if got := capture.Sent()[0].Recipient; got != "owner@example.com" {
		t.Errorf("recipient = %q, want owner@example.com", got)
	}
}

func TestUnknownEventsIgnored(t *testing.T) {
	capture := NewCaptureProvider()
	d := testDispatcher(t, capture, nil)

	event := events.NewEvent("document.created", "signing", map[string]any{
		"document_id": types.NewID(),
		"title":       "NDA",
	})
	if err := d.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("handle event: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := len(capture.Sent()); got != 0 {
		t.Errorf("sent %d messages for an actor-initiated event, want 0", got)
	}
}
