package document

import (
	"context"
	"testing"
	"time"

	"github.com/signato/platform/internal/audit"
	"github.com/signato/platform/internal/shared/errors"
	"github.com/signato/platform/internal/shared/types"
)

// sendableDocument builds a draft with content, the given signers and a
// signature field for each.
func sendableDocument(t *testing.T, ordered bool, signerCount int) *Document {
	t.Helper()

	doc, err := NewDocument("Lease Agreement", types.NewID(), "cms", "T", ordered)
	if err != nil {
		t.Fatalf("NewDocument: %v", err)
	}
	if err := doc.SetContent("sha256:abc", "abc"); err != nil {
		t.Fatalf("SetContent: %v", err)
	}
	for i := 0; i < signerCount; i++ {
		signer, err := doc.AddSigner(
			"signer"+string(rune('a'+i))+"@example.com",
			"Signer "+string(rune('A'+i)),
			i,
		)
		if err != nil {
			t.Fatalf("AddSigner: %v", err)
		}
		if _, err := doc.AddField(signer.ID, FieldSignature, 1, 10, 10, 100, 40, true); err != nil {
			t.Fatalf("AddField: %v", err)
		}
	}
	return doc
}

func sendDocument(t *testing.T, doc *Document) {
	t.Helper()
	if err := doc.Send(time.Now().UTC(), nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func TestNewDocumentStartsInDraft(t *testing.T) {
	doc, err := NewDocument("Contract", types.NewID(), "pdf", "LT", false)
	if err != nil {
		t.Fatalf("NewDocument: %v", err)
	}
	if doc.Status != StatusDraft {
		t.Errorf("expected draft, got %s", doc.Status)
	}
	if doc.Version != 1 {
		t.Errorf("expected version 1, got %d", doc.Version)
	}
	if len(doc.Signers) != 0 || len(doc.Fields) != 0 {
		t.Error("new document should have no signers or fields")
	}

	if _, err := NewDocument("", types.NewID(), "pdf", "LT", false); err == nil {
		t.Error("expected validation error for empty title")
	}
}

func TestSendGuards(t *testing.T) {
	// No signers.
	doc, _ := NewDocument("Contract", types.NewID(), "cms", "T", false)
	doc.SetContent("sha256:abc", "abc")
	if err := doc.Send(time.Now(), nil); err == nil {
		t.Error("expected error sending without signers")
	}

	// No content.
	doc, _ = NewDocument("Contract", types.NewID(), "cms", "T", false)
	signer, _ := doc.AddSigner("a@example.com", "A", 0)
	doc.AddField(signer.ID, FieldSignature, 1, 0, 0, 100, 40, true)
	if err := doc.Send(time.Now(), nil); err == nil {
		t.Error("expected error sending without content")
	}

	// Signer without a signature field.
	doc, _ = NewDocument("Contract", types.NewID(), "cms", "T", false)
	doc.SetContent("sha256:abc", "abc")
	first, _ := doc.AddSigner("a@example.com", "A", 0)
	doc.AddField(first.ID, FieldSignature, 1, 0, 0, 100, 40, true)
	second, _ := doc.AddSigner("b@example.com", "B", 1)
	doc.AddField(second.ID, FieldDate, 1, 0, 50, 100, 20, false)
	if err := doc.Send(time.Now(), nil); err == nil {
		t.Error("expected error when a signer has no signature field")
	}

	doc = sendableDocument(t, false, 2)
	sendDocument(t, doc)
	if doc.Status != StatusOutForSignature {
		t.Errorf("expected out_for_signature, got %s", doc.Status)
	}
	if doc.SentAt == nil {
		t.Error("SentAt should be set")
	}

	// Sending twice is invalid.
	if err := doc.Send(time.Now(), nil); err == nil {
		t.Error("expected error sending an already sent document")
	}
}

func TestDraftOnlyEdits(t *testing.T) {
	doc := sendableDocument(t, false, 1)
	sendDocument(t, doc)

	if _, err := doc.AddSigner("late@example.com", "Late", 2); err == nil {
		t.Error("expected error adding a signer after send")
	}
	if _, err := doc.AddField(doc.Signers[0].ID, FieldText, 1, 0, 0, 10, 10, false); err == nil {
		t.Error("expected error adding a field after send")
	}
	if err := doc.Rename("New Title"); err == nil {
		t.Error("expected error renaming after send")
	}
	if err := doc.SetContent("sha256:other", "other"); err == nil {
		t.Error("expected error replacing content after send")
	}
}

func TestCompletionIffAllSigned(t *testing.T) {
	doc := sendableDocument(t, false, 2)
	sendDocument(t, doc)
	now := time.Now().UTC()

	completed, err := doc.RecordSignature(doc.Signers[0].ID, "sha256:sig1", nil, now, "10.0.0.1", "test-agent")
	if err != nil {
		t.Fatalf("RecordSignature: %v", err)
	}
	if completed {
		t.Error("document should not complete with one of two signatures")
	}
	if doc.Status != StatusOutForSignature {
		t.Errorf("expected out_for_signature, got %s", doc.Status)
	}
	if doc.CompletedAt != nil {
		t.Error("CompletedAt must not be set before completion")
	}

	completed, err = doc.RecordSignature(doc.Signers[1].ID, "sha256:sig2", nil, now, "10.0.0.2", "test-agent")
	if err != nil {
		t.Fatalf("RecordSignature: %v", err)
	}
	if !completed {
		t.Error("last signature should complete the document")
	}
	if doc.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", doc.Status)
	}
	if doc.CompletedAt == nil {
		t.Error("CompletedAt must be set on completion")
	}
	for _, s := range doc.Signers {
		if s.Status != SignerSigned {
			t.Errorf("signer %s not signed in completed document", s.Email)
		}
		if s.ArtifactRef == "" {
			t.Errorf("signer %s has no artifact ref", s.Email)
		}
	}
}

func TestSignatureFillsOwnedFields(t *testing.T) {
	doc := sendableDocument(t, false, 1)
	signerID := doc.Signers[0].ID
	dateField, _ := doc.AddField(signerID, FieldDate, 1, 0, 60, 100, 20, true)
	textField, _ := doc.AddField(signerID, FieldText, 1, 0, 90, 100, 20, false)
	sendDocument(t, doc)

	now := time.Now().UTC()
	values := map[types.ID]string{textField.ID: "Chief Counsel"}
	if _, err := doc.RecordSignature(signerID, "sha256:sig", values, now, "", ""); err != nil {
		t.Fatalf("RecordSignature: %v", err)
	}

	for _, f := range doc.Fields {
		if f.SignedAt == nil {
			t.Errorf("field %s not stamped", f.Kind)
		}
		switch f.ID {
		case dateField.ID:
			if f.Value != now.Format("2006-01-02") {
				t.Errorf("date field value = %q", f.Value)
			}
		case textField.ID:
			if f.Value != "Chief Counsel" {
				t.Errorf("text field value = %q", f.Value)
			}
		default:
			if f.Value != "sha256:sig" {
				t.Errorf("signature field value = %q", f.Value)
			}
		}
	}
}

func TestOrderedSigningFrontier(t *testing.T) {
	doc := sendableDocument(t, true, 3)
	sendDocument(t, doc)
	now := time.Now().UTC()

	// The third signer cannot jump the queue.
	if err := doc.CanSign(doc.Signers[2].ID); err == nil {
		t.Error("expected frontier violation for signer with unsigned predecessors")
	}
	if _, err := doc.RecordSignature(doc.Signers[2].ID, "sha256:sig", nil, now, "", ""); err == nil {
		t.Error("RecordSignature must enforce the frontier")
	}

	// Signing in order works.
	if _, err := doc.RecordSignature(doc.Signers[0].ID, "sha256:sig0", nil, now, "", ""); err != nil {
		t.Fatalf("first signer: %v", err)
	}
	if err := doc.CanSign(doc.Signers[2].ID); err == nil {
		t.Error("second signer still unsigned; third must wait")
	}
	if _, err := doc.RecordSignature(doc.Signers[1].ID, "sha256:sig1", nil, now, "", ""); err != nil {
		t.Fatalf("second signer: %v", err)
	}
	completed, err := doc.RecordSignature(doc.Signers[2].ID, "sha256:sig2", nil, now, "", "")
	if err != nil {
		t.Fatalf("third signer: %v", err)
	}
	if !completed {
		t.Error("final ordered signature should complete the document")
	}
}

func TestParallelSigningAnyOrder(t *testing.T) {
	doc := sendableDocument(t, false, 3)
	sendDocument(t, doc)
	now := time.Now().UTC()

	for _, i := range []int{2, 0, 1} {
		if _, err := doc.RecordSignature(doc.Signers[i].ID, "sha256:sig", nil, now, "", ""); err != nil {
			t.Fatalf("signer %d: %v", i, err)
		}
	}
	if doc.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", doc.Status)
	}
}

func TestMarkViewed(t *testing.T) {
	doc := sendableDocument(t, false, 1)
	signerID := doc.Signers[0].ID

	// Viewing before send is invalid.
	if err := doc.MarkViewed(signerID, time.Now(), "10.0.0.1", "agent"); err == nil {
		t.Error("expected error viewing a draft")
	}

	sendDocument(t, doc)
	now := time.Now().UTC()
	if err := doc.MarkViewed(signerID, now, "10.0.0.1", "agent"); err != nil {
		t.Fatalf("MarkViewed: %v", err)
	}
	signer := doc.Signers[0]
	if signer.Status != SignerViewed {
		t.Errorf("expected viewed, got %s", signer.Status)
	}
	if signer.ViewedAt == nil || signer.IPAddress != "10.0.0.1" || signer.UserAgent != "agent" {
		t.Error("view context not recorded")
	}

	// A second view keeps the original timestamp.
	firstViewed := *signer.ViewedAt
	if err := doc.MarkViewed(signerID, now.Add(time.Hour), "10.0.0.2", "agent"); err != nil {
		t.Fatalf("second MarkViewed: %v", err)
	}
	if !doc.Signers[0].ViewedAt.Equal(firstViewed) {
		t.Error("repeat view must not move ViewedAt")
	}
}

func TestVoidTransitions(t *testing.T) {
	// Draft voids.
	doc := sendableDocument(t, false, 1)
	if err := doc.Void("no longer needed", time.Now()); err != nil {
		t.Fatalf("void draft: %v", err)
	}
	if doc.Status != StatusVoided || doc.VoidedAt == nil {
		t.Error("void state not recorded")
	}

	// Out for signature voids.
	doc = sendableDocument(t, false, 1)
	sendDocument(t, doc)
	if err := doc.Void("terms changed", time.Now()); err != nil {
		t.Fatalf("void sent document: %v", err)
	}

	// Completed does not void.
	doc = sendableDocument(t, false, 1)
	sendDocument(t, doc)
	doc.RecordSignature(doc.Signers[0].ID, "sha256:sig", nil, time.Now().UTC(), "", "")
	if err := doc.Void("too late", time.Now()); err == nil {
		t.Error("expected error voiding a completed document")
	}

	// Signing a voided document fails.
	doc = sendableDocument(t, false, 1)
	sendDocument(t, doc)
	doc.Void("cancelled", time.Now())
	if err := doc.CanSign(doc.Signers[0].ID); err == nil {
		t.Error("expected error signing a voided document")
	}
}

func TestExpire(t *testing.T) {
	doc := sendableDocument(t, false, 2)
	deadline := time.Now().UTC().Add(time.Hour)
	if err := doc.Send(time.Now().UTC(), &deadline); err != nil {
		t.Fatalf("Send: %v", err)
	}
	doc.RecordSignature(doc.Signers[0].ID, "sha256:sig", nil, time.Now().UTC(), "", "")

	// Before the deadline nothing expires.
	if err := doc.Expire(time.Now()); err == nil {
		t.Error("expected error expiring before the deadline")
	}

	after := deadline.Add(time.Minute)
	if !doc.IsExpired(after) {
		t.Error("IsExpired should report true past the deadline")
	}
	if err := doc.Expire(after); err != nil {
		t.Fatalf("Expire: %v", err)
	}
	if doc.Status != StatusExpired {
		t.Errorf("expected expired, got %s", doc.Status)
	}
	if doc.Signers[0].Status != SignerSigned {
		t.Error("signed signer must keep their status on expiry")
	}
	if doc.Signers[1].Status != SignerExpired {
		t.Error("unsigned signer must expire with the document")
	}
}

func TestDeclinePolicies(t *testing.T) {
	// block_signer: only the signer is blocked.
	doc := sendableDocument(t, false, 2)
	sendDocument(t, doc)
	if err := doc.Decline(doc.Signers[0].ID, "disagree with terms", time.Now().UTC(), false); err != nil {
		t.Fatalf("Decline: %v", err)
	}
	if doc.Status != StatusOutForSignature {
		t.Errorf("document should stay out for signature, got %s", doc.Status)
	}
	if doc.Signers[0].Status != SignerDeclined {
		t.Error("signer not marked declined")
	}
	if err := doc.CanSign(doc.Signers[0].ID); err == nil {
		t.Error("declined signer must not sign")
	}
	if err := doc.CanSign(doc.Signers[1].ID); err != nil {
		t.Errorf("other signer should still be able to sign: %v", err)
	}

	// void_document: the whole document voids.
	doc = sendableDocument(t, false, 2)
	sendDocument(t, doc)
	if err := doc.Decline(doc.Signers[0].ID, "wrong counterparty", time.Now().UTC(), true); err != nil {
		t.Fatalf("Decline: %v", err)
	}
	if doc.Status != StatusVoided {
		t.Errorf("expected voided, got %s", doc.Status)
	}
	if doc.VoidReason == "" {
		t.Error("void reason should carry the decline reason")
	}
}

func TestMemoryStoreVersionConflict(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(audit.NewMemoryLog())

	doc := sendableDocument(t, false, 2)
	entry := audit.NewAuditEntry(doc.ID, audit.ActorTypeUser, doc.CreatedBy, audit.ActionDocumentCreated, nil)
	if err := store.Create(ctx, doc, []*audit.AuditEntry{entry}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	first, err := store.Get(ctx, doc.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	second, err := store.Get(ctx, doc.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	sendDocument(t, first)
	if err := store.Update(ctx, first, nil); err != nil {
		t.Fatalf("first update: %v", err)
	}

	sendDocument(t, second)
	err = store.Update(ctx, second, nil)
	if err == nil {
		t.Fatal("expected conflict on stale version")
	}
	if errors.Code(err) != "CONFLICTING_UPDATE" {
		t.Errorf("expected CONFLICTING_UPDATE, got %s", errors.Code(err))
	}
	if !errors.IsRetryable(err) {
		t.Error("version conflicts must be retryable")
	}
}

// TestSingleCompletionWriter drives two stale copies through the final
// signature: only one commit performs the completed transition, the
// other conflicts and observes the already-completed state on re-read.
func TestSingleCompletionWriter(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(audit.NewMemoryLog())

	doc := sendableDocument(t, false, 2)
	sendDocument(t, doc)
	if err := store.Create(ctx, doc, nil); err != nil {
		t.Fatalf("Create: %v", err)
	}

	now := time.Now().UTC()
	copyA, _ := store.Get(ctx, doc.ID)
	copyB, _ := store.Get(ctx, doc.ID)

	if _, err := copyA.RecordSignature(copyA.Signers[0].ID, "sha256:sigA", nil, now, "", ""); err != nil {
		t.Fatalf("copyA sign: %v", err)
	}
	if err := store.Update(ctx, copyA, nil); err != nil {
		t.Fatalf("copyA update: %v", err)
	}

	// copyB signs the other signer on a stale read; from its view the
	// document is now fully signed, but the commit must conflict.
	completed, err := copyB.RecordSignature(copyB.Signers[1].ID, "sha256:sigB", nil, now, "", "")
	if err != nil {
		t.Fatalf("copyB sign: %v", err)
	}
	if completed {
		t.Error("stale copy saw completion it must not commit")
	}
	if err := store.Update(ctx, copyB, nil); errors.Code(err) != "CONFLICTING_UPDATE" {
		t.Fatalf("expected conflict, got %v", err)
	}

	// Retry on a fresh read performs the completion exactly once.
	fresh, _ := store.Get(ctx, doc.ID)
	completed, err = fresh.RecordSignature(fresh.Signers[1].ID, "sha256:sigB", nil, now, "", "")
	if err != nil {
		t.Fatalf("retry sign: %v", err)
	}
	if !completed {
		t.Error("retry should complete the document")
	}
	if err := store.Update(ctx, fresh, nil); err != nil {
		t.Fatalf("retry update: %v", err)
	}

	final, _ := store.Get(ctx, doc.ID)
	if final.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", final.Status)
	}
}

func TestAuditEntriesCommittedWithUpdates(t *testing.T) {
	ctx := context.Background()
	log := audit.NewMemoryLog()
	store := NewMemoryStore(log)

	doc := sendableDocument(t, false, 1)
	created := audit.NewAuditEntry(doc.ID, audit.ActorTypeUser, doc.CreatedBy, audit.ActionDocumentCreated, nil)
	if err := store.Create(ctx, doc, []*audit.AuditEntry{created}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	loaded, _ := store.Get(ctx, doc.ID)
	sendDocument(t, loaded)
	sent := audit.NewAuditEntry(doc.ID, audit.ActorTypeUser, doc.CreatedBy, audit.ActionDocumentSent, nil)
	if err := store.Update(ctx, loaded, []*audit.AuditEntry{sent}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	entries, err := log.Read(ctx, doc.ID, 0, -1)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 audit entries, got %d", len(entries))
	}
	for i, e := range entries {
		if e.Sequence != int64(i) {
			t.Errorf("sequence %d at position %d", e.Sequence, i)
		}
	}
	if entries[0].Action != audit.ActionDocumentCreated || entries[1].Action != audit.ActionDocumentSent {
		t.Error("audit actions out of order")
	}
}
