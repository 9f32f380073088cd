package audit

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/signato/platform/internal/shared/types"
)

func appendN(t *testing.T, log *MemoryLog, documentID types.ID, actions ...string) {
	t.Helper()
	for _, action := range actions {
		entry := NewAuditEntry(documentID, ActorTypeUser, types.NewID(), action, map[string]any{"action": action})
		if err := log.Append(context.Background(), entry); err != nil {
			t.Fatalf("append %s: %v", action, err)
		}
	}
}

func TestAppendAssignsDenseSequences(t *testing.T) {
	log := NewMemoryLog()
	docID := types.NewID()
	appendN(t, log, docID, ActionDocumentCreated, ActionSignerAdded, ActionFieldAdded, ActionDocumentSent)

	entries, err := log.Read(context.Background(), docID, 0, -1)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(entries))
	}
	for i, e := range entries {
		if e.Sequence != int64(i) {
			t.Errorf("entry %d has sequence %d", i, e.Sequence)
		}
		if i > 0 && e.PrevHash != entries[i-1].Hash {
			t.Errorf("entry %d prev_hash does not match entry %d hash", i, i-1)
		}
		if !e.VerifyHash() {
			t.Errorf("entry %d hash does not verify", i)
		}
	}
}

func TestSequencesIndependentPerDocument(t *testing.T) {
	log := NewMemoryLog()
	docA := types.NewID()
	docB := types.NewID()
	appendN(t, log, docA, ActionDocumentCreated, ActionDocumentSent)
	appendN(t, log, docB, ActionDocumentCreated)

	seqA, _, _ := log.Head(context.Background(), docA)
	seqB, _, _ := log.Head(context.Background(), docB)
	if seqA != 1 || seqB != 0 {
		t.Errorf("expected heads 1 and 0, got %d and %d", seqA, seqB)
	}
}

func TestReadRange(t *testing.T) {
	log := NewMemoryLog()
	docID := types.NewID()
	appendN(t, log, docID, ActionDocumentCreated, ActionSignerAdded, ActionDocumentSent, ActionDocumentViewed, ActionDocumentSigned)

	tests := []struct {
		name string
		from int64
		to   int64
		want int
	}{
		{"all", 0, -1, 5},
		{"middle", 1, 4, 3},
		{"tail", 3, -1, 2},
		{"empty", 5, -1, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := log.Read(context.Background(), docID, tt.from, tt.to)
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if len(entries) != tt.want {
				t.Errorf("expected %d entries, got %d", tt.want, len(entries))
			}
		})
	}
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	log := NewMemoryLog()
	docID := types.NewID()
	appendN(t, log, docID, ActionDocumentCreated, ActionSignerAdded, ActionDocumentSent)

	result, err := log.VerifyChain(context.Background(), docID)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !result.Valid {
		t.Fatalf("untampered chain should verify: %v", result.Violations)
	}

	log.Tamper(docID, 1, map[string]any{"action": "forged"})

	result, err = log.VerifyChain(context.Background(), docID)
	if err != nil {
		t.Fatalf("verify after tamper: %v", err)
	}
	if result.Valid {
		t.Fatal("tampered chain should not verify")
	}
	if result.ContentInvalid == 0 {
		t.Error("expected a content violation")
	}
}

// stubWitness hashes its input as the proof.
type stubWitness struct {
	stamped int
}

func (w *stubWitness) Stamp(ctx context.Context, digest []byte) ([]byte, error) {
	w.stamped++
	sum := sha256.Sum256(digest)
	return sum[:], nil
}

func (w *stubWitness) Verify(ctx context.Context, token []byte, digest []byte) error {
	sum := sha256.Sum256(digest)
	if !bytes.Equal(token, sum[:]) {
		return fmt.Errorf("proof mismatch")
	}
	return nil
}

func TestCheckpointRoundTrip(t *testing.T) {
	log := NewMemoryLog()
	docID := types.NewID()
	appendN(t, log, docID, ActionDocumentCreated, ActionDocumentSent)

	witness := &stubWitness{}
	service := NewCheckpointService(log, witness)

	checkpoint, err := service.Create(context.Background(), docID)
	if err != nil {
		t.Fatalf("create checkpoint: %v", err)
	}
	if checkpoint.UptoSequence != 1 {
		t.Errorf("expected checkpoint at sequence 1, got %d", checkpoint.UptoSequence)
	}
	if witness.stamped != 1 {
		t.Errorf("expected one witness stamp, got %d", witness.stamped)
	}

	if _, err := service.Verify(context.Background(), docID); err != nil {
		t.Fatalf("verify checkpoint: %v", err)
	}
}

func TestCheckpointDetectsRewrittenHistory(t *testing.T) {
	log := NewMemoryLog()
	docID := types.NewID()
	appendN(t, log, docID, ActionDocumentCreated, ActionDocumentSent)

	service := NewCheckpointService(log, &stubWitness{})
	if _, err := service.Create(context.Background(), docID); err != nil {
		t.Fatalf("create checkpoint: %v", err)
	}

	// Rewrite the head entry and re-seal its stored hash, simulating an
	// attacker with write access to the log who keeps the chain
	// self-consistent.
	log.mu.Lock()
	chain := log.chains[docID]
	chain[1].Details = map[string]any{"rewritten": true}
	chain[1].Hash = chain[1].calculateHash()
	log.mu.Unlock()

	if _, err := service.Verify(context.Background(), docID); err == nil {
		t.Fatal("expected checkpoint verification to fail after history rewrite")
	}
}

func TestCheckpointRequiresEntries(t *testing.T) {
	log := NewMemoryLog()
	service := NewCheckpointService(log, nil)
	if _, err := service.Create(context.Background(), types.NewID()); err == nil {
		t.Fatal("expected error for empty chain")
	}
}

// fakeStore backs a Querier with an in-memory chain, standing in for
// the database under a transaction that may never commit.
type fakeStore struct {
	entries []fakeEntry
}

type fakeEntry struct {
	documentID types.ID
	sequence   int64
	hash       string
}

type fakeRow func(dest ...any) error

func (f fakeRow) Scan(dest ...any) error { return f(dest...) }

func (f *fakeStore) clone() *fakeStore {
	return &fakeStore{entries: append([]fakeEntry(nil), f.entries...)}
}

func (f *fakeStore) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if strings.Contains(sql, "INSERT") {
		e := fakeEntry{
			documentID: args[1].(types.ID),
			sequence:   args[2].(int64),
			hash:       args[7].(string),
		}
		f.entries = append(f.entries, e)
		return fakeRow(func(dest ...any) error {
			*dest[0].(*int64) = e.sequence
			return nil
		})
	}
	docID := args[0].(types.ID)
	for i := len(f.entries) - 1; i >= 0; i-- {
		if f.entries[i].documentID == docID {
			e := f.entries[i]
			return fakeRow(func(dest ...any) error {
				*dest[0].(*int64) = e.sequence
				*dest[1].(*string) = e.hash
				return nil
			})
		}
	}
	return fakeRow(func(dest ...any) error { return pgx.ErrNoRows })
}

func TestRolledBackTxDoesNotPoisonChainHead(t *testing.T) {
	repo := NewRepository(nil)
	db := &fakeStore{}
	ctx := context.Background()
	docID := types.NewID()

	committed := NewAuditEntry(docID, ActorTypeUser, types.NewID(), ActionDocumentCreated, nil)
	if err := repo.AppendInTx(ctx, db, committed); err != nil {
		t.Fatalf("append: %v", err)
	}

	// A transaction seals an entry and then rolls back: its insert never
	// reaches the durable store.
	tx := db.clone()
	discarded := NewAuditEntry(docID, ActorTypeUser, types.NewID(), ActionDocumentSent, nil)
	if err := repo.AppendInTx(ctx, tx, discarded); err != nil {
		t.Fatalf("append in tx: %v", err)
	}

	next := NewAuditEntry(docID, ActorTypeUser, types.NewID(), ActionDocumentVoided, nil)
	if err := repo.AppendInTx(ctx, db, next); err != nil {
		t.Fatalf("append after rollback: %v", err)
	}
	if next.Sequence != committed.Sequence+1 {
		t.Errorf("sequence = %d, want %d; rolled-back entry advanced the chain head",
			next.Sequence, committed.Sequence+1)
	}
	if next.PrevHash != committed.Hash {
		t.Error("prev_hash references an entry that was never persisted")
	}
}
