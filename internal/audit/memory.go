package audit

import (
	"context"
	"sort"
	"sync"

	"github.com/signato/platform/internal/shared/errors"
	"github.com/signato/platform/internal/shared/types"
)

// MemoryLog is an in-memory audit log for development and tests.
type MemoryLog struct {
	mu          sync.Mutex
	chains      map[types.ID][]AuditEntry
	checkpoints map[types.ID][]Checkpoint

	// FailAppends makes every Append fail, for fail-closed tests.
	FailAppends bool
}

// NewMemoryLog creates an in-memory audit log
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		chains:      make(map[types.ID][]AuditEntry),
		checkpoints: make(map[types.ID][]Checkpoint),
	}
}

// Append seals the entry onto the document's chain
func (l *MemoryLog) Append(ctx context.Context, entry *AuditEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.FailAppends {
		return errors.Internal(errors.ErrIntegrity)
	}

	chain := l.chains[entry.DocumentID]
	prevHash := ""
	if len(chain) > 0 {
		prevHash = chain[len(chain)-1].Hash
	}
	entry.seal(int64(len(chain)), prevHash)

	l.chains[entry.DocumentID] = append(chain, *entry)
	return nil
}

// Read returns entries for a document ordered by sequence
func (l *MemoryLog) Read(ctx context.Context, documentID types.ID, from, to int64) ([]AuditEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	chain := l.chains[documentID]
	var result []AuditEntry
	for _, e := range chain {
		if e.Sequence < from {
			continue
		}
		if to >= 0 && e.Sequence >= to {
			continue
		}
		result = append(result, e)
	}
	return result, nil
}

// Head returns the last sequence and hash of a document's chain
func (l *MemoryLog) Head(ctx context.Context, documentID types.ID) (int64, string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	chain := l.chains[documentID]
	if len(chain) == 0 {
		return -1, "", nil
	}
	last := chain[len(chain)-1]
	return last.Sequence, last.Hash, nil
}

// VerifyChain verifies the integrity of one document's chain
func (l *MemoryLog) VerifyChain(ctx context.Context, documentID types.ID) (*VerifyResult, error) {
	entries, err := l.Read(ctx, documentID, 0, -1)
	if err != nil {
		return nil, err
	}
	return verifyEntries(entries), nil
}

// Tamper overwrites a stored entry's details, for integrity tests.
func (l *MemoryLog) Tamper(documentID types.ID, sequence int64, details map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	chain := l.chains[documentID]
	for i := range chain {
		if chain[i].Sequence == sequence {
			chain[i].Details = details
		}
	}
}

// SaveCheckpoint stores a witnessed checkpoint
func (l *MemoryLog) SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.checkpoints[checkpoint.DocumentID] = append(l.checkpoints[checkpoint.DocumentID], *checkpoint)
	return nil
}

// LatestCheckpoint returns the most recent checkpoint for a document
func (l *MemoryLog) LatestCheckpoint(ctx context.Context, documentID types.ID) (*Checkpoint, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cps := l.checkpoints[documentID]
	if len(cps) == 0 {
		return nil, errors.NotFound("checkpoint", documentID.String())
	}
	latest := cps[0]
	for _, cp := range cps[1:] {
		if cp.UptoSequence > latest.UptoSequence {
			latest = cp
		}
	}
	return &latest, nil
}

// ListCheckpoints returns checkpoints for a document, newest first
func (l *MemoryLog) ListCheckpoints(ctx context.Context, documentID types.ID, limit int) ([]Checkpoint, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cps := append([]Checkpoint(nil), l.checkpoints[documentID]...)
	sort.Slice(cps, func(i, j int) bool { return cps[i].UptoSequence > cps[j].UptoSequence })
	if limit > 0 && len(cps) > limit {
		cps = cps[:limit]
	}
	return cps, nil
}
