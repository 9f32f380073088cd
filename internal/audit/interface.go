package audit

import (
	"context"

	"github.com/signato/platform/internal/shared/types"
)

// Log defines append-only audit storage. Entries for one document form a
// dense, hash-chained sequence; the log never mutates or deletes entries.
type Log interface {
	// Append seals the entry onto the document's chain and persists it
	Append(ctx context.Context, entry *AuditEntry) error

	// Read returns entries for a document ordered by sequence.
	// from is inclusive; to is exclusive, with to < 0 meaning unbounded.
	Read(ctx context.Context, documentID types.ID, from, to int64) ([]AuditEntry, error)

	// Head returns the last sequence and hash of a document's chain.
	// An empty chain returns sequence -1 and an empty hash.
	Head(ctx context.Context, documentID types.ID) (int64, string, error)

	// VerifyChain verifies content hashes, linkage and sequence density
	VerifyChain(ctx context.Context, documentID types.ID) (*VerifyResult, error)

	// Checkpoint operations
	SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error
	LatestCheckpoint(ctx context.Context, documentID types.ID) (*Checkpoint, error)
	ListCheckpoints(ctx context.Context, documentID types.ID, limit int) ([]Checkpoint, error)
}

// Ensure implementations satisfy the interface
var (
	_ Log = (*Repository)(nil)
	_ Log = (*MemoryLog)(nil)
)
