package audit

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/signato/platform/internal/shared/errors"
	"github.com/signato/platform/internal/shared/metrics"
	"github.com/signato/platform/internal/shared/types"
)

// chainHead tracks the tail of one document's chain.
type chainHead struct {
	sequence int64
	hash     string
}

// Repository provides append-only audit log operations on PostgreSQL.
// Chain heads are cached per document and guarded by a mutex so appends
// to the same document serialize in-process; the unique (document_id,
// sequence) constraint guards against concurrent writers elsewhere.
type Repository struct {
	pool  *pgxpool.Pool
	mu    sync.Mutex
	heads map[types.ID]chainHead
}

// NewRepository creates a new audit repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{
		pool:  pool,
		heads: make(map[types.ID]chainHead),
	}
}

// Querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Append appends a new audit entry (thread-safe)
func (r *Repository) Append(ctx context.Context, entry *AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	head, err := r.headLocked(ctx, r.pool, entry.DocumentID)
	if err != nil {
		return err
	}
	if err := r.sealAndInsert(ctx, r.pool, entry, head); err != nil {
		return err
	}
	r.heads[entry.DocumentID] = chainHead{sequence: entry.Sequence, hash: entry.Hash}
	return nil
}

// AppendInTx appends an entry inside an open transaction so the audit
// write commits atomically with the document write that prompted it.
// The head is read through the transaction and the cache entry is
// dropped rather than advanced: the transaction can still roll back,
// and a cached head pointing at an unpersisted entry would break chain
// density on the next append.
func (r *Repository) AppendInTx(ctx context.Context, tx Querier, entry *AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.heads, entry.DocumentID)
	head, err := r.loadHead(ctx, tx, entry.DocumentID)
	if err != nil {
		return err
	}
	return r.sealAndInsert(ctx, tx, entry, head)
}

func (r *Repository) sealAndInsert(ctx context.Context, q Querier, entry *AuditEntry, head chainHead) error {
	entry.seal(head.sequence+1, head.hash)

	detailsJSON, err := json.Marshal(entry.Details)
	if err != nil {
		return errors.Wrap(err, "failed to marshal audit details")
	}

	if err := insertEntry(ctx, q, entry, detailsJSON); err != nil {
		return errors.Wrap(err, "failed to append audit entry")
	}

	metrics.RecordAuditEntry()
	return nil
}

func insertEntry(ctx context.Context, q Querier, entry *AuditEntry, detailsJSON []byte) error {
	var seq int64
	return q.QueryRow(ctx, `
		INSERT INTO audit.entries (
			id, document_id, sequence, event_type, actor_id, actor_type,
			payload, hash, prev_hash, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING sequence`,
		entry.ID, entry.DocumentID, entry.Sequence, entry.Action,
		nullableID(entry.ActorID), entry.ActorType,
		detailsJSON, entry.Hash, entry.PrevHash, entry.Timestamp,
	).Scan(&seq)
}

func nullableID(id types.ID) any {
	if id.IsZero() {
		return nil
	}
	return id
}

// headLocked returns the cached chain head, loading it from the database
// on first use for a document.
func (r *Repository) headLocked(ctx context.Context, q Querier, documentID types.ID) (chainHead, error) {
	if head, ok := r.heads[documentID]; ok {
		return head, nil
	}
	head, err := r.loadHead(ctx, q, documentID)
	if err != nil {
		return head, err
	}
	r.heads[documentID] = head
	return head, nil
}

// loadHead reads the chain tail through q without touching the cache,
// so transactional reads never leak uncommitted state.
func (r *Repository) loadHead(ctx context.Context, q Querier, documentID types.ID) (chainHead, error) {
	head := chainHead{sequence: -1}
	var seq int64
	var hash string
	err := q.QueryRow(ctx, `
		SELECT sequence, hash FROM audit.entries
		WHERE document_id = $1
		ORDER BY sequence DESC
		LIMIT 1`, documentID).Scan(&seq, &hash)
	if err != nil {
		if !strings.Contains(err.Error(), "no rows") {
			return head, errors.Wrap(err, "failed to load audit chain head")
		}
		return head, nil
	}
	return chainHead{sequence: seq, hash: hash}, nil
}

// Head returns the last sequence and hash of a document's chain
func (r *Repository) Head(ctx context.Context, documentID types.ID) (int64, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	head, err := r.headLocked(ctx, r.pool, documentID)
	if err != nil {
		return -1, "", err
	}
	return head.sequence, head.hash, nil
}

// Read returns entries for a document ordered by sequence
func (r *Repository) Read(ctx context.Context, documentID types.ID, from, to int64) ([]AuditEntry, error) {
	query := `
		SELECT id, document_id, sequence, event_type, actor_id, actor_type,
			payload, hash, prev_hash, created_at
		FROM audit.entries
		WHERE document_id = $1 AND sequence >= $2`
	args := []any{documentID, from}
	if to >= 0 {
		query += " AND sequence < $3"
		args = append(args, to)
	}
	query += " ORDER BY sequence ASC"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read audit entries")
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var actorID *types.ID
		var detailsJSON []byte

		err := rows.Scan(
			&e.ID, &e.DocumentID, &e.Sequence, &e.Action, &actorID, &e.ActorType,
			&detailsJSON, &e.Hash, &e.PrevHash, &e.Timestamp,
		)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan audit entry")
		}
		if actorID != nil {
			e.ActorID = *actorID
		}
		if len(detailsJSON) > 0 {
			if err := json.Unmarshal(detailsJSON, &e.Details); err != nil {
				e.Details = nil
			}
		}

		entries = append(entries, e)
	}

	return entries, nil
}

// VerifyChain verifies the integrity of one document's audit chain
func (r *Repository) VerifyChain(ctx context.Context, documentID types.ID) (*VerifyResult, error) {
	entries, err := r.Read(ctx, documentID, 0, -1)
	if err != nil {
		return nil, err
	}
	return verifyEntries(entries), nil
}

// SaveCheckpoint persists a witnessed checkpoint
func (r *Repository) SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO audit.checkpoints (id, document_id, upto_sequence, head_hash, tst_token, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		checkpoint.ID, checkpoint.DocumentID, checkpoint.UptoSequence,
		checkpoint.HeadHash, checkpoint.Token, checkpoint.CreatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to save checkpoint")
	}
	return nil
}

// LatestCheckpoint returns the most recent checkpoint for a document
func (r *Repository) LatestCheckpoint(ctx context.Context, documentID types.ID) (*Checkpoint, error) {
	var cp Checkpoint
	err := r.pool.QueryRow(ctx, `
		SELECT id, document_id, upto_sequence, head_hash, tst_token, created_at
		FROM audit.checkpoints
		WHERE document_id = $1
		ORDER BY upto_sequence DESC
		LIMIT 1`, documentID).Scan(
		&cp.ID, &cp.DocumentID, &cp.UptoSequence, &cp.HeadHash, &cp.Token, &cp.CreatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "no rows") {
			return nil, errors.NotFound("checkpoint", documentID.String())
		}
		return nil, errors.Wrap(err, "failed to load checkpoint")
	}
	return &cp, nil
}

// ListCheckpoints returns checkpoints for a document, newest first
func (r *Repository) ListCheckpoints(ctx context.Context, documentID types.ID, limit int) ([]Checkpoint, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, document_id, upto_sequence, head_hash, tst_token, created_at
		FROM audit.checkpoints
		WHERE document_id = $1
		ORDER BY upto_sequence DESC
		LIMIT $2`, documentID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list checkpoints")
	}
	defer rows.Close()

	var checkpoints []Checkpoint
	for rows.Next() {
		var cp Checkpoint
		if err := rows.Scan(&cp.ID, &cp.DocumentID, &cp.UptoSequence, &cp.HeadHash, &cp.Token, &cp.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan checkpoint")
		}
		checkpoints = append(checkpoints, cp)
	}
	return checkpoints, nil
}
