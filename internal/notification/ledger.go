package notification

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/signato/platform/internal/shared/errors"
	"github.com/signato/platform/internal/shared/types"
)

// zeroSignerID keys owner-directed messages in the ledger, which is
// scoped per signer for signer-directed ones.
const zeroSignerID = types.ID("00000000-0000-0000-0000-000000000000")

// Ledger records which (document, signer, event) messages have been
// delivered, so redeliveries from the at-least-once bus do not mail
// anyone twice.
type Ledger interface {
	// Delivered reports whether the message was already delivered
	Delivered(ctx context.Context, documentID, signerID types.ID, eventType string) (bool, error)

	// MarkDelivered records a delivery. Returns false if another
	// delivery won the race.
	MarkDelivered(ctx context.Context, documentID, signerID types.ID, eventType string) (bool, error)
}

// PostgresLedger persists deliveries in notifications.ledger.
type PostgresLedger struct {
	pool *pgxpool.Pool
}

// NewPostgresLedger creates a ledger over a connection pool
func NewPostgresLedger(pool *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{pool: pool}
}

// Delivered reports whether the message was already delivered
func (l *PostgresLedger) Delivered(ctx context.Context, documentID, signerID types.ID, eventType string) (bool, error) {
	var exists bool
	err := l.pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM notifications.ledger
			WHERE document_id = $1 AND signer_id = $2 AND event_type = $3
		)`, documentID, normalizeSigner(signerID), eventType).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "failed to read notification ledger")
	}
	return exists, nil
}

// MarkDelivered records a delivery
func (l *PostgresLedger) MarkDelivered(ctx context.Context, documentID, signerID types.ID, eventType string) (bool, error) {
	tag, err := l.pool.Exec(ctx, `
		INSERT INTO notifications.ledger (document_id, signer_id, event_type)
		VALUES ($1, $2, $3)
		ON CONFLICT (document_id, signer_id, event_type) DO NOTHING`,
		documentID, normalizeSigner(signerID), eventType)
	if err != nil {
		return false, errors.Wrap(err, "failed to write notification ledger")
	}
	return tag.RowsAffected() > 0, nil
}

// MemoryLedger is an in-memory ledger for development and tests.
type MemoryLedger struct {
	mu        sync.Mutex
	delivered map[string]bool
}

// NewMemoryLedger creates an in-memory ledger
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{delivered: make(map[string]bool)}
}

// Delivered reports whether the message was already delivered
func (l *MemoryLedger) Delivered(ctx context.Context, documentID, signerID types.ID, eventType string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.delivered[ledgerKey(documentID, signerID, eventType)], nil
}

// MarkDelivered records a delivery
func (l *MemoryLedger) MarkDelivered(ctx context.Context, documentID, signerID types.ID, eventType string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := ledgerKey(documentID, signerID, eventType)
	if l.delivered[key] {
		return false, nil
	}
	l.delivered[key] = true
	return true, nil
}

func ledgerKey(documentID, signerID types.ID, eventType string) string {
	return documentID.String() + "|" + normalizeSigner(signerID).String() + "|" + eventType
}

func normalizeSigner(signerID types.ID) types.ID {
	if signerID.IsZero() {
		return zeroSignerID
	}
	return signerID
}
