package signature

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/signato/platform/internal/shared/errors"
	"github.com/signato/platform/internal/shared/types"
)

// Store persists signature metadata. The full record lives in the
// object store; rows here carry the pointer and the query surface.
type Store interface {
	Save(ctx context.Context, sig *StoredSignature) error
	ListByDocument(ctx context.Context, documentID types.ID) ([]*StoredSignature, error)
	GetBySigner(ctx context.Context, documentID, signerID types.ID) (*StoredSignature, error)
}

// Repository is the PostgreSQL signature metadata store.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL signature store
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Save inserts a signature metadata row
func (r *Repository) Save(ctx context.Context, sig *StoredSignature) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO documents.signatures
			(id, document_id, signer_id, format, profile, envelope_ref,
			 certificate_fingerprint, signed_at, timestamped_at, tsa_name, validation_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		sig.ID.String(), sig.DocumentID.String(), sig.SignerID.String(),
		sig.Format, sig.Profile, sig.EnvelopeRef, sig.CertFingerprint,
		sig.SignedAt, sig.TimestampedAt, nullableString(sig.TSAName), nullableString(sig.ValidationStatus),
	)
	if err != nil {
		return errors.Wrap(err, "failed to save signature")
	}
	return nil
}

// ListByDocument returns signatures of a document, oldest first
func (r *Repository) ListByDocument(ctx context.Context, documentID types.ID) ([]*StoredSignature, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, document_id, signer_id, format, profile, envelope_ref,
		       certificate_fingerprint, signed_at, timestamped_at, tsa_name, validation_status
		FROM documents.signatures
		WHERE document_id = $1
		ORDER BY signed_at`,
		documentID.String(),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list signatures")
	}
	defer rows.Close()

	var sigs []*StoredSignature
	for rows.Next() {
		sig, err := scanSignature(rows)
		if err != nil {
			return nil, err
		}
		sigs = append(sigs, sig)
	}
	return sigs, nil
}

// GetBySigner returns a signer's signature on a document
func (r *Repository) GetBySigner(ctx context.Context, documentID, signerID types.ID) (*StoredSignature, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, document_id, signer_id, format, profile, envelope_ref,
		       certificate_fingerprint, signed_at, timestamped_at, tsa_name, validation_status
		FROM documents.signatures
		WHERE document_id = $1 AND signer_id = $2`,
		documentID.String(), signerID.String(),
	)
	sig, err := scanSignature(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errors.NotFound("signature", signerID.String())
		}
		return nil, err
	}
	return sig, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSignature(row rowScanner) (*StoredSignature, error) {
	var sig StoredSignature
	var id, documentID, signerID string
	var tsaName, validationStatus *string
	err := row.Scan(&id, &documentID, &signerID, &sig.Format, &sig.Profile,
		&sig.EnvelopeRef, &sig.CertFingerprint, &sig.SignedAt,
		&sig.TimestampedAt, &tsaName, &validationStatus)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, err
		}
		return nil, errors.Wrap(err, "failed to scan signature")
	}
	sig.ID = types.ID(id)
	sig.DocumentID = types.ID(documentID)
	sig.SignerID = types.ID(signerID)
	if tsaName != nil {
		sig.TSAName = *tsaName
	}
	if validationStatus != nil {
		sig.ValidationStatus = *validationStatus
	}
	return &sig, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

var _ Store = (*Repository)(nil)

// MemoryStore keeps signature metadata in memory.
type MemoryStore struct {
	mu   sync.RWMutex
	sigs []*StoredSignature
}

// NewMemoryStore creates an in-memory signature store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Save appends a signature metadata row
func (s *MemoryStore) Save(ctx context.Context, sig *StoredSignature) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *sig
	s.sigs = append(s.sigs, &copied)
	return nil
}

// ListByDocument returns signatures of a document, oldest first
func (s *MemoryStore) ListByDocument(ctx context.Context, documentID types.ID) ([]*StoredSignature, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*StoredSignature
	for _, sig := range s.sigs {
		if sig.DocumentID == documentID {
			copied := *sig
			result = append(result, &copied)
		}
	}
	return result, nil
}

// GetBySigner returns a signer's signature on a document
func (s *MemoryStore) GetBySigner(ctx context.Context, documentID, signerID types.ID) (*StoredSignature, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sig := range s.sigs {
		if sig.DocumentID == documentID && sig.SignerID == signerID {
			copied := *sig
			return &copied, nil
		}
	}
	return nil, errors.NotFound("signature", signerID.String())
}

var _ Store = (*MemoryStore)(nil)
