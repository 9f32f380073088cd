package objectstore

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/signato/platform/internal/shared/errors"
)

// PostgresStore persists blobs in PostgreSQL, keyed by content digest.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a PostgreSQL-backed blob store
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Put stores content; identical content is a no-op via ON CONFLICT
func (s *PostgresStore) Put(ctx context.Context, content []byte, mediaType string) (Ref, error) {
	ref := NewRef(content)

	_, err := s.pool.Exec(ctx, `
		INSERT INTO objectstore.blobs (digest, content, media_type, size_bytes)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (digest) DO NOTHING`,
		ref.String(), content, mediaType, len(content),
	)
	if err != nil {
		return "", errors.Wrap(err, "failed to store object")
	}
	return ref, nil
}

// Get returns the content for a ref
func (s *PostgresStore) Get(ctx context.Context, ref Ref) ([]byte, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}

	var content []byte
	err := s.pool.QueryRow(ctx,
		`SELECT content FROM objectstore.blobs WHERE digest = $1`,
		ref.String(),
	).Scan(&content)
	if err != nil {
		if strings.Contains(err.Error(), "no rows") {
			return nil, errors.NotFound("object", ref.String())
		}
		return nil, errors.Wrap(err, "failed to load object")
	}
	return content, nil
}

// Stat returns blob metadata without the content
func (s *PostgresStore) Stat(ctx context.Context, ref Ref) (*Object, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}

	obj := &Object{Ref: ref}
	err := s.pool.QueryRow(ctx,
		`SELECT media_type, size_bytes, created_at FROM objectstore.blobs WHERE digest = $1`,
		ref.String(),
	).Scan(&obj.MediaType, &obj.Size, &obj.CreatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "no rows") {
			return nil, errors.NotFound("object", ref.String())
		}
		return nil, errors.Wrap(err, "failed to stat object")
	}
	return obj, nil
}

var _ Store = (*PostgresStore)(nil)
