package authz

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/signato/platform/internal/shared/errors"
	"github.com/signato/platform/internal/shared/types"
)

// PostgresTupleStore persists relationship tuples in PostgreSQL.
type PostgresTupleStore struct {
	pool *pgxpool.Pool
}

// NewPostgresTupleStore creates a PostgreSQL tuple store
func NewPostgresTupleStore(pool *pgxpool.Pool) *PostgresTupleStore {
	return &PostgresTupleStore{pool: pool}
}

// Write stores a tuple, idempotently
func (s *PostgresTupleStore) Write(ctx context.Context, tuple Tuple) error {
	createdAt := tuple.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO authz.tuples (object_type, object_id, relation, subject_type, subject_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT DO NOTHING`,
		tuple.Object.Type, tuple.Object.ID.String(), tuple.Relation,
		tuple.Subject.Type, tuple.Subject.ID.String(), createdAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to write relationship tuple")
	}
	return nil
}

// Delete removes a tuple
func (s *PostgresTupleStore) Delete(ctx context.Context, tuple Tuple) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM authz.tuples
		WHERE object_type = $1 AND object_id = $2 AND relation = $3
		  AND subject_type = $4 AND subject_id = $5`,
		tuple.Object.Type, tuple.Object.ID.String(), tuple.Relation,
		tuple.Subject.Type, tuple.Subject.ID.String(),
	)
	if err != nil {
		return errors.Wrap(err, "failed to delete relationship tuple")
	}
	return nil
}

func scanTuples(rows interface {
	Next() bool
	Scan(dest ...any) error
	Close()
}) ([]Tuple, error) {
	defer rows.Close()
	var tuples []Tuple
	for rows.Next() {
		var t Tuple
		var objectID, subjectID string
		if err := rows.Scan(&t.Object.Type, &objectID, &t.Relation, &t.Subject.Type, &subjectID, &t.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan tuple")
		}
		t.Object.ID = types.ID(objectID)
		t.Subject.ID = types.ID(subjectID)
		tuples = append(tuples, t)
	}
	return tuples, nil
}

// ListBySubject returns all tuples where the subject appears
func (s *PostgresTupleStore) ListBySubject(ctx context.Context, subject Subject) ([]Tuple, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT object_type, object_id, relation, subject_type, subject_id, created_at
		FROM authz.tuples
		WHERE subject_type = $1 AND subject_id = $2`,
		subject.Type, subject.ID.String(),
	)
	if err != nil {
		return nil, errors.DependencyUnavailable("relationship store", err)
	}
	return scanTuples(rows)
}

// ListByObject returns all tuples on an object
func (s *PostgresTupleStore) ListByObject(ctx context.Context, object Object) ([]Tuple, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT object_type, object_id, relation, subject_type, subject_id, created_at
		FROM authz.tuples
		WHERE object_type = $1 AND object_id = $2`,
		object.Type, object.ID.String(),
	)
	if err != nil {
		return nil, errors.DependencyUnavailable("relationship store", err)
	}
	return scanTuples(rows)
}

// ListObjects returns object ids of a type where the subject holds any
// of the relations
func (s *PostgresTupleStore) ListObjects(ctx context.Context, subject Subject, relations []Relation, objectType ObjectType) ([]types.ID, error) {
	if len(relations) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(relations))
	args := []any{subject.Type, subject.ID.String(), objectType}
	for i, r := range relations {
		placeholders[i] = fmt.Sprintf("$%d", i+4)
		args = append(args, r)
	}

	query := fmt.Sprintf(`
		SELECT DISTINCT object_id
		FROM authz.tuples
		WHERE subject_type = $1 AND subject_id = $2 AND object_type = $3
		  AND relation IN (%s)`, strings.Join(placeholders, ", "))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.DependencyUnavailable("relationship store", err)
	}
	defer rows.Close()

	var ids []types.ID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan object id")
		}
		ids = append(ids, types.ID(id))
	}
	return ids, nil
}

var _ TupleStore = (*PostgresTupleStore)(nil)

// PostgresAttributeStore persists object attributes in PostgreSQL.
type PostgresAttributeStore struct {
	pool *pgxpool.Pool
}

// NewPostgresAttributeStore creates a PostgreSQL attribute store
func NewPostgresAttributeStore(pool *pgxpool.Pool) *PostgresAttributeStore {
	return &PostgresAttributeStore{pool: pool}
}

// Set records an attribute value, upserting on conflict
func (s *PostgresAttributeStore) Set(ctx context.Context, object Object, key, value string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO authz.attributes (object_type, object_id, attr_key, attr_value)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (object_type, object_id, attr_key) DO UPDATE SET attr_value = EXCLUDED.attr_value`,
		object.Type, object.ID.String(), key, value,
	)
	if err != nil {
		return errors.Wrap(err, "failed to set attribute")
	}
	return nil
}

// GetAll returns all attributes of an object
func (s *PostgresAttributeStore) GetAll(ctx context.Context, object Object) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT attr_key, attr_value FROM authz.attributes
		WHERE object_type = $1 AND object_id = $2`,
		object.Type, object.ID.String(),
	)
	if err != nil {
		return nil, errors.DependencyUnavailable("attribute store", err)
	}
	defer rows.Close()

	attrs := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, errors.Wrap(err, "failed to scan attribute")
		}
		attrs[k] = v
	}
	return attrs, nil
}

var _ AttributeStore = (*PostgresAttributeStore)(nil)
