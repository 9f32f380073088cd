package document

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/signato/platform/internal/audit"
	"github.com/signato/platform/internal/shared/errors"
	"github.com/signato/platform/internal/shared/types"
)

// Store persists document aggregates. Update applies an optimistic
// version check and commits the given audit entries atomically with the
// aggregate write; a failed audit append rolls the whole update back.
type Store interface {
	Create(ctx context.Context, d *Document, entries []*audit.AuditEntry) error
	Get(ctx context.Context, id types.ID) (*Document, error)
	Update(ctx context.Context, d *Document, entries []*audit.AuditEntry) error
	List(ctx context.Context, filter ListFilter) ([]*Document, error)
	// ListExpired returns documents out for signature whose deadline
	// passed, for the expiry sweep.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]types.ID, error)
}

// Repository is the PostgreSQL document store.
type Repository struct {
	pool *pgxpool.Pool
	log  *audit.Repository
}

// NewRepository creates a PostgreSQL document store
func NewRepository(pool *pgxpool.Pool, log *audit.Repository) *Repository {
	return &Repository{pool: pool, log: log}
}

// Create persists a new aggregate with its audit entries
func (r *Repository) Create(ctx context.Context, d *Document, entries []*audit.AuditEntry) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO documents.documents (
			id, title, status, version, ordered, format, profile,
			content_ref, content_digest, created_by,
			created_at, updated_at, sent_at, completed_at,
			voided_at, void_reason, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		d.ID, d.Title, d.Status, d.Version, d.Ordered, d.Format, d.Profile,
		d.ContentRef, d.ContentDigest, d.CreatedBy,
		d.CreatedAt, d.UpdatedAt, d.SentAt, d.CompletedAt,
		d.VoidedAt, nullIfEmpty(d.VoidReason), d.ExpiresAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return errors.Conflict("document already exists")
		}
		return errors.Wrap(err, "failed to save document")
	}

	if err := r.writeChildren(ctx, tx, d); err != nil {
		return err
	}
	for _, entry := range entries {
		if err := r.log.AppendInTx(ctx, tx, entry); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}
	return nil
}

// Update persists the aggregate under the optimistic version check.
// RowsAffected zero with an existing row means someone else got there
// first; the caller re-reads and retries.
func (r *Repository) Update(ctx context.Context, d *Document, entries []*audit.AuditEntry) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	result, err := tx.Exec(ctx, `
		UPDATE documents.documents SET
			title = $3, status = $4, version = version + 1,
			content_ref = $5, content_digest = $6,
			updated_at = $7, sent_at = $8, completed_at = $9,
			voided_at = $10, void_reason = $11, expires_at = $12
		WHERE id = $1 AND version = $2`,
		d.ID, d.Version,
		d.Title, d.Status,
		d.ContentRef, d.ContentDigest,
		d.UpdatedAt, d.SentAt, d.CompletedAt,
		d.VoidedAt, nullIfEmpty(d.VoidReason), d.ExpiresAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update document")
	}
	if result.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM documents.documents WHERE id = $1)`, d.ID,
		).Scan(&exists); err != nil {
			return errors.Wrap(err, "failed to check document existence")
		}
		if !exists {
			return errors.NotFound("document", d.ID.String())
		}
		return errors.ConflictingUpdate("document", d.ID.String())
	}

	if err := r.writeChildren(ctx, tx, d); err != nil {
		return err
	}
	for _, entry := range entries {
		if err := r.log.AppendInTx(ctx, tx, entry); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}
	d.Version++
	return nil
}

// writeChildren upserts the signer and field rows of the aggregate.
func (r *Repository) writeChildren(ctx context.Context, tx pgx.Tx, d *Document) error {
	for i := range d.Signers {
		s := &d.Signers[i]
		_, err := tx.Exec(ctx, `
			INSERT INTO documents.signers (
				id, document_id, email, name, order_index, status,
				signed_at, viewed_at, declined_at, decline_reason,
				ip_address, user_agent, artifact_ref, link_nonce, last_notified_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			ON CONFLICT (id) DO UPDATE SET
				email = EXCLUDED.email, name = EXCLUDED.name,
				order_index = EXCLUDED.order_index, status = EXCLUDED.status,
				signed_at = EXCLUDED.signed_at, viewed_at = EXCLUDED.viewed_at,
				declined_at = EXCLUDED.declined_at, decline_reason = EXCLUDED.decline_reason,
				ip_address = EXCLUDED.ip_address, user_agent = EXCLUDED.user_agent,
				artifact_ref = EXCLUDED.artifact_ref, link_nonce = EXCLUDED.link_nonce,
				last_notified_at = EXCLUDED.last_notified_at`,
			s.ID, s.DocumentID, s.Email, s.Name, s.Order, s.Status,
			s.SignedAt, s.ViewedAt, s.DeclinedAt, nullIfEmpty(s.DeclineReason),
			nullIfEmpty(s.IPAddress), nullIfEmpty(s.UserAgent),
			nullIfEmpty(s.ArtifactRef), s.LinkNonce, s.LastNotifiedAt,
		)
		if err != nil {
			return errors.Wrap(err, "failed to save signer")
		}
	}

	for i := range d.Fields {
		f := &d.Fields[i]
		_, err := tx.Exec(ctx, `
			INSERT INTO documents.fields (
				id, document_id, signer_id, kind, page,
				pos_x, pos_y, width, height, required, value, signed_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (id) DO UPDATE SET
				value = EXCLUDED.value, signed_at = EXCLUDED.signed_at,
				page = EXCLUDED.page, pos_x = EXCLUDED.pos_x, pos_y = EXCLUDED.pos_y,
				width = EXCLUDED.width, height = EXCLUDED.height,
				required = EXCLUDED.required`,
			f.ID, f.DocumentID, f.SignerID, f.Kind, f.Page,
			f.X, f.Y, f.Width, f.Height, f.Required, nullIfEmpty(f.Value), f.SignedAt,
		)
		if err != nil {
			return errors.Wrap(err, "failed to save field")
		}
	}
	return nil
}

// Get loads an aggregate with its signers and fields
func (r *Repository) Get(ctx context.Context, id types.ID) (*Document, error) {
	d := &Document{}
	var voidReason *string
	err := r.pool.QueryRow(ctx, `
		SELECT id, title, status, version, ordered, format, profile,
			content_ref, content_digest, created_by,
			created_at, updated_at, sent_at, completed_at,
			voided_at, void_reason, expires_at
		FROM documents.documents
		WHERE id = $1`, id,
	).Scan(
		&d.ID, &d.Title, &d.Status, &d.Version, &d.Ordered, &d.Format, &d.Profile,
		&d.ContentRef, &d.ContentDigest, &d.CreatedBy,
		&d.CreatedAt, &d.UpdatedAt, &d.SentAt, &d.CompletedAt,
		&d.VoidedAt, &voidReason, &d.ExpiresAt,
	)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("document", id.String())
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load document")
	}
	if voidReason != nil {
		d.VoidReason = *voidReason
	}

	if d.Signers, err = r.loadSigners(ctx, id); err != nil {
		return nil, err
	}
	if d.Fields, err = r.loadFields(ctx, id); err != nil {
		return nil, err
	}
	return d, nil
}

func (r *Repository) loadSigners(ctx context.Context, documentID types.ID) ([]Signer, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, document_id, email, name, order_index, status,
			signed_at, viewed_at, declined_at, decline_reason,
			ip_address, user_agent, artifact_ref, link_nonce, last_notified_at
		FROM documents.signers
		WHERE document_id = $1
		ORDER BY order_index, email`, documentID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load signers")
	}
	defer rows.Close()

	var signers []Signer
	for rows.Next() {
		var s Signer
		var declineReason, ip, userAgent, artifactRef *string
		err := rows.Scan(
			&s.ID, &s.DocumentID, &s.Email, &s.Name, &s.Order, &s.Status,
			&s.SignedAt, &s.ViewedAt, &s.DeclinedAt, &declineReason,
			&ip, &userAgent, &artifactRef, &s.LinkNonce, &s.LastNotifiedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan signer")
		}
		s.DeclineReason = deref(declineReason)
		s.IPAddress = deref(ip)
		s.UserAgent = deref(userAgent)
		s.ArtifactRef = deref(artifactRef)
		signers = append(signers, s)
	}
	return signers, nil
}

func (r *Repository) loadFields(ctx context.Context, documentID types.ID) ([]Field, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, document_id, signer_id, kind, page,
			pos_x, pos_y, width, height, required, value, signed_at
		FROM documents.fields
		WHERE document_id = $1
		ORDER BY page, pos_y, pos_x`, documentID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load fields")
	}
	defer rows.Close()

	var fields []Field
	for rows.Next() {
		var f Field
		var value *string
		err := rows.Scan(
			&f.ID, &f.DocumentID, &f.SignerID, &f.Kind, &f.Page,
			&f.X, &f.Y, &f.Width, &f.Height, &f.Required, &value, &f.SignedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan field")
		}
		f.Value = deref(value)
		fields = append(fields, f)
	}
	return fields, nil
}

// List returns matching documents without their signers and fields
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]*Document, error) {
	var conditions []string
	var args []any
	argNum := 1

	if len(filter.IDs) > 0 {
		placeholders := make([]string, len(filter.IDs))
		for i, id := range filter.IDs {
			placeholders[i] = fmt.Sprintf("$%d", argNum)
			args = append(args, id)
			argNum++
		}
		conditions = append(conditions, fmt.Sprintf("id IN (%s)", strings.Join(placeholders, ", ")))
	}
	if filter.Status != nil {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argNum))
		args = append(args, *filter.Status)
		argNum++
	}
	if filter.CreatedBy != nil {
		conditions = append(conditions, fmt.Sprintf("created_by = $%d", argNum))
		args = append(args, *filter.CreatedBy)
		argNum++
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	limit := 50
	if filter.Limit > 0 && filter.Limit <= 200 {
		limit = filter.Limit
	}
	args = append(args, limit, filter.Offset)

	rows, err := r.pool.Query(ctx, fmt.Sprintf(`
		SELECT id, title, status, version, ordered, format, profile,
			content_ref, content_digest, created_by,
			created_at, updated_at, sent_at, completed_at,
			voided_at, void_reason, expires_at
		FROM documents.documents
		%s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d`, whereClause, argNum, argNum+1), args...,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list documents")
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		d := &Document{}
		var voidReason *string
		err := rows.Scan(
			&d.ID, &d.Title, &d.Status, &d.Version, &d.Ordered, &d.Format, &d.Profile,
			&d.ContentRef, &d.ContentDigest, &d.CreatedBy,
			&d.CreatedAt, &d.UpdatedAt, &d.SentAt, &d.CompletedAt,
			&d.VoidedAt, &voidReason, &d.ExpiresAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan document")
		}
		if voidReason != nil {
			d.VoidReason = *voidReason
		}
		docs = append(docs, d)
	}
	return docs, nil
}

// ListExpired returns documents out for signature past their deadline
func (r *Repository) ListExpired(ctx context.Context, now time.Time, limit int) ([]types.ID, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id FROM documents.documents
		WHERE status = $1 AND expires_at IS NOT NULL AND expires_at < $2
		ORDER BY expires_at
		LIMIT $3`,
		StatusOutForSignature, now, limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list expired documents")
	}
	defer rows.Close()

	var ids []types.ID
	for rows.Next() {
		var id types.ID
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan document id")
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

var _ Store = (*Repository)(nil)

// MemoryStore keeps aggregates in memory with the same optimistic
// version semantics as the PostgreSQL store.
type MemoryStore struct {
	mu   sync.Mutex
	docs map[types.ID]*Document
	log  audit.Log
}

// NewMemoryStore creates an in-memory document store
func NewMemoryStore(log audit.Log) *MemoryStore {
	return &MemoryStore{docs: make(map[types.ID]*Document), log: log}
}

// Create persists a new aggregate with its audit entries
func (s *MemoryStore) Create(ctx context.Context, d *Document, entries []*audit.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.docs[d.ID]; exists {
		return errors.Conflict("document already exists")
	}
	for _, entry := range entries {
		if err := s.log.Append(ctx, entry); err != nil {
			return err
		}
	}
	s.docs[d.ID] = clone(d)
	return nil
}

// Get loads a deep copy of the aggregate
func (s *MemoryStore) Get(ctx context.Context, id types.ID) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.docs[id]
	if !ok {
		return nil, errors.NotFound("document", id.String())
	}
	return clone(d), nil
}

// Update persists the aggregate under the optimistic version check
func (s *MemoryStore) Update(ctx context.Context, d *Document, entries []*audit.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.docs[d.ID]
	if !ok {
		return errors.NotFound("document", d.ID.String())
	}
	if current.Version != d.Version {
		return errors.ConflictingUpdate("document", d.ID.String())
	}
	for _, entry := range entries {
		if err := s.log.Append(ctx, entry); err != nil {
			return err
		}
	}

	d.Version++
	s.docs[d.ID] = clone(d)
	return nil
}

// List returns matching documents
func (s *MemoryStore) List(ctx context.Context, filter ListFilter) ([]*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idSet := make(map[types.ID]bool, len(filter.IDs))
	for _, id := range filter.IDs {
		idSet[id] = true
	}

	var docs []*Document
	for _, d := range s.docs {
		if len(filter.IDs) > 0 && !idSet[d.ID] {
			continue
		}
		if filter.Status != nil && d.Status != *filter.Status {
			continue
		}
		if filter.CreatedBy != nil && d.CreatedBy != *filter.CreatedBy {
			continue
		}
		docs = append(docs, clone(d))
	}
	return docs, nil
}

// ListExpired returns documents out for signature past their deadline
func (s *MemoryStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]types.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []types.ID
	for _, d := range s.docs {
		if d.Status == StatusOutForSignature && d.IsExpired(now) {
			ids = append(ids, d.ID)
			if limit > 0 && len(ids) >= limit {
				break
			}
		}
	}
	return ids, nil
}

// clone deep-copies an aggregate through JSON. LinkNonce is excluded
// from the JSON surface, so it is carried over explicitly.
func clone(d *Document) *Document {
	data, _ := json.Marshal(d)
	var copied Document
	_ = json.Unmarshal(data, &copied)
	for i := range d.Signers {
		if i < len(copied.Signers) {
			copied.Signers[i].LinkNonce = d.Signers[i].LinkNonce
		}
	}
	return &copied
}

var _ Store = (*MemoryStore)(nil)
