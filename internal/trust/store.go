package trust

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/signato/platform/internal/shared/errors"
)

// PostgresListStore persists trust lists in PostgreSQL.
type PostgresListStore struct {
	pool *pgxpool.Pool
}

// NewPostgresListStore creates a PostgreSQL trust list store
func NewPostgresListStore(pool *pgxpool.Pool) *PostgresListStore {
	return &PostgresListStore{pool: pool}
}

// Save upserts a territory's raw list
func (s *PostgresListStore) Save(ctx context.Context, territory string, rawXML []byte, fetchedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO trust.lists (territory, raw_xml, fetched_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (territory) DO UPDATE SET raw_xml = EXCLUDED.raw_xml, fetched_at = EXCLUDED.fetched_at`,
		territory, rawXML, fetchedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to persist trust list")
	}
	return nil
}

// LoadAll returns every persisted list keyed by territory
func (s *PostgresListStore) LoadAll(ctx context.Context) (map[string]StoredList, error) {
	rows, err := s.pool.Query(ctx, `SELECT territory, raw_xml, fetched_at FROM trust.lists`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load trust lists")
	}
	defer rows.Close()

	result := make(map[string]StoredList)
	for rows.Next() {
		var list StoredList
		if err := rows.Scan(&list.Territory, &list.RawXML, &list.FetchedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan trust list")
		}
		result[list.Territory] = list
	}
	return result, nil
}

var _ ListStore = (*PostgresListStore)(nil)

// MemoryListStore keeps trust lists in memory.
type MemoryListStore struct {
	mu    sync.RWMutex
	lists map[string]StoredList
}

// NewMemoryListStore creates an in-memory trust list store
func NewMemoryListStore() *MemoryListStore {
	return &MemoryListStore{lists: make(map[string]StoredList)}
}

// Save upserts a territory's raw list
func (s *MemoryListStore) Save(ctx context.Context, territory string, rawXML []byte, fetchedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists[territory] = StoredList{Territory: territory, RawXML: rawXML, FetchedAt: fetchedAt}
	return nil
}

// LoadAll returns every persisted list keyed by territory
func (s *MemoryListStore) LoadAll(ctx context.Context) (map[string]StoredList, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make(map[string]StoredList, len(s.lists))
	for k, v := range s.lists {
		result[k] = v
	}
	return result, nil
}

var _ ListStore = (*MemoryListStore)(nil)
