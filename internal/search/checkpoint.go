package search

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/akriventsev/shopflow/framework/adapters/repository"
	"github.com/akriventsev/shopflow/framework/core"
)

// Checkpoint прогресс прогона reindex.
// RunID идентифицирует прогон (event_id события ProductsReindex),
// LastID последний записанный в индекс товар.
type Checkpoint struct {
	Name      string
	RunID     string
	LastID    string
	StartedAt time.Time
	Indexed   int64
}

// CheckpointStore хранит checkpoints reindex
type CheckpointStore interface {
	Load(ctx context.Context, name string) (core.Option[Checkpoint], error)
	Save(ctx context.Context, cp Checkpoint) error
	Delete(ctx context.Context, name string) error
}

// MemoryCheckpointStore CheckpointStore в памяти
type MemoryCheckpointStore struct {
	checkpoints map[string]Checkpoint
	mu          sync.RWMutex
}

// NewMemoryCheckpointStore создает пустое хранилище
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{checkpoints: make(map[string]Checkpoint)}
}

// Load реализует CheckpointStore
func (s *MemoryCheckpointStore) Load(ctx context.Context, name string) (core.Option[Checkpoint], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if cp, ok := s.checkpoints[name]; ok {
		return core.Some(cp), nil
	}
	return core.None[Checkpoint](), nil
}

// Save реализует CheckpointStore
func (s *MemoryCheckpointStore) Save(ctx context.Context, cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[cp.Name] = cp
	return nil
}

// Delete реализует CheckpointStore
func (s *MemoryCheckpointStore) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, name)
	return nil
}

// PostgresCheckpointStore CheckpointStore поверх таблицы reindex_checkpoints
type PostgresCheckpointStore struct {
	pool *pgxpool.Pool
}

// NewPostgresCheckpointStore создает хранилище
func NewPostgresCheckpointStore(pool *pgxpool.Pool) *PostgresCheckpointStore {
	return &PostgresCheckpointStore{pool: pool}
}

// Load реализует CheckpointStore
func (s *PostgresCheckpointStore) Load(ctx context.Context, name string) (core.Option[Checkpoint], error) {
	cp := Checkpoint{Name: name}
	err := s.pool.QueryRow(ctx,
		`SELECT run_id, last_id, started_at, indexed FROM reindex_checkpoints WHERE name = $1`, name,
	).Scan(&cp.RunID, &cp.LastID, &cp.StartedAt, &cp.Indexed)
	if repository.IsNoRows(err) {
		return core.None[Checkpoint](), nil
	}
	if err != nil {
		return core.None[Checkpoint](), repository.ClassifyPgError(err, "failed to load checkpoint "+name)
	}
	cp.StartedAt = cp.StartedAt.UTC()
	return core.Some(cp), nil
}

// Save реализует CheckpointStore
func (s *PostgresCheckpointStore) Save(ctx context.Context, cp Checkpoint) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO reindex_checkpoints (name, run_id, last_id, started_at, indexed, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (name) DO UPDATE
		SET run_id = EXCLUDED.run_id, last_id = EXCLUDED.last_id,
		    started_at = EXCLUDED.started_at, indexed = EXCLUDED.indexed, updated_at = NOW()`,
		cp.Name, cp.RunID, cp.LastID, cp.StartedAt, cp.Indexed,
	)
	return repository.ClassifyPgError(err, "failed to save checkpoint "+cp.Name)
}

// Delete реализует CheckpointStore
func (s *PostgresCheckpointStore) Delete(ctx context.Context, name string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM reindex_checkpoints WHERE name = $1`, name)
	return repository.ClassifyPgError(err, "failed to delete checkpoint "+name)
}
