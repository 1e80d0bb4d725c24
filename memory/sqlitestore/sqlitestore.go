// Package sqlitestore implements the memory.Controller contract on SQLite,
// for single-node deployments that want durability without a Redis
// dependency. The schema is created automatically on open.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/evenscribe/umem-gateway/memory"
)

// Store implements memory.Controller using SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ memory.Controller = (*Store)(nil)

// New opens (or creates) the database at path and ensures the schema exists.
// Parent directories are created if needed.
func New(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			tenant TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_memories_tenant_created
			ON memories(tenant, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) Add(ctx context.Context, tenant, content string) (*memory.Record, error) {
	if strings.TrimSpace(content) == "" {
		return nil, memory.ErrInvalidArgument
	}

	now := s.now().UTC()
	rec := memory.Record{
		ID:        uuid.NewString(),
		Tenant:    tenant,
		Content:   content,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memories (id, tenant, content, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.Tenant, rec.Content, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return nil, storeErr("insert record", err)
	}
	return &rec, nil
}

func (s *Store) GetAll(ctx context.Context, tenant string) ([]memory.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant, content, created_at, updated_at
		 FROM memories WHERE tenant = ?
		 ORDER BY created_at DESC, id`,
		tenant,
	)
	if err != nil {
		return nil, storeErr("query records", err)
	}
	defer rows.Close()

	out := []memory.Record{}
	for rows.Next() {
		var rec memory.Record
		if err := rows.Scan(&rec.ID, &rec.Tenant, &rec.Content, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, storeErr("scan record", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate records", err)
	}
	return out, nil
}

func (s *Store) Search(ctx context.Context, tenant, query string) ([]memory.Record, error) {
	// Candidate filtering happens in SQL only for the tenant; relevance
	// ranking is shared with the other backends.
	all, err := s.GetAll(ctx, tenant)
	if err != nil {
		return nil, err
	}
	return memory.Rank(all, query), nil
}

func (s *Store) Update(ctx context.Context, tenant, id, content string) (*memory.Record, error) {
	if strings.TrimSpace(content) == "" {
		return nil, memory.ErrInvalidArgument
	}

	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE memories SET content = ?, updated_at = ? WHERE id = ? AND tenant = ?`,
		content, now, id, tenant,
	)
	if err != nil {
		return nil, storeErr("update record", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, storeErr("update record", err)
	}
	if affected == 0 {
		return nil, memory.ErrNotFound
	}

	var rec memory.Record
	err = s.db.QueryRowContext(ctx,
		`SELECT id, tenant, content, created_at, updated_at FROM memories WHERE id = ? AND tenant = ?`,
		id, tenant,
	).Scan(&rec.ID, &rec.Tenant, &rec.Content, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, memory.ErrNotFound
		}
		return nil, storeErr("load record", err)
	}
	return &rec, nil
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", memory.ErrUnavailable, op, err)
}
