package delegation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS delegation_meta (
    task_id TEXT PRIMARY KEY,
    status TEXT NOT NULL CHECK (status IN ('active', 'delegated', 'completed')),
    awaiting_child_id TEXT,
    delegated_to_id TEXT,
    child_ids TEXT NOT NULL DEFAULT '[]',
    completed_by_child_id TEXT,
    completion_result_summary TEXT,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_delegation_updated_at ON delegation_meta(updated_at DESC);
`

// NewSQLiteStore opens (or creates) the delegation database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Load(ctx context.Context, taskID string) (*Meta, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT task_id, status, COALESCE(awaiting_child_id, ''), COALESCE(delegated_to_id, ''), child_ids,
		       COALESCE(completed_by_child_id, ''), COALESCE(completion_result_summary, ''), updated_at
		FROM delegation_meta WHERE task_id = ?`, taskID)
	return scanMeta(row)
}

func (s *SQLiteStore) Save(ctx context.Context, meta *Meta) error {
	childIDs, err := json.Marshal(meta.ChildIDs)
	if err != nil {
		return fmt.Errorf("marshal child ids: %w", err)
	}
	if meta.UpdatedAt.IsZero() {
		meta.UpdatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO delegation_meta
			(task_id, status, awaiting_child_id, delegated_to_id, child_ids, completed_by_child_id, completion_result_summary, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			status = excluded.status,
			awaiting_child_id = excluded.awaiting_child_id,
			delegated_to_id = excluded.delegated_to_id,
			child_ids = excluded.child_ids,
			completed_by_child_id = excluded.completed_by_child_id,
			completion_result_summary = excluded.completion_result_summary,
			updated_at = excluded.updated_at`,
		meta.TaskID, string(meta.Status), nullable(meta.AwaitingChildID), nullable(meta.DelegatedToID), string(childIDs),
		nullable(meta.CompletedByChildID), nullable(meta.CompletionResultSummary), meta.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save delegation meta: %w", err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]*Meta, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, status, COALESCE(awaiting_child_id, ''), COALESCE(delegated_to_id, ''), child_ids,
		       COALESCE(completed_by_child_id, ''), COALESCE(completion_result_summary, ''), updated_at
		FROM delegation_meta ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list delegation meta: %w", err)
	}
	defer rows.Close()

	var out []*Meta
	for rows.Next() {
		meta, err := scanMeta(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, meta)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMeta(row rowScanner) (*Meta, error) {
	var meta Meta
	var status, childIDs string
	err := row.Scan(&meta.TaskID, &status, &meta.AwaitingChildID, &meta.DelegatedToID, &childIDs,
		&meta.CompletedByChildID, &meta.CompletionResultSummary, &meta.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan delegation meta: %w", err)
	}
	meta.Status = Status(status)
	if err := json.Unmarshal([]byte(childIDs), &meta.ChildIDs); err != nil {
		return nil, fmt.Errorf("parse child ids: %w", err)
	}
	return &meta, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
