package retrieval

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hyperjump/kiroku/internal/models"
)

// contentStore persists admitted content blocks in SQLite, keyed by the
// reference id the engine hands back to callers.
type contentStore struct {
	db *sql.DB
}

func newContentStore(dbPath string) (*contentStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	schema := `
	CREATE TABLE IF NOT EXISTS content_blocks (
		id TEXT PRIMARY KEY,
		reference_id TEXT NOT NULL,
		source TEXT NOT NULL,
		block_type TEXT NOT NULL,
		content TEXT,
		block_index INTEGER NOT NULL,
		page_index INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_blocks_reference ON content_blocks(reference_id);
	`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &contentStore{db: db}, nil
}

// insertBlocks writes all blocks for refID in one SQL transaction. Block ids
// are "<refID>_<index>", mirroring the chunk ids the document core records.
func (s *contentStore) insertBlocks(ctx context.Context, refID, source string, blocks []models.ContentBlock) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO content_blocks (id, reference_id, source, block_type, content, block_index, page_index, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for i, b := range blocks {
		id := BlockID(refID, i)
		if _, err := stmt.ExecContext(ctx, id, refID, source, string(b.Type), b.Content(), i, b.PageIndex, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// idsByReference returns the block ids stored under refID in block order.
func (s *contentStore) idsByReference(ctx context.Context, refID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM content_blocks WHERE reference_id = ? ORDER BY block_index`, refID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *contentStore) deleteByReference(ctx context.Context, refID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM content_blocks WHERE reference_id = ?`, refID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *contentStore) countByReference(ctx context.Context, refID string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM content_blocks WHERE reference_id = ?`, refID).Scan(&count)
	return count, err
}

func (s *contentStore) close() error {
	return s.db.Close()
}

// BlockID returns the id of the i-th block admitted under refID.
func BlockID(refID string, i int) string {
	return fmt.Sprintf("%s_%d", refID, i)
}
