package retrieval

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/kiroku/internal/models"
)

// LocalEngine implements Engine on local storage: block content in SQLite,
// keyword index in Bleve. Either store failing surfaces as an error so the
// calling transaction rolls back.
type LocalEngine struct {
	store  *contentStore
	index  *keywordIndex
	logger *zap.Logger // optional
}

// LocalOption configures a LocalEngine.
type LocalOption func(*LocalEngine)

// WithLogger sets a logger for admit/delete diagnostics.
func WithLogger(l *zap.Logger) LocalOption {
	return func(e *LocalEngine) { e.logger = l }
}

// NewLocalEngine opens or creates the engine's SQLite database and Bleve
// index at the given paths.
func NewLocalEngine(dbPath, indexPath string, opts ...LocalOption) (*LocalEngine, error) {
	store, err := newContentStore(dbPath)
	if err != nil {
		return nil, err
	}
	index, err := newKeywordIndex(indexPath)
	if err != nil {
		_ = store.close()
		return nil, err
	}
	e := &LocalEngine{store: store, index: index}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// InsertContentBlocks admits blocks under a fresh reference id. If keyword
// indexing fails after the database insert, the inserted rows are removed
// again so a failed admission leaves no trace.
func (e *LocalEngine) InsertContentBlocks(ctx context.Context, blocks []models.ContentBlock, sourceName string) (string, error) {
	if len(blocks) == 0 {
		return "", fmt.Errorf("no content blocks for %s", sourceName)
	}
	refID := uuid.New().String()
	if err := e.store.insertBlocks(ctx, refID, sourceName, blocks); err != nil {
		return "", fmt.Errorf("failed to store content blocks: %w", err)
	}
	docs := make(map[string]blockDoc, len(blocks))
	for i, b := range blocks {
		docs[BlockID(refID, i)] = blockDoc{
			ReferenceID: refID,
			Source:      sourceName,
			BlockType:   string(b.Type),
			Content:     b.Content(),
		}
	}
	if err := e.index.indexBatch(docs); err != nil {
		if _, delErr := e.store.deleteByReference(ctx, refID); delErr != nil && e.logger != nil {
			e.logger.Error("failed to undo block insert after index failure",
				zap.String("reference_id", refID), zap.Error(delErr))
		}
		return "", fmt.Errorf("failed to index content blocks: %w", err)
	}
	if e.logger != nil {
		e.logger.Debug("content blocks admitted",
			zap.String("reference_id", refID), zap.String("source", sourceName), zap.Int("blocks", len(blocks)))
	}
	return refID, nil
}

// DeleteByReferenceID removes all blocks under refID from both stores.
func (e *LocalEngine) DeleteByReferenceID(ctx context.Context, refID string) (DeleteResult, error) {
	ids, err := e.store.idsByReference(ctx, refID)
	if err != nil {
		return DeleteResult{Status: DeleteFailure, Message: err.Error()}, fmt.Errorf("failed to look up reference: %w", err)
	}
	if len(ids) == 0 {
		return DeleteResult{Status: DeleteNotFound, Message: "reference id not found"}, nil
	}
	if err := e.index.deleteBatch(ids); err != nil {
		return DeleteResult{Status: DeleteFailure, Message: err.Error()}, fmt.Errorf("failed to delete from index: %w", err)
	}
	n, err := e.store.deleteByReference(ctx, refID)
	if err != nil {
		return DeleteResult{Status: DeleteFailure, Message: err.Error()}, fmt.Errorf("failed to delete blocks: %w", err)
	}
	if e.logger != nil {
		e.logger.Debug("reference deleted", zap.String("reference_id", refID), zap.Int64("blocks", n))
	}
	return DeleteResult{Status: DeleteSuccess, Message: fmt.Sprintf("deleted %d blocks", n)}, nil
}

// BlockCount returns the number of blocks held under refID.
func (e *LocalEngine) BlockCount(ctx context.Context, refID string) (int64, error) {
	return e.store.countByReference(ctx, refID)
}

// IndexedBlocks returns the total number of blocks in the keyword index.
func (e *LocalEngine) IndexedBlocks() (uint64, error) {
	return e.index.docCount()
}

// Close closes the underlying database and index.
func (e *LocalEngine) Close() error {
	idxErr := e.index.close()
	dbErr := e.store.close()
	if idxErr != nil {
		return idxErr
	}
	return dbErr
}
