// Package repair rebuilds recoverable documents from their parse artifacts.
// A repair re-admits the artifact's content blocks under a fresh reference id
// and rewrites the derived records transactionally, so a failed repair leaves
// the document exactly as the scan found it.
package repair

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/kiroku/internal/artifact"
	"github.com/hyperjump/kiroku/internal/consistency"
	"github.com/hyperjump/kiroku/internal/ingest"
	"github.com/hyperjump/kiroku/internal/models"
	"github.com/hyperjump/kiroku/internal/retrieval"
	"github.com/hyperjump/kiroku/internal/txn"
)

// ErrNotRecoverable is returned when no parse artifact exists for the
// document, so nothing can be rebuilt without a full re-parse.
var ErrNotRecoverable = errors.New("document is not recoverable: no parse artifact on disk")

// Engine repairs documents flagged recoverable by the consistency checker.
type Engine struct {
	svc     *ingest.Service
	checker *consistency.Checker
	txm     *txn.Manager
	store   retrieval.Engine
	logger  *zap.Logger
}

// NewEngine creates a repair engine sharing the ingest service's stores and
// transaction manager.
func NewEngine(
	svc *ingest.Service,
	checker *consistency.Checker,
	txm *txn.Manager,
	store retrieval.Engine,
	logger *zap.Logger,
) *Engine {
	return &Engine{svc: svc, checker: checker, txm: txm, store: store, logger: logger}
}

// Repair rebuilds one document from its parse artifact. A document that is
// already consistent is repaired anyway when called directly; stale admitted
// content is removed first, then the artifact is re-admitted under a fresh
// reference id and the document returns to "completed".
func (e *Engine) Repair(ctx context.Context, docID string) (*models.Document, error) {
	report, err := e.checker.Check(ctx, docID)
	if err != nil {
		return nil, err
	}
	if !report.HasArtifact {
		return nil, fmt.Errorf("%w: %s", ErrNotRecoverable, docID)
	}
	blocks, err := artifact.Load(report.ArtifactPath)
	if err != nil {
		return nil, fmt.Errorf("load artifact: %w", err)
	}

	docs := e.svc.Documents()
	doc, ok := docs.Get(docID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ingest.ErrNotFound, docID)
	}

	tx, err := e.txm.Begin()
	if err != nil {
		return nil, err
	}
	tx.Log("repair_document", map[string]any{
		"doc_id": doc.ID, "file": doc.FileName, "artifact": report.ArtifactPath,
	})

	repaired, err := e.repairInTx(ctx, tx, doc, blocks)
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			e.logger.Error("repair rollback incomplete", zap.String("doc_id", docID), zap.Error(rbErr))
		}
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	e.logger.Info("document repaired",
		zap.String("doc_id", repaired.ID),
		zap.String("ref_id", repaired.ParsedRefID),
		zap.Int("chunks", repaired.ChunkCount))
	return repaired, nil
}

func (e *Engine) repairInTx(ctx context.Context, tx *txn.Transaction, doc *models.Document, blocks []models.ContentBlock) (*models.Document, error) {
	fullPath := e.svc.FullContentPath()
	chunksPath := e.svc.ChunksPath()
	if err := tx.Backup(fullPath); err != nil {
		return nil, err
	}
	if err := tx.Backup(chunksPath); err != nil {
		return nil, err
	}

	// Drop whatever survives under the old reference id. A missing reference
	// in the engine is fine; a hard engine failure aborts the repair.
	oldRef := doc.ParsedRefID
	if oldRef != "" {
		res, err := e.store.DeleteByReferenceID(ctx, oldRef)
		if err != nil {
			return nil, fmt.Errorf("retrieval engine delete: %w", err)
		}
		if !res.OK() {
			return nil, fmt.Errorf("retrieval engine delete failed: %s", res.Message)
		}
		if err := e.removeEntries(tx, fullPath, chunksPath, oldRef); err != nil {
			return nil, err
		}
		tx.Log("stale_content_removed", map[string]any{"ref_id": oldRef})
	}

	refID, err := e.store.InsertContentBlocks(ctx, blocks, doc.FileName)
	if err != nil {
		return nil, fmt.Errorf("retrieval engine insert: %w", err)
	}
	_ = tx.OnRollback("delete_readmitted_content", func() error {
		res, delErr := e.store.DeleteByReferenceID(context.Background(), refID)
		if delErr != nil {
			return delErr
		}
		if !res.OK() {
			return fmt.Errorf("engine delete failed: %s", res.Message)
		}
		return nil
	})
	tx.Log("content_readmitted", map[string]any{"ref_id": refID, "blocks": len(blocks)})

	if err := e.writeEntries(tx, fullPath, chunksPath, doc.ID, doc.FileName, refID, blocks); err != nil {
		return nil, err
	}

	working := doc.Clone()
	working.Apply(models.DocumentUpdate{
		Status:       ptr(models.DocStatusCompleted),
		ParsedRefID:  ptr(refID),
		ChunkCount:   ptr(len(blocks)),
		ErrorMessage: ptr(""),
	})
	if err := e.stageDocument(tx, working); err != nil {
		return nil, err
	}
	return working, nil
}

// RepairAll repairs every recoverable document found by a fresh scan, running
// the repairs through the ingest service's batch pool.
func (e *Engine) RepairAll(ctx context.Context) (*models.BatchOperation, error) {
	scan, err := e.checker.Scan(ctx)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, report := range scan.Reports {
		if report.Classification == models.ClassRecoverable {
			ids = append(ids, report.DocID)
		}
	}
	return e.svc.RunBatch(ctx, models.BatchTypeRepair, ids, func(ctx context.Context, id string) (string, error) {
		doc, err := e.Repair(ctx, id)
		if err != nil {
			return id, err
		}
		return doc.ID, nil
	})
}

func (e *Engine) removeEntries(tx *txn.Transaction, fullPath, chunksPath, refID string) error {
	err := tx.SafeUpdate(fullPath, func(kv txn.KV) error {
		delete(kv, refID)
		return nil
	})
	if err != nil {
		return err
	}
	return tx.SafeUpdate(chunksPath, func(kv txn.KV) error {
		for id, raw := range kv {
			var entry models.ChunkEntry
			if uErr := json.Unmarshal(raw, &entry); uErr != nil {
				continue
			}
			if entry.ReferenceID == refID {
				delete(kv, id)
			}
		}
		return nil
	})
}

func (e *Engine) writeEntries(tx *txn.Transaction, fullPath, chunksPath, docID, source, refID string, blocks []models.ContentBlock) error {
	err := tx.SafeUpdate(fullPath, func(kv txn.KV) error {
		data, mErr := json.Marshal(models.FullContentEntry{
			DocumentID: docID,
			Source:     source,
			BlockCount: len(blocks),
			AdmittedAt: time.Now().UTC(),
		})
		if mErr != nil {
			return mErr
		}
		kv[refID] = data
		return nil
	})
	if err != nil {
		return err
	}
	return tx.SafeUpdate(chunksPath, func(kv txn.KV) error {
		for i, b := range blocks {
			data, mErr := json.Marshal(models.ChunkEntry{
				ReferenceID: refID,
				DocumentID:  docID,
				BlockIndex:  i,
				BlockType:   string(b.Type),
			})
			if mErr != nil {
				return mErr
			}
			kv[retrieval.BlockID(refID, i)] = data
		}
		return nil
	})
}

func (e *Engine) stageDocument(tx *txn.Transaction, doc *models.Document) error {
	docs := e.svc.Documents()
	if err := tx.Backup(docs.Path()); err != nil {
		return err
	}
	id := doc.ID
	prev, existed := docs.Get(id)
	if err := tx.OnRollback("restore_document_record", func() error {
		if existed {
			docs.Upsert(prev)
		} else {
			docs.Delete(id)
		}
		return nil
	}); err != nil {
		return err
	}
	docs.Upsert(doc)
	return nil
}

func ptr[T any](v T) *T { return &v }
