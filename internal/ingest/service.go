// Package ingest orchestrates the document lifecycle: upload, process,
// delete, and batch variants. Every write that touches more than one store
// goes through the transaction manager; entity-store reads are direct.
//
// Callers must serialize operations per document id (upload, process, and
// delete for the same id are never concurrent). Operations on different
// documents may run concurrently.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/kiroku/internal/artifact"
	"github.com/hyperjump/kiroku/internal/models"
	"github.com/hyperjump/kiroku/internal/retrieval"
	"github.com/hyperjump/kiroku/internal/store"
	"github.com/hyperjump/kiroku/internal/txn"
)

var (
	// ErrNotFound is returned when the referenced document does not exist.
	ErrNotFound = errors.New("document not found")
	// ErrBusy is returned when the document is already being processed.
	ErrBusy = errors.New("document is already processing")
)

// Parser is the external parsing/extraction engine boundary: given a source
// file it writes an artifact (ordered content blocks) to a discoverable path
// and returns that path. A nil Parser means artifacts are produced out of
// band and only resolved, never created, by this service.
type Parser interface {
	Parse(ctx context.Context, filePath string) (artifactPath string, err error)
}

// Config holds the service's directory layout and worker bound.
type Config struct {
	StateDir    string
	ArtifactDir string
	Workers     int
}

// Service implements the document lifecycle operations.
type Service struct {
	docs    *store.Store[*models.Document]
	tasks   *store.Store[*models.Task]
	batches *store.Store[*models.BatchOperation]
	txm     *txn.Manager
	engine  retrieval.Engine
	parser  Parser // optional
	cfg     Config
	logger  *zap.Logger

	fullContentPath string
	chunksPath      string
}

// NewService creates the ingest service with its dependencies.
func NewService(
	docs *store.Store[*models.Document],
	tasks *store.Store[*models.Task],
	batches *store.Store[*models.BatchOperation],
	txm *txn.Manager,
	engine retrieval.Engine,
	parser Parser,
	cfg Config,
	logger *zap.Logger,
) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Service{
		docs:            docs,
		tasks:           tasks,
		batches:         batches,
		txm:             txm,
		engine:          engine,
		parser:          parser,
		cfg:             cfg,
		logger:          logger,
		fullContentPath: filepath.Join(cfg.StateDir, "full_content.json"),
		chunksPath:      filepath.Join(cfg.StateDir, "chunks.json"),
	}
}

// Documents returns the document store for read access.
func (s *Service) Documents() *store.Store[*models.Document] { return s.docs }

// Tasks returns the task store for read access.
func (s *Service) Tasks() *store.Store[*models.Task] { return s.tasks }

// Batches returns the batch store for read access.
func (s *Service) Batches() *store.Store[*models.BatchOperation] { return s.batches }

// FullContentPath returns the full-content store path.
func (s *Service) FullContentPath() string { return s.fullContentPath }

// ChunksPath returns the chunk store path.
func (s *Service) ChunksPath() string { return s.chunksPath }

// Upload registers a file as a new document in status "uploaded" and creates
// its pending task. Uploading a path whose contents are already registered
// returns the existing document unchanged.
func (s *Service) Upload(ctx context.Context, filePath string) (*models.Document, error) {
	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return nil, fmt.Errorf("absolute path: %w", err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("not a regular file: %s", absPath)
	}
	hash, err := ContentHash(absPath)
	if err != nil {
		return nil, err
	}
	existing := s.docs.Filter(func(d *models.Document) bool {
		return d.FilePath == absPath && d.ContentHash == hash
	})
	if len(existing) > 0 {
		s.logger.Debug("upload skipped, already registered",
			zap.String("path", absPath), zap.String("doc_id", existing[0].ID))
		return existing[0], nil
	}

	now := time.Now().UTC()
	doc := &models.Document{
		ID:          uuid.New().String(),
		FileName:    filepath.Base(absPath),
		FilePath:    absPath,
		FileSize:    info.Size(),
		Status:      models.DocStatusUploaded,
		CreatedAt:   now,
		ContentHash: hash,
	}
	task := &models.Task{
		ID:         uuid.New().String(),
		Status:     models.TaskStatusPending,
		Stage:      "queued",
		DocumentID: doc.ID,
		CreatedAt:  now,
	}
	doc.TaskID = task.ID

	tx, err := s.txm.Begin()
	if err != nil {
		return nil, err
	}
	tx.Log("upload_document", map[string]any{"doc_id": doc.ID, "file": doc.FileName})
	if err := s.stageDocument(tx, doc); err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := s.stageTask(tx, task); err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	s.logger.Info("document uploaded",
		zap.String("doc_id", doc.ID), zap.String("file", doc.FileName), zap.Int64("size", doc.FileSize))
	// The store stamps updated_at on its own copy; hand back that copy.
	if stored, found := s.docs.Get(doc.ID); found {
		return stored, nil
	}
	return doc, nil
}

// Process admits an uploaded document's parsed content: parse artifact in,
// content blocks through the retrieval engine, derived records into the
// full-content and chunk stores, document to "completed". On any failure the
// transaction rolls back and the failure is then recorded on the document
// and task.
func (s *Service) Process(ctx context.Context, docID string) (*models.Document, error) {
	doc, ok := s.docs.Get(docID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, docID)
	}
	if doc.Status == models.DocStatusProcessing {
		return nil, fmt.Errorf("%w: %s", ErrBusy, docID)
	}
	task, _ := s.tasks.Get(doc.TaskID)
	if task == nil {
		task = &models.Task{
			ID:         uuid.New().String(),
			Status:     models.TaskStatusPending,
			DocumentID: doc.ID,
			CreatedAt:  time.Now().UTC(),
		}
		doc.TaskID = task.ID
	}
	// Cancellation is honored only before the transaction begins; once file
	// mutation starts the operation resolves to commit or rollback.
	if err := ctx.Err(); err != nil {
		s.updateTask(task, models.TaskUpdate{
			Status: ptr(models.TaskStatusCancelled),
			Stage:  ptr("cancelled"),
		})
		return nil, err
	}

	tx, err := s.txm.Begin()
	if err != nil {
		return nil, err
	}
	tx.Log("process_document", map[string]any{"doc_id": doc.ID, "file": doc.FileName})

	result, err := s.processInTx(ctx, tx, doc, task)
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("rollback incomplete", zap.String("doc_id", docID), zap.Error(rbErr))
		}
		s.recordFailure(docID, doc.TaskID, err)
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	s.logger.Info("document processed",
		zap.String("doc_id", result.ID), zap.String("ref_id", result.ParsedRefID), zap.Int("chunks", result.ChunkCount))
	return result, nil
}

func (s *Service) processInTx(ctx context.Context, tx *txn.Transaction, doc *models.Document, task *models.Task) (*models.Document, error) {
	working := doc.Clone()
	working.Status = models.DocStatusProcessing
	working.ErrorMessage = ""
	if err := s.stageDocument(tx, working); err != nil {
		return nil, err
	}
	taskWorking := task.Clone()
	taskWorking.Apply(models.TaskUpdate{
		Status:   ptr(models.TaskStatusRunning),
		Stage:    ptr("parse_artifact"),
		Progress: ptr(10),
	})
	if err := s.stageTask(tx, taskWorking); err != nil {
		return nil, err
	}

	artifactPath, err := s.resolveArtifact(ctx, working)
	if err != nil {
		return nil, err
	}
	blocks, err := artifact.Load(artifactPath)
	if err != nil {
		return nil, err
	}
	tx.Log("artifact_loaded", map[string]any{"path": artifactPath, "blocks": len(blocks)})

	taskWorking.Apply(models.TaskUpdate{Stage: ptr("admit_content"), Progress: ptr(40)})
	if err := s.stageTask(tx, taskWorking); err != nil {
		return nil, err
	}
	refID, err := s.engine.InsertContentBlocks(ctx, blocks, working.FileName)
	if err != nil {
		return nil, fmt.Errorf("retrieval engine insert: %w", err)
	}
	// The engine is not file-backed; undo its admission explicitly.
	_ = tx.OnRollback("delete_admitted_content", func() error {
		res, delErr := s.engine.DeleteByReferenceID(context.Background(), refID)
		if delErr != nil {
			return delErr
		}
		if !res.OK() {
			return fmt.Errorf("engine delete failed: %s", res.Message)
		}
		return nil
	})
	tx.Log("content_admitted", map[string]any{"ref_id": refID})

	taskWorking.Apply(models.TaskUpdate{Stage: ptr("persist"), Progress: ptr(70)})
	if err := s.stageTask(tx, taskWorking); err != nil {
		return nil, err
	}
	if err := s.writeDerivedRecords(tx, working.ID, working.FileName, refID, blocks); err != nil {
		return nil, err
	}

	working.Apply(models.DocumentUpdate{
		Status:      ptr(models.DocStatusCompleted),
		ParsedRefID: ptr(refID),
		ChunkCount:  ptr(len(blocks)),
	})
	if err := s.stageDocument(tx, working); err != nil {
		return nil, err
	}
	taskWorking.Apply(models.TaskUpdate{
		Status:   ptr(models.TaskStatusCompleted),
		Stage:    ptr("done"),
		Progress: ptr(100),
	})
	if err := s.stageTask(tx, taskWorking); err != nil {
		return nil, err
	}
	return working, nil
}

// Delete removes a document, its task, its derived records, and its admitted
// content. The engine delete runs as the final step; any earlier failure
// rolls the file stores back before the engine is touched, and an engine
// failure fails the transaction so the stores are restored.
func (s *Service) Delete(ctx context.Context, docID string) error {
	doc, ok := s.docs.Get(docID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, docID)
	}
	tx, err := s.txm.Begin()
	if err != nil {
		return err
	}
	tx.Log("delete_document", map[string]any{"doc_id": doc.ID, "file": doc.FileName})

	if err := s.deleteInTx(ctx, tx, doc); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("rollback incomplete", zap.String("doc_id", docID), zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.logger.Info("document deleted", zap.String("doc_id", docID), zap.String("file", doc.FileName))
	return nil
}

func (s *Service) deleteInTx(ctx context.Context, tx *txn.Transaction, doc *models.Document) error {
	if err := s.removeDerivedRecords(tx, doc.ParsedRefID); err != nil {
		return err
	}
	if err := s.stageDocumentDelete(tx, doc.ID); err != nil {
		return err
	}
	if doc.TaskID != "" {
		if err := s.stageTaskDelete(tx, doc.TaskID); err != nil {
			return err
		}
	}
	// The engine delete cannot be undone, so it must be the last step: once
	// it succeeds nothing after it can fail the transaction.
	if doc.ParsedRefID != "" {
		res, err := s.engine.DeleteByReferenceID(ctx, doc.ParsedRefID)
		if err != nil {
			return fmt.Errorf("retrieval engine delete: %w", err)
		}
		if !res.OK() {
			return fmt.Errorf("retrieval engine delete failed: %s", res.Message)
		}
		tx.Log("content_removed", map[string]any{"ref_id": doc.ParsedRefID})
	}
	return nil
}

// resolveArtifact produces the artifact for doc: via the external parser
// when one is wired, otherwise by resolving a pre-produced artifact on disk.
func (s *Service) resolveArtifact(ctx context.Context, doc *models.Document) (string, error) {
	if s.parser != nil {
		path, err := s.parser.Parse(ctx, doc.FilePath)
		if err != nil {
			return "", fmt.Errorf("parsing engine: %w", err)
		}
		return path, nil
	}
	return artifact.Resolve(s.cfg.ArtifactDir, doc.FileName)
}

// writeDerivedRecords adds the full-content and chunk entries for refID via
// SafeUpdate; backups are registered here on first touch.
func (s *Service) writeDerivedRecords(tx *txn.Transaction, docID, source, refID string, blocks []models.ContentBlock) error {
	if err := tx.Backup(s.fullContentPath); err != nil {
		return err
	}
	if err := tx.Backup(s.chunksPath); err != nil {
		return err
	}
	err := tx.SafeUpdate(s.fullContentPath, func(kv txn.KV) error {
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
	return tx.SafeUpdate(s.chunksPath, func(kv txn.KV) error {
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

// removeDerivedRecords drops every full-content and chunk entry under refID.
// A missing or empty refID still registers the backups so later writes in
// the same transaction stay covered.
func (s *Service) removeDerivedRecords(tx *txn.Transaction, refID string) error {
	if err := tx.Backup(s.fullContentPath); err != nil {
		return err
	}
	if err := tx.Backup(s.chunksPath); err != nil {
		return err
	}
	if refID == "" {
		return nil
	}
	err := tx.SafeUpdate(s.fullContentPath, func(kv txn.KV) error {
		delete(kv, refID)
		return nil
	})
	if err != nil {
		return err
	}
	return tx.SafeUpdate(s.chunksPath, func(kv txn.KV) error {
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

// stageDocument backs up the document snapshot, registers an in-memory undo,
// and applies the upsert through the entity store.
func (s *Service) stageDocument(tx *txn.Transaction, doc *models.Document) error {
	if err := tx.Backup(s.docs.Path()); err != nil {
		return err
	}
	id := doc.ID
	prev, existed := s.docs.Get(id)
	if err := tx.OnRollback("restore_document_record", func() error {
		if existed {
			s.docs.Upsert(prev)
		} else {
			s.docs.Delete(id)
		}
		return nil
	}); err != nil {
		return err
	}
	s.docs.Upsert(doc)
	return nil
}

func (s *Service) stageDocumentDelete(tx *txn.Transaction, id string) error {
	if err := tx.Backup(s.docs.Path()); err != nil {
		return err
	}
	prev, existed := s.docs.Get(id)
	if err := tx.OnRollback("restore_document_record", func() error {
		if existed {
			s.docs.Upsert(prev)
		}
		return nil
	}); err != nil {
		return err
	}
	s.docs.Delete(id)
	return nil
}

func (s *Service) stageTask(tx *txn.Transaction, task *models.Task) error {
	if err := tx.Backup(s.tasks.Path()); err != nil {
		return err
	}
	id := task.ID
	prev, existed := s.tasks.Get(id)
	if err := tx.OnRollback("restore_task_record", func() error {
		if existed {
			s.tasks.Upsert(prev)
		} else {
			s.tasks.Delete(id)
		}
		return nil
	}); err != nil {
		return err
	}
	s.tasks.Upsert(task)
	return nil
}

func (s *Service) stageTaskDelete(tx *txn.Transaction, id string) error {
	if err := tx.Backup(s.tasks.Path()); err != nil {
		return err
	}
	prev, existed := s.tasks.Get(id)
	if err := tx.OnRollback("restore_task_record", func() error {
		if existed {
			s.tasks.Upsert(prev)
		}
		return nil
	}); err != nil {
		return err
	}
	s.tasks.Delete(id)
	return nil
}

// recordFailure marks the document and task failed after a rollback has
// restored the pre-operation state. This follow-up write is how "failed"
// statuses (and hence recoverable documents) come to exist.
func (s *Service) recordFailure(docID, taskID string, cause error) {
	msg := cause.Error()
	if doc, ok := s.docs.Get(docID); ok {
		doc.Apply(models.DocumentUpdate{
			Status:       ptr(models.DocStatusFailed),
			ErrorMessage: ptr(msg),
		})
		s.docs.Upsert(doc)
	}
	if taskID != "" {
		if task, ok := s.tasks.Get(taskID); ok {
			task.Apply(models.TaskUpdate{
				Status:       ptr(models.TaskStatusFailed),
				ErrorMessage: ptr(msg),
			})
			s.tasks.Upsert(task)
		}
	}
	s.logger.Warn("operation failed, state rolled back",
		zap.String("doc_id", docID), zap.String("error", msg))
}

func (s *Service) updateTask(task *models.Task, u models.TaskUpdate) {
	task.Apply(u)
	s.tasks.Upsert(task)
}

func ptr[T any](v T) *T { return &v }
