package ingest

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/kiroku/internal/models"
)

// BatchUpload uploads each path and records the per-item outcomes in a
// BatchOperation. Items run concurrently on the service's worker pool;
// duplicate paths are dropped up front, so different items never target the
// same document and the per-document serialization precondition holds.
func (s *Service) BatchUpload(ctx context.Context, paths []string) (*models.BatchOperation, error) {
	return s.runBatch(ctx, models.BatchTypeUpload, uniquePaths(paths), func(ctx context.Context, path string) (string, error) {
		doc, err := s.Upload(ctx, path)
		if err != nil {
			return "", err
		}
		return doc.ID, nil
	})
}

// uniquePaths drops duplicate paths, comparing absolute forms so the same
// file spelled two ways still counts once. Order is preserved.
func uniquePaths(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		key := p
		if abs, err := filepath.Abs(p); err == nil {
			key = abs
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, p)
	}
	return out
}

// BatchProcess processes each document id and records per-item outcomes.
func (s *Service) BatchProcess(ctx context.Context, docIDs []string) (*models.BatchOperation, error) {
	return s.runBatch(ctx, models.BatchTypeProcess, docIDs, func(ctx context.Context, id string) (string, error) {
		doc, err := s.Process(ctx, id)
		if err != nil {
			return id, err
		}
		return doc.ID, nil
	})
}

// RunBatch executes fn for every item on a bounded worker pool, keeping the
// batch record's counters monotonically non-decreasing until terminal. It is
// exported so the repair engine can run batch repairs through the same pool.
func (s *Service) RunBatch(
	ctx context.Context,
	opType models.BatchOperationType,
	items []string,
	fn func(ctx context.Context, item string) (docID string, err error),
) (*models.BatchOperation, error) {
	return s.runBatch(ctx, opType, items, fn)
}

func (s *Service) runBatch(
	ctx context.Context,
	opType models.BatchOperationType,
	items []string,
	fn func(ctx context.Context, item string) (docID string, err error),
) (*models.BatchOperation, error) {
	batch := &models.BatchOperation{
		ID:         uuid.New().String(),
		Type:       opType,
		Status:     models.BatchStatusPending,
		TotalItems: len(items),
		Items:      make([]models.BatchItemResult, len(items)),
		CreatedAt:  time.Now().UTC(),
	}
	s.batches.Upsert(batch)
	if len(items) == 0 {
		batch.Status = models.BatchStatusCompleted
		s.batches.Upsert(batch)
		return batch, nil
	}

	batch.Status = models.BatchStatusRunning
	s.batches.Upsert(batch)
	s.logger.Info("batch started",
		zap.String("batch_id", batch.ID), zap.String("type", string(opType)), zap.Int("items", len(items)))

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, s.cfg.Workers)
	)
	for i, item := range items {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, item string) {
			defer wg.Done()
			defer func() { <-sem }()
			docID, err := fn(ctx, item)
			mu.Lock()
			defer mu.Unlock()
			res := models.BatchItemResult{Item: item, DocumentID: docID, OK: err == nil}
			if err != nil {
				res.Error = err.Error()
				batch.FailedItems++
			} else {
				batch.CompletedItems++
			}
			batch.Items[i] = res
			s.batches.Upsert(batch)
		}(i, item)
	}
	wg.Wait()

	if batch.CompletedItems == 0 && batch.FailedItems > 0 {
		batch.Status = models.BatchStatusFailed
	} else {
		batch.Status = models.BatchStatusCompleted
	}
	s.batches.Upsert(batch)
	s.logger.Info("batch finished",
		zap.String("batch_id", batch.ID),
		zap.Int("completed", batch.CompletedItems), zap.Int("failed", batch.FailedItems))
	return batch, nil
}
