package repair

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/kiroku/internal/consistency"
	"github.com/hyperjump/kiroku/internal/ingest"
	"github.com/hyperjump/kiroku/internal/models"
	"github.com/hyperjump/kiroku/internal/retrieval"
	"github.com/hyperjump/kiroku/internal/store"
	"github.com/hyperjump/kiroku/internal/txn"
)

type stubEngine struct {
	mu         sync.Mutex
	refs       map[string][]models.ContentBlock
	nextRef    int
	failInsert bool
	failDelete bool
}

func newStubEngine() *stubEngine {
	return &stubEngine{refs: make(map[string][]models.ContentBlock)}
}

func (s *stubEngine) InsertContentBlocks(_ context.Context, blocks []models.ContentBlock, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failInsert {
		return "", errors.New("engine unavailable")
	}
	s.nextRef++
	ref := fmt.Sprintf("ref-%d", s.nextRef)
	s.refs[ref] = blocks
	return ref, nil
}

func (s *stubEngine) DeleteByReferenceID(_ context.Context, refID string) (retrieval.DeleteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failDelete {
		return retrieval.DeleteResult{Status: retrieval.DeleteFailure, Message: "engine unavailable"}, nil
	}
	if _, ok := s.refs[refID]; !ok {
		return retrieval.DeleteResult{Status: retrieval.DeleteNotFound, Message: "no such reference"}, nil
	}
	delete(s.refs, refID)
	return retrieval.DeleteResult{Status: retrieval.DeleteSuccess}, nil
}

func (s *stubEngine) Close() error { return nil }

func (s *stubEngine) has(refID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.refs[refID]
	return ok
}

type repairEnv struct {
	engine      *Engine
	svc         *ingest.Service
	stub        *stubEngine
	checker     *consistency.Checker
	stateDir    string
	artifactDir string
}

func newRepairEnv(t *testing.T) *repairEnv {
	t.Helper()
	stateDir := t.TempDir()
	artifactDir := t.TempDir()
	logger := zap.NewNop()

	docs, err := store.Open[*models.Document]("documents", filepath.Join(stateDir, "documents.json"))
	if err != nil {
		t.Fatalf("open documents: %v", err)
	}
	tasks, err := store.Open[*models.Task]("tasks", filepath.Join(stateDir, "tasks.json"))
	if err != nil {
		t.Fatalf("open tasks: %v", err)
	}
	batches, err := store.Open[*models.BatchOperation]("batches", filepath.Join(stateDir, "batches.json"))
	if err != nil {
		t.Fatalf("open batches: %v", err)
	}
	txm, err := txn.NewManager(stateDir)
	if err != nil {
		t.Fatalf("new txn manager: %v", err)
	}
	stub := newStubEngine()
	svc := ingest.NewService(docs, tasks, batches, txm, stub, nil, ingest.Config{
		StateDir:    stateDir,
		ArtifactDir: artifactDir,
		Workers:     2,
	}, logger)
	checker := consistency.NewChecker(docs, svc.FullContentPath(), svc.ChunksPath(), artifactDir)
	return &repairEnv{
		engine:      NewEngine(svc, checker, txm, stub, logger),
		svc:         svc,
		stub:        stub,
		checker:     checker,
		stateDir:    stateDir,
		artifactDir: artifactDir,
	}
}

// addFailedDoc registers a failed document with an artifact on disk, the
// shape a crashed processing run leaves behind.
func (e *repairEnv) addFailedDoc(t *testing.T, id, fileName string, blocks int) {
	t.Helper()
	e.svc.Documents().Upsert(&models.Document{
		ID:           id,
		FileName:     fileName,
		FilePath:     filepath.Join("/tmp", fileName),
		Status:       models.DocStatusFailed,
		ErrorMessage: "engine unavailable",
		CreatedAt:    time.Now().UTC(),
	})
	e.writeArtifact(t, fileName, blocks)
}

func (e *repairEnv) writeArtifact(t *testing.T, fileName string, blocks int) {
	t.Helper()
	stem := fileName[:len(fileName)-len(filepath.Ext(fileName))]
	var list []models.ContentBlock
	for i := 0; i < blocks; i++ {
		list = append(list, models.ContentBlock{
			Type: models.BlockTypeText, Text: fmt.Sprintf("block %d", i), PageIndex: i,
		})
	}
	data, _ := json.Marshal(list)
	if err := os.WriteFile(filepath.Join(e.artifactDir, stem+".json"), data, 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
}

func TestRepairRecoverableDocument(t *testing.T) {
	env := newRepairEnv(t)
	env.addFailedDoc(t, "doc-1", "crashed.pdf", 4)

	doc, err := env.engine.Repair(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("repair: %v", err)
	}
	if doc.Status != models.DocStatusCompleted {
		t.Errorf("status = %q, want completed", doc.Status)
	}
	if doc.ParsedRefID == "" {
		t.Fatal("repaired document has no reference id")
	}
	if doc.ChunkCount != 4 {
		t.Errorf("chunk count = %d, want 4", doc.ChunkCount)
	}
	if doc.ErrorMessage != "" {
		t.Errorf("error message not cleared: %q", doc.ErrorMessage)
	}
	if !env.stub.has(doc.ParsedRefID) {
		t.Error("admitted content missing from engine")
	}

	report, err := env.checker.Check(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("check after repair: %v", err)
	}
	if report.Classification != models.ClassConsistent {
		t.Errorf("post-repair classification = %q, want consistent", report.Classification)
	}
	if report.ChunkCount != 4 {
		t.Errorf("post-repair chunk count = %d, want 4", report.ChunkCount)
	}
}

func TestRepairNotRecoverable(t *testing.T) {
	env := newRepairEnv(t)
	env.svc.Documents().Upsert(&models.Document{
		ID:       "doc-1",
		FileName: "lost.pdf",
		Status:   models.DocStatusFailed,
	})

	_, err := env.engine.Repair(context.Background(), "doc-1")
	if !errors.Is(err, ErrNotRecoverable) {
		t.Fatalf("err = %v, want ErrNotRecoverable", err)
	}
}

func TestRepairMintsFreshReferenceID(t *testing.T) {
	env := newRepairEnv(t)
	env.addFailedDoc(t, "doc-1", "twice.pdf", 2)

	first, err := env.engine.Repair(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("first repair: %v", err)
	}
	second, err := env.engine.Repair(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("second repair: %v", err)
	}
	if first.ParsedRefID == second.ParsedRefID {
		t.Errorf("reference id reused across repairs: %s", first.ParsedRefID)
	}
	if env.stub.has(first.ParsedRefID) {
		t.Error("stale reference not removed from engine")
	}
	full, err := txn.LoadKV(env.svc.FullContentPath())
	if err != nil {
		t.Fatalf("load full content: %v", err)
	}
	if _, ok := full[first.ParsedRefID]; ok {
		t.Error("stale full-content entry survived the second repair")
	}
	if _, ok := full[second.ParsedRefID]; !ok {
		t.Error("fresh full-content entry missing")
	}
}

func TestRepairFailureRollsBack(t *testing.T) {
	env := newRepairEnv(t)
	env.addFailedDoc(t, "doc-1", "flaky.pdf", 3)
	docsBefore, _ := os.ReadFile(env.svc.Documents().Path())

	env.stub.failInsert = true
	_, err := env.engine.Repair(context.Background(), "doc-1")
	if err == nil {
		t.Fatal("expected repair to fail")
	}

	doc, ok := env.svc.Documents().Get("doc-1")
	if !ok {
		t.Fatal("document vanished")
	}
	if doc.Status != models.DocStatusFailed {
		t.Errorf("status = %q, want failed preserved", doc.Status)
	}
	docsAfter, _ := os.ReadFile(env.svc.Documents().Path())
	if string(docsBefore) != string(docsAfter) {
		t.Error("document snapshot changed despite rollback")
	}
	entries, _ := os.ReadDir(filepath.Join(env.stateDir, "txbackups"))
	if len(entries) != 0 {
		t.Errorf("backups left behind: %d", len(entries))
	}
}

func TestRepairAll(t *testing.T) {
	env := newRepairEnv(t)
	env.addFailedDoc(t, "doc-1", "one.pdf", 2)
	env.addFailedDoc(t, "doc-2", "two.pdf", 3)
	// Unrecoverable, must not be attempted.
	env.svc.Documents().Upsert(&models.Document{
		ID: "doc-3", FileName: "three.pdf", Status: models.DocStatusFailed,
	})

	batch, err := env.engine.RepairAll(context.Background())
	if err != nil {
		t.Fatalf("repair all: %v", err)
	}
	if batch.Type != models.BatchTypeRepair {
		t.Errorf("batch type = %q", batch.Type)
	}
	if batch.TotalItems != 2 || batch.CompletedItems != 2 || batch.FailedItems != 0 {
		t.Errorf("batch counters = %d/%d/%d, want 2/2/0",
			batch.TotalItems, batch.CompletedItems, batch.FailedItems)
	}
	if batch.Status != models.BatchStatusCompleted {
		t.Errorf("batch status = %q", batch.Status)
	}
	for _, id := range []string{"doc-1", "doc-2"} {
		doc, _ := env.svc.Documents().Get(id)
		if doc.Status != models.DocStatusCompleted {
			t.Errorf("%s status = %q, want completed", id, doc.Status)
		}
	}
	doc3, _ := env.svc.Documents().Get("doc-3")
	if doc3.Status != models.DocStatusFailed {
		t.Errorf("unrecoverable document touched: %q", doc3.Status)
	}
}
