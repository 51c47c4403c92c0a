package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/hyperjump/kiroku/internal/config"
	"github.com/hyperjump/kiroku/internal/consistency"
	"github.com/hyperjump/kiroku/internal/ingest"
	"github.com/hyperjump/kiroku/internal/models"
	"github.com/hyperjump/kiroku/internal/repair"
	"github.com/hyperjump/kiroku/internal/retrieval"
	"github.com/hyperjump/kiroku/internal/store"
	"github.com/hyperjump/kiroku/internal/txn"
)

type stubEngine struct {
	mu      sync.Mutex
	refs    map[string][]models.ContentBlock
	nextRef int
}

func newStubEngine() *stubEngine {
	return &stubEngine{refs: make(map[string][]models.ContentBlock)}
}

func (s *stubEngine) InsertContentBlocks(_ context.Context, blocks []models.ContentBlock, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(blocks) == 0 {
		return "", errors.New("no blocks")
	}
	s.nextRef++
	ref := fmt.Sprintf("ref-%d", s.nextRef)
	s.refs[ref] = blocks
	return ref, nil
}

func (s *stubEngine) DeleteByReferenceID(_ context.Context, refID string) (retrieval.DeleteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.refs[refID]; !ok {
		return retrieval.DeleteResult{Status: retrieval.DeleteNotFound}, nil
	}
	delete(s.refs, refID)
	return retrieval.DeleteResult{Status: retrieval.DeleteSuccess}, nil
}

func (s *stubEngine) Close() error { return nil }

type serverEnv struct {
	srv         *Server
	router      http.Handler
	svc         *ingest.Service
	srcDir      string
	artifactDir string
}

func newServerEnv(t *testing.T) *serverEnv {
	t.Helper()
	stateDir := t.TempDir()
	artifactDir := t.TempDir()
	srcDir := t.TempDir()
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
	engine := newStubEngine()
	svc := ingest.NewService(docs, tasks, batches, txm, engine, nil, ingest.Config{
		StateDir:    stateDir,
		ArtifactDir: artifactDir,
		Workers:     2,
	}, logger)
	checker := consistency.NewChecker(docs, svc.FullContentPath(), svc.ChunksPath(), artifactDir)
	repairer := repair.NewEngine(svc, checker, txm, engine, logger)
	srv := NewServer(svc, checker, repairer, &config.ServerConfig{Host: "localhost", Port: 8080}, logger)
	return &serverEnv{
		srv:         srv,
		router:      srv.Router(),
		svc:         svc,
		srcDir:      srcDir,
		artifactDir: artifactDir,
	}
}

// addSource writes a source file and a matching two-block artifact.
func (e *serverEnv) addSource(t *testing.T, name string) string {
	t.Helper()
	src := filepath.Join(e.srcDir, name)
	if err := os.WriteFile(src, []byte("content of "+name), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	blocks := []models.ContentBlock{
		{Type: models.BlockTypeText, Text: "first block", PageIndex: 0},
		{Type: models.BlockTypeText, Text: "second block", PageIndex: 1},
	}
	data, _ := json.Marshal(blocks)
	stem := name[:len(name)-len(filepath.Ext(name))]
	if err := os.WriteFile(filepath.Join(e.artifactDir, stem+".json"), data, 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	return src
}

func (e *serverEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func TestUploadAndGetDocument(t *testing.T) {
	env := newServerEnv(t)
	src := env.addSource(t, "report.pdf")

	w := env.do(t, http.MethodPost, "/api/v1/documents", uploadRequest{FilePath: src})
	if w.Code != http.StatusCreated {
		t.Fatalf("upload status: got %d, body %s", w.Code, w.Body.String())
	}
	var doc models.Document
	if err := json.NewDecoder(w.Body).Decode(&doc); err != nil {
		t.Fatal(err)
	}
	if doc.Status != models.DocStatusUploaded {
		t.Errorf("status = %q, want uploaded", doc.Status)
	}

	w = env.do(t, http.MethodGet, "/api/v1/documents/"+doc.ID, nil)
	if w.Code != http.StatusOK {
		t.Errorf("get status: got %d", w.Code)
	}

	w = env.do(t, http.MethodGet, "/api/v1/documents", nil)
	if w.Code != http.StatusOK {
		t.Errorf("list status: got %d", w.Code)
	}
	var list struct {
		Total int `json:"total"`
	}
	if err := json.NewDecoder(w.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if list.Total != 1 {
		t.Errorf("total = %d, want 1", list.Total)
	}
}

func TestUploadMissingFilePath(t *testing.T) {
	env := newServerEnv(t)
	w := env.do(t, http.MethodPost, "/api/v1/documents", uploadRequest{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", w.Code)
	}
}

func TestProcessDocumentLifecycle(t *testing.T) {
	env := newServerEnv(t)
	src := env.addSource(t, "paper.pdf")
	doc, err := env.svc.Upload(context.Background(), src)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}

	w := env.do(t, http.MethodPost, "/api/v1/documents/"+doc.ID+"/process", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("process status: got %d, body %s", w.Code, w.Body.String())
	}
	var processed models.Document
	if err := json.NewDecoder(w.Body).Decode(&processed); err != nil {
		t.Fatal(err)
	}
	if processed.Status != models.DocStatusCompleted {
		t.Errorf("status = %q, want completed", processed.Status)
	}
	if processed.ChunkCount != 2 {
		t.Errorf("chunk count = %d, want 2", processed.ChunkCount)
	}

	w = env.do(t, http.MethodGet, "/api/v1/tasks/"+processed.TaskID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("task status: got %d", w.Code)
	}
	var task models.Task
	if err := json.NewDecoder(w.Body).Decode(&task); err != nil {
		t.Fatal(err)
	}
	if task.Status != models.TaskStatusCompleted {
		t.Errorf("task status = %q, want completed", task.Status)
	}

	w = env.do(t, http.MethodDelete, "/api/v1/documents/"+processed.ID, nil)
	if w.Code != http.StatusOK {
		t.Errorf("delete status: got %d", w.Code)
	}
	w = env.do(t, http.MethodGet, "/api/v1/documents/"+processed.ID, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("get after delete: got %d, want 404", w.Code)
	}
}

func TestProcessUnknownDocument(t *testing.T) {
	env := newServerEnv(t)
	w := env.do(t, http.MethodPost, "/api/v1/documents/nope/process", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status: got %d, want 404", w.Code)
	}
}

func TestCreateBatchRejectsUnknownType(t *testing.T) {
	env := newServerEnv(t)
	w := env.do(t, http.MethodPost, "/api/v1/batches", batchRequest{Type: "shuffle"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", w.Code)
	}
}

func TestBatchUploadEndpoint(t *testing.T) {
	env := newServerEnv(t)
	a := env.addSource(t, "a.pdf")
	b := env.addSource(t, "b.pdf")

	w := env.do(t, http.MethodPost, "/api/v1/batches", batchRequest{Type: "upload", Items: []string{a, b}})
	if w.Code != http.StatusCreated {
		t.Fatalf("batch status: got %d, body %s", w.Code, w.Body.String())
	}
	var batch models.BatchOperation
	if err := json.NewDecoder(w.Body).Decode(&batch); err != nil {
		t.Fatal(err)
	}
	if batch.CompletedItems != 2 || batch.FailedItems != 0 {
		t.Errorf("counters = %d/%d, want 2/0", batch.CompletedItems, batch.FailedItems)
	}

	w = env.do(t, http.MethodGet, "/api/v1/batches/"+batch.ID, nil)
	if w.Code != http.StatusOK {
		t.Errorf("get batch status: got %d", w.Code)
	}
}

func TestConsistencyScanAndRepair(t *testing.T) {
	env := newServerEnv(t)
	env.addSource(t, "broken.pdf")
	env.svc.Documents().Upsert(&models.Document{
		ID:       "doc-1",
		FileName: "broken.pdf",
		Status:   models.DocStatusFailed,
	})

	w := env.do(t, http.MethodGet, "/api/v1/consistency", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("scan status: got %d", w.Code)
	}
	var scan models.ScanResult
	if err := json.NewDecoder(w.Body).Decode(&scan); err != nil {
		t.Fatal(err)
	}
	if scan.Recoverable != 1 {
		t.Errorf("recoverable = %d, want 1", scan.Recoverable)
	}

	w = env.do(t, http.MethodPost, "/api/v1/consistency/doc-1/repair", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("repair status: got %d, body %s", w.Code, w.Body.String())
	}
	var doc models.Document
	if err := json.NewDecoder(w.Body).Decode(&doc); err != nil {
		t.Fatal(err)
	}
	if doc.Status != models.DocStatusCompleted {
		t.Errorf("repaired status = %q, want completed", doc.Status)
	}
}

func TestRepairUnrecoverableConflicts(t *testing.T) {
	env := newServerEnv(t)
	env.svc.Documents().Upsert(&models.Document{
		ID:       "doc-1",
		FileName: "lost.pdf",
		Status:   models.DocStatusFailed,
	})
	w := env.do(t, http.MethodPost, "/api/v1/consistency/doc-1/repair", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("status: got %d, want 409", w.Code)
	}
}

func TestHealthAndStatus(t *testing.T) {
	env := newServerEnv(t)
	w := env.do(t, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("health status: got %d", w.Code)
	}
	w = env.do(t, http.MethodGet, "/api/v1/status", nil)
	if w.Code != http.StatusOK {
		t.Errorf("status endpoint: got %d", w.Code)
	}
	var status struct {
		Documents int `json:"documents"`
	}
	if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if status.Documents != 0 {
		t.Errorf("documents = %d, want 0", status.Documents)
	}
}
