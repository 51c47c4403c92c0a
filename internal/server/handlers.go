package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hyperjump/kiroku/internal/ingest"
	"github.com/hyperjump/kiroku/internal/models"
	"github.com/hyperjump/kiroku/internal/repair"
)

type uploadRequest struct {
	FilePath string `json:"file_path"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	var req uploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.FilePath == "" {
		s.respondError(w, http.StatusBadRequest, "file_path is required")
		return
	}
	s.logger.Debug("upload request", zap.String("path", req.FilePath))
	doc, err := s.svc.Upload(r.Context(), req.FilePath)
	if err != nil {
		s.logger.Error("upload failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusCreated, doc)
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs := s.svc.Documents().ListAll()
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := docs[:0]
		for _, d := range docs {
			if string(d.Status) == status {
				filtered = append(filtered, d)
			}
		}
		docs = filtered
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"documents": docs, "total": len(docs)})
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	doc, ok := s.svc.Documents().Get(id)
	if !ok {
		s.respondError(w, http.StatusNotFound, "document not found")
		return
	}
	s.respondJSON(w, http.StatusOK, doc)
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.logger.Debug("delete document request", zap.String("id", id))
	if err := s.svc.Delete(r.Context(), id); err != nil {
		if errors.Is(err, ingest.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "document not found")
			return
		}
		s.logger.Error("deletion failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"id": id, "status": "deleted"})
}

func (s *Server) handleProcessDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.logger.Debug("process document request", zap.String("id", id))
	doc, err := s.svc.Process(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, ingest.ErrNotFound):
			s.respondError(w, http.StatusNotFound, "document not found")
		case errors.Is(err, ingest.ErrBusy):
			s.respondError(w, http.StatusConflict, err.Error())
		default:
			s.logger.Error("processing failed", zap.Error(err))
			s.respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	s.respondJSON(w, http.StatusOK, doc)
}

type batchRequest struct {
	Type  string   `json:"type"`
	Items []string `json:"items"`
}

func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.logger.Debug("batch request", zap.String("type", req.Type), zap.Int("items", len(req.Items)))
	var (
		batch *models.BatchOperation
		err   error
	)
	switch models.BatchOperationType(req.Type) {
	case models.BatchTypeUpload:
		batch, err = s.svc.BatchUpload(r.Context(), req.Items)
	case models.BatchTypeProcess:
		batch, err = s.svc.BatchProcess(r.Context(), req.Items)
	default:
		s.respondError(w, http.StatusBadRequest, "type must be \"upload\" or \"process\"")
		return
	}
	if err != nil {
		s.logger.Error("batch failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusCreated, batch)
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	batch, ok := s.svc.Batches().Get(id)
	if !ok {
		s.respondError(w, http.StatusNotFound, "batch not found")
		return
	}
	s.respondJSON(w, http.StatusOK, batch)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, ok := s.svc.Tasks().Get(id)
	if !ok {
		s.respondError(w, http.StatusNotFound, "task not found")
		return
	}
	s.respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleConsistencyScan(w http.ResponseWriter, r *http.Request) {
	result, err := s.checker.Scan(r.Context())
	if err != nil {
		s.logger.Error("consistency scan failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleConsistencyCheck(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	report, err := s.checker.Check(r.Context(), id)
	if err != nil {
		s.respondError(w, http.StatusNotFound, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleRepair(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.logger.Debug("repair request", zap.String("id", id))
	doc, err := s.repairer.Repair(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, repair.ErrNotRecoverable):
			s.respondError(w, http.StatusConflict, err.Error())
		case errors.Is(err, ingest.ErrNotFound):
			s.respondError(w, http.StatusNotFound, "document not found")
		default:
			s.logger.Error("repair failed", zap.Error(err))
			s.respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	s.respondJSON(w, http.StatusOK, doc)
}

func (s *Server) handleRepairAll(w http.ResponseWriter, r *http.Request) {
	batch, err := s.repairer.RepairAll(r.Context())
	if err != nil {
		s.logger.Error("batch repair failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, batch)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	docs := s.svc.Documents().ListAll()
	byStatus := make(map[string]int)
	for _, d := range docs {
		byStatus[string(d.Status)]++
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"documents":           len(docs),
		"documents_by_status": byStatus,
		"tasks":               s.svc.Tasks().Len(),
		"batches":             s.svc.Batches().Len(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
