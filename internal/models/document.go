// Package models defines core data structures for documents, tasks, batch
// operations, and consistency reports.
package models

import "time"

// DocumentStatus is the processing lifecycle state of a document.
type DocumentStatus string

const (
	DocStatusUploaded   DocumentStatus = "uploaded"
	DocStatusProcessing DocumentStatus = "processing"
	DocStatusCompleted  DocumentStatus = "completed"
	DocStatusFailed     DocumentStatus = "failed"
)

// Valid reports whether s is one of the defined document statuses.
func (s DocumentStatus) Valid() bool {
	switch s {
	case DocStatusUploaded, DocStatusProcessing, DocStatusCompleted, DocStatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s is a terminal state.
func (s DocumentStatus) Terminal() bool {
	return s == DocStatusCompleted || s == DocStatusFailed
}

// Document represents an ingested document and its derived records.
// Status == completed implies the full-content and chunk stores both hold
// entries under ParsedRefID.
type Document struct {
	ID           string         `json:"id"`
	FileName     string         `json:"file_name"`
	FilePath     string         `json:"file_path"`
	FileSize     int64          `json:"file_size"`
	Status       DocumentStatus `json:"status"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	TaskID       string         `json:"task_id,omitempty"`
	ContentHash  string         `json:"content_hash,omitempty"`
	ParsedRefID  string         `json:"parsed_ref_id,omitempty"`
	ChunkCount   int            `json:"chunk_count,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// RecordID returns the document id.
func (d *Document) RecordID() string { return d.ID }

// SetUpdatedAt sets the updated_at timestamp.
func (d *Document) SetUpdatedAt(t time.Time) { d.UpdatedAt = t }

// Clone returns a copy of the document.
func (d *Document) Clone() *Document {
	c := *d
	return &c
}

// DocumentUpdate lists the fields of a Document that are legally mutable
// after creation. Nil fields are left unchanged.
type DocumentUpdate struct {
	Status       *DocumentStatus
	TaskID       *string
	ParsedRefID  *string
	ChunkCount   *int
	ErrorMessage *string
}

// Apply copies the non-nil fields of u onto d.
func (d *Document) Apply(u DocumentUpdate) {
	if u.Status != nil {
		d.Status = *u.Status
	}
	if u.TaskID != nil {
		d.TaskID = *u.TaskID
	}
	if u.ParsedRefID != nil {
		d.ParsedRefID = *u.ParsedRefID
	}
	if u.ChunkCount != nil {
		d.ChunkCount = *u.ChunkCount
	}
	if u.ErrorMessage != nil {
		d.ErrorMessage = *u.ErrorMessage
	}
}
