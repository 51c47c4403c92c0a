// Package retrieval defines the retrieval-engine boundary the document core
// calls at the end of create and delete transactions, plus a bundled local
// implementation backed by SQLite and Bleve.
package retrieval

import (
	"context"

	"github.com/hyperjump/kiroku/internal/models"
)

// DeleteStatus is the outcome of a delete-by-reference call.
type DeleteStatus string

const (
	DeleteSuccess  DeleteStatus = "success"
	DeleteNotFound DeleteStatus = "not_found"
	DeleteFailure  DeleteStatus = "failure"
)

// DeleteResult is the engine's response to DeleteByReferenceID.
type DeleteResult struct {
	Status  DeleteStatus `json:"status"`
	Message string       `json:"message,omitempty"`
}

// OK reports whether the delete left the engine in the desired state.
// Deleting an unknown reference counts as success.
func (r DeleteResult) OK() bool {
	return r.Status == DeleteSuccess || r.Status == DeleteNotFound
}

// Engine is the external retrieval/embedding engine interface. Callers treat
// any error or non-OK result as a transaction failure requiring rollback.
type Engine interface {
	// InsertContentBlocks admits an ordered block list under a fresh
	// reference id and returns that id.
	InsertContentBlocks(ctx context.Context, blocks []models.ContentBlock, sourceName string) (string, error)
	// DeleteByReferenceID removes everything admitted under refID.
	DeleteByReferenceID(ctx context.Context, refID string) (DeleteResult, error)
	Close() error
}
