package models

import "time"

// BatchOperationType is the kind of work a batch performs.
type BatchOperationType string

const (
	BatchTypeUpload  BatchOperationType = "upload"
	BatchTypeProcess BatchOperationType = "process"
	BatchTypeRepair  BatchOperationType = "repair"
)

// BatchStatus is the lifecycle state of a batch operation.
type BatchStatus string

const (
	BatchStatusPending   BatchStatus = "pending"
	BatchStatusRunning   BatchStatus = "running"
	BatchStatusCompleted BatchStatus = "completed"
	BatchStatusFailed    BatchStatus = "failed"
)

// BatchItemResult is the outcome for a single item in a batch.
type BatchItemResult struct {
	Item       string `json:"item"`
	DocumentID string `json:"document_id,omitempty"`
	OK         bool   `json:"ok"`
	Error      string `json:"error,omitempty"`
}

// BatchOperation tracks a multi-item upload, process, or repair run.
// CompletedItems + FailedItems never exceeds TotalItems and both counters
// are monotonically non-decreasing until the batch is terminal.
type BatchOperation struct {
	ID             string             `json:"id"`
	Type           BatchOperationType `json:"operation_type"`
	Status         BatchStatus        `json:"status"`
	TotalItems     int                `json:"total_items"`
	CompletedItems int                `json:"completed_items"`
	FailedItems    int                `json:"failed_items"`
	Items          []BatchItemResult  `json:"items,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// RecordID returns the batch id.
func (b *BatchOperation) RecordID() string { return b.ID }

// SetUpdatedAt sets the updated_at timestamp.
func (b *BatchOperation) SetUpdatedAt(t time.Time) { b.UpdatedAt = t }

// Clone returns a copy of the batch, including item results.
func (b *BatchOperation) Clone() *BatchOperation {
	c := *b
	if b.Items != nil {
		c.Items = append([]BatchItemResult(nil), b.Items...)
	}
	return &c
}
