package models

import "time"

// TaskStatus is the lifecycle state of a processing task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Valid reports whether s is one of the defined task statuses.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether s is a terminal state.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// Task tracks the progress of one document processing operation.
// Exactly one task exists per document at a time; the DocumentID
// back-reference is non-owning.
type Task struct {
	ID           string            `json:"id"`
	Status       TaskStatus        `json:"status"`
	Stage        string            `json:"stage,omitempty"`
	Progress     int               `json:"progress"` // 0-100
	DocumentID   string            `json:"document_id"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	StageDetails map[string]string `json:"stage_details,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
}

// RecordID returns the task id.
func (t *Task) RecordID() string { return t.ID }

// SetUpdatedAt sets the updated_at timestamp.
func (t *Task) SetUpdatedAt(ts time.Time) { t.UpdatedAt = ts }

// Clone returns a copy of the task, including stage details.
func (t *Task) Clone() *Task {
	c := *t
	if t.StageDetails != nil {
		c.StageDetails = make(map[string]string, len(t.StageDetails))
		for k, v := range t.StageDetails {
			c.StageDetails[k] = v
		}
	}
	return &c
}

// TaskUpdate lists the mutable fields of a Task. Nil fields are left unchanged.
type TaskUpdate struct {
	Status       *TaskStatus
	Stage        *string
	Progress     *int
	ErrorMessage *string
}

// Apply copies the non-nil fields of u onto t and records the stage
// transition in StageDetails.
func (t *Task) Apply(u TaskUpdate) {
	if u.Status != nil {
		t.Status = *u.Status
	}
	if u.Stage != nil {
		t.Stage = *u.Stage
		if t.StageDetails == nil {
			t.StageDetails = make(map[string]string)
		}
		t.StageDetails[*u.Stage] = string(t.Status)
	}
	if u.Progress != nil {
		p := *u.Progress
		if p < 0 {
			p = 0
		}
		if p > 100 {
			p = 100
		}
		t.Progress = p
	}
	if u.ErrorMessage != nil {
		t.ErrorMessage = *u.ErrorMessage
	}
}
