package models

import "time"

// Classification is the consistency verdict for one document.
type Classification string

const (
	// ClassConsistent means the declared status matches the presence of all
	// dependent records.
	ClassConsistent Classification = "consistent"
	// ClassRecoverable means dependent records are missing or stale but a
	// parse artifact exists on disk, so the document can be reconstructed
	// without re-parsing.
	ClassRecoverable Classification = "recoverable"
	// ClassUnrecoverable means neither persisted records nor an on-disk
	// artifact exist; only a full re-parse can restore the document.
	ClassUnrecoverable Classification = "unrecoverable"
)

// ConsistencyReport is the audit result for one document.
type ConsistencyReport struct {
	DocID          string         `json:"doc_id"`
	FileName       string         `json:"file_name"`
	DeclaredStatus DocumentStatus `json:"declared_status"`
	HasFullContent bool           `json:"has_full_content"`
	ChunkCount     int            `json:"chunk_count"`
	HasArtifact    bool           `json:"has_artifact"`
	ArtifactPath   string         `json:"artifact_path,omitempty"`
	Classification Classification `json:"classification"`
}

// Classify derives the classification from the report's observations.
// Priority order: consistent, then recoverable, then unrecoverable.
func (r ConsistencyReport) Classify() Classification {
	if r.DeclaredStatus == DocStatusCompleted && r.HasFullContent && r.ChunkCount > 0 {
		return ClassConsistent
	}
	if r.HasArtifact {
		return ClassRecoverable
	}
	return ClassUnrecoverable
}

// ScanResult aggregates the reports of one consistency scan.
type ScanResult struct {
	ScannedAt     time.Time           `json:"scanned_at"`
	Reports       []ConsistencyReport `json:"reports"`
	Consistent    int                 `json:"consistent"`
	Recoverable   int                 `json:"recoverable"`
	Unrecoverable int                 `json:"unrecoverable"`
	Notes         []string            `json:"notes,omitempty"`
}
