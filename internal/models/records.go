package models

import "time"

// FullContentEntry is the record kept in the full-content store, keyed by
// reference id.
type FullContentEntry struct {
	DocumentID string    `json:"document_id"`
	Source     string    `json:"source"`
	BlockCount int       `json:"block_count"`
	AdmittedAt time.Time `json:"admitted_at"`
}

// ChunkEntry is the record kept in the chunk store, keyed by chunk id
// ("<reference id>_<index>").
type ChunkEntry struct {
	ReferenceID string `json:"reference_id"`
	DocumentID  string `json:"document_id"`
	BlockIndex  int    `json:"block_index"`
	BlockType   string `json:"block_type"`
}
