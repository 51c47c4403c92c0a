// Package consistency audits the persisted stores: for every document it
// compares the declared status against the records that should back it and
// classifies the document as consistent, recoverable, or unrecoverable. The
// checker is strictly read-only and takes no locks; snapshot writes are
// whole-file renames, so the worst case is a stale read, never a torn one.
package consistency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/kiroku/internal/artifact"
	"github.com/hyperjump/kiroku/internal/models"
	"github.com/hyperjump/kiroku/internal/store"
	"github.com/hyperjump/kiroku/internal/txn"
)

// Checker cross-references the document store with the full-content store,
// the chunk store, and the on-disk parse artifacts.
type Checker struct {
	docs            *store.Store[*models.Document]
	fullContentPath string
	chunksPath      string
	artifactDir     string
	logger          *zap.Logger // optional
}

// Option configures a Checker.
type Option func(*Checker)

// WithLogger sets a logger for scan diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(c *Checker) { c.logger = l }
}

// NewChecker creates a checker over the given stores and artifact directory.
func NewChecker(
	docs *store.Store[*models.Document],
	fullContentPath, chunksPath, artifactDir string,
	opts ...Option,
) *Checker {
	c := &Checker{
		docs:            docs,
		fullContentPath: fullContentPath,
		chunksPath:      chunksPath,
		artifactDir:     artifactDir,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Scan audits every document and returns one report per document, each with
// exactly one classification. Unreadable derived stores degrade to empty for
// audit purposes; the failure is recorded as a note, not an error.
func (c *Checker) Scan(ctx context.Context) (*models.ScanResult, error) {
	result := &models.ScanResult{ScannedAt: time.Now().UTC()}

	fullContent, note := c.loadKVStore(c.fullContentPath)
	if note != "" {
		result.Notes = append(result.Notes, note)
	}
	chunkRefs, note := c.loadChunkRefs(c.chunksPath)
	if note != "" {
		result.Notes = append(result.Notes, note)
	}

	for _, doc := range c.docs.ListAll() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		report := c.audit(doc, fullContent, chunkRefs)
		result.Reports = append(result.Reports, report)
		switch report.Classification {
		case models.ClassConsistent:
			result.Consistent++
		case models.ClassRecoverable:
			result.Recoverable++
		case models.ClassUnrecoverable:
			result.Unrecoverable++
		}
	}
	if c.logger != nil {
		c.logger.Info("consistency scan finished",
			zap.Int("documents", len(result.Reports)),
			zap.Int("consistent", result.Consistent),
			zap.Int("recoverable", result.Recoverable),
			zap.Int("unrecoverable", result.Unrecoverable))
	}
	return result, nil
}

// Check audits a single document by id.
func (c *Checker) Check(ctx context.Context, docID string) (*models.ConsistencyReport, error) {
	doc, ok := c.docs.Get(docID)
	if !ok {
		return nil, fmt.Errorf("document not found: %s", docID)
	}
	fullContent, _ := c.loadKVStore(c.fullContentPath)
	chunkRefs, _ := c.loadChunkRefs(c.chunksPath)
	report := c.audit(doc, fullContent, chunkRefs)
	return &report, nil
}

func (c *Checker) audit(doc *models.Document, fullContent map[string]struct{}, chunkRefs map[string]int) models.ConsistencyReport {
	report := models.ConsistencyReport{
		DocID:          doc.ID,
		FileName:       doc.FileName,
		DeclaredStatus: doc.Status,
	}
	if doc.ParsedRefID != "" {
		_, report.HasFullContent = fullContent[doc.ParsedRefID]
		report.ChunkCount = chunkRefs[doc.ParsedRefID]
	}
	if path, err := artifact.Resolve(c.artifactDir, doc.FileName); err == nil {
		report.HasArtifact = true
		report.ArtifactPath = path
	}
	report.Classification = report.Classify()
	return report
}

// loadKVStore returns the key set of the JSON KV file at path. Unreadable
// stores degrade to empty with a note.
func (c *Checker) loadKVStore(path string) (map[string]struct{}, string) {
	kv, err := txn.LoadKV(path)
	if err != nil {
		if c.logger != nil {
			c.logger.Warn("store unreadable during scan", zap.String("path", path), zap.Error(err))
		}
		return map[string]struct{}{}, fmt.Sprintf("store unreadable, treated as empty: %s", path)
	}
	keys := make(map[string]struct{}, len(kv))
	for k := range kv {
		keys[k] = struct{}{}
	}
	return keys, ""
}

// loadChunkRefs returns reference id -> chunk count from the chunk store.
func (c *Checker) loadChunkRefs(path string) (map[string]int, string) {
	kv, err := txn.LoadKV(path)
	if err != nil {
		if c.logger != nil {
			c.logger.Warn("chunk store unreadable during scan", zap.String("path", path), zap.Error(err))
		}
		return map[string]int{}, fmt.Sprintf("store unreadable, treated as empty: %s", path)
	}
	refs := make(map[string]int)
	for _, raw := range kv {
		var entry models.ChunkEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			continue
		}
		refs[entry.ReferenceID]++
	}
	return refs, ""
}
