package retrieval

import (
	"fmt"
	"os"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
)

// blockDoc is the shape indexed per content block.
type blockDoc struct {
	ReferenceID string `json:"reference_id"`
	Source      string `json:"source"`
	BlockType   string `json:"block_type"`
	Content     string `json:"content"`
}

// keywordIndex wraps a Bleve index over admitted content blocks so the query
// layer can keyword-search what the engine holds.
type keywordIndex struct {
	index bleve.Index
}

// newKeywordIndex creates or opens a Bleve index at path. An existing index
// is reused; remove the directory to force a rebuild after mapping changes.
func newKeywordIndex(path string) (*keywordIndex, error) {
	if _, err := os.Stat(path); err == nil {
		index, openErr := bleve.Open(path)
		if openErr != nil {
			return nil, fmt.Errorf("failed to open Bleve index: %w", openErr)
		}
		return &keywordIndex{index: index}, nil
	}

	im := bleve.NewIndexMapping()
	docMapping := bleve.NewDocumentMapping()
	textFieldMapping := bleve.NewTextFieldMapping()
	textFieldMapping.Analyzer = standard.Name
	docMapping.AddFieldMappingsAt("content", textFieldMapping)
	docMapping.AddFieldMappingsAt("source", textFieldMapping)
	keywordFieldMapping := bleve.NewKeywordFieldMapping()
	docMapping.AddFieldMappingsAt("reference_id", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("block_type", keywordFieldMapping)
	im.AddDocumentMapping("block", docMapping)
	im.DefaultType = "block"
	im.DefaultMapping = docMapping

	index, err := bleve.New(path, im)
	if err != nil {
		return nil, fmt.Errorf("failed to create Bleve index: %w", err)
	}
	return &keywordIndex{index: index}, nil
}

// indexBatch indexes the given id->doc set in one Bleve batch.
func (k *keywordIndex) indexBatch(docs map[string]blockDoc) error {
	batch := k.index.NewBatch()
	for id, doc := range docs {
		if err := batch.Index(id, doc); err != nil {
			return err
		}
	}
	return k.index.Batch(batch)
}

// deleteBatch removes the given ids in one Bleve batch.
func (k *keywordIndex) deleteBatch(ids []string) error {
	batch := k.index.NewBatch()
	for _, id := range ids {
		batch.Delete(id)
	}
	return k.index.Batch(batch)
}

func (k *keywordIndex) docCount() (uint64, error) {
	return k.index.DocCount()
}

func (k *keywordIndex) close() error {
	return k.index.Close()
}
