// Package artifact resolves and loads parse artifacts: the ordered
// content-block lists the external parsing engine writes to disk. This repo
// never parses source documents itself; artifacts are its only view of
// parsed content.
package artifact

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/hyperjump/kiroku/internal/models"
)

// ErrNotFound is returned when no artifact can be resolved for a source file.
var ErrNotFound = errors.New("parse artifact not found")

// schemaJSON is the contract the external parser's output must satisfy
// before this repo will admit it: an ordered list of typed content blocks.
const schemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "array",
  "items": {
    "type": "object",
    "required": ["type"],
    "properties": {
      "type": {"enum": ["text", "image", "table", "equation"]},
      "text": {"type": "string"},
      "img_path": {"type": "string"},
      "caption": {"type": "string"},
      "page_idx": {"type": "integer", "minimum": 0}
    }
  }
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
		if err != nil {
			schemaErr = err
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("artifact.schema.json", doc); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = c.Compile("artifact.schema.json")
	})
	return schema, schemaErr
}

// Resolve locates the artifact for sourceName under dir. Resolution is
// deterministic: a direct "<stem>.json" match first, then a recursive search
// for any .json file whose name contains the stem. Returns ErrNotFound when
// neither finds a file.
func Resolve(dir, sourceName string) (string, error) {
	stem := strings.TrimSuffix(sourceName, filepath.Ext(sourceName))
	if stem == "" {
		return "", fmt.Errorf("%w: empty source name", ErrNotFound)
	}
	direct := filepath.Join(dir, stem+".json")
	if info, err := os.Stat(direct); err == nil && info.Mode().IsRegular() {
		return direct, nil
	}

	var found string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable subtrees are skipped, not fatal
		}
		if d.IsDir() || found != "" {
			return nil
		}
		base := d.Name()
		if filepath.Ext(base) != ".json" {
			return nil
		}
		if strings.Contains(base, stem) {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to search artifacts: %w", err)
	}
	if found == "" {
		return "", fmt.Errorf("%w: %s", ErrNotFound, sourceName)
	}
	return found, nil
}

// Load reads the artifact at path, validates it against the artifact schema,
// and returns its ordered content blocks.
func Load(path string) ([]models.ContentBlock, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	sch, err := compiledSchema()
	if err != nil {
		return nil, fmt.Errorf("artifact schema: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse artifact %s: %w", path, err)
	}
	if err := sch.Validate(inst); err != nil {
		return nil, fmt.Errorf("artifact %s failed validation: %w", path, err)
	}
	var blocks []models.ContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return nil, fmt.Errorf("failed to decode artifact %s: %w", path, err)
	}
	return blocks, nil
}
