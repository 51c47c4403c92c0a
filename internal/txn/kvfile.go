package txn

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// KV is the in-memory form of a JSON key-value store file: a flat object
// whose values are kept raw so callers decide their shape.
type KV = map[string]json.RawMessage

// LoadKV reads the JSON object file at path. A missing file yields an empty
// map; a present but malformed file is an error.
func LoadKV(path string) (KV, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return KV{}, nil
		}
		return nil, fmt.Errorf("failed to read store %s: %w", path, err)
	}
	m := KV{}
	if len(data) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse store %s: %w", path, err)
	}
	return m, nil
}

// SaveKV writes the map to path as indented JSON via a temp file and rename,
// so concurrent readers never see a torn write.
func SaveKV(path string, m KV) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal store %s: %w", path, err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create store directory: %w", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write store %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace store %s: %w", path, err)
	}
	return nil
}
