package artifact

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/hyperjump/kiroku/internal/models"
)

const validArtifact = `[
  {"type": "text", "text": "Introduction.", "page_idx": 0},
  {"type": "table", "caption": "Results by quarter", "page_idx": 1},
  {"type": "image", "img_path": "figs/1.png", "caption": "Architecture", "page_idx": 1},
  {"type": "equation", "text": "E = mc^2", "page_idx": 2}
]`

func TestResolve_DirectMatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "report.json")
	if err := os.WriteFile(path, []byte(validArtifact), 0644); err != nil {
		t.Fatal(err)
	}
	got, err := Resolve(dir, "report.pdf")
	if err != nil {
		t.Fatal(err)
	}
	if got != path {
		t.Errorf("resolved %s, want %s", got, path)
	}
}

func TestResolve_RecursiveFallback(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "batch-7")
	if err := os.MkdirAll(sub, 0755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(sub, "report_blocks.json")
	if err := os.WriteFile(path, []byte(validArtifact), 0644); err != nil {
		t.Fatal(err)
	}
	got, err := Resolve(dir, "report.pdf")
	if err != nil {
		t.Fatal(err)
	}
	if got != path {
		t.Errorf("resolved %s, want %s", got, path)
	}
}

func TestResolve_NotFound(t *testing.T) {
	_, err := Resolve(t.TempDir(), "missing.pdf")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestLoad_Valid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.json")
	if err := os.WriteFile(path, []byte(validArtifact), 0644); err != nil {
		t.Fatal(err)
	}
	blocks, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(blocks) != 4 {
		t.Fatalf("expected 4 blocks, got %d", len(blocks))
	}
	if blocks[0].Type != models.BlockTypeText || blocks[0].Content() != "Introduction." {
		t.Errorf("block 0: %+v", blocks[0])
	}
	if blocks[1].Content() != "Results by quarter" {
		t.Errorf("table caption should be the content, got %q", blocks[1].Content())
	}
}

func TestLoad_RejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"not_a_list":   `{"type": "text"}`,
		"bad_type":     `[{"type": "video"}]`,
		"missing_type": `[{"text": "no type field"}]`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name+".json")
			if err := os.WriteFile(path, []byte(content), 0644); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
