package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestInboxWatcher_DebounceAndExtensionFilter(t *testing.T) {
	dir := t.TempDir()

	var uploaded []string
	var mu sync.Mutex
	onUpload := func(path string) {
		mu.Lock()
		uploaded = append(uploaded, path)
		mu.Unlock()
	}
	w := New(dir, []string{".pdf"}, onUpload, WithDebounce(100*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	if err := writeFile(filepath.Join(dir, "doc.pdf"), "hello"); err != nil {
		t.Fatal(err)
	}
	if err := writeFile(filepath.Join(dir, "ignore.tmp"), "skip"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(400 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(uploaded) < 1 {
		t.Fatalf("expected at least one upload callback, got %d", len(uploaded))
	}
	for _, p := range uploaded {
		if strings.HasSuffix(p, "ignore.tmp") {
			t.Errorf("ignore.tmp should not be reported")
		}
	}
}

func TestInboxWatcher_SyncExisting(t *testing.T) {
	dir := t.TempDir()
	if err := writeFile(filepath.Join(dir, "a.pdf"), "hello"); err != nil {
		t.Fatal(err)
	}
	if err := writeFile(filepath.Join(dir, "ignore.xyz"), "x"); err != nil {
		t.Fatal(err)
	}

	var uploaded []string
	var mu sync.Mutex
	onUpload := func(path string) {
		mu.Lock()
		uploaded = append(uploaded, path)
		mu.Unlock()
	}
	w := New(dir, []string{".pdf"}, onUpload)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	w.SyncExisting()

	mu.Lock()
	defer mu.Unlock()
	if len(uploaded) != 1 || !strings.HasSuffix(uploaded[0], "a.pdf") {
		t.Errorf("expected one reported file a.pdf, got %v", uploaded)
	}
}

func TestInboxWatcher_Start_createsMissingRoot(t *testing.T) {
	base := t.TempDir()
	root := filepath.Join(base, "inbox")

	w := New(root, nil, nil)
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(root); err != nil {
		t.Errorf("inbox directory should exist after Start: %v", err)
	}
}

func TestMatchExtension(t *testing.T) {
	tests := []struct {
		path       string
		extensions []string
		want       bool
	}{
		{"/a/b.pdf", []string{".pdf"}, true},
		{"/a/b.PDF", []string{".pdf"}, true},
		{"/a/b.md", []string{".pdf"}, false},
		{"/a/b", nil, true},
		{"/a/b", []string{}, true},
	}
	for _, tt := range tests {
		w := New("/tmp", tt.extensions, nil)
		got := w.matchExtension(tt.path)
		if got != tt.want {
			t.Errorf("matchExtension(%q, %v) = %v, want %v", tt.path, tt.extensions, got, tt.want)
		}
	}
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0600)
}
