package backup

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("MkdirAll: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
}

func TestDirProvider_RunCopiesTreeWithManifest(t *testing.T) {
	source := t.TempDir()
	staging := filepath.Join(t.TempDir(), "staging")
	files := map[string]string{
		"doc.txt":          "hello",
		"nested/photo.jpg": "jpeg bytes",
	}
	writeTree(t, source, files)

	p := NewDirProvider(CategoryFiles, source, staging)
	if p.Category() != CategoryFiles {
		t.Errorf("Category = %q", p.Category())
	}

	est, err := p.Estimate(context.Background())
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	if est.ItemsTotal != 2 {
		t.Errorf("ItemsTotal = %d, want 2", est.ItemsTotal)
	}
	wantBytes := int64(len("hello") + len("jpeg bytes"))
	if est.BytesTotal != wantBytes {
		t.Errorf("BytesTotal = %d, want %d", est.BytesTotal, wantBytes)
	}

	var reports []Progress
	result, err := p.Run(context.Background(), func(pr Progress) {
		reports = append(reports, pr)
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.BytesDone != wantBytes || result.ItemsDone != 2 {
		t.Errorf("result = %+v", result)
	}

	for rel, content := range files {
		data, err := os.ReadFile(filepath.Join(staging, rel))
		if err != nil {
			t.Fatalf("reading copy of %s: %v", rel, err)
		}
		if string(data) != content {
			t.Errorf("%s content changed", rel)
		}
	}

	// Progress is cumulative and ends at the totals.
	if len(reports) != 2 {
		t.Fatalf("reports = %d, want 2", len(reports))
	}
	last := reports[len(reports)-1]
	if last.BytesDone != wantBytes || last.Percent() != 100 {
		t.Errorf("final report = %+v", last)
	}

	data, err := os.ReadFile(result.ManifestPath)
	if err != nil {
		t.Fatalf("reading manifest: %v", err)
	}
	var manifest []struct {
		Path  string `json:"path"`
		Bytes int64  `json:"bytes"`
	}
	if err := json.Unmarshal(data, &manifest); err != nil {
		t.Fatalf("parsing manifest: %v", err)
	}
	if len(manifest) != 2 {
		t.Errorf("manifest entries = %d, want 2", len(manifest))
	}
}

func TestDirProvider_CancelledContext(t *testing.T) {
	source := t.TempDir()
	writeTree(t, source, map[string]string{"doc.txt": "hello"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := NewDirProvider(CategoryFiles, source, filepath.Join(t.TempDir(), "staging"))
	if _, err := p.Run(ctx, func(Progress) {}); err == nil {
		t.Error("cancelled run succeeded")
	}
}

func TestProgressPercent(t *testing.T) {
	tests := []struct {
		p    Progress
		want int
	}{
		{Progress{BytesDone: 50, BytesTotal: 100}, 50},
		{Progress{ItemsDone: 1, ItemsTotal: 4}, 25},
		{Progress{BytesDone: 50, BytesTotal: 100, ItemsDone: 1, ItemsTotal: 4}, 50},
		{Progress{}, 0},
	}
	for _, tt := range tests {
		if got := tt.p.Percent(); got != tt.want {
			t.Errorf("Percent(%+v) = %d, want %d", tt.p, got, tt.want)
		}
	}
}
