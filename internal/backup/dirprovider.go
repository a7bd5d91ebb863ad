package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// DirProvider backs up a directory tree to a staging directory and writes a
// manifest of the copied files. It serves any category whose data lives in a
// directory tree.
type DirProvider struct {
	category   string
	sourceDir  string
	stagingDir string
}

// NewDirProvider creates a provider copying sourceDir into stagingDir for the
// given category.
func NewDirProvider(category, sourceDir, stagingDir string) *DirProvider {
	return &DirProvider{category: category, sourceDir: sourceDir, stagingDir: stagingDir}
}

func (p *DirProvider) Name() string     { return "dircopy" }
func (p *DirProvider) Category() string { return p.category }

// Estimate walks the source to size the work.
func (p *DirProvider) Estimate(ctx context.Context) (Progress, error) {
	var est Progress
	err := filepath.WalkDir(p.sourceDir, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				est.BytesTotal += info.Size()
				est.ItemsTotal++
			}
		}
		return nil
	})
	if err != nil {
		return Progress{}, fmt.Errorf("estimating %s: %w", p.sourceDir, err)
	}
	return est, nil
}

type manifestEntry struct {
	Path  string `json:"path"`
	Bytes int64  `json:"bytes"`
}

// Run copies the tree file by file, reporting cumulative progress.
func (p *DirProvider) Run(ctx context.Context, report func(Progress)) (*Result, error) {
	est, err := p.Estimate(ctx)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(p.stagingDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating staging dir: %w", err)
	}

	progress := Progress{BytesTotal: est.BytesTotal, ItemsTotal: est.ItemsTotal}
	var manifest []manifestEntry

	err = filepath.WalkDir(p.sourceDir, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil || !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(p.sourceDir, path)
		if err != nil {
			return nil
		}
		n, err := copyFile(path, filepath.Join(p.stagingDir, rel))
		if err != nil {
			return fmt.Errorf("copying %s: %w", rel, err)
		}

		manifest = append(manifest, manifestEntry{Path: rel, Bytes: n})
		progress.BytesDone += n
		progress.ItemsDone++
		report(progress)
		return nil
	})
	if err != nil {
		return nil, err
	}

	manifestPath := filepath.Join(p.stagingDir, "manifest.json")
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding manifest: %w", err)
	}
	if err := os.WriteFile(manifestPath, data, 0o600); err != nil {
		return nil, fmt.Errorf("writing manifest: %w", err)
	}

	return &Result{
		BytesDone:    progress.BytesDone,
		ItemsDone:    progress.ItemsDone,
		ManifestPath: manifestPath,
	}, nil
}

func copyFile(src, dst string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return 0, err
	}
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	defer out.Close()

	n, err := io.Copy(out, in)
	if err != nil {
		return n, err
	}
	return n, out.Close()
}
