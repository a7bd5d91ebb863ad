// Package scan detects local user profiles and classifies them for the
// migration workflow. Classification heuristics are an external collaborator
// behind the Scanner interface; the filesystem implementation here is the
// default used on plain Linux hosts.
package scan

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/resetready/migrationd/internal/config"
	"github.com/resetready/migrationd/internal/logging"
	"github.com/resetready/migrationd/internal/store"
)

// Scanner enumerates and classifies local user profiles.
type Scanner interface {
	Scan(ctx context.Context) ([]*store.UserProfile, error)
}

// FSScanner walks a profiles root directory. Each immediate subdirectory is
// one profile; last login is approximated by the directory mtime.
type FSScanner struct {
	cfg config.ScanConfig
}

// NewFSScanner creates a filesystem profile scanner.
func NewFSScanner(cfg config.ScanConfig) *FSScanner {
	return &FSScanner{cfg: cfg}
}

// Scan enumerates profiles under the root and classifies each one. A profile
// is active when its last login is within the configured window and its size
// is above the configured threshold; active profiles require backup.
func (s *FSScanner) Scan(ctx context.Context) ([]*store.UserProfile, error) {
	entries, err := os.ReadDir(s.cfg.ProfilesRoot)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	loginCutoff := now.Add(-time.Duration(s.cfg.ActiveLoginDays) * 24 * time.Hour)
	minSizeBytes := s.cfg.ActiveMinSizeMB * 1024 * 1024

	var profiles []*store.UserProfile
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !entry.IsDir() || s.excluded(entry.Name()) {
			continue
		}

		path := filepath.Join(s.cfg.ProfilesRoot, entry.Name())
		info, err := entry.Info()
		if err != nil {
			logging.Warn("Skipping profile %s: %v", path, err)
			continue
		}

		size := dirSize(ctx, path)
		lastLogin := info.ModTime()
		active := lastLogin.After(loginCutoff) && size > minSizeBytes

		profiles = append(profiles, &store.UserProfile{
			UserID:           entry.Name(),
			DisplayName:      entry.Name(),
			ProfilePath:      path,
			ProfileSizeBytes: size,
			LastLoginAt:      &lastLogin,
			IsActive:         active,
			RequiresBackup:   active,
			Status:           "present",
		})
	}
	return profiles, nil
}

func (s *FSScanner) excluded(name string) bool {
	for _, ex := range s.cfg.Exclude {
		if name == ex {
			return true
		}
	}
	return false
}

func dirSize(ctx context.Context, root string) int64 {
	var total int64
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fs.SkipAll
		}
		if err != nil {
			// Unreadable entries just don't count toward the size.
			return nil
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	return total
}
