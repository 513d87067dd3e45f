// Package discovery walks a corpus and registers every eligible file with the checkpoint store.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/raphaelgruber/ocrbatch/internal/checkpoint"
	"github.com/raphaelgruber/ocrbatch/internal/models"
)

// Stats counts what one scan saw.
type Stats struct {
	Scanned    int // directory entries visited
	Matched    int // distinct files with a recognised extension
	Registered int // records newly created by this scan
	Existing   int // records that were already known
	Skipped    int // unreadable entries or subtrees
}

// Scanner registers corpus files. It is safe to run repeatedly over the same root.
type Scanner struct {
	store      checkpoint.Store
	extensions map[string]bool
	logger     *slog.Logger
}

// NewScanner creates a scanner accepting the given extensions (".png" or "png", any case).
func NewScanner(store checkpoint.Store, extensions []string, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	exts := make(map[string]bool, len(extensions))
	for _, e := range extensions {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		exts[e] = true
	}
	return &Scanner{store: store, extensions: exts, logger: logger}
}

// Matches reports whether name carries a recognised extension.
func (s *Scanner) Matches(name string) bool {
	return s.extensions[strings.ToLower(filepath.Ext(name))]
}

// CheckRoot resolves root and verifies it is a directory whose entries can be listed.
// It returns the canonical root.
func CheckRoot(root string) (string, error) {
	canonicalRoot, err := Canonicalize(root)
	if err != nil {
		return "", fmt.Errorf("corpus root: %w", err)
	}
	info, err := os.Stat(canonicalRoot)
	if err != nil {
		return "", fmt.Errorf("corpus root: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("corpus root %s: not a directory", root)
	}
	f, err := os.Open(canonicalRoot)
	if err != nil {
		return "", fmt.Errorf("corpus root: %w", err)
	}
	defer f.Close()
	if _, err := f.ReadDir(1); err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("corpus root %s: %w", root, err)
	}
	return canonicalRoot, nil
}

// Scan walks root and registers unseen files under their canonical path.
// An unreadable root is an error; unreadable entries below it are logged and skipped.
func (s *Scanner) Scan(ctx context.Context, root string) (Stats, error) {
	var stats Stats

	canonicalRoot, err := CheckRoot(root)
	if err != nil {
		return stats, err
	}

	s.logger.Info("scanning corpus", "root", canonicalRoot)
	seen := make(map[string]bool)

	walkFn := func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if path == canonicalRoot {
				return err
			}
			stats.Skipped++
			s.logger.Warn("skipping unreadable entry", "path", path, "error", err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		stats.Scanned++
		if d.IsDir() || !s.Matches(d.Name()) {
			return nil
		}

		canonical, err := Canonicalize(path)
		if err != nil {
			stats.Skipped++
			s.logger.Warn("skipping unresolvable file", "path", path, "error", err)
			return nil
		}
		if seen[canonical] {
			return nil
		}
		seen[canonical] = true

		fi, err := os.Stat(canonical)
		if err != nil {
			stats.Skipped++
			s.logger.Warn("skipping unreadable file", "path", canonical, "error", err)
			return nil
		}
		if !fi.Mode().IsRegular() {
			return nil
		}
		stats.Matched++

		_, created, err := s.store.Register(ctx, models.FileInput{
			Path:      canonical,
			Name:      filepath.Base(canonical),
			SizeBytes: fi.Size(),
			Type:      models.FileType(canonical),
		})
		if err != nil {
			return fmt.Errorf("register %s: %w", canonical, err)
		}
		if created {
			stats.Registered++
		} else {
			stats.Existing++
		}
		return nil
	}

	if err := filepath.WalkDir(canonicalRoot, walkFn); err != nil {
		return stats, fmt.Errorf("scan corpus: %w", err)
	}

	s.logger.Info("scan complete",
		"root", canonicalRoot,
		"matched", stats.Matched,
		"registered", stats.Registered,
		"existing", stats.Existing,
		"skipped", stats.Skipped)
	return stats, nil
}

// Canonicalize returns the absolute, symlink-free form of path.
func Canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}
