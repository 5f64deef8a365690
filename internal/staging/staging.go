// Package staging injects bundled resources into the server's resources
// folder before each launch.
package staging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/gofrs/flock"
)

const (
	DefaultTargetName = "[fxrunner]"
	lockFileName      = ".fxrunner-staging.lock"
	lockRetry         = 100 * time.Millisecond
)

var manifestFiles = []string{"fxmanifest.lua", "__resource.lua"}

// Stager copies every resource found in SourceDir into
// <baseDir>/resources/<TargetName>. An empty SourceDir stages nothing.
type Stager struct {
	SourceDir  string
	TargetName string
	log        *slog.Logger
}

func New(sourceDir, targetName string, log *slog.Logger) *Stager {
	if targetName == "" {
		targetName = DefaultTargetName
	}
	if log == nil {
		log = slog.Default()
	}
	return &Stager{SourceDir: sourceDir, TargetName: targetName, log: log.With("component", "staging")}
}

// Dir returns the staging directory for baseDir.
func (s *Stager) Dir(baseDir string) string {
	return filepath.Join(baseDir, "resources", s.TargetName)
}

// Reset empties the staging directory, creating it when missing.
func (s *Stager) Reset(ctx context.Context, baseDir string) error {
	unlock, err := s.lock(ctx, baseDir)
	if err != nil {
		return err
	}
	defer unlock()

	dir := s.Dir(baseDir)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("reset staging dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	return nil
}

// List returns the names of resources in SourceDir, sorted.
func (s *Stager) List(_ context.Context, _ string) ([]string, error) {
	if s.SourceDir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(s.SourceDir)
	if err != nil {
		return nil, fmt.Errorf("list resources: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && hasManifest(filepath.Join(s.SourceDir, e.Name())) {
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)
	return names, nil
}

// Inject copies the named resources into the staging directory.
func (s *Stager) Inject(ctx context.Context, baseDir string, names []string) error {
	if len(names) == 0 {
		return nil
	}
	unlock, err := s.lock(ctx, baseDir)
	if err != nil {
		return err
	}
	defer unlock()

	dst := s.Dir(baseDir)
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		if name == "" || name != filepath.Base(name) {
			return fmt.Errorf("invalid resource name %q", name)
		}
		target := filepath.Join(dst, name)
		if err := os.RemoveAll(target); err != nil {
			return fmt.Errorf("clear %s: %w", name, err)
		}
		if err := os.CopyFS(target, os.DirFS(filepath.Join(s.SourceDir, name))); err != nil {
			return fmt.Errorf("inject %s: %w", name, err)
		}
	}
	s.log.Info("resources injected", "count", len(names), "dir", dst)
	return nil
}

func (s *Stager) lock(ctx context.Context, baseDir string) (func(), error) {
	fl := flock.New(filepath.Join(baseDir, lockFileName))
	ok, err := fl.TryLockContext(ctx, lockRetry)
	if err != nil {
		return nil, fmt.Errorf("lock staging area: %w", err)
	}
	if !ok {
		return nil, errors.New("lock staging area: not acquired")
	}
	return func() { _ = fl.Unlock() }, nil
}

func hasManifest(dir string) bool {
	for _, f := range manifestFiles {
		if _, err := os.Stat(filepath.Join(dir, f)); err == nil {
			return true
		}
	}
	return false
}
