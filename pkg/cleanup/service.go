// Package cleanup enforces disk retention for session workspaces and result
// mirrors.
package cleanup

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jokbolink/jokbod/pkg/config"
)

// Service periodically sweeps the storage root:
//   - temp session directories (downloads, chunk ledgers, batch results)
//     older than SessionAge
//   - result mirrors older than ResultAge
//   - per-job file mirrors older than SessionAge
//
// All operations are idempotent and safe to run from multiple processes.
type Service struct {
	cfg  *config.RetentionConfig
	root string

	cancel context.CancelFunc
	done   chan struct{}

	// now is injectable for tests.
	now func() time.Time
}

// NewService creates a cleanup service over the given storage root.
func NewService(cfg *config.RetentionConfig, storageRoot string) *Service {
	return &Service{cfg: cfg, root: storageRoot, now: time.Now}
}

// Start launches the background sweep loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"session_age", s.cfg.SessionAge,
		"result_age", s.cfg.ResultAge,
		"interval", s.cfg.Interval)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.SweepOnce()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce()
		}
	}
}

// SweepOnce runs one retention pass over all swept directories.
func (s *Service) SweepOnce() {
	s.sweepDir(filepath.Join(s.root, "temp", "sessions"), s.cfg.SessionAge)
	s.sweepDir(filepath.Join(s.root, "files"), s.cfg.SessionAge)
	s.sweepDir(filepath.Join(s.root, "results"), s.cfg.ResultAge)
}

// sweepDir removes per-job subdirectories of dir whose newest file is older
// than maxAge. A job directory still being written to keeps renewing its
// newest mtime and survives the sweep.
func (s *Service) sweepDir(dir string, maxAge time.Duration) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Error("Retention: reading sweep dir failed", "dir", dir, "error", err)
		}
		return
	}

	cutoff := s.now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if s.newestMtime(path).After(cutoff) {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			slog.Error("Retention: removing expired dir failed", "path", path, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		slog.Info("Retention: removed expired job directories", "dir", dir, "count", removed)
	}
}

// newestMtime returns the newest modification time found anywhere under
// path, falling back to the directory's own mtime.
func (s *Service) newestMtime(path string) time.Time {
	var newest time.Time
	_ = filepath.WalkDir(path, func(_ string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
		return nil
	})
	return newest
}
