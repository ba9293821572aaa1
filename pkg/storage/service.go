// Package storage owns the job, file, progress, result, and token namespaces
// over the KV store plus a local disk mirror.
package storage

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/jokbolink/jokbod/pkg/config"
	"github.com/jokbolink/jokbod/pkg/kv"
)

// Service provides every persistence operation of the pipeline. When the KV
// store is unreachable it degrades to disk-only mode for file blobs; job
// metadata, progress, and token accounting require the KV store.
type Service struct {
	kv   *kv.Client
	cfg  *config.StorageConfig
	root string

	// now is injectable for deterministic ETA tests.
	now func() time.Time
}

// New creates the storage service and ensures the disk layout exists.
func New(kvClient *kv.Client, cfg *config.StorageConfig) (*Service, error) {
	s := &Service{
		kv:   kvClient,
		cfg:  cfg,
		root: cfg.Root,
		now:  time.Now,
	}
	for _, dir := range []string{
		s.root,
		s.root + "/results",
		s.root + "/temp/sessions",
		s.root + "/files",
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Close releases the underlying KV connection.
func (s *Service) Close() error {
	return s.kv.Close()
}

// Available reports whether the KV store is reachable.
func (s *Service) Available(ctx context.Context) bool {
	return s.kv.Available(ctx)
}

// Health returns KV health details for the operator API.
func (s *Service) Health(ctx context.Context) (map[string]any, error) {
	return s.kv.Health(ctx)
}

// RequestCancel raises the job's cancellation flag. Running tasks observe it
// at their next cooperative checkpoint.
func (s *Service) RequestCancel(ctx context.Context, job string) error {
	slog.Info("Cancellation requested", "job_id", job)
	return s.kv.Set(ctx, jobCancelKey(job), "1", s.cfg.CancelTTL)
}

// IsCancelled reports whether cancellation has been requested for job.
// A KV outage reads as not-cancelled; the job then fails on its own terms.
func (s *Service) IsCancelled(ctx context.Context, job string) bool {
	exists, err := s.kv.Exists(ctx, jobCancelKey(job))
	if err != nil {
		return false
	}
	return exists
}

// CheckCancelled returns ErrCancelled when the job's flag is set. Call sites
// are the cooperative cancellation checkpoints.
func (s *Service) CheckCancelled(ctx context.Context, job string) error {
	if err := ctx.Err(); err != nil {
		return ErrCancelled
	}
	if s.IsCancelled(ctx, job) {
		return ErrCancelled
	}
	return nil
}

// ClearCancel removes the cancellation flag, used when reusing a job id.
func (s *Service) ClearCancel(ctx context.Context, job string) error {
	return s.kv.Del(ctx, jobCancelKey(job))
}
