package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// StoreResult persists a finished output file: the blob goes into the KV
// store, a mirror copy lands under results/<job>/, and a path key indexes
// the mirror for listing. Returns the blob key.
func (s *Service) StoreResult(ctx context.Context, job, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading result %s: %w", path, err)
	}
	name := SanitizeName(filepath.Base(path))

	mirror := filepath.Join(s.ResultDir(job), name)
	if err := os.MkdirAll(filepath.Dir(mirror), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(mirror, data, 0o644); err != nil {
		return "", fmt.Errorf("mirroring result %s: %w", name, err)
	}

	key := resultKey(job, name)
	if err := s.kv.Set(ctx, key, data, s.cfg.MetadataTTL); err != nil {
		return "", fmt.Errorf("%w: store result blob: %v", ErrUnavailable, err)
	}
	if err := s.kv.Set(ctx, resultPathKey(job, name), mirror, s.cfg.MetadataTTL); err != nil {
		return "", err
	}
	return key, nil
}

// ListResults returns the filenames of the job's stored results. Falls back
// to the disk mirror when the KV store is down.
func (s *Service) ListResults(ctx context.Context, job string) ([]string, error) {
	prefix := fmt.Sprintf("result_path:%s:", job)
	var names []string
	err := s.kv.Scan(ctx, prefix+"*", func(keys []string) error {
		for _, k := range keys {
			names = append(names, strings.TrimPrefix(k, prefix))
		}
		return nil
	})
	if err == nil {
		return names, nil
	}

	entries, diskErr := os.ReadDir(s.ResultDir(job))
	if diskErr != nil {
		return nil, err
	}
	names = names[:0]
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// ReadResult returns a stored result blob by filename.
func (s *Service) ReadResult(ctx context.Context, job, name string) ([]byte, error) {
	name = SanitizeName(name)
	data, err := s.kv.GetBytes(ctx, resultKey(job, name))
	if err == nil {
		return data, nil
	}
	data, diskErr := os.ReadFile(filepath.Join(s.ResultDir(job), name))
	if diskErr != nil {
		return nil, fmt.Errorf("%w: result %s/%s", ErrNotFound, job, name)
	}
	return data, nil
}

// DeleteResult removes one result from the KV store and the disk mirror.
func (s *Service) DeleteResult(ctx context.Context, job, name string) error {
	name = SanitizeName(name)
	if err := s.kv.Del(ctx, resultKey(job, name), resultPathKey(job, name)); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(s.ResultDir(job), name))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// DeleteAllResults removes every result of the job.
func (s *Service) DeleteAllResults(ctx context.Context, job string) error {
	names, err := s.ListResults(ctx, job)
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := s.DeleteResult(ctx, job, name); err != nil {
			return err
		}
	}
	return os.RemoveAll(s.ResultDir(job))
}
