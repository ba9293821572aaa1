package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jokbolink/jokbod/pkg/kv"
	"github.com/jokbolink/jokbod/pkg/models"
)

// StoreJobMetadata persists the job description with the metadata TTL.
func (s *Service) StoreJobMetadata(ctx context.Context, meta *models.JobMetadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, jobMetadataKey(meta.JobID), data, s.cfg.MetadataTTL); err != nil {
		return fmt.Errorf("%w: store metadata: %v", ErrUnavailable, err)
	}
	return nil
}

// GetJobMetadata loads the job description. A missing record is fatal for a
// job run and surfaces as ErrNotFound.
func (s *Service) GetJobMetadata(ctx context.Context, job string) (*models.JobMetadata, error) {
	raw, err := s.kv.GetBytes(ctx, jobMetadataKey(job))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("%w: metadata for job %s", ErrNotFound, job)
	}
	if err != nil {
		return nil, fmt.Errorf("metadata for job %s: %w", job, err)
	}
	var meta models.JobMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("corrupt metadata for job %s: %w", job, err)
	}
	return &meta, nil
}

// SetJobOwner binds the job to a user and records it in the user's job list.
func (s *Service) SetJobOwner(ctx context.Context, job, user string) error {
	if err := s.kv.Set(ctx, jobUserKey(job), user, s.cfg.MetadataTTL); err != nil {
		return err
	}
	return s.kv.LPush(ctx, userJobsKey(user), job)
}

// GetJobOwner returns the user that owns the job.
func (s *Service) GetJobOwner(ctx context.Context, job string) (string, error) {
	return s.kv.Get(ctx, jobUserKey(job))
}

// ListUserJobs returns the user's most recent job ids, newest first.
func (s *Service) ListUserJobs(ctx context.Context, user string, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.kv.LRange(ctx, userJobsKey(user), 0, limit-1)
}

// RemoveUserJob drops the job from the user's history list.
func (s *Service) RemoveUserJob(ctx context.Context, user, job string) error {
	return s.kv.LRem(ctx, userJobsKey(user), 0, job)
}

// SetJobTask records the async task id currently driving the job.
func (s *Service) SetJobTask(ctx context.Context, job, taskID string) error {
	return s.kv.Set(ctx, jobTaskKey(job), taskID, s.cfg.MetadataTTL)
}

// GetJobTask returns the async task id driving the job, if any.
func (s *Service) GetJobTask(ctx context.Context, job string) (string, error) {
	return s.kv.Get(ctx, jobTaskKey(job))
}

// DeleteJob removes every KV record of the job. Disk artifacts are left to
// the retention sweeper.
func (s *Service) DeleteJob(ctx context.Context, job string) error {
	owner, err := s.GetJobOwner(ctx, job)
	if err == nil && owner != "" {
		_ = s.RemoveUserJob(ctx, owner, job)
	}
	return s.kv.Del(ctx,
		jobMetadataKey(job),
		jobUserKey(job),
		jobTaskKey(job),
		jobCancelKey(job),
		progressKey(job),
	)
}
