package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jokbolink/jokbod/pkg/models"
)

// progressCap is the highest percentage reachable before finalization.
const progressCap = 99

// InitProgress creates or refreshes the job's progress record. Reinvocation
// is monotonic: neither total_chunks nor completed_chunks ever decreases, so
// a resumed job keeps credit for chunks already completed.
func (s *Service) InitProgress(ctx context.Context, job string, total int64, msg string) error {
	key := progressKey(job)

	existing, err := s.kv.HGetAll(ctx, key)
	if err != nil {
		return fmt.Errorf("%w: init progress: %v", ErrUnavailable, err)
	}
	if prev := parseInt64(existing["total_chunks"]); prev > total {
		total = prev
	}

	if _, err := s.kv.HSetNX(ctx, key, "started_at", s.now().Unix()); err != nil {
		return err
	}
	if _, err := s.kv.HSetNX(ctx, key, "completed_chunks", 0); err != nil {
		return err
	}
	if err := s.kv.HSet(ctx, key,
		"total_chunks", total,
		"message", msg,
	); err != nil {
		return err
	}
	return s.recompute(ctx, job)
}

// TickProgress atomically advances completed_chunks by inc and recomputes
// the percentage and ETA. The percentage is capped below 100 until
// FinalizeProgress runs.
func (s *Service) TickProgress(ctx context.Context, job string, inc int64, msg string) (*models.Progress, error) {
	key := progressKey(job)
	if _, err := s.kv.HIncrBy(ctx, key, "completed_chunks", inc); err != nil {
		return nil, fmt.Errorf("%w: tick progress: %v", ErrUnavailable, err)
	}
	if msg != "" {
		if err := s.kv.HSet(ctx, key, "message", msg); err != nil {
			return nil, err
		}
	}
	if err := s.recompute(ctx, job); err != nil {
		return nil, err
	}
	return s.GetProgress(ctx, job)
}

// FinalizeProgress is the terminal transition: completed is clamped to
// total and the percentage becomes 100. Idempotent.
func (s *Service) FinalizeProgress(ctx context.Context, job, msg string) error {
	key := progressKey(job)
	fields, err := s.kv.HGetAll(ctx, key)
	if err != nil {
		return fmt.Errorf("%w: finalize progress: %v", ErrUnavailable, err)
	}
	total := parseInt64(fields["total_chunks"])
	return s.kv.HSet(ctx, key,
		"completed_chunks", total,
		"progress", 100,
		"eta_seconds", 0,
		"message", msg,
	)
}

// GetProgress returns the job's progress record, or ErrNotFound when the
// job has never reported progress.
func (s *Service) GetProgress(ctx context.Context, job string) (*models.Progress, error) {
	fields, err := s.kv.HGetAll(ctx, progressKey(job))
	if err != nil {
		return nil, fmt.Errorf("%w: get progress: %v", ErrUnavailable, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: progress for job %s", ErrNotFound, job)
	}

	p := &models.Progress{
		TotalChunks:     parseInt64(fields["total_chunks"]),
		CompletedChunks: parseInt64(fields["completed_chunks"]),
		Percent:         int(parseInt64(fields["progress"])),
		Message:         fields["message"],
		AvgChunkSeconds: parseFloat(fields["avg_chunk_seconds"]),
		EtaSeconds:      parseFloat(fields["eta_seconds"]),
		JobTokenBudget:  parseInt64(fields["job_token_budget"]),
		JobTokensSpent:  parseInt64(fields["job_tokens_spent"]),
	}
	if ts := parseInt64(fields["started_at"]); ts > 0 {
		p.StartedAt = time.Unix(ts, 0)
	}
	return p, nil
}

// recompute derives progress, avg_chunk_seconds, and eta_seconds from the
// raw counters. progress = floor(100*completed/total), capped at 99.
func (s *Service) recompute(ctx context.Context, job string) error {
	key := progressKey(job)
	fields, err := s.kv.HGetAll(ctx, key)
	if err != nil {
		return err
	}

	total := parseInt64(fields["total_chunks"])
	completed := parseInt64(fields["completed_chunks"])
	if total > 0 && completed > total {
		completed = total
		if err := s.kv.HSet(ctx, key, "completed_chunks", completed); err != nil {
			return err
		}
	}

	percent := int64(0)
	if total > 0 {
		percent = 100 * completed / total
		if percent > progressCap {
			percent = progressCap
		}
	}

	var avg, eta float64
	if completed > 0 {
		startedAt := parseInt64(fields["started_at"])
		elapsed := s.now().Unix() - startedAt
		if elapsed < 0 {
			elapsed = 0
		}
		avg = float64(elapsed) / float64(completed)
		eta = avg * float64(total-completed)
	}

	return s.kv.HSet(ctx, key,
		"progress", percent,
		"avg_chunk_seconds", fmt.Sprintf("%.2f", avg),
		"eta_seconds", fmt.Sprintf("%.2f", eta),
	)
}

func parseInt64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
