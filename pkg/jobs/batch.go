package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jokbolink/jokbod/pkg/models"
)

// batchDir is where per-primary batch results wait for aggregation.
func (r *Runner) batchDir(jobID string) string {
	return filepath.Join(r.storage.SessionDir(jobID), "batch")
}

func (r *Runner) batchResultPath(jobID string, index int) string {
	return filepath.Join(r.batchDir(jobID), fmt.Sprintf("result_%03d.json", index))
}

// BatchAnalyzeSingle analyzes the index-th primary of a batch job and
// persists its merged result for a later AggregateBatch. Progress is shared
// across the batch: init is monotonic, each worker ticks its own chunks.
func (r *Runner) BatchAnalyzeSingle(ctx context.Context, jobID string, index int) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.register(jobID, cancel)
	defer r.unregister(jobID)

	state := &jobState{}
	err := r.batchAnalyze(ctx, jobID, index, state)
	if err == nil {
		return nil
	}

	switch {
	case state.exhausted() || isTerminal(err):
		msg := MsgCancelled
		if state.exhausted() {
			msg = MsgTokensExhausted
		}
		return r.finalize(jobID, msg, err)
	default:
		slog.Error("Batch item failed", "job_id", jobID, "index", index, "error", err)
		return err
	}
}

func (r *Runner) batchAnalyze(ctx context.Context, jobID string, index int, state *jobState) error {
	if err := r.storage.CheckCancelled(ctx, jobID); err != nil {
		return err
	}

	meta, err := r.storage.GetJobMetadata(ctx, jobID)
	if err != nil {
		return fmt.Errorf("loading job metadata: %w", err)
	}

	allKeys := append(append([]string{}, meta.JokboKeys...), meta.LessonKeys...)
	r.storage.RefreshTTL(ctx, allKeys, 0)

	files, err := r.download(ctx, jobID, allKeys)
	if err != nil {
		return err
	}

	units, totalChunks, err := r.planUnits(ctx, jobID, meta, files, state)
	if err != nil {
		return err
	}
	if index < 0 || index >= len(units) {
		return fmt.Errorf("batch index %d out of range (%d primaries)", index, len(units))
	}

	// Every worker inits with the same total; init is monotonic so the
	// first one wins and the rest are no-ops.
	if err := r.storage.InitProgress(ctx, jobID, totalChunks+int64(len(units)), MsgPreparing); err != nil {
		return err
	}
	if meta.TokenBudget > 0 {
		if err := r.storage.SetJobTokenBudget(ctx, jobID, meta.TokenBudget); err != nil {
			slog.Warn("Failed to set job token budget", "job_id", jobID, "error", err)
		}
	}

	result, err := r.runUnit(ctx, jobID, meta, units[index], state)
	if err != nil {
		return err
	}

	payload := map[string]any{
		"source":   units[index].primary.name,
		"result":   result,
		"warnings": state.warningsSnapshot(),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(r.batchDir(jobID), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(r.batchResultPath(jobID, index), data, 0o644); err != nil {
		return fmt.Errorf("persisting batch result %d: %w", index, err)
	}
	// The post-processing slot ticks when AggregateBatch stores the
	// artifact, not here.
	return nil
}

// batchItem is one persisted BatchAnalyzeSingle result.
type batchItem struct {
	Source   string          `json:"source"`
	Result   map[string]any  `json:"result"`
	Warnings models.Warnings `json:"warnings"`
}

// AggregateBatch collects every persisted batch result, builds one artifact
// per primary, and finalizes the job.
func (r *Runner) AggregateBatch(ctx context.Context, jobID string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.register(jobID, cancel)
	defer r.unregister(jobID)

	state := &jobState{}
	err := r.aggregate(ctx, jobID, state)
	if err == nil {
		msg := MsgComplete
		if !state.warningsEmpty() {
			msg = MsgCompleteWarning
		}
		return r.finalize(jobID, msg, nil)
	}
	if isTerminal(err) {
		return r.finalize(jobID, MsgCancelled, err)
	}
	return r.finalize(jobID, MsgFailed, err)
}

func (r *Runner) aggregate(ctx context.Context, jobID string, state *jobState) error {
	if err := r.storage.CheckCancelled(ctx, jobID); err != nil {
		return err
	}

	meta, err := r.storage.GetJobMetadata(ctx, jobID)
	if err != nil {
		return fmt.Errorf("loading job metadata: %w", err)
	}

	entries, err := os.ReadDir(r.batchDir(jobID))
	if err != nil {
		return fmt.Errorf("no batch results to aggregate: %w", err)
	}

	stored := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(r.batchDir(jobID), entry.Name()))
		if err != nil {
			return err
		}
		var item batchItem
		if err := json.Unmarshal(data, &item); err != nil {
			slog.Warn("Skipping corrupt batch result", "file", entry.Name(), "error", err)
			continue
		}
		state.mergeWarnings(&item.Warnings)

		if err := r.storeOutput(ctx, jobID, meta, localFile{name: item.Source}, item.Result, state); err != nil {
			if isTerminal(err) {
				return err
			}
			state.addFailedFile(item.Source, chunkReason(err))
			continue
		}
		stored++
	}

	if stored == 0 {
		return fmt.Errorf("batch job produced no aggregable results")
	}
	return nil
}
