package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jokbolink/jokbod/pkg/analyzer"
	"github.com/jokbolink/jokbod/pkg/merge"
	"github.com/jokbolink/jokbod/pkg/models"
	"github.com/jokbolink/jokbod/pkg/orchestrator"
	"github.com/jokbolink/jokbod/pkg/pdf"
	"github.com/jokbolink/jokbod/pkg/storage"
)

// localFile is a job input downloaded into the session work directory.
type localFile struct {
	key  string
	path string
	name string
}

// unit is the work for one primary input: every chunk plan it fans out
// into, in a fixed order.
type unit struct {
	primary localFile
	plans   []*orchestrator.Plan
}

func (r *Runner) execute(ctx context.Context, jobID string, state *jobState, allowed []models.AnalysisMode) error {
	if err := r.storage.CheckCancelled(ctx, jobID); err != nil {
		return err
	}

	meta, err := r.storage.GetJobMetadata(ctx, jobID)
	if err != nil {
		return fmt.Errorf("loading job metadata: %w", err)
	}
	if !modeAllowed(meta.Mode, allowed) {
		return fmt.Errorf("%w: %s", ErrWrongMode, meta.Mode)
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

	if err := r.storage.InitProgress(ctx, jobID, totalChunks+int64(len(units)), MsgPreparing); err != nil {
		return fmt.Errorf("initializing progress: %w", err)
	}
	if meta.TokenBudget > 0 {
		if err := r.storage.SetJobTokenBudget(ctx, jobID, meta.TokenBudget); err != nil {
			slog.Warn("Failed to set job token budget", "job_id", jobID, "error", err)
		}
	}

	failed := 0
	for _, u := range units {
		result, err := r.runUnit(ctx, jobID, meta, u, state)
		if err != nil {
			if isTerminal(err) {
				return err
			}
			slog.Error("Primary file analysis failed",
				"job_id", jobID, "file", u.primary.name, "error", err)
			state.addFailedFile(u.primary.name, chunkReason(err))
			failed++
			continue
		}

		if err := r.storeOutput(ctx, jobID, meta, u.primary, result, state); err != nil {
			if isTerminal(err) {
				return err
			}
			state.addFailedFile(u.primary.name, chunkReason(err))
			failed++
		}
	}

	if failed == len(units) {
		return fmt.Errorf("all %d primary file(s) failed analysis", failed)
	}
	return nil
}

// runUnit runs every plan of a primary and merges the per-plan results.
func (r *Runner) runUnit(ctx context.Context, jobID string, meta *models.JobMetadata, u unit, state *jobState) (map[string]any, error) {
	var merged []map[string]any
	for _, plan := range u.plans {
		result, warnings, err := r.orch.Run(ctx, plan)
		state.mergeWarnings(warnings)
		if err != nil {
			if state.exhausted() {
				return nil, storage.ErrInsufficientTokens
			}
			return nil, err
		}
		merged = append(merged, result)
	}
	if state.exhausted() {
		return nil, storage.ErrInsufficientTokens
	}
	return merge.ChunkResults(merged, meta.Mode, r.minRelevance(meta)), nil
}

// storeOutput builds the primary's artifact, persists it, and ticks the
// post-processing slot.
func (r *Runner) storeOutput(ctx context.Context, jobID string, meta *models.JobMetadata, primary localFile, result map[string]any, state *jobState) error {
	if err := r.storage.CheckCancelled(ctx, jobID); err != nil {
		return err
	}

	outDir := filepath.Join(r.storage.SessionDir(jobID), "out")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}
	warnings := state.warningsSnapshot()
	outputPath, err := r.builder.Build(ctx, jobID, meta, primary.name, result, &warnings, outDir)
	if err != nil {
		return fmt.Errorf("building output for %s: %w", primary.name, err)
	}
	if _, err := r.storage.StoreResult(ctx, jobID, outputPath); err != nil {
		return fmt.Errorf("storing result for %s: %w", primary.name, err)
	}
	if _, err := r.storage.TickProgress(ctx, jobID, 1, MsgBuildingOutput); err != nil {
		slog.Warn("Failed to tick post-processing slot", "job_id", jobID, "error", err)
	}
	return nil
}

// download saves every input into its own numbered subdirectory of the
// session workspace. Distinct inputs may share a display name, so basenames
// alone cannot key the disk layout.
func (r *Runner) download(ctx context.Context, jobID string, keys []string) (map[string]localFile, error) {
	workDir := filepath.Join(r.storage.SessionDir(jobID), "files")

	files := make(map[string]localFile, len(keys))
	for i, key := range keys {
		dir := filepath.Join(workDir, fmt.Sprintf("f%02d", i))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		path, err := r.storage.SaveLocally(ctx, key, dir)
		if err != nil {
			return nil, fmt.Errorf("downloading %s: %w", key, err)
		}
		files[key] = localFile{key: key, path: path, name: storage.FileName(key)}
	}
	return files, nil
}

// planUnits expands the job into per-primary chunk plans and returns the
// total chunk count across all plans.
func (r *Runner) planUnits(ctx context.Context, jobID string, meta *models.JobMetadata, files map[string]localFile, state *jobState) ([]unit, int64, error) {
	primaries := meta.PrimaryKeys()
	counterparts := meta.CounterpartKeys()

	var units []unit
	total := int64(0)
	for pi, pk := range primaries {
		primary, ok := files[pk]
		if !ok {
			return nil, 0, fmt.Errorf("primary file %s not downloaded", pk)
		}

		u := unit{primary: primary}
		for ci, chunked := range r.chunkedFilesFor(meta, primary, counterparts, files) {
			// Position-based so two same-named documents, in one job or
			// across its primaries, never share a ledger or extraction dir.
			base := fmt.Sprintf("%s-p%02d-c%02d-%s", meta.Mode, pi, ci, fileStem(chunked.name))
			plan, err := r.buildPlan(ctx, jobID, meta, primary, chunked, base, counterparts, files, state)
			if err != nil {
				return nil, 0, err
			}
			total += int64(len(plan.Chunks))
			u.plans = append(u.plans, plan)
		}
		units = append(units, u)
	}
	return units, total, nil
}

// chunkedFilesFor selects which documents get split into page ranges: the
// counterpart files for the paired modes, the primary itself otherwise.
func (r *Runner) chunkedFilesFor(meta *models.JobMetadata, primary localFile, counterparts []string, files map[string]localFile) []localFile {
	switch meta.Mode {
	case models.ModeJokboCentric, models.ModeLessonCentric:
		out := make([]localFile, 0, len(counterparts))
		for _, key := range counterparts {
			if f, ok := files[key]; ok {
				out = append(out, f)
			}
		}
		return out
	default:
		return []localFile{primary}
	}
}

func (r *Runner) buildPlan(ctx context.Context, jobID string, meta *models.JobMetadata, primary, chunked localFile, ledgerBase string, counterparts []string, files map[string]localFile, state *jobState) (*orchestrator.Plan, error) {
	pageCount, err := r.ops.PageCount(chunked.path)
	if err != nil {
		return nil, fmt.Errorf("counting pages of %s: %w", chunked.name, err)
	}
	ranges := pdf.SplitRanges(pageCount, r.cfg.Analysis.MaxPagesPerChunk)

	extractDir := filepath.Join(r.storage.SessionDir(jobID), "extract", ledgerBase)
	chunks := make([]orchestrator.ChunkSpec, 0, len(ranges))
	for i, rg := range ranges {
		path := chunked.path
		if len(ranges) > 1 {
			path, err = r.ops.ExtractRange(chunked.path, rg, extractDir)
			if err != nil {
				return nil, fmt.Errorf("extracting %s of %s: %w", rg, chunked.name, err)
			}
		}
		chunks = append(chunks, orchestrator.ChunkSpec{Index: i, Path: path, Range: rg})
	}

	plan := &orchestrator.Plan{
		JobID:         jobID,
		Mode:          meta.Mode,
		Model:         r.modelFor(meta.ModelTier),
		ChunkedPath:   chunked.path,
		ChunkedName:   chunked.name,
		Chunks:        chunks,
		LedgerBase:    ledgerBase,
		MinRelevance:  r.minRelevance(meta),
		StartQuestion: meta.StartQuestion,
		EndQuestion:   meta.EndQuestion,
		OnChunkDone:   r.tickAndCharge(jobID, meta, state),
	}
	if !meta.MultiAPI {
		plan.MaxWorkers = 1
	}

	switch meta.Mode {
	case models.ModeJokboCentric:
		plan.FixedUploads = []analyzer.File{{Path: primary.path, Name: primary.name}}
		plan.LessonNames = fileNames(counterparts, files)
		plan.JokboNames = []string{primary.name}
	case models.ModeLessonCentric:
		plan.FixedUploads = []analyzer.File{{Path: primary.path, Name: primary.name}}
		plan.JokboNames = fileNames(counterparts, files)
		plan.LessonNames = []string{primary.name}
	case models.ModePartialJokbo:
		for _, key := range counterparts {
			if f, ok := files[key]; ok {
				plan.FixedUploads = append(plan.FixedUploads, analyzer.File{Path: f.path, Name: f.name})
			}
		}
		plan.LessonNames = fileNames(counterparts, files)
		plan.JokboNames = []string{primary.name}
	case models.ModeExamOnly:
		plan.JokboNames = []string{primary.name}
	}
	return plan, nil
}

// tickAndCharge is the per-chunk settle hook: charge first, tick only for
// charged chunks. An exhausted balance flips the state flag; the storage
// layer has already flagged the job for cancellation.
func (r *Runner) tickAndCharge(jobID string, meta *models.JobMetadata, state *jobState) func(context.Context, orchestrator.ChunkSpec, error) {
	cost := r.chunkCost(meta.ModelTier)
	return func(ctx context.Context, chunk orchestrator.ChunkSpec, chunkErr error) {
		if state.exhausted() {
			return
		}
		if err := r.storage.ConsumeTokensForJob(ctx, jobID, meta.UserID, cost); err != nil {
			if errors.Is(err, storage.ErrInsufficientTokens) {
				state.setExhausted()
			} else {
				slog.Warn("Token charge failed", "job_id", jobID, "error", err)
			}
			return
		}
		if _, err := r.storage.TickProgress(ctx, jobID, 1, MsgAnalyzing); err != nil {
			slog.Warn("Failed to tick progress", "job_id", jobID, "error", err)
		}
	}
}

func (r *Runner) minRelevance(meta *models.JobMetadata) int {
	if meta.MinRelevance > 0 {
		return meta.MinRelevance
	}
	return r.cfg.Analysis.DefaultMinRelevance
}

func fileStem(name string) string {
	return strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
}

func fileNames(keys []string, files map[string]localFile) []string {
	names := make([]string, 0, len(keys))
	for _, key := range keys {
		if f, ok := files[key]; ok {
			names = append(names, f.name)
		}
	}
	return names
}

func isTerminal(err error) bool {
	return errors.Is(err, storage.ErrCancelled) ||
		errors.Is(err, storage.ErrInsufficientTokens) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
