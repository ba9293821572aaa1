// Package orchestrator schedules chunk analysis across the credential pool:
// disk-backed resume, bounded parallel distribution with failover, adaptive
// split retry for failed chunks, and a deterministic final merge.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jokbolink/jokbod/pkg/analyzer"
	"github.com/jokbolink/jokbod/pkg/credential"
	"github.com/jokbolink/jokbod/pkg/llm"
	"github.com/jokbolink/jokbod/pkg/merge"
	"github.com/jokbolink/jokbod/pkg/models"
	"github.com/jokbolink/jokbod/pkg/pdf"
	"github.com/jokbolink/jokbod/pkg/storage"
)

// ChunkSpec is one scheduled page-range chunk of the chunked source file.
type ChunkSpec struct {
	Index int
	Path  string
	Range pdf.PageRange
}

// Plan describes the chunk work for one primary file of a job.
type Plan struct {
	JobID string
	Mode  models.AnalysisMode
	Model string

	// ChunkedPath/ChunkedName identify the source document the chunks were
	// extracted from; halves for the adaptive split are re-extracted from it.
	ChunkedPath string
	ChunkedName string
	Chunks      []ChunkSpec

	// FixedUploads are attached whole to every chunk call.
	FixedUploads []analyzer.File

	LessonNames []string
	JokboNames  []string

	MinRelevance  int
	StartQuestion int
	EndQuestion   int

	// LedgerBase names the chunk ledger directory for this plan. It must be
	// unique per plan within the job, and stable across reruns so resume
	// finds the right entries. Empty falls back to "<mode>-<chunked stem>".
	LedgerBase string

	// MaxWorkers optionally caps parallelism below the pool's capacity.
	// Zero means pool capacity; single-credential operation passes 1.
	MaxWorkers int

	// OnChunkDone runs after each newly executed chunk settles, success or
	// not. It owns progress ticking and token charging. Ledger-resumed
	// chunks never re-invoke it: they were charged and counted on the run
	// that persisted them, and the monotonic progress record keeps that
	// credit.
	OnChunkDone func(ctx context.Context, chunk ChunkSpec, err error)
}

// RangeExtractor extracts a page range of a source PDF into its own file
// under destDir. Satisfied by pdf.Ops.
type RangeExtractor interface {
	ExtractRange(src string, r pdf.PageRange, destDir string) (string, error)
}

// Orchestrator runs chunk plans over a credential pool.
type Orchestrator struct {
	pool    *credential.Pool
	storage *storage.Service
	ops     RangeExtractor
	prompts analyzer.PromptLibrary

	// newAnalyzer is swappable in tests.
	newAnalyzer func(mode models.AnalysisMode, opts analyzer.Options) (analyzer.Analyzer, error)
}

// New builds an orchestrator over the given pool and storage.
func New(pool *credential.Pool, svc *storage.Service, ops RangeExtractor, prompts analyzer.PromptLibrary) *Orchestrator {
	return &Orchestrator{
		pool:        pool,
		storage:     svc,
		ops:         ops,
		prompts:     prompts,
		newAnalyzer: analyzer.New,
	}
}

// Run executes the plan and returns the merged result plus per-chunk
// warnings. Cancellation surfaces as storage.ErrCancelled.
func (o *Orchestrator) Run(ctx context.Context, plan *Plan) (map[string]any, *models.Warnings, error) {
	base := plan.LedgerBase
	if base == "" {
		base = string(plan.Mode) + "-" + stem(plan.ChunkedName)
	}
	ledgerDir := o.storage.ChunkDir(plan.JobID, base)
	if err := os.MkdirAll(ledgerDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("creating chunk ledger dir: %w", err)
	}

	ordered := make([]map[string]any, len(plan.Chunks))
	var pending []credential.Task
	for _, chunk := range plan.Chunks {
		if result, ok := o.loadChunkResult(ledgerDir, chunk.Index); ok {
			slog.Info("Resuming chunk from ledger",
				"job_id", plan.JobID, "chunk", chunk.Index)
			ordered[chunk.Index] = result
			continue
		}
		pending = append(pending, credential.Task{Index: chunk.Index, Payload: chunk})
	}

	warnings := &models.Warnings{}
	if len(pending) > 0 {
		results := o.pool.Distribute(ctx, pending, plan.MaxWorkers,
			func(ctx context.Context, cred *credential.Credential, task credential.Task) (any, error) {
				return o.runChunk(ctx, cred.Client, plan, task.Payload.(ChunkSpec), ledgerDir)
			},
			func(task credential.Task, err error) {
				if plan.OnChunkDone != nil {
					plan.OnChunkDone(ctx, task.Payload.(ChunkSpec), err)
				}
			})

		for _, res := range results {
			chunk := res.Task.Payload.(ChunkSpec)
			if res.Err == nil {
				ordered[chunk.Index] = res.Value.(map[string]any)
				continue
			}
			if errors.Is(res.Err, storage.ErrCancelled) || errors.Is(res.Err, context.Canceled) {
				return nil, nil, storage.ErrCancelled
			}
			o.retryFailedChunk(ctx, plan, chunk, res.Err, ledgerDir, ordered, warnings)
		}
	}

	merged, err := o.mergeAll(plan, ledgerDir, ordered)
	if err != nil {
		return nil, nil, err
	}
	return merged, warnings, nil
}

// runChunk executes one chunk under a specific credential's client. The
// analyzer runs single-attempt so failures fail over to the next key, and a
// successful result lands in the on-disk ledger before returning.
func (o *Orchestrator) runChunk(ctx context.Context, client llm.Client, plan *Plan, chunk ChunkSpec, ledgerDir string) (map[string]any, error) {
	a, err := o.newAnalyzer(plan.Mode, analyzer.Options{
		Client:        client,
		Storage:       o.storage,
		Prompts:       o.prompts,
		Model:         plan.Model,
		SingleAttempt: true,
	})
	if err != nil {
		return nil, err
	}

	result, err := a.Analyze(ctx, o.chunkRequest(plan, chunk))
	if err != nil {
		return nil, fmt.Errorf("chunk %d (%s): %w", chunk.Index, chunk.Range, err)
	}
	o.saveChunkResult(ledgerDir, chunk.Index, result)
	return result, nil
}

func (o *Orchestrator) chunkRequest(plan *Plan, chunk ChunkSpec) analyzer.Request {
	uploads := make([]analyzer.File, 0, len(plan.FixedUploads)+1)
	uploads = append(uploads, plan.FixedUploads...)
	uploads = append(uploads, analyzer.File{Path: chunk.Path, Name: plan.ChunkedName})
	return analyzer.Request{
		JobID:         plan.JobID,
		Uploads:       uploads,
		ChunkRange:    chunk.Range,
		LessonNames:   plan.LessonNames,
		JokboNames:    plan.JokboNames,
		MinRelevance:  plan.MinRelevance,
		StartQuestion: plan.StartQuestion,
		EndQuestion:   plan.EndQuestion,
	}
}

// retryFailedChunk applies the adaptive split: a failed multi-page chunk is
// halved once and each half reruns with failover. Prompt-blocked chunks are
// recorded as permanent without splitting.
func (o *Orchestrator) retryFailedChunk(ctx context.Context, plan *Plan, chunk ChunkSpec, cause error, ledgerDir string, ordered []map[string]any, warnings *models.Warnings) {
	if llm.IsPromptBlocked(cause) {
		warnings.FailedChunks = append(warnings.FailedChunks, models.FailedChunk{
			Filename:      plan.ChunkedName,
			Index:         chunk.Index,
			StartPage:     chunk.Range.Start,
			EndPage:       chunk.Range.End,
			Reason:        cause.Error(),
			PromptBlocked: true,
		})
		return
	}

	lo, hi, ok := pdf.Halve(chunk.Range)
	if !ok {
		warnings.FailedChunks = append(warnings.FailedChunks, o.permanentFailure(plan, chunk, cause))
		return
	}

	slog.Info("Splitting failed chunk at midpoint",
		"job_id", plan.JobID, "chunk", chunk.Index, "lo", lo.String(), "hi", hi.String())

	var halves []map[string]any
	for _, half := range []pdf.PageRange{lo, hi} {
		result, err := o.runHalf(ctx, plan, chunk, half, ledgerDir)
		if err != nil {
			warnings.FailedChunks = append(warnings.FailedChunks, o.permanentFailure(plan, chunk, err))
			return
		}
		halves = append(halves, result)
	}

	merged := merge.ChunkResults(halves, plan.Mode, plan.MinRelevance)
	o.saveChunkResult(ledgerDir, chunk.Index, merged)
	ordered[chunk.Index] = merged
}

// runHalf re-extracts one half of a failed chunk and runs it with failover.
// Halves land next to the plan's ledger so same-named documents in other
// plans never share extraction paths.
func (o *Orchestrator) runHalf(ctx context.Context, plan *Plan, chunk ChunkSpec, half pdf.PageRange, ledgerDir string) (map[string]any, error) {
	path, err := o.ops.ExtractRange(plan.ChunkedPath, half, filepath.Join(ledgerDir, "extract"))
	if err != nil {
		return nil, err
	}

	value, err := o.pool.ExecuteWithFailover(ctx, 0, func(ctx context.Context, cred *credential.Credential) (any, error) {
		return o.runChunkRange(ctx, cred.Client, plan, ChunkSpec{Index: chunk.Index, Path: path, Range: half})
	})
	if err != nil {
		return nil, err
	}
	return value.(map[string]any), nil
}

// runChunkRange is runChunk without the ledger write; halves persist only
// after both merge.
func (o *Orchestrator) runChunkRange(ctx context.Context, client llm.Client, plan *Plan, chunk ChunkSpec) (map[string]any, error) {
	a, err := o.newAnalyzer(plan.Mode, analyzer.Options{
		Client:        client,
		Storage:       o.storage,
		Prompts:       o.prompts,
		Model:         plan.Model,
		SingleAttempt: true,
	})
	if err != nil {
		return nil, err
	}
	return a.Analyze(ctx, o.chunkRequest(plan, chunk))
}

func (o *Orchestrator) permanentFailure(plan *Plan, chunk ChunkSpec, cause error) models.FailedChunk {
	return models.FailedChunk{
		Filename:  plan.ChunkedName,
		Index:     chunk.Index,
		StartPage: chunk.Range.Start,
		EndPage:   chunk.Range.End,
		Reason:    cause.Error(),
	}
}

// mergeAll prefers the on-disk ledger when it is complete, so a resumed job
// merges exactly what was persisted; otherwise it merges in memory.
func (o *Orchestrator) mergeAll(plan *Plan, ledgerDir string, ordered []map[string]any) (map[string]any, error) {
	fromDisk := make([]map[string]any, len(plan.Chunks))
	complete := true
	for _, chunk := range plan.Chunks {
		result, ok := o.loadChunkResult(ledgerDir, chunk.Index)
		if !ok {
			complete = false
			break
		}
		fromDisk[chunk.Index] = result
	}

	source := ordered
	if complete {
		source = fromDisk
	}
	return merge.ChunkResults(source, plan.Mode, plan.MinRelevance), nil
}

// --- chunk ledger ---

func chunkFile(ledgerDir string, index int) string {
	return filepath.Join(ledgerDir, fmt.Sprintf("chunk_%03d.json", index))
}

func (o *Orchestrator) loadChunkResult(ledgerDir string, index int) (map[string]any, bool) {
	data, err := os.ReadFile(chunkFile(ledgerDir, index))
	if err != nil {
		return nil, false
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		slog.Warn("Discarding corrupt chunk ledger entry",
			"path", chunkFile(ledgerDir, index), "error", err)
		return nil, false
	}
	return result, true
}

func (o *Orchestrator) saveChunkResult(ledgerDir string, index int, result map[string]any) {
	data, err := json.Marshal(result)
	if err != nil {
		slog.Warn("Failed to encode chunk result", "chunk", index, "error", err)
		return
	}
	if err := os.WriteFile(chunkFile(ledgerDir, index), data, 0o644); err != nil {
		slog.Warn("Failed to persist chunk result", "chunk", index, "error", err)
	}
}

func stem(name string) string {
	return strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
}
