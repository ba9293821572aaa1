// Package jobs is the task layer: top-level job entrypoints that load
// metadata, drive the orchestrator, build output artifacts, and own the
// terminal progress transition.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jokbolink/jokbod/pkg/config"
	"github.com/jokbolink/jokbod/pkg/credential"
	"github.com/jokbolink/jokbod/pkg/models"
	"github.com/jokbolink/jokbod/pkg/orchestrator"
	"github.com/jokbolink/jokbod/pkg/pdf"
	"github.com/jokbolink/jokbod/pkg/storage"
)

// User-visible progress messages.
const (
	MsgPreparing       = "분석 준비 중"
	MsgAnalyzing       = "청크 분석 중"
	MsgBuildingOutput  = "결과 PDF 생성 중"
	MsgComplete        = "완료"
	MsgCompleteWarning = "완료 (일부 실패)"
	MsgCancelled       = "취소됨"
	MsgFailed          = "실패"
	MsgTokensExhausted = "토큰 잔액 부족으로 작업이 중지되었습니다"
)

// ErrWrongMode indicates a job was dispatched to an entrypoint that does
// not handle its mode.
var ErrWrongMode = errors.New("job mode does not match entrypoint")

// PDFOps is the subset of pdf.Ops the runner needs. Satisfied by pdf.Ops.
type PDFOps interface {
	PageCount(path string) (int, error)
	ExtractRange(src string, r pdf.PageRange, destDir string) (string, error)
}

// Runner executes analysis jobs end to end.
type Runner struct {
	storage *storage.Service
	pool    *credential.Pool
	orch    *orchestrator.Orchestrator
	ops     PDFOps
	cfg     *config.Config
	builder OutputBuilder

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New builds a Runner. builder may be nil, in which case results are
// written as JSON documents.
func New(svc *storage.Service, pool *credential.Pool, orch *orchestrator.Orchestrator, ops PDFOps, cfg *config.Config, builder OutputBuilder) *Runner {
	if builder == nil {
		builder = JSONBuilder{}
	}
	return &Runner{
		storage: svc,
		pool:    pool,
		orch:    orch,
		ops:     ops,
		cfg:     cfg,
		builder: builder,
		cancels: make(map[string]context.CancelFunc),
	}
}

// RunJokboAnalysis executes a jokbo-centric or exam-only job.
func (r *Runner) RunJokboAnalysis(ctx context.Context, jobID string) error {
	return r.run(ctx, jobID, models.ModeJokboCentric, models.ModeExamOnly)
}

// RunLessonAnalysis executes a lesson-centric job.
func (r *Runner) RunLessonAnalysis(ctx context.Context, jobID string) error {
	return r.run(ctx, jobID, models.ModeLessonCentric)
}

// GeneratePartialJokbo executes a partial-jokbo job.
func (r *Runner) GeneratePartialJokbo(ctx context.Context, jobID string) error {
	return r.run(ctx, jobID, models.ModePartialJokbo)
}

// CancelJob requests cooperative cancellation: the KV flag stops remote
// workers, the local cancel func stops this process's goroutines.
func (r *Runner) CancelJob(ctx context.Context, jobID string) error {
	if err := r.storage.RequestCancel(ctx, jobID); err != nil {
		return err
	}
	r.mu.Lock()
	cancel, ok := r.cancels[jobID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

// Running reports whether the job is executing in this process.
func (r *Runner) Running(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.cancels[jobID]
	return ok
}

func (r *Runner) register(jobID string, cancel context.CancelFunc) {
	r.mu.Lock()
	r.cancels[jobID] = cancel
	r.mu.Unlock()
}

func (r *Runner) unregister(jobID string) {
	r.mu.Lock()
	delete(r.cancels, jobID)
	r.mu.Unlock()
}

// run wraps execute with the cancel registry and the terminal progress
// transition. Terminal writes use a background context so a cancelled job
// still records its final state.
func (r *Runner) run(ctx context.Context, jobID string, modes ...models.AnalysisMode) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.register(jobID, cancel)
	defer r.unregister(jobID)

	state := &jobState{}
	err := r.execute(ctx, jobID, state, modes)
	if err == nil {
		msg := MsgComplete
		if !state.warningsEmpty() {
			msg = MsgCompleteWarning
		}
		return r.finalize(jobID, msg, nil)
	}

	switch {
	case state.exhausted() || errors.Is(err, storage.ErrInsufficientTokens):
		return r.finalize(jobID, MsgTokensExhausted, err)
	case errors.Is(err, storage.ErrCancelled),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return r.finalize(jobID, MsgCancelled, storage.ErrCancelled)
	default:
		slog.Error("Job failed", "job_id", jobID, "error", err)
		return r.finalize(jobID, MsgFailed, err)
	}
}

func (r *Runner) finalize(jobID, msg string, cause error) error {
	if err := r.storage.FinalizeProgress(context.Background(), jobID, msg); err != nil {
		slog.Error("Failed to finalize progress", "job_id", jobID, "error", err)
	}
	return cause
}

// jobState carries a job's accumulated warnings and the token-exhaustion
// flag. Chunk settle hooks run on worker goroutines, so access is locked.
type jobState struct {
	mu              sync.Mutex
	warnings        models.Warnings
	tokensExhausted bool
}

func (s *jobState) setExhausted() {
	s.mu.Lock()
	s.tokensExhausted = true
	s.mu.Unlock()
}

func (s *jobState) exhausted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokensExhausted
}

func (s *jobState) mergeWarnings(w *models.Warnings) {
	s.mu.Lock()
	s.warnings.Merge(w)
	s.mu.Unlock()
}

func (s *jobState) addFailedFile(name string, reason string) {
	s.mu.Lock()
	s.warnings.FailedFiles = append(s.warnings.FailedFiles, models.FailedFile{
		Filename: name,
		Reason:   reason,
	})
	s.mu.Unlock()
}

func (s *jobState) warningsEmpty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.warnings.Empty()
}

// warningsSnapshot returns a copy for embedding into output payloads.
func (s *jobState) warningsSnapshot() models.Warnings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.Warnings{
		FailedFiles:  append([]models.FailedFile(nil), s.warnings.FailedFiles...),
		FailedChunks: append([]models.FailedChunk(nil), s.warnings.FailedChunks...),
	}
}

func modeAllowed(mode models.AnalysisMode, allowed []models.AnalysisMode) bool {
	for _, m := range allowed {
		if m == mode {
			return true
		}
	}
	return false
}

func (r *Runner) modelFor(tier models.ModelTier) string {
	if tier == models.TierPro {
		return r.cfg.Credentials.ProModel
	}
	return r.cfg.Credentials.FlashModel
}

func (r *Runner) chunkCost(tier models.ModelTier) int64 {
	if tier == models.TierPro {
		return int64(r.cfg.Analysis.ProTokensPerChunk)
	}
	return int64(r.cfg.Analysis.FlashTokensPerChunk)
}

func chunkReason(err error) string {
	return fmt.Sprintf("%v", err)
}
