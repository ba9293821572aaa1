// Package analyzer runs single LLM analysis calls for each mode. An
// analyzer is bound to exactly one credential's client for its lifetime and
// follows a fresh-slate policy: upload what the call needs, generate, then
// delete the uploads.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/jokbolink/jokbod/pkg/llm"
	"github.com/jokbolink/jokbod/pkg/models"
	"github.com/jokbolink/jokbod/pkg/parse"
	"github.com/jokbolink/jokbod/pkg/pdf"
	"github.com/jokbolink/jokbod/pkg/storage"
)

// ErrSuspiciousResponse indicates the LLM returned text that looked like a
// result but could not be recovered into one. In single-attempt operation it
// surfaces so the caller can fail over to another credential.
var ErrSuspiciousResponse = errors.New("suspicious llm response")

// qualityRetryAttempts bounds the in-credential retry when the analyzer owns
// its own retries.
const qualityRetryAttempts = 3

// File pairs an on-disk path with the original basename of the document it
// came from.
type File struct {
	Path string
	Name string
}

// Request describes one analysis call. Uploads lists every file the call
// attaches, chunk extract included; ChunkRange is the absolute page range
// the chunked file covers in its source document.
type Request struct {
	JobID      string
	Uploads    []File
	ChunkRange pdf.PageRange

	// LessonNames and JokboNames are the original basenames used to
	// normalize filenames the LLM echoes back.
	LessonNames []string
	JokboNames  []string

	MinRelevance  int
	StartQuestion int
	EndQuestion   int
}

// Options configures a mode analyzer.
type Options struct {
	Client  llm.Client
	Storage *storage.Service
	Prompts PromptLibrary
	Model   string

	// SingleAttempt disables the in-credential quality retry; the
	// orchestrator's failover owns retries instead.
	SingleAttempt bool

	// DebugDir, when set, receives a copy of each raw response.
	DebugDir string
}

// Analyzer is one mode's analysis entrypoint.
type Analyzer interface {
	Mode() models.AnalysisMode
	Analyze(ctx context.Context, req Request) (map[string]any, error)
}

// New returns the analyzer for a mode.
func New(mode models.AnalysisMode, opts Options) (Analyzer, error) {
	base := &base{opts: opts}
	if base.opts.Prompts == nil {
		base.opts.Prompts = DefaultPrompts{}
	}
	switch mode {
	case models.ModeJokboCentric:
		return &jokboCentric{base}, nil
	case models.ModeLessonCentric:
		return &lessonCentric{base}, nil
	case models.ModePartialJokbo:
		return &partialJokbo{base}, nil
	case models.ModeExamOnly:
		return &examOnly{base}, nil
	default:
		return nil, fmt.Errorf("unknown analysis mode %q", mode)
	}
}

type base struct {
	opts Options
}

// run is the shared call skeleton: cancel check, fresh-slate uploads,
// generation with quality retry, parse.
func (b *base) run(ctx context.Context, mode models.AnalysisMode, req Request) (map[string]any, error) {
	if err := b.opts.Storage.CheckCancelled(ctx, req.JobID); err != nil {
		return nil, err
	}

	handles, err := b.uploadAll(ctx, req)
	if err != nil {
		return nil, err
	}
	defer b.deleteAll(handles)

	prompt := b.opts.Prompts.Build(mode, req)
	return b.generateWithQualityRetry(ctx, mode, req.JobID, prompt, handles)
}

// uploadAll pushes every request file under a generated display name,
// checking the cancel flag before each upload. On failure or cancellation,
// files already uploaded are removed.
func (b *base) uploadAll(ctx context.Context, req Request) ([]*llm.FileHandle, error) {
	var handles []*llm.FileHandle
	for _, f := range req.Uploads {
		if err := b.opts.Storage.CheckCancelled(ctx, req.JobID); err != nil {
			b.deleteAll(handles)
			return nil, err
		}
		displayName := "doc-" + uuid.NewString() + filepath.Ext(f.Path)
		handle, err := b.opts.Client.UploadFile(ctx, f.Path, displayName)
		if err != nil {
			b.deleteAll(handles)
			return nil, fmt.Errorf("uploading %s: %w", f.Name, err)
		}
		handles = append(handles, handle)
	}
	return handles, nil
}

// deleteAll removes uploads best effort. Deletion runs even when the call's
// context is already cancelled.
func (b *base) deleteAll(handles []*llm.FileHandle) {
	for _, h := range handles {
		if err := b.opts.Client.DeleteFile(context.Background(), h); err != nil {
			slog.Warn("Failed to delete uploaded file", "name", h.Name, "error", err)
		}
	}
}

func (b *base) generateWithQualityRetry(ctx context.Context, mode models.AnalysisMode, jobID, prompt string, handles []*llm.FileHandle) (map[string]any, error) {
	attempts := qualityRetryAttempts
	if b.opts.SingleAttempt {
		attempts = 1
	}

	var lastRaw string
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := b.opts.Storage.CheckCancelled(ctx, jobID); err != nil {
			return nil, err
		}

		res, err := b.opts.Client.GenerateContent(ctx, b.opts.Model, prompt, handles)
		if err != nil {
			return nil, err
		}
		if res.PromptBlocked {
			return nil, &llm.PromptBlockedError{Reason: res.BlockReason}
		}
		b.saveDebugResponse(mode, attempt, res.Text)

		// An empty answer is a valid "no matches", not a failure.
		if strings.TrimSpace(res.Text) == "" {
			return parse.EmptyResult(mode), nil
		}

		lastRaw = res.Text
		result, err := parse.Parse(res.Text, mode)
		if err == nil && !parse.IsSuspicious(res.Text, result, mode) {
			return result, nil
		}
		slog.Warn("Suspicious analysis response, retrying",
			"mode", mode, "attempt", attempt, "attempts", attempts, "parse_error", err)
	}

	if b.opts.SingleAttempt {
		return nil, fmt.Errorf("%w after %d attempt(s)", ErrSuspiciousResponse, attempts)
	}
	// Persistent garbage degrades to an empty chunk result.
	slog.Warn("Analysis response unrecoverable, returning empty result",
		"mode", mode, "response_len", len(lastRaw))
	return parse.EmptyResult(mode), nil
}

func (b *base) saveDebugResponse(mode models.AnalysisMode, attempt int, text string) {
	if b.opts.DebugDir == "" {
		return
	}
	name := fmt.Sprintf("response_%s_%d_%s.txt", mode, attempt, uuid.NewString()[:8])
	if err := os.WriteFile(filepath.Join(b.opts.DebugDir, name), []byte(text), 0o644); err != nil {
		slog.Warn("Failed to save debug response", "error", err)
	}
}
