package jobs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jokbolink/jokbod/pkg/config"
	"github.com/jokbolink/jokbod/pkg/credential"
	"github.com/jokbolink/jokbod/pkg/kv"
	"github.com/jokbolink/jokbod/pkg/llm"
	"github.com/jokbolink/jokbod/pkg/llm/llmtest"
	"github.com/jokbolink/jokbod/pkg/models"
	"github.com/jokbolink/jokbod/pkg/orchestrator"
	"github.com/jokbolink/jokbod/pkg/pdf"
	"github.com/jokbolink/jokbod/pkg/storage"
)

// fakeOps counts pages from a fixture table and extracts ranges as stub
// files in the requested destination directory.
type fakeOps struct {
	pages map[string]int
}

func (f *fakeOps) PageCount(path string) (int, error) {
	if pages, ok := f.pages[filepath.Base(path)]; ok {
		return pages, nil
	}
	return 0, fmt.Errorf("no page fixture for %s", filepath.Base(path))
}

func (f *fakeOps) ExtractRange(src string, r pdf.PageRange, destDir string) (string, error) {
	if destDir == "" {
		destDir = filepath.Dir(src)
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", err
	}
	stem := strings.TrimSuffix(filepath.Base(src), ".pdf")
	path := filepath.Join(destDir, fmt.Sprintf("%s_p%d-%d.pdf", stem, r.Start, r.End))
	if err := os.WriteFile(path, []byte("%PDF-stub"), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

type fixture struct {
	svc    *storage.Service
	pool   *credential.Pool
	fakes  map[string]*llmtest.FakeClient
	runner *Runner
	cfg    *config.Config
	ops    *fakeOps
}

func newFixture(t *testing.T, keys ...string) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := config.Default()
	cfg.Storage.Root = t.TempDir()
	cfg.Credentials.APIKeys = keys
	cfg.Credentials.CoolingWait = 0

	svc, err := storage.New(kv.NewFromRedis(rdb, 3), cfg.Storage)
	require.NoError(t, err)

	fakes := make(map[string]*llmtest.FakeClient)
	pool, err := credential.NewPool(context.Background(), cfg.Credentials,
		func(_ context.Context, key string) (llm.Client, error) {
			f := llmtest.NewFakeClient(key)
			fakes[key] = f
			return f, nil
		})
	require.NoError(t, err)

	ops := &fakeOps{pages: map[string]int{}}
	orch := orchestrator.New(pool, svc, ops, nil)
	return &fixture{
		svc:    svc,
		pool:   pool,
		fakes:  fakes,
		runner: New(svc, pool, orch, ops, cfg, nil),
		cfg:    cfg,
		ops:    ops,
	}
}

// storeInput uploads a stub PDF into storage and registers its page count.
func (f *fixture) storeInput(t *testing.T, job, name string, kind models.FileKind, pages int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("%PDF-stub "+name), 0o644))

	key, err := f.svc.StoreFile(context.Background(), path, job, kind)
	require.NoError(t, err)
	f.ops.pages[storage.SanitizeName(name)] = pages
	return key
}

func (f *fixture) storeMeta(t *testing.T, meta *models.JobMetadata) {
	t.Helper()
	require.NoError(t, f.svc.StoreJobMetadata(context.Background(), meta))
	require.NoError(t, f.svc.SetJobOwner(context.Background(), meta.JobID, meta.UserID))
}

func pageResult(page int, question string) string {
	return fmt.Sprintf(`{"jokbo_pages": [{"jokbo_page": %d, "questions": [{
		"question_number": %q, "question_text": "Q", "answer": "1번",
		"related_lesson_slides": [{"lesson_filename": "lesson.pdf", "lesson_page": 1, "relevance_score": 90}]
	}]}]}`, page, question)
}

func respondByChunk(responses map[string]string, fallback string) func(int, string, string, []*llm.FileHandle) (*llm.GenerateResult, error) {
	return func(_ int, _, _ string, files []*llm.FileHandle) (*llm.GenerateResult, error) {
		for _, h := range files {
			for suffix, text := range responses {
				if strings.Contains(h.URI, suffix) {
					return &llm.GenerateResult{Text: text}, nil
				}
			}
		}
		return &llm.GenerateResult{Text: fallback}, nil
	}
}

func TestRunJokboAnalysisHappyPath(t *testing.T) {
	f := newFixture(t, "k0")
	ctx := context.Background()

	jokboKey := f.storeInput(t, "job-1", "jokbo.pdf", models.KindJokbo, 3)
	lessonKey := f.storeInput(t, "job-1", "lesson.pdf", models.KindLesson, 50)
	f.storeMeta(t, &models.JobMetadata{
		JobID:     "job-1",
		Mode:      models.ModeJokboCentric,
		UserID:    "user-1",
		ModelTier: models.TierFlash,
		MultiAPI:  true,
		JokboKeys: []string{jokboKey}, LessonKeys: []string{lessonKey},
	})
	require.NoError(t, f.svc.SetUserTokens(ctx, "user-1", 10))

	f.fakes["k0"].GenerateFunc = respondByChunk(map[string]string{
		"_p1-40":  pageResult(1, "1"),
		"_p41-50": pageResult(2, "2"),
	}, "")

	require.NoError(t, f.runner.RunJokboAnalysis(ctx, "job-1"))

	p, err := f.svc.GetProgress(ctx, "job-1")
	require.NoError(t, err)
	assert.EqualValues(t, 100, p.Percent)
	assert.EqualValues(t, 3, p.TotalChunks, "2 lesson chunks + 1 post slot")
	assert.EqualValues(t, 3, p.CompletedChunks)
	assert.Equal(t, MsgComplete, p.Message)

	balance, err := f.svc.GetUserTokens(ctx, "user-1")
	require.NoError(t, err)
	assert.EqualValues(t, 8, balance, "one flash token per analyzed chunk")

	results, err := f.svc.ListResults(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, results, 1)

	data, err := f.svc.ReadResult(ctx, "job-1", results[0])
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, `"relevance_score": 90`)
	assert.Contains(t, text, "lesson.pdf")
	assert.NotContains(t, text, "warnings")
	assert.Equal(t, 0, f.fakes["k0"].LiveUploads())
}

func TestRunTokenExhaustionCancelsJob(t *testing.T) {
	f := newFixture(t, "k0")
	ctx := context.Background()

	jokboKey := f.storeInput(t, "job-1", "jokbo.pdf", models.KindJokbo, 3)
	lessonKey := f.storeInput(t, "job-1", "lesson.pdf", models.KindLesson, 200)
	f.storeMeta(t, &models.JobMetadata{
		JobID:     "job-1",
		Mode:      models.ModeJokboCentric,
		UserID:    "user-1",
		ModelTier: models.TierFlash,
		JokboKeys: []string{jokboKey}, LessonKeys: []string{lessonKey},
	})
	require.NoError(t, f.svc.SetUserTokens(ctx, "user-1", 2))

	f.fakes["k0"].GenerateFunc = func(int, string, string, []*llm.FileHandle) (*llm.GenerateResult, error) {
		return &llm.GenerateResult{Text: pageResult(1, "1")}, nil
	}

	err := f.runner.RunJokboAnalysis(ctx, "job-1")
	require.Error(t, err)

	p, perr := f.svc.GetProgress(ctx, "job-1")
	require.NoError(t, perr)
	assert.Equal(t, MsgTokensExhausted, p.Message)
	assert.LessOrEqual(t, p.CompletedChunks, int64(2), "no charged work past the balance")

	balance, berr := f.svc.GetUserTokens(ctx, "user-1")
	require.NoError(t, berr)
	assert.EqualValues(t, 0, balance)
}

func TestRunCancelledBeforeStart(t *testing.T) {
	f := newFixture(t, "k0")
	ctx := context.Background()

	jokboKey := f.storeInput(t, "job-1", "jokbo.pdf", models.KindJokbo, 3)
	lessonKey := f.storeInput(t, "job-1", "lesson.pdf", models.KindLesson, 10)
	f.storeMeta(t, &models.JobMetadata{
		JobID: "job-1", Mode: models.ModeJokboCentric, UserID: "user-1",
		JokboKeys: []string{jokboKey}, LessonKeys: []string{lessonKey},
	})
	require.NoError(t, f.svc.RequestCancel(ctx, "job-1"))

	err := f.runner.RunJokboAnalysis(ctx, "job-1")
	assert.ErrorIs(t, err, storage.ErrCancelled)

	p, perr := f.svc.GetProgress(ctx, "job-1")
	require.NoError(t, perr)
	assert.Equal(t, MsgCancelled, p.Message)
	assert.Empty(t, f.fakes["k0"].Calls())
}

func TestCancelJobStopsLocalContext(t *testing.T) {
	f := newFixture(t, "k0")
	ctx := context.Background()

	assert.False(t, f.runner.Running("job-1"))
	require.NoError(t, f.runner.CancelJob(ctx, "job-1"))
	assert.True(t, f.svc.IsCancelled(ctx, "job-1"), "cancel flag reaches the KV store")
}

func TestRunWrongModeFails(t *testing.T) {
	f := newFixture(t, "k0")
	ctx := context.Background()

	jokboKey := f.storeInput(t, "job-1", "jokbo.pdf", models.KindJokbo, 3)
	lessonKey := f.storeInput(t, "job-1", "lesson.pdf", models.KindLesson, 10)
	f.storeMeta(t, &models.JobMetadata{
		JobID: "job-1", Mode: models.ModeLessonCentric, UserID: "user-1",
		JokboKeys: []string{jokboKey}, LessonKeys: []string{lessonKey},
	})

	err := f.runner.RunJokboAnalysis(ctx, "job-1")
	assert.ErrorIs(t, err, ErrWrongMode)

	p, perr := f.svc.GetProgress(ctx, "job-1")
	require.NoError(t, perr)
	assert.Equal(t, MsgFailed, p.Message)
}

func TestRunMissingMetadataFails(t *testing.T) {
	f := newFixture(t, "k0")
	err := f.runner.RunJokboAnalysis(context.Background(), "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRunPromptBlockedCompletesWithWarnings(t *testing.T) {
	f := newFixture(t, "k0")
	ctx := context.Background()

	jokboKey := f.storeInput(t, "job-1", "jokbo.pdf", models.KindJokbo, 3)
	lessonKey := f.storeInput(t, "job-1", "lesson.pdf", models.KindLesson, 50)
	f.storeMeta(t, &models.JobMetadata{
		JobID: "job-1", Mode: models.ModeJokboCentric, UserID: "user-1",
		ModelTier: models.TierFlash, MultiAPI: true,
		JokboKeys: []string{jokboKey}, LessonKeys: []string{lessonKey},
	})
	require.NoError(t, f.svc.SetUserTokens(ctx, "user-1", 10))

	f.fakes["k0"].GenerateFunc = func(_ int, _, _ string, files []*llm.FileHandle) (*llm.GenerateResult, error) {
		for _, h := range files {
			if strings.Contains(h.URI, "_p41-50") {
				return &llm.GenerateResult{PromptBlocked: true, BlockReason: "SAFETY"}, nil
			}
		}
		return &llm.GenerateResult{Text: pageResult(1, "1")}, nil
	}

	require.NoError(t, f.runner.RunJokboAnalysis(ctx, "job-1"))

	p, err := f.svc.GetProgress(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, MsgCompleteWarning, p.Message)

	results, err := f.svc.ListResults(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, results, 1)

	data, err := f.svc.ReadResult(ctx, "job-1", results[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), "failed_chunks")
	assert.Contains(t, string(data), `"prompt_blocked": true`)
}

func TestLessonCentricRun(t *testing.T) {
	f := newFixture(t, "k0")
	ctx := context.Background()

	jokboKey := f.storeInput(t, "job-1", "exam.pdf", models.KindJokbo, 10)
	lessonKey := f.storeInput(t, "job-1", "lesson.pdf", models.KindLesson, 5)
	f.storeMeta(t, &models.JobMetadata{
		JobID: "job-1", Mode: models.ModeLessonCentric, UserID: "user-1",
		ModelTier: models.TierFlash,
		JokboKeys: []string{jokboKey}, LessonKeys: []string{lessonKey},
	})
	require.NoError(t, f.svc.SetUserTokens(ctx, "user-1", 10))

	f.fakes["k0"].GenerateFunc = func(int, string, string, []*llm.FileHandle) (*llm.GenerateResult, error) {
		return &llm.GenerateResult{Text: `{"related_slides": [{"lesson_page": 2, "importance_score": 88,
			"key_concepts": ["ion channels"],
			"related_jokbo_questions": [{"jokbo_filename": "exam.pdf", "jokbo_page": 3, "question_number": "4"}]}]}`}, nil
	}

	require.NoError(t, f.runner.RunLessonAnalysis(ctx, "job-1"))

	p, err := f.svc.GetProgress(ctx, "job-1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, p.TotalChunks, "1 jokbo chunk + 1 post slot")
	assert.Equal(t, MsgComplete, p.Message)

	results, err := f.svc.ListResults(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Contains(t, results[0], "lesson")
}

func TestExamOnlyRunsViaJokboEntrypoint(t *testing.T) {
	f := newFixture(t, "k0")
	ctx := context.Background()

	jokboKey := f.storeInput(t, "job-1", "exam.pdf", models.KindJokbo, 8)
	f.storeMeta(t, &models.JobMetadata{
		JobID: "job-1", Mode: models.ModeExamOnly, UserID: "user-1",
		ModelTier: models.TierFlash, StartQuestion: 1, EndQuestion: 20,
		JokboKeys: []string{jokboKey},
	})
	require.NoError(t, f.svc.SetUserTokens(ctx, "user-1", 10))

	f.fakes["k0"].GenerateFunc = func(int, string, string, []*llm.FileHandle) (*llm.GenerateResult, error) {
		return &llm.GenerateResult{Text: `{"questions": [{"question_number": "1", "page_start": 1, "answer": "2번", "explanation": "e"}]}`}, nil
	}

	require.NoError(t, f.runner.RunJokboAnalysis(ctx, "job-1"))

	results, err := f.svc.ListResults(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func TestBatchAnalyzeAndAggregate(t *testing.T) {
	f := newFixture(t, "k0")
	ctx := context.Background()

	j1 := f.storeInput(t, "job-1", "jokbo_a.pdf", models.KindJokbo, 2)
	j2 := f.storeInput(t, "job-1", "jokbo_b.pdf", models.KindJokbo, 2)
	lessonKey := f.storeInput(t, "job-1", "lesson.pdf", models.KindLesson, 10)
	f.storeMeta(t, &models.JobMetadata{
		JobID: "job-1", Mode: models.ModeJokboCentric, UserID: "user-1",
		ModelTier: models.TierFlash,
		JokboKeys: []string{j1, j2}, LessonKeys: []string{lessonKey},
	})
	require.NoError(t, f.svc.SetUserTokens(ctx, "user-1", 10))

	f.fakes["k0"].GenerateFunc = func(int, string, string, []*llm.FileHandle) (*llm.GenerateResult, error) {
		return &llm.GenerateResult{Text: pageResult(1, "1")}, nil
	}

	require.NoError(t, f.runner.BatchAnalyzeSingle(ctx, "job-1", 0))
	require.NoError(t, f.runner.BatchAnalyzeSingle(ctx, "job-1", 1))
	require.NoError(t, f.runner.AggregateBatch(ctx, "job-1"))

	p, err := f.svc.GetProgress(ctx, "job-1")
	require.NoError(t, err)
	assert.EqualValues(t, 100, p.Percent)
	assert.EqualValues(t, 4, p.TotalChunks, "2 primaries x 1 lesson chunk + 2 post slots")

	results, err := f.svc.ListResults(ctx, "job-1")
	require.NoError(t, err)
	assert.Len(t, results, 2, "one artifact per batch primary")
}

func TestRunSameNamedLessonsStayIsolated(t *testing.T) {
	f := newFixture(t, "k0")
	ctx := context.Background()

	jokboKey := f.storeInput(t, "job-1", "jokbo.pdf", models.KindJokbo, 3)

	// Two distinct lesson documents sharing a display name. Distinct bytes
	// give them distinct storage keys.
	lessonKeys := make([]string, 2)
	for i := range lessonKeys {
		path := filepath.Join(t.TempDir(), "lecture.pdf")
		require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf("%%PDF-stub lecture %d", i)), 0o644))
		key, err := f.svc.StoreFile(ctx, path, "job-1", models.KindLesson)
		require.NoError(t, err)
		lessonKeys[i] = key
	}
	f.ops.pages[storage.SanitizeName("lecture.pdf")] = 50

	f.storeMeta(t, &models.JobMetadata{
		JobID:     "job-1",
		Mode:      models.ModeJokboCentric,
		UserID:    "user-1",
		ModelTier: models.TierFlash,
		MultiAPI:  true,
		JokboKeys: []string{jokboKey}, LessonKeys: lessonKeys,
	})
	require.NoError(t, f.svc.SetUserTokens(ctx, "user-1", 10))

	f.fakes["k0"].GenerateFunc = respondByChunk(map[string]string{
		"_p1-40":  pageResult(1, "1"),
		"_p41-50": pageResult(2, "2"),
	}, "")

	require.NoError(t, f.runner.RunJokboAnalysis(ctx, "job-1"))

	p, err := f.svc.GetProgress(ctx, "job-1")
	require.NoError(t, err)
	assert.EqualValues(t, 5, p.TotalChunks, "2 chunks per lesson + 1 post slot")
	assert.EqualValues(t, 5, p.CompletedChunks)
	assert.Len(t, f.fakes["k0"].Calls(), 4, "both same-named lessons are analyzed in full")

	// Each lesson keeps its own chunk ledger and extraction workspace.
	ledgers, err := os.ReadDir(filepath.Join(f.svc.SessionDir("job-1"), "chunks"))
	require.NoError(t, err)
	require.Len(t, ledgers, 2)
	for _, entry := range ledgers {
		dir := filepath.Join(f.svc.SessionDir("job-1"), "chunks", entry.Name())
		assert.FileExists(t, filepath.Join(dir, "chunk_000.json"))
		assert.FileExists(t, filepath.Join(dir, "chunk_001.json"))
	}
	extracts, err := os.ReadDir(filepath.Join(f.svc.SessionDir("job-1"), "extract"))
	require.NoError(t, err)
	assert.Len(t, extracts, 2)

	// Each input landed in its own directory despite the shared basename.
	downloads, err := os.ReadDir(filepath.Join(f.svc.SessionDir("job-1"), "files"))
	require.NoError(t, err)
	assert.Len(t, downloads, 3)
}

func TestRunResumedChunksAreNotRecharged(t *testing.T) {
	f := newFixture(t, "k0")
	ctx := context.Background()

	jokboKey := f.storeInput(t, "job-1", "jokbo.pdf", models.KindJokbo, 3)
	lessonKey := f.storeInput(t, "job-1", "lesson.pdf", models.KindLesson, 50)
	f.storeMeta(t, &models.JobMetadata{
		JobID:     "job-1",
		Mode:      models.ModeJokboCentric,
		UserID:    "user-1",
		ModelTier: models.TierFlash,
		JokboKeys: []string{jokboKey}, LessonKeys: []string{lessonKey},
	})
	require.NoError(t, f.svc.SetUserTokens(ctx, "user-1", 10))

	// Chunk 0 already completed on an earlier run of this job.
	ledgerDir := f.svc.ChunkDir("job-1", "jokbo-centric-p00-c00-lesson")
	require.NoError(t, os.MkdirAll(ledgerDir, 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(ledgerDir, "chunk_000.json"), []byte(pageResult(1, "1")), 0o644))

	f.fakes["k0"].GenerateFunc = respondByChunk(map[string]string{
		"_p41-50": pageResult(2, "2"),
	}, "")

	require.NoError(t, f.runner.RunJokboAnalysis(ctx, "job-1"))

	assert.Len(t, f.fakes["k0"].Calls(), 1, "the completed chunk never reaches the LLM")

	balance, err := f.svc.GetUserTokens(ctx, "user-1")
	require.NoError(t, err)
	assert.EqualValues(t, 9, balance, "only the freshly analyzed chunk is charged")

	p, err := f.svc.GetProgress(ctx, "job-1")
	require.NoError(t, err)
	assert.EqualValues(t, 100, p.Percent)
	assert.Equal(t, MsgComplete, p.Message)
}
