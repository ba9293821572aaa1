package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jokbolink/jokbod/pkg/config"
	"github.com/jokbolink/jokbod/pkg/credential"
	"github.com/jokbolink/jokbod/pkg/jobs"
	"github.com/jokbolink/jokbod/pkg/kv"
	"github.com/jokbolink/jokbod/pkg/llm"
	"github.com/jokbolink/jokbod/pkg/llm/llmtest"
	"github.com/jokbolink/jokbod/pkg/orchestrator"
	"github.com/jokbolink/jokbod/pkg/pdf"
	"github.com/jokbolink/jokbod/pkg/storage"
)

type noopOps struct{}

func (noopOps) PageCount(string) (int, error) { return 1, nil }

func (noopOps) ExtractRange(src string, r pdf.PageRange, destDir string) (string, error) {
	return src, nil
}

type apiFixture struct {
	svc    *storage.Service
	router *gin.Engine
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := config.Default()
	cfg.Storage.Root = t.TempDir()
	cfg.Credentials.APIKeys = []string{"k0", "k1"}

	svc, err := storage.New(kv.NewFromRedis(rdb, 3), cfg.Storage)
	require.NoError(t, err)

	pool, err := credential.NewPool(context.Background(), cfg.Credentials,
		func(_ context.Context, key string) (llm.Client, error) {
			return llmtest.NewFakeClient(key), nil
		})
	require.NoError(t, err)

	ops := noopOps{}
	orch := orchestrator.New(pool, svc, ops, nil)
	runner := jobs.New(svc, pool, orch, ops, cfg, nil)

	router := gin.New()
	NewServer(svc, runner, pool).Register(router)
	return &apiFixture{svc: svc, router: router}
}

func (f *apiFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decode(t, rec)["status"])
}

func TestGetProgress(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	rec := f.do(t, http.MethodGet, "/api/v1/jobs/job-1/progress", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, f.svc.InitProgress(ctx, "job-1", 4, "분석 준비 중"))
	_, err := f.svc.TickProgress(ctx, "job-1", 1, "청크 분석 중")
	require.NoError(t, err)

	rec = f.do(t, http.MethodGet, "/api/v1/jobs/job-1/progress", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(4), body["total_chunks"])
	assert.Equal(t, float64(1), body["completed_chunks"])
	assert.Equal(t, "청크 분석 중", body["message"])
}

func TestCancelJob(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/jobs/job-2/cancel", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "cancelling", body["status"])
	assert.Equal(t, false, body["running"])

	assert.True(t, f.svc.IsCancelled(context.Background(), "job-2"))
}

func TestResults(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	src := filepath.Join(t.TempDir(), "lesson_analysis.json")
	require.NoError(t, os.WriteFile(src, []byte(`{"ok":true}`), 0o644))
	_, err := f.svc.StoreResult(ctx, "job-3", src)
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/api/v1/jobs/job-3/results", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, []any{"lesson_analysis.json"}, body["results"])

	rec = f.do(t, http.MethodGet, "/api/v1/jobs/job-3/results/lesson_analysis.json", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/v1/jobs/job-3/results/missing.json", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteJob(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	src := filepath.Join(t.TempDir(), "out.json")
	require.NoError(t, os.WriteFile(src, []byte("{}"), 0o644))
	_, err := f.svc.StoreResult(ctx, "job-4", src)
	require.NoError(t, err)

	rec := f.do(t, http.MethodDelete, "/api/v1/jobs/job-4", "")
	require.Equal(t, http.StatusOK, rec.Code)

	names, err := f.svc.ListResults(ctx, "job-4")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestUserJobs(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.SetJobOwner(ctx, "job-a", "user-1"))
	require.NoError(t, f.svc.SetJobOwner(ctx, "job-b", "user-1"))

	rec := f.do(t, http.MethodGet, "/api/v1/users/user-1/jobs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, []any{"job-b", "job-a"}, body["jobs"])
}

func TestTokens(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/users/user-2/tokens", `{"op":"set","amount":10}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(10), decode(t, rec)["balance"])

	rec = f.do(t, http.MethodPost, "/api/v1/users/user-2/tokens", `{"op":"add","amount":5}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(15), decode(t, rec)["balance"])

	rec = f.do(t, http.MethodGet, "/api/v1/users/user-2/tokens", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(15), decode(t, rec)["balance"])

	rec = f.do(t, http.MethodPost, "/api/v1/users/user-2/tokens", `{"op":"drain"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCredentialStatus(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/credentials/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(2), body["total_keys"])
	assert.Equal(t, float64(2), body["available_keys"])
}
