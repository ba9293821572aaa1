package storage

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jokbolink/jokbod/pkg/models"
)

func writeTemp(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestStoreAndFetchFile(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	data := []byte("%PDF-1.7 small test payload")
	path := writeTemp(t, "해부학 족보.pdf", data)

	key, err := svc.StoreFile(ctx, path, "job-1", models.KindJokbo)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, "file:job-1:jokbo:"), "key: %s", key)

	got, err := svc.FetchFile(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestLargeCompressibleFileIsCompressed(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	// Highly repetitive 2 MiB payload: compresses far below the 90% bar.
	data := bytes.Repeat([]byte("lecture slide content "), 100_000)
	path := writeTemp(t, "lesson.pdf", data)

	key, err := svc.StoreFile(ctx, path, "job-1", models.KindLesson)
	require.NoError(t, err)

	got, err := svc.FetchFile(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, data, got, "round trip through compression must be lossless")
}

func TestFetchFallsBackToDiskMirror(t *testing.T) {
	svc, mr := newTestService(t)
	ctx := context.Background()

	data := []byte("payload")
	path := writeTemp(t, "jokbo.pdf", data)
	key, err := svc.StoreFile(ctx, path, "job-1", models.KindJokbo)
	require.NoError(t, err)

	// Simulate KV loss: the disk mirror still serves the bytes.
	mr.FlushAll()
	got, err := svc.FetchFile(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestSaveLocally(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	data := []byte("payload")
	key, err := svc.StoreFile(ctx, writeTemp(t, "a.pdf", data), "job-1", models.KindJokbo)
	require.NoError(t, err)

	dest := t.TempDir()
	saved, err := svc.SaveLocally(ctx, key, dest)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dest, "a.pdf"), saved)

	got, err := os.ReadFile(saved)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestVerifyAvailableAndRefreshTTL(t *testing.T) {
	svc, mr := newTestService(t)
	ctx := context.Background()

	key, err := svc.StoreFile(ctx, writeTemp(t, "a.pdf", []byte("x")), "job-1", models.KindJokbo)
	require.NoError(t, err)

	assert.True(t, svc.VerifyAvailable(ctx, key, time.Hour))
	assert.False(t, svc.VerifyAvailable(ctx, key, 48*time.Hour),
		"remaining TTL is below the requested minimum")

	svc.RefreshTTL(ctx, []string{key}, 72*time.Hour)
	assert.True(t, svc.VerifyAvailable(ctx, key, 48*time.Hour))

	// Expired in KV but still on disk: available via the mirror.
	mr.FastForward(100 * time.Hour)
	assert.True(t, svc.VerifyAvailable(ctx, key, time.Hour))
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"조직학 3주차.pdf", "조직학_3주차.pdf"},
		{"../../etc/passwd", "passwd"},
		{"a b?c*.pdf", "a_b_c_.pdf"},
		{"plain.pdf", "plain.pdf"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeName(tt.in), "input %q", tt.in)
	}
}

func TestFileNameFromKey(t *testing.T) {
	assert.Equal(t, "a.pdf", FileName("file:j:jokbo:a.pdf:abc123"))
	assert.Equal(t, "garbage", FileName("garbage"))
}
