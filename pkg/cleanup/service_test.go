package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jokbolink/jokbod/pkg/config"
)

func writeAged(t *testing.T, path string, age time.Duration) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	old := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, old, old))
}

func TestSweepOnce(t *testing.T) {
	root := t.TempDir()
	cfg := &config.RetentionConfig{
		SessionAge: 48 * time.Hour,
		ResultAge:  7 * 24 * time.Hour,
		Interval:   time.Hour,
	}
	svc := NewService(cfg, root)

	writeAged(t, filepath.Join(root, "temp", "sessions", "old-job", "files", "a.pdf"), 72*time.Hour)
	writeAged(t, filepath.Join(root, "temp", "sessions", "fresh-job", "files", "b.pdf"), time.Hour)
	writeAged(t, filepath.Join(root, "files", "old-job", "jokbo", "a.pdf"), 72*time.Hour)
	writeAged(t, filepath.Join(root, "results", "ancient-job", "out.json"), 8*24*time.Hour)
	writeAged(t, filepath.Join(root, "results", "recent-job", "out.json"), 3*24*time.Hour)

	svc.SweepOnce()

	assert.NoDirExists(t, filepath.Join(root, "temp", "sessions", "old-job"))
	assert.DirExists(t, filepath.Join(root, "temp", "sessions", "fresh-job"))
	assert.NoDirExists(t, filepath.Join(root, "files", "old-job"))
	assert.NoDirExists(t, filepath.Join(root, "results", "ancient-job"))
	assert.DirExists(t, filepath.Join(root, "results", "recent-job"))
}

func TestSweepKeepsActiveSession(t *testing.T) {
	root := t.TempDir()
	svc := NewService(&config.RetentionConfig{
		SessionAge: 48 * time.Hour,
		ResultAge:  7 * 24 * time.Hour,
		Interval:   time.Hour,
	}, root)

	// Old download, but a chunk ledger written just now keeps the session.
	writeAged(t, filepath.Join(root, "temp", "sessions", "job", "files", "a.pdf"), 72*time.Hour)
	ledger := filepath.Join(root, "temp", "sessions", "job", "chunks", "jokbo-a", "chunk_000.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(ledger), 0o755))
	require.NoError(t, os.WriteFile(ledger, []byte("{}"), 0o644))

	svc.SweepOnce()

	assert.DirExists(t, filepath.Join(root, "temp", "sessions", "job"))
}

func TestStartStop(t *testing.T) {
	root := t.TempDir()
	svc := NewService(&config.RetentionConfig{
		SessionAge: time.Hour,
		ResultAge:  time.Hour,
		Interval:   10 * time.Millisecond,
	}, root)

	writeAged(t, filepath.Join(root, "results", "job", "out.json"), 2*time.Hour)

	svc.Start(context.Background())
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(root, "results", "job"))
		return os.IsNotExist(err)
	}, 2*time.Second, 10*time.Millisecond)
	svc.Stop()
}

func TestSweepMissingRootIsNoop(t *testing.T) {
	svc := NewService(&config.RetentionConfig{
		SessionAge: time.Hour,
		ResultAge:  time.Hour,
		Interval:   time.Hour,
	}, filepath.Join(t.TempDir(), "does-not-exist"))

	svc.SweepOnce()
}
