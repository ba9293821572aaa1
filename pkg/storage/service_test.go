package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/jokbolink/jokbod/pkg/config"
	"github.com/jokbolink/jokbod/pkg/kv"
)

// newTestService wires a storage service against miniredis and a temp dir.
func newTestService(t *testing.T) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := kv.NewFromRedis(rdb, 1)

	cfg := config.Default().Storage
	cfg.Root = t.TempDir()

	svc, err := New(client, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc, mr
}

func TestCancelFlagRoundTrip(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	require.False(t, svc.IsCancelled(ctx, "job-1"))
	require.NoError(t, svc.CheckCancelled(ctx, "job-1"))

	require.NoError(t, svc.RequestCancel(ctx, "job-1"))
	require.True(t, svc.IsCancelled(ctx, "job-1"))
	require.ErrorIs(t, svc.CheckCancelled(ctx, "job-1"), ErrCancelled)

	require.NoError(t, svc.ClearCancel(ctx, "job-1"))
	require.False(t, svc.IsCancelled(ctx, "job-1"))
}

func TestCheckCancelledHonorsContext(t *testing.T) {
	svc, _ := newTestService(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, svc.CheckCancelled(ctx, "job-1"), ErrCancelled)
}

func TestCancelFlagExpires(t *testing.T) {
	svc, mr := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.RequestCancel(ctx, "job-1"))
	mr.FastForward(svc.cfg.CancelTTL + time.Second)
	require.False(t, svc.IsCancelled(ctx, "job-1"))
}
