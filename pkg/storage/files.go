package storage

import (
	"bytes"
	"compress/zlib"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jokbolink/jokbod/pkg/models"
)

// compressMinRatio is the largest compressed/original ratio worth keeping.
const compressMinRatio = 0.9

// StoreFile persists the file at path under the job's namespace and returns
// its stable key. Blobs above the compression threshold that shrink by at
// least 10% are stored zlib-compressed. The blob is always mirrored to disk
// so fetches survive a KV outage.
func (s *Service) StoreFile(ctx context.Context, path, job string, kind models.FileKind) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}

	name := SanitizeName(filepath.Base(path))
	sum := sha256.Sum256(data)
	key := fileKey(job, string(kind), name, hex.EncodeToString(sum[:6]))

	mirror := s.fileMirrorPath(job, string(kind), name)
	if err := os.MkdirAll(filepath.Dir(mirror), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(mirror, data, 0o644); err != nil {
		return "", fmt.Errorf("mirroring %s: %w", name, err)
	}

	payload := data
	compressed := false
	if int64(len(data)) > s.cfg.CompressThreshold {
		if z := zlibCompress(data); float64(len(z)) <= compressMinRatio*float64(len(data)) {
			payload = z
			compressed = true
		}
	}

	if err := s.kv.HSet(ctx, key,
		"data", payload,
		"compressed", boolField(compressed),
		"original_size", len(data),
	); err != nil {
		// Disk mirror already holds the bytes; degrade rather than fail.
		slog.Warn("KV write failed, file stored disk-only",
			"key", key, "error", err)
		return key, nil
	}
	if _, err := s.kv.Expire(ctx, key, s.cfg.FileTTL); err != nil {
		slog.Warn("Failed to set file TTL", "key", key, "error", err)
	}
	return key, nil
}

// FetchFile returns the blob bytes for key, preferring the KV store and
// falling back to the disk mirror.
func (s *Service) FetchFile(ctx context.Context, key string) ([]byte, error) {
	fields, err := s.kv.HGetAll(ctx, key)
	if err == nil && len(fields) > 0 {
		data := []byte(fields["data"])
		if fields["compressed"] == "1" {
			return zlibDecompress(data)
		}
		return data, nil
	}

	job, kind, name, ok := parseFileKey(key)
	if !ok {
		return nil, fmt.Errorf("%w: malformed file key %q", ErrNotFound, key)
	}
	data, diskErr := os.ReadFile(s.fileMirrorPath(job, kind, name))
	if diskErr != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return data, nil
}

// SaveLocally writes the blob for key into destDir using its original
// filename and returns the path.
func (s *Service) SaveLocally(ctx context.Context, key, destDir string) (string, error) {
	data, err := s.FetchFile(ctx, key)
	if err != nil {
		return "", err
	}
	_, _, name, ok := parseFileKey(key)
	if !ok {
		return "", fmt.Errorf("malformed file key %q", key)
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", err
	}
	dest := filepath.Join(destDir, name)
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return "", err
	}
	return dest, nil
}

// VerifyAvailable reports whether key is fetchable and, when it lives in the
// KV store, has at least minTTL of lifetime left.
func (s *Service) VerifyAvailable(ctx context.Context, key string, minTTL time.Duration) bool {
	exists, err := s.kv.Exists(ctx, key)
	if err == nil && exists {
		ttl, err := s.kv.TTL(ctx, key)
		if err != nil {
			return false
		}
		// -1 means no expiry.
		return ttl < 0 || ttl >= minTTL
	}

	job, kind, name, ok := parseFileKey(key)
	if !ok {
		return false
	}
	_, diskErr := os.Stat(s.fileMirrorPath(job, kind, name))
	return diskErr == nil
}

// RefreshTTL extends the lifetime of the given file keys. A zero ttl uses
// the configured default. Missing keys are skipped.
func (s *Service) RefreshTTL(ctx context.Context, keys []string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = s.cfg.FileTTL
	}
	for _, key := range keys {
		if _, err := s.kv.Expire(ctx, key, ttl); err != nil {
			slog.Warn("Failed to refresh file TTL", "key", key, "error", err)
		}
	}
}

// FileName returns the sanitized original filename embedded in a file key.
func FileName(key string) string {
	_, _, name, ok := parseFileKey(key)
	if !ok {
		return key
	}
	return name
}

func zlibCompress(data []byte) []byte {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	_, _ = w.Write(data)
	_ = w.Close()
	return buf.Bytes()
}

func zlibDecompress(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("corrupt compressed blob: %w", err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
