package storage

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// Key namespaces. The literal patterns are part of the storage contract and
// shared with operational tooling; do not change them casually.
const (
	fileKeyPrefix = "file:"
)

var unsafeNameChars = regexp.MustCompile(`[^0-9A-Za-z가-힣._-]+`)

// SanitizeName normalizes a filename for use inside keys and on-disk paths:
// path separators and shell-hostile characters collapse to underscores.
// Matching of LLM-returned lesson filenames is strict equality on sanitized
// basenames; there is deliberately no fuzzy fallback.
func SanitizeName(name string) string {
	name = filepath.Base(name)
	name = unsafeNameChars.ReplaceAllString(name, "_")
	return strings.Trim(name, "_")
}

func fileKey(job, kind, name, hash string) string {
	return fmt.Sprintf("file:%s:%s:%s:%s", job, kind, name, hash)
}

// parseFileKey splits a file key into its job, kind, and name components.
// The name itself never contains ':' after sanitization.
func parseFileKey(key string) (job, kind, name string, ok bool) {
	if !strings.HasPrefix(key, fileKeyPrefix) {
		return "", "", "", false
	}
	parts := strings.Split(strings.TrimPrefix(key, fileKeyPrefix), ":")
	if len(parts) != 4 {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

func jobMetadataKey(job string) string { return fmt.Sprintf("job:%s:metadata", job) }
func jobUserKey(job string) string     { return fmt.Sprintf("job:%s:user", job) }
func jobTaskKey(job string) string     { return fmt.Sprintf("job:%s:task", job) }
func jobCancelKey(job string) string   { return fmt.Sprintf("job:%s:cancel", job) }

func userJobsKey(user string) string   { return fmt.Sprintf("user:%s:jobs", user) }
func userTokensKey(user string) string { return fmt.Sprintf("user:%s:tokens", user) }

func progressKey(job string) string { return fmt.Sprintf("progress:%s", job) }

func resultKey(job, name string) string     { return fmt.Sprintf("result:%s:%s", job, name) }
func resultPathKey(job, name string) string { return fmt.Sprintf("result_path:%s:%s", job, name) }

// On-disk layout helpers, all rooted at the configured storage root.

// ResultDir returns the disk mirror directory for a job's results.
func (s *Service) ResultDir(job string) string {
	return filepath.Join(s.root, "results", job)
}

// SessionDir returns the temp session directory for a job.
func (s *Service) SessionDir(job string) string {
	return filepath.Join(s.root, "temp", "sessions", job)
}

// ChunkDir returns the chunk ledger directory for one analyzed file of a
// job. base is typically "<mode>-<file stem>".
func (s *Service) ChunkDir(job, base string) string {
	return filepath.Join(s.SessionDir(job), "chunks", SanitizeName(base))
}

// ChunkFilePath returns the ledger path of chunk index within dir.
func ChunkFilePath(dir string, index int) string {
	return filepath.Join(dir, fmt.Sprintf("chunk_%03d.json", index))
}

func (s *Service) fileMirrorPath(job, kind, name string) string {
	return filepath.Join(s.root, "files", job, kind, name)
}
