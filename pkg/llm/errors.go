package llm

import (
	"errors"
	"fmt"
	"strings"
)

// ErrFileNotReady indicates an upload finished in the vendor's FAILED state.
var ErrFileNotReady = errors.New("uploaded file failed vendor processing")

// PromptBlockedError marks a generation rejected by the vendor's safety
// layer. It is terminal for the chunk: no retry, no adaptive split.
type PromptBlockedError struct {
	Reason string
}

func (e *PromptBlockedError) Error() string {
	return fmt.Sprintf("prompt blocked: %s", e.Reason)
}

// IsPromptBlocked reports whether err is a safety rejection.
func IsPromptBlocked(err error) bool {
	var blocked *PromptBlockedError
	return errors.As(err, &blocked)
}

// UploadError wraps a failed file upload with the offending path.
type UploadError struct {
	Path string
	Err  error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %s: %v", e.Path, e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// IsQuotaError reports whether err looks like a rate-limit or quota
// rejection (HTTP 429 class). Such failures should rotate to another
// credential before the same one is retried.
func IsQuotaError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "quota") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "resource exhausted") ||
		strings.Contains(msg, "resource_exhausted")
}

// IsPermissionError reports whether err is a credential-scope rejection
// (HTTP 403 class), typically a file handle used under the wrong key.
func IsPermissionError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "403") ||
		strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "permission_denied")
}
