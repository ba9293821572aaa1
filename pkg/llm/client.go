// Package llm defines the per-credential LLM client contract and its Gemini
// implementation. Every credential gets its own Client instance so uploaded
// files are never visible across credentials.
package llm

import (
	"context"
)

// FileHandle references a blob uploaded to the LLM vendor under one
// credential. Handles must never be passed to a Client created from a
// different credential; the vendor rejects that with a permission error.
type FileHandle struct {
	// Name is the vendor-assigned resource name used for delete/get.
	Name string
	// URI is the reference embedded into generation requests.
	URI string
	// DisplayName is the upload label, not the original filename.
	DisplayName string
	MIMEType    string
	State       string
}

// GenerateResult is the outcome of a content generation call.
type GenerateResult struct {
	Text         string
	FinishReason string

	// PromptBlocked marks a safety rejection. Non-retryable: neither the
	// quality retry nor the adaptive split may rerun a blocked prompt.
	PromptBlocked bool
	BlockReason   string

	InputTokens  int32
	OutputTokens int32
}

// Client is the abstract per-credential LLM interface. Implementations block
// on UploadFile until the vendor reports the blob as ready for generation.
type Client interface {
	// UploadFile pushes the file at path and polls until it is ACTIVE.
	UploadFile(ctx context.Context, path, displayName string) (*FileHandle, error)

	// DeleteFile removes an uploaded blob, retrying transient failures.
	DeleteFile(ctx context.Context, handle *FileHandle) error

	// ListFiles returns the blobs currently uploaded under this credential.
	ListFiles(ctx context.Context) ([]*FileHandle, error)

	// GenerateContent runs one generation over the prompt and attached
	// files with the given model.
	GenerateContent(ctx context.Context, model, prompt string, files []*FileHandle) (*GenerateResult, error)
}

// Factory creates a Client bound to a single API key. Injected into the
// credential pool so tests can substitute fakes.
type Factory func(ctx context.Context, apiKey string) (Client, error)
