package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jpillora/backoff"
	"google.golang.org/genai"
)

const (
	// uploadPollInterval is the fixed sleep between state checks while the
	// vendor processes an uploaded file.
	uploadPollInterval = 2 * time.Second

	// uploadPollTimeout bounds the total wait for a file to become ACTIVE.
	uploadPollTimeout = 3 * time.Minute

	deleteMaxRetries   = 3
	generateMaxRetries = 3
)

// GeminiClient implements Client over the Gemini Files and Models APIs.
// One instance per credential.
type GeminiClient struct {
	client *genai.Client
}

// NewGeminiClient creates a client bound to a single API key.
func NewGeminiClient(ctx context.Context, apiKey string) (Client, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	return &GeminiClient{client: client}, nil
}

// UploadFile pushes a PDF and polls with a fixed sleep until the vendor
// reports it ACTIVE. A FAILED state fails fast.
func (g *GeminiClient) UploadFile(ctx context.Context, path, displayName string) (*FileHandle, error) {
	file, err := g.client.Files.UploadFromPath(ctx, path, &genai.UploadFileConfig{
		DisplayName: displayName,
		MIMEType:    "application/pdf",
	})
	if err != nil {
		return nil, &UploadError{Path: path, Err: err}
	}

	deadline := time.Now().Add(uploadPollTimeout)
	for file.State == genai.FileStateProcessing {
		if time.Now().After(deadline) {
			return nil, &UploadError{Path: path, Err: fmt.Errorf("still processing after %v", uploadPollTimeout)}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(uploadPollInterval):
		}
		file, err = g.client.Files.Get(ctx, file.Name, nil)
		if err != nil {
			return nil, &UploadError{Path: path, Err: err}
		}
	}
	if file.State == genai.FileStateFailed {
		return nil, &UploadError{Path: path, Err: ErrFileNotReady}
	}

	return &FileHandle{
		Name:        file.Name,
		URI:         file.URI,
		DisplayName: displayName,
		MIMEType:    file.MIMEType,
		State:       string(file.State),
	}, nil
}

// DeleteFile removes an uploaded blob with exponential backoff. Deletion is
// best-effort cleanup; the final failure is returned for logging only.
func (g *GeminiClient) DeleteFile(ctx context.Context, handle *FileHandle) error {
	b := &backoff.Backoff{Min: 500 * time.Millisecond, Max: 8 * time.Second, Factor: 2}

	var err error
	for attempt := 0; attempt < deleteMaxRetries; attempt++ {
		if _, err = g.client.Files.Delete(ctx, handle.Name, nil); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.Duration()):
		}
	}
	return fmt.Errorf("deleting %s: %w", handle.Name, err)
}

// ListFiles returns every blob uploaded under this credential.
func (g *GeminiClient) ListFiles(ctx context.Context) ([]*FileHandle, error) {
	var handles []*FileHandle
	for file, err := range g.client.Files.All(ctx) {
		if err != nil {
			return nil, err
		}
		handles = append(handles, &FileHandle{
			Name:        file.Name,
			URI:         file.URI,
			DisplayName: file.DisplayName,
			MIMEType:    file.MIMEType,
			State:       string(file.State),
		})
	}
	return handles, nil
}

// GenerateContent runs one generation with internal backoff for transient
// transport errors. Safety blocks surface as PromptBlockedError without
// retry; quota and permission errors surface unwrapped for the pool's
// failover classification.
func (g *GeminiClient) GenerateContent(ctx context.Context, model, prompt string, files []*FileHandle) (*GenerateResult, error) {
	parts := make([]*genai.Part, 0, len(files)+1)
	for _, f := range files {
		parts = append(parts, genai.NewPartFromURI(f.URI, f.MIMEType))
	}
	parts = append(parts, genai.NewPartFromText(prompt))
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	b := &backoff.Backoff{Min: time.Second, Max: 30 * time.Second, Factor: 2, Jitter: true}

	var resp *genai.GenerateContentResponse
	var err error
	for attempt := 0; attempt < generateMaxRetries; attempt++ {
		resp, err = g.client.Models.GenerateContent(ctx, model, contents, nil)
		if err == nil {
			break
		}
		// Quota and permission problems belong to the credential pool's
		// failover logic, not to in-place retry.
		if IsQuotaError(err) || IsPermissionError(err) || ctx.Err() != nil {
			return nil, err
		}
		wait := b.Duration()
		slog.Warn("Generation failed, retrying",
			"model", model, "attempt", attempt+1, "wait", wait, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	if err != nil {
		return nil, err
	}

	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return nil, &PromptBlockedError{Reason: string(resp.PromptFeedback.BlockReason)}
	}

	result := &GenerateResult{Text: resp.Text()}
	if len(resp.Candidates) > 0 {
		result.FinishReason = string(resp.Candidates[0].FinishReason)
	}
	if resp.UsageMetadata != nil {
		result.InputTokens = resp.UsageMetadata.PromptTokenCount
		result.OutputTokens = resp.UsageMetadata.CandidatesTokenCount
	}
	return result, nil
}
