// Package llmtest provides a scriptable in-memory Client for tests.
package llmtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/jokbolink/jokbod/pkg/llm"
)

// Call records one GenerateContent invocation.
type Call struct {
	Model  string
	Prompt string
	Files  []*llm.FileHandle
}

// FakeClient implements llm.Client. GenerateFunc decides each generation
// outcome; when nil, every call returns Response. Uploads are tracked so
// tests can assert the fresh-slate delete policy and file isolation.
type FakeClient struct {
	mu sync.Mutex

	// Key identifies the credential this fake was built for.
	Key string

	// GenerateFunc, when set, handles each generation call. The call index
	// starts at 0.
	GenerateFunc func(call int, model, prompt string, files []*llm.FileHandle) (*llm.GenerateResult, error)

	// Response is returned by every generation when GenerateFunc is nil.
	Response *llm.GenerateResult

	// UploadErr fails every upload when set.
	UploadErr error

	uploads   map[string]*llm.FileHandle
	uploadSeq int
	calls     []Call
}

// NewFakeClient returns a fake bound to the given credential key.
func NewFakeClient(key string) *FakeClient {
	return &FakeClient{
		Key:     key,
		uploads: make(map[string]*llm.FileHandle),
	}
}

func (f *FakeClient) UploadFile(_ context.Context, path, displayName string) (*llm.FileHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.UploadErr != nil {
		return nil, &llm.UploadError{Path: path, Err: f.UploadErr}
	}
	f.uploadSeq++
	h := &llm.FileHandle{
		Name:        fmt.Sprintf("files/%s-%d", f.Key, f.uploadSeq),
		URI:         fmt.Sprintf("fake://%s/%s", f.Key, path),
		DisplayName: displayName,
		MIMEType:    "application/pdf",
		State:       "ACTIVE",
	}
	f.uploads[h.Name] = h
	return h, nil
}

func (f *FakeClient) DeleteFile(_ context.Context, handle *llm.FileHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.uploads, handle.Name)
	return nil
}

func (f *FakeClient) ListFiles(context.Context) ([]*llm.FileHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	handles := make([]*llm.FileHandle, 0, len(f.uploads))
	for _, h := range f.uploads {
		handles = append(handles, h)
	}
	return handles, nil
}

func (f *FakeClient) GenerateContent(_ context.Context, model, prompt string, files []*llm.FileHandle) (*llm.GenerateResult, error) {
	f.mu.Lock()
	call := len(f.calls)
	f.calls = append(f.calls, Call{Model: model, Prompt: prompt, Files: files})
	fn := f.GenerateFunc
	resp := f.Response
	f.mu.Unlock()

	// Enforce file isolation the way the vendor would: handles uploaded by
	// another credential come back as 403.
	for _, h := range files {
		if f.Key != "" && !ownedBy(h, f.Key) {
			return nil, fmt.Errorf("403 permission denied: file %s not owned by this credential", h.Name)
		}
	}

	if fn != nil {
		return fn(call, model, prompt, files)
	}
	if resp != nil {
		return resp, nil
	}
	return &llm.GenerateResult{Text: "{}", FinishReason: "STOP"}, nil
}

// Calls returns a copy of the recorded generation calls.
func (f *FakeClient) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// LiveUploads returns how many uploads have not been deleted.
func (f *FakeClient) LiveUploads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.uploads)
}

func ownedBy(h *llm.FileHandle, key string) bool {
	return len(h.URI) >= len("fake://")+len(key) &&
		h.URI[len("fake://"):len("fake://")+len(key)] == key
}
