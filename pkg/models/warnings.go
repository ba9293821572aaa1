package models

// FailedFile records a primary input that produced no usable analysis.
type FailedFile struct {
	Filename string `json:"filename"`
	Reason   string `json:"reason"`
}

// FailedChunk records a page-range chunk that failed permanently after
// failover and adaptive split retries.
type FailedChunk struct {
	Filename  string `json:"filename"`
	Index     int    `json:"chunk_index"`
	StartPage int    `json:"start_page"`
	EndPage   int    `json:"end_page"`
	Reason    string `json:"reason"`

	// PromptBlocked chunks are never retried by splitting.
	PromptBlocked bool `json:"prompt_blocked,omitempty"`
}

// Warnings aggregates the non-fatal failures of a job. A job with warnings
// still produces whatever partial output was possible.
type Warnings struct {
	FailedFiles  []FailedFile  `json:"failed_files,omitempty"`
	FailedChunks []FailedChunk `json:"failed_chunks,omitempty"`
}

// Empty reports whether no warnings were collected.
func (w *Warnings) Empty() bool {
	return len(w.FailedFiles) == 0 && len(w.FailedChunks) == 0
}

// Merge appends the entries of other into w.
func (w *Warnings) Merge(other *Warnings) {
	if other == nil {
		return
	}
	w.FailedFiles = append(w.FailedFiles, other.FailedFiles...)
	w.FailedChunks = append(w.FailedChunks, other.FailedChunks...)
}
