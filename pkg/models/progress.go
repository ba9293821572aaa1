package models

import "time"

// Progress is the chunk-level progress record of a running job, stored as a
// single hash in the KV store.
type Progress struct {
	TotalChunks     int64     `json:"total_chunks"`
	CompletedChunks int64     `json:"completed_chunks"`
	StartedAt       time.Time `json:"started_at"`

	// Percent stays in [0,99] until finalization sets 100.
	Percent int `json:"progress"`

	Message string `json:"message"`

	AvgChunkSeconds float64 `json:"avg_chunk_seconds"`
	EtaSeconds      float64 `json:"eta_seconds"`

	// JobTokenBudget is zero when the job has no per-job cap.
	JobTokenBudget int64 `json:"job_token_budget,omitempty"`
	JobTokensSpent int64 `json:"job_tokens_spent"`
}

// Done reports whether the record has been finalized.
func (p *Progress) Done() bool {
	return p.Percent >= 100
}

// Remaining returns the number of chunks not yet completed.
func (p *Progress) Remaining() int64 {
	if r := p.TotalChunks - p.CompletedChunks; r > 0 {
		return r
	}
	return 0
}
