// Package models defines the shared domain types for analysis jobs.
package models

import "time"

// AnalysisMode selects which analyzer drives a job.
type AnalysisMode string

// Supported analysis modes.
const (
	// ModeJokboCentric links each jokbo question to the lecture slides
	// that teach it (1 jokbo + N lessons per call).
	ModeJokboCentric AnalysisMode = "jokbo-centric"

	// ModeLessonCentric ranks each lecture slide by the exam questions it
	// answers (N jokbos + 1 lesson per call).
	ModeLessonCentric AnalysisMode = "lesson-centric"

	// ModePartialJokbo extracts question boundaries and explanations from a
	// jokbo, with lessons as reference material.
	ModePartialJokbo AnalysisMode = "partial-jokbo"

	// ModeExamOnly explains a jokbo chunk covering a question range without
	// any lesson input.
	ModeExamOnly AnalysisMode = "exam-only"
)

// Valid reports whether m is one of the supported modes.
func (m AnalysisMode) Valid() bool {
	switch m {
	case ModeJokboCentric, ModeLessonCentric, ModePartialJokbo, ModeExamOnly:
		return true
	}
	return false
}

// RootKey returns the top-level key of the mode's result JSON.
func (m AnalysisMode) RootKey() string {
	switch m {
	case ModeJokboCentric:
		return "jokbo_pages"
	case ModeLessonCentric:
		return "related_slides"
	default:
		return "questions"
	}
}

// ModelTier selects the LLM model class used for a job.
type ModelTier string

// Supported model tiers.
const (
	TierFlash ModelTier = "flash"
	TierPro   ModelTier = "pro"
)

// Valid reports whether t is a known tier.
func (t ModelTier) Valid() bool {
	return t == TierFlash || t == TierPro
}

// FileKind distinguishes the two PDF classes a job ingests.
type FileKind string

// File kinds.
const (
	KindJokbo  FileKind = "jokbo"
	KindLesson FileKind = "lesson"
)

// JobMetadata is the persisted description of a submitted job. It is written
// once at submission and read by the task layer when the job runs.
type JobMetadata struct {
	JobID        string       `json:"job_id"`
	Mode         AnalysisMode `json:"mode"`
	UserID       string       `json:"user_id"`
	ModelTier    ModelTier    `json:"model_tier"`
	MultiAPI     bool         `json:"multi_api"`
	MinRelevance int          `json:"min_relevance"`
	JokboKeys    []string     `json:"jokbo_keys"`
	LessonKeys   []string     `json:"lesson_keys"`

	// Exam-only jobs analyze a bounded question range.
	StartQuestion int `json:"start_question,omitempty"`
	EndQuestion   int `json:"end_question,omitempty"`

	// TokenBudget caps the tokens this job may spend. Zero means no
	// job-level cap (the user ledger still applies).
	TokenBudget int64 `json:"token_budget,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// PrimaryKeys returns the file keys of the mode's primary inputs.
func (m *JobMetadata) PrimaryKeys() []string {
	if m.Mode == ModeLessonCentric {
		return m.LessonKeys
	}
	return m.JokboKeys
}

// CounterpartKeys returns the file keys paired against each primary input.
// Empty for modes that analyze the jokbo alone.
func (m *JobMetadata) CounterpartKeys() []string {
	switch m.Mode {
	case ModeJokboCentric:
		return m.LessonKeys
	case ModeLessonCentric:
		return m.JokboKeys
	case ModePartialJokbo:
		return m.LessonKeys
	}
	return nil
}
