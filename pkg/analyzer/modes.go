package analyzer

import (
	"context"

	"github.com/jokbolink/jokbod/pkg/models"
)

// jokboCentric links one jokbo's questions to slides from a lesson chunk.
// The jokbo is uploaded whole, so its pages come back absolute; lesson pages
// are chunk-relative and get offset.
type jokboCentric struct{ *base }

func (a *jokboCentric) Mode() models.AnalysisMode { return models.ModeJokboCentric }

func (a *jokboCentric) Analyze(ctx context.Context, req Request) (map[string]any, error) {
	result, err := a.run(ctx, a.Mode(), req)
	if err != nil {
		return nil, err
	}
	OffsetLessonPages(result, req.ChunkRange)
	NormalizeLessonFilenames(result, req.LessonNames)
	DropPlaceholderQuestions(result)
	return result, nil
}

// lessonCentric ranks one lesson's slides by the questions in a jokbo
// chunk. The lesson is whole, the jokbo is chunked.
type lessonCentric struct{ *base }

func (a *lessonCentric) Mode() models.AnalysisMode { return models.ModeLessonCentric }

func (a *lessonCentric) Analyze(ctx context.Context, req Request) (map[string]any, error) {
	result, err := a.run(ctx, a.Mode(), req)
	if err != nil {
		return nil, err
	}
	OffsetJokboPages(result, req.ChunkRange)
	NormalizeJokboFilenames(result, req.JokboNames)
	return result, nil
}

// partialJokbo extracts question boundaries and explanations from a jokbo
// chunk, with lessons attached as reference material.
type partialJokbo struct{ *base }

func (a *partialJokbo) Mode() models.AnalysisMode { return models.ModePartialJokbo }

func (a *partialJokbo) Analyze(ctx context.Context, req Request) (map[string]any, error) {
	result, err := a.run(ctx, a.Mode(), req)
	if err != nil {
		return nil, err
	}
	OffsetQuestionPages(result, a.Mode(), req.ChunkRange)
	return result, nil
}

// examOnly explains the questions of a jokbo chunk covering a question
// range, without lesson material.
type examOnly struct{ *base }

func (a *examOnly) Mode() models.AnalysisMode { return models.ModeExamOnly }

func (a *examOnly) Analyze(ctx context.Context, req Request) (map[string]any, error) {
	result, err := a.run(ctx, a.Mode(), req)
	if err != nil {
		return nil, err
	}
	OffsetQuestionPages(result, a.Mode(), req.ChunkRange)
	DropPlaceholderQuestionEntries(result, a.Mode())
	return result, nil
}
