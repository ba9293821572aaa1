package analyzer

import (
	"log/slog"
	"path/filepath"

	"github.com/jokbolink/jokbod/pkg/models"
	"github.com/jokbolink/jokbod/pkg/parse"
	"github.com/jokbolink/jokbod/pkg/pdf"
	"github.com/jokbolink/jokbod/pkg/storage"
)

// OffsetLessonPages rewrites chunk-relative lesson page numbers in a
// jokbo-centric result to absolute pages of the source lesson.
func OffsetLessonPages(result map[string]any, chunk pdf.PageRange) {
	for _, p := range rootList(result, models.ModeJokboCentric) {
		page, ok := p.(map[string]any)
		if !ok {
			continue
		}
		questions, _ := page["questions"].([]any)
		for _, q := range questions {
			question, ok := q.(map[string]any)
			if !ok {
				continue
			}
			slides, _ := question["related_lesson_slides"].([]any)
			for _, s := range slides {
				if slide, ok := s.(map[string]any); ok {
					slide["lesson_page"] = pdf.AbsolutePage(parse.CoerceInt(slide["lesson_page"]), chunk)
				}
			}
		}
	}
}

// OffsetJokboPages rewrites chunk-relative jokbo page numbers in a
// lesson-centric result to absolute pages of the source jokbo.
func OffsetJokboPages(result map[string]any, chunk pdf.PageRange) {
	for _, s := range rootList(result, models.ModeLessonCentric) {
		slide, ok := s.(map[string]any)
		if !ok {
			continue
		}
		questions, _ := slide["related_jokbo_questions"].([]any)
		for _, q := range questions {
			if question, ok := q.(map[string]any); ok {
				question["jokbo_page"] = pdf.AbsolutePage(parse.CoerceInt(question["jokbo_page"]), chunk)
			}
		}
	}
}

// OffsetQuestionPages rewrites page_start and next_question_start in
// partial-jokbo and exam-only results.
func OffsetQuestionPages(result map[string]any, mode models.AnalysisMode, chunk pdf.PageRange) {
	for _, q := range rootList(result, mode) {
		question, ok := q.(map[string]any)
		if !ok {
			continue
		}
		question["page_start"] = pdf.AbsolutePage(parse.CoerceInt(question["page_start"]), chunk)
		if _, present := question["next_question_start"]; present {
			question["next_question_start"] = pdf.AbsolutePage(parse.CoerceInt(question["next_question_start"]), chunk)
		}
	}
}

// NormalizeLessonFilenames replaces every lesson_filename the LLM echoed
// back with the original lesson basename. Matching is strict on sanitized
// names; slides that match no known lesson are dropped rather than guessed
// at.
func NormalizeLessonFilenames(result map[string]any, lessonNames []string) {
	for _, p := range rootList(result, models.ModeJokboCentric) {
		page, ok := p.(map[string]any)
		if !ok {
			continue
		}
		questions, _ := page["questions"].([]any)
		for _, q := range questions {
			question, ok := q.(map[string]any)
			if !ok {
				continue
			}
			slides, _ := question["related_lesson_slides"].([]any)
			kept := make([]any, 0, len(slides))
			for _, s := range slides {
				slide, ok := s.(map[string]any)
				if !ok {
					continue
				}
				reported := parse.CoerceString(slide["lesson_filename"])
				original, found := matchName(reported, lessonNames)
				if !found {
					slog.Warn("Dropping slide with unmatched lesson filename", "reported", reported)
					continue
				}
				slide["lesson_filename"] = original
				kept = append(kept, slide)
			}
			question["related_lesson_slides"] = kept
		}
	}
}

// NormalizeJokboFilenames does the same for jokbo_filename values in
// lesson-centric results.
func NormalizeJokboFilenames(result map[string]any, jokboNames []string) {
	for _, s := range rootList(result, models.ModeLessonCentric) {
		slide, ok := s.(map[string]any)
		if !ok {
			continue
		}
		questions, _ := slide["related_jokbo_questions"].([]any)
		kept := make([]any, 0, len(questions))
		for _, q := range questions {
			question, ok := q.(map[string]any)
			if !ok {
				continue
			}
			reported := parse.CoerceString(question["jokbo_filename"])
			original, found := matchName(reported, jokboNames)
			if !found {
				slog.Warn("Dropping question with unmatched jokbo filename", "reported", reported)
				continue
			}
			question["jokbo_filename"] = original
			kept = append(kept, question)
		}
		slide["related_jokbo_questions"] = kept
	}
}

// matchName resolves a reported filename to one of the originals. Both
// sides are sanitized and compared for equality, with and without the
// extension. Ambiguity counts as no match.
func matchName(reported string, originals []string) (string, bool) {
	want := storage.SanitizeName(reported)
	wantStem := trimExt(want)

	var matched string
	count := 0
	for _, original := range originals {
		have := storage.SanitizeName(filepath.Base(original))
		if want == have || wantStem == trimExt(have) {
			matched = filepath.Base(original)
			count++
		}
	}
	if count != 1 {
		return "", false
	}
	return matched, true
}

func trimExt(name string) string {
	return name[:len(name)-len(filepath.Ext(name))]
}

// DropPlaceholderQuestions removes jokbo-centric questions whose answer is
// a placeholder, and pages left with no questions.
func DropPlaceholderQuestions(result map[string]any) {
	pages := rootList(result, models.ModeJokboCentric)
	keptPages := make([]any, 0, len(pages))
	for _, p := range pages {
		page, ok := p.(map[string]any)
		if !ok {
			continue
		}
		questions, _ := page["questions"].([]any)
		kept := make([]any, 0, len(questions))
		for _, q := range questions {
			question, ok := q.(map[string]any)
			if !ok {
				continue
			}
			if parse.IsPlaceholderAnswer(parse.CoerceString(question["answer"])) {
				continue
			}
			kept = append(kept, question)
		}
		if len(kept) == 0 {
			continue
		}
		page["questions"] = kept
		keptPages = append(keptPages, page)
	}
	result["jokbo_pages"] = keptPages
}

// DropPlaceholderQuestionEntries removes exam-only entries whose answer is
// a placeholder.
func DropPlaceholderQuestionEntries(result map[string]any, mode models.AnalysisMode) {
	questions := rootList(result, mode)
	kept := make([]any, 0, len(questions))
	for _, q := range questions {
		question, ok := q.(map[string]any)
		if !ok {
			continue
		}
		if answer, present := question["answer"]; present &&
			parse.IsPlaceholderAnswer(parse.CoerceString(answer)) {
			continue
		}
		kept = append(kept, question)
	}
	result[mode.RootKey()] = kept
}

func rootList(result map[string]any, mode models.AnalysisMode) []any {
	if result == nil {
		return nil
	}
	list, _ := result[mode.RootKey()].([]any)
	return list
}
