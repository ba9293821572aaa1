package parse

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/jokbolink/jokbod/pkg/models"
)

// Score bounds for relevance and importance values.
const (
	ScoreMin = 0
	ScoreMax = 110
)

var firstIntRe = regexp.MustCompile(`-?\d+`)

// Sanitize normalizes a parsed result in place for the mode: numeric fields
// are coerced with the first-integer rule, scores are clamped, and
// wrong-answer keys are rewritten to the "N번" form. Sanitizing an already
// sanitized result is a no-op.
func Sanitize(result map[string]any, mode models.AnalysisMode) map[string]any {
	if result == nil {
		result = map[string]any{}
	}
	root := mode.RootKey()
	list, _ := result[root].([]any)

	var sanitized []any
	for _, element := range list {
		obj, ok := element.(map[string]any)
		if !ok {
			continue
		}
		switch mode {
		case models.ModeJokboCentric:
			sanitizeJokboPage(obj)
		case models.ModeLessonCentric:
			sanitizeSlide(obj)
		case models.ModePartialJokbo, models.ModeExamOnly:
			sanitizeQuestionEntry(obj)
		}
		sanitized = append(sanitized, obj)
	}
	if sanitized == nil {
		sanitized = []any{}
	}
	return map[string]any{root: sanitized}
}

func sanitizeJokboPage(page map[string]any) {
	page["jokbo_page"] = CoerceInt(page["jokbo_page"])

	questions, _ := page["questions"].([]any)
	for _, q := range questions {
		question, ok := q.(map[string]any)
		if !ok {
			continue
		}
		question["question_number"] = CoerceString(question["question_number"])
		question["question_text"] = CoerceString(question["question_text"])
		question["answer"] = CoerceString(question["answer"])
		question["explanation"] = CoerceString(question["explanation"])
		if wrong, ok := question["wrong_answer_explanations"].(map[string]any); ok {
			question["wrong_answer_explanations"] = NormalizeWrongAnswerKeys(wrong)
		}

		slides, _ := question["related_lesson_slides"].([]any)
		for _, s := range slides {
			slide, ok := s.(map[string]any)
			if !ok {
				continue
			}
			slide["lesson_filename"] = CoerceString(slide["lesson_filename"])
			slide["lesson_page"] = CoerceInt(slide["lesson_page"])
			slide["relevance_score"] = ClampScore(CoerceInt(slide["relevance_score"]))
			slide["relevance_reason"] = CoerceString(slide["relevance_reason"])
		}
	}
}

func sanitizeSlide(slide map[string]any) {
	slide["lesson_page"] = CoerceInt(slide["lesson_page"])
	slide["importance_score"] = ClampScore(CoerceInt(slide["importance_score"]))

	concepts, _ := slide["key_concepts"].([]any)
	var normalized []any
	for _, c := range concepts {
		if s := CoerceString(c); s != "" {
			normalized = append(normalized, s)
		}
	}
	if normalized == nil {
		normalized = []any{}
	}
	slide["key_concepts"] = normalized

	questions, _ := slide["related_jokbo_questions"].([]any)
	for _, q := range questions {
		question, ok := q.(map[string]any)
		if !ok {
			continue
		}
		question["jokbo_filename"] = CoerceString(question["jokbo_filename"])
		question["jokbo_page"] = CoerceInt(question["jokbo_page"])
		question["question_number"] = CoerceString(question["question_number"])
	}
}

func sanitizeQuestionEntry(question map[string]any) {
	question["question_number"] = CoerceString(question["question_number"])
	question["page_start"] = CoerceInt(question["page_start"])
	if _, present := question["next_question_start"]; present {
		question["next_question_start"] = CoerceInt(question["next_question_start"])
	}
	for _, key := range []string{"answer", "explanation", "background_knowledge"} {
		if _, present := question[key]; present {
			question[key] = CoerceString(question[key])
		}
	}
	if wrong, ok := question["wrong_answer_explanations"].(map[string]any); ok {
		question["wrong_answer_explanations"] = NormalizeWrongAnswerKeys(wrong)
	}
}

// NormalizeWrongAnswerKeys rewrites map keys like "3", "3번", or "choice 3"
// to the canonical "3번" form. Keys with no digit are kept verbatim.
func NormalizeWrongAnswerKeys(wrong map[string]any) map[string]any {
	normalized := make(map[string]any, len(wrong))
	for key, value := range wrong {
		if digits := firstIntRe.FindString(key); digits != "" {
			key = digits + "번"
		}
		normalized[key] = CoerceString(value)
	}
	return normalized
}

// CoerceInt converts JSON scalars to an int with the first-integer rule:
// numbers truncate, strings yield their first integer run, everything else
// is zero.
func CoerceInt(v any) int {
	switch x := v.(type) {
	case int:
		return x
	case float64:
		return int(x)
	case string:
		if digits := firstIntRe.FindString(x); digits != "" {
			n := 0
			_, _ = fmt.Sscanf(digits, "%d", &n)
			return n
		}
	}
	return 0
}

// CoerceString renders a JSON scalar as a trimmed string; nil becomes "".
func CoerceString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case float64:
		if x == float64(int64(x)) {
			return fmt.Sprintf("%d", int64(x))
		}
		return fmt.Sprintf("%g", x)
	case bool:
		return fmt.Sprintf("%t", x)
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", x))
	}
}

// ClampScore bounds a relevance or importance score to [0, 110].
func ClampScore(score int) int {
	if score < ScoreMin {
		return ScoreMin
	}
	if score > ScoreMax {
		return ScoreMax
	}
	return score
}
