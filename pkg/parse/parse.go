// Package parse recovers structured results from noisy LLM output. The
// pipeline is staged so each stage stays a pure, separately testable
// function: preprocess, repair, extract, unmarshal, then per-mode partial
// recovery when everything else fails.
package parse

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"

	"github.com/jokbolink/jokbod/pkg/models"
)

// ErrUnparsable indicates no JSON object could be recovered from the text.
var ErrUnparsable = errors.New("unparsable llm response")

var (
	fenceRe         = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")
	trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)
	nanRe           = regexp.MustCompile(`\b(?:NaN|-?Infinity)\b`)
)

var smartQuotes = strings.NewReplacer(
	"“", `"`, "”", `"`,
	"‘", "'", "’", "'",
)

// Preprocess strips the BOM and markdown fencing. A fenced block containing
// an object wins over the surrounding prose; otherwise the text is sliced
// from the first '{' to the last '}'.
func Preprocess(raw string) string {
	text := strings.TrimPrefix(strings.TrimSpace(raw), "\ufeff")

	for _, m := range fenceRe.FindAllStringSubmatch(text, -1) {
		if strings.Contains(m[1], "{") {
			text = m[1]
			break
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}
	return strings.TrimSpace(text)
}

// Repair fixes the damage LLMs commonly inflict on JSON: smart quotes,
// trailing commas, and bare NaN/Infinity literals.
func Repair(text string) string {
	text = smartQuotes.Replace(text)
	text = trailingCommaRe.ReplaceAllString(text, "$1")
	text = nanRe.ReplaceAllString(text, "null")
	return text
}

// ExtractObject scans for the first balanced top-level JSON object,
// honoring string literals and escapes.
func ExtractObject(text string) (string, bool) {
	start := strings.Index(text, "{")
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

// Parse runs the full recovery pipeline and returns a sanitized result for
// the mode. An empty response is a valid "no matches" answer and yields the
// mode's empty root.
func Parse(raw string, mode models.AnalysisMode) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return EmptyResult(mode), nil
	}

	text := Preprocess(raw)
	candidates := []string{text, Repair(text)}
	if extracted, ok := ExtractObject(Repair(text)); ok {
		candidates = append(candidates, extracted)
	}

	for _, candidate := range candidates {
		var result map[string]any
		if err := json.Unmarshal([]byte(candidate), &result); err == nil {
			return Sanitize(result, mode), nil
		}
	}

	if recovered, ok := recoverPartial(Repair(text), mode); ok {
		return Sanitize(recovered, mode), nil
	}
	return nil, ErrUnparsable
}

// EmptyResult returns the mode's normalized "no matches" shape.
func EmptyResult(mode models.AnalysisMode) map[string]any {
	return map[string]any{mode.RootKey(): []any{}}
}

// IsSuspicious flags a parse whose output contradicts its input: the raw
// text clearly carried elements for the mode's root key, yet recovery
// produced none. Suspicious parses earn a retry; genuinely empty answers do
// not.
func IsSuspicious(raw string, result map[string]any, mode models.AnalysisMode) bool {
	if len(rootList(result, mode)) > 0 {
		return false
	}
	return strings.Contains(raw, `"`+mode.RootKey()+`"`) && strings.Contains(raw, driverKey(mode))
}

var jokboPageRe = regexp.MustCompile(`"jokbo_page"\s*:\s*"?(-?\d+)`)
var lessonPageRe = regexp.MustCompile(`"lesson_page"\s*:\s*"?(-?\d+)`)
var questionNumberRe = regexp.MustCompile(`"question_number"\s*:`)

// recoverPartial salvages individual elements from broken output by
// locating each driver-key occurrence and re-parsing its enclosing balanced
// object.
func recoverPartial(text string, mode models.AnalysisMode) (map[string]any, bool) {
	var re *regexp.Regexp
	switch mode {
	case models.ModeJokboCentric:
		re = jokboPageRe
	case models.ModeLessonCentric:
		re = lessonPageRe
	case models.ModePartialJokbo, models.ModeExamOnly:
		re = questionNumberRe
	default:
		return nil, false
	}

	var elements []any
	for _, loc := range re.FindAllStringIndex(text, -1) {
		obj, ok := enclosingObject(text, loc[0])
		if !ok {
			continue
		}
		var element map[string]any
		if err := json.Unmarshal([]byte(obj), &element); err != nil {
			continue
		}
		if mode == models.ModeJokboCentric && !hasValidQuestion(element) {
			continue
		}
		elements = append(elements, element)
	}
	if len(elements) == 0 {
		return nil, false
	}
	return map[string]any{mode.RootKey(): elements}, true
}

// enclosingObject finds the innermost balanced object containing position
// pos. The backward scan is brace-counting only; driver keys sit at the top
// of their objects in practice, so strings rarely interfere.
func enclosingObject(text string, pos int) (string, bool) {
	depth := 0
	for i := pos; i >= 0; i-- {
		switch text[i] {
		case '}':
			depth++
		case '{':
			if depth == 0 {
				return ExtractObject(text[i:])
			}
			depth--
		}
	}
	return "", false
}

// hasValidQuestion reports whether a recovered jokbo page carries at least
// one question with a real answer.
func hasValidQuestion(page map[string]any) bool {
	questions, ok := page["questions"].([]any)
	if !ok {
		return false
	}
	for _, q := range questions {
		question, ok := q.(map[string]any)
		if !ok {
			continue
		}
		if question["question_number"] == nil || question["question_text"] == nil {
			continue
		}
		answer, _ := question["answer"].(string)
		if !IsPlaceholderAnswer(answer) {
			return true
		}
	}
	return false
}

func driverKey(mode models.AnalysisMode) string {
	switch mode {
	case models.ModeJokboCentric:
		return `"jokbo_page"`
	case models.ModeLessonCentric:
		return `"lesson_page"`
	default:
		return `"question_number"`
	}
}

func rootList(result map[string]any, mode models.AnalysisMode) []any {
	list, _ := result[mode.RootKey()].([]any)
	return list
}

var placeholderAnswers = map[string]bool{
	"":        true,
	"n/a":     true,
	"na":      true,
	"none":    true,
	"null":    true,
	"unknown": true,
	"-":       true,
	"없음":      true,
	"모름":      true,
	"해당없음":    true,
}

// IsPlaceholderAnswer reports whether an answer string carries no real
// content and should drop the question.
func IsPlaceholderAnswer(answer string) bool {
	return placeholderAnswers[strings.ToLower(strings.TrimSpace(answer))]
}
