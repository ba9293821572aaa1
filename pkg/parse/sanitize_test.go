package parse

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jokbolink/jokbod/pkg/models"
)

func TestCoerceInt(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want int
	}{
		{"float", float64(7), 7},
		{"int", 7, 7},
		{"numeric string", "12", 12},
		{"string with suffix", "12번", 12},
		{"string with prefix", "page 34", 34},
		{"negative", "-3", -3},
		{"no digits", "none", 0},
		{"nil", nil, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CoerceInt(tt.in))
		})
	}
}

func TestClampScore(t *testing.T) {
	assert.Equal(t, 0, ClampScore(-5))
	assert.Equal(t, 0, ClampScore(0))
	assert.Equal(t, 80, ClampScore(80))
	assert.Equal(t, 110, ClampScore(110))
	assert.Equal(t, 110, ClampScore(300))
}

func TestNormalizeWrongAnswerKeys(t *testing.T) {
	wrong := map[string]any{
		"1":        "already bare",
		"2번":       "already canonical",
		"choice 3": "english label",
		"④":        "no digit at all",
	}
	normalized := NormalizeWrongAnswerKeys(wrong)

	assert.Equal(t, "already bare", normalized["1번"])
	assert.Equal(t, "already canonical", normalized["2번"])
	assert.Equal(t, "english label", normalized["3번"])
	assert.Equal(t, "no digit at all", normalized["④"], "keys without digits pass through")
}

func TestSanitizeJokboCentric(t *testing.T) {
	result := map[string]any{
		"jokbo_pages": []any{
			map[string]any{
				"jokbo_page": "3페이지",
				"questions": []any{
					map[string]any{
						"question_number": float64(12),
						"question_text":   "  What is X?  ",
						"answer":          "3번",
						"wrong_answer_explanations": map[string]any{
							"1": "wrong because",
						},
						"related_lesson_slides": []any{
							map[string]any{
								"lesson_filename": "lecture.pdf",
								"lesson_page":     "7",
								"relevance_score": float64(250),
							},
						},
					},
				},
			},
			"not an object, dropped",
		},
	}

	sanitized := Sanitize(result, models.ModeJokboCentric)
	pages := sanitized["jokbo_pages"].([]any)
	require.Len(t, pages, 1)

	page := pages[0].(map[string]any)
	assert.Equal(t, 3, page["jokbo_page"])

	question := page["questions"].([]any)[0].(map[string]any)
	assert.Equal(t, "12", question["question_number"])
	assert.Equal(t, "What is X?", question["question_text"])

	wrong := question["wrong_answer_explanations"].(map[string]any)
	assert.Equal(t, "wrong because", wrong["1번"])

	slide := question["related_lesson_slides"].([]any)[0].(map[string]any)
	assert.Equal(t, 7, slide["lesson_page"])
	assert.Equal(t, 110, slide["relevance_score"])
}

func TestSanitizeLessonCentric(t *testing.T) {
	result := map[string]any{
		"related_slides": []any{
			map[string]any{
				"lesson_page":      float64(4),
				"importance_score": "-10",
				"key_concepts":     []any{"osmosis", float64(2), ""},
				"related_jokbo_questions": []any{
					map[string]any{
						"jokbo_filename":  "exam.pdf",
						"jokbo_page":      "2",
						"question_number": float64(5),
					},
				},
			},
		},
	}

	sanitized := Sanitize(result, models.ModeLessonCentric)
	slide := sanitized["related_slides"].([]any)[0].(map[string]any)
	assert.Equal(t, 4, slide["lesson_page"])
	assert.Equal(t, 0, slide["importance_score"])
	assert.Equal(t, []any{"osmosis", "2"}, slide["key_concepts"], "empty concepts dropped")

	question := slide["related_jokbo_questions"].([]any)[0].(map[string]any)
	assert.Equal(t, 2, question["jokbo_page"])
	assert.Equal(t, "5", question["question_number"])
}

func TestSanitizeNilAndEmpty(t *testing.T) {
	assert.Equal(t, map[string]any{"jokbo_pages": []any{}}, Sanitize(nil, models.ModeJokboCentric))
	assert.Equal(t, map[string]any{"questions": []any{}}, Sanitize(map[string]any{}, models.ModeExamOnly))
}

// Sanitize is a fixed point: marshaling a sanitized result, parsing it back,
// and sanitizing again changes nothing.
func TestSanitizeFixedPoint(t *testing.T) {
	raw := `{"jokbo_pages": [{"jokbo_page": "3", "questions": [{
		"question_number": 12, "question_text": "Q", "answer": "2번",
		"explanation": "because",
		"wrong_answer_explanations": {"choice 1": "no"},
		"related_lesson_slides": [{"lesson_filename": "l.pdf", "lesson_page": "7", "relevance_score": 150, "relevance_reason": "r"}]
	}]}]}`

	first, err := Parse(raw, models.ModeJokboCentric)
	require.NoError(t, err)

	encoded, err := json.Marshal(first)
	require.NoError(t, err)

	second, err := Parse(string(encoded), models.ModeJokboCentric)
	require.NoError(t, err)

	reencoded, err := json.Marshal(second)
	require.NoError(t, err)
	assert.JSONEq(t, string(encoded), string(reencoded))
}
