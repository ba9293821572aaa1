package merge

import (
	"encoding/json"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jokbolink/jokbod/pkg/models"
)

func slide(file string, page, score int) map[string]any {
	return map[string]any{
		"lesson_filename": file,
		"lesson_page":     page,
		"relevance_score": score,
	}
}

func jokboChunk(page int, number string, slides ...any) map[string]any {
	return map[string]any{
		"jokbo_pages": []any{
			map[string]any{
				"jokbo_page": page,
				"questions": []any{
					map[string]any{
						"question_number": number,
						"question_text":   "Q" + number,
						"answer":          "1번",
						"related_lesson_slides": append([]any{}, slides...),
					},
				},
			},
		},
	}
}

func TestMergeJokboCentricUnions(t *testing.T) {
	// Two chunks report the same question with overlapping slides; the
	// higher score wins per (lesson, page).
	chunks := []map[string]any{
		jokboChunk(1, "5", slide("l1.pdf", 10, 85), slide("l1.pdf", 11, 90)),
		jokboChunk(1, "5", slide("l1.pdf", 10, 95), slide("l2.pdf", 3, 82)),
	}

	result := ChunkResults(chunks, models.ModeJokboCentric, 80)
	pages := result["jokbo_pages"].([]any)
	require.Len(t, pages, 1)

	question := pages[0].(map[string]any)["questions"].([]any)[0].(map[string]any)
	slides := question["related_lesson_slides"].([]any)
	require.Len(t, slides, 2, "top-2 cap applies")

	first := slides[0].(map[string]any)
	assert.Equal(t, "l1.pdf", first["lesson_filename"])
	assert.Equal(t, 10, first["lesson_page"])
	assert.Equal(t, 95, first["relevance_score"], "higher score wins the union")
	assert.Equal(t, 90, slides[1].(map[string]any)["relevance_score"])
}

func TestMergeIsPermutationInvariant(t *testing.T) {
	chunks := []map[string]any{
		jokboChunk(1, "1", slide("l1.pdf", 2, 88)),
		jokboChunk(3, "7", slide("l1.pdf", 9, 91), slide("l2.pdf", 4, 84)),
		jokboChunk(2, "4", slide("l2.pdf", 5, 100)),
		jokboChunk(1, "2", slide("l1.pdf", 3, 80)),
	}

	baseline, err := json.Marshal(ChunkResults(chunks, models.ModeJokboCentric, 80))
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 10; i++ {
		shuffled := make([]map[string]any, len(chunks))
		copy(shuffled, chunks)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })

		// Rebuild from JSON so in-place mutation cannot leak between runs.
		var rebuilt []map[string]any
		for _, c := range shuffled {
			encoded, err := json.Marshal(c)
			require.NoError(t, err)
			var fresh map[string]any
			require.NoError(t, json.Unmarshal(encoded, &fresh))
			rebuilt = append(rebuilt, fresh)
		}

		got, err := json.Marshal(ChunkResults(rebuilt, models.ModeJokboCentric, 80))
		require.NoError(t, err)
		assert.JSONEq(t, string(baseline), string(got), "permutation %d", i)
	}
}

func TestMinRelevanceBounds(t *testing.T) {
	chunks := []map[string]any{
		jokboChunk(1, "1",
			slide("l1.pdf", 1, 0),
			slide("l1.pdf", 2, 50),
			slide("l1.pdf", 3, 110)),
	}

	// min_relevance 0 keeps everything, still capped at two.
	result := ChunkResults(chunks, models.ModeJokboCentric, 0)
	question := result["jokbo_pages"].([]any)[0].(map[string]any)["questions"].([]any)[0].(map[string]any)
	slides := question["related_lesson_slides"].([]any)
	require.Len(t, slides, 2)
	assert.Equal(t, 110, slides[0].(map[string]any)["relevance_score"])

	// min_relevance 110 keeps only the ceiling score.
	chunks = []map[string]any{
		jokboChunk(1, "1",
			slide("l1.pdf", 1, 0),
			slide("l1.pdf", 2, 50),
			slide("l1.pdf", 3, 110)),
	}
	result = ChunkResults(chunks, models.ModeJokboCentric, 110)
	question = result["jokbo_pages"].([]any)[0].(map[string]any)["questions"].([]any)[0].(map[string]any)
	slides = question["related_lesson_slides"].([]any)
	require.Len(t, slides, 1)
	assert.Equal(t, 110, slides[0].(map[string]any)["relevance_score"])
}

func TestMergeSkipsFailedChunks(t *testing.T) {
	chunks := []map[string]any{
		nil,
		jokboChunk(2, "3", slide("l1.pdf", 4, 90)),
		nil,
	}
	result := ChunkResults(chunks, models.ModeJokboCentric, 80)
	assert.Len(t, result["jokbo_pages"].([]any), 1)
}

func TestMergeLessonCentric(t *testing.T) {
	chunks := []map[string]any{
		{
			"related_slides": []any{
				map[string]any{
					"lesson_page":      5,
					"importance_score": 70,
					"key_concepts":     []any{"osmosis", "diffusion"},
					"related_jokbo_questions": []any{
						map[string]any{"jokbo_filename": "j1.pdf", "jokbo_page": 1, "question_number": "3"},
					},
				},
				map[string]any{
					"lesson_page":             9,
					"importance_score":        40,
					"key_concepts":            []any{"orphan"},
					"related_jokbo_questions": []any{},
				},
			},
		},
		{
			"related_slides": []any{
				map[string]any{
					"lesson_page":      5,
					"importance_score": 95,
					"key_concepts":     []any{"diffusion", "tonicity"},
					"related_jokbo_questions": []any{
						map[string]any{"jokbo_filename": "j1.pdf", "jokbo_page": 1, "question_number": "3"},
						map[string]any{"jokbo_filename": "j2.pdf", "jokbo_page": 4, "question_number": "1"},
					},
				},
			},
		},
	}

	result := ChunkResults(chunks, models.ModeLessonCentric, 80)
	slides := result["related_slides"].([]any)
	require.Len(t, slides, 1, "slide with no linked questions is dropped")

	merged := slides[0].(map[string]any)
	assert.Equal(t, 5, merged["lesson_page"])
	assert.Equal(t, 95, merged["importance_score"], "importance is the max")
	assert.Equal(t, []any{"diffusion", "osmosis", "tonicity"}, merged["key_concepts"], "set union, sorted")
	assert.Len(t, merged["related_jokbo_questions"].([]any), 2, "duplicate question deduped")
}

func TestMergeQuestionListSortsNumerically(t *testing.T) {
	chunks := []map[string]any{
		{
			"questions": []any{
				map[string]any{"question_number": "10", "page_start": 12},
				map[string]any{"question_number": "2", "page_start": 3},
			},
		},
		{
			"questions": []any{
				map[string]any{"question_number": "2", "page_start": 3},
				map[string]any{"question_number": "1", "page_start": 1},
			},
		},
	}

	result := ChunkResults(chunks, models.ModeExamOnly, 0)
	questions := result["questions"].([]any)
	require.Len(t, questions, 3, "duplicate question number deduped")

	var order []string
	for _, q := range questions {
		order = append(order, q.(map[string]any)["question_number"].(string))
	}
	assert.Equal(t, []string{"1", "2", "10"}, order, "numeric sort, not lexicographic")
}

func TestApplyFinalFilteringIsIdempotent(t *testing.T) {
	chunks := []map[string]any{
		jokboChunk(2, "8", slide("l1.pdf", 1, 84), slide("l1.pdf", 2, 92), slide("l2.pdf", 7, 88)),
	}
	once := ChunkResults(chunks, models.ModeJokboCentric, 80)

	encodedOnce, err := json.Marshal(once)
	require.NoError(t, err)

	twice := ApplyFinalFilteringAndSorting(once, models.ModeJokboCentric, 80)
	encodedTwice, err := json.Marshal(twice)
	require.NoError(t, err)
	assert.JSONEq(t, string(encodedOnce), string(encodedTwice))
}
