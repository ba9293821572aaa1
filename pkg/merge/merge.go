// Package merge combines per-chunk analysis results into one artifact. All
// merge rules are commutative, so the output is independent of chunk
// completion order.
package merge

import (
	"fmt"
	"sort"

	"github.com/jokbolink/jokbod/pkg/models"
	"github.com/jokbolink/jokbod/pkg/parse"
)

// TopSlidesPerQuestion bounds how many lecture slides a question keeps
// after relevance filtering.
const TopSlidesPerQuestion = 2

// ChunkResults merges chunk results for the mode and applies final
// filtering. Nil entries (failed chunks) are skipped.
func ChunkResults(results []map[string]any, mode models.AnalysisMode, minRelevance int) map[string]any {
	var merged map[string]any
	switch mode {
	case models.ModeJokboCentric:
		merged = mergeJokboCentric(results)
	case models.ModeLessonCentric:
		merged = mergeLessonCentric(results)
	default:
		merged = mergeQuestionList(results, mode)
	}
	return ApplyFinalFilteringAndSorting(merged, mode, minRelevance)
}

// ApplyFinalFilteringAndSorting normalizes a merged result: scores are
// filtered against minRelevance, slides are capped at the top two, and all
// collections get a deterministic order. Applying it twice is a no-op.
func ApplyFinalFilteringAndSorting(result map[string]any, mode models.AnalysisMode, minRelevance int) map[string]any {
	result = parse.Sanitize(result, mode)
	switch mode {
	case models.ModeJokboCentric:
		filterJokboCentric(result, minRelevance)
	case models.ModeLessonCentric:
		filterLessonCentric(result)
	default:
		sortQuestionList(result, mode)
	}
	return result
}

func rootList(result map[string]any, mode models.AnalysisMode) []any {
	if result == nil {
		return nil
	}
	list, _ := result[mode.RootKey()].([]any)
	return list
}

// --- jokbo-centric ---

func mergeJokboCentric(results []map[string]any) map[string]any {
	pages := map[int]map[string]any{}

	for _, result := range results {
		for _, element := range rootList(result, models.ModeJokboCentric) {
			page, ok := element.(map[string]any)
			if !ok {
				continue
			}
			pageNum := parse.CoerceInt(page["jokbo_page"])
			existing, found := pages[pageNum]
			if !found {
				pages[pageNum] = page
				continue
			}
			mergeQuestions(existing, page)
		}
	}

	nums := make([]int, 0, len(pages))
	for n := range pages {
		nums = append(nums, n)
	}
	sort.Ints(nums)

	out := make([]any, 0, len(nums))
	for _, n := range nums {
		out = append(out, pages[n])
	}
	return map[string]any{"jokbo_pages": out}
}

// mergeQuestions unions src's questions into dst by question number. For a
// shared question, the related slides are unioned keeping the higher score
// per (lesson, page).
func mergeQuestions(dst, src map[string]any) {
	byNumber := map[string]map[string]any{}
	dstQuestions, _ := dst["questions"].([]any)
	for _, q := range dstQuestions {
		if question, ok := q.(map[string]any); ok {
			byNumber[parse.CoerceString(question["question_number"])] = question
		}
	}

	srcQuestions, _ := src["questions"].([]any)
	for _, q := range srcQuestions {
		question, ok := q.(map[string]any)
		if !ok {
			continue
		}
		number := parse.CoerceString(question["question_number"])
		existing, found := byNumber[number]
		if !found {
			dstQuestions = append(dstQuestions, question)
			byNumber[number] = question
			continue
		}
		existing["related_lesson_slides"] = unionSlides(
			toSlice(existing["related_lesson_slides"]),
			toSlice(question["related_lesson_slides"]))
	}
	dst["questions"] = dstQuestions
}

// unionSlides unions two slide lists keyed by (lesson_filename,
// lesson_page), keeping the higher relevance score.
func unionSlides(a, b []any) []any {
	type slideKey struct {
		file string
		page int
	}
	byKey := map[slideKey]map[string]any{}
	var order []slideKey

	for _, s := range append(append([]any{}, a...), b...) {
		slide, ok := s.(map[string]any)
		if !ok {
			continue
		}
		key := slideKey{
			file: parse.CoerceString(slide["lesson_filename"]),
			page: parse.CoerceInt(slide["lesson_page"]),
		}
		existing, found := byKey[key]
		if !found {
			byKey[key] = slide
			order = append(order, key)
			continue
		}
		if parse.CoerceInt(slide["relevance_score"]) > parse.CoerceInt(existing["relevance_score"]) {
			byKey[key] = slide
		}
	}

	out := make([]any, 0, len(order))
	for _, key := range order {
		out = append(out, byKey[key])
	}
	return out
}

func filterJokboCentric(result map[string]any, minRelevance int) {
	pages := rootList(result, models.ModeJokboCentric)
	sort.SliceStable(pages, func(i, j int) bool {
		return pageNum(pages[i]) < pageNum(pages[j])
	})

	for _, p := range pages {
		page, ok := p.(map[string]any)
		if !ok {
			continue
		}
		questions, _ := page["questions"].([]any)
		sort.SliceStable(questions, func(i, j int) bool {
			return questionNum(questions[i]) < questionNum(questions[j])
		})
		for _, q := range questions {
			question, ok := q.(map[string]any)
			if !ok {
				continue
			}
			question["related_lesson_slides"] = topSlides(
				toSlice(question["related_lesson_slides"]), minRelevance)
		}
		page["questions"] = questions
	}
	result["jokbo_pages"] = pages
}

// topSlides sorts slides by descending score, drops those below
// minRelevance, and keeps the best two. Ties break on filename then page so
// the cut is deterministic.
func topSlides(slides []any, minRelevance int) []any {
	kept := make([]any, 0, len(slides))
	for _, s := range slides {
		slide, ok := s.(map[string]any)
		if !ok {
			continue
		}
		if parse.CoerceInt(slide["relevance_score"]) >= minRelevance {
			kept = append(kept, slide)
		}
	}

	sort.SliceStable(kept, func(i, j int) bool {
		a := kept[i].(map[string]any)
		b := kept[j].(map[string]any)
		sa := parse.CoerceInt(a["relevance_score"])
		sb := parse.CoerceInt(b["relevance_score"])
		if sa != sb {
			return sa > sb
		}
		fa := parse.CoerceString(a["lesson_filename"])
		fb := parse.CoerceString(b["lesson_filename"])
		if fa != fb {
			return fa < fb
		}
		return parse.CoerceInt(a["lesson_page"]) < parse.CoerceInt(b["lesson_page"])
	})

	if len(kept) > TopSlidesPerQuestion {
		kept = kept[:TopSlidesPerQuestion]
	}
	return kept
}

// --- lesson-centric ---

func mergeLessonCentric(results []map[string]any) map[string]any {
	slides := map[int]map[string]any{}

	for _, result := range results {
		for _, element := range rootList(result, models.ModeLessonCentric) {
			slide, ok := element.(map[string]any)
			if !ok {
				continue
			}
			pageNum := parse.CoerceInt(slide["lesson_page"])
			existing, found := slides[pageNum]
			if !found {
				slides[pageNum] = slide
				continue
			}
			mergeSlide(existing, slide)
		}
	}

	nums := make([]int, 0, len(slides))
	for n := range slides {
		nums = append(nums, n)
	}
	sort.Ints(nums)

	out := make([]any, 0, len(nums))
	for _, n := range nums {
		out = append(out, slides[n])
	}
	return map[string]any{"related_slides": out}
}

// mergeSlide folds src into dst: max importance, set-union of concepts,
// union of linked questions keyed by (jokbo file, page, question number).
func mergeSlide(dst, src map[string]any) {
	if parse.CoerceInt(src["importance_score"]) > parse.CoerceInt(dst["importance_score"]) {
		dst["importance_score"] = src["importance_score"]
	}

	seen := map[string]bool{}
	var concepts []any
	for _, c := range append(toSlice(dst["key_concepts"]), toSlice(src["key_concepts"])...) {
		concept := parse.CoerceString(c)
		if concept == "" || seen[concept] {
			continue
		}
		seen[concept] = true
		concepts = append(concepts, concept)
	}
	dst["key_concepts"] = concepts

	seenQ := map[string]bool{}
	var questions []any
	for _, q := range append(toSlice(dst["related_jokbo_questions"]), toSlice(src["related_jokbo_questions"])...) {
		question, ok := q.(map[string]any)
		if !ok {
			continue
		}
		key := fmt.Sprintf("%s|%d|%s",
			parse.CoerceString(question["jokbo_filename"]),
			parse.CoerceInt(question["jokbo_page"]),
			parse.CoerceString(question["question_number"]))
		if seenQ[key] {
			continue
		}
		seenQ[key] = true
		questions = append(questions, question)
	}
	dst["related_jokbo_questions"] = questions
}

// filterLessonCentric drops slides with no linked questions and orders the
// rest by page.
func filterLessonCentric(result map[string]any) {
	slides := rootList(result, models.ModeLessonCentric)

	kept := make([]any, 0, len(slides))
	for _, s := range slides {
		slide, ok := s.(map[string]any)
		if !ok {
			continue
		}
		questions := toSlice(slide["related_jokbo_questions"])
		if len(questions) == 0 {
			continue
		}
		sort.SliceStable(questions, func(i, j int) bool {
			return jokboQuestionKey(questions[i]) < jokboQuestionKey(questions[j])
		})
		slide["related_jokbo_questions"] = questions

		concepts := toSlice(slide["key_concepts"])
		sort.SliceStable(concepts, func(i, j int) bool {
			return parse.CoerceString(concepts[i]) < parse.CoerceString(concepts[j])
		})
		slide["key_concepts"] = concepts

		kept = append(kept, slide)
	}

	sort.SliceStable(kept, func(i, j int) bool {
		return parse.CoerceInt(kept[i].(map[string]any)["lesson_page"]) <
			parse.CoerceInt(kept[j].(map[string]any)["lesson_page"])
	})
	result["related_slides"] = kept
}

// --- partial-jokbo / exam-only ---

func mergeQuestionList(results []map[string]any, mode models.AnalysisMode) map[string]any {
	byNumber := map[string]map[string]any{}
	var order []string

	for _, result := range results {
		for _, element := range rootList(result, mode) {
			question, ok := element.(map[string]any)
			if !ok {
				continue
			}
			number := parse.CoerceString(question["question_number"])
			if _, found := byNumber[number]; found {
				continue
			}
			byNumber[number] = question
			order = append(order, number)
		}
	}

	out := make([]any, 0, len(order))
	for _, number := range order {
		out = append(out, byNumber[number])
	}
	return map[string]any{mode.RootKey(): out}
}

func sortQuestionList(result map[string]any, mode models.AnalysisMode) {
	questions := rootList(result, mode)
	sort.SliceStable(questions, func(i, j int) bool {
		a := questions[i].(map[string]any)
		b := questions[j].(map[string]any)
		na := parse.CoerceInt(a["question_number"])
		nb := parse.CoerceInt(b["question_number"])
		if na != nb {
			return na < nb
		}
		return parse.CoerceInt(a["page_start"]) < parse.CoerceInt(b["page_start"])
	})
	result[mode.RootKey()] = questions
}

func jokboQuestionKey(v any) string {
	question, _ := v.(map[string]any)
	return fmt.Sprintf("%s|%06d|%06d",
		parse.CoerceString(question["jokbo_filename"]),
		parse.CoerceInt(question["jokbo_page"]),
		parse.CoerceInt(question["question_number"]))
}

func pageNum(v any) int {
	page, _ := v.(map[string]any)
	return parse.CoerceInt(page["jokbo_page"])
}

func questionNum(v any) int {
	question, _ := v.(map[string]any)
	return parse.CoerceInt(question["question_number"])
}

func toSlice(v any) []any {
	s, _ := v.([]any)
	return s
}
