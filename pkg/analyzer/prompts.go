package analyzer

import (
	"fmt"
	"strings"

	"github.com/jokbolink/jokbod/pkg/models"
)

// PromptLibrary builds the instruction text for an analysis call. Injected
// so deployments can tune prompts without code changes.
type PromptLibrary interface {
	Build(mode models.AnalysisMode, req Request) string
}

// DefaultPrompts is the built-in prompt set.
type DefaultPrompts struct{}

func (DefaultPrompts) Build(mode models.AnalysisMode, req Request) string {
	var b strings.Builder
	b.WriteString("당신은 의과대학 시험 분석 전문가입니다. 첨부된 PDF를 분석하고 JSON으로만 응답하세요.\n")

	switch mode {
	case models.ModeJokboCentric:
		b.WriteString("족보의 각 문제에 대해 가장 관련 있는 강의 슬라이드를 찾아 relevance_score(0~110)와 함께 반환하세요.\n")
		b.WriteString(`형식: {"jokbo_pages": [{"jokbo_page": N, "questions": [{"question_number", "question_text", "answer", "explanation", "wrong_answer_explanations", "related_lesson_slides": [{"lesson_filename", "lesson_page", "relevance_score", "relevance_reason"}]}]}]}` + "\n")
	case models.ModeLessonCentric:
		b.WriteString("강의의 각 슬라이드에 대해 관련 족보 문제를 찾아 importance_score와 key_concepts를 반환하세요.\n")
		b.WriteString(`형식: {"related_slides": [{"lesson_page": N, "importance_score", "key_concepts", "related_jokbo_questions": [{"jokbo_filename", "jokbo_page", "question_number"}]}]}` + "\n")
	case models.ModePartialJokbo:
		b.WriteString("족보에서 각 문제의 시작 페이지와 해설을 추출하세요.\n")
		b.WriteString(`형식: {"questions": [{"question_number", "page_start", "next_question_start", "explanation"}]}` + "\n")
	case models.ModeExamOnly:
		fmt.Fprintf(&b, "족보의 %d번부터 %d번까지의 문제를 풀이하세요.\n", req.StartQuestion, req.EndQuestion)
		b.WriteString(`형식: {"questions": [{"question_number", "page_start", "next_question_start", "answer", "explanation", "background_knowledge", "wrong_answer_explanations"}]}` + "\n")
	}

	if req.MinRelevance > 0 && mode == models.ModeJokboCentric {
		fmt.Fprintf(&b, "관련도 %d 미만의 슬라이드는 제외하세요.\n", req.MinRelevance)
	}
	b.WriteString("관련 내용이 없으면 빈 배열을 반환하세요. JSON 외의 텍스트를 출력하지 마세요.")
	return b.String()
}
