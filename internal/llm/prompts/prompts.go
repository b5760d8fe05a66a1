package prompts

import (
	"fmt"
	"strings"

	"github.com/fredhsu/reviewloop/internal/model"
)

// BuildGeneratePrompt builds the system prompt for generating quiz questions
// for one or more knowledge items in a single call.
func BuildGeneratePrompt(items []model.ItemState, perItem int) string {
	var sb strings.Builder
	sb.WriteString("You are a quiz author for a spaced-repetition study tool. ")
	sb.WriteString(fmt.Sprintf("Generate exactly %d quiz questions for EACH of the items below.\n\n", perItem))

	for _, it := range items {
		sb.WriteString(fmt.Sprintf("ITEM %d: %s\n", it.ID, it.Title))
		if it.Topic != "" {
			sb.WriteString("TOPIC: " + it.Topic + "\n")
		}
		sb.WriteString("NOTES:\n" + it.Content + "\n\n")
	}

	sb.WriteString("INSTRUCTIONS:\n")
	sb.WriteString("- Mix question types: \"multiple_choice\" (with 4 options) and \"short_answer\".\n")
	sb.WriteString("- Questions must be answerable from the item's notes alone.\n")
	sb.WriteString("- For multiple_choice, \"answer\" must exactly equal one of the options.\n")
	sb.WriteString("\nRespond ONLY with a JSON object keyed by item id:\n")
	sb.WriteString(`{"items": {"<item_id>": [{"prompt": "<question>", "type": "multiple_choice|short_answer", "options": ["..."], "answer": "<canonical answer>"}]}}`)
	sb.WriteString("\n")

	return sb.String()
}

// BuildGradePrompt builds the system prompt for grading a single short answer.
func BuildGradePrompt(q model.QuizQuestion, answer string) string {
	var sb strings.Builder
	sb.WriteString("You are grading a quiz answer for a spaced-repetition study tool.\n\n")
	sb.WriteString("QUESTION: " + q.Prompt + "\n\n")
	if q.Answer != "" {
		sb.WriteString("CANONICAL ANSWER (not shown to the learner):\n" + q.Answer + "\n\n")
	}
	sb.WriteString("LEARNER ANSWER:\n" + answer + "\n\n")

	sb.WriteString("INSTRUCTIONS:\n")
	sb.WriteString("- Judge correctness on meaning, not exact wording.\n")
	sb.WriteString("- rating is a recall quality from 1 to 4: 1=again (wrong), 2=hard (barely right), 3=good, 4=easy (complete and confident).\n")
	sb.WriteString("- A correct answer must receive a rating of 3 or 4.\n")
	sb.WriteString("\nRespond ONLY with a JSON object:\n")
	sb.WriteString(`{"correct": <true/false>, "feedback": "<brief feedback>", "rating": <1-4>}`)
	sb.WriteString("\n")

	return sb.String()
}

// BuildGradeBatchPrompt builds the system prompt for grading several answers
// in one call. The response array must align by position with the input.
func BuildGradeBatchPrompt(questions []model.QuizQuestion, answers []string) string {
	var sb strings.Builder
	sb.WriteString("You are grading a batch of quiz answers for a spaced-repetition study tool.\n\n")

	for i, q := range questions {
		sb.WriteString(fmt.Sprintf("PAIR %d\n", i))
		sb.WriteString("QUESTION: " + q.Prompt + "\n")
		if q.Answer != "" {
			sb.WriteString("CANONICAL ANSWER: " + q.Answer + "\n")
		}
		sb.WriteString("LEARNER ANSWER: " + answers[i] + "\n\n")
	}

	sb.WriteString("INSTRUCTIONS:\n")
	sb.WriteString("- Grade every pair independently; judge correctness on meaning, not exact wording.\n")
	sb.WriteString("- rating is a recall quality from 1 to 4: 1=again, 2=hard, 3=good, 4=easy.\n")
	sb.WriteString("- A correct answer must receive a rating of 3 or 4.\n")
	sb.WriteString(fmt.Sprintf("- The results array MUST contain exactly %d entries, in the same order as the pairs above.\n", len(questions)))
	sb.WriteString("\nRespond ONLY with a JSON object:\n")
	sb.WriteString(`{"results": [{"correct": <true/false>, "feedback": "<brief feedback>", "rating": <1-4>}]}`)
	sb.WriteString("\n")

	return sb.String()
}
