package llm

import (
	"context"
	"testing"

	"github.com/fredhsu/reviewloop/internal/model"
)

func TestGradeChoice(t *testing.T) {
	q := model.QuizQuestion{
		Index:   2,
		Prompt:  "Which keyword starts a goroutine?",
		Type:    model.QuestionMultipleChoice,
		Options: []string{"go", "run", "spawn", "async"},
		Answer:  "go",
	}

	tests := []struct {
		name        string
		answer      string
		wantCorrect bool
		wantRating  model.Rating
	}{
		{"exact match", "go", true, model.RatingEasy},
		{"case and whitespace folded", "  Go ", true, model.RatingEasy},
		{"wrong option", "spawn", false, model.RatingAgain},
		{"empty answer", "", false, model.RatingAgain},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := gradeChoice(q, tt.answer)
			if res.Correct != tt.wantCorrect {
				t.Errorf("Correct = %v, want %v", res.Correct, tt.wantCorrect)
			}
			if res.SuggestedRating != tt.wantRating {
				t.Errorf("SuggestedRating = %d, want %d", res.SuggestedRating, tt.wantRating)
			}
			if res.QuestionIndex != q.Index {
				t.Errorf("QuestionIndex = %d, want %d", res.QuestionIndex, q.Index)
			}
			if res.Feedback == "" {
				t.Error("expected non-empty feedback")
			}
		})
	}
}

func TestGradeOneMultipleChoiceSkipsBackend(t *testing.T) {
	// A nil-endpoint client must still grade multiple choice locally.
	c := New("http://127.0.0.1:1", "unused", "unused", 0)
	q := model.QuizQuestion{
		Index:  0,
		Prompt: "Pick one",
		Type:   model.QuestionMultipleChoice,
		Answer: "b",
	}
	res, err := c.GradeOne(context.Background(), q, "b")
	if err != nil {
		t.Fatalf("GradeOne: %v", err)
	}
	if !res.Correct {
		t.Error("expected correct result")
	}
	if res.SuggestedRating < model.RatingGood {
		t.Errorf("correct answer must rate good or easy, got %d", res.SuggestedRating)
	}
}

func TestGeneratedQuestionToModel(t *testing.T) {
	tests := []struct {
		name     string
		in       generatedQuestion
		wantType model.QuestionType
		wantOpts int
	}{
		{"multiple choice keeps options",
			generatedQuestion{Prompt: "p", Type: "multiple_choice", Options: []string{"a", "b"}, Answer: "a"},
			model.QuestionMultipleChoice, 2},
		{"short answer drops options",
			generatedQuestion{Prompt: "p", Type: "short_answer", Options: []string{"a"}, Answer: "a"},
			model.QuestionShortAnswer, 0},
		{"unknown type falls back to short answer",
			generatedQuestion{Prompt: "p", Type: "essay"},
			model.QuestionShortAnswer, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := tt.in.toModel(3)
			if q.Index != 3 {
				t.Errorf("Index = %d, want 3", q.Index)
			}
			if q.Type != tt.wantType {
				t.Errorf("Type = %q, want %q", q.Type, tt.wantType)
			}
			if len(q.Options) != tt.wantOpts {
				t.Errorf("len(Options) = %d, want %d", len(q.Options), tt.wantOpts)
			}
		})
	}
}

func TestGradedAnswerClampsRating(t *testing.T) {
	for _, tt := range []struct {
		raw  int
		want model.Rating
	}{
		{0, model.RatingAgain},
		{1, model.RatingAgain},
		{4, model.RatingEasy},
		{9, model.RatingEasy},
	} {
		got := gradedAnswer{Rating: tt.raw}.toModel(0).SuggestedRating
		if got != tt.want {
			t.Errorf("rating %d: got %d, want %d", tt.raw, got, tt.want)
		}
	}
}
