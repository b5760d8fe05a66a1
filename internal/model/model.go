package model

import (
	"fmt"
	"time"
)

// ProcessingMode selects the execution strategy for grading a set of answers.
type ProcessingMode string

const (
	// ModeAuto picks a strategy based on the number of submitted answers.
	ModeAuto ProcessingMode = "auto"
	// ModeParallel grades each answer with an independent concurrent call.
	ModeParallel ProcessingMode = "parallel"
	// ModeBatch grades all answers in a single call.
	ModeBatch ProcessingMode = "batch"
	// ModeSequential grades answers one at a time.
	ModeSequential ProcessingMode = "sequential"
)

// ParseProcessingMode converts a string into a ProcessingMode.
// An empty string means auto; any other unknown value is an error.
func ParseProcessingMode(s string) (ProcessingMode, error) {
	switch ProcessingMode(s) {
	case "":
		return ModeAuto, nil
	case ModeAuto, ModeParallel, ModeBatch, ModeSequential:
		return ProcessingMode(s), nil
	default:
		return "", fmt.Errorf("invalid processing mode %q", s)
	}
}

// Rating is the ordinal review outcome consumed by the scheduling algorithm.
type Rating int

const (
	RatingAgain Rating = 1
	RatingHard  Rating = 2
	RatingGood  Rating = 3
	RatingEasy  Rating = 4
)

// Clamp bounds a rating to the valid [1, 4] range.
func (r Rating) Clamp() Rating {
	if r < RatingAgain {
		return RatingAgain
	}
	if r > RatingEasy {
		return RatingEasy
	}
	return r
}

// LifecycleState is the scheduling lifecycle phase of an item.
type LifecycleState string

const (
	StateNew        LifecycleState = "new"
	StateLearning   LifecycleState = "learning"
	StateReview     LifecycleState = "review"
	StateRelearning LifecycleState = "relearning"
)

// SchedulingState holds the spaced-repetition attributes of an item.
type SchedulingState struct {
	Difficulty     float64        `json:"difficulty"`
	Stability      float64        `json:"stability"`
	Retrievability float64        `json:"retrievability"`
	Reps           int            `json:"reps"`
	Lapses         int            `json:"lapses"`
	State          LifecycleState `json:"state"`
	Due            time.Time      `json:"due"`
	LastReview     *time.Time     `json:"last_review,omitempty"`
}

// ItemState is a knowledge item together with its scheduling attributes.
type ItemState struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Topic     string    `json:"topic"`
	CreatedAt time.Time `json:"created_at"`
	SchedulingState
}

// QuestionType distinguishes the kinds of generated quiz questions.
type QuestionType string

const (
	QuestionMultipleChoice QuestionType = "multiple_choice"
	QuestionShortAnswer    QuestionType = "short_answer"
)

// QuizQuestion is a generated question, immutable once generated.
// Index is the question's stable position within its item's list.
type QuizQuestion struct {
	Index   int          `json:"index"`
	Prompt  string       `json:"prompt"`
	Type    QuestionType `json:"type"`
	Options []string     `json:"options,omitempty"`
	Answer  string       `json:"answer,omitempty"`
}

// AnswerSubmission is one user answer to a question of an item.
type AnswerSubmission struct {
	QuestionIndex int    `json:"question_index"`
	Answer        string `json:"answer"`
}

// GradingResult is the outcome of grading a single answer.
// QuestionIndex always matches the index of the submission it answers.
type GradingResult struct {
	QuestionIndex   int            `json:"question_index"`
	Correct         bool           `json:"is_correct"`
	Feedback        string         `json:"feedback"`
	SuggestedRating Rating         `json:"suggested_rating"`
	Mode            ProcessingMode `json:"processing_mode_used"`
	Ungraded        bool           `json:"ungraded,omitempty"`
}

// ReviewSession is an in-memory review session. It is owned exclusively by
// the session manager; other components hold its ID, never the struct.
type ReviewSession struct {
	ID              string                   `json:"id"`
	ItemIDs         []int64                  `json:"item_ids"`
	Questions       map[int64][]QuizQuestion `json:"questions"`
	FallbackPending map[int64]bool           `json:"fallback_pending,omitempty"`
	Warnings        []string                 `json:"warnings,omitempty"`
	Cursor          int                      `json:"cursor"`
	CreatedAt       time.Time                `json:"created_at"`
	ExpiresAt       time.Time                `json:"expires_at"`
}

// Expired reports whether the session has passed its expiry time.
func (s *ReviewSession) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Clone returns a point-in-time copy that stays safe to read while the
// manager keeps mutating the original under its lock.
func (s *ReviewSession) Clone() *ReviewSession {
	c := *s
	c.ItemIDs = append([]int64(nil), s.ItemIDs...)
	c.Warnings = append([]string(nil), s.Warnings...)
	c.Questions = make(map[int64][]QuizQuestion, len(s.Questions))
	for id, qs := range s.Questions {
		c.Questions[id] = qs
	}
	c.FallbackPending = make(map[int64]bool, len(s.FallbackPending))
	for id, v := range s.FallbackPending {
		c.FallbackPending[id] = v
	}
	return &c
}
