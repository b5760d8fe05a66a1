package grading

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fredhsu/reviewloop/internal/model"
)

// fakeBackend scripts failures and instruments concurrency.
type fakeBackend struct {
	mu            sync.Mutex
	failOne       map[int]int // question index → remaining GradeOne failures
	failMany      int         // remaining GradeMany failures
	manyShort     bool        // return a truncated batch response
	oneCalls      int
	manyCalls     int
	inFlight      atomic.Int64
	maxInFlight   atomic.Int64
	gradeDuration time.Duration
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{failOne: make(map[int]int)}
}

func (b *fakeBackend) GradeOne(_ context.Context, q model.QuizQuestion, answer string) (model.GradingResult, error) {
	cur := b.inFlight.Add(1)
	defer b.inFlight.Add(-1)
	for {
		max := b.maxInFlight.Load()
		if cur <= max || b.maxInFlight.CompareAndSwap(max, cur) {
			break
		}
	}
	if b.gradeDuration > 0 {
		time.Sleep(b.gradeDuration)
	}

	b.mu.Lock()
	b.oneCalls++
	if b.failOne[q.Index] > 0 {
		b.failOne[q.Index]--
		b.mu.Unlock()
		return model.GradingResult{}, errors.New("grading backend down")
	}
	b.mu.Unlock()

	return model.GradingResult{
		QuestionIndex:   q.Index,
		Correct:         answer == q.Answer,
		Feedback:        "graded",
		SuggestedRating: model.RatingGood,
	}, nil
}

func (b *fakeBackend) GradeMany(_ context.Context, questions []model.QuizQuestion, answers []string) ([]model.GradingResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.manyCalls++
	if b.failMany > 0 {
		b.failMany--
		return nil, errors.New("batch backend down")
	}
	n := len(questions)
	if b.manyShort {
		n--
	}
	results := make([]model.GradingResult, n)
	for i := 0; i < n; i++ {
		results[i] = model.GradingResult{
			QuestionIndex:   questions[i].Index,
			Correct:         answers[i] == questions[i].Answer,
			Feedback:        "graded",
			SuggestedRating: model.RatingGood,
		}
	}
	return results, nil
}

func makeRequest(n int, mode model.ProcessingMode, concurrency int) Request {
	questions := make([]model.QuizQuestion, n)
	answers := make([]model.AnswerSubmission, n)
	for i := 0; i < n; i++ {
		questions[i] = model.QuizQuestion{Index: i, Prompt: "q", Type: model.QuestionShortAnswer, Answer: "right"}
		answers[i] = model.AnswerSubmission{QuestionIndex: i, Answer: "right"}
	}
	return Request{
		SessionID:   "sess",
		ItemID:      1,
		Questions:   questions,
		Answers:     answers,
		Mode:        mode,
		Concurrency: concurrency,
	}
}

func assertOrdered(t *testing.T, results []model.GradingResult, n int) {
	t.Helper()
	if len(results) != n {
		t.Fatalf("expected %d results, got %d", n, len(results))
	}
	for i, r := range results {
		if r.QuestionIndex != i {
			t.Fatalf("results[%d].QuestionIndex = %d, want %d", i, r.QuestionIndex, i)
		}
	}
}

func TestAutoModeResolution(t *testing.T) {
	tests := []struct {
		pairs int
		want  model.ProcessingMode
	}{
		{1, model.ModeSequential},
		{2, model.ModeBatch},
		{3, model.ModeParallel},
		{7, model.ModeParallel},
	}

	for _, tt := range tests {
		o := NewOrchestrator(newFakeBackend())
		results, metrics := o.Grade(context.Background(), makeRequest(tt.pairs, model.ModeAuto, 0))
		if metrics.ModeUsed != tt.want {
			t.Errorf("%d pairs: mode %q, want %q", tt.pairs, metrics.ModeUsed, tt.want)
		}
		assertOrdered(t, results, tt.pairs)
		for _, r := range results {
			if r.Mode != tt.want {
				t.Errorf("result mode %q, want %q", r.Mode, tt.want)
			}
		}
	}
}

func TestParallelOrderingRestored(t *testing.T) {
	b := newFakeBackend()
	b.gradeDuration = 5 * time.Millisecond
	o := NewOrchestrator(b)

	results, metrics := o.Grade(context.Background(), makeRequest(8, model.ModeParallel, 8))
	assertOrdered(t, results, 8)
	if metrics.ModeUsed != model.ModeParallel {
		t.Fatalf("mode %q, want parallel", metrics.ModeUsed)
	}
	if metrics.FallbackReason != "" {
		t.Fatalf("unexpected fallback: %s", metrics.FallbackReason)
	}
}

func TestParallelRespectsConcurrencyLimit(t *testing.T) {
	b := newFakeBackend()
	b.gradeDuration = 10 * time.Millisecond
	o := NewOrchestrator(b)

	results, _ := o.Grade(context.Background(), makeRequest(5, model.ModeParallel, 2))
	assertOrdered(t, results, 5)
	if max := b.maxInFlight.Load(); max > 2 {
		t.Fatalf("observed %d concurrent calls, limit is 2", max)
	}
}

func TestParallelFailureFallsBackToBatch(t *testing.T) {
	b := newFakeBackend()
	b.failOne[1] = 1 // one of three parallel calls fails
	o := NewOrchestrator(b)

	results, metrics := o.Grade(context.Background(), makeRequest(3, model.ModeParallel, 5))
	assertOrdered(t, results, 3)
	if metrics.ModeUsed != model.ModeBatch && metrics.ModeUsed != model.ModeSequential {
		t.Fatalf("mode %q, want batch or sequential", metrics.ModeUsed)
	}
	if metrics.FallbackReason == "" {
		t.Fatal("expected fallback reason")
	}
	for _, r := range results {
		if r.Ungraded {
			t.Fatal("fallback tiers succeeded, no result should be a placeholder")
		}
	}
}

func TestBatchLengthMismatchFallsBackToSequential(t *testing.T) {
	b := newFakeBackend()
	b.manyShort = true
	o := NewOrchestrator(b)

	results, metrics := o.Grade(context.Background(), makeRequest(2, model.ModeBatch, 0))
	assertOrdered(t, results, 2)
	if metrics.ModeUsed != model.ModeSequential {
		t.Fatalf("mode %q, want sequential", metrics.ModeUsed)
	}
	if metrics.FallbackReason == "" {
		t.Fatal("expected fallback reason")
	}
}

func TestFullCascadeYieldsPlaceholders(t *testing.T) {
	b := newFakeBackend()
	b.failMany = 10
	for i := 0; i < 3; i++ {
		b.failOne[i] = 10 // every tier fails for every pair
	}
	o := NewOrchestrator(b)

	results, metrics := o.Grade(context.Background(), makeRequest(3, model.ModeParallel, 5))
	assertOrdered(t, results, 3)
	if metrics.ModeUsed != model.ModeSequential {
		t.Fatalf("mode %q, want sequential", metrics.ModeUsed)
	}
	for _, r := range results {
		if !r.Ungraded {
			t.Errorf("result %d: expected ungraded placeholder", r.QuestionIndex)
		}
		if r.SuggestedRating != model.RatingAgain {
			t.Errorf("placeholder rating %d, want %d", r.SuggestedRating, model.RatingAgain)
		}
	}
}

func TestSequentialPartialFailureKeepsRemaining(t *testing.T) {
	b := newFakeBackend()
	b.failOne[0] = 1
	o := NewOrchestrator(b)

	results, metrics := o.Grade(context.Background(), makeRequest(3, model.ModeSequential, 0))
	assertOrdered(t, results, 3)
	if metrics.ModeUsed != model.ModeSequential {
		t.Fatalf("mode %q, want sequential", metrics.ModeUsed)
	}
	if !results[0].Ungraded {
		t.Error("expected placeholder for the failed pair")
	}
	if results[1].Ungraded || results[2].Ungraded {
		t.Error("remaining pairs must be graded normally")
	}
}

func TestCanonicalAnswerGradesCorrect(t *testing.T) {
	o := NewOrchestrator(newFakeBackend())

	results, _ := o.Grade(context.Background(), makeRequest(1, model.ModeAuto, 0))
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if !results[0].Correct {
		t.Error("canonical correct answer must grade correct")
	}
	if results[0].SuggestedRating < model.RatingGood {
		t.Errorf("correct answer rating %d, want >= %d", results[0].SuggestedRating, model.RatingGood)
	}
}

func TestClampConcurrency(t *testing.T) {
	tests := []struct{ in, want int }{
		{0, DefaultConcurrency},
		{-3, DefaultConcurrency},
		{1, 1},
		{10, 10},
		{50, MaxConcurrency},
	}
	for _, tt := range tests {
		if got := clampConcurrency(tt.in); got != tt.want {
			t.Errorf("clampConcurrency(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestUnknownQuestionIndexStillProducesResult(t *testing.T) {
	o := NewOrchestrator(newFakeBackend())
	req := Request{
		SessionID: "sess",
		ItemID:    1,
		Questions: []model.QuizQuestion{{Index: 0, Prompt: "q", Answer: "right"}},
		Answers: []model.AnswerSubmission{
			{QuestionIndex: 0, Answer: "right"},
			{QuestionIndex: 5, Answer: "whatever"},
		},
		Mode: model.ModeSequential,
	}

	results, _ := o.Grade(context.Background(), req)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[1].QuestionIndex != 5 {
		t.Errorf("expected result for index 5, got %d", results[1].QuestionIndex)
	}
}
