package grading

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fredhsu/reviewloop/internal/model"

	"golang.org/x/sync/semaphore"
)

const (
	// DefaultConcurrency bounds parallel grading calls when unset.
	DefaultConcurrency = 5
	// MaxConcurrency is the hard upper bound on the concurrency limit.
	MaxConcurrency = 10
)

// Backend grades answers. The LLM client implements it; tests use fakes.
type Backend interface {
	GradeOne(ctx context.Context, q model.QuizQuestion, answer string) (model.GradingResult, error)
	GradeMany(ctx context.Context, questions []model.QuizQuestion, answers []string) ([]model.GradingResult, error)
}

// Request is a grading job for one item's answers within a session.
type Request struct {
	SessionID   string
	ItemID      int64
	Questions   []model.QuizQuestion // the item's full question list
	Answers     []model.AnswerSubmission
	Mode        model.ProcessingMode
	Concurrency int
}

// Metrics reports how a grading job actually executed.
type Metrics struct {
	ModeUsed       model.ProcessingMode `json:"processing_mode_used"`
	Elapsed        time.Duration        `json:"elapsed"`
	FallbackReason string               `json:"fallback_reason,omitempty"`
}

// gradePair is one (question, answer) unit of grading work.
type gradePair struct {
	question model.QuizQuestion
	answer   string
}

// strategy is one execution tier. attempt either grades every pair or
// reports failure so the orchestrator can fall through to the next tier.
type strategy interface {
	mode() model.ProcessingMode
	attempt(ctx context.Context, pairs []gradePair) ([]model.GradingResult, error)
}

// Orchestrator executes answer grading under cascading strategies:
// parallel, then batch, then sequential. The sequential tier cannot fail,
// so Grade always returns one result per submitted answer, ordered by
// question index.
type Orchestrator struct {
	backend      Backend
	defaultLimit int
}

// NewOrchestrator creates an Orchestrator over the given grading backend.
func NewOrchestrator(backend Backend) *Orchestrator {
	return &Orchestrator{backend: backend, defaultLimit: DefaultConcurrency}
}

// WithDefaultConcurrency sets the parallel-tier limit used when a request
// leaves it unset. Returns the orchestrator for chaining.
func (o *Orchestrator) WithDefaultConcurrency(n int) *Orchestrator {
	o.defaultLimit = clampConcurrency(n)
	return o
}

// resolveMode maps auto onto a concrete strategy by answer count.
func resolveMode(mode model.ProcessingMode, pairs int) model.ProcessingMode {
	if mode != model.ModeAuto {
		return mode
	}
	switch {
	case pairs <= 1:
		return model.ModeSequential
	case pairs == 2:
		return model.ModeBatch
	default:
		return model.ModeParallel
	}
}

// clampConcurrency bounds the limit to [1, MaxConcurrency]; zero → default.
func clampConcurrency(n int) int {
	if n <= 0 {
		return DefaultConcurrency
	}
	if n > MaxConcurrency {
		return MaxConcurrency
	}
	return n
}

// chain builds the ordered strategy cascade starting at the resolved mode.
func (o *Orchestrator) chain(mode model.ProcessingMode, limit int) []strategy {
	all := []strategy{
		parallelStrategy{backend: o.backend, limit: int64(limit)},
		batchStrategy{backend: o.backend},
		sequentialStrategy{backend: o.backend},
	}
	for i, s := range all {
		if s.mode() == mode {
			return all[i:]
		}
	}
	return all[len(all)-1:]
}

// Grade grades the submitted answers. It never fails: exhausting every tier
// still yields placeholder results from the terminal sequential tier.
func (o *Orchestrator) Grade(ctx context.Context, req Request) ([]model.GradingResult, Metrics) {
	start := time.Now()

	pairs := buildPairs(req.Questions, req.Answers)
	mode := resolveMode(req.Mode, len(pairs))
	limit := o.defaultLimit
	if req.Concurrency > 0 {
		limit = clampConcurrency(req.Concurrency)
	}

	var results []model.GradingResult
	var metrics Metrics
	for _, s := range o.chain(mode, limit) {
		res, err := s.attempt(ctx, pairs)
		if err != nil {
			slog.Warn("grading tier failed, falling back",
				"session", req.SessionID, "item", req.ItemID,
				"tier", s.mode(), "error", err)
			metrics.FallbackReason = fmt.Sprintf("%s tier failed: %v", s.mode(), err)
			continue
		}
		results = res
		metrics.ModeUsed = s.mode()
		break
	}

	// Completion order must never leak to callers.
	sort.Slice(results, func(i, j int) bool {
		return results[i].QuestionIndex < results[j].QuestionIndex
	})
	for i := range results {
		results[i].Mode = metrics.ModeUsed
	}

	metrics.Elapsed = time.Since(start)
	return results, metrics
}

// buildPairs matches each submission to its question by stable index.
// Submissions referencing unknown indexes keep a placeholder question so the
// output stays same-length and same-order.
func buildPairs(questions []model.QuizQuestion, answers []model.AnswerSubmission) []gradePair {
	byIndex := make(map[int]model.QuizQuestion, len(questions))
	for _, q := range questions {
		byIndex[q.Index] = q
	}

	pairs := make([]gradePair, len(answers))
	for i, a := range answers {
		q, ok := byIndex[a.QuestionIndex]
		if !ok {
			q = model.QuizQuestion{Index: a.QuestionIndex, Type: model.QuestionShortAnswer}
		}
		pairs[i] = gradePair{question: q, answer: a.Answer}
	}
	return pairs
}

// parallelStrategy grades every pair concurrently, admitted through a
// counting semaphore. A failing call does not cancel its siblings, but any
// failure fails the whole attempt.
type parallelStrategy struct {
	backend Backend
	limit   int64
}

func (parallelStrategy) mode() model.ProcessingMode { return model.ModeParallel }

func (s parallelStrategy) attempt(ctx context.Context, pairs []gradePair) ([]model.GradingResult, error) {
	sem := semaphore.NewWeighted(s.limit)
	results := make([]model.GradingResult, len(pairs))
	errs := make([]error, len(pairs))

	var wg sync.WaitGroup
	for i, p := range pairs {
		wg.Add(1)
		go func(i int, p gradePair) {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				errs[i] = err
				return
			}
			defer sem.Release(1)
			results[i], errs[i] = s.backend.GradeOne(ctx, p.question, p.answer)
		}(i, p)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("parallel grading: %w", err)
		}
	}
	return results, nil
}

// batchStrategy grades every pair in a single call, relying on positional
// alignment between request and response.
type batchStrategy struct {
	backend Backend
}

func (batchStrategy) mode() model.ProcessingMode { return model.ModeBatch }

func (s batchStrategy) attempt(ctx context.Context, pairs []gradePair) ([]model.GradingResult, error) {
	questions := make([]model.QuizQuestion, len(pairs))
	answers := make([]string, len(pairs))
	for i, p := range pairs {
		questions[i] = p.question
		answers[i] = p.answer
	}

	results, err := s.backend.GradeMany(ctx, questions, answers)
	if err != nil {
		return nil, fmt.Errorf("batch grading: %w", err)
	}
	if len(results) != len(pairs) {
		return nil, fmt.Errorf("batch grading: expected %d results, got %d", len(pairs), len(results))
	}
	for i := range results {
		results[i].QuestionIndex = pairs[i].question.Index
	}
	return results, nil
}

// sequentialStrategy is the terminal tier: pairs are graded one at a time
// and an individual failure becomes an ungraded placeholder, so the tier
// itself never fails.
type sequentialStrategy struct {
	backend Backend
}

func (sequentialStrategy) mode() model.ProcessingMode { return model.ModeSequential }

func (s sequentialStrategy) attempt(ctx context.Context, pairs []gradePair) ([]model.GradingResult, error) {
	results := make([]model.GradingResult, len(pairs))
	for i, p := range pairs {
		res, err := s.backend.GradeOne(ctx, p.question, p.answer)
		if err != nil {
			slog.Warn("sequential grading call failed, recording ungraded placeholder",
				"question_index", p.question.Index, "error", err)
			res = model.GradingResult{
				QuestionIndex:   p.question.Index,
				Correct:         false,
				Feedback:        "This answer could not be graded.",
				SuggestedRating: model.RatingAgain,
				Ungraded:        true,
			}
		}
		results[i] = res
	}
	return results, nil
}
