package grading

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fredhsu/reviewloop/internal/model"
)

// fakeScheduler counts Apply calls per item and can fail on demand.
type fakeScheduler struct {
	mu       sync.Mutex
	applied  map[int64][]model.Rating
	failures int
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{applied: make(map[int64][]model.Rating)}
}

func (f *fakeScheduler) Apply(item model.ItemState, rating model.Rating, now time.Time) (model.SchedulingState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return model.SchedulingState{}, errors.New("persist failed")
	}
	f.applied[item.ID] = append(f.applied[item.ID], rating)
	return model.SchedulingState{State: model.StateReview, Due: now.Add(24 * time.Hour)}, nil
}

func (f *fakeScheduler) ratingsFor(id int64) []model.Rating {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Rating(nil), f.applied[id]...)
}

type fakeItems struct{}

func (fakeItems) GetItem(id int64) (model.ItemState, error) {
	return model.ItemState{ID: id, SchedulingState: model.SchedulingState{State: model.StateReview}}, nil
}

func result(idx int, rating model.Rating) model.GradingResult {
	return model.GradingResult{QuestionIndex: idx, SuggestedRating: rating}
}

func TestFinalizeOnceWithAveragedRating(t *testing.T) {
	sched := newFakeScheduler()
	a := NewAggregator(sched, fakeItems{})

	st, err := a.Record("s1", 1, 2, result(0, model.RatingEasy))
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if st != nil {
		t.Fatal("expected no finalization after first of two results")
	}

	st, err = a.Record("s1", 1, 2, result(1, model.RatingGood))
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if st == nil {
		t.Fatal("expected finalization after all results")
	}

	got := sched.ratingsFor(1)
	if len(got) != 1 {
		t.Fatalf("expected exactly 1 scheduler commit, got %d", len(got))
	}
	// mean(4, 3) = 3.5 → rounds to 4.
	if got[0] != model.RatingEasy {
		t.Errorf("expected averaged rating 4, got %d", got[0])
	}
}

func TestDuplicateFinalizationIsNoOp(t *testing.T) {
	sched := newFakeScheduler()
	a := NewAggregator(sched, fakeItems{})

	if _, err := a.Record("s1", 1, 1, result(0, model.RatingGood)); err != nil {
		t.Fatalf("Record: %v", err)
	}
	// Finalizing twice in one session must not commit twice.
	st, err := a.Record("s1", 1, 1, result(0, model.RatingAgain))
	if err != nil {
		t.Fatalf("duplicate Record: %v", err)
	}
	if st != nil {
		t.Error("duplicate finalization should return no state")
	}
	if n := len(sched.ratingsFor(1)); n != 1 {
		t.Fatalf("expected exactly 1 scheduler commit, got %d", n)
	}
}

func TestDuplicateQuestionDoesNotFinalize(t *testing.T) {
	sched := newFakeScheduler()
	a := NewAggregator(sched, fakeItems{})

	if _, err := a.Record("s1", 1, 2, result(0, model.RatingEasy)); err != nil {
		t.Fatalf("Record: %v", err)
	}
	// A resubmission of an already-graded question is not new coverage.
	st, err := a.Record("s1", 1, 2, result(0, model.RatingAgain))
	if err != nil {
		t.Fatalf("duplicate Record: %v", err)
	}
	if st != nil {
		t.Fatal("item finalized while question 1 was never graded")
	}
	if n := len(sched.ratingsFor(1)); n != 0 {
		t.Fatalf("expected no scheduler commits, got %d", n)
	}

	st, err = a.Record("s1", 1, 2, result(1, model.RatingGood))
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if st == nil {
		t.Fatal("expected finalization once both questions are graded")
	}
	// The first rating for question 0 wins: mean(4, 3) rounds to 4.
	got := sched.ratingsFor(1)
	if len(got) != 1 || got[0] != model.RatingEasy {
		t.Fatalf("expected single commit with rating 4, got %v", got)
	}
}

func TestItemsAggregateIndependently(t *testing.T) {
	sched := newFakeScheduler()
	a := NewAggregator(sched, fakeItems{})

	// Session holds items A=1 and B=2, each with 2 questions; only A's
	// answers are submitted.
	if _, err := a.Record("s1", 1, 2, result(0, model.RatingGood)); err != nil {
		t.Fatalf("Record: %v", err)
	}
	st, err := a.Record("s1", 1, 2, result(1, model.RatingGood))
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if st == nil {
		t.Fatal("expected item A finalized")
	}

	if n := len(sched.ratingsFor(1)); n != 1 {
		t.Errorf("item A: expected 1 commit, got %d", n)
	}
	if n := len(sched.ratingsFor(2)); n != 0 {
		t.Errorf("item B: expected no commits, got %d", n)
	}
}

func TestSameItemDifferentSessions(t *testing.T) {
	sched := newFakeScheduler()
	a := NewAggregator(sched, fakeItems{})

	if _, err := a.Record("s1", 1, 1, result(0, model.RatingGood)); err != nil {
		t.Fatalf("Record s1: %v", err)
	}
	if _, err := a.Record("s2", 1, 1, result(0, model.RatingHard)); err != nil {
		t.Fatalf("Record s2: %v", err)
	}
	if n := len(sched.ratingsFor(1)); n != 2 {
		t.Fatalf("expected one commit per session, got %d", n)
	}
}

func TestConcurrentRecordsCommitOnce(t *testing.T) {
	sched := newFakeScheduler()
	a := NewAggregator(sched, fakeItems{})

	const total = 8
	var wg sync.WaitGroup
	for i := 0; i < total*2; i++ { // double notifications race the idempotence check
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = a.Record("s1", 1, total, result(i%total, model.RatingGood))
		}(i)
	}
	wg.Wait()

	if n := len(sched.ratingsFor(1)); n != 1 {
		t.Fatalf("expected exactly 1 scheduler commit, got %d", n)
	}
}

func TestPersistFailureLeavesItemRetryable(t *testing.T) {
	sched := newFakeScheduler()
	sched.failures = 1
	a := NewAggregator(sched, fakeItems{})

	_, err := a.Record("s1", 1, 1, result(0, model.RatingGood))
	if err == nil {
		t.Fatal("expected persist failure to surface")
	}

	// The item stayed unfinalized; a later notification retries the commit.
	st, err := a.Record("s1", 1, 1, result(0, model.RatingGood))
	if err != nil {
		t.Fatalf("retry Record: %v", err)
	}
	if st == nil {
		t.Fatal("expected retry to finalize")
	}
	if n := len(sched.ratingsFor(1)); n != 1 {
		t.Fatalf("expected 1 commit after retry, got %d", n)
	}
}

func TestMeanRating(t *testing.T) {
	tests := []struct {
		name    string
		ratings []model.Rating
		want    model.Rating
	}{
		{"single", []model.Rating{model.RatingHard}, model.RatingHard},
		{"rounds up", []model.Rating{model.RatingEasy, model.RatingGood}, model.RatingEasy},
		{"rounds down", []model.Rating{model.RatingAgain, model.RatingAgain, model.RatingGood}, model.RatingHard},
		{"all again", []model.Rating{model.RatingAgain, model.RatingAgain}, model.RatingAgain},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := meanRating(tt.ratings); got != tt.want {
				t.Errorf("meanRating(%v) = %d, want %d", tt.ratings, got, tt.want)
			}
		})
	}
}

func TestForgetDropsSessionState(t *testing.T) {
	sched := newFakeScheduler()
	a := NewAggregator(sched, fakeItems{})

	if _, err := a.Record("s1", 1, 2, result(0, model.RatingGood)); err != nil {
		t.Fatalf("Record: %v", err)
	}
	a.Forget("s1")

	// After Forget the accumulator restarts from zero.
	st, err := a.Record("s1", 1, 2, result(0, model.RatingGood))
	if err != nil {
		t.Fatalf("Record after Forget: %v", err)
	}
	if st != nil {
		t.Fatal("expected no finalization with only one of two ratings")
	}
}
