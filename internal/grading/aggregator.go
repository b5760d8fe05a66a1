package grading

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/fredhsu/reviewloop/internal/model"
)

// Scheduler commits one aggregated rating for an item.
type Scheduler interface {
	Apply(item model.ItemState, rating model.Rating, now time.Time) (model.SchedulingState, error)
}

// ItemSource loads an item's current state before a scheduler commit.
type ItemSource interface {
	GetItem(id int64) (model.ItemState, error)
}

// aggKey identifies one item's pending ratings within one session.
type aggKey struct {
	session string
	item    int64
}

// pendingRatings accumulates per-question ratings for an item until all of
// its questions are graded. Ratings are keyed by question index so a
// resubmitted answer never counts as new coverage. Its mutex is the per-item
// finalization guard: two concurrent notifications cannot both pass the
// finalized check.
type pendingRatings struct {
	mu        sync.Mutex
	ratings   map[int]model.Rating
	finalized bool
}

// Aggregator folds grading outcomes into exactly one scheduler update per
// item per session, no matter how independently or out of order the item's
// questions were graded.
type Aggregator struct {
	sched Scheduler
	items ItemSource
	now   func() time.Time

	mu      sync.Mutex
	pending map[aggKey]*pendingRatings
}

// NewAggregator creates an Aggregator committing through the given scheduler.
func NewAggregator(sched Scheduler, items ItemSource) *Aggregator {
	return &Aggregator{
		sched:   sched,
		items:   items,
		now:     time.Now,
		pending: make(map[aggKey]*pendingRatings),
	}
}

func (a *Aggregator) get(key aggKey) *pendingRatings {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.pending[key]
	if !ok {
		p = &pendingRatings{ratings: make(map[int]model.Rating)}
		a.pending[key] = p
	}
	return p
}

// Record accumulates one grading result for an item. When the count of
// distinct graded questions reaches total, the rounded mean rating is
// committed to the scheduler exactly once and the new scheduling state is
// returned. Records after finalization are no-ops: the returned state is nil
// and no error is raised. A scheduler persist failure is returned and leaves
// the item unfinalized so a later notification can retry the commit.
func (a *Aggregator) Record(sessionID string, itemID int64, total int, res model.GradingResult) (*model.SchedulingState, error) {
	if total <= 0 {
		return nil, fmt.Errorf("aggregate item %d: invalid question total %d", itemID, total)
	}

	p := a.get(aggKey{session: sessionID, item: itemID})
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.finalized {
		// Duplicate notification after finalization. Swallowed: a second
		// scheduler commit for the same item is the defect this guards.
		slog.Debug("ignoring rating for finalized item", "session", sessionID, "item", itemID)
		return nil, nil
	}

	// First grading of a question wins; a resubmission of the same index
	// must not push the item toward finalization.
	if _, ok := p.ratings[res.QuestionIndex]; !ok {
		p.ratings[res.QuestionIndex] = res.SuggestedRating.Clamp()
	}
	if len(p.ratings) < total {
		return nil, nil
	}

	collected := make([]model.Rating, 0, len(p.ratings))
	for _, r := range p.ratings {
		collected = append(collected, r)
	}
	final := meanRating(collected)
	item, err := a.items.GetItem(itemID)
	if err != nil {
		return nil, fmt.Errorf("load item %d for scheduling: %w", itemID, err)
	}
	st, err := a.sched.Apply(item, final, a.now())
	if err != nil {
		return nil, fmt.Errorf("commit rating for item %d: %w", itemID, err)
	}

	p.finalized = true
	slog.Info("item review finalized",
		"session", sessionID, "item", itemID,
		"rating", int(final), "questions", total, "next_due", st.Due)
	return &st, nil
}

// Forget drops all pending state for a session. Called on session expiry.
func (a *Aggregator) Forget(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for key := range a.pending {
		if key.session == sessionID {
			delete(a.pending, key)
		}
	}
}

// meanRating is the rounded mean of the pending ratings, clamped to [1, 4].
func meanRating(ratings []model.Rating) model.Rating {
	sum := 0
	for _, r := range ratings {
		sum += int(r)
	}
	mean := math.Round(float64(sum) / float64(len(ratings)))
	return model.Rating(mean).Clamp()
}
