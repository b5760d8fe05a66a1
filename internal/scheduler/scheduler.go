package scheduler

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/fredhsu/reviewloop/internal/model"

	fsrs "github.com/open-spaced-repetition/go-fsrs"
)

// ErrPersistFailed marks a scheduling update that could not be committed to
// the item store. Dropping it silently would lose review credit, so callers
// must surface it.
var ErrPersistFailed = errors.New("persist scheduling update")

// Forgetting-curve constants shared with FSRS: R(t) = (1 + factor*t/S)^decay.
const (
	decay  = -0.5
	factor = 19.0 / 81.0
)

// Persister writes an item's updated scheduling state back to the item store.
type Persister interface {
	PersistSchedulingUpdate(id int64, st model.SchedulingState) error
}

// lockStripes is the fixed number of update mutexes; item IDs hash onto a
// stripe, so memory stays bounded no matter how many items are reviewed.
const lockStripes = 64

// Adapter wraps the FSRS algorithm: given an item's current scheduling state
// and one aggregated rating, it computes the updated state and next due time
// and persists the result. Updates for the same item are serialized.
type Adapter struct {
	params fsrs.Parameters
	store  Persister
	locks  [lockStripes]sync.Mutex
}

// New creates an Adapter with default FSRS parameters.
func New(store Persister) *Adapter {
	return &Adapter{
		params: fsrs.DefaultParam(),
		store:  store,
	}
}

// itemLock returns the stripe mutex guarding updates for one item.
func (a *Adapter) itemLock(id int64) *sync.Mutex {
	return &a.locks[uint64(id)%lockStripes]
}

// Apply reviews the item with the given rating at the given time, persists
// the updated scheduling state, and returns it. A failed persist is retried
// once before being reported as ErrPersistFailed.
func (a *Adapter) Apply(item model.ItemState, rating model.Rating, now time.Time) (model.SchedulingState, error) {
	l := a.itemLock(item.ID)
	l.Lock()
	defer l.Unlock()

	card := toCard(item.SchedulingState, now)
	next := a.params.Repeat(card, now)[toFSRSRating(rating)].Card
	st := fromCard(next, now)

	if err := a.store.PersistSchedulingUpdate(item.ID, st); err != nil {
		slog.Warn("scheduling persist failed, retrying", "item", item.ID, "error", err)
		if err = a.store.PersistSchedulingUpdate(item.ID, st); err != nil {
			return model.SchedulingState{}, fmt.Errorf("%w: item %d: %v", ErrPersistFailed, item.ID, err)
		}
	}

	slog.Debug("scheduling update committed",
		"item", item.ID, "rating", int(rating), "state", st.State, "due", st.Due)
	return st, nil
}

func toFSRSRating(r model.Rating) fsrs.Rating {
	return fsrs.Rating(r.Clamp())
}

func toCard(st model.SchedulingState, now time.Time) fsrs.Card {
	card := fsrs.NewCard()
	card.Difficulty = st.Difficulty
	card.Stability = st.Stability
	card.Reps = uint64(st.Reps)
	card.Lapses = uint64(st.Lapses)
	card.State = toFSRSState(st.State)
	if !st.Due.IsZero() {
		card.Due = st.Due
	} else {
		card.Due = now
	}
	if st.LastReview != nil {
		card.LastReview = *st.LastReview
	}
	return card
}

func fromCard(card fsrs.Card, now time.Time) model.SchedulingState {
	last := card.LastReview
	return model.SchedulingState{
		Difficulty:     card.Difficulty,
		Stability:      card.Stability,
		Retrievability: retrievability(card.Stability, card.Due.Sub(now)),
		Reps:           int(card.Reps),
		Lapses:         int(card.Lapses),
		State:          fromFSRSState(card.State),
		Due:            card.Due,
		LastReview:     &last,
	}
}

func toFSRSState(s model.LifecycleState) fsrs.State {
	switch s {
	case model.StateLearning:
		return fsrs.Learning
	case model.StateReview:
		return fsrs.Review
	case model.StateRelearning:
		return fsrs.Relearning
	default:
		return fsrs.New
	}
}

func fromFSRSState(s fsrs.State) model.LifecycleState {
	switch s {
	case fsrs.Learning:
		return model.StateLearning
	case fsrs.Review:
		return model.StateReview
	case fsrs.Relearning:
		return model.StateRelearning
	default:
		return model.StateNew
	}
}

// retrievability is the projected recall probability at the next due time.
func retrievability(stability float64, untilDue time.Duration) float64 {
	if stability <= 0 {
		return 0
	}
	days := untilDue.Hours() / 24.0
	if days < 0 {
		days = 0
	}
	return math.Pow(1+factor*days/stability, decay)
}
