package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fredhsu/reviewloop/internal/model"
	"github.com/fredhsu/reviewloop/internal/pregen"

	"github.com/google/uuid"
)

var (
	// ErrNotFound marks an unknown or expired session.
	ErrNotFound = errors.New("session not found")
	// ErrNoDueItems is returned when a session is started with nothing due.
	ErrNoDueItems = errors.New("no items due for review")
)

// Generator is the generation-service boundary the manager depends on.
type Generator interface {
	GenerateMany(ctx context.Context, items []model.ItemState, perItem int) (map[int64][]model.QuizQuestion, error)
	GenerateOne(ctx context.Context, item model.ItemState, perItem int) ([]model.QuizQuestion, error)
}

// ItemSource reads items from the item store.
type ItemSource interface {
	GetDueItems(now time.Time) ([]model.ItemState, error)
	GetItem(id int64) (model.ItemState, error)
}

// Config holds session tuning knobs. Zero values get defaults.
type Config struct {
	TTL           time.Duration // session lifetime; zero → 2h
	SweepInterval time.Duration // expiry sweep period; zero → 5m
	PerItem       int           // questions generated per item; zero → 3
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = 2 * time.Hour
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Minute
	}
	if c.PerItem <= 0 {
		c.PerItem = 3
	}
	return c
}

// NextItem is what Advance hands to the caller.
type NextItem struct {
	Done      bool                 `json:"done"`
	Item      *model.ItemState     `json:"item,omitempty"`
	Questions []model.QuizQuestion `json:"questions,omitempty"`
	Position  int                  `json:"position"`
	Total     int                  `json:"total"`
}

// Expirer is notified when a session is removed so dependent per-session
// state can be dropped with it.
type Expirer interface {
	Forget(sessionID string)
}

// Manager owns the process-scoped registry of in-memory review sessions.
// Sessions are intentionally transient and do not survive a restart.
// Structural changes take the write lock; content reads take the read lock.
type Manager struct {
	cfg     Config
	store   ItemSource
	gen     Generator
	cache   *pregen.Cache
	expirer Expirer
	now     func() time.Time

	mu       sync.RWMutex
	sessions map[string]*model.ReviewSession
}

// NewManager creates a Manager. cache and expirer may be nil.
func NewManager(store ItemSource, gen Generator, cache *pregen.Cache, expirer Expirer, cfg Config) *Manager {
	return &Manager{
		cfg:      cfg.withDefaults(),
		store:    store,
		gen:      gen,
		cache:    cache,
		expirer:  expirer,
		now:      time.Now,
		sessions: make(map[string]*model.ReviewSession),
	}
}

// Start assembles the due items, issues one generation request covering all
// of them, and registers a new session. Per-item generation failures degrade
// to a fallback flag and a session warning; they never fail session start.
func (m *Manager) Start(ctx context.Context) (*model.ReviewSession, error) {
	now := m.now()
	due, err := m.store.GetDueItems(now)
	if err != nil {
		return nil, fmt.Errorf("load due items: %w", err)
	}
	if len(due) == 0 {
		return nil, ErrNoDueItems
	}

	sess := &model.ReviewSession{
		ID:              uuid.NewString(),
		Questions:       make(map[int64][]model.QuizQuestion, len(due)),
		FallbackPending: make(map[int64]bool),
		CreatedAt:       now,
		ExpiresAt:       now.Add(m.cfg.TTL),
	}
	for _, it := range due {
		sess.ItemIDs = append(sess.ItemIDs, it.ID)
	}

	generated, err := m.gen.GenerateMany(ctx, due, m.cfg.PerItem)
	if err != nil {
		slog.Warn("batch generation failed, all items deferred", "session", sess.ID, "error", err)
		sess.Warnings = append(sess.Warnings, "question generation is degraded; questions will be generated per item")
		generated = map[int64][]model.QuizQuestion{}
	}
	for _, it := range due {
		qs, ok := generated[it.ID]
		if !ok || len(qs) == 0 {
			sess.FallbackPending[it.ID] = true
			if err == nil {
				sess.Warnings = append(sess.Warnings,
					fmt.Sprintf("questions for item %d could not be generated yet", it.ID))
			}
			continue
		}
		sess.Questions[it.ID] = qs
	}

	// Opportunistically pre-generate the deferred items while the user
	// answers the current one. Fills outlive the start request, so they
	// must not run under its context. Scheduled before the session is
	// published: once registered, the struct is only read under the lock.
	if m.cache != nil && len(sess.FallbackPending) > 0 {
		m.primeCache(context.Background(), sess, due)
	}

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()

	slog.Info("review session started",
		"session", sess.ID, "items", len(due),
		"pending", len(sess.FallbackPending), "warnings", len(sess.Warnings))
	return sess.Clone(), nil
}

// primeCache schedules background generation for every fallback-pending item,
// the first upcoming one at imminent priority.
func (m *Manager) primeCache(ctx context.Context, sess *model.ReviewSession, due []model.ItemState) {
	byID := make(map[int64]model.ItemState, len(due))
	for _, it := range due {
		byID[it.ID] = it
	}

	var next *model.ItemState
	var rest []model.ItemState
	for _, id := range sess.ItemIDs {
		if !sess.FallbackPending[id] {
			continue
		}
		it := byID[id]
		if next == nil {
			next = &it
			continue
		}
		rest = append(rest, it)
	}
	if next != nil {
		m.cache.Schedule(ctx, next, rest)
	}
}

// Get returns a point-in-time copy of a live session. The registry's own
// struct never escapes the lock; Advance may mutate it concurrently.
func (m *Manager) Get(id string) (*model.ReviewSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	if !ok || sess.Expired(m.now()) {
		return nil, ErrNotFound
	}
	return sess.Clone(), nil
}

// Questions returns the question list a session holds for an item.
func (m *Manager) Questions(sessionID string, itemID int64) ([]model.QuizQuestion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[sessionID]
	if !ok || sess.Expired(m.now()) {
		return nil, ErrNotFound
	}
	qs, ok := sess.Questions[itemID]
	if !ok {
		return nil, fmt.Errorf("item %d has no questions in session %s", itemID, sessionID)
	}
	return qs, nil
}

// Advance returns the next unanswered item with its questions and moves the
// cursor. A pre-generation cache hit is preferred; a miss triggers
// synchronous single-item generation. No lock is held across either call.
func (m *Manager) Advance(ctx context.Context, sessionID string) (*NextItem, error) {
	m.mu.RLock()
	sess, ok := m.sessions[sessionID]
	if !ok || sess.Expired(m.now()) {
		m.mu.RUnlock()
		return nil, ErrNotFound
	}
	cursor := sess.Cursor
	total := len(sess.ItemIDs)
	if cursor >= total {
		m.mu.RUnlock()
		return &NextItem{Done: true, Position: total, Total: total}, nil
	}
	itemID := sess.ItemIDs[cursor]
	qs, haveQuestions := sess.Questions[itemID]
	m.mu.RUnlock()

	item, err := m.store.GetItem(itemID)
	if err != nil {
		return nil, fmt.Errorf("load item %d: %w", itemID, err)
	}

	if !haveQuestions {
		qs, err = m.resolveQuestions(ctx, item)
		if err != nil {
			return nil, fmt.Errorf("generate questions for item %d: %w", itemID, err)
		}
	}

	m.mu.Lock()
	sess.Questions[itemID] = qs
	delete(sess.FallbackPending, itemID)
	if sess.Cursor == cursor {
		sess.Cursor = cursor + 1
	}
	m.mu.Unlock()

	return &NextItem{
		Item:      &item,
		Questions: qs,
		Position:  cursor,
		Total:     total,
	}, nil
}

// resolveQuestions serves a deferred item: cache hit first, then synchronous
// on-demand generation. A cache miss is a latency event, never an error.
func (m *Manager) resolveQuestions(ctx context.Context, item model.ItemState) ([]model.QuizQuestion, error) {
	if m.cache != nil {
		if qs, ok := m.cache.Get(item.ID); ok {
			m.cache.Invalidate(item.ID)
			slog.Debug("pre-generation cache hit", "item", item.ID)
			return qs, nil
		}
	}
	slog.Debug("pre-generation cache miss, generating on demand", "item", item.ID)
	return m.gen.GenerateOne(ctx, item, m.cfg.PerItem)
}

// Terminate removes a session immediately.
func (m *Manager) Terminate(id string) {
	m.mu.Lock()
	_, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if ok && m.expirer != nil {
		m.expirer.Forget(id)
	}
}

// Run sweeps expired sessions until the context is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	now := m.now()
	var expired []string
	m.mu.Lock()
	for id, sess := range m.sessions {
		if sess.Expired(now) {
			delete(m.sessions, id)
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		if m.expirer != nil {
			m.expirer.Forget(id)
		}
		slog.Info("expired review session removed", "session", id)
	}
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
