package pregen

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fredhsu/reviewloop/internal/model"
)

// Tier is the priority of a cache fill request.
type Tier string

const (
	// TierImminent marks the item the user will see next.
	TierImminent Tier = "imminent"
	// TierBackground marks every other upcoming item.
	TierBackground Tier = "background"
)

// Generator produces quiz questions for a single item.
type Generator interface {
	GenerateOne(ctx context.Context, item model.ItemState, perItem int) ([]model.QuizQuestion, error)
}

// Config holds cache tuning knobs. Zero values get defaults.
type Config struct {
	Capacity int           // max entries; zero → 64
	TTL      time.Duration // entry lifetime; zero → 30m
	Stagger  time.Duration // delay between background fills; zero → 500ms
	PerItem  int           // questions generated per item; zero → 3
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = 64
	}
	if c.TTL <= 0 {
		c.TTL = 30 * time.Minute
	}
	if c.Stagger < 0 {
		c.Stagger = 0
	} else if c.Stagger == 0 {
		c.Stagger = 500 * time.Millisecond
	}
	if c.PerItem <= 0 {
		c.PerItem = 3
	}
	return c
}

type entry struct {
	questions  []model.QuizQuestion
	insertedAt time.Time
	tier       Tier
}

// Cache is a bounded, time-expiring store of pre-generated question sets.
// A miss is a latency event, never an error: callers regenerate on demand.
// The lock guards only the map; it is never held across a generation call.
type Cache struct {
	cfg Config
	gen Generator
	now func() time.Time

	mu      sync.Mutex
	entries map[int64]entry
}

// New creates a Cache backed by the given generator.
func New(gen Generator, cfg Config) *Cache {
	return &Cache{
		cfg:     cfg.withDefaults(),
		gen:     gen,
		now:     time.Now,
		entries: make(map[int64]entry),
	}
}

// Get returns the cached questions for an item. Entries older than the TTL
// are treated as absent and dropped.
func (c *Cache) Get(id int64) ([]model.QuizQuestion, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	if c.now().Sub(e.insertedAt) > c.cfg.TTL {
		delete(c.entries, id)
		return nil, false
	}
	return e.questions, true
}

// Invalidate drops an item's entry, if any. Called once a cached set has
// been handed to a session so a later session gets fresh questions.
func (c *Cache) Invalidate(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Schedule queues generation work for a session's remaining items: the next
// item the user will see is filled first, the rest in the background with a
// stagger between requests to avoid bursts against the generation service.
// It returns immediately; fills happen on a separate goroutine.
func (c *Cache) Schedule(ctx context.Context, next *model.ItemState, rest []model.ItemState) {
	items := make([]model.ItemState, 0, len(rest))
	items = append(items, rest...)

	go func() {
		if next != nil {
			c.fill(ctx, *next, TierImminent)
		}
		for _, it := range items {
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.cfg.Stagger):
			}
			c.fill(ctx, it, TierBackground)
		}
	}()
}

// fill generates questions for one item and stores them. Failures are logged
// and skipped: the session will fall back to synchronous generation.
func (c *Cache) fill(ctx context.Context, item model.ItemState, tier Tier) {
	if _, ok := c.Get(item.ID); ok {
		return
	}

	qs, err := c.gen.GenerateOne(ctx, item, c.cfg.PerItem)
	if err != nil {
		slog.Warn("pre-generation failed", "item", item.ID, "tier", tier, "error", err)
		return
	}
	c.put(item.ID, qs, tier)
	slog.Debug("pre-generated questions", "item", item.ID, "tier", tier, "count", len(qs))
}

// put inserts an entry, evicting as needed: expired entries first, then the
// lowest-priority/oldest entry.
func (c *Cache) put(id int64, qs []model.QuizQuestion, tier Tier) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if len(c.entries) >= c.cfg.Capacity {
		c.evictExpired(now)
	}
	for len(c.entries) >= c.cfg.Capacity {
		if !c.evictOne() {
			return
		}
	}

	c.entries[id] = entry{questions: qs, insertedAt: now, tier: tier}
}

func (c *Cache) evictExpired(now time.Time) {
	for id, e := range c.entries {
		if now.Sub(e.insertedAt) > c.cfg.TTL {
			delete(c.entries, id)
		}
	}
}

// evictOne removes the oldest background entry, or the oldest entry overall
// when everything is imminent. Reports whether an entry was removed.
func (c *Cache) evictOne() bool {
	var victim int64
	var victimAt time.Time
	found := false

	pick := func(wantTier Tier) {
		for id, e := range c.entries {
			if wantTier != "" && e.tier != wantTier {
				continue
			}
			if !found || e.insertedAt.Before(victimAt) {
				victim, victimAt, found = id, e.insertedAt, true
			}
		}
	}

	pick(TierBackground)
	if !found {
		pick("")
	}
	if !found {
		return false
	}
	delete(c.entries, victim)
	return true
}
