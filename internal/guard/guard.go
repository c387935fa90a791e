// Package guard bounds concurrent mission runs process-wide. Each run holds a
// slot keyed by (user, run id); stale slots age out so a crashed run cannot
// wedge its user's capacity.
package guard

import (
	"fmt"
	"sync"
	"time"

	"github.com/novachat/nova/internal/persist"
)

// Defaults, overridable via NOVA_MISSION_EXECUTION_* env handled in config.
const (
	DefaultPerUserLimit = 3
	DefaultGlobalLimit  = 200
	DefaultSlotTTL      = 15 * time.Minute
)

// BlockedError carries the stable code and human reason for a rejected slot.
type BlockedError struct {
	Reason string
}

func (e *BlockedError) Error() string { return e.Reason }

// Code is the stable error code for guard rejections.
func (e *BlockedError) Code() string { return "concurrency_blocked" }

// Config tunes the guard.
type Config struct {
	PerUserLimit int
	GlobalLimit  int
	SlotTTL      time.Duration
}

func (c Config) withDefaults() Config {
	if c.PerUserLimit <= 0 {
		c.PerUserLimit = DefaultPerUserLimit
	}
	if c.GlobalLimit <= 0 {
		c.GlobalLimit = DefaultGlobalLimit
	}
	if c.SlotTTL <= 0 {
		c.SlotTTL = DefaultSlotTTL
	}
	return c
}

type slot struct {
	userContextID string
	startedAt     time.Time
}

// Guard is the process-wide inflight map. Construct per process (or per test)
// via New.
type Guard struct {
	cfg Config
	now func() time.Time

	mu    sync.Mutex
	slots map[string]slot
}

// New creates a guard with the given caps.
func New(cfg Config) *Guard {
	return &Guard{
		cfg:   cfg.withDefaults(),
		now:   time.Now,
		slots: make(map[string]slot),
	}
}

// Release frees a slot. Releasing twice, or releasing an already-pruned slot,
// is benign.
type Release func()

// Acquire claims a slot for one mission run. Callers with an unresolvable
// user or run id get a no-op slot rather than an error: the undisciplined
// call path must not fail, it just goes unaccounted.
func (g *Guard) Acquire(userContextID, missionRunID string) (Release, error) {
	uid := persist.SanitizeUserID(userContextID)
	runID := missionRunID
	if uid == "" || runID == "" {
		return func() {}, nil
	}
	key := uid + "|" + runID

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	for k, s := range g.slots {
		if now.Sub(s.startedAt) > g.cfg.SlotTTL {
			delete(g.slots, k)
		}
	}

	// Re-count after pruning.
	if len(g.slots) >= g.cfg.GlobalLimit {
		return nil, &BlockedError{Reason: fmt.Sprintf(
			"mission execution blocked: global cap of %d concurrent runs reached", g.cfg.GlobalLimit)}
	}
	perUser := 0
	for _, s := range g.slots {
		if s.userContextID == uid {
			perUser++
		}
	}
	if perUser >= g.cfg.PerUserLimit {
		return nil, &BlockedError{Reason: fmt.Sprintf(
			"mission execution blocked: per-user cap of %d concurrent runs reached for %s", g.cfg.PerUserLimit, uid)}
	}

	g.slots[key] = slot{userContextID: uid, startedAt: now}
	return func() {
		g.mu.Lock()
		delete(g.slots, key)
		g.mu.Unlock()
	}, nil
}

// Inflight returns the number of live slots (after TTL pruning).
func (g *Guard) Inflight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	n := 0
	for _, s := range g.slots {
		if now.Sub(s.startedAt) <= g.cfg.SlotTTL {
			n++
		}
	}
	return n
}
