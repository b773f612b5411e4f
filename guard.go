package swcache

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/swcache/swcache/cache"
)

// lastReloadKey is the durable entry holding the last version a reload was
// attempted for. It is the authority that breaks reload loops across page
// loads.
const lastReloadKey = "lastReloadVersion"

// CheckState is the coordinator's update-check/reload state.
type CheckState string

const (
	// Idle: no check in flight, no reload pending.
	Idle CheckState = "idle"
	// Checking: an update check is in flight.
	Checking CheckState = "checking"
	// ReloadPending: a reload has been attempted this page load; no further
	// checks or reloads until reset.
	ReloadPending CheckState = "reload-pending"
)

// ReentrancyGuard prevents concurrent update checks and repeated reload
// loops. The in-memory state covers a single page load; the durable
// lastReloadVersion entry covers reloads across page loads.
// State only changes through the transition methods below.
type ReentrancyGuard struct {
	mu    sync.Mutex
	state CheckState
	kv    cache.KV
	log   zerolog.Logger
}

func NewReentrancyGuard(kv cache.KV, logger zerolog.Logger) *ReentrancyGuard {
	return &ReentrancyGuard{state: Idle, kv: kv, log: logger}
}

// State returns the current guard state.
func (g *ReentrancyGuard) State() CheckState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// BeginCheck moves Idle to Checking. It refuses while a check is in flight
// or a reload is pending.
func (g *ReentrancyGuard) BeginCheck() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != Idle {
		return false
	}
	g.state = Checking
	return true
}

// EndCheck moves Checking back to Idle. It leaves ReloadPending untouched.
func (g *ReentrancyGuard) EndCheck() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == Checking {
		g.state = Idle
	}
}

// BeginReload moves to ReloadPending, at most once per page load and at
// most once per version across page loads. The durable entry is written
// inside the transition; a failed read or write fails closed.
func (g *ReentrancyGuard) BeginReload(version string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == ReloadPending {
		return false
	}
	last, ok, err := g.kv.Get(lastReloadKey)
	if err != nil {
		g.log.Error().Err(err).Msg("Could not read last reload version")
		return false
	}
	if ok && last == version {
		return false
	}
	if err := g.kv.Set(lastReloadKey, version); err != nil {
		g.log.Error().Err(err).Msg("Could not persist last reload version")
		return false
	}
	g.state = ReloadPending
	return true
}

// Reset moves back to Idle, intended to be called once a page load has
// completed successfully. The durable entry is left in place.
func (g *ReentrancyGuard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state = Idle
}
