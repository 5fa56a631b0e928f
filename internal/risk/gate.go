// Package risk admits or refuses new fade cycles.
//
// The gate enforces two concurrency caps — cycles per market and cycles
// across all markets — and a halt flag. The engine halts entries after an
// unrecoverable on-chain failure; existing cycles keep managing their exits,
// and an operator clears the halt once the chain issue is resolved.
//
// Admission is check-and-reserve: Admit atomically counts the cycle, and the
// engine calls Release when the cycle reaches a terminal state. That keeps
// the caps race-free without the engine holding any lock.
package risk

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Gate controls how many fade cycles may run concurrently.
type Gate struct {
	maxPerMarket int
	maxGlobal    int
	logger       *slog.Logger

	mu         sync.RWMutex
	perMarket  map[string]int
	global     int
	halted     bool
	haltReason string
	haltedAt   time.Time
}

// NewGate creates a gate with the given caps.
func NewGate(maxPerMarket, maxGlobal int, logger *slog.Logger) *Gate {
	return &Gate{
		maxPerMarket: maxPerMarket,
		maxGlobal:    maxGlobal,
		logger:       logger.With("component", "risk"),
		perMarket:    make(map[string]int),
	}
}

// Admit reserves a cycle slot for the market. On success the caller owns the
// slot until Release. A non-nil error names the refused limit.
func (g *Gate) Admit(marketSlug string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.halted {
		return fmt.Errorf("entries halted: %s", g.haltReason)
	}
	if g.perMarket[marketSlug] >= g.maxPerMarket {
		return fmt.Errorf("market %s at cycle cap (%d)", marketSlug, g.maxPerMarket)
	}
	if g.global >= g.maxGlobal {
		return fmt.Errorf("global cycle cap reached (%d)", g.maxGlobal)
	}

	g.perMarket[marketSlug]++
	g.global++
	return nil
}

// Release frees a slot reserved by Admit. Safe to call once per admitted
// cycle; the counters never go negative.
func (g *Gate) Release(marketSlug string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.perMarket[marketSlug] > 0 {
		g.perMarket[marketSlug]--
		if g.perMarket[marketSlug] == 0 {
			delete(g.perMarket, marketSlug)
		}
	}
	if g.global > 0 {
		g.global--
	}
}

// Halt blocks all new admissions until ClearHalt. Existing cycles are not
// affected.
func (g *Gate) Halt(reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.halted {
		return
	}
	g.halted = true
	g.haltReason = reason
	g.haltedAt = time.Now()
	g.logger.Error("ENTRY HALT", "reason", reason)
}

// ClearHalt re-enables admissions. Operator action.
func (g *Gate) ClearHalt() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.halted {
		return
	}
	g.halted = false
	g.haltReason = ""
	g.logger.Info("entry halt cleared")
}

// Halted reports the halt flag and its reason.
func (g *Gate) Halted() (bool, string) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.halted, g.haltReason
}

// SetLimits swaps the caps. Running cycles above a lowered cap finish
// normally; only new admissions see the new limits.
func (g *Gate) SetLimits(maxPerMarket, maxGlobal int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.maxPerMarket = maxPerMarket
	g.maxGlobal = maxGlobal
}

// Snapshot holds gate state for the dashboard.
type Snapshot struct {
	ActiveCycles    int            `json:"active_cycles"`
	PerMarket       map[string]int `json:"per_market"`
	MaxPerMarket    int            `json:"max_cycles_per_market"`
	MaxGlobal       int            `json:"max_global_cycles"`
	Halted          bool           `json:"halted"`
	HaltReason      string         `json:"halt_reason,omitempty"`
	HaltedAt        time.Time      `json:"halted_at,omitempty"`
}

// GetSnapshot returns current gate state for the dashboard.
func (g *Gate) GetSnapshot() Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()

	perMarket := make(map[string]int, len(g.perMarket))
	for slug, n := range g.perMarket {
		perMarket[slug] = n
	}
	return Snapshot{
		ActiveCycles: g.global,
		PerMarket:    perMarket,
		MaxPerMarket: g.maxPerMarket,
		MaxGlobal:    g.maxGlobal,
		Halted:       g.halted,
		HaltReason:   g.haltReason,
		HaltedAt:     g.haltedAt,
	}
}
