// Package calltable implements the call table: the mapping from
// correlation identifier to the currently-active server context, with
// concurrent-safe insert/lookup/remove and a periodic sweep that removes
// closed entries. The concurrent-map-with-per-operation-locking shape
// mirrors how a broker relay guards its own topic/connection maps, each
// behind its own sync.RWMutex.
package calltable

import (
	"sync"
	"time"
)

// Context is the minimal surface the call table needs from a server
// context (response or upload) to support the sweep: the server context
// is a sum type, represented here as an interface implemented by both
// proxy.responseContext and proxy.uploadContext.
type Context interface {
	IsClosed() bool
}

// Table maps correlation identifier to server context. At most one entry
// exists per correlation identifier at any time; promotion from an upload
// context to a response context is an atomic replace via Put, never a
// remove-then-insert, so a concurrent sweep never observes the identifier
// briefly missing.
type Table struct {
	mu      sync.RWMutex
	entries map[string]Context

	sweepMu   sync.Mutex
	lastSweep time.Time
}

// New creates an empty call table.
func New() *Table {
	return &Table{entries: make(map[string]Context)}
}

// Put installs ctx under callID, replacing any existing entry. This is the
// single operation used both for first insertion and for atomic promotion.
func (t *Table) Put(callID string, ctx Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[callID] = ctx
}

// Get looks up the context currently installed for callID.
func (t *Table) Get(callID string) (Context, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ctx, ok := t.entries[callID]
	return ctx, ok
}

// Remove deletes the entry for callID unconditionally. The proxy uses it to
// drop a call it gives up on before admission (no handler, a deadline
// already past, a failed upload setup); closed calls are otherwise removed
// by the periodic sweep.
func (t *Table) Remove(callID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, callID)
}

// Len reports the number of entries currently installed.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// MaybeSweep removes every entry whose context reports IsClosed, but only
// if at least minInterval has elapsed since the previous sweep. It reports
// whether a sweep actually ran. The interval guard is itself serialized by
// a dedicated mutex so concurrent callers never run overlapping sweeps,
// while Put/Get/Remove remain unblocked by it.
func (t *Table) MaybeSweep(minInterval time.Duration, now time.Time) bool {
	t.sweepMu.Lock()
	if !t.lastSweep.IsZero() && now.Sub(t.lastSweep) < minInterval {
		t.sweepMu.Unlock()
		return false
	}
	t.lastSweep = now
	t.sweepMu.Unlock()

	t.sweep()
	return true
}

// sweep walks every entry once and removes those reporting closed. A stale
// closed entry that has already been replaced by a newer context (a race
// with Put during promotion) is simply absent from this snapshot or has a
// different identity than what IsClosed was evaluated against; either way
// removal is benign.
func (t *Table) sweep() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for callID, ctx := range t.entries {
		if ctx.IsClosed() {
			delete(t.entries, callID)
		}
	}
}
