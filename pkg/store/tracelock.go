package store

import (
	"context"
	"sync"
)

// TraceLocks is the per-trace mutual exclusion registry spec.md §9's design
// notes describe: "a map of trace_id -> mutual-exclusion primitive,
// protected by a top-level mutex; entries are created lazily and need not
// be reclaimed aggressively." memstore and sqlitestore embed one so the
// lock lives at the durability boundary spec.md §4.2 names
// (acquire_trace_lock/release_trace_lock), while the primitive itself
// stays in-process: it serializes a trace within one process only.
// pgstore does not use it; it takes Postgres advisory locks instead.
type TraceLocks struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewTraceLocks returns an empty registry.
func NewTraceLocks() *TraceLocks {
	return &TraceLocks{locks: make(map[string]chan struct{})}
}

func (t *TraceLocks) chanFor(traceID string) chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.locks[traceID]
	if !ok {
		ch = make(chan struct{}, 1)
		ch <- struct{}{}
		t.locks[traceID] = ch
	}
	return ch
}

// Acquire blocks until traceID's lock is available or ctx is done,
// implementing spec.md §4.2's acquire_trace_lock.
func (t *TraceLocks) Acquire(ctx context.Context, traceID string) error {
	ch := t.chanFor(traceID)
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns traceID's lock to the pool, implementing spec.md §4.2's
// release_trace_lock. Callers must release exactly once per successful
// Acquire, on every exit path.
func (t *TraceLocks) Release(traceID string) {
	ch := t.chanFor(traceID)
	ch <- struct{}{}
}
