// ABOUTME: Short-window suppression table for duplicate notification keys.
// ABOUTME: Absorbs near-simultaneous command-delta emissions racing on fast agent loops.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// entry stores the emission timestamp and list element for a key.
type entry struct {
	emittedAt time.Time
	element   *list.Element
}

// Window tracks recently emitted keys. A key emitted again inside the
// suppression interval is reported as a duplicate; the duplicate does not
// refresh the key's timestamp, so a steady stream of duplicates still lets
// one emission through per interval. Entries older than the retention period
// are pruned on each emission to bound memory.
type Window struct {
	mu        sync.Mutex
	seen      map[string]*entry
	order     *list.List // keys in emission order, oldest at front
	interval  time.Duration
	retention time.Duration
	now       func() time.Time
}

// New creates a suppression window. interval is how close two emissions of
// the same key must be for the second to be suppressed; retention bounds how
// long entries are kept at all.
func New(interval, retention time.Duration) *Window {
	return &Window{
		seen:      make(map[string]*entry),
		order:     list.New(),
		interval:  interval,
		retention: retention,
		now:       time.Now,
	}
}

// Suppress reports whether an emission of key should be suppressed. When it
// returns false the emission is recorded as having happened now.
func (w *Window) Suppress(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.prune(now)

	if e, ok := w.seen[key]; ok && now.Sub(e.emittedAt) < w.interval {
		return true
	}
	w.record(key, now)
	return false
}

// record marks key as emitted at now. Must be called with mu held.
func (w *Window) record(key string, now time.Time) {
	if e, ok := w.seen[key]; ok {
		e.emittedAt = now
		w.order.MoveToBack(e.element)
		return
	}
	elem := w.order.PushBack(key)
	w.seen[key] = &entry{emittedAt: now, element: elem}
}

// prune drops entries older than the retention period, oldest first. Must be
// called with mu held.
func (w *Window) prune(now time.Time) {
	for {
		front := w.order.Front()
		if front == nil {
			return
		}
		key, _ := front.Value.(string)
		e := w.seen[key]
		if e == nil || now.Sub(e.emittedAt) <= w.retention {
			return
		}
		w.order.Remove(front)
		delete(w.seen, key)
	}
}

// Len returns the number of tracked keys.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.seen)
}
