// ABOUTME: Size-bounded TTL set that rejects a key seen within its window
// ABOUTME: Used to stop a TOTP code from being accepted twice in its validity period

package dedupe

import (
	"container/list"
	"sync"
	"time"

	"github.com/2389/hearth-gateway/internal/clock"
)

type seenEntry struct {
	at      time.Time
	element *list.Element
}

// Guard remembers keys for a fixed window. Oldest keys are evicted once
// maxSize is reached, so memory stays bounded under a flood of distinct keys.
type Guard struct {
	mu      sync.Mutex
	seen    map[string]*seenEntry
	order   *list.List // oldest at front
	window  time.Duration
	maxSize int
	clock   clock.Clock
}

// New creates a Guard that remembers keys for window.
func New(window time.Duration, maxSize int, clk clock.Clock) *Guard {
	if clk == nil {
		clk = clock.Real()
	}
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Guard{
		seen:    make(map[string]*seenEntry),
		order:   list.New(),
		window:  window,
		maxSize: maxSize,
		clock:   clk,
	}
}

// Use records key and reports whether it was fresh. A second Use of the
// same key inside the window returns false.
func (g *Guard) Use(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	g.pruneLocked(now)

	if _, ok := g.seen[key]; ok {
		return false
	}

	if len(g.seen) >= g.maxSize {
		front := g.order.Front()
		if front != nil {
			oldest, _ := front.Value.(string)
			g.order.Remove(front)
			delete(g.seen, oldest)
		}
	}

	g.seen[key] = &seenEntry{at: now, element: g.order.PushBack(key)}
	return true
}

// Len returns the number of remembered keys, pruning expired ones first.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneLocked(g.clock.Now())
	return len(g.seen)
}

// pruneLocked drops expired keys from the front. Insertion order matches
// time order, so it stops at the first live entry.
func (g *Guard) pruneLocked(now time.Time) {
	for e := g.order.Front(); e != nil; e = g.order.Front() {
		key, _ := e.Value.(string)
		entry := g.seen[key]
		if entry != nil && now.Sub(entry.at) < g.window {
			return
		}
		g.order.Remove(e)
		delete(g.seen, key)
	}
}
