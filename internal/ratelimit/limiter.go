// Package ratelimit implements sliding-window request limiting keyed by
// client identity.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	// DefaultLimit is the per-window ceiling used when none is configured.
	DefaultLimit = 100
	// DefaultWindow is the trailing window length.
	DefaultWindow = time.Minute

	sweepInterval = 5 * time.Minute
)

// Limiter decides whether a client may issue another request.
type Limiter interface {
	Allow(ctx context.Context, key string) Decision
	Close()
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Limit     int
	Count     int
	Remaining int
	ResetAt   time.Time
}

// Memory keeps the accepted timestamps per key in process memory.
// Keys are independent: each has its own mutex and the key map lock is
// held only for lookup and insertion.
type Memory struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*window

	stopCh chan struct{}
	once   sync.Once
}

type window struct {
	mu    sync.Mutex
	stamp []time.Time
	dead  bool
}

// NewMemory constructs an in-memory limiter and starts its sweep loop.
func NewMemory(limit int, span time.Duration) *Memory {
	return newMemory(limit, span, time.Now, true)
}

func newMemory(limit int, span time.Duration, now func() time.Time, sweep bool) *Memory {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if span <= 0 {
		span = DefaultWindow
	}
	if now == nil {
		now = time.Now
	}
	rl := &Memory{
		limit:   limit,
		window:  span,
		now:     now,
		entries: make(map[string]*window),
		stopCh:  make(chan struct{}),
	}
	if sweep {
		go rl.sweepLoop()
	}
	return rl
}

// Allow records a request for key if fewer than limit requests were accepted
// within the trailing window.
func (rl *Memory) Allow(_ context.Context, key string) Decision {
	return rl.allowAt(key, rl.now())
}

func (rl *Memory) allowAt(key string, now time.Time) Decision {
	w := rl.entry(key)
	w.mu.Lock()
	for w.dead {
		// swept between lookup and lock; the map now holds a fresh window
		w.mu.Unlock()
		w = rl.entry(key)
		w.mu.Lock()
	}
	defer w.mu.Unlock()

	w.prune(now.Add(-rl.window))
	decision := Decision{Limit: rl.limit, Count: len(w.stamp)}
	if len(w.stamp) > 0 {
		decision.ResetAt = w.stamp[0].Add(rl.window)
	} else {
		decision.ResetAt = now.Add(rl.window)
	}
	if len(w.stamp) >= rl.limit {
		return decision
	}
	w.stamp = append(w.stamp, now)
	decision.Allowed = true
	decision.Count = len(w.stamp)
	decision.Remaining = rl.limit - decision.Count
	decision.ResetAt = w.stamp[0].Add(rl.window)
	return decision
}

func (rl *Memory) entry(key string) *window {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	w, ok := rl.entries[key]
	if !ok {
		w = &window{stamp: make([]time.Time, 0, 8)}
		rl.entries[key] = w
	}
	return w
}

// prune drops timestamps at or before cutoff. Timestamps are appended in
// order, so the expired ones always form a prefix.
func (w *window) prune(cutoff time.Time) {
	idx := 0
	for idx < len(w.stamp) && !w.stamp[idx].After(cutoff) {
		idx++
	}
	if idx == 0 {
		return
	}
	w.stamp = append(w.stamp[:0], w.stamp[idx:]...)
}

// Keys reports how many client keys currently hold state.
func (rl *Memory) Keys() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.entries)
}

func (rl *Memory) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.cleanup(rl.now())
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *Memory) cleanup(now time.Time) {
	cutoff := now.Add(-rl.window)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, w := range rl.entries {
		w.mu.Lock()
		w.prune(cutoff)
		if len(w.stamp) == 0 {
			w.dead = true
			delete(rl.entries, key)
		}
		w.mu.Unlock()
	}
}

// Close stops the sweep loop.
func (rl *Memory) Close() {
	rl.once.Do(func() {
		close(rl.stopCh)
	})
}
