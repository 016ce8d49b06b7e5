// Package ratelimit implements sliding-window request admission.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// WaitSeconds rounds RetryAfter up to whole seconds.
func (d Decision) WaitSeconds() int {
	if d.Allowed || d.RetryAfter <= 0 {
		return 0
	}
	return int(math.Ceil(d.RetryAfter.Seconds()))
}

// Limiter decides whether a request for key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// Window is an in-memory sliding-window counter. A request is admitted only
// while fewer than limit instants fall inside the trailing window; rejected
// requests are not recorded.
type Window struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
	now      func() time.Time
}

func NewWindow(limit int, window time.Duration) *Window {
	return &Window{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		now:      time.Now,
	}
}

// WithClock replaces the time source. Intended for tests.
func (w *Window) WithClock(now func() time.Time) *Window {
	w.now = now
	return w
}

func (w *Window) Limit() int { return w.limit }

func (w *Window) Period() time.Duration { return w.window }

// Admit checks and records a request for key.
func (w *Window) Admit(key string) Decision {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	recent := w.recent(key, now)

	if len(recent) >= w.limit {
		w.requests[key] = recent
		return Decision{RetryAfter: recent[0].Add(w.window).Sub(now)}
	}

	w.requests[key] = append(recent, now)
	return Decision{Allowed: true}
}

// Allow implements Limiter.
func (w *Window) Allow(_ context.Context, key string) (Decision, error) {
	return w.Admit(key), nil
}

// Count returns the number of admitted requests for key inside the window.
func (w *Window) Count(key string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.recent(key, w.now()))
}

// Sweep drops keys with no requests left inside the window.
func (w *Window) Sweep() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	removed := 0
	for key := range w.requests {
		recent := w.recent(key, now)
		if len(recent) == 0 {
			delete(w.requests, key)
			removed++
			continue
		}
		w.requests[key] = recent
	}
	return removed
}

// recent filters instants older than the window. Caller holds mu.
func (w *Window) recent(key string, now time.Time) []time.Time {
	cutoff := now.Add(-w.window)
	times := w.requests[key]
	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return times
	}
	return append([]time.Time(nil), times[i:]...)
}
