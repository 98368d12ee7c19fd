// Package suppress collapses bursts of near-duplicate events (editor save
// storms, log rewrites) into summaries so history, the audit log, and the
// live stream are not flooded.
package suppress

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"hackstone/internal/model"
)

// Key identifies a suppression bucket.
type Key struct {
	Source  model.Source
	AgentID string
	Path    string
	Type    model.EventType
}

// Decision is the suppressor's verdict for one observed event.
type Decision int

const (
	// Pass means the event is emitted normally.
	Pass Decision = iota
	// Suppress means the event must not be stored or broadcast.
	Suppress
)

// Summary describes a completed window in which events were suppressed. The
// caller synthesizes a single summary event from it.
type Summary struct {
	Key         Key
	Suppressed  int
	Total       int
	WindowStart time.Time
	WindowEnd   time.Time
}

type bucket struct {
	windowStart     time.Time
	lastSeen        time.Time
	count           int
	suppressedCount int
}

// Suppressor tracks per-key windows. The zero window config suppresses after
// threshold events within window; idle state is garbage-collected after
// stale.
type Suppressor struct {
	mu        sync.Mutex
	clock     clock.Clock
	window    time.Duration
	threshold int
	stale     time.Duration
	state     map[Key]*bucket
}

// New creates a suppressor. A nil clk uses wall-clock time.
func New(window time.Duration, threshold int, stale time.Duration, clk clock.Clock) *Suppressor {
	if clk == nil {
		clk = clock.New()
	}
	return &Suppressor{
		clock:     clk,
		window:    window,
		threshold: threshold,
		stale:     stale,
		state:     make(map[Key]*bucket),
	}
}

// Observe records one event for a key and decides its fate. When the event
// opens a new window after one in which events were suppressed, the returned
// Summary is non-nil and must be emitted exactly once by the caller.
func (s *Suppressor) Observe(k Key) (Decision, *Summary) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()

	b, ok := s.state[k]
	if !ok {
		s.state[k] = &bucket{windowStart: now, lastSeen: now, count: 1}
		return Pass, nil
	}

	if now.Sub(b.windowStart) > s.window {
		var summary *Summary
		if b.suppressedCount > 0 {
			summary = &Summary{
				Key:         k,
				Suppressed:  b.suppressedCount,
				Total:       b.count,
				WindowStart: b.windowStart,
				WindowEnd:   b.lastSeen,
			}
		}
		b.windowStart = now
		b.lastSeen = now
		b.count = 1
		b.suppressedCount = 0
		return Pass, summary
	}

	b.count++
	b.lastSeen = now
	if b.count > s.threshold {
		b.suppressedCount++
		return Suppress, nil
	}
	return Pass, nil
}

// Pending returns the summary a key would emit if its window has elapsed
// with suppressed events, without resetting state. Used by status surfaces.
func (s *Suppressor) Pending(k Key) *Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.state[k]
	if !ok || b.suppressedCount == 0 {
		return nil
	}
	if s.clock.Now().Sub(b.windowStart) <= s.window {
		return nil
	}
	return &Summary{
		Key:         k,
		Suppressed:  b.suppressedCount,
		Total:       b.count,
		WindowStart: b.windowStart,
		WindowEnd:   b.lastSeen,
	}
}

// GC drops state for keys idle longer than the stale threshold, bounding
// memory across long runs.
func (s *Suppressor) GC() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	removed := 0
	for k, b := range s.state {
		if now.Sub(b.lastSeen) > s.stale {
			delete(s.state, k)
			removed++
		}
	}
	return removed
}

// Run garbage-collects periodically until stop is closed.
func (s *Suppressor) Run(stop <-chan struct{}) {
	ticker := s.clock.Ticker(s.stale)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.GC()
		}
	}
}

// Tracked returns the number of live suppression buckets.
func (s *Suppressor) Tracked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state)
}
