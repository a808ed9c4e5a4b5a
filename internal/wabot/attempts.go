package wabot

import (
	"sync"
	"time"
)

const (
	attemptCeiling  = 5
	attemptCooldown = time.Hour
)

type attemptEntry struct {
	count      int
	exceededAt time.Time
}

// AttemptTracker counts connect attempts per phone number. Once a number
// exceeds the ceiling it is backed off until the cooldown elapses, after
// which the counter resets itself on the next inspection.
type AttemptTracker struct {
	mu       sync.Mutex
	entries  map[string]*attemptEntry
	cooldown time.Duration
}

func NewAttemptTracker() *AttemptTracker {
	return &AttemptTracker{entries: make(map[string]*attemptEntry), cooldown: attemptCooldown}
}

func (t *AttemptTracker) Increment(phoneNumber string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[phoneNumber]
	if !ok {
		e = &attemptEntry{}
		t.entries[phoneNumber] = e
	}
	e.count++
	if e.count > attemptCeiling && e.exceededAt.IsZero() {
		e.exceededAt = time.Now()
	}
	return e.count
}

func (t *AttemptTracker) Count(phoneNumber string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[phoneNumber]; ok {
		return e.count
	}
	return 0
}

// BackedOff reports whether the number is over the ceiling and still inside
// the cooldown window. An expired cooldown clears the counter in place.
func (t *AttemptTracker) BackedOff(phoneNumber string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[phoneNumber]
	if !ok || e.count <= attemptCeiling {
		return false
	}
	if !e.exceededAt.IsZero() && time.Since(e.exceededAt) >= t.cooldown {
		delete(t.entries, phoneNumber)
		return false
	}
	return true
}

// Reset clears the counter after a successful connection open.
func (t *AttemptTracker) Reset(phoneNumber string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, phoneNumber)
}

// Sweep drops every entry whose cooldown has elapsed. Run periodically so
// stale counters do not accumulate for numbers that never reconnect.
func (t *AttemptTracker) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for phone, e := range t.entries {
		if !e.exceededAt.IsZero() && time.Since(e.exceededAt) >= t.cooldown {
			delete(t.entries, phone)
			removed++
		}
	}
	return removed
}
