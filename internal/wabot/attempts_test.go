package wabot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAttemptTrackerCeiling(t *testing.T) {
	tr := NewAttemptTracker()
	phone := "15551234567"

	for i := 1; i <= 5; i++ {
		assert.Equal(t, i, tr.Increment(phone))
		assert.False(t, tr.BackedOff(phone), "under ceiling at %d", i)
	}
	tr.Increment(phone)
	assert.True(t, tr.BackedOff(phone), "over ceiling")
}

func TestAttemptTrackerResetOnOpen(t *testing.T) {
	tr := NewAttemptTracker()
	phone := "15551234567"
	for i := 0; i < 10; i++ {
		tr.Increment(phone)
	}
	tr.Reset(phone)
	assert.Zero(t, tr.Count(phone))
	assert.False(t, tr.BackedOff(phone))
}

func TestAttemptTrackerCooldownAutoReset(t *testing.T) {
	tr := NewAttemptTracker()
	tr.cooldown = 20 * time.Millisecond
	phone := "15551234567"
	for i := 0; i < 6; i++ {
		tr.Increment(phone)
	}
	assert.True(t, tr.BackedOff(phone))

	time.Sleep(30 * time.Millisecond)
	assert.False(t, tr.BackedOff(phone), "cooldown elapsed clears the counter")
	assert.Zero(t, tr.Count(phone))
}

func TestAttemptTrackerSweep(t *testing.T) {
	tr := NewAttemptTracker()
	tr.cooldown = 10 * time.Millisecond
	for i := 0; i < 6; i++ {
		tr.Increment("15551234501")
	}
	tr.Increment("15551234502") // under ceiling, never swept

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, tr.Sweep())
	assert.Zero(t, tr.Count("15551234501"))
	assert.Equal(t, 1, tr.Count("15551234502"))
}
