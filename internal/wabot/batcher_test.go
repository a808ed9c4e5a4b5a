package wabot

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBatcherConfig() BatcherConfig {
	return BatcherConfig{
		BatchSize:       2,
		BatchDelay:      10 * time.Millisecond,
		IndividualDelay: time.Millisecond,
		MaxRetries:      3,
	}
}

type reconnectRecorder struct {
	mu       sync.Mutex
	attempts map[string]int
	fail     map[string]bool
}

func newReconnectRecorder() *reconnectRecorder {
	return &reconnectRecorder{attempts: make(map[string]int), fail: make(map[string]bool)}
}

func (r *reconnectRecorder) fn(ctx context.Context, phone string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts[phone]++
	if r.fail[phone] {
		return errors.New("still down")
	}
	return nil
}

func (r *reconnectRecorder) count(phone string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts[phone]
}

func TestBatcherProcessesAllEnqueued(t *testing.T) {
	rec := newReconnectRecorder()
	b := NewReconnectionBatcher(testBatcherConfig(), rec.fn)
	defer b.Close()

	phones := make([]string, 5)
	for i := range phones {
		phones[i] = fmt.Sprintf("1555123450%d", i)
		b.Enqueue(phones[i])
	}

	assert.Eventually(t, func() bool {
		for _, p := range phones {
			if rec.count(p) != 1 {
				return false
			}
		}
		st := b.Status()
		return st.Pending == 0 && !st.Processing && !st.Scheduled
	}, 2*time.Second, 5*time.Millisecond, "every member attempted once, queue drains to idle")
}

func TestBatcherDuplicateEnqueueIsNoop(t *testing.T) {
	rec := newReconnectRecorder()
	b := NewReconnectionBatcher(testBatcherConfig(), rec.fn)
	defer b.Close()

	b.Enqueue("15551234500")
	b.Enqueue("15551234500")
	assert.Equal(t, 1, b.Status().Pending)

	assert.Eventually(t, func() bool {
		return rec.count("15551234500") == 1 && b.Status().Pending == 0
	}, time.Second, 5*time.Millisecond)
}

func TestBatcherRetriesThenDrops(t *testing.T) {
	rec := newReconnectRecorder()
	rec.fail["15551234500"] = true
	cfg := testBatcherConfig()
	b := NewReconnectionBatcher(cfg, rec.fn)
	defer b.Close()

	b.Enqueue("15551234500")

	assert.Eventually(t, func() bool {
		st := b.Status()
		return st.Pending == 0 && !st.Processing && !st.Scheduled
	}, 2*time.Second, 5*time.Millisecond, "permanently failing entry is eventually dropped")

	total := rec.count("15551234500")
	require.GreaterOrEqual(t, total, 1)
	assert.LessOrEqual(t, total, cfg.MaxRetries+1, "bounded attempts before permanent removal")

	// give the batcher a beat to confirm it does not reschedule
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, total, rec.count("15551234500"))
}

func TestBatcherRemove(t *testing.T) {
	rec := newReconnectRecorder()
	cfg := testBatcherConfig()
	cfg.BatchDelay = 100 * time.Millisecond
	b := NewReconnectionBatcher(cfg, rec.fn)
	defer b.Close()

	b.Enqueue("15551234500")
	b.Remove("15551234500")

	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, rec.count("15551234500"), "removed before the timer fired")
}

func TestBatcherReentrantProcessIsNoop(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{}, 1)
	var calls int
	var mu sync.Mutex
	b := NewReconnectionBatcher(testBatcherConfig(), func(ctx context.Context, phone string) error {
		mu.Lock()
		calls++
		mu.Unlock()
		started <- struct{}{}
		<-block
		return nil
	})
	defer b.Close()

	b.Enqueue("15551234500")
	<-started

	// a second pass while one is running must return immediately
	b.process()
	close(block)

	assert.Eventually(t, func() bool {
		return b.Status().Pending == 0 && !b.Status().Processing
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}
