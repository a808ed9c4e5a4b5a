package wabot

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// BatcherConfig bounds the reconnection rate after mass disconnects.
type BatcherConfig struct {
	BatchSize       int
	BatchDelay      time.Duration
	IndividualDelay time.Duration
	MaxRetries      int
}

// BatchStatus is a snapshot of the batcher for the HTTP layer.
type BatchStatus struct {
	Pending    int      `json:"pending"`
	Processing bool     `json:"processing"`
	Scheduled  bool     `json:"scheduled"`
	Numbers    []string `json:"numbers"`
}

// ReconnectionBatcher collects phone numbers whose sessions dropped and
// reconnects them in rate-limited batches. At most one processing pass runs
// at a time; the timer is armed only while a pass is scheduled and not
// currently running.
type ReconnectionBatcher struct {
	cfg       BatcherConfig
	reconnect func(ctx context.Context, phoneNumber string) error

	mu         sync.Mutex
	pending    map[string]struct{}
	order      []string
	retries    map[string]int
	timer      *time.Timer
	processing bool
	closed     bool
}

func NewReconnectionBatcher(cfg BatcherConfig, reconnect func(ctx context.Context, phoneNumber string) error) *ReconnectionBatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &ReconnectionBatcher{
		cfg:       cfg,
		reconnect: reconnect,
		pending:   make(map[string]struct{}),
		retries:   make(map[string]int),
	}
}

// Enqueue adds the number to the pending set and arms the timer if the
// batcher is idle. Duplicate enqueues are no-ops.
func (b *ReconnectionBatcher) Enqueue(phoneNumber string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if _, ok := b.pending[phoneNumber]; !ok {
		b.pending[phoneNumber] = struct{}{}
		b.order = append(b.order, phoneNumber)
	}
	if b.timer == nil && !b.processing {
		b.timer = time.AfterFunc(b.cfg.BatchDelay, b.process)
	}
}

// Remove drops the number from the pending set, typically because the
// session came back on its own.
func (b *ReconnectionBatcher) Remove(phoneNumber string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(phoneNumber)
	delete(b.retries, phoneNumber)
}

func (b *ReconnectionBatcher) removeLocked(phoneNumber string) {
	if _, ok := b.pending[phoneNumber]; !ok {
		return
	}
	delete(b.pending, phoneNumber)
	for i, p := range b.order {
		if p == phoneNumber {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// Status reports the current queue without disturbing it.
func (b *ReconnectionBatcher) Status() BatchStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	numbers := make([]string, len(b.order))
	copy(numbers, b.order)
	return BatchStatus{
		Pending:    len(b.pending),
		Processing: b.processing,
		Scheduled:  b.timer != nil,
		Numbers:    numbers,
	}
}

// Close stops future passes. An in-flight pass finishes its current member.
func (b *ReconnectionBatcher) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

func (b *ReconnectionBatcher) process() {
	b.mu.Lock()
	if b.processing || b.closed {
		b.mu.Unlock()
		return
	}
	b.processing = true
	b.timer = nil
	snapshot := make([]string, len(b.order))
	copy(snapshot, b.order)
	b.mu.Unlock()

	zap.L().Info("reconnection pass starting", zap.Int("pending", len(snapshot)))

	ctx := context.Background()
	for i := 0; i < len(snapshot); i += b.cfg.BatchSize {
		end := i + b.cfg.BatchSize
		if end > len(snapshot) {
			end = len(snapshot)
		}
		for j, phone := range snapshot[i:end] {
			b.mu.Lock()
			if b.closed {
				b.mu.Unlock()
				return
			}
			if _, ok := b.pending[phone]; !ok {
				// removed while we were working, e.g. it reconnected
				b.mu.Unlock()
				continue
			}
			// remove before attempting so a crash mid-attempt does not
			// spin on the same entry forever
			b.removeLocked(phone)
			b.mu.Unlock()

			err := b.reconnect(ctx, phone)
			b.mu.Lock()
			if err != nil {
				b.retries[phone]++
				if b.retries[phone] < b.cfg.MaxRetries {
					if _, ok := b.pending[phone]; !ok {
						b.pending[phone] = struct{}{}
						b.order = append(b.order, phone)
					}
					zap.L().Warn("reconnect failed, will retry",
						zap.String("phone_number", phone), zap.Int("retries", b.retries[phone]), zap.Error(err))
				} else {
					delete(b.retries, phone)
					zap.L().Warn("reconnect failed, giving up",
						zap.String("phone_number", phone), zap.Error(err))
				}
			} else {
				delete(b.retries, phone)
			}
			b.mu.Unlock()

			if j < end-i-1 {
				time.Sleep(b.cfg.IndividualDelay)
			}
		}
		if end < len(snapshot) {
			time.Sleep(b.cfg.BatchDelay)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.processing = false
	if len(b.pending) > 0 && !b.closed {
		b.timer = time.AfterFunc(b.cfg.BatchDelay, b.process)
	}
}
