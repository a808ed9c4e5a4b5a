package wabot

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PairingResult is delivered exactly once per pairing request.
type PairingResult struct {
	Code string
	Err  error
}

type pairingRequest struct {
	phoneNumber string
	result      chan PairingResult
	expiresAt   time.Time
}

// PairingHandle lets the caller wait for the code the protocol layer will
// surface asynchronously.
type PairingHandle struct {
	req *pairingRequest
}

// Wait blocks until the request completes, expires, or ctx is done.
func (h *PairingHandle) Wait(ctx context.Context) (string, error) {
	select {
	case res := <-h.req.result:
		return res.Code, res.Err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// PairingCoordinator holds the per-number request table. Exactly one
// request is pending per phone number; a new request supersedes and fails
// the prior one. Expiry is enforced by a sweep loop rather than per-request
// timers so cancellation stays deterministic.
type PairingCoordinator struct {
	mu      sync.Mutex
	pending map[string]*pairingRequest
	timeout time.Duration
	done    chan struct{}
	once    sync.Once
}

func NewPairingCoordinator(timeout time.Duration) *PairingCoordinator {
	c := &PairingCoordinator{
		pending: make(map[string]*pairingRequest),
		timeout: timeout,
		done:    make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

func (c *PairingCoordinator) sweepLoop() {
	interval := c.timeout / 10
	if interval < 50*time.Millisecond {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.SweepExpired(time.Now())
		case <-c.done:
			return
		}
	}
}

// Begin registers a pending request for the number, superseding any prior
// one. The superseded request fails with ErrPairingTimeout immediately.
func (c *PairingCoordinator) Begin(phoneNumber string) *PairingHandle {
	req := &pairingRequest{
		phoneNumber: phoneNumber,
		result:      make(chan PairingResult, 1),
		expiresAt:   time.Now().Add(c.timeout),
	}
	c.mu.Lock()
	prior := c.pending[phoneNumber]
	c.pending[phoneNumber] = req
	c.mu.Unlock()
	if prior != nil {
		prior.result <- PairingResult{Err: ErrPairingTimeout}
		zap.L().Debug("pairing request superseded", zap.String("phone_number", phoneNumber))
	}
	return &PairingHandle{req: req}
}

// Complete resolves the pending request with the issued code. Returns false
// when no request is pending, e.g. it already expired.
func (c *PairingCoordinator) Complete(phoneNumber, code string) bool {
	return c.finish(phoneNumber, PairingResult{Code: code})
}

// Fail rejects the pending request.
func (c *PairingCoordinator) Fail(phoneNumber string, err error) bool {
	return c.finish(phoneNumber, PairingResult{Err: err})
}

// Cancel drops the pending request without delivering a result to anyone
// still waiting beyond a timeout error.
func (c *PairingCoordinator) Cancel(phoneNumber string) {
	c.finish(phoneNumber, PairingResult{Err: ErrPairingTimeout})
}

// HasPending reports whether a request is currently waiting for the number.
func (c *PairingCoordinator) HasPending(phoneNumber string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[phoneNumber]
	return ok
}

func (c *PairingCoordinator) finish(phoneNumber string, res PairingResult) bool {
	c.mu.Lock()
	req, ok := c.pending[phoneNumber]
	if ok {
		delete(c.pending, phoneNumber)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	req.result <- res
	return true
}

// SweepExpired fails every request whose deadline is past. Exposed with an
// explicit clock input so expiry is testable without waiting.
func (c *PairingCoordinator) SweepExpired(now time.Time) int {
	c.mu.Lock()
	var expired []*pairingRequest
	for phone, req := range c.pending {
		if now.After(req.expiresAt) {
			expired = append(expired, req)
			delete(c.pending, phone)
		}
	}
	c.mu.Unlock()
	for _, req := range expired {
		req.result <- PairingResult{Err: ErrPairingTimeout}
		zap.L().Debug("pairing request expired", zap.String("phone_number", req.phoneNumber))
	}
	return len(expired)
}

// Close stops the sweep loop and fails all pending requests.
func (c *PairingCoordinator) Close() {
	c.once.Do(func() { close(c.done) })
	c.mu.Lock()
	reqs := make([]*pairingRequest, 0, len(c.pending))
	for phone, req := range c.pending {
		reqs = append(reqs, req)
		delete(c.pending, phone)
	}
	c.mu.Unlock()
	for _, req := range reqs {
		req.result <- PairingResult{Err: ErrPairingTimeout}
	}
}
