package synapse

import (
	"fmt"
	"sync"
	"time"
)

// Escalation controls how a connection reacts to repeated security
// failures from its peer: forged signatures, replays and unknown keys.
//
// After Threshold consecutive failures, mutating frames are refused for
// Base, doubling on every further failure up to Max. A successful
// verification resets the count. The connection itself stays open.
type Escalation struct {
	Threshold int
	Base      time.Duration
	Max       time.Duration
}

func DefaultEscalation() Escalation {
	return Escalation{
		Threshold: 5,
		Base:      1 * time.Second,
		Max:       1 * time.Minute,
	}
}

type failureGuard struct {
	lk       sync.Mutex
	cfg      Escalation
	failures int
	until    time.Time
	now      func() time.Time
}

func newFailureGuard(cfg Escalation, now func() time.Time) *failureGuard {
	if now == nil {
		now = time.Now
	}
	return &failureGuard{cfg: cfg, now: now}
}

// check fails while the peer is penalized.
func (g *failureGuard) check() error {
	g.lk.Lock()
	defer g.lk.Unlock()
	if now := g.now(); now.Before(g.until) {
		return fmt.Errorf("%w: for another %s", ErrPeerPenalized, g.until.Sub(now).Round(time.Millisecond))
	}
	return nil
}

// record accounts for the outcome of a verification. It returns the
// penalty started by this failure, if any.
func (g *failureGuard) record(err error) time.Duration {
	g.lk.Lock()
	defer g.lk.Unlock()

	if err == nil {
		g.failures = 0
		return 0
	}
	if g.cfg.Threshold <= 0 || !securityFailure(err) {
		return 0
	}

	g.failures++
	if g.failures < g.cfg.Threshold {
		return 0
	}

	penalty := g.cfg.Base
	for range g.failures - g.cfg.Threshold {
		penalty *= 2
		if g.cfg.Max > 0 && penalty >= g.cfg.Max {
			break
		}
	}
	if g.cfg.Max > 0 && penalty > g.cfg.Max {
		penalty = g.cfg.Max
	}

	g.until = g.now().Add(penalty)
	return penalty
}
