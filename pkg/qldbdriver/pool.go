package qldbdriver

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// sessionPool bounds concurrent in-flight transactions to maxConcurrent
// permits and reuses sessions across calls, per spec §3/§4.9. The permit
// semaphore is golang.org/x/sync/semaphore.Weighted, and the deadline
// arithmetic in acquire is grounded on JeelKantaria-db-bouncer's
// TenantPool.Acquire: the caller's context deadline and the pool's own
// default acquire timeout are reconciled by taking whichever is sooner.
type sessionPool struct {
	sem            *semaphore.Weighted
	acquireTimeout time.Duration
	newSession     func(ctx context.Context) (*session, error)

	mu     sync.Mutex
	free   []*session
	closed bool

	acquired  int64
	released  int64
	highWater int64
}

func newSessionPool(maxConcurrent int64, acquireTimeout time.Duration, newSession func(ctx context.Context) (*session, error)) *sessionPool {
	return &sessionPool{
		sem:            semaphore.NewWeighted(maxConcurrent),
		acquireTimeout: acquireTimeout,
		newSession:     newSession,
	}
}

// acquire blocks for a free permit (bounded by p.acquireTimeout, or the
// caller's own earlier deadline if it has one), then returns either a
// pooled idle session or a freshly opened one. On any failure after the
// permit is taken, the permit is released before returning.
func (p *sessionPool) acquire(ctx context.Context) (*session, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrDriverClosed
	}
	p.mu.Unlock()

	acquireCtx := ctx
	if p.acquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, p.acquireTimeout)
		defer cancel()
	}

	if err := p.sem.Acquire(acquireCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, newDriverError(ErrKindInterruptedWaitingForSession, "", ctx.Err())
		}
		return nil, newDriverError(ErrKindNoSessionAvailable, "", ErrNoSessionAvailable)
	}

	p.mu.Lock()
	p.acquired++
	if inUse := p.acquired - p.released; inUse > p.highWater {
		p.highWater = inUse
	}
	if len(p.free) > 0 {
		s := p.free[len(p.free)-1]
		p.free = p.free[:len(p.free)-1]
		p.mu.Unlock()
		return s, nil
	}
	p.mu.Unlock()

	s, err := p.newSession(ctx)
	if err != nil {
		p.mu.Lock()
		p.released++
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, err
	}
	return s, nil
}

// release returns s to the pool's free list and hands back its permit, per
// the "no path may both return a session to the pool AND close it"
// invariant (spec §8 property 5) — callers must choose release XOR
// closeSession, never both, for the same session.
func (p *sessionPool) release(s *session) {
	p.mu.Lock()
	p.released++
	if p.closed {
		p.mu.Unlock()
		s.close(context.Background())
		p.sem.Release(1)
		return
	}
	p.free = append(p.free, s)
	p.mu.Unlock()
	p.sem.Release(1)
}

// closeSession discards s instead of returning it to the pool (a session
// that raised SessionExpired, TransportError, or Server5xx per spec §8
// property 6), and still returns its permit.
func (p *sessionPool) closeSession(s *session) {
	p.mu.Lock()
	p.released++
	p.mu.Unlock()
	s.close(context.Background())
	p.sem.Release(1)
}

// close drains the free list, closing every idle session. Sessions
// currently checked out are closed by whoever holds them as their own
// Execute call unwinds; close does not block waiting for them.
func (p *sessionPool) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	free := p.free
	p.free = nil
	p.mu.Unlock()

	for _, s := range free {
		s.close(context.Background())
	}
}

// Stats is a point-in-time snapshot of pool activity, exposed via
// Driver.Stats for the metrics/log hooks spec §7 mentions. InUse is the
// number of permits currently checked out; HighWater is the largest InUse
// has ever been over the pool's lifetime.
type Stats struct {
	Idle      int
	InUse     int64
	Acquired  int64
	Released  int64
	HighWater int64
}

func (p *sessionPool) stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Idle:      len(p.free),
		InUse:     p.acquired - p.released,
		Acquired:  p.acquired,
		Released:  p.released,
		HighWater: p.highWater,
	}
}
