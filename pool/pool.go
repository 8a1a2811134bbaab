// Package pool manages a bounded set of expensive, stateful connections
// to a backing store. Handles are owned by at most one borrower at a time,
// waiters are served in FIFO order, and handles idle past a threshold are
// closed in the background and recreated on demand.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/chunkflow/chunkflow/models"
)

// Conn is the opaque resource a handle wraps. Creating one performs the
// underlying connection/handshake; Close releases it.
type Conn interface {
	Close() error
}

// Factory dials a new connection, up to MaxConnections live at once.
type Factory func(ctx context.Context) (Conn, error)

// Config controls pool sizing and eviction.
type Config struct {
	MaxConnections int           // bound on live handles, default 4
	AcquireTimeout time.Duration // default timeout for WithConn, default 5s
	IdleTimeout    time.Duration // idle handles older than this are evicted, default 60s
	SweepInterval  time.Duration // eviction cadence, default IdleTimeout/2
}

func (c Config) withDefaults() Config {
	if c.MaxConnections <= 0 {
		c.MaxConnections = 4
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 5 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = c.IdleTimeout / 2
	}
	return c
}

// Handle is a borrowed connection. The borrower must return it with
// Release (or Discard on a broken connection) before the pool considers
// it idle again.
type Handle struct {
	conn           Conn
	lastReleasedAt time.Time
}

// Conn returns the underlying connection.
func (h *Handle) Conn() Conn { return h.conn }

type handoff struct {
	h   *Handle
	err error
}

// Stats is a consistent snapshot of pool occupancy.
type Stats struct {
	InUse        int
	Idle         int
	TotalCreated int
	Waiting      int
}

// Pool hands out connections under mutual exclusion.
//
// Invariant: InUse + Idle == TotalCreated <= MaxConnections.
type Pool struct {
	cfg     Config
	factory Factory
	logger  zerolog.Logger

	mu      sync.Mutex
	idle    []*Handle
	waiters []chan handoff
	total   int // live handles, created minus closed
	inUse   int
	closed  bool

	stopSweep chan struct{}
	sweepDone chan struct{}
}

// New creates a pool. Connections are dialed lazily on first acquire.
func New(cfg Config, factory Factory) *Pool {
	p := &Pool{
		cfg:       cfg.withDefaults(),
		factory:   factory,
		logger:    log.With().Str("component", "pool").Logger(),
		stopSweep: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	go p.sweep()
	return p
}

// Acquire borrows a handle, waiting up to timeout for one to become idle.
// It fails with models.ErrPoolExhausted when the timeout elapses first and
// models.ErrPoolClosed after Close. Connection dial failures propagate to
// the caller.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (*Handle, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, models.ErrPoolClosed
	}

	if n := len(p.idle); n > 0 {
		h := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.inUse++
		p.mu.Unlock()
		return h, nil
	}

	if p.total < p.cfg.MaxConnections {
		// Reserve the slot before dialing so concurrent acquirers cannot
		// overshoot MaxConnections.
		p.total++
		p.inUse++
		p.mu.Unlock()

		conn, err := p.factory(ctx)
		if err != nil {
			p.mu.Lock()
			p.total--
			p.inUse--
			p.mu.Unlock()
			return nil, fmt.Errorf("dial pooled connection: %w", err)
		}
		p.logger.Debug().Msg("Created pooled connection")
		return &Handle{conn: conn}, nil
	}

	// No idle handle and no capacity: queue behind earlier waiters.
	w := make(chan handoff, 1)
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ho := <-w:
		if ho.h == nil && ho.err == nil {
			return nil, models.ErrPoolClosed
		}
		return ho.h, ho.err
	case <-timer.C:
		if ho, granted := p.abandonWait(w); granted {
			return ho.h, ho.err
		}
		return nil, fmt.Errorf("%w: no idle handle within %s", models.ErrPoolExhausted, timeout)
	case <-ctx.Done():
		if ho, granted := p.abandonWait(w); granted {
			return ho.h, ho.err
		}
		return nil, ctx.Err()
	}
}

// abandonWait removes w from the waiter list. When a handoff raced the
// timeout, the granted handle is returned instead so it is not leaked.
func (p *Pool) abandonWait(w chan handoff) (handoff, bool) {
	p.mu.Lock()
	for i, cand := range p.waiters {
		if cand == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			p.mu.Unlock()
			return handoff{}, false
		}
	}
	p.mu.Unlock()
	// Not in the list: a releaser already granted us the handle.
	ho := <-w
	if ho.h == nil && ho.err == nil {
		return handoff{err: models.ErrPoolClosed}, true
	}
	return ho, true
}

// Release returns a handle to the idle set. If waiters are queued, the
// head waiter is granted the handle directly.
func (p *Pool) Release(h *Handle) {
	p.mu.Lock()
	p.inUse--

	if p.closed {
		p.total--
		p.mu.Unlock()
		h.conn.Close()
		return
	}

	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.inUse++
		p.mu.Unlock()
		w <- handoff{h: h}
		return
	}

	h.lastReleasedAt = time.Now()
	p.idle = append(p.idle, h)
	p.mu.Unlock()
}

// Discard closes a broken connection instead of returning it, freeing
// capacity for the next acquire to dial fresh.
func (p *Pool) Discard(h *Handle) {
	p.mu.Lock()
	p.inUse--
	p.total--

	// Freed capacity may unblock the head waiter with a fresh dial.
	var w chan handoff
	if !p.closed && len(p.waiters) > 0 {
		w = p.waiters[0]
		p.waiters = p.waiters[1:]
		p.total++
		p.inUse++
	}
	p.mu.Unlock()

	h.conn.Close()

	if w != nil {
		go func() {
			conn, err := p.factory(context.Background())
			if err != nil {
				p.mu.Lock()
				p.total--
				p.inUse--
				p.mu.Unlock()
				w <- handoff{err: fmt.Errorf("dial pooled connection: %w", err)}
				return
			}
			w <- handoff{h: &Handle{conn: conn}}
		}()
	}
}

// WithConn is scoped acquisition: it acquires with the configured default
// timeout, invokes fn, and releases on every exit path.
func (p *Pool) WithConn(ctx context.Context, fn func(Conn) error) error {
	h, err := p.Acquire(ctx, p.cfg.AcquireTimeout)
	if err != nil {
		return err
	}
	defer p.Release(h)
	return fn(h.conn)
}

// Stats returns current occupancy counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		InUse:        p.inUse,
		Idle:         len(p.idle),
		TotalCreated: p.total,
		Waiting:      len(p.waiters),
	}
}

// Close rejects all pending and future acquisitions and closes idle
// handles. In-use handles are closed as they are released.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.total -= len(idle)
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	close(p.stopSweep)
	<-p.sweepDone

	for _, w := range waiters {
		close(w)
	}
	for _, h := range idle {
		h.conn.Close()
	}
	p.logger.Debug().Int("closed_idle", len(idle)).Msg("Pool closed")
}

// sweep evicts handles idle longer than IdleTimeout.
func (p *Pool) sweep() {
	defer close(p.sweepDone)
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopSweep:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-p.cfg.IdleTimeout)

			p.mu.Lock()
			var keep, evict []*Handle
			for _, h := range p.idle {
				if h.lastReleasedAt.Before(cutoff) {
					evict = append(evict, h)
				} else {
					keep = append(keep, h)
				}
			}
			p.idle = keep
			p.total -= len(evict)
			p.mu.Unlock()

			for _, h := range evict {
				h.conn.Close()
			}
			if len(evict) > 0 {
				p.logger.Debug().Int("evicted", len(evict)).Msg("Evicted idle connections")
			}
		}
	}
}
