package models

import (
	"sync"
	"time"
)

// Control is the pause/cancel token threaded down from the queue into
// handlers and the progressive processor. Cancellation is cooperative:
// the running work observes the token at batch/chunk boundaries and
// stops on its own. Pause/Resume/Cancel are idempotent and safe for
// concurrent use.
type Control struct {
	mu        sync.Mutex
	paused    bool
	cancelled bool
	done      chan struct{}
}

// NewControl returns a token in the running (not paused, not cancelled) state.
func NewControl() *Control {
	return &Control{done: make(chan struct{})}
}

// Pause asks the work to hold at its next checkpoint.
func (c *Control) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
}

// Resume lets paused work continue.
func (c *Control) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
}

// Cancel asks the work to stop at its next checkpoint. A cancelled token
// never un-cancels.
func (c *Control) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.cancelled {
		c.cancelled = true
		close(c.done)
	}
}

// IsPaused reports whether a pause is requested.
func (c *Control) IsPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// IsCancelled reports whether cancellation is requested.
func (c *Control) IsCancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

// Done is closed when the token is cancelled, for select-based waits.
func (c *Control) Done() <-chan struct{} {
	return c.done
}

// Checkpoint is the per-batch gate: it blocks while paused, polling at
// pollInterval, and returns ErrProcessingCancelled once cancelled. Work
// must call it at chunk/batch boundaries, never mid-item.
func (c *Control) Checkpoint(pollInterval time.Duration) error {
	for {
		c.mu.Lock()
		cancelled, paused := c.cancelled, c.paused
		c.mu.Unlock()
		if cancelled {
			return ErrProcessingCancelled
		}
		if !paused {
			return nil
		}
		select {
		case <-c.done:
			return ErrProcessingCancelled
		case <-time.After(pollInterval):
		}
	}
}
