package voicesession

import (
	"context"
	"sync"

	"github.com/eleven-am/voice-client/internal/shared"
	"github.com/eleven-am/voice-client/internal/transport"
)

// phaseTracker holds the session phase and wakes waiters on every change.
// Changes are also queued so observers see them in the order they happened,
// whichever goroutine made them.
type phaseTracker struct {
	mu          sync.Mutex
	phase       transport.Phase
	final       bool
	changed     chan struct{}
	notes       []transport.Phase
	dispatching bool
}

func newPhaseTracker() *phaseTracker {
	return &phaseTracker{
		phase:   transport.PhaseDisconnected,
		changed: make(chan struct{}),
	}
}

func (t *phaseTracker) get() transport.Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phase
}

func (t *phaseTracker) set(p transport.Phase) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.final || t.phase == p {
		return false
	}
	t.phase = p
	t.broadcastLocked()
	return true
}

// advance only moves forward.
func (t *phaseTracker) advance(p transport.Phase) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.final || p <= t.phase {
		return false
	}
	t.phase = p
	t.broadcastLocked()
	return true
}

// finish resets to Disconnected and freezes the tracker.
func (t *phaseTracker) finish() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.final {
		return false
	}
	t.final = true
	changed := t.phase != transport.PhaseDisconnected
	t.phase = transport.PhaseDisconnected
	t.broadcastLocked()
	return changed
}

func (t *phaseTracker) broadcastLocked() {
	t.notes = append(t.notes, t.phase)
	close(t.changed)
	t.changed = make(chan struct{})
}

// dispatch delivers queued changes to fn. A call made while another goroutine
// is dispatching returns at once; the active dispatcher picks up its changes.
func (t *phaseTracker) dispatch(fn func(transport.Phase)) {
	t.mu.Lock()
	if t.dispatching {
		t.mu.Unlock()
		return
	}
	t.dispatching = true
	for len(t.notes) > 0 {
		p := t.notes[0]
		t.notes = t.notes[1:]
		t.mu.Unlock()
		fn(p)
		t.mu.Lock()
	}
	t.dispatching = false
	t.mu.Unlock()
}

// wait blocks until the phase reaches at least target.
func (t *phaseTracker) wait(ctx context.Context, target transport.Phase) error {
	return t.waitUntil(ctx, func(p transport.Phase) bool { return p >= target })
}

func (t *phaseTracker) waitUntil(ctx context.Context, cond func(transport.Phase) bool) error {
	for {
		t.mu.Lock()
		if cond(t.phase) {
			t.mu.Unlock()
			return nil
		}
		final := t.final
		changed := t.changed
		t.mu.Unlock()

		if final {
			return shared.ErrClosed
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
