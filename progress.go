package resolver

import (
	"context"
	"math"
	"sync"
)

// ProgressEvent reports resolve progress. The event with Done set and an
// empty File is sent exactly once, last.
type ProgressEvent struct {
	// Percent is round(Loaded/Total*100) clamped to [0,100], or 0 when
	// Total is 0.
	Percent int `json:"percent"`

	// Loaded is the cumulative byte count accounted for so far.
	Loaded int64 `json:"loaded"`

	// Total is the declared size of the whole selection.
	Total int64 `json:"total"`

	// File is the virtual path the event refers to.
	File string `json:"file"`

	// Done marks the terminal event.
	Done bool `json:"done"`
}

// ProgressObserver receives progress events.
type ProgressObserver interface {
	OnProgress(ProgressEvent)
}

// ProgressFunc adapts a function to ProgressObserver.
type ProgressFunc func(ProgressEvent)

// OnProgress calls f(ev).
func (f ProgressFunc) OnProgress(ev ProgressEvent) { f(ev) }

// ProgressChannel adapts a channel to ProgressObserver. A send waits for
// the consumer until Done is closed or the resolve's context ends, after
// which events are dropped.
type ProgressChannel struct {
	// C receives events in order.
	C chan<- ProgressEvent

	// Done is closed by a consumer that stops reading. May be nil.
	Done <-chan struct{}
}

// OnProgress sends ev on C unless Done is closed.
func (c ProgressChannel) OnProgress(ev ProgressEvent) {
	c.onProgressContext(context.Background(), ev)
}

func (c ProgressChannel) onProgressContext(ctx context.Context, ev ProgressEvent) {
	select {
	case c.C <- ev:
	case <-c.Done:
	case <-ctx.Done():
	}
}

// contextObserver is implemented by observers whose delivery can block and
// should give up when the resolve is canceled.
type contextObserver interface {
	onProgressContext(ctx context.Context, ev ProgressEvent)
}

// percentOf computes the reported percentage without dividing by zero.
func percentOf(loaded, total int64) int {
	if total <= 0 {
		return 0
	}
	pct := int(math.Round(float64(loaded) / float64(total) * 100))
	if pct > 100 {
		pct = 100
	}
	if pct < 0 {
		pct = 0
	}
	return pct
}

// progressTracker accumulates loaded bytes and emits events. Emission is
// serialized so Loaded and Percent never decrease, whatever order worker
// completions arrive in.
type progressTracker struct {
	ctx      context.Context
	mu       sync.Mutex
	observer ProgressObserver
	loaded   int64
	total    int64
}

func newProgressTracker(ctx context.Context, total int64, observer ProgressObserver) *progressTracker {
	return &progressTracker{ctx: ctx, total: total, observer: observer}
}

func (t *progressTracker) emit(ev ProgressEvent) {
	if co, ok := t.observer.(contextObserver); ok {
		co.onProgressContext(t.ctx, ev)
		return
	}
	t.observer.OnProgress(ev)
}

// add accounts n bytes against file and emits an event.
func (t *progressTracker) add(file string, n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.loaded += n
	if t.observer == nil {
		return
	}
	t.emit(ProgressEvent{
		Percent: percentOf(t.loaded, t.total),
		Loaded:  t.loaded,
		Total:   t.total,
		File:    file,
	})
}

// finish emits the terminal event.
func (t *progressTracker) finish() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.observer == nil {
		return
	}
	t.emit(ProgressEvent{
		Percent: 100,
		Loaded:  t.total,
		Total:   t.total,
		Done:    true,
	})
}
