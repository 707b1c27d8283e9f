// Package coordination implements a one-shot event rendezvous used by
// pipeline steps that must wait for data produced by a sibling step, like
// the POI import waiting on the road network becoming available.
package coordination

import (
	"context"
	"sync"
)

// Barrier lets producers announce named events carrying a value and lets
// consumers block until a set of events has fired. Events are buffered, so
// awaiting after the emit still succeeds, and each event fires at most
// once: repeated emits of the same name keep the first value.
type Barrier struct {
	mu      sync.Mutex
	values  map[string]any
	waiters map[*waiter]struct{}
}

type waiter struct {
	pending map[string]struct{}
	result  map[string]any
	done    chan struct{}
}

// NewBarrier creates an empty barrier. A barrier is scoped to one pipeline
// run; create a fresh one per run.
func NewBarrier() *Barrier {
	return &Barrier{
		values:  make(map[string]any),
		waiters: make(map[*waiter]struct{}),
	}
}

// Emit announces an event, releasing every waiter whose remaining set it
// completes. A second emit of the same name is a no-op.
func (b *Barrier) Emit(name string, value any) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, fired := b.values[name]; fired {
		return
	}

	b.values[name] = value

	for w := range b.waiters {
		if _, ok := w.pending[name]; !ok {
			continue
		}

		delete(w.pending, name)
		w.result[name] = value

		if len(w.pending) == 0 {
			delete(b.waiters, w)
			close(w.done)
		}
	}
}

// Fired reports whether an event has already been announced.
func (b *Barrier) Fired(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, ok := b.values[name]

	return ok
}

// Await blocks until every named event has fired and returns their values
// keyed by name. Events that fired before the call are consumed from the
// buffer immediately.
func (b *Barrier) Await(ctx context.Context, names ...string) (map[string]any, error) {
	w := &waiter{
		pending: make(map[string]struct{}, len(names)),
		result:  make(map[string]any, len(names)),
		done:    make(chan struct{}),
	}

	b.mu.Lock()

	for _, name := range names {
		if value, fired := b.values[name]; fired {
			w.result[name] = value

			continue
		}

		w.pending[name] = struct{}{}
	}

	if len(w.pending) == 0 {
		b.mu.Unlock()

		return w.result, nil
	}

	b.waiters[w] = struct{}{}
	b.mu.Unlock()

	select {
	case <-w.done:
		return w.result, nil
	case <-ctx.Done():
		b.mu.Lock()
		delete(b.waiters, w)
		b.mu.Unlock()

		return nil, ctx.Err()
	}
}

// AwaitOne waits for a single event and returns its value.
func (b *Barrier) AwaitOne(ctx context.Context, name string) (any, error) {
	values, err := b.Await(ctx, name)
	if err != nil {
		return nil, err
	}

	return values[name], nil
}
