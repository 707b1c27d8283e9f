package coordination_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/coordination"
)

func TestBarrierAwaitAfterEmit(t *testing.T) {
	b := coordination.NewBarrier()

	b.Emit("admin-bounds:data", []string{"Area A", "Area B"})

	values, err := b.Await(t.Context(), "admin-bounds:data")
	require.NoError(t, err)
	assert.Equal(t, []string{"Area A", "Area B"}, values["admin-bounds:data"])
}

func TestBarrierEmitAfterAwait(t *testing.T) {
	b := coordination.NewBarrier()

	done := make(chan map[string]any, 1)

	go func() {
		values, err := b.Await(t.Context(), "road-network:active-editing")
		assert.NoError(t, err)
		done <- values
	}()

	// Give the waiter time to register.
	time.Sleep(10 * time.Millisecond)
	b.Emit("road-network:active-editing", true)

	select {
	case values := <-done:
		assert.Equal(t, true, values["road-network:active-editing"])
	case <-time.After(time.Second):
		t.Fatal("waiter never released")
	}
}

func TestBarrierAwaitMultiple(t *testing.T) {
	b := coordination.NewBarrier()

	b.Emit("admin-bounds:data", "areas")

	done := make(chan map[string]any, 1)

	go func() {
		values, err := b.Await(t.Context(), "admin-bounds:data", "road-network:active-editing")
		assert.NoError(t, err)
		done <- values
	}()

	time.Sleep(10 * time.Millisecond)
	b.Emit("road-network:active-editing", false)

	select {
	case values := <-done:
		assert.Equal(t, "areas", values["admin-bounds:data"])
		assert.Equal(t, false, values["road-network:active-editing"])
	case <-time.After(time.Second):
		t.Fatal("waiter never released")
	}
}

func TestBarrierMultipleWaiters(t *testing.T) {
	b := coordination.NewBarrier()

	const waiters = 5

	var wg sync.WaitGroup

	for range waiters {
		wg.Add(1)

		go func() {
			defer wg.Done()

			value, err := b.AwaitOne(t.Context(), "admin-bounds:data")
			assert.NoError(t, err)
			assert.Equal(t, "areas", value)
		}()
	}

	time.Sleep(10 * time.Millisecond)
	b.Emit("admin-bounds:data", "areas")
	wg.Wait()
}

func TestBarrierFirstEmitWins(t *testing.T) {
	b := coordination.NewBarrier()

	b.Emit("admin-bounds:data", "first")
	b.Emit("admin-bounds:data", "second")

	value, err := b.AwaitOne(t.Context(), "admin-bounds:data")
	require.NoError(t, err)
	assert.Equal(t, "first", value)
	assert.True(t, b.Fired("admin-bounds:data"))
}

func TestBarrierAwaitCancelled(t *testing.T) {
	b := coordination.NewBarrier()

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()

	_, err := b.Await(ctx, "never-fired")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
