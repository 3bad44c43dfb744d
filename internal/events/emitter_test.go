package events

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/scry-queue/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	t.Run("publish with no subscribers", func(t *testing.T) {
		bus := NewBus(logger)
		assert.NotPanics(t, func() {
			bus.Publish(ctx, NewStatusChanged(uuid.New(), "t", domain.TaskStatusRunning, 0, time.Now()))
		})
	})

	t.Run("every subscriber receives the event", func(t *testing.T) {
		bus := NewBus(logger)
		a := bus.Subscribe(1)
		b := bus.Subscribe(1)
		defer a.Close()
		defer b.Close()

		ev := NewStatusChanged(uuid.New(), "t", domain.TaskStatusCompleted, 100, time.Now())
		bus.Publish(ctx, ev)

		assert.Equal(t, ev, <-a.Events())
		assert.Equal(t, ev, <-b.Events())
	})

	t.Run("full subscriber does not block publisher", func(t *testing.T) {
		bus := NewBus(logger)
		sub := bus.Subscribe(1)
		defer sub.Close()

		done := make(chan struct{})
		go func() {
			for i := 0; i < 5; i++ {
				bus.Publish(ctx, NewStatusChanged(uuid.New(), "t", domain.TaskStatusRunning, i, time.Now()))
			}
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("publish blocked on a full subscriber")
		}
		assert.Equal(t, int64(4), sub.Dropped())
	})

	t.Run("closed subscription stops receiving", func(t *testing.T) {
		bus := NewBus(logger)
		sub := bus.Subscribe(1)
		sub.Close()
		sub.Close()

		bus.Publish(ctx, NewStatusChanged(uuid.New(), "t", domain.TaskStatusRunning, 0, time.Now()))
		_, open := <-sub.Events()
		assert.False(t, open)
	})

	t.Run("concurrent publish and close", func(t *testing.T) {
		bus := NewBus(logger)
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			sub := bus.Subscribe(2)
			wg.Add(2)
			go func() {
				defer wg.Done()
				bus.Publish(ctx, NewStatusChanged(uuid.New(), "t", domain.TaskStatusRunning, 0, time.Now()))
			}()
			go func() {
				defer wg.Done()
				sub.Close()
			}()
		}
		wg.Wait()
		require.Empty(t, bus.subs)
	})
}
