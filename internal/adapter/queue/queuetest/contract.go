// Package queuetest holds the behaviour every port.QueueStore adapter must
// show. Adapter packages run it from their own tests.
package queuetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mitt-app/mitt-worker/internal/port"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// Factory returns a fresh, empty store. The store is closed by the suite.
type Factory func(t *testing.T) port.QueueStore

// Run executes the contract. idle is the smallest wait the adapter honours.
func Run(t *testing.T, newStore Factory, idle time.Duration) {
	t.Run("ping", func(t *testing.T) {
		s := open(t, newStore)
		assert.NoError(t, s.Ping(context.Background()))
	})

	t.Run("move is FIFO", func(t *testing.T) {
		s := open(t, newStore)
		ctx := context.Background()

		for _, item := range []string{"a", "b", "c"} {
			require.NoError(t, s.Push(ctx, "wait", []byte(item)))
		}

		for _, want := range []string{"a", "b", "c"} {
			got, err := s.Move(ctx, "wait", "active", idle)
			require.NoError(t, err)
			assert.Equal(t, want, string(got))
		}

		active, err := s.Range(ctx, "active")
		require.NoError(t, err)
		assert.Len(t, active, 3)
		waiting, err := s.Range(ctx, "wait")
		require.NoError(t, err)
		assert.Empty(t, waiting)
	})

	t.Run("move times out on empty list", func(t *testing.T) {
		s := open(t, newStore)

		start := time.Now()
		got, err := s.Move(context.Background(), "wait", "active", idle)
		elapsed := time.Since(start)

		assert.NoError(t, err)
		assert.Nil(t, got)
		assert.GreaterOrEqual(t, elapsed, idle-idle/10)
		assert.Less(t, elapsed, idle+2*time.Second)
	})

	t.Run("move wakes up for late push", func(t *testing.T) {
		s := open(t, newStore)
		ctx := context.Background()

		go func() {
			time.Sleep(idle / 4)
			_ = s.Push(ctx, "wait", []byte("late"))
		}()

		got, err := s.Move(ctx, "wait", "active", 4*idle)
		require.NoError(t, err)
		assert.Equal(t, "late", string(got))
	})

	t.Run("no duplicate acquisition under concurrency", func(t *testing.T) {
		s := open(t, newStore)
		ctx := context.Background()
		const jobs, consumers = 40, 8

		for i := 0; i < jobs; i++ {
			require.NoError(t, s.Push(ctx, "wait", []byte(fmt.Sprintf("job-%d", i))))
		}

		var mu sync.Mutex
		seen := make(map[string]int)
		var g errgroup.Group
		for c := 0; c < consumers; c++ {
			g.Go(func() error {
				for {
					item, err := s.Move(ctx, "wait", "active", idle)
					if err != nil {
						return err
					}
					if item == nil {
						return nil
					}
					mu.Lock()
					seen[string(item)]++
					mu.Unlock()
				}
			})
		}
		require.NoError(t, g.Wait())

		assert.Len(t, seen, jobs)
		for item, count := range seen {
			assert.Equal(t, 1, count, "item %s acquired %d times", item, count)
		}
	})

	t.Run("fields round trip", func(t *testing.T) {
		s := open(t, newStore)
		ctx := context.Background()

		require.NoError(t, s.SetFields(ctx, "job:1", map[string]string{"progress": "10"}))
		require.NoError(t, s.SetFields(ctx, "job:1", map[string]string{"progress": "20", "processedOn": "5"}))
		require.NoError(t, s.SetFields(ctx, "job:1", nil))

		fields, err := s.GetFields(ctx, "job:1")
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"progress": "20", "processedOn": "5"}, fields)

		missing, err := s.GetFields(ctx, "job:missing")
		require.NoError(t, err)
		assert.Empty(t, missing)
	})

	t.Run("remove", func(t *testing.T) {
		s := open(t, newStore)
		ctx := context.Background()

		require.NoError(t, s.Push(ctx, "active", []byte("x")))
		removed, err := s.Remove(ctx, "active", []byte("x"))
		require.NoError(t, err)
		assert.True(t, removed)

		removed, err = s.Remove(ctx, "active", []byte("x"))
		require.NoError(t, err)
		assert.False(t, removed)
	})

	t.Run("settle writes once and clears the list", func(t *testing.T) {
		s := open(t, newStore)
		ctx := context.Background()

		require.NoError(t, s.Push(ctx, "wait", []byte("item")))
		_, err := s.Move(ctx, "wait", "active", idle)
		require.NoError(t, err)

		written, err := s.Settle(ctx, port.Settlement{
			Key:        "job:1",
			Fields:     map[string]string{"returnvalue": "{}", "finishedOn": "1"},
			GuardField: "finishedOn",
			List:       "active",
			Item:       []byte("item"),
		})
		require.NoError(t, err)
		assert.True(t, written)

		active, err := s.Range(ctx, "active")
		require.NoError(t, err)
		assert.Empty(t, active)

		written, err = s.Settle(ctx, port.Settlement{
			Key:        "job:1",
			Fields:     map[string]string{"failedReason": "late duplicate", "finishedOn": "2"},
			GuardField: "finishedOn",
			List:       "active",
			Item:       []byte("item"),
		})
		require.NoError(t, err)
		assert.False(t, written)

		fields, err := s.GetFields(ctx, "job:1")
		require.NoError(t, err)
		assert.Equal(t, "1", fields["finishedOn"])
		assert.Equal(t, "{}", fields["returnvalue"])
		assert.NotContains(t, fields, "failedReason")
	})
}

func open(t *testing.T, newStore Factory) port.QueueStore {
	t.Helper()
	s := newStore(t)
	t.Cleanup(func() { _ = s.Close() })
	return s
}
