// Package storetest holds the contract suites every store backend must pass.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"coderunner/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 5 * time.Second

// RunJobStoreTests exercises the JobStore contract against stores built by newStore.
func RunJobStoreTests(t *testing.T, newStore func(t *testing.T) store.JobStore) {
	ctx := context.Background()

	t.Run("CreateAndGet", func(t *testing.T) {
		s := newStore(t)
		spec := store.DefaultJobSpec()
		spec.Args = []string{"--flag"}
		paths := store.PathsFor("/data", "job-1")

		created, err := s.Create(ctx, "job-1", spec, paths)
		require.NoError(t, err)
		assert.Equal(t, store.StatusQueued, created.Status)
		assert.False(t, created.CreatedAt.IsZero())
		assert.Nil(t, created.StartedAt)
		assert.Nil(t, created.FinishedAt)
		assert.Nil(t, created.ExitCode)
		assert.Nil(t, created.Error)
		assert.Empty(t, created.Artifacts)

		got, err := s.Get(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, "job-1", got.ID)
		assert.Equal(t, spec.Args, got.Spec.Args)
		assert.Equal(t, paths, got.Paths)
		assert.Equal(t, store.StatusQueued, got.Status)
	})

	t.Run("CreateDuplicate", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Create(ctx, "dup", store.DefaultJobSpec(), store.JobPaths{})
		require.NoError(t, err)

		_, err = s.Create(ctx, "dup", store.DefaultJobSpec(), store.JobPaths{})
		assert.ErrorIs(t, err, store.ErrAlreadyExists)
	})

	t.Run("NotFound", func(t *testing.T) {
		s := newStore(t)

		_, err := s.Get(ctx, "missing")
		assert.ErrorIs(t, err, store.ErrNotFound)

		_, err = s.MarkRunning(ctx, "missing")
		assert.ErrorIs(t, err, store.ErrNotFound)

		_, err = s.MarkFinished(ctx, "missing", store.Outcome{Status: store.StatusFailed})
		assert.ErrorIs(t, err, store.ErrNotFound)

		assert.ErrorIs(t, s.UpdateArtifacts(ctx, "missing", nil), store.ErrNotFound)
	})

	t.Run("Lifecycle", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Create(ctx, "life", store.DefaultJobSpec(), store.JobPaths{})
		require.NoError(t, err)

		running, err := s.MarkRunning(ctx, "life")
		require.NoError(t, err)
		assert.Equal(t, store.StatusRunning, running.Status)
		require.NotNil(t, running.StartedAt)
		assert.False(t, running.StartedAt.Before(running.CreatedAt))

		done, err := s.MarkFinished(ctx, "life", store.Outcome{
			Status:    store.StatusSucceeded,
			ExitCode:  store.IntPtr(0),
			Artifacts: []string{"a.txt", "b.txt"},
		})
		require.NoError(t, err)
		assert.Equal(t, store.StatusSucceeded, done.Status)
		require.NotNil(t, done.FinishedAt)
		assert.False(t, done.FinishedAt.Before(*done.StartedAt))
		require.NotNil(t, done.ExitCode)
		assert.Equal(t, 0, *done.ExitCode)
		assert.Nil(t, done.Error)
		assert.Equal(t, []string{"a.txt", "b.txt"}, done.Artifacts)

		got, err := s.Get(ctx, "life")
		require.NoError(t, err)
		assert.Equal(t, store.StatusSucceeded, got.Status)
		assert.Equal(t, []string{"a.txt", "b.txt"}, got.Artifacts)
	})

	t.Run("FinishedWithoutArtifactsKeepsList", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Create(ctx, "keep", store.DefaultJobSpec(), store.JobPaths{})
		require.NoError(t, err)
		require.NoError(t, s.UpdateArtifacts(ctx, "keep", []string{"x.bin"}))

		done, err := s.MarkFinished(ctx, "keep", store.Outcome{
			Status:   store.StatusFailed,
			ExitCode: store.IntPtr(2),
			Error:    store.StringPtr("non-zero exit"),
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"x.bin"}, done.Artifacts)
		require.NotNil(t, done.Error)
		assert.Equal(t, "non-zero exit", *done.Error)
	})

	t.Run("TerminalIsFinal", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Create(ctx, "final", store.DefaultJobSpec(), store.JobPaths{})
		require.NoError(t, err)
		_, err = s.MarkFinished(ctx, "final", store.Outcome{Status: store.StatusCanceled, Error: store.StringPtr("canceled")})
		require.NoError(t, err)

		_, err = s.MarkRunning(ctx, "final")
		assert.ErrorIs(t, err, store.ErrTerminal)

		_, err = s.MarkFinished(ctx, "final", store.Outcome{Status: store.StatusSucceeded})
		assert.ErrorIs(t, err, store.ErrTerminal)

		assert.ErrorIs(t, s.UpdateArtifacts(ctx, "final", []string{"late"}), store.ErrTerminal)

		got, err := s.Get(ctx, "final")
		require.NoError(t, err)
		assert.Equal(t, store.StatusCanceled, got.Status)
	})

	t.Run("FinishedRequiresTerminalStatus", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Create(ctx, "nonterm", store.DefaultJobSpec(), store.JobPaths{})
		require.NoError(t, err)

		_, err = s.MarkFinished(ctx, "nonterm", store.Outcome{Status: store.StatusRunning})
		assert.ErrorIs(t, err, store.ErrInvalidStatus)
	})

	t.Run("ReturnedRecordsAreCopies", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Create(ctx, "copy", store.DefaultJobSpec(), store.JobPaths{})
		require.NoError(t, err)

		got, err := s.Get(ctx, "copy")
		require.NoError(t, err)
		got.Status = store.StatusFailed
		got.Spec.Env["X"] = "y"

		again, err := s.Get(ctx, "copy")
		require.NoError(t, err)
		assert.Equal(t, store.StatusQueued, again.Status)
		assert.NotContains(t, again.Spec.Env, "X")
	})
}

// RunLogStoreTests exercises the LogStore contract against stores built by newStore.
func RunLogStoreTests(t *testing.T, newStore func(t *testing.T) store.LogStore) {
	ctx := context.Background()

	t.Run("TailPreservesOrder", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Register(ctx, "tail"))

		lines, err := s.Tail(ctx, "tail")
		require.NoError(t, err)
		assert.Empty(t, lines)

		for i := range 5 {
			require.NoError(t, s.Append(ctx, "tail", fmt.Sprintf("line %d\n", i)))
		}
		lines, err = s.Tail(ctx, "tail")
		require.NoError(t, err)
		assert.Equal(t, []string{"line 0\n", "line 1\n", "line 2\n", "line 3\n", "line 4\n"}, lines)
	})

	t.Run("StreamCompletedLog", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Register(ctx, "done"))
		require.NoError(t, s.Append(ctx, "done", "a\n"))
		require.NoError(t, s.Append(ctx, "done", "b\n"))
		require.NoError(t, s.MarkComplete(ctx, "done"))

		lines, err := Collect(ctx, s, "done", 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"a\n", "b\n"}, lines)

		lines, err = Collect(ctx, s, "done", 1)
		require.NoError(t, err)
		assert.Equal(t, []string{"b\n"}, lines)

		lines, err = Collect(ctx, s, "done", 10)
		require.NoError(t, err)
		assert.Empty(t, lines)
	})

	t.Run("StreamLive", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Register(ctx, "live"))
		require.NoError(t, s.Append(ctx, "live", "backlog\n"))

		ctx, cancel := context.WithTimeout(ctx, waitTimeout)
		defer cancel()

		got := make(chan []string, 1)
		go func() {
			lines, _ := Collect(ctx, s, "live", 0)
			got <- lines
		}()

		want := []string{"backlog\n"}
		for i := range 20 {
			line := fmt.Sprintf("live %d\n", i)
			want = append(want, line)
			require.NoError(t, s.Append(ctx, "live", line))
		}
		require.NoError(t, s.MarkComplete(ctx, "live"))

		select {
		case lines := <-got:
			assert.Equal(t, want, lines)
		case <-ctx.Done():
			t.Fatal("stream did not terminate after MarkComplete")
		}
	})

	t.Run("ConcurrentSubscribersSeeSameSequence", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Register(ctx, "fan"))

		ctx, cancel := context.WithTimeout(ctx, waitTimeout)
		defer cancel()

		const readers = 4
		results := make([][]string, readers)
		var wg sync.WaitGroup
		for r := range readers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				results[r], _ = Collect(ctx, s, "fan", 0)
			}()
		}

		var want []string
		for i := range 50 {
			line := fmt.Sprintf("%03d\n", i)
			want = append(want, line)
			require.NoError(t, s.Append(ctx, "fan", line))
		}
		require.NoError(t, s.MarkComplete(ctx, "fan"))
		wg.Wait()

		for r := range readers {
			assert.Equal(t, want, results[r], "reader %d", r)
		}
	})

	t.Run("StreamStopsOnContextCancel", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Register(ctx, "open"))
		require.NoError(t, s.Append(ctx, "open", "only\n"))

		ctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		defer cancel()

		lines, err := Collect(ctx, s, "open", 0)
		assert.Equal(t, []string{"only\n"}, lines)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("BreakReleasesSubscriber", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Register(ctx, "brk"))
		require.NoError(t, s.Append(ctx, "brk", "1\n"))
		require.NoError(t, s.Append(ctx, "brk", "2\n"))

		var first string
		for line, err := range s.Stream(ctx, "brk", 0) {
			require.NoError(t, err)
			first = line
			break
		}
		assert.Equal(t, "1\n", first)
	})

	t.Run("RegisterResets", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Register(ctx, "reuse"))
		require.NoError(t, s.Append(ctx, "reuse", "stale\n"))
		require.NoError(t, s.MarkComplete(ctx, "reuse"))

		require.NoError(t, s.Register(ctx, "reuse"))
		lines, err := s.Tail(ctx, "reuse")
		require.NoError(t, err)
		assert.Empty(t, lines)

		require.NoError(t, s.Append(ctx, "reuse", "fresh\n"))
		require.NoError(t, s.MarkComplete(ctx, "reuse"))

		lines, err = Collect(ctx, s, "reuse", 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"fresh\n"}, lines)
	})
}

// RunQueueTests exercises the Queue contract against queues built by newQueue.
func RunQueueTests(t *testing.T, newQueue func(t *testing.T) store.Queue) {
	ctx := context.Background()

	t.Run("FIFO", func(t *testing.T) {
		q := newQueue(t)
		for _, id := range []string{"a", "b", "c"} {
			require.NoError(t, q.Enqueue(ctx, id))
		}
		n, err := q.Len(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)

		for _, want := range []string{"a", "b", "c"} {
			ctx, cancel := context.WithTimeout(ctx, waitTimeout)
			got, err := q.Dequeue(ctx)
			cancel()
			require.NoError(t, err)
			assert.Equal(t, want, got)
		}
	})

	t.Run("DequeueHonorsContext", func(t *testing.T) {
		q := newQueue(t)
		ctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer cancel()

		_, err := q.Dequeue(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("EachIDDeliveredOnce", func(t *testing.T) {
		q := newQueue(t)
		const n = 30
		for i := range n {
			require.NoError(t, q.Enqueue(ctx, fmt.Sprintf("id-%d", i)))
		}

		ctx, cancel := context.WithTimeout(ctx, waitTimeout)
		defer cancel()

		var mu sync.Mutex
		seen := map[string]int{}
		var wg sync.WaitGroup
		for range 3 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					mu.Lock()
					total := 0
					for _, c := range seen {
						total += c
					}
					mu.Unlock()
					if total >= n {
						return
					}
					dctx, dcancel := context.WithTimeout(ctx, 200*time.Millisecond)
					id, err := q.Dequeue(dctx)
					dcancel()
					if err != nil {
						if ctx.Err() != nil {
							return
						}
						continue
					}
					mu.Lock()
					seen[id]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Len(t, seen, n)
		for id, c := range seen {
			assert.Equal(t, 1, c, "id %s delivered %d times", id, c)
		}
	})
}

// Collect drains a Stream into a slice, stopping at the first error.
func Collect(ctx context.Context, s store.LogStore, id string, startAt int) ([]string, error) {
	var lines []string
	for line, err := range s.Stream(ctx, id, startAt) {
		if err != nil {
			return lines, err
		}
		lines = append(lines, line)
	}
	return lines, nil
}
