package memory

import (
	"context"
	"os"
	"testing"

	"coderunner/internal/store"
	"coderunner/internal/store/storetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobStore(t *testing.T) {
	storetest.RunJobStoreTests(t, func(t *testing.T) store.JobStore {
		return NewJobStore()
	})
}

func TestLogStore(t *testing.T) {
	storetest.RunLogStoreTests(t, func(t *testing.T) store.LogStore {
		return NewLogStore()
	})
}

func TestLogStore_WithMirror(t *testing.T) {
	storetest.RunLogStoreTests(t, func(t *testing.T) store.LogStore {
		return NewLogStore(WithMirrorDir(t.TempDir()))
	})
}

func TestQueue(t *testing.T) {
	storetest.RunQueueTests(t, func(t *testing.T) store.Queue {
		return NewQueue(0)
	})
}

func TestLogStore_MirrorWritesLogFile(t *testing.T) {
	ctx := context.Background()
	dataDir := t.TempDir()
	s := NewLogStore(WithMirrorDir(dataDir))

	require.NoError(t, s.Register(ctx, "job"))
	require.NoError(t, s.Append(ctx, "job", "one\n"))
	require.NoError(t, s.Append(ctx, "job", "two\n"))
	require.NoError(t, s.MarkComplete(ctx, "job"))

	data, err := os.ReadFile(store.PathsFor(dataDir, "job").LogFile)
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\n", string(data))

	// Register truncates the mirror for a reused id.
	require.NoError(t, s.Register(ctx, "job"))
	data, err = os.ReadFile(store.PathsFor(dataDir, "job").LogFile)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestLogStore_StreamBeforeRegisterWaits(t *testing.T) {
	ctx := context.Background()
	s := NewLogStore()

	got := make(chan []string, 1)
	go func() {
		lines, _ := storetest.Collect(ctx, s, "early", 0)
		got <- lines
	}()

	require.NoError(t, s.Append(ctx, "early", "hello\n"))
	require.NoError(t, s.MarkComplete(ctx, "early"))

	assert.Equal(t, []string{"hello\n"}, <-got)
}

func TestQueue_EnqueueBlocksWhenFull(t *testing.T) {
	q := NewQueue(1)
	require.NoError(t, q.Enqueue(context.Background(), "a"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, q.Enqueue(ctx, "b"), context.Canceled)
}
