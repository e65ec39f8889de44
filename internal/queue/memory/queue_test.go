package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/leaderboard-crawler/internal/leaderboard"
	"github.com/JakeFAU/leaderboard-crawler/internal/refresh"
)

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	result := make(chan refresh.Request, 1)
	go func() {
		req, err := q.Dequeue(context.Background())
		if err == nil {
			result <- req
		}
	}()

	want := refresh.Request{ID: "req-1", Scope: leaderboard.NewScope("eu", "eu011")}
	require.NoError(t, q.Enqueue(context.Background(), want))
	select {
	case got := <-result:
		require.Equal(t, want, got)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return request")
	}
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Dequeue(ctx)
	require.EqualError(t, err, "dequeue canceled: context canceled")

	require.NoError(t, q.Enqueue(context.Background(), refresh.Request{ID: "primed"}))
	require.EqualError(t, q.Enqueue(ctx, refresh.Request{}), "enqueue canceled: context canceled")
	require.ErrorIs(t, q.TryEnqueue(refresh.Request{}), ErrQueueFull)
	require.Equal(t, 1, q.Len())
}

func TestQueueClose(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	q.Close()
	_, err := q.Dequeue(context.Background())
	require.EqualError(t, err, "queue closed")
	require.Error(t, q.Enqueue(context.Background(), refresh.Request{}))
	require.Error(t, q.TryEnqueue(refresh.Request{}))
	q.Close()
}
