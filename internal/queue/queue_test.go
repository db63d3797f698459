package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"dialhub/internal/kv"
)

func newTestQueue(t *testing.T) (*Queue, *kv.Coordinator) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	coord := kv.NewFromClient(client)
	return New(coord), coord
}

func TestEnqueueDequeueRoundTrip(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	in := NewJob("c1", "ct1", OriginNormal, 0)
	require.NoError(t, q.Enqueue(ctx, in))

	out, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, out)
	require.Equal(t, in.ID, out.ID)
	require.Equal(t, "c1", out.CampaignID)
	require.Equal(t, "ct1", out.ContactID)

	active, err := q.ActiveCount(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, active)

	require.NoError(t, q.Complete(ctx, out.ID))
	active, err = q.ActiveCount(ctx)
	require.NoError(t, err)
	require.Zero(t, active)

	exists, err := q.Exists(ctx, out.ID)
	require.NoError(t, err)
	require.False(t, exists)
}

func TestDequeueOrderIsFIFO(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	first := NewJob("c1", "ct1", OriginNormal, 0)
	second := NewJob("c1", "ct2", OriginNormal, 0)
	require.NoError(t, q.Enqueue(ctx, first))
	require.NoError(t, q.Enqueue(ctx, second))

	out, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, first.ID, out.ID)
}

func TestPauseBlocksDequeue(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, NewJob("c1", "ct1", OriginNormal, 0)))
	require.NoError(t, q.Pause(ctx))

	out, err := q.Dequeue(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, out)

	require.NoError(t, q.Resume(ctx))
	out, err = q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, out)
}

func TestScheduleAndMoveToReady(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	due := NewJob("c1", "ct1", OriginNormal, 0)
	future := NewJob("c1", "ct2", OriginNormal, 0)
	require.NoError(t, q.Schedule(ctx, due, time.Now().Add(-time.Second)))
	require.NoError(t, q.Schedule(ctx, future, time.Now().Add(time.Hour)))

	moved, err := q.MoveScheduledToReady(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, moved)

	out, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, out)
	require.Equal(t, due.ID, out.ID)

	// The future job stays scheduled.
	moved, err = q.MoveScheduledToReady(ctx)
	require.NoError(t, err)
	require.Zero(t, moved)
}

func TestParkAndRequeueFront(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	parked := NewJob("c1", "ct1", OriginNormal, 0)
	other := NewJob("c1", "ct2", OriginNormal, 0)
	require.NoError(t, q.Enqueue(ctx, parked))

	out, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, parked.ID, out.ID)

	require.NoError(t, q.ParkForWaitlist(ctx, parked.ID))
	active, err := q.ActiveCount(ctx)
	require.NoError(t, err)
	require.Zero(t, active)

	// The payload survives parking.
	exists, err := q.Exists(ctx, parked.ID)
	require.NoError(t, err)
	require.True(t, exists)

	require.NoError(t, q.Enqueue(ctx, other))
	require.NoError(t, q.RequeueFront(ctx, parked.ID))

	out, err = q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, parked.ID, out.ID)
}

func TestRetryBacksOffThenDrops(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	j := NewJob("c1", "ct1", OriginNormal, 0)
	require.NoError(t, q.Enqueue(ctx, j))
	out, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)

	require.NoError(t, q.Retry(ctx, out, 10))
	require.Equal(t, 1, out.Attempt)

	// Not due yet: the backoff keeps it in the scheduled set.
	moved, err := q.MoveScheduledToReady(ctx)
	require.NoError(t, err)
	require.Zero(t, moved)

	exhausted := NewJob("c1", "ct2", OriginNormal, 8)
	require.NoError(t, q.Enqueue(ctx, exhausted))
	out, err = q.Dequeue(ctx, time.Second)
	require.NoError(t, err)

	require.NoError(t, q.Retry(ctx, out, 9))
	exists, err := q.Exists(ctx, exhausted.ID)
	require.NoError(t, err)
	require.False(t, exists)
}

func TestCancelCampaignJobs(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	mine := NewJob("c1", "ct1", OriginNormal, 0)
	other := NewJob("c2", "ct2", OriginNormal, 0)
	scheduled := NewJob("c1", "ct3", OriginNormal, 0)
	require.NoError(t, q.Enqueue(ctx, mine))
	require.NoError(t, q.Enqueue(ctx, other))
	require.NoError(t, q.Schedule(ctx, scheduled, time.Now().Add(time.Hour)))

	cancelled, err := q.CancelCampaignJobs(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, 2, cancelled)

	exists, err := q.Exists(ctx, mine.ID)
	require.NoError(t, err)
	require.False(t, exists)

	// The other campaign's job is untouched.
	out, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, out)
	require.Equal(t, other.ID, out.ID)
}

func TestDequeueDropsGhostEntries(t *testing.T) {
	q, coord := newTestQueue(t)
	ctx := context.Background()

	j := NewJob("c1", "ct1", OriginNormal, 0)
	require.NoError(t, q.Enqueue(ctx, j))
	require.NoError(t, coord.Del(ctx, jobKey(j.ID)))

	out, err := q.Dequeue(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, out)

	active, err := q.ActiveCount(ctx)
	require.NoError(t, err)
	require.Zero(t, active)
}

func TestStalledJobs(t *testing.T) {
	q, coord := newTestQueue(t)
	ctx := context.Background()

	stale := NewJob("c1", "ct1", OriginNormal, 0)
	fresh := NewJob("c1", "ct2", OriginNormal, 0)
	require.NoError(t, q.Enqueue(ctx, stale))
	require.NoError(t, q.Enqueue(ctx, fresh))

	for i := 0; i < 2; i++ {
		_, err := q.Dequeue(ctx, time.Second)
		require.NoError(t, err)
	}

	// Push one job's processing clock into the past.
	startedAt := float64(time.Now().Add(-5 * time.Minute).UnixMilli())
	require.NoError(t, coord.ZAdd(ctx, processingAtKey, startedAt, stale.ID))

	stalled, err := q.StalledJobs(ctx, 2*time.Minute)
	require.NoError(t, err)
	require.Len(t, stalled, 1)
	require.Equal(t, stale.ID, stalled[0].ID)
}

func TestStalledJobsIgnoresQueueWaitTime(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	// A job that sat on the main queue for ages is not stalled the moment a
	// worker picks it up.
	j := NewJob("c1", "ct1", OriginNormal, 0)
	j.EnqueuedAt = time.Now().Add(-10 * time.Minute)
	require.NoError(t, q.Enqueue(ctx, j))

	_, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)

	stalled, err := q.StalledJobs(ctx, 2*time.Minute)
	require.NoError(t, err)
	require.Empty(t, stalled)
}

func TestIsQueued(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	queued := NewJob("c1", "ct1", OriginNormal, 0)
	scheduled := NewJob("c1", "ct2", OriginNormal, 0)
	require.NoError(t, q.Enqueue(ctx, queued))
	require.NoError(t, q.Schedule(ctx, scheduled, time.Now().Add(time.Hour)))

	for _, id := range []string{queued.ID, scheduled.ID} {
		ok, err := q.IsQueued(ctx, id)
		require.NoError(t, err)
		require.True(t, ok, id)
	}

	// Dequeued jobs are processing, not queued.
	out, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	ok, err := q.IsQueued(ctx, out.ID)
	require.NoError(t, err)
	require.False(t, ok)
}
