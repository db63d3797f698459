package waitlist

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"dialhub/internal/kv"
	"dialhub/internal/queue"
	"dialhub/internal/slots"
)

func newTestService(t *testing.T) (*Service, *kv.Coordinator) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	coord := kv.NewFromClient(client)
	return NewService(coord), coord
}

func TestPushDeduplicates(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	added, err := svc.Push(ctx, "c1", "job-1", queue.OriginNormal, false)
	require.NoError(t, err)
	require.True(t, added)

	added, err = svc.Push(ctx, "c1", "job-1", queue.OriginNormal, false)
	require.NoError(t, err)
	require.False(t, added)

	_, normal, err := svc.Lengths(ctx, "c1")
	require.NoError(t, err)
	require.EqualValues(t, 1, normal)
}

func TestPopOrderIsFIFO(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	k := slots.NewKeys("c1")

	for _, id := range []string{"job-1", "job-2", "job-3"} {
		_, err := svc.Push(ctx, "c1", id, queue.OriginNormal, false)
		require.NoError(t, err)
	}

	for _, want := range []string{"job-1", "job-2", "job-3"} {
		entry, err := svc.pop(ctx, k, queue.OriginNormal)
		require.NoError(t, err)
		require.NotNil(t, entry)
		require.Equal(t, want, entry.JobID)
	}

	entry, err := svc.pop(ctx, k, queue.OriginNormal)
	require.NoError(t, err)
	require.Nil(t, entry)
}

func TestLifoHeadJumpsLine(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	k := slots.NewKeys("c1")

	_, err := svc.Push(ctx, "c1", "job-1", queue.OriginNormal, false)
	require.NoError(t, err)
	_, err = svc.Push(ctx, "c1", "job-2", queue.OriginNormal, true)
	require.NoError(t, err)

	entry, err := svc.pop(ctx, k, queue.OriginNormal)
	require.NoError(t, err)
	require.Equal(t, "job-2", entry.JobID)
}

func TestPopClearsMarkers(t *testing.T) {
	svc, coord := newTestService(t)
	ctx := context.Background()
	k := slots.NewKeys("c1")

	_, err := svc.Push(ctx, "c1", "job-1", queue.OriginNormal, false)
	require.NoError(t, err)

	entry, err := svc.pop(ctx, k, queue.OriginNormal)
	require.NoError(t, err)
	require.Equal(t, "job-1", entry.JobID)

	exists, err := coord.Exists(ctx, k.WaitlistMarker("job-1"))
	require.NoError(t, err)
	require.False(t, exists)

	// A re-push after pop is not a duplicate.
	added, err := svc.Push(ctx, "c1", "job-1", queue.OriginNormal, false)
	require.NoError(t, err)
	require.True(t, added)
}

func TestReturnToHeadKeepsPosition(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	k := slots.NewKeys("c1")

	_, err := svc.Push(ctx, "c1", "job-1", queue.OriginNormal, false)
	require.NoError(t, err)
	_, err = svc.Push(ctx, "c1", "job-2", queue.OriginNormal, false)
	require.NoError(t, err)

	entry, err := svc.pop(ctx, k, queue.OriginNormal)
	require.NoError(t, err)
	require.Equal(t, "job-1", entry.JobID)

	// The returned job goes back ahead of job-2.
	require.NoError(t, svc.ReturnToHead(ctx, "c1", "job-1", queue.OriginNormal))

	entry, err = svc.pop(ctx, k, queue.OriginNormal)
	require.NoError(t, err)
	require.Equal(t, "job-1", entry.JobID)
}

func TestDropRemovesEverywhere(t *testing.T) {
	svc, coord := newTestService(t)
	ctx := context.Background()
	k := slots.NewKeys("c1")

	_, err := svc.Push(ctx, "c1", "job-1", queue.OriginHigh, false)
	require.NoError(t, err)
	require.NoError(t, svc.Drop(ctx, "c1", "job-1"))

	high, normal, err := svc.Lengths(ctx, "c1")
	require.NoError(t, err)
	require.Zero(t, high+normal)

	seen, err := coord.SIsMember(ctx, k.WaitlistSeen(), "job-1")
	require.NoError(t, err)
	require.False(t, seen)
}

func TestMarkerRoundTrip(t *testing.T) {
	origin, ts, ok := parseMarker(markerValue(queue.OriginHigh, time.Now()))
	require.True(t, ok)
	require.Equal(t, queue.OriginHigh, origin)
	require.False(t, ts.IsZero())

	_, _, ok = parseMarker("garbage")
	require.False(t, ok)
}
