package reconcile

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
	"dialhub/internal/waitlist"
)

func newTestReconciler(t *testing.T, grace time.Duration) (*LedgerReconciler, *slots.Tracker, *queue.Queue, *waitlist.Service, *kv.Coordinator) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	coord := kv.NewFromClient(client)
	tracker := slots.NewTracker(coord, 45*time.Second, 210*time.Second)
	q := queue.New(coord)
	wl := waitlist.NewService(coord)
	r := NewLedgerReconciler(coord, tracker, q, wl, nil, grace, time.Minute)
	return r, tracker, q, wl, coord
}

func TestReconcileReleasesStaleReservation(t *testing.T) {
	r, tracker, q, wl, _ := newTestReconciler(t, 10*time.Millisecond)
	ctx := context.Background()

	// Job dequeued then abandoned mid-dispatch: payload alive, not queued.
	j := queue.NewJob("c1", "ct1", queue.OriginNormal, 0)
	require.NoError(t, q.Enqueue(ctx, j))
	_, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NoError(t, q.ParkForWaitlist(ctx, j.ID))

	require.NoError(t, tracker.SetLimit(ctx, "c1", 5))
	_, err = tracker.ReserveSlot(ctx, "c1", "N", j.ID)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, r.ReconcileCampaign(ctx, "c1"))

	reserved, err := tracker.Reserved(ctx, "c1")
	require.NoError(t, err)
	require.Zero(t, reserved)

	// The job payload was alive, so it went back to its lane head.
	_, normal, err := wl.Lengths(ctx, "c1")
	require.NoError(t, err)
	require.EqualValues(t, 1, normal)
}

func TestReconcileDropsOrphanWithoutPayload(t *testing.T) {
	r, tracker, _, wl, _ := newTestReconciler(t, 10*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, tracker.SetLimit(ctx, "c1", 5))
	_, err := tracker.ReserveSlot(ctx, "c1", "N", "ghost-job")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, r.ReconcileCampaign(ctx, "c1"))

	reserved, err := tracker.Reserved(ctx, "c1")
	require.NoError(t, err)
	require.Zero(t, reserved)

	high, normal, err := wl.Lengths(ctx, "c1")
	require.NoError(t, err)
	require.Zero(t, high+normal)
}

func TestReconcileKeepsQueuedReservation(t *testing.T) {
	r, tracker, q, _, coord := newTestReconciler(t, 10*time.Millisecond)
	ctx := context.Background()
	k := slots.NewKeys("c1")

	// A promoted job sits on the main queue holding its reservation.
	j := queue.NewJob("c1", "ct1", queue.OriginNormal, 0)
	require.NoError(t, q.Enqueue(ctx, j))
	require.NoError(t, tracker.SetLimit(ctx, "c1", 5))
	_, err := tracker.ReserveSlot(ctx, "c1", "N", j.ID)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, r.ReconcileCampaign(ctx, "c1"))

	reserved, err := tracker.Reserved(ctx, "c1")
	require.NoError(t, err)
	require.EqualValues(t, 1, reserved)

	_, held, err := coord.ZScore(ctx, k.Ledger(), slots.LedgerMember("N", j.ID))
	require.NoError(t, err)
	require.True(t, held)
}

func TestReconcileKeepsScheduledReservation(t *testing.T) {
	r, tracker, q, _, _ := newTestReconciler(t, 10*time.Millisecond)
	ctx := context.Background()

	j := queue.NewJob("c1", "ct1", queue.OriginNormal, 0)
	require.NoError(t, q.Schedule(ctx, j, time.Now().Add(time.Hour)))
	require.NoError(t, tracker.SetLimit(ctx, "c1", 5))
	_, err := tracker.ReserveSlot(ctx, "c1", "N", j.ID)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, r.ReconcileCampaign(ctx, "c1"))

	reserved, err := tracker.Reserved(ctx, "c1")
	require.NoError(t, err)
	require.EqualValues(t, 1, reserved)
}

func TestReconcileLeavesFreshEntries(t *testing.T) {
	r, tracker, _, _, _ := newTestReconciler(t, 10*time.Second)
	ctx := context.Background()

	require.NoError(t, tracker.SetLimit(ctx, "c1", 5))
	_, err := tracker.ReserveSlot(ctx, "c1", "N", "job-1")
	require.NoError(t, err)

	require.NoError(t, r.ReconcileCampaign(ctx, "c1"))

	reserved, err := tracker.Reserved(ctx, "c1")
	require.NoError(t, err)
	require.EqualValues(t, 1, reserved)
}

func TestReconcileClampsDriftedCounter(t *testing.T) {
	r, tracker, _, _, coord := newTestReconciler(t, 10*time.Second)
	ctx := context.Background()
	k := slots.NewKeys("c1")

	// Counter above ledger cardinality, with no stale entries to release.
	require.NoError(t, coord.Set(ctx, k.Reserved(), "3", 0))

	require.NoError(t, r.ReconcileCampaign(ctx, "c1"))

	reserved, err := tracker.Reserved(ctx, "c1")
	require.NoError(t, err)
	require.Zero(t, reserved)
}
