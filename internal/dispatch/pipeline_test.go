package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"dialhub/internal/database"
	"dialhub/internal/kv"
	"dialhub/internal/queue"
	"dialhub/internal/slots"
	"dialhub/internal/waitlist"
)

func newTestDispatch(t *testing.T) (*Pipeline, *slots.Tracker, *queue.Queue, *waitlist.Service, *kv.Coordinator) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	coord := kv.NewFromClient(client)
	tracker := slots.NewTracker(coord, 45*time.Second, 210*time.Second)
	q := queue.New(coord)
	wl := waitlist.NewService(coord)
	p := &Pipeline{tracker: tracker, queue: q, wl: wl, notifier: NopNotifier{}}
	return p, tracker, q, wl, coord
}

func TestAcquireSlotHonorsPromotedReservation(t *testing.T) {
	p, tracker, q, wl, _ := newTestDispatch(t)
	ctx := context.Background()
	campaign := &database.Campaign{ID: "c1", ConcurrentCallsLimit: 1}

	require.NoError(t, tracker.SetLimit(ctx, "c1", 1))

	job := queue.NewJob("c1", "ct1", queue.OriginNormal, 0)
	_, err := wl.Push(ctx, "c1", job.ID, job.Origin, false)
	require.NoError(t, err)

	promoter := waitlist.NewPromoter(p.tracker.KV(), tracker, q, wl, nil, 30000, 5, time.Minute)
	n, err := promoter.PromoteCampaign(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// The promoted job saturates the limit with its own reservation; the
	// dispatch side must proceed on that reservation, not take a second one.
	decision, origin, err := p.acquireSlot(ctx, campaign, job, job.Origin)
	require.NoError(t, err)
	require.Equal(t, slots.Granted, decision)
	require.Equal(t, queue.OriginNormal, origin)

	reserved, err := tracker.Reserved(ctx, "c1")
	require.NoError(t, err)
	require.EqualValues(t, 1, reserved)
}

func TestAcquireSlotReservesWhenNotHeld(t *testing.T) {
	p, tracker, _, _, _ := newTestDispatch(t)
	ctx := context.Background()
	campaign := &database.Campaign{ID: "c1", ConcurrentCallsLimit: 1}

	job := queue.NewJob("c1", "ct1", queue.OriginNormal, 0)

	// Limit unseeded: acquireSlot seeds it from the campaign row and retries.
	decision, _, err := p.acquireSlot(ctx, campaign, job, job.Origin)
	require.NoError(t, err)
	require.Equal(t, slots.Granted, decision)

	reserved, err := tracker.Reserved(ctx, "c1")
	require.NoError(t, err)
	require.EqualValues(t, 1, reserved)

	// A second job at limit=1 is waitlisted.
	other := queue.NewJob("c1", "ct2", queue.OriginNormal, 0)
	decision, _, err = p.acquireSlot(ctx, campaign, other, other.Origin)
	require.NoError(t, err)
	require.Equal(t, slots.Waitlisted, decision)
}

func TestAcquireSlotFindsReservationUnderJobOrigin(t *testing.T) {
	p, tracker, _, _, _ := newTestDispatch(t)
	ctx := context.Background()
	campaign := &database.Campaign{ID: "c1", ConcurrentCallsLimit: 1}

	require.NoError(t, tracker.SetLimit(ctx, "c1", 1))

	job := queue.NewJob("c1", "ct1", queue.OriginNormal, 0)
	decision, err := tracker.ReserveSlot(ctx, "c1", queue.OriginNormal, job.ID)
	require.NoError(t, err)
	require.Equal(t, slots.Granted, decision)

	// Derived origin shifted to high since the reservation was taken; the
	// ledger entry under the job's own origin still counts.
	got, origin, err := p.acquireSlot(ctx, campaign, job, queue.OriginHigh)
	require.NoError(t, err)
	require.Equal(t, slots.Granted, got)
	require.Equal(t, queue.OriginNormal, origin)
}
