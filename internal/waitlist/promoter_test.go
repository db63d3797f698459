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

func newTestPromoter(t *testing.T, agingMs int) (*Promoter, *slots.Tracker, *queue.Queue, *Service, *kv.Coordinator) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	coord := kv.NewFromClient(client)

	tracker := slots.NewTracker(coord, 45*time.Second, 210*time.Second)
	q := queue.New(coord)
	svc := NewService(coord)
	p := NewPromoter(coord, tracker, q, svc, nil, agingMs, 5, time.Minute)
	return p, tracker, q, svc, coord
}

func TestPromoteMovesJobToQueueFront(t *testing.T) {
	p, tracker, q, svc, _ := newTestPromoter(t, 30000)
	ctx := context.Background()

	require.NoError(t, tracker.SetLimit(ctx, "c1", 2))
	_, err := svc.Push(ctx, "c1", "job-1", queue.OriginNormal, false)
	require.NoError(t, err)

	n, err := p.PromoteCampaign(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// The promoted job holds a reservation and sits at the queue front.
	reserved, err := tracker.Reserved(ctx, "c1")
	require.NoError(t, err)
	require.EqualValues(t, 1, reserved)

	pending, err := q.PendingCount(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, pending)

	high, normal, err := svc.Lengths(ctx, "c1")
	require.NoError(t, err)
	require.Zero(t, high+normal)
}

func TestPromoteZeroFreeSlotsIsNoOp(t *testing.T) {
	p, tracker, _, svc, _ := newTestPromoter(t, 30000)
	ctx := context.Background()

	require.NoError(t, tracker.SetLimit(ctx, "c1", 1))
	decision, err := tracker.ReserveSlot(ctx, "c1", "N", "job-0")
	require.NoError(t, err)
	require.Equal(t, slots.Granted, decision)

	_, err = svc.Push(ctx, "c1", "job-1", queue.OriginNormal, false)
	require.NoError(t, err)

	n, err := p.PromoteCampaign(ctx, "c1")
	require.NoError(t, err)
	require.Zero(t, n)

	_, normal, err := svc.Lengths(ctx, "c1")
	require.NoError(t, err)
	require.EqualValues(t, 1, normal)
}

func TestPromoteDrainsHighLaneFirst(t *testing.T) {
	p, tracker, _, svc, _ := newTestPromoter(t, 30000)
	ctx := context.Background()

	require.NoError(t, tracker.SetLimit(ctx, "c1", 1))
	_, err := svc.Push(ctx, "c1", "job-normal", queue.OriginNormal, false)
	require.NoError(t, err)
	_, err = svc.Push(ctx, "c1", "job-high", queue.OriginHigh, false)
	require.NoError(t, err)

	n, err := p.PromoteCampaign(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// With one free slot, the high-lane job wins the promotion.
	high, normal, err := svc.Lengths(ctx, "c1")
	require.NoError(t, err)
	require.Zero(t, high)
	require.EqualValues(t, 1, normal)
}

func TestPromoteAgedNormalJumpsHighLane(t *testing.T) {
	p, tracker, _, svc, _ := newTestPromoter(t, 50)
	ctx := context.Background()

	require.NoError(t, tracker.SetLimit(ctx, "c1", 1))
	_, err := svc.Push(ctx, "c1", "job-normal", queue.OriginNormal, false)
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)
	_, err = svc.Push(ctx, "c1", "job-high", queue.OriginHigh, false)
	require.NoError(t, err)

	n, err := p.PromoteCampaign(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// The aged normal-lane job was promoted; the high job still waits.
	high, normal, err := svc.Lengths(ctx, "c1")
	require.NoError(t, err)
	require.EqualValues(t, 1, high)
	require.Zero(t, normal)
}

func TestPromoteMutexSerializes(t *testing.T) {
	p, tracker, _, svc, coord := newTestPromoter(t, 30000)
	ctx := context.Background()
	k := slots.NewKeys("c1")

	require.NoError(t, tracker.SetLimit(ctx, "c1", 5))
	_, err := svc.Push(ctx, "c1", "job-1", queue.OriginNormal, false)
	require.NoError(t, err)

	// A competing promoter holds the mutex: the pass yields immediately.
	ok, err := coord.SetNX(ctx, k.PromoteMutex(), "other", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	n, err := p.PromoteCampaign(ctx, "c1")
	require.NoError(t, err)
	require.Zero(t, n)

	// And it must not strip the holder's mutex on the way out.
	val, found, err := coord.Get(ctx, k.PromoteMutex())
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "other", val)
}

func TestPromoteReserveFailureSignalsBackoff(t *testing.T) {
	p, tracker, _, svc, coord := newTestPromoter(t, 30000)
	ctx := context.Background()
	k := slots.NewKeys("c1")

	// Cold start halves the effective limit: the free-slot estimate sees
	// room but the reserve is refused.
	require.NoError(t, tracker.SetLimit(ctx, "c1", 2))
	_, err := tracker.ReserveSlot(ctx, "c1", "N", "job-0")
	require.NoError(t, err)
	require.NoError(t, tracker.SetColdStart(ctx, "c1", time.Minute))

	_, err = svc.Push(ctx, "c1", "job-1", queue.OriginNormal, false)
	require.NoError(t, err)

	sub := coord.Subscribe(ctx, k.PausedChannel())
	defer sub.Close()
	ch := sub.Channel()
	time.Sleep(50 * time.Millisecond)

	n, err := p.PromoteCampaign(ctx, "c1")
	require.NoError(t, err)
	require.Zero(t, n)

	// The job went back to its lane head and listeners got the signal.
	_, normal, err := svc.Lengths(ctx, "c1")
	require.NoError(t, err)
	require.EqualValues(t, 1, normal)

	select {
	case msg := <-ch:
		require.Equal(t, "backoff", msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("no backoff signal published")
	}
}

func TestCampaignFromChannel(t *testing.T) {
	require.Equal(t, "abc123", campaignFromChannel("campaign:abc123:slot-available"))
	require.Empty(t, campaignFromChannel("something:else"))
}
