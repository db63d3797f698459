package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"dialhub/internal/kv"
	"dialhub/internal/slots"
)

func newTestJanitor(t *testing.T) (*LeaseJanitor, *slots.Tracker, *kv.Coordinator) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	coord := kv.NewFromClient(client)
	tracker := slots.NewTracker(coord, 45*time.Second, 210*time.Second)
	return NewLeaseJanitor(coord, tracker, nil, time.Minute), tracker, coord
}

func TestSweepReclaimsDeadMember(t *testing.T) {
	j, tracker, coord := newTestJanitor(t)
	ctx := context.Background()
	k := slots.NewKeys("c1")

	require.NoError(t, tracker.SetLimit(ctx, "c1", 5))
	_, err := tracker.ReserveSlot(ctx, "c1", "N", "job-1")
	require.NoError(t, err)
	_, err = tracker.CreatePreDialLease(ctx, "c1", "N", "job-1", "call-1")
	require.NoError(t, err)

	// Simulate token expiry with the member left behind.
	member := slots.PreMember("call-1")
	require.NoError(t, coord.Del(ctx, k.LeaseKeyForMember(member)))

	require.NoError(t, j.SweepCampaign(ctx, "c1"))

	members, err := tracker.LeaseMembers(ctx, "c1")
	require.NoError(t, err)
	require.Empty(t, members)
}

func TestSweepReclaimsNearExpiredMember(t *testing.T) {
	j, tracker, coord := newTestJanitor(t)
	ctx := context.Background()
	k := slots.NewKeys("c1")

	require.NoError(t, tracker.SetLimit(ctx, "c1", 5))
	_, err := tracker.ReserveSlot(ctx, "c1", "N", "job-1")
	require.NoError(t, err)
	_, err = tracker.CreatePreDialLease(ctx, "c1", "N", "job-1", "call-1")
	require.NoError(t, err)

	// Token key about to expire counts as dead already.
	member := slots.PreMember("call-1")
	_, err = coord.Expire(ctx, k.LeaseKeyForMember(member), 3*time.Second)
	require.NoError(t, err)

	require.NoError(t, j.SweepCampaign(ctx, "c1"))

	members, err := tracker.LeaseMembers(ctx, "c1")
	require.NoError(t, err)
	require.Empty(t, members)

	exists, err := coord.Exists(ctx, k.LeaseKeyForMember(member))
	require.NoError(t, err)
	require.False(t, exists)
}

func TestSweepKeepsHealthyLeases(t *testing.T) {
	j, tracker, _ := newTestJanitor(t)
	ctx := context.Background()

	require.NoError(t, tracker.SetLimit(ctx, "c1", 5))
	_, err := tracker.ReserveSlot(ctx, "c1", "N", "job-1")
	require.NoError(t, err)
	preToken, err := tracker.CreatePreDialLease(ctx, "c1", "N", "job-1", "call-1")
	require.NoError(t, err)
	_, err = tracker.UpgradeToActive(ctx, "c1", "call-1", preToken)
	require.NoError(t, err)

	require.NoError(t, j.SweepCampaign(ctx, "c1"))

	members, err := tracker.LeaseMembers(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, []string{"call-1"}, members)
}

func TestSweepReAddsOrphanTokenKey(t *testing.T) {
	j, tracker, coord := newTestJanitor(t)
	ctx := context.Background()
	k := slots.NewKeys("c1")

	// A release removed the member but crashed before deleting the key.
	require.NoError(t, coord.Set(ctx, k.ActiveLease("call-1"), "token", time.Minute))

	require.NoError(t, j.SweepCampaign(ctx, "c1"))

	members, err := tracker.LeaseMembers(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, []string{"call-1"}, members)
}

func TestSweepIgnoresNearlyExpiredOrphans(t *testing.T) {
	j, tracker, coord := newTestJanitor(t)
	ctx := context.Background()
	k := slots.NewKeys("c1")

	require.NoError(t, coord.Set(ctx, k.ActiveLease("call-1"), "token", 2*time.Second))

	require.NoError(t, j.SweepCampaign(ctx, "c1"))

	members, err := tracker.LeaseMembers(ctx, "c1")
	require.NoError(t, err)
	require.Empty(t, members)
}

func TestSweepIsIdempotent(t *testing.T) {
	j, tracker, coord := newTestJanitor(t)
	ctx := context.Background()
	k := slots.NewKeys("c1")

	require.NoError(t, tracker.SetLimit(ctx, "c1", 5))
	_, err := tracker.ReserveSlot(ctx, "c1", "N", "job-1")
	require.NoError(t, err)
	_, err = tracker.CreatePreDialLease(ctx, "c1", "N", "job-1", "call-1")
	require.NoError(t, err)
	require.NoError(t, coord.Del(ctx, k.LeaseKeyForMember(slots.PreMember("call-1"))))

	require.NoError(t, j.SweepCampaign(ctx, "c1"))
	require.NoError(t, j.SweepCampaign(ctx, "c1"))

	members, err := tracker.LeaseMembers(ctx, "c1")
	require.NoError(t, err)
	require.Empty(t, members)
}
