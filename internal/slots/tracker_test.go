package slots

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"dialhub/internal/kv"
)

func newTestTracker(t *testing.T) (*Tracker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	coord := kv.NewFromClient(client)
	return NewTracker(coord, 45*time.Second, 210*time.Second), mr
}

func TestReserveSlotRequiresLimit(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	_, err := tracker.ReserveSlot(ctx, "c1", "N", "job-1")
	require.ErrorIs(t, err, ErrLimitMissing)
}

func TestReserveSlotRespectsPause(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tracker.SetLimit(ctx, "c1", 5))
	require.NoError(t, tracker.SetPaused(ctx, "c1"))

	_, err := tracker.ReserveSlot(ctx, "c1", "N", "job-1")
	require.ErrorIs(t, err, ErrCampaignPaused)

	require.NoError(t, tracker.ClearPaused(ctx, "c1"))
	decision, err := tracker.ReserveSlot(ctx, "c1", "N", "job-1")
	require.NoError(t, err)
	require.Equal(t, Granted, decision)
}

func TestReserveSlotWaitlistsAtLimit(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tracker.SetLimit(ctx, "c1", 2))

	for i, jobID := range []string{"job-1", "job-2"} {
		decision, err := tracker.ReserveSlot(ctx, "c1", "N", jobID)
		require.NoError(t, err, "reserve %d", i)
		require.Equal(t, Granted, decision)
	}

	decision, err := tracker.ReserveSlot(ctx, "c1", "N", "job-3")
	require.NoError(t, err)
	require.Equal(t, Waitlisted, decision)

	reserved, err := tracker.Reserved(ctx, "c1")
	require.NoError(t, err)
	require.EqualValues(t, 2, reserved)
}

func TestReserveSlotCountsLeasesAndReservations(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tracker.SetLimit(ctx, "c1", 2))

	decision, err := tracker.ReserveSlot(ctx, "c1", "N", "job-1")
	require.NoError(t, err)
	require.Equal(t, Granted, decision)
	_, err = tracker.CreatePreDialLease(ctx, "c1", "N", "job-1", "call-1")
	require.NoError(t, err)

	// One pre-dial lease plus one fresh reservation fill the limit.
	decision, err = tracker.ReserveSlot(ctx, "c1", "N", "job-2")
	require.NoError(t, err)
	require.Equal(t, Granted, decision)

	decision, err = tracker.ReserveSlot(ctx, "c1", "N", "job-3")
	require.NoError(t, err)
	require.Equal(t, Waitlisted, decision)
}

func TestColdStartHalvesLimit(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tracker.SetLimit(ctx, "c1", 4))
	require.NoError(t, tracker.SetColdStart(ctx, "c1", time.Minute))

	for _, jobID := range []string{"job-1", "job-2"} {
		decision, err := tracker.ReserveSlot(ctx, "c1", "N", jobID)
		require.NoError(t, err)
		require.Equal(t, Granted, decision)
	}
	decision, err := tracker.ReserveSlot(ctx, "c1", "N", "job-3")
	require.NoError(t, err)
	require.Equal(t, Waitlisted, decision)
}

func TestColdStartNeverBelowOne(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tracker.SetLimit(ctx, "c1", 1))
	require.NoError(t, tracker.SetColdStart(ctx, "c1", time.Minute))

	decision, err := tracker.ReserveSlot(ctx, "c1", "N", "job-1")
	require.NoError(t, err)
	require.Equal(t, Granted, decision)
}

func TestUpgradeToActiveTokenMatch(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tracker.SetLimit(ctx, "c1", 5))
	_, err := tracker.ReserveSlot(ctx, "c1", "N", "job-1")
	require.NoError(t, err)

	preToken, err := tracker.CreatePreDialLease(ctx, "c1", "N", "job-1", "call-1")
	require.NoError(t, err)
	require.NotEmpty(t, preToken)

	activeToken, err := tracker.UpgradeToActive(ctx, "c1", "call-1", preToken)
	require.NoError(t, err)
	require.NotEmpty(t, activeToken)
	require.NotEqual(t, preToken, activeToken)

	members, err := tracker.LeaseMembers(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, []string{"call-1"}, members)
}

func TestUpgradeToActiveTokenMismatchMutatesNothing(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tracker.SetLimit(ctx, "c1", 5))
	_, err := tracker.ReserveSlot(ctx, "c1", "N", "job-1")
	require.NoError(t, err)
	_, err = tracker.CreatePreDialLease(ctx, "c1", "N", "job-1", "call-1")
	require.NoError(t, err)

	_, err = tracker.UpgradeToActive(ctx, "c1", "call-1", "wrong-token")
	require.ErrorIs(t, err, ErrTokenMismatch)

	// The pre-dial lease survives untouched.
	members, err := tracker.LeaseMembers(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, []string{PreMember("call-1")}, members)
}

func TestReleaseActiveFreesSlot(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tracker.SetLimit(ctx, "c1", 1))
	_, err := tracker.ReserveSlot(ctx, "c1", "N", "job-1")
	require.NoError(t, err)
	preToken, err := tracker.CreatePreDialLease(ctx, "c1", "N", "job-1", "call-1")
	require.NoError(t, err)
	_, err = tracker.UpgradeToActive(ctx, "c1", "call-1", preToken)
	require.NoError(t, err)

	decision, err := tracker.ReserveSlot(ctx, "c1", "N", "job-2")
	require.NoError(t, err)
	require.Equal(t, Waitlisted, decision)

	require.NoError(t, tracker.ReleaseActive(ctx, "c1", "call-1"))

	decision, err = tracker.ReserveSlot(ctx, "c1", "N", "job-2")
	require.NoError(t, err)
	require.Equal(t, Granted, decision)
}

func TestForceReleaseSlotIdempotent(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tracker.SetLimit(ctx, "c1", 5))
	_, err := tracker.ReserveSlot(ctx, "c1", "N", "job-1")
	require.NoError(t, err)
	_, err = tracker.CreatePreDialLease(ctx, "c1", "N", "job-1", "call-1")
	require.NoError(t, err)

	require.NoError(t, tracker.ForceReleaseSlot(ctx, "c1", "call-1"))
	require.NoError(t, tracker.ForceReleaseSlot(ctx, "c1", "call-1"))

	n, err := tracker.ActiveCalls(ctx, "c1")
	require.NoError(t, err)
	require.EqualValues(t, 0, n)
}

func TestDecrReservedClampsAtZero(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	n, err := tracker.DecrReserved(ctx, "c1")
	require.NoError(t, err)
	require.EqualValues(t, 0, n)

	require.NoError(t, tracker.SetLimit(ctx, "c1", 5))
	_, err = tracker.ReserveSlot(ctx, "c1", "N", "job-1")
	require.NoError(t, err)

	n, err = tracker.DecrReserved(ctx, "c1")
	require.NoError(t, err)
	require.EqualValues(t, 0, n)

	n, err = tracker.DecrReserved(ctx, "c1")
	require.NoError(t, err)
	require.EqualValues(t, 0, n)
}

func TestLedgerScorePreservedOnReissue(t *testing.T) {
	tracker, mr := newTestTracker(t)
	ctx := context.Background()
	k := NewKeys("c1")

	require.NoError(t, tracker.SetLimit(ctx, "c1", 5))
	_, err := tracker.ReserveSlot(ctx, "c1", "N", "job-1")
	require.NoError(t, err)

	first, err := mr.ZScore(k.Ledger(), LedgerMember("N", "job-1"))
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	_, err = tracker.ReserveSlot(ctx, "c1", "N", "job-1")
	require.NoError(t, err)

	second, err := mr.ZScore(k.Ledger(), LedgerMember("N", "job-1"))
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestParseLedgerMember(t *testing.T) {
	origin, jobID := ParseLedgerMember("H:job-1")
	require.Equal(t, "H", origin)
	require.Equal(t, "job-1", jobID)

	origin, jobID = ParseLedgerMember("malformed")
	require.Equal(t, "N", origin)
	require.Equal(t, "malformed", jobID)
}
