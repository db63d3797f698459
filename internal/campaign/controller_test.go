package campaign

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"dialhub/internal/database"
	"dialhub/internal/kv"
	"dialhub/internal/queue"
	"dialhub/internal/slots"
	"dialhub/internal/waitlist"
)

func newTestController(t *testing.T) (*Controller, *slots.Tracker, *kv.Coordinator, sqlmock.Sqlmock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	coord := kv.NewFromClient(client)
	tracker := slots.NewTracker(coord, 45*time.Second, 210*time.Second)
	q := queue.New(coord)

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	repo := database.NewRepository(&database.Connection{DB: db})

	return NewController(repo, tracker, q, coord, nil, time.Minute), tracker, coord, mock
}

func TestPurgeStateParksCampaignAndClearsKeys(t *testing.T) {
	ctl, tracker, coord, mock := newTestController(t)
	ctx := context.Background()

	// Seed limit, a reservation, a pre-dial lease and a waitlisted job.
	require.NoError(t, tracker.SetLimit(ctx, "c1", 3))
	_, err := tracker.ReserveSlot(ctx, "c1", "N", "job-1")
	require.NoError(t, err)
	_, err = tracker.CreatePreDialLease(ctx, "c1", "N", "job-1", "call-1")
	require.NoError(t, err)
	wl := waitlist.NewService(coord)
	_, err = wl.Push(ctx, "c1", "job-2", queue.OriginNormal, false)
	require.NoError(t, err)

	// An active campaign is parked in the database during the purge.
	mock.ExpectExec("UPDATE campaigns SET").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, ctl.PurgeState(ctx, "c1"))
	require.NoError(t, mock.ExpectationsWereMet())

	keys, err := coord.ScanKeys(ctx, "campaign:{c1}:*")
	require.NoError(t, err)
	require.Empty(t, keys)

	// Idempotent: a second purge finds nothing and still succeeds.
	mock.ExpectExec("UPDATE campaigns SET").
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, ctl.PurgeState(ctx, "c1"))
}
