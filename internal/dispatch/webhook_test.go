package dispatch

import (
	"testing"

	"github.com/stretchr/testify/require"

	"dialhub/internal/database"
)

func TestMapVendorStatus(t *testing.T) {
	cases := map[string]string{
		"queued":      database.CallQueued,
		"initiated":   database.CallInitiated,
		"ringing":     database.CallRinging,
		"in-progress": database.CallInProgress,
		"answered":    database.CallInProgress,
		"completed":   database.CallCompleted,
		"failed":      database.CallFailed,
		"error":       database.CallFailed,
		"no-answer":   database.CallNoAnswer,
		"busy":        database.CallBusy,
		"canceled":    database.CallCancelled,
		"cancelled":   database.CallCancelled,
	}
	for vendor, want := range cases {
		require.Equal(t, want, mapVendorStatus(vendor), vendor)
	}
	require.Empty(t, mapVendorStatus("unheard-of"))
}
