package retrypolicy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dialhub/internal/database"
)

func testCampaign() *database.Campaign {
	return &database.Campaign{
		MaxRetryAttempts:  3,
		RetryDelayMinutes: 20,
	}
}

func TestDecideNoAnswerJitters(t *testing.T) {
	c := testCampaign()

	delay, retry := Decide(c, ReasonNoAnswer, 1)
	require.True(t, retry)
	require.InDelta(t, float64(20*time.Minute), float64(delay), float64(2*time.Minute))
}

func TestDecideBusyHalvesBase(t *testing.T) {
	c := testCampaign()

	delay, retry := Decide(c, ReasonBusy, 1)
	require.True(t, retry)
	require.InDelta(t, float64(10*time.Minute), float64(delay), float64(time.Minute))
}

func TestDecideVoicemailHonorsExclusion(t *testing.T) {
	c := testCampaign()

	_, retry := Decide(c, ReasonVoicemail, 1)
	require.True(t, retry)

	c.ExcludeVoicemail = true
	_, retry = Decide(c, ReasonVoicemail, 1)
	require.False(t, retry)
}

func TestDecideNetworkErrorBacksOffExponentially(t *testing.T) {
	c := testCampaign()
	c.MaxRetryAttempts = 10

	delay, retry := Decide(c, ReasonNetworkError, 1)
	require.True(t, retry)
	require.Equal(t, 20*time.Minute, delay)

	delay, retry = Decide(c, ReasonNetworkError, 2)
	require.True(t, retry)
	require.Equal(t, 40*time.Minute, delay)

	// Capped at one hour no matter the attempt count.
	delay, retry = Decide(c, ReasonNetworkError, 5)
	require.True(t, retry)
	require.Equal(t, time.Hour, delay)
}

func TestDecideTerminalReasonsNeverRetry(t *testing.T) {
	c := testCampaign()

	for _, reason := range []string{ReasonCompleted, ReasonInvalidNumber, "unknown"} {
		_, retry := Decide(c, reason, 1)
		require.False(t, retry, reason)
	}
}

func TestDecideExhaustedAttempts(t *testing.T) {
	c := testCampaign()

	_, retry := Decide(c, ReasonNoAnswer, 3)
	require.False(t, retry)
	_, retry = Decide(c, ReasonNoAnswer, 4)
	require.False(t, retry)
}

func TestDecideDefaultsBaseDelay(t *testing.T) {
	c := testCampaign()
	c.RetryDelayMinutes = 0

	delay, retry := Decide(c, ReasonNoAnswer, 1)
	require.True(t, retry)
	require.InDelta(t, float64(15*time.Minute), float64(delay), float64(90*time.Second))
}

func TestReasonForCallStatus(t *testing.T) {
	require.Equal(t, ReasonVoicemail, ReasonForCallStatus(database.CallCompleted, true))
	require.Equal(t, ReasonNoAnswer, ReasonForCallStatus(database.CallNoAnswer, false))
	require.Equal(t, ReasonBusy, ReasonForCallStatus(database.CallBusy, false))
	require.Equal(t, ReasonNetworkError, ReasonForCallStatus(database.CallFailed, false))
	require.Equal(t, ReasonCompleted, ReasonForCallStatus(database.CallCompleted, false))
	require.Empty(t, ReasonForCallStatus("weird", false))
}

func TestContactStatusForReason(t *testing.T) {
	require.Equal(t, database.ContactNoAnswer, ContactStatusForReason(ReasonNoAnswer))
	require.Equal(t, database.ContactBusy, ContactStatusForReason(ReasonBusy))
	require.Equal(t, database.ContactVoicemail, ContactStatusForReason(ReasonVoicemail))
	require.Equal(t, database.ContactCompleted, ContactStatusForReason(ReasonCompleted))
	require.Equal(t, database.ContactFailed, ContactStatusForReason(ReasonNetworkError))
	require.Equal(t, database.ContactFailed, ContactStatusForReason(ReasonInvalidNumber))
}
