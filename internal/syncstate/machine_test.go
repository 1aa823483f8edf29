package syncstate

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_LegalTransitions(t *testing.T) {
	legal := []struct {
		from, to State
	}{
		{NeverSynced, InitialSyncing},
		{InitialSyncing, InProgress},
		{InProgress, InProgress},
		{InProgress, Completed},
		{Completed, Incremental},
		{Incremental, InProgress},
		{InitialSyncing, Failed},
		{InProgress, Failed},
		{Incremental, Failed},
		{Failed, InitialSyncing},
		{Failed, InProgress},
		{Failed, Incremental},
		{ConsentChanged, InitialSyncing},
	}

	for _, tc := range legal {
		assert.NoError(t, Validate(tc.from, tc.to), "%s -> %s should be legal", tc.from, tc.to)
	}
}

func TestValidate_ConsentRevocationFromAnyState(t *testing.T) {
	all := []State{NeverSynced, InitialSyncing, InProgress, Incremental, ConsentChanged, Completed, Failed}
	for _, from := range all {
		assert.NoError(t, Validate(from, ConsentChanged), "%s -> CONSENT_CHANGED should be legal", from)
	}
}

func TestValidate_IllegalTransitions(t *testing.T) {
	illegal := []struct {
		from, to State
	}{
		{NeverSynced, InProgress},
		{NeverSynced, Incremental},
		{NeverSynced, Completed},
		{Completed, InProgress},
		{Completed, InitialSyncing},
		{Incremental, Completed},
		{ConsentChanged, InProgress},
		{ConsentChanged, Incremental},
		{Failed, Completed},
		{InProgress, Incremental},
	}

	for _, tc := range illegal {
		err := Validate(tc.from, tc.to)
		require.Error(t, err, "%s -> %s should be rejected", tc.from, tc.to)
		assert.True(t, errors.Is(err, ErrInvalidTransition))

		var te *TransitionError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, tc.from, te.From)
		assert.Equal(t, tc.to, te.To)
	}
}

func TestValidate_UnknownStateRejected(t *testing.T) {
	assert.Error(t, Validate(State("SYNCING"), InProgress))
	assert.Error(t, Validate(InProgress, State("")))
}

func TestIsCrawling(t *testing.T) {
	assert.True(t, IsCrawling(InitialSyncing))
	assert.True(t, IsCrawling(InProgress))
	assert.False(t, IsCrawling(Incremental))
	assert.False(t, IsCrawling(Completed))
	assert.False(t, IsCrawling(Failed))
	assert.False(t, IsCrawling(NeverSynced))
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, IsTerminal(Completed))
	assert.True(t, IsTerminal(Failed))
	assert.True(t, IsTerminal(ConsentChanged))
	assert.False(t, IsTerminal(InProgress))
	assert.False(t, IsTerminal(Incremental))
}

func TestCanRetry(t *testing.T) {
	assert.True(t, CanRetry(Failed))
	assert.False(t, CanRetry(Completed))
	assert.False(t, CanRetry(ConsentChanged))
	assert.False(t, CanRetry(InProgress))
}

func TestRetryTarget(t *testing.T) {
	assert.Equal(t, InProgress, RetryTarget(InProgress))
	assert.Equal(t, Incremental, RetryTarget(Incremental))
	assert.Equal(t, InitialSyncing, RetryTarget(InitialSyncing))

	// no recorded crawl state restarts the backfill
	assert.Equal(t, InitialSyncing, RetryTarget(State("")))
	assert.Equal(t, InitialSyncing, RetryTarget(Completed))
}
