package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFinalityRunningToSyncOnFailure(t *testing.T) {
	cb := NewFinalityCircuitBreaker()
	state := cb.ProcessEvent(FinalityFailed)
	require.True(t, state.IsSync())
	require.Equal(t, uint8(1), state.Attempt())
	require.Equal(t, uint64(1), cb.ConsecutiveFailures())
}

func TestFinalitySyncAdvancesAttemptBelowMax(t *testing.T) {
	cb := NewFinalityCircuitBreakerWithMax(3)
	cb.ProcessEvent(FinalityFailed)
	state := cb.ProcessEvent(SyncFailed)
	require.True(t, state.IsSync())
	require.Equal(t, uint8(2), state.Attempt())
}

func TestFinalitySyncHaltsAtMaxAttempts(t *testing.T) {
	cb := NewFinalityCircuitBreakerWithMax(2)
	cb.ProcessEvent(FinalityFailed)  // Sync(1)
	cb.ProcessEvent(SyncFailed)      // Sync(2), at max
	state := cb.ProcessEvent(SyncFailed) // Sync(2) fails again -> Halted
	require.True(t, state.IsHalted())
}

func TestFinalitySyncSuccessReturnsToRunning(t *testing.T) {
	cb := NewFinalityCircuitBreaker()
	cb.ProcessEvent(FinalityFailed)
	state := cb.ProcessEvent(SyncSuccess)
	require.True(t, state.IsRunning())
	require.Equal(t, uint64(0), cb.ConsecutiveFailures())
}

func TestFinalityHaltedOnlyRecoversViaManualIntervention(t *testing.T) {
	cb := NewFinalityCircuitBreakerWithMax(1)
	cb.ProcessEvent(FinalityFailed)  // Sync(1)
	state := cb.ProcessEvent(SyncFailed) // Halted
	require.True(t, state.IsHalted())

	// Any other event leaves Halted unchanged.
	state = cb.ProcessEvent(SyncSuccess)
	require.True(t, state.IsHalted())

	state = cb.ProcessEvent(ManualIntervention)
	require.True(t, state.IsRunning())
	require.Equal(t, uint64(1), cb.InterventionCount())
}

func TestFinalityManualInterventionResetsConsecutiveFailures(t *testing.T) {
	cb := NewFinalityCircuitBreakerWithMax(1)
	cb.ProcessEvent(FinalityFailed)
	cb.ProcessEvent(SyncFailed)
	require.True(t, cb.ConsecutiveFailures() > 0)

	cb.ProcessEvent(ManualIntervention)
	require.Equal(t, uint64(0), cb.ConsecutiveFailures())
}
