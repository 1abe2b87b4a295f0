package core

import "sync"

// FinalityState is the finality circuit breaker's state (§4.5).
type FinalityState struct {
	kind    finalityStateKind
	attempt uint8
}

type finalityStateKind uint8

const (
	finalityRunning finalityStateKind = iota
	finalitySync
	finalityHalted
)

// RunningState, SyncState and HaltedState construct the three FinalityState variants.
func RunningState() FinalityState                { return FinalityState{kind: finalityRunning} }
func SyncState(attempt uint8) FinalityState       { return FinalityState{kind: finalitySync, attempt: attempt} }
func HaltedState() FinalityState                  { return FinalityState{kind: finalityHalted} }

func (s FinalityState) IsRunning() bool { return s.kind == finalityRunning }
func (s FinalityState) IsSync() bool    { return s.kind == finalitySync }
func (s FinalityState) IsHalted() bool  { return s.kind == finalityHalted }
func (s FinalityState) Attempt() uint8  { return s.attempt }

// FinalityEvent drives FinalityCircuitBreaker transitions.
type FinalityEvent uint8

const (
	FinalityAchieved FinalityEvent = iota
	FinalityFailed
	SyncSuccess
	SyncFailed
	ManualIntervention
)

// FinalityCircuitBreaker prevents infinite retry loops when finality fails
// (§4.5): after maxSyncAttempts consecutive sync failures it halts and
// requires an operator to intervene. ProcessEvent is a pure function of
// (state, event) plus bookkeeping counters — the same event sequence always
// produces the same state sequence.
type FinalityCircuitBreaker struct {
	mu                  sync.Mutex
	state               FinalityState
	maxSyncAttempts     uint8
	consecutiveFailures uint64
	interventionCount   uint64
}

// NewFinalityCircuitBreaker creates a breaker starting in Running with the
// default max of 3 sync attempts before halting.
func NewFinalityCircuitBreaker() *FinalityCircuitBreaker {
	return &FinalityCircuitBreaker{state: RunningState(), maxSyncAttempts: 3}
}

// NewFinalityCircuitBreakerWithMax creates a breaker with a custom attempt limit.
func NewFinalityCircuitBreakerWithMax(max uint8) *FinalityCircuitBreaker {
	return &FinalityCircuitBreaker{state: RunningState(), maxSyncAttempts: max}
}

// State returns the breaker's current state.
func (cb *FinalityCircuitBreaker) State() FinalityState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// ProcessEvent applies event to the breaker and returns the resulting state.
func (cb *FinalityCircuitBreaker) ProcessEvent(event FinalityEvent) FinalityState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	next := cb.nextState(event)

	switch event {
	case FinalityFailed, SyncFailed:
		cb.consecutiveFailures++
	case FinalityAchieved, SyncSuccess:
		cb.consecutiveFailures = 0
	case ManualIntervention:
		cb.interventionCount++
		cb.consecutiveFailures = 0
	}

	cb.state = next
	return next
}

func (cb *FinalityCircuitBreaker) nextState(event FinalityEvent) FinalityState {
	switch {
	case cb.state.IsRunning() && event == FinalityFailed:
		return SyncState(1)
	case cb.state.IsSync() && event == SyncSuccess:
		return RunningState()
	case cb.state.IsSync() && event == SyncFailed:
		if cb.state.Attempt() >= cb.maxSyncAttempts {
			return HaltedState()
		}
		return SyncState(cb.state.Attempt() + 1)
	case cb.state.IsHalted() && event == ManualIntervention:
		return RunningState()
	default:
		return cb.state
	}
}

func (cb *FinalityCircuitBreaker) ConsecutiveFailures() uint64 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.consecutiveFailures
}

func (cb *FinalityCircuitBreaker) InterventionCount() uint64 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.interventionCount
}
