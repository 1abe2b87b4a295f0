package core

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckGasLimitRejectsOverLimit(t *testing.T) {
	err := CheckGasLimit(BlockTemplate{TotalGasUsed: 101, GasLimit: 100})
	require.ErrorIs(t, err, ErrGasLimitExceeded)
}

func TestCheckGasLimitAcceptsAtLimit(t *testing.T) {
	require.NoError(t, CheckGasLimit(BlockTemplate{TotalGasUsed: 100, GasLimit: 100}))
}

func TestCheckNonceOrderingRequiresSequentialPerSender(t *testing.T) {
	txs := []TransactionCandidate{
		{From: Address{1}, Nonce: 1},
		{From: Address{1}, Nonce: 2},
		{From: Address{1}, Nonce: 3},
	}
	require.NoError(t, CheckNonceOrdering(txs))

	bad := []TransactionCandidate{
		{From: Address{1}, Nonce: 1},
		{From: Address{1}, Nonce: 3},
	}
	require.ErrorIs(t, CheckNonceOrdering(bad), ErrNonceMismatch)
}

func TestCheckNoDuplicatesRejectsRepeatedHash(t *testing.T) {
	txs := []TransactionCandidate{{Hash: Hash{1}}, {Hash: Hash{1}}}
	require.ErrorIs(t, CheckNoDuplicates(txs), ErrDuplicateTx)
}

func TestCheckTimestampValidityEnforcesBoundsBothWays(t *testing.T) {
	require.ErrorIs(t, CheckTimestampValidity(5, 10, 10, MaxTimestampSkew), ErrTimestampTooEarly)
	require.ErrorIs(t, CheckTimestampValidity(1000, 10, 10, MaxTimestampSkew), ErrTimestampTooLate)
	require.NoError(t, CheckTimestampValidity(12, 10, 10, MaxTimestampSkew))
}

func TestCheckFeeOrderingDetectsUnsortedCandidates(t *testing.T) {
	sorted := []TransactionCandidate{{GasPrice: big.NewInt(30)}, {GasPrice: big.NewInt(20)}}
	require.True(t, CheckFeeOrdering(sorted))

	unsorted := []TransactionCandidate{{GasPrice: big.NewInt(10)}, {GasPrice: big.NewInt(20)}}
	require.False(t, CheckFeeOrdering(unsorted))
}

func TestValidateBlockTemplateRunsAllMustInvariants(t *testing.T) {
	good := BlockTemplate{
		GasLimit:     100,
		TotalGasUsed: 50,
		Transactions: []TransactionCandidate{{Hash: Hash{1}, From: Address{1}, Nonce: 1}},
	}
	require.NoError(t, ValidateBlockTemplate(good))

	overGas := good
	overGas.TotalGasUsed = 200
	require.Error(t, ValidateBlockTemplate(overGas))
}

func TestDownstreamCircuitBreakerOpensAtFailureThreshold(t *testing.T) {
	cb := NewDownstreamCircuitBreaker()
	for i := 0; i < 4; i++ {
		cb.RecordFailure("mempool")
		require.Equal(t, CircuitClosed, cb.GetState("mempool"))
	}
	cb.RecordFailure("mempool")
	require.Equal(t, CircuitOpen, cb.GetState("mempool"))
}

func TestDownstreamCircuitBreakerBlocksWhileOpen(t *testing.T) {
	cb := NewDownstreamCircuitBreaker()
	for i := 0; i < 5; i++ {
		cb.RecordFailure("state")
	}
	require.Equal(t, CircuitOpen, cb.GetState("state"))
	require.False(t, cb.ShouldAllow("state"))
}

func TestDownstreamCircuitBreakerHalfOpenClosesAfterSuccesses(t *testing.T) {
	cb := &DownstreamCircuitBreaker{
		circuits:         make(map[string]*subsystemCircuit),
		failureThreshold: 1,
		successThreshold: 2,
		openTimeout:      0,
		enabled:          true,
	}
	cb.RecordFailure("consensus")
	require.Equal(t, CircuitOpen, cb.GetState("consensus"))

	require.True(t, cb.ShouldAllow("consensus"))
	require.Equal(t, CircuitHalfOpen, cb.GetState("consensus"))

	cb.RecordSuccess("consensus")
	require.Equal(t, CircuitHalfOpen, cb.GetState("consensus"))
	cb.RecordSuccess("consensus")
	require.Equal(t, CircuitClosed, cb.GetState("consensus"))
}

func TestDownstreamCircuitBreakerHalfOpenReopensOnFailure(t *testing.T) {
	cb := &DownstreamCircuitBreaker{
		circuits:         make(map[string]*subsystemCircuit),
		failureThreshold: 1,
		successThreshold: 2,
		openTimeout:      0,
		enabled:          true,
	}
	cb.RecordFailure("consensus")
	require.True(t, cb.ShouldAllow("consensus"))
	require.Equal(t, CircuitHalfOpen, cb.GetState("consensus"))

	cb.RecordFailure("consensus")
	require.Equal(t, CircuitOpen, cb.GetState("consensus"))
}

func TestDownstreamCircuitBreakerReset(t *testing.T) {
	cb := NewDownstreamCircuitBreaker()
	for i := 0; i < 5; i++ {
		cb.RecordFailure("gateway")
	}
	require.Equal(t, CircuitOpen, cb.GetState("gateway"))

	cb.Reset("gateway")
	require.Equal(t, CircuitClosed, cb.GetState("gateway"))
}
