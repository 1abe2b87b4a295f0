package core

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTx(hash byte, sender byte, nonce uint64, gasPrice int64) *MempoolTransaction {
	return NewMempoolTransaction(Hash{hash}, Address{sender}, nonce, big.NewInt(gasPrice), 21000, big.NewInt(0), nil, time.Now())
}

func TestMempoolTransactionProposeRollback(t *testing.T) {
	tx := newTx(1, 1, 0, 2_000_000_000)
	require.True(t, tx.IsPending())

	require.NoError(t, tx.Propose(10, time.Now()))
	require.True(t, tx.IsPendingInclusion())

	err := tx.Propose(11, time.Now())
	require.ErrorIs(t, err, ErrAlreadyPendingInclusion)

	require.NoError(t, tx.Rollback())
	require.True(t, tx.IsPending())

	err = tx.Rollback()
	require.ErrorIs(t, err, ErrNotPendingInclusion)
}

func TestMempoolTransactionIsTimedOutOnlyWhilePendingInclusion(t *testing.T) {
	tx := newTx(1, 1, 0, 2_000_000_000)
	require.False(t, tx.IsTimedOut(time.Now().Add(time.Hour), time.Second))

	now := time.Now()
	require.NoError(t, tx.Propose(10, now))
	require.True(t, tx.IsTimedOut(now.Add(time.Minute), time.Second))
	require.False(t, tx.IsTimedOut(now, time.Minute))
}

func TestMempoolTransactionCostCalculations(t *testing.T) {
	tx := NewMempoolTransaction(Hash{1}, Address{1}, 0, big.NewInt(10), 100, big.NewInt(5), nil, time.Now())
	require.Equal(t, big.NewInt(1000), tx.GasCost())
	require.Equal(t, big.NewInt(1005), tx.TotalCost())
}

func TestMempoolAddRejectsDuplicateHash(t *testing.T) {
	m := NewMempool(DefaultMempoolConfig())
	tx := newTx(1, 1, 0, 2_000_000_000)
	require.NoError(t, m.Add(tx))
	require.ErrorIs(t, m.Add(tx), ErrDuplicateTxHash)
}

func TestMempoolAddRejectsBelowMinGasPrice(t *testing.T) {
	m := NewMempool(DefaultMempoolConfig())
	tx := newTx(1, 1, 0, 1)
	require.ErrorIs(t, m.Add(tx), ErrGasPriceTooLow)
}

func TestMempoolAddRejectsAboveMaxGasLimit(t *testing.T) {
	m := NewMempool(DefaultMempoolConfig())
	tx := newTx(1, 1, 0, 2_000_000_000)
	tx.GasLimit = 40_000_000
	require.ErrorIs(t, m.Add(tx), ErrGasLimitTooHigh)
}

func TestMempoolAddEnforcesPerAccountLimit(t *testing.T) {
	cfg := DefaultMempoolConfig()
	cfg.MaxPerAccount = 1
	m := NewMempool(cfg)
	require.NoError(t, m.Add(newTx(1, 1, 0, 2_000_000_000)))
	require.ErrorIs(t, m.Add(newTx(2, 1, 1, 2_000_000_000)), ErrAccountLimit)
}

func TestMempoolAddEnforcesPoolSize(t *testing.T) {
	cfg := DefaultMempoolConfig()
	cfg.MaxTransactions = 1
	m := NewMempool(cfg)
	require.NoError(t, m.Add(newTx(1, 1, 0, 2_000_000_000)))
	require.ErrorIs(t, m.Add(newTx(2, 2, 0, 2_000_000_000)), ErrMempoolFull)
}

func TestMempoolAddReplacesWithSufficientFeeBump(t *testing.T) {
	m := NewMempool(DefaultMempoolConfig())
	require.NoError(t, m.Add(newTx(1, 1, 0, 2_000_000_000)))

	// Same (sender, nonce) slot, below the 10% bump requirement.
	err := m.Add(newTx(2, 1, 0, 2_100_000_000))
	require.ErrorIs(t, err, ErrReplacementLow)

	// Clears the bump requirement.
	require.NoError(t, m.Add(newTx(3, 1, 0, 2_200_000_001)))
	_, stillThere := m.Get(Hash{1})
	require.False(t, stillThere)
	replacement, ok := m.Get(Hash{3})
	require.True(t, ok)
	require.Equal(t, Hash{3}, replacement.Hash)
}

func TestMempoolPendingSortedByDescendingGasPrice(t *testing.T) {
	m := NewMempool(DefaultMempoolConfig())
	require.NoError(t, m.Add(newTx(1, 1, 0, 2_000_000_000)))
	require.NoError(t, m.Add(newTx(2, 2, 0, 5_000_000_000)))
	require.NoError(t, m.Add(newTx(3, 3, 0, 3_000_000_000)))

	pending := m.Pending()
	require.Len(t, pending, 3)
	require.Equal(t, Hash{2}, pending[0].Hash)
	require.Equal(t, Hash{3}, pending[1].Hash)
	require.Equal(t, Hash{1}, pending[2].Hash)
}

func TestMempoolReapExpiredRollsBackTimedOutTransactions(t *testing.T) {
	m := NewMempool(DefaultMempoolConfig())
	tx := newTx(1, 1, 0, 2_000_000_000)
	require.NoError(t, m.Add(tx))

	now := time.Now()
	require.NoError(t, tx.Propose(10, now))

	rolled := m.ReapExpired(now.Add(time.Hour))
	require.Equal(t, []Hash{{1}}, rolled)
	require.True(t, tx.IsPending())
}
