package core

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSlotAuctionSubmitBidRejectsWrongSlot(t *testing.T) {
	a := &SlotAuction{Slot: 5}
	err := a.SubmitBid(PayloadHeader{BlockNumber: 6})
	require.ErrorIs(t, err, ErrPbsWrongSlot)
}

func TestSlotAuctionHighestBidPicksGreatestValue(t *testing.T) {
	a := &SlotAuction{Slot: 1}
	require.NoError(t, a.SubmitBid(PayloadHeader{BlockNumber: 1, BidValue: big.NewInt(10)}))
	require.NoError(t, a.SubmitBid(PayloadHeader{BlockNumber: 1, BidValue: big.NewInt(30)}))
	require.NoError(t, a.SubmitBid(PayloadHeader{BlockNumber: 1, BidValue: big.NewInt(20)}))

	best := a.HighestBid()
	require.Equal(t, big.NewInt(30), best.BidValue)
}

func TestSlotAuctionCommitRejectsSecondCommitment(t *testing.T) {
	a := &SlotAuction{Slot: 1}
	now := time.Now()
	require.NoError(t, a.Commit(Address{1}, PayloadHeader{}, nil, now))
	err := a.Commit(Address{2}, PayloadHeader{}, nil, now)
	require.ErrorIs(t, err, ErrPbsAlreadyCommitted)
}

func TestSlotAuctionRevealRoundTrip(t *testing.T) {
	a := &SlotAuction{Slot: 1}
	txs := [][]byte{[]byte("tx1"), []byte("tx2")}
	hash := computePayloadHash(txs, 100, 50)
	header := PayloadHeader{PayloadHash: hash, GasLimit: 100, GasUsed: 50}

	require.NoError(t, a.Commit(Address{1}, header, nil, time.Now()))
	require.False(t, a.IsComplete())

	err := a.Reveal(ExecutionPayload{Header: header, Transactions: txs})
	require.NoError(t, err)
	require.True(t, a.IsComplete())
}

func TestSlotAuctionRevealRejectsWithoutCommitment(t *testing.T) {
	a := &SlotAuction{Slot: 1}
	err := a.Reveal(ExecutionPayload{})
	require.ErrorIs(t, err, ErrPbsNoCommitment)
}

func TestSlotAuctionRevealRejectsMismatchedCommitmentHash(t *testing.T) {
	a := &SlotAuction{Slot: 1}
	require.NoError(t, a.Commit(Address{1}, PayloadHeader{PayloadHash: Hash{1}}, nil, time.Now()))

	err := a.Reveal(ExecutionPayload{Header: PayloadHeader{PayloadHash: Hash{2}}})
	require.ErrorIs(t, err, ErrPbsPayloadMismatch)
}

func TestSlotAuctionRevealRejectsHashNotMatchingActualPayload(t *testing.T) {
	a := &SlotAuction{Slot: 1}
	claimedHash := Hash{9}
	require.NoError(t, a.Commit(Address{1}, PayloadHeader{PayloadHash: claimedHash}, nil, time.Now()))

	err := a.Reveal(ExecutionPayload{
		Header:       PayloadHeader{PayloadHash: claimedHash, GasLimit: 1, GasUsed: 1},
		Transactions: [][]byte{[]byte("tx")},
	})
	require.ErrorIs(t, err, ErrPbsInvalidHash)
}

func TestSlotAuctionIsBuilderSlashableAfterDeadlineWithNoReveal(t *testing.T) {
	now := time.Now()
	a := &SlotAuction{Slot: 1, Deadline: now.Add(-time.Second)}
	require.NoError(t, a.Commit(Address{1}, PayloadHeader{}, nil, now))

	require.True(t, a.IsBuilderSlashable(now))
}

func TestSlotAuctionIsBuilderSlashableFalseBeforeDeadline(t *testing.T) {
	now := time.Now()
	a := &SlotAuction{Slot: 1, Deadline: now.Add(time.Hour)}
	require.NoError(t, a.Commit(Address{1}, PayloadHeader{}, nil, now))

	require.False(t, a.IsBuilderSlashable(now))
}

func TestPbsServiceStartGetCleanupAuction(t *testing.T) {
	s := NewPbsService(12 * time.Second)
	now := time.Now()

	a := s.StartAuction(5, now)
	require.Equal(t, a, s.GetAuction(5))
	require.Nil(t, s.GetAuction(6))

	s.StartAuction(10, now)
	s.CleanupBefore(10)
	require.Nil(t, s.GetAuction(5))
	require.NotNil(t, s.GetAuction(10))
}
