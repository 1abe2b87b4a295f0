package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateCompactBlockShortIDsAndPrefill(t *testing.T) {
	txHashes := []Hash{{1}, {2}, {3}}
	cb := CreateCompactBlock(CompactBlockParams{
		HeaderHash:     Hash{0xaa},
		TxHashes:       txHashes,
		Nonce:          42,
		PrefillIndices: []int{0, 99},
	})

	require.Len(t, cb.ShortTxIDs, 3)
	require.Len(t, cb.PrefilledTxs, 1)
	require.Equal(t, txHashes[0], cb.PrefilledTxs[0].TxHash)
}

func TestReconstructBlockSuccessWhenAllFound(t *testing.T) {
	txHashes := []Hash{{1}, {2}}
	cb := CreateCompactBlock(CompactBlockParams{HeaderHash: Hash{0xaa}, TxHashes: txHashes, Nonce: 1})

	lookup := func(ids []ShortTxId, nonce uint64) []*Hash {
		out := make([]*Hash, len(ids))
		for i := range ids {
			h := txHashes[i]
			out[i] = &h
		}
		return out
	}

	result := ReconstructBlock(cb, lookup)
	require.True(t, result.Success)
	require.Equal(t, txHashes, result.TxHashes)
}

func TestReconstructBlockReportsMissingIndices(t *testing.T) {
	txHashes := []Hash{{1}, {2}, {3}}
	cb := CreateCompactBlock(CompactBlockParams{HeaderHash: Hash{0xaa}, TxHashes: txHashes, Nonce: 1})

	lookup := func(ids []ShortTxId, nonce uint64) []*Hash {
		out := make([]*Hash, len(ids))
		out[0] = &txHashes[0]
		// index 1 and 2 unresolved.
		return out
	}

	result := ReconstructBlock(cb, lookup)
	require.False(t, result.Success)
	require.Equal(t, []uint16{1, 2}, result.MissingIndices)
}

func TestReconstructBlockPrefilledTxCoversMissingLookup(t *testing.T) {
	txHashes := []Hash{{1}, {2}}
	cb := CreateCompactBlock(CompactBlockParams{
		HeaderHash:     Hash{0xaa},
		TxHashes:       txHashes,
		Nonce:          1,
		PrefillIndices: []int{1},
	})

	lookup := func(ids []ShortTxId, nonce uint64) []*Hash {
		out := make([]*Hash, len(ids))
		out[0] = &txHashes[0]
		return out
	}

	result := ReconstructBlock(cb, lookup)
	require.True(t, result.Success)
	require.Equal(t, txHashes, result.TxHashes)
}

func TestSelectPeersForPropagationOrdersByReputationAndTruncates(t *testing.T) {
	low := NewPeerPropagationState(Address{1})
	low.Reputation = 0.1
	high := NewPeerPropagationState(Address{2})
	high.Reputation = 0.9
	mid := NewPeerPropagationState(Address{3})
	mid.Reputation = 0.5

	selected := SelectPeersForPropagation([]*PeerPropagationState{low, high, mid}, 2)
	require.Len(t, selected, 2)
	require.Equal(t, high, selected[0])
	require.Equal(t, mid, selected[1])
}

func TestValidateBlockSizeEnforcesMax(t *testing.T) {
	cfg := DefaultPropagationConfig()
	require.True(t, ValidateBlockSize(cfg.MaxBlockSizeBytes, cfg))
	require.False(t, ValidateBlockSize(cfg.MaxBlockSizeBytes+1, cfg))
}
