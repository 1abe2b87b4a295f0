package core

import (
	"testing"

	"github.com/stretchr/testify/require"
	blst "github.com/supranational/blst/bindings/go"
)

func testPubKey(t *testing.T, seed byte) *p1Affine {
	t.Helper()
	ikm := make([]byte, 32)
	ikm[0] = seed
	sk := blst.KeyGen(ikm)
	return new(blst.P1Affine).From(sk)
}

func TestBuildCommitteeCacheAssignsEverySingleCommitteeMember(t *testing.T) {
	addrs := []Address{{1}, {2}, {3}}
	pubKeys := map[Address]*p1Affine{
		{1}: testPubKey(t, 1),
		{2}: testPubKey(t, 2),
		{3}: testPubKey(t, 3),
	}

	cache := BuildCommitteeCache(5, addrs, pubKeys)
	require.Equal(t, 1, cache.NumCommittees())
	require.Equal(t, uint64(5), cache.Epoch)

	var all []Address
	for i := 0; i < cache.NumCommittees(); i++ {
		all = append(all, cache.GetCommitteeMembers(uint64(i))...)
	}
	require.ElementsMatch(t, addrs, all)
}

func TestBuildCommitteeCacheSplitsAcrossMultipleCommittees(t *testing.T) {
	addrs := make([]Address, CommitteeSize+1)
	pubKeys := make(map[Address]*p1Affine, len(addrs))
	for i := range addrs {
		addrs[i] = Address{byte(i), byte(i >> 8)}
		pubKeys[addrs[i]] = testPubKey(t, byte(i))
	}

	cache := BuildCommitteeCache(0, addrs, pubKeys)
	require.Equal(t, 2, cache.NumCommittees())
	require.Len(t, cache.GetCommitteeMembers(0), CommitteeSize)
	require.Len(t, cache.GetCommitteeMembers(1), 1)
}

func TestGetCommitteeOutOfRangeReturnsNil(t *testing.T) {
	cache := BuildCommitteeCache(0, nil, nil)
	require.Nil(t, cache.GetCommittee(0))
}

func TestVerifyAggregateRequiresQuorum(t *testing.T) {
	addrs := []Address{{1}, {2}, {3}}
	pubKeys := map[Address]*p1Affine{
		{1}: testPubKey(t, 1),
		{2}: testPubKey(t, 2),
		{3}: testPubKey(t, 3),
	}
	cache := BuildCommitteeCache(0, addrs, pubKeys)

	// Full participation clears quorum.
	require.True(t, cache.VerifyAggregate(nil))

	// Quorum for 3 validators is (3*2)/3+1 = 3, so one absent validator out
	// of three fails it.
	require.False(t, cache.VerifyAggregate([]Address{{1}}))
}

func TestVerifyAggregateFailsWhenEffectiveKeyEmpty(t *testing.T) {
	addr := Address{1}
	pubKeys := map[Address]*p1Affine{addr: testPubKey(t, 1)}
	cache := BuildCommitteeCache(0, []Address{addr}, pubKeys)

	require.False(t, cache.VerifyAggregate([]Address{addr}))
}

func TestCommitteeCacheStatsReportsTotals(t *testing.T) {
	addrs := []Address{{1}, {2}}
	pubKeys := map[Address]*p1Affine{
		{1}: testPubKey(t, 1),
		{2}: testPubKey(t, 2),
	}
	cache := BuildCommitteeCache(3, addrs, pubKeys)

	stats := cache.Stats()
	require.Equal(t, 1, stats.NumCommittees)
	require.Equal(t, 2, stats.TotalValidators)
	require.Equal(t, uint64(3), stats.Epoch)
}
