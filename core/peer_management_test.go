package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testPeer(id byte) PeerInfo {
	return PeerInfo{ID: NodeID{id}, Address: "127.0.0.1:0", LastSeen: time.Now()}
}

func TestRoutingTableAddPeerStagesIt(t *testing.T) {
	rt := NewRoutingTable(NodeID{0})
	ok, err := rt.AddPeer(testPeer(1))
	require.True(t, ok)
	require.NoError(t, err)

	stats := rt.GetStats()
	require.Equal(t, 1, stats.StagedPeers)
}

func TestRoutingTableAddPeerRejectsBanned(t *testing.T) {
	rt := NewRoutingTable(NodeID{0})
	rt.BanPeer(NodeID{1}, time.Hour, "spam")

	ok, err := rt.AddPeer(testPeer(1))
	require.False(t, ok)
	require.ErrorIs(t, err, ErrPeerBanned)
}

func TestRoutingTableOnVerificationResultAdmitsValidPeer(t *testing.T) {
	rt := NewRoutingTable(NodeID{0})
	rt.AddPeer(testPeer(1))

	challenged := rt.OnVerificationResult(NodeID{1}, true)
	require.Nil(t, challenged)
	require.Equal(t, 1, rt.GetStats().TotalPeers)
}

func TestRoutingTableOnVerificationResultDropsInvalidPeer(t *testing.T) {
	rt := NewRoutingTable(NodeID{0})
	rt.AddPeer(testPeer(1))

	challenged := rt.OnVerificationResult(NodeID{1}, false)
	require.Nil(t, challenged)
	require.Equal(t, 0, rt.GetStats().TotalPeers)
}

func TestRoutingTableFullBucketTriggersChallenge(t *testing.T) {
	rt := NewRoutingTable(NodeID{0})
	idx := bucketIndex(NodeID{0}, NodeID{1})
	for i := 0; i < BucketSize; i++ {
		rt.buckets[idx].peers = append(rt.buckets[idx].peers, testPeer(byte(100+i)))
	}

	rt.AddPeer(testPeer(1))
	challenged := rt.OnVerificationResult(NodeID{1}, true)
	require.NotNil(t, challenged)
	require.Equal(t, 1, rt.GetStats().OpenChallenges)
}

func TestRoutingTableChallengeResponseAliveKeepsIncumbent(t *testing.T) {
	rt := NewRoutingTable(NodeID{0})
	idx := bucketIndex(NodeID{0}, NodeID{1})
	for i := 0; i < BucketSize; i++ {
		rt.buckets[idx].peers = append(rt.buckets[idx].peers, testPeer(byte(100+i)))
	}
	rt.AddPeer(testPeer(1))
	challenged := rt.OnVerificationResult(NodeID{1}, true)
	require.NotNil(t, challenged)

	rt.OnChallengeResponse(*challenged, true)
	require.Equal(t, 0, rt.GetStats().OpenChallenges)
	require.Equal(t, BucketSize, len(rt.buckets[idx].peers))
}

func TestRoutingTableChallengeResponseDeadAdmitsCandidate(t *testing.T) {
	rt := NewRoutingTable(NodeID{0})
	idx := bucketIndex(NodeID{0}, NodeID{1})
	for i := 0; i < BucketSize; i++ {
		rt.buckets[idx].peers = append(rt.buckets[idx].peers, testPeer(byte(100+i)))
	}
	rt.AddPeer(testPeer(1))
	challenged := rt.OnVerificationResult(NodeID{1}, true)
	require.NotNil(t, challenged)

	rt.OnChallengeResponse(*challenged, false)
	require.Equal(t, 0, rt.GetStats().OpenChallenges)

	found := false
	for _, p := range rt.buckets[idx].peers {
		if p.ID == (NodeID{1}) {
			found = true
		}
	}
	require.True(t, found)
}

func TestRoutingTableCheckExpiredChallengesResolvesAsDead(t *testing.T) {
	rt := NewRoutingTable(NodeID{0})
	idx := bucketIndex(NodeID{0}, NodeID{1})
	for i := 0; i < BucketSize; i++ {
		rt.buckets[idx].peers = append(rt.buckets[idx].peers, testPeer(byte(100+i)))
	}
	rt.AddPeer(testPeer(1))
	rt.OnVerificationResult(NodeID{1}, true)

	expired := rt.CheckExpiredChallenges(time.Now().Add(ChallengeWindow * 2))
	require.Len(t, expired, 1)
	require.Equal(t, 0, rt.GetStats().OpenChallenges)
}

func TestRoutingTableBanPeerAndIsBanned(t *testing.T) {
	rt := NewRoutingTable(NodeID{0})
	rt.BanPeer(NodeID{1}, time.Hour, "abuse")
	require.True(t, rt.IsBanned(NodeID{1}))
}

func TestRoutingTableIsBannedExpiresAfterDuration(t *testing.T) {
	rt := NewRoutingTable(NodeID{0})
	rt.banned[NodeID{1}] = time.Now().Add(-time.Second)
	require.False(t, rt.IsBanned(NodeID{1}))
}

func TestRoutingTableFindClosestPeersOrdersByXorDistance(t *testing.T) {
	rt := NewRoutingTable(NodeID{0})
	near := testPeer(1)
	far := testPeer(0xff)
	idxNear := bucketIndex(NodeID{0}, near.ID)
	idxFar := bucketIndex(NodeID{0}, far.ID)
	rt.buckets[idxNear].peers = append(rt.buckets[idxNear].peers, near)
	rt.buckets[idxFar].peers = append(rt.buckets[idxFar].peers, far)

	closest := rt.FindClosestPeers(NodeID{0}, 2)
	require.Len(t, closest, 2)
	require.Equal(t, near.ID, closest[0].ID)
}

func TestRoutingTableGCRemovesStaleEntries(t *testing.T) {
	rt := NewRoutingTable(NodeID{0})
	stale := testPeer(1)
	stale.LastSeen = time.Now().Add(-2 * StalenessHorizon)
	idx := bucketIndex(NodeID{0}, stale.ID)
	rt.buckets[idx].peers = append(rt.buckets[idx].peers, stale)

	removed := rt.GC(time.Now())
	require.Equal(t, 1, removed)
	require.Equal(t, 0, rt.GetStats().TotalPeers)
}
