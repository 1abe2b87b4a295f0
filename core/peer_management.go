package core

import (
	"sync"
	"time"
)

// BucketSize is the Kademlia bucket capacity k (§4.9).
const BucketSize = 20

// NodeID is the 32-byte identifier peers are addressed and XOR-distanced by.
type NodeID [32]byte

// PeerInfo is a directory entry for one known peer.
type PeerInfo struct {
	ID       NodeID
	Address  string
	LastSeen time.Time
	AddedAt  time.Time
}

func xorDistance(a, b NodeID) NodeID {
	var d NodeID
	for i := range a {
		d[i] = a[i] ^ b[i]
	}
	return d
}

func bucketIndex(local, other NodeID) int {
	d := xorDistance(local, other)
	for i, b := range d {
		if b == 0 {
			continue
		}
		for bit := 7; bit >= 0; bit-- {
			if b&(1<<uint(bit)) != 0 {
				return 255 - (i*8 + (7 - bit))
			}
		}
	}
	return 0
}

type kBucket struct {
	peers []PeerInfo // ordered least-recently-seen first
}

func (b *kBucket) touch(id NodeID) bool {
	for i, p := range b.peers {
		if p.ID == id {
			p.LastSeen = time.Now()
			b.peers = append(b.peers[:i], b.peers[i+1:]...)
			b.peers = append(b.peers, p)
			return true
		}
	}
	return false
}

func (b *kBucket) remove(id NodeID) {
	for i, p := range b.peers {
		if p.ID == id {
			b.peers = append(b.peers[:i], b.peers[i+1:]...)
			return
		}
	}
}

// pendingChallenge tracks an outstanding ping challenge issued to a bucket's
// least-recently-seen occupant on behalf of a staged candidate.
type pendingChallenge struct {
	bucketIndex int
	incumbent   PeerInfo
	candidate   PeerInfo
	issuedAt    time.Time
}

// ChallengeWindow bounds how long an incumbent has to answer a liveness
// challenge before it is treated as dead.
const ChallengeWindow = 10 * time.Second

// StalenessHorizon is how old an unrefreshed peer entry may get before GC
// removes it.
const StalenessHorizon = 1 * time.Hour

// RoutingTable is a Kademlia-style peer directory with staged verification
// and full-bucket ping-challenge eviction (§4.9).
type RoutingTable struct {
	mu         sync.Mutex
	localID    NodeID
	buckets    [256]kBucket
	staged     map[NodeID]PeerInfo
	banned     map[NodeID]time.Time
	challenges map[NodeID]*pendingChallenge
}

// NewRoutingTable creates a table centered on localID.
func NewRoutingTable(localID NodeID) *RoutingTable {
	return &RoutingTable{
		localID:    localID,
		staged:     make(map[NodeID]PeerInfo),
		banned:     make(map[NodeID]time.Time),
		challenges: make(map[NodeID]*pendingChallenge),
	}
}

// ErrPeerBanned is returned when an operation targets a currently-banned peer.
type errPeerBanned struct{}

func (errPeerBanned) Error() string { return "peer directory: peer is banned" }

var ErrPeerBanned error = errPeerBanned{}

// AddPeer stages peer for verification, returning true once staged. Banned
// peers are rejected outright.
func (rt *RoutingTable) AddPeer(peer PeerInfo) (bool, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.isBannedLocked(peer.ID) {
		return false, ErrPeerBanned
	}
	peer.AddedAt = time.Now()
	rt.staged[peer.ID] = peer
	return true, nil
}

// OnVerificationResult processes the signature-verification subsystem's
// verdict on a staged peer. If valid and its bucket is full, the
// least-recently-seen occupant is challenged and its id returned so the
// caller can dispatch a PING.
func (rt *RoutingTable) OnVerificationResult(id NodeID, valid bool) *NodeID {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	candidate, ok := rt.staged[id]
	if !ok {
		return nil
	}
	delete(rt.staged, id)
	if !valid {
		return nil
	}

	idx := bucketIndex(rt.localID, id)
	bucket := &rt.buckets[idx]
	if len(bucket.peers) < BucketSize {
		bucket.peers = append(bucket.peers, candidate)
		return nil
	}

	incumbent := bucket.peers[0]
	rt.challenges[incumbent.ID] = &pendingChallenge{bucketIndex: idx, incumbent: incumbent, candidate: candidate, issuedAt: time.Now()}
	challenged := incumbent.ID
	return &challenged
}

// OnChallengeResponse processes a liveness response for a previously
// challenged incumbent: alive refreshes it and drops the candidate; dead
// evicts it and admits the candidate.
func (rt *RoutingTable) OnChallengeResponse(challengedPeer NodeID, alive bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.resolveChallengeLocked(challengedPeer, alive)
}

func (rt *RoutingTable) resolveChallengeLocked(challengedPeer NodeID, alive bool) {
	ch, ok := rt.challenges[challengedPeer]
	if !ok {
		return
	}
	delete(rt.challenges, challengedPeer)
	bucket := &rt.buckets[ch.bucketIndex]

	if alive {
		bucket.touch(challengedPeer)
		return
	}
	bucket.remove(challengedPeer)
	bucket.peers = append(bucket.peers, ch.candidate)
}

// CheckExpiredChallenges resolves any challenge that has exceeded
// ChallengeWindow as dead (the incumbent is evicted, its candidate admitted)
// and returns the ids that expired.
func (rt *RoutingTable) CheckExpiredChallenges(now time.Time) []NodeID {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	var expired []NodeID
	for id, ch := range rt.challenges {
		if now.Sub(ch.issuedAt) >= ChallengeWindow {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		rt.resolveChallengeLocked(id, false)
	}
	return expired
}

// BanPeer removes id from the table and marks it banned until now+duration.
func (rt *RoutingTable) BanPeer(id NodeID, duration time.Duration, reason string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.banned[id] = time.Now().Add(duration)
	delete(rt.staged, id)
	idx := bucketIndex(rt.localID, id)
	rt.buckets[idx].remove(id)
}

// IsBanned reports whether id is currently banned.
func (rt *RoutingTable) IsBanned(id NodeID) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.isBannedLocked(id)
}

func (rt *RoutingTable) isBannedLocked(id NodeID) bool {
	until, ok := rt.banned[id]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(rt.banned, id)
		return false
	}
	return true
}

// TouchPeer refreshes id's last-seen time if present in a bucket.
func (rt *RoutingTable) TouchPeer(id NodeID) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	idx := bucketIndex(rt.localID, id)
	rt.buckets[idx].touch(id)
}

// RemovePeer drops id from whichever bucket holds it.
func (rt *RoutingTable) RemovePeer(id NodeID) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	idx := bucketIndex(rt.localID, id)
	rt.buckets[idx].remove(id)
}

// FindClosestPeers returns up to count peers ordered by ascending XOR
// distance from target.
func (rt *RoutingTable) FindClosestPeers(target NodeID, count int) []PeerInfo {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	var all []PeerInfo
	for i := range rt.buckets {
		all = append(all, rt.buckets[i].peers...)
	}
	for i := 0; i < len(all) && i < count; i++ {
		min := i
		for j := i + 1; j < len(all); j++ {
			if bytesLess(xorDistance(target, all[j].ID)[:], xorDistance(target, all[min].ID)[:]) {
				min = j
			}
		}
		all[i], all[min] = all[min], all[i]
	}
	if count > len(all) {
		count = len(all)
	}
	return append([]PeerInfo(nil), all[:count]...)
}

// GetRandomPeers returns up to count peers with no distance ordering
// guarantee, drawn from however the table's buckets happen to order them.
func (rt *RoutingTable) GetRandomPeers(count int) []PeerInfo {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	var all []PeerInfo
	for i := range rt.buckets {
		all = append(all, rt.buckets[i].peers...)
		if len(all) >= count {
			break
		}
	}
	if count > len(all) {
		count = len(all)
	}
	return append([]PeerInfo(nil), all[:count]...)
}

// GC removes bucket entries that have not been refreshed within
// StalenessHorizon.
func (rt *RoutingTable) GC(now time.Time) int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	removed := 0
	for i := range rt.buckets {
		kept := rt.buckets[i].peers[:0]
		for _, p := range rt.buckets[i].peers {
			if now.Sub(p.LastSeen) < StalenessHorizon {
				kept = append(kept, p)
			} else {
				removed++
			}
		}
		rt.buckets[i].peers = kept
	}
	return removed
}

// RoutingTableStats summarises the table for an operator/debug surface.
type RoutingTableStats struct {
	TotalPeers     int
	StagedPeers    int
	BannedPeers    int
	OpenChallenges int
}

// GetStats returns the table's current statistics.
func (rt *RoutingTable) GetStats() RoutingTableStats {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	total := 0
	for i := range rt.buckets {
		total += len(rt.buckets[i].peers)
	}
	return RoutingTableStats{
		TotalPeers:     total,
		StagedPeers:    len(rt.staged),
		BannedPeers:    len(rt.banned),
		OpenChallenges: len(rt.challenges),
	}
}
