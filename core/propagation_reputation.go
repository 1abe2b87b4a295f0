package core

import (
	"sync"
	"time"
)

// ReputationDecayRate is applied once per elapsed minute (5% decay).
const ReputationDecayRate = 0.95

// MaxRateViolations is the number of rate-limit violations that zeroes a
// peer's reputation and makes it ineligible for gossip.
const MaxRateViolations = 3

// PeerPropagationState tracks one peer's gossip behavior for rate-limiting
// and reputation-weighted peer selection (§4.5a).
type PeerPropagationState struct {
	mu                sync.Mutex
	Peer              Address
	LastAnnouncement  time.Time
	AnnouncementCount uint32
	WindowStart       time.Time
	LatencyMs         uint64
	Reputation        float64
	RateViolations    uint32
	BlocksReceived    uint64
	InvalidBlocks     uint64
}

// NewPeerPropagationState creates a fresh per-peer tracker with the
// reference's neutral starting reputation of 0.5 and 100ms latency estimate.
func NewPeerPropagationState(peer Address) *PeerPropagationState {
	now := time.Now()
	return &PeerPropagationState{
		Peer:             peer,
		LastAnnouncement: now,
		WindowStart:      now,
		LatencyMs:        100,
		Reputation:       0.5,
	}
}

// RecordAnnouncement registers an announcement, resetting the 1-second
// rate-limit window if it has elapsed.
func (s *PeerPropagationState) RecordAnnouncement() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if now.Sub(s.WindowStart) >= time.Second {
		s.WindowStart = now
		s.AnnouncementCount = 0
	}
	s.AnnouncementCount++
	s.LastAnnouncement = now
}

// ResetRateLimit clears the rate-limit window.
func (s *PeerPropagationState) ResetRateLimit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.WindowStart = time.Now()
	s.AnnouncementCount = 0
}

// UpdateReputation applies delta, clamped to [0, 1].
func (s *PeerPropagationState) UpdateReputation(delta float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateReputationLocked(delta)
}

func (s *PeerPropagationState) updateReputationLocked(delta float64) {
	r := s.Reputation + delta
	if r < 0 {
		r = 0
	}
	if r > 1 {
		r = 1
	}
	s.Reputation = r
}

// ApplyDecay decays reputation by ReputationDecayRate per elapsed minute,
// capped at 60 minutes per call.
func (s *PeerPropagationState) ApplyDecay(elapsedMinutes uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := elapsedMinutes
	if n > 60 {
		n = 60
	}
	for i := uint32(0); i < n; i++ {
		s.Reputation *= ReputationDecayRate
	}
}

// RecordRateViolation registers a rate-limit violation, zeroing reputation
// and returning true once MaxRateViolations is reached.
func (s *PeerPropagationState) RecordRateViolation() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RateViolations++
	if s.RateViolations >= MaxRateViolations {
		s.Reputation = 0
		return true
	}
	return false
}

// RecordValidBlock rewards a valid block with a small reputation bump.
func (s *PeerPropagationState) RecordValidBlock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.BlocksReceived++
	s.updateReputationLocked(0.01)
}

// RecordInvalidBlock penalizes an invalid (e.g. PoW-failing) block.
func (s *PeerPropagationState) RecordInvalidBlock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.InvalidBlocks++
	s.updateReputationLocked(-0.1)
}

// ReputationScore returns the peer's current reputation under lock, safe to
// call concurrently with updates.
func (s *PeerPropagationState) ReputationScore() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Reputation
}

// IsEligible reports whether the peer is still usable as a gossip target.
func (s *PeerPropagationState) IsEligible() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Reputation > 0 && s.RateViolations < MaxRateViolations
}
