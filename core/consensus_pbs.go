package core

import (
	"encoding/binary"
	"errors"
	"sync"
	"time"
)

// Withdrawal is one validator withdrawal carried by an execution payload.
type Withdrawal struct {
	Index          uint64
	ValidatorIndex uint64
	Address        Address
	Amount         uint64
}

// PayloadHeader is the commitment-phase summary of a builder's bid (§4.4b).
type PayloadHeader struct {
	BuilderID   string
	PayloadHash Hash
	BidValue    *U256
	GasLimit    uint64
	GasUsed     uint64
	BlockNumber uint64
	ParentHash  Hash
	Timestamp   uint64
}

// ExecutionPayload is the builder's full revealed block body.
type ExecutionPayload struct {
	Header       PayloadHeader
	Transactions [][]byte
	Withdrawals  []Withdrawal
}

// computePayloadHash hashes exactly the transaction bytes and gas fields, in
// that order — not the rest of the header — matching the reveal-matching
// contract builders sign against.
func computePayloadHash(txs [][]byte, gasLimit, gasUsed uint64) Hash {
	var buf []byte
	for _, tx := range txs {
		buf = append(buf, tx...)
	}
	var g [16]byte
	binary.LittleEndian.PutUint64(g[0:8], gasLimit)
	binary.LittleEndian.PutUint64(g[8:16], gasUsed)
	buf = append(buf, g[:]...)
	return Keccak256Hash(buf)
}

// PayloadCommitment is a proposer's signed acceptance of a winning bid.
type PayloadCommitment struct {
	Slot        uint64
	Proposer    Address
	Header      PayloadHeader
	Signature   []byte
	CommittedAt time.Time
}

var (
	ErrPbsWrongSlot        = errors.New("pbs: bid targets wrong slot")
	ErrPbsAlreadyCommitted = errors.New("pbs: slot already has a commitment")
	ErrPbsNoCommitment     = errors.New("pbs: no commitment to reveal against")
	ErrPbsPayloadMismatch  = errors.New("pbs: revealed payload does not match commitment")
	ErrPbsInvalidHash      = errors.New("pbs: revealed payload hash mismatch")
	ErrPbsAuctionNotFound  = errors.New("pbs: auction not found for slot")
	ErrPbsBuilderSlashed   = errors.New("pbs: builder is slashable for this slot")
)

// SlotAuction runs the commit-reveal builder auction for a single slot.
type SlotAuction struct {
	Slot             uint64
	Bids             []PayloadHeader
	WinningBid       *PayloadHeader
	Commitment       *PayloadCommitment
	RevealedPayload  *ExecutionPayload
	Deadline         time.Time
}

// SubmitBid adds a builder's bid, rejecting one targeting the wrong block
// number.
func (a *SlotAuction) SubmitBid(header PayloadHeader) error {
	if header.BlockNumber != a.Slot {
		return ErrPbsWrongSlot
	}
	a.Bids = append(a.Bids, header)
	return nil
}

// HighestBid returns the bid with the greatest BidValue, or nil if none.
func (a *SlotAuction) HighestBid() *PayloadHeader {
	if len(a.Bids) == 0 {
		return nil
	}
	best := a.Bids[0]
	for _, bid := range a.Bids[1:] {
		if bid.BidValue.Cmp(best.BidValue) > 0 {
			best = bid
		}
	}
	a.WinningBid = &best
	return a.WinningBid
}

// Commit records the proposer's acceptance of header, failing if the slot
// was already committed.
func (a *SlotAuction) Commit(proposer Address, header PayloadHeader, sig []byte, now time.Time) error {
	if a.Commitment != nil {
		return ErrPbsAlreadyCommitted
	}
	a.Commitment = &PayloadCommitment{
		Slot: a.Slot, Proposer: proposer, Header: header, Signature: sig, CommittedAt: now,
	}
	return nil
}

// Reveal checks the builder's revealed payload against the committed
// header's PayloadHash and stores it if it matches.
func (a *SlotAuction) Reveal(payload ExecutionPayload) error {
	if a.Commitment == nil {
		return ErrPbsNoCommitment
	}
	if payload.Header.PayloadHash != a.Commitment.Header.PayloadHash {
		return ErrPbsPayloadMismatch
	}
	computed := computePayloadHash(payload.Transactions, payload.Header.GasLimit, payload.Header.GasUsed)
	if computed != a.Commitment.Header.PayloadHash {
		return ErrPbsInvalidHash
	}
	a.RevealedPayload = &payload
	return nil
}

// IsComplete reports whether the auction has both a commitment and its
// matching reveal.
func (a *SlotAuction) IsComplete() bool {
	return a.Commitment != nil && a.RevealedPayload != nil
}

// IsBuilderSlashable reports whether the committed builder missed its
// reveal deadline.
func (a *SlotAuction) IsBuilderSlashable(now time.Time) bool {
	return a.Commitment != nil && a.RevealedPayload == nil && now.After(a.Deadline)
}

// PbsService manages one SlotAuction per slot.
type PbsService struct {
	mu             sync.Mutex
	auctions       map[uint64]*SlotAuction
	auctionDuration time.Duration
}

// NewPbsService creates a service whose auctions run for auctionDuration.
func NewPbsService(auctionDuration time.Duration) *PbsService {
	return &PbsService{auctions: make(map[uint64]*SlotAuction), auctionDuration: auctionDuration}
}

// StartAuction opens a new auction for slot with the given start time.
func (s *PbsService) StartAuction(slot uint64, startTime time.Time) *SlotAuction {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := &SlotAuction{Slot: slot, Deadline: startTime.Add(s.auctionDuration)}
	s.auctions[slot] = a
	return a
}

// GetAuction returns the auction for slot, if any.
func (s *PbsService) GetAuction(slot uint64) *SlotAuction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.auctions[slot]
}

// CleanupBefore discards every auction for a slot earlier than slot.
func (s *PbsService) CleanupBefore(slot uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s2 := range s.auctions {
		if s2 < slot {
			delete(s.auctions, s2)
		}
	}
}
