package core

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ValidatorSet gives O(1) stake lookups for the validators participating in
// consensus, backing both fork choice vote weighting and the BLS quorum
// check.
type ValidatorSet struct {
	mu    sync.RWMutex
	stake map[Address]*U256
	order []Address
}

// NewValidatorSet builds a set from the given stake map.
func NewValidatorSet(stake map[Address]*U256) *ValidatorSet {
	vs := &ValidatorSet{stake: make(map[Address]*U256, len(stake))}
	for addr, s := range stake {
		vs.stake[addr] = s
		vs.order = append(vs.order, addr)
	}
	return vs
}

// StakeOf returns addr's stake, or zero if it is not a validator.
func (vs *ValidatorSet) StakeOf(addr Address) *U256 {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	if s, ok := vs.stake[addr]; ok {
		return s
	}
	return new(big.Int)
}

// Addresses returns every validator address, in a stable order.
func (vs *ValidatorSet) Addresses() []Address {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	out := make([]Address, len(vs.order))
	copy(out, vs.order)
	return out
}

// Len returns the number of validators.
func (vs *ValidatorSet) Len() int {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	return len(vs.order)
}

// ConsensusCore is the IPC-gated entrypoint tying the fork choice store, the
// BLS committee cache and the PBS auction service together. Requests that
// arrive over the event bus are gated here on their sender id, and an
// attestation's vote weight is re-derived from the local validator set; an
// attestation's signature is not checked again here.
type ConsensusCore struct {
	mu sync.Mutex

	validators *ValidatorSet
	forkChoice *ForkChoiceStore
	committee  *CommitteeCache
	pbs        *PbsService
	bus        *EventBus
}

// NewConsensusCore wires the consensus subsystem's collaborators together.
func NewConsensusCore(genesis BlockHeader, validators *ValidatorSet, committee *CommitteeCache, bus *EventBus) *ConsensusCore {
	return &ConsensusCore{
		validators: validators,
		forkChoice: NewForkChoiceStore(genesis),
		committee:  committee,
		pbs:        NewPbsService(12 * time.Second),
		bus:        bus,
	}
}

var (
	ErrUnauthorizedSender = fmt.Errorf("consensus: message from unauthorized sender")
)

// HandleValidateBlockRequest processes a ValidateBlockRequest envelope. Per
// §4.4's IPC gating, only subsystem 5 (block propagation) is permitted to
// send this request; any other sender is rejected before the block is
// touched, regardless of what the envelope's own fields claim.
func (c *ConsensusCore) HandleValidateBlockRequest(msg AuthenticatedMessage, block ValidatedBlock) error {
	if msg.SenderID != SubsystemBlockPropagation {
		logrus.WithField("sender", msg.SenderID).Warn("consensus: rejected ValidateBlockRequest from unauthorized sender")
		return ErrUnauthorizedSender
	}
	return c.validateAndTrack(block)
}

// HandleAttestationReceived processes an AttestationReceived envelope. Per
// §4.4, only subsystem 10 (signature verification) may send this — the
// attestation has already had its signature checked there, but the
// consensus core always re-derives the vote weight from its own validator
// set rather than trusting the envelope.
func (c *ConsensusCore) HandleAttestationReceived(msg AuthenticatedMessage, att AttestationRecord) error {
	if msg.SenderID != SubsystemSigVerification {
		logrus.WithField("sender", msg.SenderID).Warn("consensus: rejected AttestationReceived from unauthorized sender")
		return ErrUnauthorizedSender
	}
	stake := c.validators.StakeOf(att.Validator)
	c.forkChoice.ProcessAttestation(att.Validator, att.Target, stake)
	return nil
}

func (c *ConsensusCore) validateAndTrack(block ValidatedBlock) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forkChoice.AddBlock(block.Header)
	return nil
}

// Head returns the current LMD-GHOST canonical head.
func (c *ConsensusCore) Head() Hash {
	return c.forkChoice.GetHead()
}

// PBS exposes the slot auction service for the block-production subsystem
// to drive bid submission, commit and reveal.
func (c *ConsensusCore) PBS() *PbsService { return c.pbs }

// Committee exposes the BLS committee cache for quorum checks.
func (c *ConsensusCore) Committee() *CommitteeCache { return c.committee }
