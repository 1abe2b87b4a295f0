package core

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// MaxTimestampSkew is the default allowance for a block's timestamp to lead
// the producer's own clock (INVARIANT-5, §4.10).
const MaxTimestampSkew = 15 * time.Second

// TransactionCandidate is a transaction under consideration for inclusion in
// a block template, carrying just the fields the invariant checks need.
type TransactionCandidate struct {
	Hash     Hash
	From     Address
	Nonce    uint64
	GasPrice *U256
	GasLimit uint64
}

// BlockTemplate is the in-progress block a producer is assembling.
type BlockTemplate struct {
	Header       BlockHeader
	Transactions []TransactionCandidate
	TotalGasUsed uint64
	GasLimit     uint64
}

// Invariant errors, named per §4.10 (I-1, I-2, I-4 and I-5; I-3 has no error
// value here, and I-6 is a SHOULD and reports a bool rather than erroring).
var (
	ErrGasLimitExceeded  = fmt.Errorf("block production: gas limit exceeded")
	ErrNonceMismatch     = fmt.Errorf("block production: nonce ordering violated")
	ErrDuplicateTx       = fmt.Errorf("block production: duplicate transaction")
	ErrTimestampTooEarly = fmt.Errorf("block production: timestamp before parent")
	ErrTimestampTooLate  = fmt.Errorf("block production: timestamp too far in future")
)

// CheckGasLimit enforces INVARIANT-1.
func CheckGasLimit(t BlockTemplate) error {
	if t.TotalGasUsed > t.GasLimit {
		return fmt.Errorf("%w: used %d, limit %d", ErrGasLimitExceeded, t.TotalGasUsed, t.GasLimit)
	}
	return nil
}

// CheckNonceOrdering enforces INVARIANT-2: every sender's included
// transactions must have strictly sequential nonces.
func CheckNonceOrdering(txs []TransactionCandidate) error {
	bySender := make(map[Address][]uint64)
	for _, tx := range txs {
		bySender[tx.From] = append(bySender[tx.From], tx.Nonce)
	}
	for addr, nonces := range bySender {
		sort.Slice(nonces, func(i, j int) bool { return nonces[i] < nonces[j] })
		for i := 1; i < len(nonces); i++ {
			if nonces[i] != nonces[i-1]+1 {
				return fmt.Errorf("%w: %x expected %d got %d", ErrNonceMismatch, addr, nonces[i-1]+1, nonces[i])
			}
		}
	}
	return nil
}

// CheckNoDuplicates enforces INVARIANT-4.
func CheckNoDuplicates(txs []TransactionCandidate) error {
	seen := make(map[Hash]struct{}, len(txs))
	for _, tx := range txs {
		if _, dup := seen[tx.Hash]; dup {
			return fmt.Errorf("%w: %x", ErrDuplicateTx, tx.Hash)
		}
		seen[tx.Hash] = struct{}{}
	}
	return nil
}

// CheckTimestampValidity enforces INVARIANT-5.
func CheckTimestampValidity(blockTs, parentTs, currentTs uint64, maxSkew time.Duration) error {
	if blockTs < parentTs {
		return fmt.Errorf("%w: %d before parent %d", ErrTimestampTooEarly, blockTs, parentTs)
	}
	if blockTs > currentTs+uint64(maxSkew.Seconds()) {
		return fmt.Errorf("%w: %d exceeds %d+%s", ErrTimestampTooLate, blockTs, currentTs, maxSkew)
	}
	return nil
}

// CheckFeeOrdering reports INVARIANT-6 (a SHOULD, not a MUST): whether
// candidates are ordered by descending gas price. MEV bundles may
// legitimately violate this, so callers treat a false result as advisory.
func CheckFeeOrdering(txs []TransactionCandidate) bool {
	for i := 1; i < len(txs); i++ {
		if txs[i].GasPrice.Cmp(txs[i-1].GasPrice) > 0 {
			return false
		}
	}
	return true
}

// ValidateBlockTemplate runs the MUST invariants against t.
func ValidateBlockTemplate(t BlockTemplate) error {
	if err := CheckGasLimit(t); err != nil {
		return err
	}
	if err := CheckNonceOrdering(t.Transactions); err != nil {
		return err
	}
	if err := CheckNoDuplicates(t.Transactions); err != nil {
		return err
	}
	return nil
}

// SubsystemCircuitState mirrors the classic three-state resilience circuit
// breaker (Closed/Open/Half-Open) block production wraps around calls into
// downstream subsystems (mempool, state, consensus) so a slow or failing
// collaborator degrades gracefully instead of cascading.
type SubsystemCircuitState uint8

const (
	CircuitClosed SubsystemCircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

type subsystemCircuit struct {
	state            SubsystemCircuitState
	failures         uint32
	successes        uint32
	lastFailure      time.Time
	totalFailures    uint64
	totalSuccesses   uint64
}

// DownstreamCircuitBreaker guards calls to downstream subsystems, tracked
// independently per subsystem name.
type DownstreamCircuitBreaker struct {
	mu               sync.Mutex
	circuits         map[string]*subsystemCircuit
	failureThreshold uint32
	successThreshold uint32
	openTimeout      time.Duration
	enabled          bool
}

// NewDownstreamCircuitBreaker builds a breaker with the reference defaults:
// 5 failures to open, 3 successes in half-open to close, 30s open timeout.
func NewDownstreamCircuitBreaker() *DownstreamCircuitBreaker {
	return &DownstreamCircuitBreaker{
		circuits:         make(map[string]*subsystemCircuit),
		failureThreshold: 5,
		successThreshold: 3,
		openTimeout:      30 * time.Second,
		enabled:          true,
	}
}

func (cb *DownstreamCircuitBreaker) circuitFor(name string) *subsystemCircuit {
	c, ok := cb.circuits[name]
	if !ok {
		c = &subsystemCircuit{state: CircuitClosed}
		cb.circuits[name] = c
	}
	return c
}

// ShouldAllow reports whether a call to subsystem should proceed, flipping
// an Open circuit to Half-Open once its timeout has elapsed.
func (cb *DownstreamCircuitBreaker) ShouldAllow(subsystem string) bool {
	if !cb.enabled {
		return true
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	c := cb.circuitFor(subsystem)

	switch c.state {
	case CircuitClosed, CircuitHalfOpen:
		return true
	default: // CircuitOpen
		if c.lastFailure.IsZero() || time.Since(c.lastFailure) < cb.openTimeout {
			return false
		}
		c.state = CircuitHalfOpen
		c.successes = 0
		return true
	}
}

// RecordSuccess records a successful call to subsystem.
func (cb *DownstreamCircuitBreaker) RecordSuccess(subsystem string) {
	if !cb.enabled {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	c := cb.circuitFor(subsystem)
	c.totalSuccesses++

	switch c.state {
	case CircuitClosed:
		c.failures = 0
	case CircuitHalfOpen:
		c.successes++
		if c.successes >= cb.successThreshold {
			c.state = CircuitClosed
			c.failures = 0
			c.successes = 0
		}
	}
}

// RecordFailure records a failed call to subsystem.
func (cb *DownstreamCircuitBreaker) RecordFailure(subsystem string) {
	if !cb.enabled {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	c := cb.circuitFor(subsystem)
	c.totalFailures++
	c.failures++
	c.lastFailure = time.Now()

	switch c.state {
	case CircuitClosed:
		if c.failures >= cb.failureThreshold {
			c.state = CircuitOpen
		}
	case CircuitHalfOpen:
		c.state = CircuitOpen
		c.successes = 0
	}
}

// GetState returns subsystem's current circuit state (Closed if unseen).
func (cb *DownstreamCircuitBreaker) GetState(subsystem string) SubsystemCircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if c, ok := cb.circuits[subsystem]; ok {
		return c.state
	}
	return CircuitClosed
}

// Reset forces subsystem's circuit back to Closed.
func (cb *DownstreamCircuitBreaker) Reset(subsystem string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if c, ok := cb.circuits[subsystem]; ok {
		c.state = CircuitClosed
		c.failures = 0
		c.successes = 0
	}
}
