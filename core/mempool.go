package core

import (
	"errors"
	"math/big"
	"sort"
	"sync"
	"time"
)

// TransactionStateKind is the mempool's two-phase-commit transaction state.
type TransactionStateKind uint8

const (
	TxPending TransactionStateKind = iota
	TxPendingInclusion
)

// TransactionState carries PendingInclusion's extra fields (block height and
// propose time) alongside the state kind.
type TransactionState struct {
	Kind        TransactionStateKind
	BlockHeight uint64
	ProposedAt  time.Time
}

func pendingState() TransactionState { return TransactionState{Kind: TxPending} }

// MempoolTransaction is a transaction tracked in the pool together with its
// two-phase-commit state (INVARIANT-1: unique hash; INVARIANT-2: nonce
// ordering per sender, enforced by the pool rather than the entity itself).
type MempoolTransaction struct {
	Hash        Hash
	Sender      Address
	Nonce       uint64
	GasPrice    *U256
	GasLimit    uint64
	Value       *U256
	RawData     []byte
	State       TransactionState
	AddedAt     time.Time
	TargetBlock *uint64
}

// NewMempoolTransaction builds a pending transaction.
func NewMempoolTransaction(hash Hash, sender Address, nonce uint64, gasPrice *U256, gasLimit uint64, value *U256, raw []byte, addedAt time.Time) *MempoolTransaction {
	return &MempoolTransaction{
		Hash: hash, Sender: sender, Nonce: nonce, GasPrice: gasPrice,
		GasLimit: gasLimit, Value: value, RawData: raw,
		State: pendingState(), AddedAt: addedAt,
	}
}

// GasCost returns gas_price * gas_limit.
func (tx *MempoolTransaction) GasCost() *U256 {
	return new(big.Int).Mul(tx.GasPrice, new(big.Int).SetUint64(tx.GasLimit))
}

// TotalCost returns value + GasCost().
func (tx *MempoolTransaction) TotalCost() *U256 {
	return new(big.Int).Add(tx.Value, tx.GasCost())
}

func (tx *MempoolTransaction) IsPending() bool          { return tx.State.Kind == TxPending }
func (tx *MempoolTransaction) IsPendingInclusion() bool { return tx.State.Kind == TxPendingInclusion }

var (
	ErrAlreadyPendingInclusion = errors.New("mempool: transaction already pending inclusion")
	ErrNotPendingInclusion     = errors.New("mempool: transaction not pending inclusion")
)

// Propose moves tx to PendingInclusion, targeting blockHeight.
func (tx *MempoolTransaction) Propose(blockHeight uint64, now time.Time) error {
	if tx.IsPendingInclusion() {
		return ErrAlreadyPendingInclusion
	}
	tx.State = TransactionState{Kind: TxPendingInclusion, BlockHeight: blockHeight, ProposedAt: now}
	tx.TargetBlock = &blockHeight
	return nil
}

// Rollback returns tx to Pending.
func (tx *MempoolTransaction) Rollback() error {
	if !tx.IsPendingInclusion() {
		return ErrNotPendingInclusion
	}
	tx.State = pendingState()
	tx.TargetBlock = nil
	return nil
}

// IsTimedOut reports whether a PendingInclusion transaction has exceeded
// timeout since it was proposed; Pending transactions never time out.
func (tx *MempoolTransaction) IsTimedOut(now time.Time, timeout time.Duration) bool {
	if tx.State.Kind != TxPendingInclusion {
		return false
	}
	return now.Sub(tx.State.ProposedAt) >= timeout
}

// MempoolConfig mirrors the reference defaults exactly.
type MempoolConfig struct {
	MaxTransactions           int
	MaxPerAccount             int
	MinGasPrice               *U256
	MaxGasPerTx               uint64
	PendingInclusionTimeout   time.Duration
	NonceGapTimeout           time.Duration
	EnableRBF                 bool
	RBFMinBumpPercent         uint64
}

// DefaultMempoolConfig returns the reference default configuration.
func DefaultMempoolConfig() MempoolConfig {
	return MempoolConfig{
		MaxTransactions:         5000,
		MaxPerAccount:           16,
		MinGasPrice:             big.NewInt(1_000_000_000),
		MaxGasPerTx:             30_000_000,
		PendingInclusionTimeout: 30 * time.Second,
		NonceGapTimeout:         10 * time.Minute,
		EnableRBF:               true,
		RBFMinBumpPercent:        10,
	}
}

var (
	ErrMempoolFull       = errors.New("mempool: pool is full")
	ErrAccountLimit      = errors.New("mempool: account transaction limit exceeded")
	ErrGasPriceTooLow    = errors.New("mempool: gas price below minimum")
	ErrGasLimitTooHigh   = errors.New("mempool: gas limit above maximum")
	ErrDuplicateTxHash   = errors.New("mempool: duplicate transaction hash")
	ErrReplacementLow    = errors.New("mempool: replacement fee bump too small")
)

// Mempool is the transaction pool: hash-unique, nonce-ordered per sender,
// with a two-phase-commit lifecycle for block-proposal tracking and a CPFP
// family tracker for ancestor/descendant fee awareness.
type Mempool struct {
	mu       sync.Mutex
	cfg      MempoolConfig
	byHash   map[Hash]*MempoolTransaction
	bySender map[Address]map[uint64]Hash
	family   *TransactionFamily
}

// NewMempool constructs an empty pool with cfg.
func NewMempool(cfg MempoolConfig) *Mempool {
	return &Mempool{
		cfg:      cfg,
		byHash:   make(map[Hash]*MempoolTransaction),
		bySender: make(map[Address]map[uint64]Hash),
		family:   NewTransactionFamily(),
	}
}

// Add inserts tx, enforcing pool-size, per-account, min-gas-price and
// duplicate-hash constraints, with RBF replacement when a transaction
// already occupies tx's (sender, nonce) slot.
func (m *Mempool) Add(tx *MempoolTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.byHash[tx.Hash]; dup {
		return ErrDuplicateTxHash
	}
	if tx.GasPrice.Cmp(m.cfg.MinGasPrice) < 0 {
		return ErrGasPriceTooLow
	}
	if tx.GasLimit > m.cfg.MaxGasPerTx {
		return ErrGasLimitTooHigh
	}

	nonces := m.bySender[tx.Sender]
	if existingHash, has := nonces[tx.Nonce]; has {
		if !m.cfg.EnableRBF {
			return ErrReplacementLow
		}
		existing := m.byHash[existingHash]
		minBump := new(big.Int).Div(new(big.Int).Mul(existing.GasPrice, big.NewInt(int64(100+m.cfg.RBFMinBumpPercent))), big.NewInt(100))
		if tx.GasPrice.Cmp(minBump) < 0 {
			return ErrReplacementLow
		}
		m.removeLocked(existingHash)
	} else if len(nonces) >= m.cfg.MaxPerAccount {
		return ErrAccountLimit
	}

	if len(m.byHash) >= m.cfg.MaxTransactions {
		return ErrMempoolFull
	}

	if m.bySender[tx.Sender] == nil {
		m.bySender[tx.Sender] = make(map[uint64]Hash)
	}
	m.bySender[tx.Sender][tx.Nonce] = tx.Hash
	m.byHash[tx.Hash] = tx
	m.family.Register(tx.Hash, tx.Sender, tx.Nonce)
	return nil
}

// Remove deletes a transaction from the pool by hash.
func (m *Mempool) Remove(hash Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(hash)
}

func (m *Mempool) removeLocked(hash Hash) {
	tx, ok := m.byHash[hash]
	if !ok {
		return
	}
	delete(m.byHash, hash)
	if nonces, ok := m.bySender[tx.Sender]; ok {
		delete(nonces, tx.Nonce)
		if len(nonces) == 0 {
			delete(m.bySender, tx.Sender)
		}
	}
	m.family.Unregister(hash, tx.Sender, tx.Nonce)
}

// Get returns the transaction for hash, if present.
func (m *Mempool) Get(hash Hash) (*MempoolTransaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.byHash[hash]
	return tx, ok
}

// Len returns the number of pooled transactions.
func (m *Mempool) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byHash)
}

// Pending returns every Pending transaction sorted by descending gas price
// (INVARIANT-6, a SHOULD-priority ordering), for block-template assembly.
func (m *Mempool) Pending() []*MempoolTransaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*MempoolTransaction, 0, len(m.byHash))
	for _, tx := range m.byHash {
		if tx.IsPending() {
			out = append(out, tx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GasPrice.Cmp(out[j].GasPrice) > 0 })
	return out
}

// ReapExpired rolls back to Pending every transaction whose pending-inclusion
// timeout has elapsed, returning their hashes. It does not apply
// NonceGapTimeout and evicts nothing.
func (m *Mempool) ReapExpired(now time.Time) []Hash {
	m.mu.Lock()
	defer m.mu.Unlock()
	var rolledBack []Hash
	for hash, tx := range m.byHash {
		if tx.IsTimedOut(now, m.cfg.PendingInclusionTimeout) {
			_ = tx.Rollback()
			rolledBack = append(rolledBack, hash)
		}
	}
	return rolledBack
}

// Family exposes the CPFP ancestor/descendant tracker.
func (m *Mempool) Family() *TransactionFamily { return m.family }
