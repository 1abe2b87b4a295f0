package core

import "math/big"

// MaxAncestors and MaxDescendants bound CPFP chain walks (prevent
// unbounded recursion / mempool-bomb descendant fan-out).
const (
	MaxAncestors   = 25
	MaxDescendants = 25
)

// FeeSizeFunc resolves a transaction hash to (fee, size) for ancestor/fee-rate
// calculations; the caller supplies it so TransactionFamily stays agnostic of
// where fee/size data actually lives.
type FeeSizeFunc func(Hash) (*U256, int, bool)

// AncestorInfo summarises a transaction's ancestor chain.
type AncestorInfo struct {
	TotalAncestorFees *U256
	TotalAncestorSize int
	AncestorCount     int
	AncestorHashes    map[Hash]struct{}
}

// DescendantInfo summarises a transaction's descendant set.
type DescendantInfo struct {
	DescendantCount  int
	DescendantHashes map[Hash]struct{}
}

// TransactionFamily tracks parent/child relationships between mempool
// transactions (same sender, consecutive nonces) for CPFP fee-rate
// prioritization and ancestor/descendant limit enforcement.
type TransactionFamily struct {
	children     map[Hash]map[Hash]struct{}
	parents      map[Hash]Hash
	senderNonces map[Address]map[uint64]Hash
}

// NewTransactionFamily builds an empty family tracker.
func NewTransactionFamily() *TransactionFamily {
	return &TransactionFamily{
		children:     make(map[Hash]map[Hash]struct{}),
		parents:      make(map[Hash]Hash),
		senderNonces: make(map[Address]map[uint64]Hash),
	}
}

// Register links hash to its parent (the same sender's nonce-1 transaction,
// if present) and records its own nonce slot.
func (f *TransactionFamily) Register(hash Hash, sender Address, nonce uint64) {
	if nonce > 0 {
		if nonces, ok := f.senderNonces[sender]; ok {
			if parent, ok := nonces[nonce-1]; ok {
				f.parents[hash] = parent
				if f.children[parent] == nil {
					f.children[parent] = make(map[Hash]struct{})
				}
				f.children[parent][hash] = struct{}{}
			}
		}
	}
	if f.senderNonces[sender] == nil {
		f.senderNonces[sender] = make(map[uint64]Hash)
	}
	f.senderNonces[sender][nonce] = hash
}

// Unregister removes hash from the family, orphaning (not re-linking) its
// children.
func (f *TransactionFamily) Unregister(hash Hash, sender Address, nonce uint64) {
	if nonces, ok := f.senderNonces[sender]; ok {
		delete(nonces, nonce)
	}
	if parent, ok := f.parents[hash]; ok {
		delete(f.parents, hash)
		if children, ok := f.children[parent]; ok {
			delete(children, hash)
		}
	}
	for child := range f.children[hash] {
		delete(f.parents, child)
	}
	delete(f.children, hash)
}

// GetAncestors walks hash's parent chain up to MaxAncestors deep, resolving
// each ancestor's fee/size via getFee.
func (f *TransactionFamily) GetAncestors(hash Hash, getFee FeeSizeFunc) AncestorInfo {
	info := AncestorInfo{TotalAncestorFees: new(big.Int), AncestorHashes: make(map[Hash]struct{})}
	seen := make(map[Hash]struct{})
	current := hash
	for {
		parent, ok := f.parents[current]
		if !ok {
			break
		}
		if _, dup := seen[parent]; dup || info.AncestorCount >= MaxAncestors {
			break
		}
		seen[parent] = struct{}{}

		if fee, size, ok := getFee(parent); ok {
			info.TotalAncestorFees.Add(info.TotalAncestorFees, fee)
			info.TotalAncestorSize += size
			info.AncestorCount++
			info.AncestorHashes[parent] = struct{}{}
		}
		current = parent
	}
	return info
}

// GetDescendants walks hash's descendant tree, stopping once MaxDescendants
// descendants have been counted.
func (f *TransactionFamily) GetDescendants(hash Hash) DescendantInfo {
	info := DescendantInfo{DescendantHashes: make(map[Hash]struct{})}
	seen := make(map[Hash]struct{})
	stack := []Hash{hash}

	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, dup := seen[current]; dup {
			continue
		}
		seen[current] = struct{}{}

		if current != hash {
			info.DescendantCount++
			info.DescendantHashes[current] = struct{}{}
		}
		if info.DescendantCount >= MaxDescendants {
			break
		}
		for child := range f.children[current] {
			stack = append(stack, child)
		}
	}
	return info
}

// WouldExceedLimits reports whether registering (sender, nonce) would push
// its ancestor chain past MaxAncestors or its prospective parent's
// descendant count past MaxDescendants.
func (f *TransactionFamily) WouldExceedLimits(sender Address, nonce uint64) bool {
	var parent Hash
	var hasParent bool
	if nonce > 0 {
		if nonces, ok := f.senderNonces[sender]; ok {
			parent, hasParent = nonces[nonce-1]
		}
	}
	if !hasParent {
		return false
	}

	count := 1
	current := parent
	for {
		grandparent, ok := f.parents[current]
		if !ok {
			break
		}
		count++
		if count > MaxAncestors {
			return true
		}
		current = grandparent
	}

	if f.GetDescendants(parent).DescendantCount >= MaxDescendants {
		return true
	}
	return false
}

// EffectiveFeeRate computes the CPFP-adjusted fee-per-byte: (tx's own fee
// plus every ancestor's fee) divided by (tx's own size plus every
// ancestor's size).
func (f *TransactionFamily) EffectiveFeeRate(hash Hash, txFee *U256, txSize int, getFee FeeSizeFunc) *U256 {
	ancestors := f.GetAncestors(hash, getFee)

	totalFee := new(big.Int).Add(txFee, ancestors.TotalAncestorFees)
	totalSize := txSize + ancestors.TotalAncestorSize
	if totalSize == 0 {
		return new(big.Int)
	}
	return new(big.Int).Div(totalFee, big.NewInt(int64(totalSize)))
}
