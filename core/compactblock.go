package core

// PrefilledTx is a transaction embedded directly in a compact block rather
// than referenced by short id — typically the coinbase/reward transaction,
// which a receiving peer is unlikely to already hold in its mempool.
type PrefilledTx struct {
	Index  uint16
	TxHash Hash
	TxData []byte
}

// CompactBlock is the BIP152-style wire form block propagation announces
// after a full block: a header plus a nonce-keyed short id per transaction,
// with a handful of transactions prefilled (§4.5a).
type CompactBlock struct {
	HeaderHash   Hash
	BlockHeight  uint64
	ParentHash   Hash
	Timestamp    uint64
	Nonce        uint64
	ShortTxIDs   []ShortTxId
	PrefilledTxs []PrefilledTx
}

// CompactBlockParams groups create_compact_block's arguments.
type CompactBlockParams struct {
	HeaderHash      Hash
	BlockHeight     uint64
	ParentHash      Hash
	Timestamp       uint64
	TxHashes        []Hash
	Nonce           uint64
	PrefillIndices  []int
}

// CreateCompactBlock derives a CompactBlock from a full transaction hash
// list, short-id'ing every transaction and prefilling the ones named by
// PrefillIndices (out-of-range indices are dropped, not errored).
func CreateCompactBlock(p CompactBlockParams) CompactBlock {
	shortIDs := make([]ShortTxId, len(p.TxHashes))
	for i, h := range p.TxHashes {
		shortIDs[i] = calculateShortID(h, p.Nonce)
	}

	var prefilled []PrefilledTx
	for _, i := range p.PrefillIndices {
		if i >= 0 && i < len(p.TxHashes) {
			prefilled = append(prefilled, PrefilledTx{Index: uint16(i), TxHash: p.TxHashes[i]})
		}
	}

	return CompactBlock{
		HeaderHash:   p.HeaderHash,
		BlockHeight:  p.BlockHeight,
		ParentHash:   p.ParentHash,
		Timestamp:    p.Timestamp,
		Nonce:        p.Nonce,
		ShortTxIDs:   shortIDs,
		PrefilledTxs: prefilled,
	}
}

// ReconstructionResult is CompactBlock reconstruction's two outcomes: a
// complete ordered transaction list, or the indices still missing from the
// local mempool.
type ReconstructionResult struct {
	Success        bool
	BlockHash      Hash
	TxHashes       []Hash
	MissingIndices []uint16
}

// ReconstructBlock rebuilds a compact block's transaction list using
// lookup to resolve each short id against the local mempool. lookup returns
// one *Hash per short id, nil where the mempool has no match.
func ReconstructBlock(compact CompactBlock, lookup func(ids []ShortTxId, nonce uint64) []*Hash) ReconstructionResult {
	found := lookup(compact.ShortTxIDs, compact.Nonce)

	prefilledAt := func(i uint16) (Hash, bool) {
		for _, p := range compact.PrefilledTxs {
			if p.Index == i {
				return p.TxHash, true
			}
		}
		return Hash{}, false
	}

	var missing []uint16
	for i, h := range found {
		idx := uint16(i)
		if h == nil {
			if _, isPrefilled := prefilledAt(idx); !isPrefilled {
				missing = append(missing, idx)
			}
		}
	}

	if len(missing) > 0 {
		return ReconstructionResult{MissingIndices: missing}
	}

	txHashes := make([]Hash, len(found))
	for i, h := range found {
		idx := uint16(i)
		if prefilled, ok := prefilledAt(idx); ok {
			txHashes[i] = prefilled
			continue
		}
		if h != nil {
			txHashes[i] = *h
		}
	}

	return ReconstructionResult{Success: true, BlockHash: compact.HeaderHash, TxHashes: txHashes}
}

// SelectPeersForPropagation returns up to fanout peers from peers ordered by
// descending reputation, the gossip fanout selection of §4.5a.
func SelectPeersForPropagation(peers []*PeerPropagationState, fanout int) []*PeerPropagationState {
	sorted := append([]*PeerPropagationState(nil), peers...)
	for i := 0; i < len(sorted); i++ {
		best := i
		for j := i + 1; j < len(sorted); j++ {
			if sorted[j].ReputationScore() > sorted[best].ReputationScore() {
				best = j
			}
		}
		sorted[i], sorted[best] = sorted[best], sorted[i]
	}
	if fanout < len(sorted) {
		sorted = sorted[:fanout]
	}
	return sorted
}

// ValidateBlockSize reports whether blockSize is within the configured
// maximum.
func ValidateBlockSize(blockSize int, cfg PropagationConfig) bool {
	return blockSize <= cfg.MaxBlockSizeBytes
}
