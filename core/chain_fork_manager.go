package core

import (
	"bytes"
	"sync"
)

// voteRecord is a validator's most recent attestation target and stake
// weight, the unit LMD-GHOST accumulates along ancestor chains.
type voteRecord struct {
	target Hash
	stake  *U256
}

// ForkChoiceStore implements LMD-GHOST fork choice (§4.4): the canonical
// head is found by repeatedly descending from the justified checkpoint to
// the child carrying the most accumulated latest-message stake, with ties
// broken by lexicographically smallest block hash (Open Question #1).
type ForkChoiceStore struct {
	mu sync.RWMutex

	headers  map[Hash]BlockHeader
	children map[Hash][]Hash

	latestVote map[Address]voteRecord
	justified  *Hash

	weightCache map[Hash]*U256
	cacheValid  bool
}

// NewForkChoiceStore seeds the store with the genesis header.
func NewForkChoiceStore(genesis BlockHeader) *ForkChoiceStore {
	hash := blockHeaderHash(genesis)
	return &ForkChoiceStore{
		headers:     map[Hash]BlockHeader{hash: genesis},
		children:    make(map[Hash][]Hash),
		latestVote:  make(map[Address]voteRecord),
		weightCache: make(map[Hash]*U256),
	}
}

// AddBlock records a new block header and links it to its parent.
func (s *ForkChoiceStore) AddBlock(h BlockHeader) Hash {
	s.mu.Lock()
	defer s.mu.Unlock()
	hash := blockHeaderHash(h)
	s.headers[hash] = h
	s.children[h.ParentHash] = append(s.children[h.ParentHash], hash)
	s.cacheValid = false
	return hash
}

// ProcessAttestation records validator's newest vote, invalidating the
// weight cache. Older votes from the same validator are overwritten, as
// only the latest message per validator counts toward LMD-GHOST weight.
func (s *ForkChoiceStore) ProcessAttestation(validator Address, target Hash, stake *U256) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latestVote[validator] = voteRecord{target: target, stake: stake}
	s.cacheValid = false
}

// SetJustifiedCheckpoint pins the block GetHead starts its descent from.
func (s *ForkChoiceStore) SetJustifiedCheckpoint(hash Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.justified = &hash
	s.cacheValid = false
}

// GetHead returns the canonical head block hash, starting its descent from
// the justified checkpoint (or genesis if none is set) and repeatedly
// choosing the child with the greatest cached weight.
func (s *ForkChoiceStore) GetHead() Hash {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cacheValid {
		s.rebuildWeightCache()
	}

	current := s.genesisHash()
	if s.justified != nil {
		current = *s.justified
	}

	for {
		kids := s.children[current]
		if len(kids) == 0 {
			return current
		}
		best := kids[0]
		bestWeight := s.weightOf(best)
		for _, kid := range kids[1:] {
			w := s.weightOf(kid)
			switch {
			case w.Cmp(bestWeight) > 0:
				best, bestWeight = kid, w
			case w.Cmp(bestWeight) == 0 && bytes.Compare(kid[:], best[:]) < 0:
				best, bestWeight = kid, w
			}
		}
		current = best
	}
}

func (s *ForkChoiceStore) weightOf(hash Hash) *U256 {
	if w, ok := s.weightCache[hash]; ok {
		return w
	}
	return zeroU256()
}

func zeroU256() *U256 { return new(U256) }

func (s *ForkChoiceStore) genesisHash() Hash {
	for hash, h := range s.headers {
		if h.IsGenesis() {
			return hash
		}
	}
	return Hash{}
}

// rebuildWeightCache replays every validator's latest vote, walking from the
// vote target toward genesis and adding stake to every ancestor along the
// way. Caller must hold s.mu.
func (s *ForkChoiceStore) rebuildWeightCache() {
	s.weightCache = make(map[Hash]*U256)
	genesis := s.genesisHash()

	for _, vote := range s.latestVote {
		current := vote.target
		visited := make(map[Hash]struct{})
		for {
			if current == genesis {
				break
			}
			if _, already := visited[current]; already {
				break
			}
			visited[current] = struct{}{}

			w, ok := s.weightCache[current]
			if !ok {
				w = zeroU256()
			}
			s.weightCache[current] = new(U256).Add(w, vote.stake)

			header, ok := s.headers[current]
			if !ok {
				break
			}
			current = header.ParentHash
		}
	}

	s.cacheValid = true
}
