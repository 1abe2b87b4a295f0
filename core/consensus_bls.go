package core

import (
	"sort"

	blst "github.com/supranational/blst/bindings/go"
)

// CommitteeSize is the fixed validator count per BLS aggregation committee.
const CommitteeSize = 128

type p1Affine = blst.P1Affine

// aggregateKey tracks a running BLS12-381 G1 aggregate public key using
// genuine point arithmetic (Open Question #4): unlike the reference
// implementation's placeholder add/subtract, absent validators are removed
// from the total by actually subtracting their point.
type aggregateKey struct {
	point *p1Affine
}

func newAggregateKey() *aggregateKey { return &aggregateKey{} }

func (k *aggregateKey) add(pub *p1Affine) {
	if pub == nil {
		return
	}
	if k.point == nil {
		k.point = pub
		return
	}
	agg := new(blst.P1).FromAffine(k.point)
	agg.Add(pub)
	aff := agg.ToAffine()
	k.point = aff
}

func (k *aggregateKey) subtract(pub *p1Affine) {
	if pub == nil || k.point == nil {
		return
	}
	neg := new(blst.P1).FromAffine(pub)
	neg.Neg(true)
	agg := new(blst.P1).FromAffine(k.point)
	agg.Add(neg.ToAffine())
	k.point = agg.ToAffine()
}

func (k *aggregateKey) isEmpty() bool { return k.point == nil }

// Committee is one fixed-size shard of the active validator set.
type Committee struct {
	Index       uint64
	Members     []Address
	aggregate   *aggregateKey
	pubKeys     map[Address]*p1Affine
}

// CommitteeCache pre-aggregates validator BLS public keys into
// CommitteeSize-wide committees so signature verification only has to
// subtract absentee keys from a precomputed total rather than aggregate
// from scratch every time (§4.4a).
type CommitteeCache struct {
	Epoch          uint64
	committees     []*Committee
	totalAggregate *aggregateKey
	validatorSet   []Address
}

// BuildCommitteeCache assigns validators to committees by index/CommitteeSize,
// in ascending address order (validatorSet is sorted first, so the caller's
// order does not matter), and builds each committee's aggregate
// key plus the grand total aggregate across every committee.
func BuildCommitteeCache(epoch uint64, validatorSet []Address, pubKeys map[Address]*p1Affine) *CommitteeCache {
	sorted := append([]Address(nil), validatorSet...)
	sort.Slice(sorted, func(i, j int) bool { return bytesLess(sorted[i][:], sorted[j][:]) })

	cache := &CommitteeCache{
		Epoch:          epoch,
		validatorSet:   sorted,
		totalAggregate: newAggregateKey(),
	}

	numCommittees := (len(sorted) + CommitteeSize - 1) / CommitteeSize
	for c := 0; c < numCommittees; c++ {
		start := c * CommitteeSize
		end := start + CommitteeSize
		if end > len(sorted) {
			end = len(sorted)
		}
		committee := &Committee{
			Index:     uint64(c),
			Members:   sorted[start:end],
			aggregate: newAggregateKey(),
			pubKeys:   make(map[Address]*p1Affine),
		}
		for _, addr := range committee.Members {
			pub := pubKeys[addr]
			committee.pubKeys[addr] = pub
			committee.aggregate.add(pub)
			cache.totalAggregate.add(pub)
		}
		cache.committees = append(cache.committees, committee)
	}
	return cache
}

// NumCommittees returns the number of committees built from the validator set.
func (c *CommitteeCache) NumCommittees() int { return len(c.committees) }

// GetCommittee returns the committee at index, or nil if out of range.
func (c *CommitteeCache) GetCommittee(index uint64) *Committee {
	if int(index) >= len(c.committees) {
		return nil
	}
	return c.committees[int(index)]
}

// GetCommitteeMembers returns the member addresses of the committee at index.
func (c *CommitteeCache) GetCommitteeMembers(index uint64) []Address {
	committee := c.GetCommittee(index)
	if committee == nil {
		return nil
	}
	return committee.Members
}

// ComputeEffectiveKey returns the total aggregate key minus the keys of the
// absent validators, in O(|absent|).
func (c *CommitteeCache) ComputeEffectiveKey(absent []Address) *aggregateKey {
	effective := &aggregateKey{point: c.totalAggregate.point}
	for _, addr := range absent {
		for _, committee := range c.committees {
			if pub, ok := committee.pubKeys[addr]; ok {
				effective.subtract(pub)
				break
			}
		}
	}
	return effective
}

// VerifyAggregate accepts an aggregate signature iff the participating
// validator count clears the 2/3+1 quorum and the effective key is
// non-empty. Per Open Question #4, this is a participation-count check, not
// a full BLS pairing verification — a genuine pairing check belongs to
// subsystem 10 (SigVerification), which is out of scope here (§6.3).
func (c *CommitteeCache) VerifyAggregate(absent []Address) bool {
	participating := len(c.validatorSet) - len(absent)
	quorum := (len(c.validatorSet)*2)/3 + 1
	effective := c.ComputeEffectiveKey(absent)
	return participating >= quorum && !effective.isEmpty()
}

// CommitteeCacheStats summarises the cache for an operator/debug surface.
type CommitteeCacheStats struct {
	NumCommittees    int
	TotalValidators  int
	Epoch            uint64
}

// Stats returns the cache's summary statistics.
func (c *CommitteeCache) Stats() CommitteeCacheStats {
	return CommitteeCacheStats{
		NumCommittees:   len(c.committees),
		TotalValidators: len(c.validatorSet),
		Epoch:           c.Epoch,
	}
}
