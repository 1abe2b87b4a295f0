package core

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// PropagationState tracks a block's progress through gossip, compact-block
// reconstruction and consensus validation (§4.5a).
type PropagationState uint8

const (
	PropagationAnnounced PropagationState = iota
	PropagationCompactReceived
	PropagationReconstructing
	PropagationComplete
	PropagationValidated
	PropagationInvalid
)

// PropagationConfig mirrors the reference defaults.
type PropagationConfig struct {
	Fanout                   int
	MaxAnnouncementsPerSecond uint32
	MaxBlockSizeBytes        int
	SeenCacheSize            int
	ReconstructionTimeout    time.Duration
	RequestTimeout           time.Duration
	EnableCompactBlocks      bool
}

// DefaultPropagationConfig returns the reference default configuration.
func DefaultPropagationConfig() PropagationConfig {
	return PropagationConfig{
		Fanout:                    8,
		MaxAnnouncementsPerSecond: 1,
		MaxBlockSizeBytes:         10 * 1024 * 1024,
		SeenCacheSize:             10_000,
		ReconstructionTimeout:     5 * time.Second,
		RequestTimeout:            10 * time.Second,
		EnableCompactBlocks:       true,
	}
}

// seenBlockInfo is SeenBlockCache's per-entry bookkeeping.
type seenBlockInfo struct {
	firstSeen time.Time
	firstPeer *Address
	state     PropagationState
}

// SeenBlockCache is a bounded deduplication cache for block hashes,
// evicting the least recently touched entry once it reaches maxSize.
type SeenBlockCache struct {
	mu    sync.RWMutex
	cache *lru.Cache[Hash, *seenBlockInfo]
}

// NewSeenBlockCache builds a cache bounded to maxSize entries.
func NewSeenBlockCache(maxSize int) *SeenBlockCache {
	c, err := lru.New[Hash, *seenBlockInfo](maxSize)
	if err != nil {
		// maxSize <= 0: fall back to a single-entry cache rather than panic.
		c, _ = lru.New[Hash, *seenBlockInfo](1)
	}
	return &SeenBlockCache{cache: c}
}

// HasSeen reports whether hash has already been recorded.
func (c *SeenBlockCache) HasSeen(hash Hash) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cache.Contains(hash)
}

// MarkSeen records hash as Announced, evicting the least recently touched
// entry if the cache is at capacity and hash is new. A hash already
// tracked is left untouched so its state is not clobbered.
func (c *SeenBlockCache) MarkSeen(hash Hash, peer *Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cache.Contains(hash) {
		return
	}
	c.cache.Add(hash, &seenBlockInfo{firstSeen: time.Now(), firstPeer: peer, state: PropagationAnnounced})
}

// UpdateState sets hash's propagation state, if tracked.
func (c *SeenBlockCache) UpdateState(hash Hash, state PropagationState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if info, ok := c.cache.Peek(hash); ok {
		info.state = state
	}
}

// GetState returns hash's propagation state and whether it is tracked.
func (c *SeenBlockCache) GetState(hash Hash) (PropagationState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.cache.Peek(hash)
	if !ok {
		return 0, false
	}
	return info.state, true
}

// CanProcess reports whether hash is still eligible for propagation work —
// unseen, or seen but not yet Complete/Validated/Invalid.
func (c *SeenBlockCache) CanProcess(hash Hash) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.cache.Peek(hash)
	if !ok {
		return true
	}
	return info.state != PropagationComplete && info.state != PropagationValidated && info.state != PropagationInvalid
}

// Len returns the number of tracked block hashes.
func (c *SeenBlockCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cache.Len()
}
