package core

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/sirupsen/logrus"
)

// Block store key prefixes, per §6.2: height keys are exactly 10 bytes
// ("h:" + 8 big-endian height bytes) so lexicographic iteration order
// matches height order.
var (
	blockPrefix    = []byte("b:")
	heightPrefix   = []byte("h:")
	metadataPrefix = []byte("metadata")
)

func heightKey(height uint64) []byte {
	key := make([]byte, 10)
	copy(key, heightPrefix)
	binary.BigEndian.PutUint64(key[2:], height)
	return key
}

func blockKey(h Hash) []byte {
	key := make([]byte, len(blockPrefix)+len(h))
	n := copy(key, blockPrefix)
	copy(key[n:], h[:])
	return key
}

// checksumPreimage is the RLP-encoded (parent, height, merkle, state) tuple
// whose CRC32C checksum guards a StoredBlock against silent corruption.
type checksumPreimage struct {
	Parent Hash
	Height uint64
	Merkle Hash
	State  Hash
}

func computeChecksum(h BlockHeader, stateRoot Hash) uint32 {
	enc, err := rlp.EncodeToBytes(checksumPreimage{
		Parent: h.ParentHash,
		Height: h.Height,
		Merkle: h.MerkleRoot,
		State:  stateRoot,
	})
	if err != nil {
		panic("core: checksum preimage encode: " + err.Error())
	}
	return crc32.Checksum(enc, crc32.MakeTable(crc32.Castagnoli))
}

// StoredBlock is a ValidatedBlock enriched with its computed roots and a
// corruption-detection checksum.
type StoredBlock struct {
	Block     ValidatedBlock
	Merkle    Hash
	State     Hash
	Checksum  uint32
}

// Verify recomputes the checksum and compares it against the stored value.
func (s *StoredBlock) Verify() bool {
	return computeChecksum(s.Block.Header, s.State) == s.Checksum
}

// PendingAssembly buffers the three signals the assembler must see for a
// given block hash (BlockValidated, MerkleRootComputed, StateRootComputed)
// before it can persist the block.
type PendingAssembly struct {
	BlockHash  Hash
	Block      *ValidatedBlock
	Merkle     *Hash
	State      *Hash
	ReceivedAt time.Time
}

func (p *PendingAssembly) complete() bool {
	return p.Block != nil && p.Merkle != nil && p.State != nil
}

var ErrAssemblyTimeout = errors.New("assembler: pending assembly timed out")

// AssemblyTimeout is published when a pending assembly ages out before all
// three convergence signals arrive. MissingComponents names whichever of
// "block", "merkle", "state" never showed up, in that fixed order.
type AssemblyTimeout struct {
	BlockHash         Hash
	MissingComponents []string
}

// missingComponents reports which of p's three signals never arrived.
func missingComponents(p *PendingAssembly) []string {
	var missing []string
	if p.Block == nil {
		missing = append(missing, "block")
	}
	if p.Merkle == nil {
		missing = append(missing, "merkle")
	}
	if p.State == nil {
		missing = append(missing, "state")
	}
	return missing
}

// assemblySignalKind tells dispatch which On* handler an assemblySignal
// envelope is carrying, since BlockValidated, MerkleRootComputed and
// StateRootComputed all arrive on the same subscription.
type assemblySignalKind uint8

const (
	signalBlockValidated assemblySignalKind = iota
	signalMerkleRootComputed
	signalStateRootComputed
)

// assemblySignal is the wire shape of the three convergence signals the
// assembler subscribes to (§4.2).
type assemblySignal struct {
	Kind  assemblySignalKind
	Hash  Hash
	Block *ValidatedBlock `json:",omitempty"`
	Root  *Hash           `json:",omitempty"`
}

// PublishBlockValidated publishes block's validation result to the
// assembler's inbox, as sender.
func PublishBlockValidated(bus *EventBus, sender SubsystemId, block ValidatedBlock) error {
	payload, err := json.Marshal(assemblySignal{
		Kind:  signalBlockValidated,
		Hash:  blockHeaderHash(block.Header),
		Block: &block,
	})
	if err != nil {
		return err
	}
	return bus.Publish(bus.NewEnvelope(sender, SubsystemBlockStorage, 0, payload))
}

// PublishMerkleRootComputed publishes hash's merkle root to the assembler's
// inbox, as sender.
func PublishMerkleRootComputed(bus *EventBus, sender SubsystemId, hash, root Hash) error {
	payload, err := json.Marshal(assemblySignal{Kind: signalMerkleRootComputed, Hash: hash, Root: &root})
	if err != nil {
		return err
	}
	return bus.Publish(bus.NewEnvelope(sender, SubsystemBlockStorage, 0, payload))
}

// PublishStateRootComputed publishes hash's state root to the assembler's
// inbox, as sender.
func PublishStateRootComputed(bus *EventBus, sender SubsystemId, hash, root Hash) error {
	payload, err := json.Marshal(assemblySignal{Kind: signalStateRootComputed, Hash: hash, Root: &root})
	if err != nil {
		return err
	}
	return bus.Publish(bus.NewEnvelope(sender, SubsystemBlockStorage, 0, payload))
}

// Assembler implements the stateful multi-signal block assembler of §4.2: it
// buffers partial components per block hash until all three are present,
// then performs one atomic batch write before publishing BlockStored.
type Assembler struct {
	mu      sync.Mutex
	store   KVStore
	bus     *EventBus
	pending map[Hash]*PendingAssembly
	order   []Hash // FIFO order for max_pending eviction

	maxPending      int
	assemblyTimeout time.Duration
}

const (
	defaultMaxPending      = 1024
	defaultAssemblyTimeout = 30 * time.Second
)

// NewAssembler constructs an Assembler backed by store, publishing
// completion/timeout events on bus.
func NewAssembler(store KVStore, bus *EventBus) *Assembler {
	return &Assembler{
		store:           store,
		bus:             bus,
		pending:         make(map[Hash]*PendingAssembly),
		maxPending:      defaultMaxPending,
		assemblyTimeout: defaultAssemblyTimeout,
	}
}

func (a *Assembler) entry(hash Hash) *PendingAssembly {
	if p, ok := a.pending[hash]; ok {
		return p
	}
	p := &PendingAssembly{BlockHash: hash, ReceivedAt: time.Now()}
	a.pending[hash] = p
	a.order = append(a.order, hash)
	if len(a.order) > a.maxPending {
		oldest := a.order[0]
		a.order = a.order[1:]
		delete(a.pending, oldest)
		logrus.WithField("hash", oldest).Warn("assembler: purged oldest pending assembly, max_pending exceeded")
	}
	return p
}

// OnBlockValidated records a block's header+body signal for its hash.
func (a *Assembler) OnBlockValidated(block ValidatedBlock) error {
	hash := blockHeaderHash(block.Header)
	a.mu.Lock()
	p := a.entry(hash)
	p.Block = &block
	ready, complete := p, p.complete()
	a.mu.Unlock()
	if complete {
		return a.finalize(ready)
	}
	return nil
}

// OnMerkleRootComputed records a merkle root signal for hash.
func (a *Assembler) OnMerkleRootComputed(hash Hash, root Hash) error {
	a.mu.Lock()
	p := a.entry(hash)
	p.Merkle = &root
	ready, complete := p, p.complete()
	a.mu.Unlock()
	if complete {
		return a.finalize(ready)
	}
	return nil
}

// OnStateRootComputed records a state root signal for hash.
func (a *Assembler) OnStateRootComputed(hash Hash, root Hash) error {
	a.mu.Lock()
	p := a.entry(hash)
	p.State = &root
	ready, complete := p, p.complete()
	a.mu.Unlock()
	if complete {
		return a.finalize(ready)
	}
	return nil
}

// finalize performs the atomic batch write and releases the assembler's lock
// before publishing BlockStored, so publication never happens while holding
// the pending-assembly lock.
func (a *Assembler) finalize(p *PendingAssembly) error {
	stored := StoredBlock{
		Block:  *p.Block,
		Merkle: *p.Merkle,
		State:  *p.State,
	}
	stored.Checksum = computeChecksum(stored.Block.Header, stored.State)

	enc, err := rlp.EncodeToBytes(&stored.Block.Header)
	if err != nil {
		return err
	}

	ops := []KVBatchOp{
		{Key: blockKey(p.BlockHash), Value: enc},
		{Key: heightKey(p.Block.Header.Height), Value: p.BlockHash[:]},
	}
	if err := a.store.AtomicBatchWrite(ops); err != nil {
		return err
	}

	a.mu.Lock()
	delete(a.pending, p.BlockHash)
	a.mu.Unlock()

	if a.bus != nil {
		env := a.bus.NewEnvelope(SubsystemBlockStorage, SubsystemBlockStorage, 0, p.BlockHash[:])
		_ = a.bus.Publish(env)
	}
	logrus.WithFields(logrus.Fields{
		"hash":   p.BlockHash,
		"height": p.Block.Header.Height,
	}).Info("assembler: block stored")
	return nil
}

// GC sweeps pending assemblies older than the assembly timeout, publishing
// AssemblyTimeout for each and dropping its buffered components.
func (a *Assembler) GC(now time.Time) []Hash {
	a.mu.Lock()
	var timedOut []Hash
	var events []AssemblyTimeout
	for hash, p := range a.pending {
		if now.Sub(p.ReceivedAt) >= a.assemblyTimeout {
			timedOut = append(timedOut, hash)
			events = append(events, AssemblyTimeout{BlockHash: hash, MissingComponents: missingComponents(p)})
			delete(a.pending, hash)
		}
	}
	if len(timedOut) > 0 {
		filtered := a.order[:0]
		for _, h := range a.order {
			if _, gone := a.pending[h]; gone {
				filtered = append(filtered, h)
			}
		}
		a.order = filtered
	}
	a.mu.Unlock()

	for _, ev := range events {
		logrus.WithFields(logrus.Fields{
			"hash":    ev.BlockHash,
			"missing": ev.MissingComponents,
		}).Warn(ErrAssemblyTimeout)
		a.publishTimeout(ev)
	}
	return timedOut
}

// publishTimeout emits ev on the bus. A nil bus (as used by unit tests that
// exercise the assembler in isolation) makes this a no-op.
func (a *Assembler) publishTimeout(ev AssemblyTimeout) {
	if a.bus == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		logrus.WithError(err).Warn("assembler: failed to encode AssemblyTimeout")
		return
	}
	env := a.bus.NewEnvelope(SubsystemBlockStorage, SubsystemBlockStorage, 0, payload)
	_ = a.bus.Publish(env)
}

// Listen subscribes the assembler to its inbox and dispatches every
// delivered BlockValidated, MerkleRootComputed and StateRootComputed
// envelope to the matching On* handler, until ctx is cancelled. This is the
// convergence protocol's bus-facing half: callers no longer invoke the On*
// methods directly, they publish with PublishBlockValidated and its sibling
// functions and let Listen deliver them.
//
// The same inbox also carries the assembler's own outbound BlockStored and
// AssemblyTimeout notifications (finalize and GC publish to it too, for any
// read-only collaborator that subscribes downstream); dispatch ignores
// anything that does not decode as one of the three signal kinds, so those
// notifications pass through harmlessly rather than erroring.
func (a *Assembler) Listen(ctx context.Context) error {
	if a.bus == nil {
		return nil
	}
	ch := a.bus.Subscribe(SubsystemBlockStorage)
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if msg.SenderID == SubsystemBlockStorage {
				continue // our own BlockStored / AssemblyTimeout notification
			}
			if err := a.dispatch(msg); err != nil {
				logrus.WithError(err).Debug("assembler: envelope not dispatched")
			}
		}
	}
}

func (a *Assembler) dispatch(msg AuthenticatedMessage) error {
	var sig assemblySignal
	if err := json.Unmarshal(msg.Payload, &sig); err != nil {
		return err
	}
	switch sig.Kind {
	case signalBlockValidated:
		if sig.Block == nil {
			return fmt.Errorf("assembler: BlockValidated envelope missing block")
		}
		return a.OnBlockValidated(*sig.Block)
	case signalMerkleRootComputed:
		if sig.Root == nil {
			return fmt.Errorf("assembler: MerkleRootComputed envelope missing root")
		}
		return a.OnMerkleRootComputed(sig.Hash, *sig.Root)
	case signalStateRootComputed:
		if sig.Root == nil {
			return fmt.Errorf("assembler: StateRootComputed envelope missing root")
		}
		return a.OnStateRootComputed(sig.Hash, *sig.Root)
	default:
		return fmt.Errorf("assembler: unrecognised signal kind %d", sig.Kind)
	}
}

// Run launches a periodic GC sweep until ctx is cancelled.
func (a *Assembler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			a.GC(now)
		}
	}
}

// GetBlock looks up a stored block header by hash.
func (a *Assembler) GetBlock(hash Hash) (BlockHeader, error) {
	raw, err := a.store.Get(blockKey(hash))
	if err != nil {
		return BlockHeader{}, err
	}
	var h BlockHeader
	if err := rlp.DecodeBytes(raw, &h); err != nil {
		return BlockHeader{}, err
	}
	return h, nil
}

// GetBlockByHeight resolves a height to a block hash, then to its header.
func (a *Assembler) GetBlockByHeight(height uint64) (BlockHeader, error) {
	hashBytes, err := a.store.Get(heightKey(height))
	if err != nil {
		return BlockHeader{}, err
	}
	var hash Hash
	copy(hash[:], hashBytes)
	return a.GetBlock(hash)
}
