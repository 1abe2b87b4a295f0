package core

import (
	"context"
	"sync"
	"time"
)

// NodeConfig gathers everything Node needs to wire its seventeen
// collaborating subsystems together (§2's control-flow diagram): the
// genesis header every height-0 structure agrees on, the validator set and
// its BLS public keys for the current epoch, the bus's shared HMAC key, and
// where block storage should persist to.
type NodeConfig struct {
	Genesis         BlockHeader
	ValidatorStake  map[Address]*U256
	ValidatorPubKey map[Address]*p1Affine
	Epoch           uint64
	BusKey          []byte
	LocalPeerID     NodeID
	KVStorePath     string // empty uses an in-memory store
}

// Node wires the event bus and every subsystem that talks over it into one
// running process. Nothing here holds a direct reference to another
// subsystem's internals; each collaborator is reached only through the bus
// or through the narrow accessor methods its owner exposes.
type Node struct {
	Bus *EventBus

	Store      KVStore
	Assembler  *Assembler
	Trie       *PatriciaTrie
	Consensus  *ConsensusCore
	Finality   *FinalityCircuitBreaker
	Breaker    *DownstreamCircuitBreaker
	Mempool    *Mempool
	MempoolIO  *MempoolPersistence
	Peers      *RoutingTable
	Ordering   *TransactionOrderingService
	SeenCache  *SeenBlockCache
	Gateway    *GatewayBridge
	StateGate  *StateWriteGate

	cancel context.CancelFunc
}

// NewNode constructs and wires a Node from cfg. It does not start any
// background loops; call Run for that.
func NewNode(ctx context.Context, cfg NodeConfig) (*Node, error) {
	bus := InitEventBus(ctx, cfg.BusKey)

	var store KVStore
	if cfg.KVStorePath == "" {
		store = NewMemKVStore()
	} else {
		s, err := NewLevelKVStore(cfg.KVStorePath)
		if err != nil {
			return nil, err
		}
		store = s
	}

	validators := NewValidatorSet(cfg.ValidatorStake)

	committee := BuildCommitteeCache(cfg.Epoch, validators.Addresses(), cfg.ValidatorPubKey)

	n := &Node{
		Bus:       bus,
		Store:     store,
		Assembler: NewAssembler(store, bus),
		Trie:      NewPatriciaTrie(),
		Consensus: NewConsensusCore(cfg.Genesis, validators, committee, bus),
		Finality:  NewFinalityCircuitBreaker(),
		Breaker:   NewDownstreamCircuitBreaker(),
		Mempool:   NewMempool(DefaultMempoolConfig()),
		MempoolIO: NewMempoolPersistence(),
		Peers:     NewRoutingTable(cfg.LocalPeerID),
		Ordering:  NewTransactionOrderingService(),
		SeenCache: NewSeenBlockCache(DefaultPropagationConfig().SeenCacheSize),
		// The bridge's self id is state management's (4), the subsystem that
		// actually issues outbound ApiQuery requests to the gateway (16);
		// using SubsystemGateway itself here would make a query's sender,
		// recipient and reply-to all the same id, so a response could never
		// be told apart from the request that spawned it.
		Gateway: NewGatewayBridge(bus, SubsystemStateManagement),
	}
	n.StateGate = NewStateWriteGate(n.applyStateWrite)
	return n, nil
}

// applyStateWrite is the one path through which contract execution's
// writes reach the state trie, after StateWriteGate has confirmed the
// request actually came from subsystem 11.
func (n *Node) applyStateWrite(req StateWriteRequest) error {
	for _, w := range req.Writes {
		if err := n.Trie.SetStorage(req.Account, w.Location.Key, w.Value); err != nil {
			return err
		}
	}
	return nil
}

// Run starts the bus-dispatch loops that carry the node's control flow — the
// assembler's Listen and the gateway bridge's Listen — alongside the
// periodic sweeps the wired subsystems need: assembler GC, mempool expiry
// reaping, peer-directory staleness GC and challenge timeout resolution, and
// the gateway bridge's pending-query TTL sweep. It blocks until ctx is
// cancelled, then waits for the dispatch loops to exit.
func (n *Node) Run(ctx context.Context, gc time.Duration) {
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); n.Assembler.Listen(ctx) }()
	go func() { defer wg.Done(); n.Gateway.Listen(ctx) }()

	ticker := time.NewTicker(gc)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case now := <-ticker.C:
			n.Assembler.GC(now)
			n.Mempool.ReapExpired(now)
			n.Peers.CheckExpiredChallenges(now)
			n.Peers.GC(now)
			n.Gateway.SweepExpired(now)
		}
	}
}

// Shutdown stops Node's background loop and the event bus's own goroutines.
func (n *Node) Shutdown() error {
	if n.cancel != nil {
		n.cancel()
	}
	if err := n.Bus.Shutdown(); err != nil {
		return err
	}
	return n.Store.Close()
}

// IngestValidatedBlock feeds a freshly-consensus-validated block into the
// fork choice store, then publishes BlockValidated for the assembler's
// Listen loop to pick up, mirroring §2's control flow: consensus validates,
// then assembly and state application proceed independently and converge on
// BlockStored. Consensus never calls the assembler directly; the bus is what
// carries the block from one to the other.
func (n *Node) IngestValidatedBlock(msg AuthenticatedMessage, block ValidatedBlock) error {
	if err := n.Consensus.HandleValidateBlockRequest(msg, block); err != nil {
		return err
	}
	return PublishBlockValidated(n.Bus, SubsystemConsensus, block)
}
