package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestNode(t *testing.T) *Node {
	t.Helper()
	busOnce = sync.Once{}
	bus = nil
	n, err := NewNode(context.Background(), NodeConfig{
		Genesis:        BlockHeader{},
		ValidatorStake: map[Address]*U256{{1}: nil},
		BusKey:         []byte("node-test-key"),
		LocalPeerID:    NodeID{1},
	})
	require.NoError(t, err)
	return n
}

func TestNewNodeWiresEverySubsystem(t *testing.T) {
	n := newTestNode(t)
	require.NotNil(t, n.Bus)
	require.NotNil(t, n.Store)
	require.NotNil(t, n.Assembler)
	require.NotNil(t, n.Trie)
	require.NotNil(t, n.Consensus)
	require.NotNil(t, n.Finality)
	require.NotNil(t, n.Breaker)
	require.NotNil(t, n.Mempool)
	require.NotNil(t, n.MempoolIO)
	require.NotNil(t, n.Peers)
	require.NotNil(t, n.Ordering)
	require.NotNil(t, n.SeenCache)
	require.NotNil(t, n.Gateway)
	require.NotNil(t, n.StateGate)
}

func TestNodeIngestValidatedBlockTracksAssemblyAndHead(t *testing.T) {
	n := newTestNode(t)
	// IngestValidatedBlock now hands the block to the assembler by
	// publishing BlockValidated rather than calling it directly, so the bus
	// needs a subscriber on the assembler's inbox before Publish will accept
	// the envelope; Run (or a bare Subscribe, as here) provides that.
	n.Bus.Subscribe(SubsystemBlockStorage)

	genesisHash := blockHeaderHash(BlockHeader{})
	block := ValidatedBlock{Header: BlockHeader{Height: 1, ParentHash: genesisHash, ExtraData: []byte{1}}}
	msg := AuthenticatedMessage{SenderID: SubsystemBlockPropagation}

	require.NoError(t, n.IngestValidatedBlock(msg, block))
	require.Equal(t, blockHeaderHash(block.Header), n.Consensus.Head())
}

func TestNodeIngestValidatedBlockConvergesViaBusDispatch(t *testing.T) {
	n := newTestNode(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Assembler.Listen(ctx)

	genesisHash := blockHeaderHash(BlockHeader{})
	block := ValidatedBlock{Header: BlockHeader{Height: 1, ParentHash: genesisHash, ExtraData: []byte{1}}}
	hash := blockHeaderHash(block.Header)
	msg := AuthenticatedMessage{SenderID: SubsystemBlockPropagation}

	require.NoError(t, n.IngestValidatedBlock(msg, block))
	require.NoError(t, PublishMerkleRootComputed(n.Bus, SubsystemConsensus, hash, Keccak256Hash([]byte("merkle"))))
	require.NoError(t, PublishStateRootComputed(n.Bus, SubsystemConsensus, hash, Keccak256Hash([]byte("state"))))

	require.Eventually(t, func() bool {
		_, err := n.Assembler.GetBlock(hash)
		return err == nil
	}, time.Second, time.Millisecond, "block should converge through the assembler's dispatch loop")
}

func TestNodeIngestValidatedBlockRejectsUnauthorizedSender(t *testing.T) {
	n := newTestNode(t)

	block := ValidatedBlock{Header: BlockHeader{Height: 1, ExtraData: []byte{1}}}
	msg := AuthenticatedMessage{SenderID: SubsystemMempool}

	err := n.IngestValidatedBlock(msg, block)
	require.ErrorIs(t, err, ErrUnauthorizedSender)
}

func TestNodeApplyStateWriteWritesThroughToTrie(t *testing.T) {
	n := newTestNode(t)

	req := StateWriteRequest{
		Account: Address{1},
		Writes:  []StorageLocationValue{{Location: StorageLocation{Address: Address{1}, Key: Hash{1}}, Value: Hash{9}}},
	}
	msg := AuthenticatedMessage{SenderID: SubsystemContractExecution}
	require.NoError(t, n.StateGate.Handle(msg, req))
	require.Equal(t, Hash{9}, n.Trie.storage[Address{1}][Hash{1}])
}

func TestNodeRunStopsOnContextCancel(t *testing.T) {
	n := newTestNode(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		n.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}

func TestNodeShutdownClosesStoreAndBus(t *testing.T) {
	n := newTestNode(t)
	require.NoError(t, n.Shutdown())
}
