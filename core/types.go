package core

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// Hash is a 32 byte Keccak256 digest, used for block hashes, merkle roots,
// state roots and trie node hashes throughout the node.
type Hash = common.Hash

// Address is a 20 byte account identifier.
type Address = common.Address

// U256 is an unsigned 256 bit integer, used for balances, stake weights and
// difficulty targets.
type U256 = big.Int

// SubsystemId identifies one of the seventeen cooperating subsystems that
// exchange AuthenticatedMessage envelopes over the event bus.
type SubsystemId uint8

const (
	SubsystemPeerDiscovery       SubsystemId = 1
	SubsystemBlockStorage        SubsystemId = 2
	SubsystemTransactionIndexing SubsystemId = 3
	SubsystemStateManagement     SubsystemId = 4
	SubsystemBlockPropagation    SubsystemId = 5
	SubsystemMempool             SubsystemId = 6
	SubsystemBloomFilters        SubsystemId = 7
	SubsystemConsensus           SubsystemId = 8
	SubsystemFinality            SubsystemId = 9
	SubsystemSigVerification     SubsystemId = 10
	SubsystemContractExecution   SubsystemId = 11
	SubsystemTransactionOrdering SubsystemId = 12
	SubsystemSPV                 SubsystemId = 13
	SubsystemReserved14          SubsystemId = 14
	SubsystemCrossChain          SubsystemId = 15
	SubsystemGateway             SubsystemId = 16
	SubsystemBlockProduction     SubsystemId = 17
)

func (s SubsystemId) Valid() bool { return s >= 1 && s <= 17 }

// Keccak256Hash hashes the concatenation of data using Keccak256 and returns
// a Hash. It is the one hashing primitive every domain-separated hash in the
// node is built from.
func Keccak256Hash(data ...[]byte) Hash {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	var out Hash
	h.Sum(out[:0])
	return out
}

// EmptyMerkleRoot and EmptyStateRoot are independently named constants that
// both happen to equal Keccak256(nil); an empty trie and an empty block body
// hash to the same value but are compared against different fields.
var (
	EmptyMerkleRoot = Keccak256Hash(nil)
	EmptyStateRoot  = Keccak256Hash(nil)
)

// BlockHeader is the canonical header carried by every block in the system.
type BlockHeader struct {
	Version         uint32
	Height          uint64
	ParentHash      Hash
	MerkleRoot      Hash
	StateRoot       Hash
	Timestamp       uint64
	ProposerID      Address
	Difficulty      *U256
	ExtraData       []byte // <= 32 bytes
	ChainID         uint64
	ProtocolVersion uint32
}

// IsGenesis reports whether h is the height-zero header with a zeroed parent.
func (h *BlockHeader) IsGenesis() bool {
	return h.Height == 0 && h.ParentHash == (Hash{})
}

// ConsensusProofKind tags which consensus scheme produced a block.
type ConsensusProofKind uint8

const (
	ProofPoW ConsensusProofKind = iota
	ProofPoSAttestations
	ProofPBFTCommits
)

// ConsensusProof is the variant payload accompanying a ValidatedBlock,
// carrying whichever evidence its ConsensusProofKind names.
type ConsensusProof struct {
	Kind         ConsensusProofKind
	Nonce        uint64           // PoW
	Attestations []AttestationRecord
	Commits      [][]byte // PBFT commit signatures
}

// Transaction is the minimal transaction shape the node's mempool, state
// engine and block assembler agree on.
type Transaction struct {
	Hash     Hash
	From     Address
	Nonce    uint64
	GasPrice *U256
	GasLimit uint64
	Value    *U256
	Raw      []byte
}

// ValidatedBlock is a header plus its transaction set and consensus evidence,
// produced once subsystem 17 and the consensus core agree a block is valid.
type ValidatedBlock struct {
	Header       BlockHeader
	Transactions []Transaction
	Proof        ConsensusProof
}

// AttestationRecord is a single validator's vote on a block, used both by
// the consensus committee cache and the LMD-GHOST fork choice store.
type AttestationRecord struct {
	Validator Address
	Target    Hash
	Slot      uint64
	Signature []byte
}
