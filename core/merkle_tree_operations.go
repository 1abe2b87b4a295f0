package core

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/rlp"
)

// Domain separation tags for trie node hashing (§4.3): every node type
// hashes its discriminator byte together with its body so a leaf can never
// collide with an extension or branch encoding the same bytes.
const (
	leafDomain      byte = 0x00
	extensionDomain byte = 0x01
	branchDomain    byte = 0x02
)

func hashWithDomain(domain byte, body []byte) Hash {
	return Keccak256Hash([]byte{domain}, body)
}

// headerPreimage is the normative field order for the domain-separated
// block header hash (Open Question #3): height, parent, merkle, state,
// timestamp, chain_id, protocol_version, extra_data. It is a dedicated type
// so storage/wire convenience never changes the hash preimage.
type headerPreimage struct {
	Height          uint64
	Parent          Hash
	Merkle          Hash
	State           Hash
	Timestamp       uint64
	ChainID         uint64
	ProtocolVersion uint32
	ExtraData       []byte
}

// blockHeaderHash computes the domain-separated hash identifying h, never
// by hashing the BlockHeader struct directly.
func blockHeaderHash(h BlockHeader) Hash {
	enc, err := rlp.EncodeToBytes(headerPreimage{
		Height:          h.Height,
		Parent:          h.ParentHash,
		Merkle:          h.MerkleRoot,
		State:           h.StateRoot,
		Timestamp:       h.Timestamp,
		ChainID:         h.ChainID,
		ProtocolVersion: h.ProtocolVersion,
		ExtraData:       h.ExtraData,
	})
	if err != nil {
		panic("core: header preimage encode: " + err.Error())
	}
	return Keccak256Hash(enc)
}

// serializeAccount encodes an AccountState the way the state trie commits
// it into a leaf value: balance and nonce as fixed-width big-endian
// integers followed by the code hash and storage root.
func serializeAccount(acct AccountState) []byte {
	buf := make([]byte, 0, 32+8+32+32)
	balanceBytes := make([]byte, 32)
	acct.Balance.FillBytes(balanceBytes)
	buf = append(buf, balanceBytes...)
	var nonceBytes [8]byte
	binary.BigEndian.PutUint64(nonceBytes[:], acct.Nonce)
	buf = append(buf, nonceBytes[:]...)
	buf = append(buf, acct.CodeHash[:]...)
	buf = append(buf, acct.StorageRoot[:]...)
	return buf
}

// addressToNibbles expands a 20 byte address into 40 nibbles, the trie's key
// alphabet.
func addressToNibbles(addr Address) []byte {
	nibbles := make([]byte, 0, 40)
	for _, b := range addr {
		nibbles = append(nibbles, b>>4, b&0x0f)
	}
	return nibbles
}
