package core

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math/big"
)

// mempoolMagic identifies a serialized mempool snapshot (tip-relative
// fast-resume format, §4.6b).
var mempoolMagic = [8]byte{'Q', 'C', 'M', 'P', 'O', 'O', 'L', 0x01}

// DefaultMaxReorgDepth bounds how stale a saved snapshot may be and still be
// trusted without re-verifying signatures.
const DefaultMaxReorgDepth = 100

// PersistedTransaction is the on-disk representation of one mempool
// transaction, written by MempoolPersistence.Serialize.
type PersistedTransaction struct {
	Hash         Hash
	Sender       Address
	Nonce        uint64
	GasPrice     *U256
	GasLimit     uint64
	RawData      []byte
	FirstSeen    uint64
	SavedAtHeight uint64
}

var ErrBadMempoolMagic = errors.New("mempool persistence: bad magic bytes")

// MempoolPersistence saves and restores mempool contents across restarts
// using tip-relative revalidation: a snapshot saved within maxReorgDepth of
// the current height can skip signature re-verification on load.
type MempoolPersistence struct {
	maxReorgDepth uint64
}

// NewMempoolPersistence builds a persistence manager with the default reorg depth.
func NewMempoolPersistence() *MempoolPersistence {
	return &MempoolPersistence{maxReorgDepth: DefaultMaxReorgDepth}
}

// NewMempoolPersistenceWithReorgDepth builds one with a custom reorg depth.
func NewMempoolPersistenceWithReorgDepth(depth uint64) *MempoolPersistence {
	return &MempoolPersistence{maxReorgDepth: depth}
}

// Serialize encodes transactions as [MAGIC][HEIGHT][COUNT][TX...], little-endian.
func (p *MempoolPersistence) Serialize(transactions []PersistedTransaction, currentHeight uint64) []byte {
	buf := new(bytes.Buffer)
	buf.Write(mempoolMagic[:])
	writeU64(buf, currentHeight)
	writeU64(buf, uint64(len(transactions)))
	for _, tx := range transactions {
		writeTx(buf, tx)
	}
	return buf.Bytes()
}

// Deserialize decodes a snapshot, returning no transactions (not an error)
// if the snapshot's saved height is more than maxReorgDepth behind
// currentHeight — too deep a reorg to trust cached validation.
func (p *MempoolPersistence) Deserialize(data []byte, currentHeight uint64) ([]PersistedTransaction, error) {
	r := bytes.NewReader(data)

	var magic [8]byte
	if _, err := r.Read(magic[:]); err != nil {
		return nil, err
	}
	if magic != mempoolMagic {
		return nil, ErrBadMempoolMagic
	}

	savedHeight, err := readU64(r)
	if err != nil {
		return nil, err
	}
	if saturatingSub(currentHeight, savedHeight) > p.maxReorgDepth {
		return nil, nil
	}

	count, err := readU64(r)
	if err != nil {
		return nil, err
	}

	out := make([]PersistedTransaction, 0, count)
	for i := uint64(0); i < count; i++ {
		tx, err := readTx(r)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, nil
}

// CanSkipVerification reports whether tx was saved recently enough (within
// maxReorgDepth of currentHeight) to trust its cached validation.
func (p *MempoolPersistence) CanSkipVerification(tx PersistedTransaction, currentHeight uint64) bool {
	return saturatingSub(currentHeight, tx.SavedAtHeight) <= p.maxReorgDepth
}

func saturatingSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func readU64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := r.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func writeTx(buf *bytes.Buffer, tx PersistedTransaction) {
	buf.Write(tx.Hash[:])
	buf.Write(tx.Sender[:])
	writeU64(buf, tx.Nonce)
	var priceBytes [32]byte
	tx.GasPrice.FillBytes(priceBytes[:])
	reverse(priceBytes[:])
	buf.Write(priceBytes[:])
	writeU64(buf, tx.GasLimit)
	writeU64(buf, tx.FirstSeen)
	writeU64(buf, tx.SavedAtHeight)
	var lenBytes [4]byte
	binary.LittleEndian.PutUint32(lenBytes[:], uint32(len(tx.RawData)))
	buf.Write(lenBytes[:])
	buf.Write(tx.RawData)
}

func readTx(r *bytes.Reader) (PersistedTransaction, error) {
	var tx PersistedTransaction
	if _, err := r.Read(tx.Hash[:]); err != nil {
		return tx, err
	}
	if _, err := r.Read(tx.Sender[:]); err != nil {
		return tx, err
	}
	var err error
	if tx.Nonce, err = readU64(r); err != nil {
		return tx, err
	}
	var priceBytes [32]byte
	if _, err := r.Read(priceBytes[:]); err != nil {
		return tx, err
	}
	reverse(priceBytes[:])
	tx.GasPrice = new(big.Int).SetBytes(priceBytes[:])
	if tx.GasLimit, err = readU64(r); err != nil {
		return tx, err
	}
	if tx.FirstSeen, err = readU64(r); err != nil {
		return tx, err
	}
	if tx.SavedAtHeight, err = readU64(r); err != nil {
		return tx, err
	}
	var lenBytes [4]byte
	if _, err := r.Read(lenBytes[:]); err != nil {
		return tx, err
	}
	rawLen := binary.LittleEndian.Uint32(lenBytes[:])
	tx.RawData = make([]byte, rawLen)
	if rawLen > 0 {
		if _, err := r.Read(tx.RawData); err != nil {
			return tx, err
		}
	}
	return tx, nil
}

func reverse(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}
