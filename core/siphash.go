package core

import "encoding/binary"

// SipHash-1-3 (1 compression round, 3 finalization rounds), used by compact
// block short transaction ids (§4.5a, BIP152). No third-party Go
// implementation of this exact c/d round variant was found among the
// retrieved dependencies, so it is hand-rolled directly from the published
// SipHash round function — the same construction every SipHash variant
// shares, just with c=1 instead of the more common c=2.
type sipHash13 struct {
	v0, v1, v2, v3 uint64
	buf            [8]byte
	bufLen         int
	length         uint64
}

func newSipHash13(k0, k1 uint64) *sipHash13 {
	return &sipHash13{
		v0: 0x736f6d6570736575 ^ k0,
		v1: 0x646f72616e646f6d ^ k1,
		v2: 0x6c7967656e657261 ^ k0,
		v3: 0x7465646279746573 ^ k1,
	}
}

func sipRound(v0, v1, v2, v3 uint64) (uint64, uint64, uint64, uint64) {
	v0 += v1
	v1 = v1<<13 | v1>>(64-13)
	v1 ^= v0
	v0 = v0<<32 | v0>>(64-32)
	v2 += v3
	v3 = v3<<16 | v3>>(64-16)
	v3 ^= v2
	v0 += v3
	v3 = v3<<21 | v3>>(64-21)
	v3 ^= v0
	v2 += v1
	v1 = v1<<17 | v1>>(64-17)
	v1 ^= v2
	v2 = v2<<32 | v2>>(64-32)
	return v0, v1, v2, v3
}

func (s *sipHash13) Write(data []byte) {
	s.length += uint64(len(data))
	for len(data) > 0 {
		n := copy(s.buf[s.bufLen:], data)
		s.bufLen += n
		data = data[n:]
		if s.bufLen == 8 {
			m := binary.LittleEndian.Uint64(s.buf[:])
			s.v3 ^= m
			s.v0, s.v1, s.v2, s.v3 = sipRound(s.v0, s.v1, s.v2, s.v3)
			s.v0 ^= m
			s.bufLen = 0
		}
	}
}

func (s *sipHash13) Sum64() uint64 {
	var last [8]byte
	copy(last[:], s.buf[:s.bufLen])
	last[7] = byte(s.length)

	m := binary.LittleEndian.Uint64(last[:])
	s.v3 ^= m
	s.v0, s.v1, s.v2, s.v3 = sipRound(s.v0, s.v1, s.v2, s.v3)
	s.v0 ^= m

	s.v2 ^= 0xff
	for i := 0; i < 3; i++ {
		s.v0, s.v1, s.v2, s.v3 = sipRound(s.v0, s.v1, s.v2, s.v3)
	}
	return s.v0 ^ s.v1 ^ s.v2 ^ s.v3
}

// ShortTxId is a 6-byte transaction identifier used within a single compact
// block, derived by truncating a SipHash-1-3 digest keyed by the block's
// nonce.
type ShortTxId [6]byte

// calculateShortID computes txHash's short id under the compact block's
// nonce: short_id = SipHash-1-3(nonce, 0)(tx_hash)[0:6].
func calculateShortID(txHash Hash, nonce uint64) ShortTxId {
	h := newSipHash13(nonce, 0)
	h.Write(txHash[:])
	full := h.Sum64()

	var full8 [8]byte
	binary.LittleEndian.PutUint64(full8[:], full)
	var out ShortTxId
	copy(out[:], full8[:6])
	return out
}
