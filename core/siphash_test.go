package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCalculateShortIDIsDeterministic(t *testing.T) {
	h := Hash{1, 2, 3}
	a := calculateShortID(h, 42)
	b := calculateShortID(h, 42)
	require.Equal(t, a, b)
}

func TestCalculateShortIDVariesWithNonce(t *testing.T) {
	h := Hash{1, 2, 3}
	a := calculateShortID(h, 1)
	b := calculateShortID(h, 2)
	require.NotEqual(t, a, b)
}

func TestCalculateShortIDVariesWithTxHash(t *testing.T) {
	a := calculateShortID(Hash{1}, 7)
	b := calculateShortID(Hash{2}, 7)
	require.NotEqual(t, a, b)
}

func TestCalculateShortIDIsSixBytes(t *testing.T) {
	id := calculateShortID(Hash{9}, 9)
	require.Len(t, id, 6)
}

func TestCalculateShortIDLowCollisionAcrossSample(t *testing.T) {
	seen := make(map[ShortTxId]struct{})
	for i := 0; i < 1000; i++ {
		var h Hash
		h[0] = byte(i)
		h[1] = byte(i >> 8)
		id := calculateShortID(h, 1)
		seen[id] = struct{}{}
	}
	require.Greater(t, len(seen), 990)
}
