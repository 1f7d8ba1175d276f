package blockstore

import (
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	b := Block{
		"ab": {Kind: Leaf, Key: []byte("abcd"), HasValue: true, ValueRef: 42},
		"":   {Kind: Leaf, Key: []byte("ab"), HasValue: true, ValueRef: 7},
		"cd": {Kind: Persisted, Offset: 1000},
	}

	got, err := Decode(Encode(b))
	require.NoError(t, err)
	require.Equal(t, b, got)
}

func TestTombstoneRoundTrips(t *testing.T) {
	b := Block{"xy": {Kind: Leaf, Key: []byte("xy"), HasValue: false}}

	got, err := Decode(Encode(b))
	require.NoError(t, err)
	require.False(t, got["xy"].HasValue)
}

func TestEncodeDeterministicOrder(t *testing.T) {
	b1 := Block{
		"bb": {Kind: Leaf, Key: []byte("bb"), HasValue: true, ValueRef: 2},
		"aa": {Kind: Leaf, Key: []byte("aa"), HasValue: true, ValueRef: 1},
	}
	b2 := Block{
		"aa": {Kind: Leaf, Key: []byte("aa"), HasValue: true, ValueRef: 1},
		"bb": {Kind: Leaf, Key: []byte("bb"), HasValue: true, ValueRef: 2},
	}
	require.Equal(t, Encode(b1), Encode(b2), "encoding must not depend on map iteration order")
}

func TestEncodePanicsOnInvalidKind(t *testing.T) {
	b := Block{"ab": {Kind: Kind(99)}}
	require.Panics(t, func() { Encode(b) })
}

func TestDecodeRejectsInvalidKind(t *testing.T) {
	wire := []wireEntry{{Frag: []byte("ab"), Kind: 99}}
	data, err := cbor.Marshal(wire)
	require.NoError(t, err)

	_, err = Decode(data)
	require.Error(t, err)
}
