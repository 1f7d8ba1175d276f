// Package blockstore encodes and decodes node blocks: the persisted form
// of a radix index node, a mapping from a key fragment to an entry.
//
// Only the two entry kinds that may legally live on disk, Leaf and
// Persisted, are representable here. The in-memory Dirty kind belongs
// to package radix and never reaches this boundary; Encode panics if
// asked to serialize one, since that would indicate an invariant
// violation in the caller rather than a recoverable error.
package blockstore

import (
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"
)

// Kind tags what an Entry's payload means.
type Kind uint8

const (
	// Leaf terminates a key. ValueRef is the offset into the value log,
	// or absent (a tombstone, see HasValue).
	Leaf Kind = iota
	// Persisted points at a child node block already written to the
	// index log, at Offset.
	Persisted
)

func (k Kind) String() string {
	switch k {
	case Leaf:
		return "LEAF"
	case Persisted:
		return "PERSISTED_NODE"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Entry is the on-disk payload stored under one fragment of a Block.
type Entry struct {
	Kind Kind

	// Leaf fields. Key is the full key this leaf terminates (the
	// self-contained "Variant A" identity check from the design notes);
	// HasValue is false for a tombstone.
	Key      []byte
	HasValue bool
	ValueRef uint64

	// Persisted field: the index-log offset of the child block.
	Offset uint32
}

// Block is a node: an unordered fragment-to-entry map. Fragments are
// visited in lexicographic order whenever a Block is serialized or
// walked, so that identical logical trees always produce identical
// bytes.
type Block map[string]Entry

// wireEntry is Block's on-the-wire shape: a lexicographically sorted
// array of (fragment, entry) pairs, rather than a map, so encoding is
// deterministic without relying on any particular CBOR map-key ordering.
type wireEntry struct {
	Frag     []byte
	Kind     uint8
	Key      []byte
	HasValue bool
	ValueRef uint64
	Offset   uint32
}

// Encode serializes b. It panics if b contains an entry whose Kind is
// neither Leaf nor Persisted; such an entry can only arise from a bug in
// the caller, since radix must collapse every Dirty entry to Persisted
// before a block is committed.
func Encode(b Block) []byte {
	frags := make([]string, 0, len(b))
	for f := range b {
		frags = append(frags, f)
	}
	sort.Strings(frags)

	wire := make([]wireEntry, 0, len(b))
	for _, f := range frags {
		e := b[f]
		switch e.Kind {
		case Leaf, Persisted:
		default:
			panic(fmt.Sprintf("blockstore: cannot encode entry of kind %v at fragment %q", e.Kind, f))
		}
		wire = append(wire, wireEntry{
			Frag:     []byte(f),
			Kind:     uint8(e.Kind),
			Key:      e.Key,
			HasValue: e.HasValue,
			ValueRef: e.ValueRef,
			Offset:   e.Offset,
		})
	}

	out, err := cbor.Marshal(wire)
	if err != nil {
		// cbor.Marshal only fails on unsupported Go types; wireEntry is
		// entirely plain scalars and byte slices, so this cannot happen
		// outside of a broken build.
		panic(fmt.Sprintf("blockstore: cbor encode: %v", err))
	}
	return out
}

// Decode parses the bytes produced by Encode. A malformed payload (bad
// CBOR framing, an unknown Kind) is reported as an error, not a panic:
// corruption is expected to arrive over this boundary from a damaged log
// file, unlike an invalid Kind handed to Encode, which is a local bug.
func Decode(data []byte) (Block, error) {
	var wire []wireEntry
	if err := cbor.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("blockstore: decode: %w", err)
	}
	b := make(Block, len(wire))
	for _, w := range wire {
		switch Kind(w.Kind) {
		case Leaf, Persisted:
		default:
			return nil, fmt.Errorf("blockstore: decode: invalid entry kind %d at fragment %q", w.Kind, w.Frag)
		}
		b[string(w.Frag)] = Entry{
			Kind:     Kind(w.Kind),
			Key:      w.Key,
			HasValue: w.HasValue,
			ValueRef: w.ValueRef,
			Offset:   w.Offset,
		}
	}
	return b, nil
}

// SortedFragments returns b's fragments in the lexicographic order that
// Encode and every deterministic traversal use.
func SortedFragments(b Block) []string {
	frags := make([]string, 0, len(b))
	for f := range b {
		frags = append(frags, f)
	}
	sort.Strings(frags)
	return frags
}
