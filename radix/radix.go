// Package radix implements the transactional radix index: a trie keyed by
// fixed-width key fragments, backed by an append-only walog.Log and
// serialized through blockstore. It is the core of lodex.
//
// A node is a blockstore.Block: a map from a fragment (a byte string of
// length FragmentWidth, or shorter only for the final, "tail" fragment of
// a key whose length isn't a multiple of FragmentWidth) to an entry. An
// entry is one of three kinds:
//
//   - LEAF: terminates a key, holding the full key (the self-contained
//     identity check) and, unless it's a tombstone, a value-log offset.
//   - PERSISTED_NODE: points at a child block already durable in the
//     index log, by offset.
//   - DIRTY_NODE: points at a child block still only in memory, by its
//     position in the current transaction's arena. This kind never
//     crosses into blockstore; Commit collapses every dirty node into a
//     persisted one before the transaction's new root is written.
//
// Put always walks from the root, pushing every node it touches into the
// arena as a fresh dirty copy; nothing already committed is ever mutated
// in place. Get and Walk read through both persisted and dirty nodes
// without copying. Commit serializes the dirty subtree bottom-up
// (post-order, so a parent's PERSISTED_NODE offsets are known before the
// parent itself is written) and finishes with a single durable checkpoint
// write, which is the index's atomic commit point.
package radix

import (
	"errors"
	"fmt"

	"github.com/slode/lodex/blockstore"
	"github.com/slode/lodex/walog"
)

// FragmentWidth is the fixed width, in bytes, of every key fragment except
// possibly the last. It is a compile-time constant rather than a
// configurable parameter: changing it changes the on-disk format.
const FragmentWidth = 2

var (
	// ErrNotFound is returned by Get when the key has no live entry,
	// either because it was never put, or because it was put and then
	// deleted.
	ErrNotFound = errors.New("radix: key not found")

	// ErrClosed names the closed-index condition. No Index method returns
	// it: after Close, an operation fails with walog.ErrClosed as soon as
	// it needs the log, while a Put or Get served entirely from the
	// in-memory arena still succeeds.
	ErrClosed = errors.New("radix: index is closed")
)

// entryKind mirrors blockstore.Kind plus the in-memory-only Dirty kind.
type entryKind uint8

const (
	kindLeaf entryKind = iota
	kindPersisted
	kindDirty
)

// entry is a node's view of one fragment slot. It generalizes
// blockstore.Entry with the in-memory Dirty variant, which holds an arena
// index rather than a log offset.
type entry struct {
	kind entryKind

	// Leaf fields.
	key      []byte
	hasValue bool
	valueRef uint64

	// Persisted field.
	offset uint32

	// Dirty field: index into Index.dirty.
	arenaIdx int
}

// block is a node: a fragment-to-entry map, the in-memory counterpart of
// blockstore.Block.
type block map[string]entry

// Index is a single transactional radix index over one walog.Log. It is
// not safe for concurrent use by multiple goroutines without external
// synchronization: lodex expects exactly one writer per index, with
// readers coordinating through that writer rather than through Index
// itself.
type Index struct {
	log *walog.Log

	// root is Persisted after Open and after Commit, and Dirty once any
	// Put or Delete has run: every Put pushes a fresh copy of the root into
	// the arena, even if nothing below it changed on this particular call.
	// This keeps root handling uniform with every other node instead of a
	// special case.
	root entry

	// dirty is the current transaction's arena: position-stable storage
	// for every node copy created since the last Commit. Entries are
	// cleared (truncated to length 0) on Commit; offsets into it are only
	// ever valid within the transaction that created them.
	dirty []block
}

// Open opens or creates the index log at path and loads its last
// committed root, bootstrapping an empty root block if the log is new.
func Open(path string) (*Index, error) {
	log, err := walog.Open(path)
	if err != nil {
		return nil, err
	}

	idx := &Index{log: log}
	empty := blockstore.Block{}
	off, _, err := log.Bootstrap(blockstore.Encode(empty))
	if err != nil {
		log.Close()
		return nil, err
	}

	idx.root = entry{kind: kindPersisted, offset: off}
	if _, _, err := idx.loadCheckpointedRoot(); err != nil {
		log.Close()
		return nil, err
	}
	return idx, nil
}

func (idx *Index) loadCheckpointedRoot() (uint32, bool, error) {
	off, err := idx.log.ReadCheckpoint()
	if err != nil {
		return 0, false, err
	}
	idx.root = entry{kind: kindPersisted, offset: off}
	return off, true, nil
}

// newArenaBlock appends a fresh block to the arena and returns a Dirty
// entry pointing at it.
func (idx *Index) newArenaBlock(b block) entry {
	idx.dirty = append(idx.dirty, b)
	return entry{kind: kindDirty, arenaIdx: len(idx.dirty) - 1}
}

func (idx *Index) arenaBlock(i int) block {
	if i < 0 || i >= len(idx.dirty) {
		panic(fmt.Sprintf("radix: invalid arena index %d (len %d)", i, len(idx.dirty)))
	}
	return idx.dirty[i]
}

// loadBlock reads a node's block contents regardless of whether it is
// Persisted (read from the log) or Dirty (read from the arena). It never
// accepts a Leaf entry: a Leaf has no block of its own.
func (idx *Index) loadBlock(e entry) (block, error) {
	switch e.kind {
	case kindDirty:
		return idx.arenaBlock(e.arenaIdx), nil
	case kindPersisted:
		raw, err := idx.log.Read(e.offset)
		if err != nil {
			return nil, err
		}
		b, err := blockstore.Decode(raw)
		if err != nil {
			return nil, err
		}
		return fromBlockstoreBlock(b), nil
	default:
		panic(fmt.Sprintf("radix: loadBlock called on non-node entry kind %d", e.kind))
	}
}

func fromBlockstoreBlock(b blockstore.Block) block {
	out := make(block, len(b))
	for frag, be := range b {
		out[frag] = fromBlockstoreEntry(be)
	}
	return out
}

func fromBlockstoreEntry(be blockstore.Entry) entry {
	switch be.Kind {
	case blockstore.Leaf:
		return entry{kind: kindLeaf, key: be.Key, hasValue: be.HasValue, valueRef: be.ValueRef}
	case blockstore.Persisted:
		return entry{kind: kindPersisted, offset: be.Offset}
	default:
		panic(fmt.Sprintf("radix: decoded entry has unknown kind %v", be.Kind))
	}
}

// fragments splits key into FragmentWidth-byte pieces. The final piece is
// shorter only if len(key) isn't a multiple of FragmentWidth, in which
// case it's a "tail" fragment.
func fragments(key []byte) []string {
	var frags []string
	for i := 0; i < len(key); i += FragmentWidth {
		end := i + FragmentWidth
		if end > len(key) {
			end = len(key)
		}
		frags = append(frags, string(key[i:end]))
	}
	return frags
}

// Put inserts or overwrites key with valueRef, the offset at which the
// caller has already written the corresponding value record. The change
// is only visible to future Get/Walk calls within this Index and is not
// durable until Commit.
func (idx *Index) Put(key []byte, valueRef uint64) error {
	return idx.put(key, true, valueRef)
}

// Delete marks key as removed: a tombstone leaf is written in its place
// rather than the fragment slot being removed outright, so that a
// concurrent reader of an already-loaded persisted block never observes
// a key vanish out from under an in-progress Walk. Deleting an absent key
// is not an error.
func (idx *Index) Delete(key []byte) error {
	return idx.put(key, false, 0)
}

func (idx *Index) put(key []byte, hasValue bool, valueRef uint64) error {
	frags := fragments(key)
	newRoot, err := idx.putInto(idx.root, frags, key, hasValue, valueRef)
	if err != nil {
		return err
	}
	idx.root = newRoot
	return nil
}

// putInto returns a new entry for the node currently at e, with key
// installed (or tombstoned) along the path described by frags. For a node
// it returns a fresh Dirty entry: every node on the path to the change is
// copied into the arena, per the no-in-place-mutation invariant. For a
// leaf whose key equals key it returns the overwritten Leaf entry itself.
func (idx *Index) putInto(e entry, frags []string, key []byte, hasValue bool, valueRef uint64) (entry, error) {
	var b block
	switch e.kind {
	case kindLeaf:
		return idx.putIntoLeaf(e, frags, key, hasValue, valueRef)
	case kindPersisted, kindDirty:
		loaded, err := idx.loadBlock(e)
		if err != nil {
			return entry{}, err
		}
		b = cloneBlock(loaded)
	default:
		panic(fmt.Sprintf("radix: putInto called on entry with unknown kind %d", e.kind))
	}

	if len(frags) == 0 {
		// The empty-fragment slot: key is an exact multiple of
		// FragmentWidth and terminates exactly at this node. The node
		// keeps whatever children it already has; it is also now a leaf.
		b[""] = entry{kind: kindLeaf, key: key, hasValue: hasValue, valueRef: valueRef}
		return idx.newArenaBlock(b), nil
	}

	frag, rest := frags[0], frags[1:]
	child, ok := b[frag]
	if !ok {
		// Absent: install the remainder of the key as a single leaf
		// directly under this fragment, with no further descent.
		b[frag] = entry{kind: kindLeaf, key: key, hasValue: hasValue, valueRef: valueRef}
		return idx.newArenaBlock(b), nil
	}

	newChild, err := idx.putInto(child, rest, key, hasValue, valueRef)
	if err != nil {
		return entry{}, err
	}
	b[frag] = newChild
	return idx.newArenaBlock(b), nil
}

// putIntoLeaf handles installing a key at a slot currently occupied by a
// leaf. If the leaf's own key matches, it's a plain overwrite. Otherwise
// the two keys collide on this fragment and the leaf must be promoted
// into an internal node holding both, done by recursively Put-ing both
// full keys into a fresh empty node rather than by any localized
// suffix-splicing, so the ordinary fragment-by-fragment descent logic is
// the only place that ever builds tree structure.
func (idx *Index) putIntoLeaf(e entry, frags []string, key []byte, hasValue bool, valueRef uint64) (entry, error) {
	if string(e.key) == string(key) {
		return entry{kind: kindLeaf, key: key, hasValue: hasValue, valueRef: valueRef}, nil
	}

	// Promote: start from an empty node and re-insert the existing leaf's
	// key, then the new key, both via putInto so collisions deeper than
	// one fragment also resolve correctly (the two keys may share more
	// than FragmentWidth bytes of prefix).
	fresh := idx.newArenaBlock(block{})
	depth := len(fragments(key)) - len(frags)
	existingFrags := fragments(e.key)[depth:]
	afterExisting, err := idx.putInto(fresh, existingFrags, e.key, e.hasValue, e.valueRef)
	if err != nil {
		return entry{}, err
	}
	return idx.putInto(afterExisting, frags, key, hasValue, valueRef)
}

func cloneBlock(b block) block {
	out := make(block, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}

// Get looks up key and returns its value-log offset. It returns
// ErrNotFound if the key was never put, or was put and then deleted.
func (idx *Index) Get(key []byte) (uint64, error) {
	frags := fragments(key)
	e := idx.root
	for {
		switch e.kind {
		case kindLeaf:
			if string(e.key) != string(key) || !e.hasValue {
				return 0, ErrNotFound
			}
			return e.valueRef, nil
		case kindPersisted, kindDirty:
			b, err := idx.loadBlock(e)
			if err != nil {
				return 0, err
			}
			if len(frags) == 0 {
				child, ok := b[""]
				if !ok {
					return 0, ErrNotFound
				}
				e = child
				continue
			}
			child, ok := b[frags[0]]
			if !ok {
				return 0, ErrNotFound
			}
			e = child
			frags = frags[1:]
		default:
			panic(fmt.Sprintf("radix: Get encountered entry with unknown kind %d", e.kind))
		}
	}
}

// WalkFunc is called once per live (non-tombstoned) key during Walk, in
// lexicographic key order. Returning a non-nil error stops the walk and
// is returned from Walk unchanged.
type WalkFunc func(key []byte, valueRef uint64) error

// Walk visits every live key in the index in lexicographic order.
func (idx *Index) Walk(fn WalkFunc) error {
	return idx.walk(idx.root, fn)
}

func (idx *Index) walk(e entry, fn WalkFunc) error {
	switch e.kind {
	case kindLeaf:
		if !e.hasValue {
			return nil
		}
		return fn(e.key, e.valueRef)
	case kindPersisted, kindDirty:
		b, err := idx.loadBlock(e)
		if err != nil {
			return err
		}
		for _, frag := range blockstore.SortedFragments(toBlockstoreBlockShallow(b)) {
			if err := idx.walk(b[frag], fn); err != nil {
				return err
			}
		}
		return nil
	default:
		panic(fmt.Sprintf("radix: walk encountered entry with unknown kind %d", e.kind))
	}
}

// toBlockstoreBlockShallow exists only to reuse blockstore.SortedFragments'
// sort; the entry payloads themselves are never converted or used.
func toBlockstoreBlockShallow(b block) blockstore.Block {
	out := make(blockstore.Block, len(b))
	for frag := range b {
		out[frag] = blockstore.Entry{}
	}
	return out
}

// Commit serializes every Dirty node reachable from the root, writes each
// resulting block to the index log, and durably publishes the new root
// offset via a single checkpoint write. After Commit the arena is empty
// and every entry reachable from the root is Persisted. If nothing has
// been put or deleted since the last Commit, this is a no-op: there is no
// dirty subtree to write and no new root to checkpoint.
func (idx *Index) Commit() error {
	if len(idx.dirty) == 0 {
		return nil
	}

	newRoot, err := idx.persist(idx.root)
	if err != nil {
		return err
	}
	if newRoot.kind != kindPersisted {
		panic("radix: commit produced a non-persisted root")
	}
	if err := idx.log.WriteCheckpoint(newRoot.offset); err != nil {
		return err
	}
	idx.root = newRoot
	idx.dirty = idx.dirty[:0]
	return nil
}

// persist recursively collapses e into a Persisted entry. Leaf and
// already-Persisted entries are returned unchanged; Dirty entries are
// serialized post-order: every child is collapsed first, so the block
// written for e only ever references offsets, never arena indices.
func (idx *Index) persist(e entry) (entry, error) {
	switch e.kind {
	case kindLeaf, kindPersisted:
		return e, nil
	case kindDirty:
		b := idx.arenaBlock(e.arenaIdx)
		out := make(blockstore.Block, len(b))
		for frag, child := range b {
			newChild, err := idx.persist(child)
			if err != nil {
				return entry{}, err
			}
			out[frag] = toBlockstoreEntry(newChild)
		}
		off, err := idx.log.Append(blockstore.Encode(out))
		if err != nil {
			return entry{}, err
		}
		return entry{kind: kindPersisted, offset: off}, nil
	default:
		panic(fmt.Sprintf("radix: persist encountered entry with unknown kind %d", e.kind))
	}
}

func toBlockstoreEntry(e entry) blockstore.Entry {
	switch e.kind {
	case kindLeaf:
		return blockstore.Entry{Kind: blockstore.Leaf, Key: e.key, HasValue: e.hasValue, ValueRef: e.valueRef}
	case kindPersisted:
		return blockstore.Entry{Kind: blockstore.Persisted, Offset: e.offset}
	default:
		panic(fmt.Sprintf("radix: cannot serialize entry of kind %d", e.kind))
	}
}

// Close closes the underlying log.
func (idx *Index) Close() error {
	return idx.log.Close()
}
