// Package store implements lodex's document coordinator: one value log
// shared by any number of independent attribute indexes, each its own
// radix.Index over its own index log file.
//
// A document store with secondary indexes reduces to one index per
// attribute, each independent, sharing a value log. There is no
// cross-attribute coupling beyond that shared value log; each attribute
// index is free to commit, or fail to commit, on its own.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/slode/lodex/internal/logging"
	"github.com/slode/lodex/radix"
	"github.com/slode/lodex/walog"
)

// idAttr is the attribute every Store indexes unconditionally: every
// document needs to be resolvable by its own identity regardless of
// which other attributes happen to be indexed.
const idAttr = "_id"

// indexFilePrefix joins the value-log path with every attribute index's
// file name: path + indexFilePrefix + attr. A fixed separator keeps the
// index files of a second database whose filename merely begins with this
// one's (e.g. "animals.ldx2" next to "animals.ldx") from being mistaken
// for this store's own index files.
const indexFilePrefix = ".idx."

// Index is one attribute's radix.Index plus the attribute name it's
// keyed by.
type Index struct {
	Attr string
	idx  *radix.Index
}

// Store is a document store: a value log plus one radix.Index per
// indexed attribute.
type Store struct {
	mu       sync.Mutex
	path     string
	valueLog *walog.Log
	indexes  map[string]*Index
	log      zerolog.Logger
}

// Open opens or creates the store at path, along with every attribute
// index already present on disk (discovered by the strict
// "<path>.idx.<attr>" naming convention) plus the mandatory "_id" index.
func Open(path string) (*Store, error) {
	valueLog, err := walog.Open(path)
	if err != nil {
		return nil, err
	}
	if _, _, err := valueLog.Bootstrap(nil); err != nil {
		valueLog.Close()
		return nil, err
	}

	s := &Store{
		path:     path,
		valueLog: valueLog,
		indexes:  map[string]*Index{},
		log:      logging.New("store"),
	}

	if err := s.addIndex(idAttr); err != nil {
		s.Close()
		return nil, err
	}

	existing, err := discoverIndexFiles(path)
	if err != nil {
		s.Close()
		return nil, err
	}
	for _, attr := range existing {
		if attr == idAttr {
			continue
		}
		if err := s.addIndex(attr); err != nil {
			s.Close()
			return nil, err
		}
	}

	return s, nil
}

// discoverIndexFiles scans path's directory for files matching exactly
// "<base>.idx.<attr>", returning the attribute names found. Anchoring on
// the literal ".idx." separator, rather than a bare
// strings.HasPrefix(name, base) scan, keeps an unrelated database file
// that merely shares base as a leading substring from being picked up as
// one of this store's indexes.
func discoverIndexFiles(path string) ([]string, error) {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: scan index files: %w", err)
	}

	want := base + indexFilePrefix
	var attrs []string
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, want) {
			continue
		}
		attr := strings.TrimPrefix(name, want)
		if attr == "" {
			continue
		}
		attrs = append(attrs, attr)
	}
	return attrs, nil
}

func (s *Store) indexPath(attr string) string {
	return s.path + indexFilePrefix + attr
}

// addIndex opens (or creates) the radix.Index backing attr and registers
// it. Callers must hold s.mu, except during Open where no other goroutine
// can yet observe s.
func (s *Store) addIndex(attr string) error {
	idx, err := radix.Open(s.indexPath(attr))
	if err != nil {
		return fmt.Errorf("store: open index %q: %w", attr, err)
	}
	s.indexes[attr] = &Index{Attr: attr, idx: idx}
	return nil
}

// AddIndex registers a new attribute index on an already-open store. It is
// a no-op if the attribute is already indexed. Existing documents already
// in the value log are not retroactively indexed; the caller is expected
// to re-Put them, since AddIndex only ever affects documents put
// afterward.
func (s *Store) AddIndex(attr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.indexes[attr]; ok {
		return nil
	}
	return s.addIndex(attr)
}

// Put stores doc in the value log and updates every index whose
// attribute doc has a value for. If doc has no "_id", a fresh one is
// generated. Put returns the document's "_id".
func (s *Store) Put(doc map[string]any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := doc[idAttr].(string)
	if !ok || id == "" {
		id = uuid.NewString()
		doc[idAttr] = id
	}

	payload, err := cbor.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("store: encode document: %w", err)
	}
	offset, err := s.valueLog.Append(payload)
	if err != nil {
		return "", err
	}

	for attr, idx := range s.indexes {
		v, ok := doc[attr]
		if !ok {
			continue
		}
		key, err := attrKey(v)
		if err != nil {
			return "", fmt.Errorf("store: index %q: %w", attr, err)
		}
		if err := idx.idx.Put(key, uint64(offset)); err != nil {
			return "", fmt.Errorf("store: update index %q: %w", attr, err)
		}
	}

	s.log.Debug().Str("id", id).Uint32("offset", offset).Msg("put")
	return id, nil
}

// Get resolves a document by an indexed attribute's value, e.g.
// Get("_id", someID) or Get("MSW93_Genus", "Panthera"). It returns an
// error if attr isn't indexed, and radix.ErrNotFound if the value has no
// live entry.
func (s *Store) Get(attr string, value any) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.indexes[attr]
	if !ok {
		return nil, fmt.Errorf("store: %q is not an indexed attribute", attr)
	}
	key, err := attrKey(value)
	if err != nil {
		return nil, err
	}
	offset, err := idx.idx.Get(key)
	if err != nil {
		return nil, err
	}
	return s.readDoc(uint32(offset))
}

func (s *Store) readDoc(offset uint32) (map[string]any, error) {
	raw, err := s.valueLog.Read(offset)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := cbor.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("store: decode document at %d: %w", offset, err)
	}
	return doc, nil
}

// Delete removes the document identified by id from every index it's
// present in. It first resolves the full document by its "_id" so each
// attribute's index is tombstoned under that attribute's own stored
// value; deleting with the "_id" value against an index keyed by some
// other attribute would tombstone the wrong key entirely.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idIdx := s.indexes[idAttr]
	idKey, err := attrKey(id)
	if err != nil {
		return err
	}
	offset, err := idIdx.idx.Get(idKey)
	if err != nil {
		return err
	}
	doc, err := s.readDoc(uint32(offset))
	if err != nil {
		return err
	}

	for attr, idx := range s.indexes {
		v, ok := doc[attr]
		if !ok {
			continue
		}
		key, err := attrKey(v)
		if err != nil {
			return fmt.Errorf("store: index %q: %w", attr, err)
		}
		if err := idx.idx.Delete(key); err != nil {
			return fmt.Errorf("store: tombstone index %q: %w", attr, err)
		}
	}

	s.log.Debug().Str("id", id).Msg("delete")
	return nil
}

// Walk visits every live document via the "_id" index, in key order.
func (s *Store) Walk(fn func(doc map[string]any) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.indexes[idAttr].idx.Walk(func(key []byte, ref uint64) error {
		doc, err := s.readDoc(uint32(ref))
		if err != nil {
			return err
		}
		return fn(doc)
	})
}

// Commit commits every attribute index independently. A crash between two
// indexes' commits leaves the store internally inconsistent: the indexes
// already committed hold the new state, while the rest reopen at their
// previous commit and their uncommitted changes are lost. If Commit
// returns an error instead, the uncommitted indexes keep their pending
// changes and a later successful Commit publishes them.
// Cross-index transactional isolation is out of scope; each attribute
// index provides its own durability guarantee independent of the others.
func (s *Store) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for attr, idx := range s.indexes {
		if err := idx.idx.Commit(); err != nil {
			return fmt.Errorf("store: commit index %q: %w", attr, err)
		}
	}
	s.log.Info().Int("indexes", len(s.indexes)).Msg("commit")
	return nil
}

// Close closes the value log and every attribute index.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for _, idx := range s.indexes {
		if err := idx.idx.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.valueLog.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// attrKey turns an attribute value into the byte key a radix.Index is
// keyed by. Strings are used verbatim (UTF-8 bytes) and byte slices as
// they are; nil is rejected with an error; everything else is formatted
// with fmt.Sprint. The document coordinator treats attribute
// values as opaque, comparable strings rather than a typed key schema:
// every radix.Index is keyed by byte strings, so any attribute value
// ultimately has to render down to one.
func attrKey(v any) ([]byte, error) {
	switch t := v.(type) {
	case string:
		return []byte(t), nil
	case []byte:
		return t, nil
	case nil:
		return nil, fmt.Errorf("store: nil attribute value cannot be a key")
	default:
		return []byte(fmt.Sprint(t)), nil
	}
}
