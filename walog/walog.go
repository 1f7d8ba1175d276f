// Package walog implements the append-only log file that backs both the
// value log and every index log in lodex.
//
// A log is a flat byte file. The first 8 bytes are a checkpoint header:
// two big-endian uint32 copies of the offset of the most recently
// committed root record. Everything after the header is a sequence of
// length-prefixed records: a big-endian uint32 length followed by exactly
// that many bytes, a big-endian CRC-32 of the payload and then the payload
// itself, so a reader detects a torn or corrupted record (both are
// reported as ErrCorrupt).
//
// walog never interprets record contents; it is used identically by the
// radix index (to store node blocks) and by the document store (to store
// value records).
package walog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
)

const (
	headerSize = 8 // two big-endian uint32 root-offset copies

	lengthPrefixSize = 4
	crcSize          = 4
)

var (
	// ErrCorrupt is returned when the header copies disagree, a length
	// prefix overruns the file, or a record's CRC does not match.
	ErrCorrupt = errors.New("walog: corrupt log file")

	// ErrClosed is returned by any operation on a closed Log.
	ErrClosed = errors.New("walog: log is closed")
)

// Log is an append-only record log with a duplicated-header checkpoint.
// A Log is safe for one writer and any number of readers only if the
// caller serializes writers itself; walog guards its own bookkeeping
// with a mutex but does not provide cross-process locking.
type Log struct {
	mu     sync.Mutex
	file   *os.File
	size   int64
	closed bool
}

// Open opens the log at path, creating it if necessary. A freshly created
// log gets its header written (twice, both copies equal) pointing at an
// empty root record appended by the caller via Bootstrap.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("walog: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("walog: stat %s: %w", path, err)
	}
	l := &Log{file: f, size: info.Size()}
	return l, nil
}

// Bootstrap initializes a freshly created (empty) log: it writes a
// placeholder header, appends emptyRoot as the first record, and rewrites
// the header to point at it. It is a no-op if the log already has
// content. The returned offset is where the initial root record landed;
// callers only need it on first bootstrap.
func (l *Log) Bootstrap(emptyRoot []byte) (offset uint32, bootstrapped bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, false, ErrClosed
	}
	if l.size > 0 {
		return 0, false, nil
	}
	if err := l.writeHeaderLocked(0); err != nil {
		return 0, false, err
	}
	off, err := l.appendLocked(emptyRoot)
	if err != nil {
		return 0, false, err
	}
	if err := l.writeHeaderLocked(off); err != nil {
		return 0, false, err
	}
	return off, true, nil
}

// Append writes a length-prefixed, CRC-wrapped record and returns the
// offset at which its length prefix begins. That offset is the value
// later passed to Read and, for the root record of an index, durably
// published via WriteCheckpoint.
func (l *Log) Append(payload []byte) (uint32, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrClosed
	}
	return l.appendLocked(payload)
}

func (l *Log) appendLocked(payload []byte) (uint32, error) {
	if l.size < headerSize {
		l.size = headerSize
	}
	offset := l.size
	if offset > int64(^uint32(0)) {
		return 0, fmt.Errorf("walog: log exceeds 32-bit offset range")
	}

	chunk := make([]byte, crcSize+len(payload))
	copy(chunk[crcSize:], payload)
	binary.BigEndian.PutUint32(chunk[:crcSize], crc32.ChecksumIEEE(payload))

	header := make([]byte, lengthPrefixSize)
	binary.BigEndian.PutUint32(header, uint32(len(chunk)))

	if _, err := l.file.WriteAt(header, offset); err != nil {
		return 0, fmt.Errorf("walog: write length prefix: %w", err)
	}
	if _, err := l.file.WriteAt(chunk, offset+lengthPrefixSize); err != nil {
		return 0, fmt.Errorf("walog: write record: %w", err)
	}
	l.size = offset + lengthPrefixSize + int64(len(chunk))
	return uint32(offset), nil
}

// Read returns the payload previously appended at offset.
func (l *Log) Read(offset uint32) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}

	lenBuf := make([]byte, lengthPrefixSize)
	if _, err := l.file.ReadAt(lenBuf, int64(offset)); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: short length prefix at offset %d", ErrCorrupt, offset)
		}
		return nil, fmt.Errorf("walog: read length prefix: %w", err)
	}
	length := binary.BigEndian.Uint32(lenBuf)
	if length < crcSize {
		return nil, fmt.Errorf("%w: record at offset %d too short for its checksum", ErrCorrupt, offset)
	}
	end := int64(offset) + lengthPrefixSize + int64(length)
	if end > l.size {
		return nil, fmt.Errorf("%w: record at offset %d overruns file", ErrCorrupt, offset)
	}

	chunk := make([]byte, length)
	if _, err := l.file.ReadAt(chunk, int64(offset)+lengthPrefixSize); err != nil {
		return nil, fmt.Errorf("%w: short read at offset %d: %v", ErrCorrupt, offset, err)
	}
	want := binary.BigEndian.Uint32(chunk[:crcSize])
	payload := chunk[crcSize:]
	if got := crc32.ChecksumIEEE(payload); got != want {
		return nil, fmt.Errorf("%w: checksum mismatch at offset %d", ErrCorrupt, offset)
	}
	return payload, nil
}

// WriteCheckpoint durably publishes off as the new root offset. Both
// header copies are written and the file is synced before this returns;
// this is the atomic commit point for any index built on this log.
func (l *Log) WriteCheckpoint(off uint32) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	return l.writeHeaderLocked(off)
}

func (l *Log) writeHeaderLocked(off uint32) error {
	var header [headerSize]byte
	binary.BigEndian.PutUint32(header[0:4], off)
	binary.BigEndian.PutUint32(header[4:8], off)
	if _, err := l.file.WriteAt(header[:], 0); err != nil {
		return fmt.Errorf("walog: write checkpoint header: %w", err)
	}
	if l.size < headerSize {
		l.size = headerSize
	}
	return l.file.Sync()
}

// ReadCheckpoint returns the currently committed root offset. If the two
// header copies disagree, the file is treated as corrupt: this should
// only happen if a write was torn mid-header, which WriteCheckpoint's
// fsync-before-return is meant to prevent.
func (l *Log) ReadCheckpoint() (uint32, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrClosed
	}

	var header [headerSize]byte
	if _, err := l.file.ReadAt(header[:], 0); err != nil {
		return 0, fmt.Errorf("walog: read checkpoint header: %w", err)
	}
	a := binary.BigEndian.Uint32(header[0:4])
	b := binary.BigEndian.Uint32(header[4:8])
	if a != b {
		return 0, fmt.Errorf("%w: checkpoint header copies disagree (%d != %d)", ErrCorrupt, a, b)
	}
	return a, nil
}

// Size returns the current length of the underlying file, including the
// header. Chiefly useful for stats reporting and tests.
func (l *Log) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// Truncate cuts the file back to n bytes. Used by tests to simulate a
// crash mid-commit: truncating to any offset at or past the header but
// before the most recent WriteCheckpoint must leave the previous snapshot
// fully readable.
func (l *Log) Truncate(n int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if err := l.file.Truncate(n); err != nil {
		return err
	}
	l.size = n
	return nil
}

// Close releases the underlying file handle.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}
