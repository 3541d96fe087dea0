// Package segstore is a session-scoped, bounded segment cache keyed by
// (session, stream, sequence). Segments are mmap'd into a ring of
// fixed-size slots on disk so the cache does not hold every downloaded
// byte in heap memory. The key index lives in memory only, so a newly
// opened Store starts empty.
//
// The ring-of-slots shape and the returned-buffer pooling are grounded
// in the teacher's proxy/stream/buffer/coordinator.go (container/ring
// of ChunkData, each wrapping a bytebufferpool.ByteBuffer). The
// mmap-backed slot storage is grounded in store/parser.go's use of
// github.com/edsrzf/mmap-go, generalized from a read-only scan map to
// a read/write scratch file.
package segstore

import (
	"container/ring"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/edsrzf/mmap-go"
	"github.com/valyala/bytebufferpool"

	"stream-engine/metrics"
)

// DefaultMaxBufferBytes is the per-session quota from spec.md §3.
const DefaultMaxBufferBytes int64 = 500 * 1024 * 1024

// DefaultSlotBytes bounds the largest segment the store will accept.
// Sized comfortably above a typical multi-second HLS segment.
const DefaultSlotBytes int64 = 4 * 1024 * 1024

var ErrSegmentTooLarge = errors.New("segstore: segment exceeds slot size")

// Key builds the composite content-address for a segment.
func Key(sessionID, streamID string, sequence uint64) string {
	return sessionID + "/" + streamID + "/" + strconv.FormatUint(sequence, 10)
}

type slot struct {
	offset   int64
	length   int
	key      string
	occupied bool
	storedAt time.Time
}

// Store is a session-owned ring of mmap'd slots. Insert evicts the
// oldest occupied slot (by stored_at, which is always the slot the
// ring is about to overwrite) when the ring is full.
type Store struct {
	mu        sync.Mutex
	file      *os.File
	mapped    mmap.MMap
	slotBytes int64
	slotCount int

	ring  *ring.Ring // ring.Value is *slot
	index map[string]*ring.Ring

	usedBytes int64
	sessionID string // metrics label only, see SetSessionID
}

// SetSessionID attaches a label used on the segstore_used_bytes gauge;
// callers that don't care about per-session metrics may skip it.
func (s *Store) SetSessionID(id string) {
	s.mu.Lock()
	s.sessionID = id
	s.mu.Unlock()
}

// Open creates (or truncates) a scratch file at path sized to hold
// maxBytes/slotBytes slots, mmaps it read/write, and returns a Store
// ready for use. Close must be called to flush and unmap.
func Open(path string, maxBytes, slotBytes int64) (*Store, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBufferBytes
	}
	if slotBytes <= 0 {
		slotBytes = DefaultSlotBytes
	}
	slotCount := int(maxBytes / slotBytes)
	if slotCount < 1 {
		slotCount = 1
	}
	totalSize := int64(slotCount) * slotBytes

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("segstore: open %s: %w", path, err)
	}
	if err := f.Truncate(totalSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("segstore: truncate %s: %w", path, err)
	}

	mapped, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("segstore: mmap %s: %w", path, err)
	}

	r := ring.New(slotCount)
	for i := 0; i < slotCount; i++ {
		r.Value = &slot{offset: int64(i) * slotBytes}
		r = r.Next()
	}

	return &Store{
		file:      f,
		mapped:    mapped,
		slotBytes: slotBytes,
		slotCount: slotCount,
		ring:      r,
		index:     make(map[string]*ring.Ring),
	}, nil
}

// Put stores data under key, evicting the oldest slot if the ring has
// wrapped around to an occupied one. Returns ErrSegmentTooLarge if
// data does not fit in a single slot.
func (s *Store) Put(key string, data []byte) error {
	if int64(len(data)) > s.slotBytes {
		return ErrSegmentTooLarge
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.ring.Value.(*slot)
	if cur.occupied {
		delete(s.index, cur.key)
		s.usedBytes -= int64(cur.length)
	}

	n := copy(s.mapped[cur.offset:cur.offset+s.slotBytes], data)

	cur.key = key
	cur.length = n
	cur.occupied = true
	cur.storedAt = time.Now()

	s.index[key] = s.ring
	s.usedBytes += int64(n)
	s.ring = s.ring.Next()
	metrics.SegstoreUsedBytes.WithLabelValues(s.sessionID).Set(float64(s.usedBytes))
	return nil
}

// Get returns a pooled buffer holding a copy of the stored bytes, and
// true if key was found. The caller must return the buffer with
// bytebufferpool.Put when done.
func (s *Store) Get(key string) (*bytebufferpool.ByteBuffer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.index[key]
	if !ok {
		return nil, false
	}
	sl := elem.Value.(*slot)

	buf := bytebufferpool.Get()
	_, _ = buf.Write(s.mapped[sl.offset : sl.offset+int64(sl.length)])
	return buf, true
}

// Delete evicts key if present, freeing its slot immediately rather
// than waiting for the ring to wrap back onto it.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.index[key]
	if !ok {
		return
	}
	sl := elem.Value.(*slot)
	s.usedBytes -= int64(sl.length)
	sl.occupied = false
	sl.length = 0
	sl.key = ""
	delete(s.index, key)
	metrics.SegstoreUsedBytes.WithLabelValues(s.sessionID).Set(float64(s.usedBytes))
}

// UsedBytes reports the accumulated reported byte-lengths currently
// held in the ring (an approximation per spec.md §4.5, since slot
// reuse is exact but accounting is a running sum).
func (s *Store) UsedBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usedBytes
}

// Len reports how many segments are currently resident.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}

// Close flushes and unmaps the backing file and closes it. The Store
// must not be used afterward.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	if err := s.mapped.Flush(); err != nil {
		errs = append(errs, err)
	}
	if err := s.mapped.Unmap(); err != nil {
		errs = append(errs, err)
	}
	if err := s.file.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
