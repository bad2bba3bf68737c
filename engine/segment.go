package engine

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/kzheludkov/carrot-cache/internal/util"
)

// Item layout inside a segment:
//
//	expire u64 (unix millis, 0 - never)
//	klen uvarint, vlen uvarint, key, value
const itemExpireSize = 8

// ItemSize returns the full stored size of a key-value pair.
func ItemSize(keySize, valueSize int) int {
	return itemExpireSize + util.KVSize(keySize, valueSize)
}

// Segment is an append-only buffer of cached items, the unit of space
// reclamation. State machine: Open -> Sealed -> Recycled. Sealed segments
// are immutable; the index is the only authoritative pointer into them, so
// a segment may hold dead items until the scavenger recycles it.
type Segment struct {
	id       int
	rank     int
	capacity int64
	created  int64

	mu  sync.RWMutex
	buf []byte // nil once a file-backed segment drops its write buffer

	dataSize    atomic.Int64
	sealed      atomic.Bool
	totalItems  atomic.Int64
	activeItems atomic.Int64
	maxExpireAt atomic.Int64
}

// Info is a point-in-time copy of segment statistics.
type Info struct {
	ID               int
	Rank             int
	TotalItems       int64
	TotalActiveItems int64
	MaxExpireAt      int64
	CreationTime     int64
	DataSize         int64
	Sealed           bool
}

func NewSegment(id, rank int, capacity int64, created int64) *Segment {
	return &Segment{
		id:       id,
		rank:     rank,
		capacity: capacity,
		created:  created,
		buf:      make([]byte, capacity),
	}
}

func (s *Segment) ID() int         { return s.id }
func (s *Segment) Rank() int       { return s.rank }
func (s *Segment) Sealed() bool    { return s.sealed.Load() }
func (s *Segment) DataSize() int64 { return s.dataSize.Load() }

func (s *Segment) Info() Info {
	return Info{
		ID:               s.id,
		Rank:             s.rank,
		TotalItems:       s.totalItems.Load(),
		TotalActiveItems: s.activeItems.Load(),
		MaxExpireAt:      s.maxExpireAt.Load(),
		CreationTime:     s.created,
		DataSize:         s.dataSize.Load(),
		Sealed:           s.sealed.Load(),
	}
}

// append writes one item and returns its offset. ok is false when the
// segment lacks room; the caller seals it and allocates a new one.
func (s *Segment) Append(key, value []byte, expire int64) (offset int64, ok bool) {
	size := ItemSize(len(key), len(value))
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed.Load() {
		return 0, false
	}
	offset = s.dataSize.Load()
	if offset+int64(size) > s.capacity {
		return 0, false
	}
	binary.BigEndian.PutUint64(s.buf[offset:], uint64(expire))
	util.PutKV(s.buf[offset+itemExpireSize:], key, value)
	s.dataSize.Store(offset + int64(size))
	s.totalItems.Add(1)
	s.activeItems.Add(1)
	if expire > 0 {
		for {
			cur := s.maxExpireAt.Load()
			if expire <= cur || s.maxExpireAt.CompareAndSwap(cur, expire) {
				break
			}
		}
	}
	return offset, true
}

// seal freezes the segment. Idempotent.
func (s *Segment) Seal() {
	s.sealed.Store(true)
}

// readAt copies size bytes at offset from the in-memory buffer into dst.
// ok is false when the buffer has been dropped (file-backed, flushed).
func (s *Segment) readAt(dst []byte, offset int64) (ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.buf == nil {
		return false
	}
	copy(dst, s.buf[offset:offset+int64(len(dst))])
	return true
}

// dropBuffer releases the write buffer after the segment is persisted.
func (s *Segment) dropBuffer() {
	s.mu.Lock()
	s.buf = nil
	s.mu.Unlock()
}

// parseItem decodes an item at the head of b.
func parseItem(b []byte) (expire int64, key, value []byte, n int, ok bool) {
	if len(b) < itemExpireSize {
		return 0, nil, nil, 0, false
	}
	expire = int64(binary.BigEndian.Uint64(b))
	key, value, kvn, ok := util.ReadKV(b[itemExpireSize:])
	if !ok {
		return 0, nil, nil, 0, false
	}
	return expire, key, value, itemExpireSize + kvn, true
}

// memScanner iterates items of a segment that still holds its buffer.
type memScanner struct {
	seg    *Segment
	data   []byte
	off    int
	start  int
	expire int64
	key    []byte
	value  []byte
	err    error
}

func newMemScanner(s *Segment) *memScanner {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data := make([]byte, s.dataSize.Load())
	copy(data, s.buf)
	return &memScanner{seg: s, data: data}
}

func (sc *memScanner) Next() bool {
	if sc.err != nil || sc.off >= len(sc.data) {
		return false
	}
	expire, key, value, n, ok := parseItem(sc.data[sc.off:])
	if !ok {
		sc.err = errCorruptItem
		return false
	}
	sc.expire, sc.key, sc.value = expire, key, value
	sc.start = sc.off
	sc.off += n
	return true
}

func (sc *memScanner) Key() []byte   { return sc.key }
func (sc *memScanner) Value() []byte { return sc.value }
func (sc *memScanner) Expire() int64 { return sc.expire }
// Offset is the byte offset of the current item within the segment.
func (sc *memScanner) Offset() int64 { return int64(sc.start) }
func (sc *memScanner) Err() error    { return sc.err }
func (sc *memScanner) Close() error  { return nil }
