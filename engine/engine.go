// Package engine implements the segmented storage: a circular bank of
// fixed-size append-only segments holding cached payloads, with off-heap
// (RAM) and file-backed variants behind one API. The engine owns the memory
// index; the index entry's (segment id, offset) is a lookup key, not
// ownership — recycled segments leave dangling entries that the scavenger
// removes.
package engine

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/facebookgo/stackerr"

	"github.com/kzheludkov/carrot-cache/config"
	"github.com/kzheludkov/carrot-cache/index"
	"github.com/kzheludkov/carrot-cache/internal/clock"
	"github.com/kzheludkov/carrot-cache/internal/util"
	"github.com/kzheludkov/carrot-cache/log"
)

var (
	// ErrTooLarge rejects items that cannot fit a single segment.
	ErrTooLarge = errors.New("item larger than segment size")
	// ErrNoCapacity reports an exhausted segment bank; the scavenger has
	// fallen behind and the facade decides to stall or reject.
	ErrNoCapacity = errors.New("no free segment")
	// ErrIndexOverflow maps the index Failed result; surfaced as a
	// rejected write by the facade.
	ErrIndexOverflow = errors.New("index slot overflow during rehash")

	errCorruptItem = errors.New("corrupt item framing")
)

// NotFoundSize is the Get return for an absent key.
const NotFoundSize = -1

// SegmentScanner iterates a segment's items in write order.
type SegmentScanner interface {
	Next() bool
	Key() []byte
	Value() []byte
	Expire() int64
	// Offset is the byte offset of the current item within the segment.
	Offset() int64
	Err() error
	Close() error
}

// Listener observes engine data growth. Used by the facade to trigger the
// scavenger without waiting for its periodic timer.
type Listener interface {
	OnDataSizeChanged(used int64)
}

// backend splits the RAM/file asymmetry out of the engine core.
type backend interface {
	// sealed is called once when a full segment is frozen.
	sealed(e *Engine, s *Segment)
	// read copies len(buf) item bytes at segment offset into buf.
	read(e *Engine, s *Segment, offset int64, buf []byte) error
	scanner(e *Engine, s *Segment) (SegmentScanner, error)
	// release is called when a segment id is recycled.
	release(e *Engine, s *Segment)
	punch(e *Engine, s *Segment, offset, length int64)
	saveSegments(e *Engine) error
	loadSegments(e *Engine) error
}

// Engine is the storage engine. One instance per cache tier.
type Engine struct {
	log       log.Logger
	conf      *config.Config
	cacheName string
	clock     clock.Clock

	idx  *index.MemoryIndex
	pool *BufferPool
	be   backend

	segmentSize int64
	maxSegments int // 0 - unbounded
	maxSize     int64
	embed       bool
	embedSize   int

	mu       sync.Mutex
	segments []*Segment // by id; nil when the id is free
	freeIDs  []int
	active   []*Segment // by rank

	dataSize  atomic.Int64
	allocSize atomic.Int64

	listener Listener
}

// maxSegmentCount leaves the embedded segment id marker unused.
const maxSegmentCount = index.EmbeddedSegmentID

func newEngine(l log.Logger, conf *config.Config, cacheName string, clk clock.Clock, be backend) *Engine {
	if clk == nil {
		clk = clock.New()
	}
	numRanks := conf.NumberOfRanks(cacheName)
	e := &Engine{
		log:         l,
		conf:        conf,
		cacheName:   cacheName,
		clock:       clk,
		pool:        NewBufferPool(),
		be:          be,
		segmentSize: conf.SegmentSize(cacheName),
		maxSize:     conf.MaxSize(cacheName),
		embed:       conf.IndexDataEmbedded(cacheName),
		embedSize:   conf.IndexDataEmbeddedSize(cacheName),
		active:      make([]*Segment, numRanks),
	}
	if e.maxSize > 0 {
		e.maxSegments = int(e.maxSize / e.segmentSize)
		if e.maxSegments < 1 {
			e.maxSegments = 1
		}
	}
	if e.maxSegments == 0 || e.maxSegments > maxSegmentCount {
		e.maxSegments = maxSegmentCount
	}
	e.idx = index.New(l, index.Options{
		Type:             index.MQ,
		SlotsPower:       conf.IndexSlotsPower(cacheName),
		NumRanks:         numRanks,
		SLRUSegments:     conf.SLRUSegments(cacheName),
		SLRUInsertPoint:  conf.SLRUInsertPoint(cacheName),
		EvictionDisabled: conf.EvictionDisabledMode(cacheName),
		Clock:            clk,
	})
	e.idx.SetRemovalFunc(e.onIndexRemoval)
	return e
}

// NewOffheap creates the RAM-resident engine. The data directory is touched
// only by snapshot save/load.
func NewOffheap(l log.Logger, conf *config.Config, cacheName string, clk clock.Clock) *Engine {
	dataDir := filepath.Join(conf.DataDir(cacheName), cacheName)
	return newEngine(l, conf, cacheName, clk, memBackend{dataDir: dataDir})
}

func (e *Engine) Index() *index.MemoryIndex { return e.idx }
func (e *Engine) CacheName() string         { return e.cacheName }
func (e *Engine) SegmentSize() int64        { return e.segmentSize }
func (e *Engine) NumRanks() int             { return len(e.active) }

// MaximumStorageSize is the configured byte budget; 0 means unlimited.
func (e *Engine) MaximumStorageSize() int64 { return e.maxSize }

// Used is live data bytes: appended segment data plus embedded payloads.
func (e *Engine) Used() int64 { return e.dataSize.Load() }

// Allocated is segment capacity plus index block memory.
func (e *Engine) Allocated() int64 { return e.allocSize.Load() + e.idx.AllocatedBytes() }

func (e *Engine) SetListener(l Listener) { e.listener = l }

// onIndexRemoval keeps per-segment active counts in sync with the index.
func (e *Engine) onIndexRemoval(sid int, expired bool) {
	e.mu.Lock()
	var s *Segment
	if sid >= 0 && sid < len(e.segments) {
		s = e.segments[sid]
	}
	e.mu.Unlock()
	if s != nil {
		s.activeItems.Add(-1)
	}
}

// Put appends the item and indexes its location.
func (e *Engine) Put(key, value []byte, expire int64, rank int) error {
	hash := util.Hash64(key)
	kvSize := util.KVSize(len(key), len(value))
	if int64(ItemSize(len(key), len(value))) > e.segmentSize {
		return ErrTooLarge
	}
	if e.embed && kvSize <= e.embedSize {
		entry := index.EncodeEmbeddedMQEntry(hash, key, value, expire)
		if e.idx.Insert(hash, entry, rank) == index.Failed {
			return ErrIndexOverflow
		}
		e.grewBy(int64(kvSize))
		return nil
	}
	s, offset, err := e.appendToActive(key, value, expire, rank)
	if err != nil {
		return err
	}
	entry := index.EncodeMQEntry(hash, s.ID(), offset, kvSize, expire)
	if e.idx.Insert(hash, entry, rank) == index.Failed {
		// The payload stays as a dead item until the segment recycles.
		s.activeItems.Add(-1)
		return ErrIndexOverflow
	}
	e.grewBy(int64(ItemSize(len(key), len(value))))
	return nil
}

func (e *Engine) grewBy(n int64) {
	used := e.dataSize.Add(n)
	if e.listener != nil {
		e.listener.OnDataSizeChanged(used)
	}
}

// appendToActive writes into the active segment of the rank, sealing and
// replacing it when full.
func (e *Engine) appendToActive(key, value []byte, expire int64, rank int) (*Segment, int64, error) {
	for {
		e.mu.Lock()
		s := e.active[rank]
		if s == nil || s.Sealed() {
			var err error
			s, err = e.allocSegmentLocked(rank)
			if err != nil {
				e.mu.Unlock()
				return nil, 0, err
			}
			e.active[rank] = s
		}
		e.mu.Unlock()

		if offset, ok := s.Append(key, value, expire); ok {
			return s, offset, nil
		}
		// Full: seal and retry with a fresh segment.
		s.Seal()
		e.be.sealed(e, s)
		e.mu.Lock()
		if e.active[rank] == s {
			e.active[rank] = nil
		}
		e.mu.Unlock()
	}
}

func (e *Engine) allocSegmentLocked(rank int) (*Segment, error) {
	var id int
	switch {
	case len(e.freeIDs) > 0:
		id = e.freeIDs[len(e.freeIDs)-1]
		e.freeIDs = e.freeIDs[:len(e.freeIDs)-1]
	case len(e.segments) < e.maxSegments:
		id = len(e.segments)
		e.segments = append(e.segments, nil)
	default:
		return nil, ErrNoCapacity
	}
	s := NewSegment(id, rank, e.segmentSize, e.clock.NowUnixMilli())
	e.segments[id] = s
	e.allocSize.Add(e.segmentSize)
	return s, nil
}

// SegmentByID returns the segment or nil when the id is free.
func (e *Engine) SegmentByID(id int) *Segment {
	e.mu.Lock()
	defer e.mu.Unlock()
	if id < 0 || id >= len(e.segments) {
		return nil
	}
	return e.segments[id]
}

// Segments returns a snapshot of live segments for the recycling selector.
func (e *Engine) Segments() []*Segment {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Segment, 0, len(e.segments))
	for _, s := range e.segments {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// Get looks the key up and copies its value into buf.
// Returns the value size, NotFoundSize when absent. A return larger than
// len(buf) means retry with a bigger buffer; nothing was copied.
func (e *Engine) Get(key, buf []byte) int {
	return e.get(util.Hash64(key), key, buf, true)
}

// GetNoHit is Get without hit accounting or promotion.
func (e *Engine) GetNoHit(key, buf []byte) int {
	return e.get(util.Hash64(key), key, buf, false)
}

func (e *Engine) get(hash uint64, key, buf []byte, hit bool) int {
	entryCap := 32
	if e.embed {
		entryCap += e.embedSize + 16
	}
	eb := e.pool.Get(entryCap)
	defer e.pool.Put(eb)
	n := e.idx.Find(hash, hit, eb)
	if n < 0 {
		return NotFoundSize
	}
	if n > len(eb) {
		big := e.pool.Get(n)
		defer e.pool.Put(big)
		if n = e.idx.Find(hash, hit, big); n < 0 {
			return NotFoundSize
		}
		eb = big
	}
	entry := index.MQEntry(eb[:n])
	if entry.Embedded() {
		k, v, ok := entry.EmbeddedKV()
		if !ok || !bytes.Equal(k, key) {
			return NotFoundSize
		}
		if len(v) > len(buf) {
			return len(v)
		}
		return copy(buf, v)
	}
	s := e.SegmentByID(entry.SegmentID())
	if s == nil {
		// Dangling location: the segment was recycled under us.
		return NotFoundSize
	}
	itemSize := itemExpireSize + entry.KVSize()
	ib := e.pool.Get(itemSize)
	defer e.pool.Put(ib)
	if err := e.be.read(e, s, entry.Offset(), ib); err != nil {
		e.log.Errorf("segment %d read: %v", s.ID(), err)
		return NotFoundSize
	}
	_, k, v, _, ok := parseItem(ib)
	if !ok || !bytes.Equal(k, key) {
		return NotFoundSize
	}
	if len(v) > len(buf) {
		return len(v)
	}
	return copy(buf, v)
}

// ReadItem reads a raw item by location. Used by the victim-transfer path,
// which holds an index entry rather than the key. Returned slices are copies.
func (e *Engine) ReadItem(sid int, offset int64, kvSize int) (expire int64, key, value []byte, ok bool) {
	s := e.SegmentByID(sid)
	if s == nil {
		return 0, nil, nil, false
	}
	itemSize := itemExpireSize + kvSize
	ib := make([]byte, itemSize)
	if err := e.be.read(e, s, offset, ib); err != nil {
		return 0, nil, nil, false
	}
	expire, k, v, _, ok := parseItem(ib)
	if !ok {
		return 0, nil, nil, false
	}
	return expire, append([]byte(nil), k...), append([]byte(nil), v...), true
}

// Delete removes the key from the index. Payload bytes die in place.
func (e *Engine) Delete(key []byte) bool {
	return e.idx.Delete(util.Hash64(key))
}

// Scanner returns an item scanner over a sealed segment.
func (e *Engine) Scanner(s *Segment) (SegmentScanner, error) {
	return e.be.scanner(e, s)
}

// PunchHole frees an intra-segment byte range where the backend supports it.
func (e *Engine) PunchHole(s *Segment, offset, length int64) {
	e.be.punch(e, s, offset, length)
}

// ReleaseSegment recycles the segment: its id becomes reusable and its
// bytes no longer count as used.
func (e *Engine) ReleaseSegment(s *Segment) {
	e.mu.Lock()
	if s.ID() < len(e.segments) && e.segments[s.ID()] == s {
		e.segments[s.ID()] = nil
		e.freeIDs = append(e.freeIDs, s.ID())
	}
	for r, a := range e.active {
		if a == s {
			e.active[r] = nil
		}
	}
	e.mu.Unlock()
	e.dataSize.Add(-s.DataSize())
	e.allocSize.Add(-e.segmentSize)
	e.be.release(e, s)
	s.dropBuffer()
}

// memBackend keeps every segment in RAM for the lifetime of the cache.
type memBackend struct {
	dataDir string
}

func (memBackend) sealed(*Engine, *Segment) {}

func (memBackend) read(e *Engine, s *Segment, offset int64, buf []byte) error {
	if !s.readAt(buf, offset) {
		return errCorruptItem
	}
	return nil
}

func (memBackend) scanner(e *Engine, s *Segment) (SegmentScanner, error) {
	return newMemScanner(s), nil
}

func (memBackend) release(*Engine, *Segment)             {}
func (memBackend) punch(*Engine, *Segment, int64, int64) {}

// saveSegments flushes every live segment to the data directory so a
// snapshot of a RAM cache survives restarts.
func (b memBackend) saveSegments(e *Engine) error {
	if err := os.MkdirAll(b.dataDir, 0o755); err != nil {
		return stackerr.Wrap(err)
	}
	for _, s := range e.Segments() {
		f, err := os.Create(segmentPath(b.dataDir, s.ID()))
		if err != nil {
			return stackerr.Wrap(err)
		}
		if err := writeSegmentTo(f, s); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return stackerr.Wrap(err)
		}
	}
	return nil
}

func (b memBackend) loadSegments(e *Engine) error {
	for _, s := range e.Segments() {
		if err := readSegmentData(segmentPath(b.dataDir, s.ID()), s); err != nil {
			return err
		}
	}
	return nil
}

func segmentPath(dir string, id int) string {
	return filepath.Join(dir, "seg-"+strconv.Itoa(id)+".data")
}
