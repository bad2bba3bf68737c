// Package index implements the memory index: a dynamic hash table with
// incremental rehashing. Each slot owns one compact Block of packed entries
// kept in SLRU order; promotion, rank insertion and in-block eviction all
// happen in place under the slot's lock.
package index

import (
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/kzheludkov/carrot-cache/internal/clock"
	"github.com/kzheludkov/carrot-cache/internal/tag"
	"github.com/kzheludkov/carrot-cache/log"
)

// Type selects the entry format and default policy.
type Type int

const (
	// MQ is the main queue: full location entries, SLRU policy.
	MQ Type = iota
	// AQ is the admission queue: hash-only ghost entries, FIFO policy.
	AQ
)

// MutationResult reports the outcome of insert-like operations.
type MutationResult int

const (
	Inserted MutationResult = iota
	Updated
	Deleted
	Failed
)

// Result is the outcome of a scavenger check.
type Result int

const (
	Ok Result = iota
	NotFound
	LowPopularity
	Expired
)

// NumLocks is the size of the slot lock pool. Prime, so lock striping does
// not alias with the power-of-two slot count.
const NumLocks = 1117

const notFoundSize = -1

// EvictionListener observes in-block evictions (not expirations). The entry
// is valid only for the duration of the call: the slot lock is held.
type EvictionListener interface {
	OnEviction(entry MQEntry)
}

// RemovalFunc is invoked under slot lock whenever an entry leaves the index,
// so the storage engine can maintain per-segment active counts.
// expired reports whether removal was due to expiration.
type RemovalFunc func(sid int, expired bool)

type Options struct {
	Type             Type
	SlotsPower       int
	NumRanks         int
	SLRUSegments     int
	SLRUInsertPoint  int
	EvictionDisabled bool
	Clock            clock.Clock
	Policy           Policy // optional override of the type's default
}

type table []Block

// MemoryIndex is safe for concurrent use. All slot-visiting operations
// acquire the slot's lock; lookups tolerate a concurrent rehash by
// double-checking the primary table and falling through to the secondary.
type MemoryIndex struct {
	log    log.Logger
	clock  clock.Clock
	typ    Type
	format Format
	policy Policy

	numRanks         int
	evictionDisabled bool

	locks [NumLocks]sync.Mutex

	// main is the primary table; rehashTable is non-nil only while an
	// incremental rehash is in flight and is twice the size of main.
	main        atomic.Pointer[table]
	rehashTable atomic.Pointer[table]
	rehashed    atomic.Int64
	rehashing   atomic.Bool

	numEntries      atomic.Int64
	maxEntries      atomic.Int64 // AQ only; 0 - no limit
	evictionEnabled atomic.Bool
	allocated       atomic.Int64

	// expiredEvictedBalance counts expirations discovered during scans.
	// Positive balance lets inserts skip one in-block eviction per credit.
	expiredEvictedBalance atomic.Int64

	listener  EvictionListener
	onRemoval RemovalFunc
}

func New(l log.Logger, opts Options) *MemoryIndex {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.NumRanks == 0 {
		opts.NumRanks = 8
	}
	if opts.SLRUSegments == 0 {
		opts.SLRUSegments = 8
	}
	m := &MemoryIndex{
		log:              l,
		clock:            opts.Clock,
		typ:              opts.Type,
		numRanks:         opts.NumRanks,
		evictionDisabled: opts.EvictionDisabled,
	}
	switch opts.Type {
	case AQ:
		m.format = aqFormat{}
		m.policy = FIFO{}
	default:
		m.format = mqFormat{}
		m.policy = NewSLRU(opts.SLRUSegments, opts.SLRUInsertPoint)
	}
	if opts.Policy != nil {
		m.policy = opts.Policy
	}
	n := 1 << uint(opts.SlotsPower)
	t := make(table, n)
	for i := range t {
		t[i] = newBlock(MinBlockSize())
	}
	m.allocated.Add(int64(n * MinBlockSize()))
	m.main.Store(&t)
	return m
}

// SetEvictionListener must be called before concurrent use.
func (m *MemoryIndex) SetEvictionListener(l EvictionListener) { m.listener = l }

// SetRemovalFunc must be called before concurrent use.
func (m *MemoryIndex) SetRemovalFunc(f RemovalFunc) { m.onRemoval = f }

func (m *MemoryIndex) Size() int64                  { return m.numEntries.Load() }
func (m *MemoryIndex) AllocatedBytes() int64        { return m.allocated.Load() }
func (m *MemoryIndex) ExpiredEvictedBalance() int64 { return m.expiredEvictedBalance.Load() }
func (m *MemoryIndex) RehashingInProgress() bool    { return m.rehashing.Load() }
func (m *MemoryIndex) NumRanks() int                { return m.numRanks }
func (m *MemoryIndex) Policy() Policy               { return m.policy }

// DefaultInsertRank is the rank used when the caller does not pick one.
func (m *MemoryIndex) DefaultInsertRank() int {
	if slru, ok := m.policy.(SLRU); ok {
		return slru.InsertPoint
	}
	return 0
}

// SetMaximumSize bounds the number of entries (admission queue sizing dial).
// Shrinks the index synchronously when the new limit is below current size.
func (m *MemoryIndex) SetMaximumSize(max int64) {
	m.maxEntries.Store(max)
	if max == 0 {
		m.evictionEnabled.Store(false)
		return
	}
	if max < m.Size() {
		m.evictionEnabled.Store(true)
		m.shrinkToMax()
	} else {
		m.evictionEnabled.Store(false)
	}
}

func (m *MemoryIndex) MaximumSize() int64 { return m.maxEntries.Load() }

// SetEvictionEnabled turns in-block eviction on or off. The facade enables
// it while the cache is over capacity and the scavenger is working.
func (m *MemoryIndex) SetEvictionEnabled(on bool) { m.evictionEnabled.Store(on) }

func (m *MemoryIndex) EvictionEnabled() bool { return m.evictionEnabled.Load() }

func slotOf(hash uint64, tableLen int) int {
	level := bits.TrailingZeros(uint(tableLen))
	return int(hash >> (64 - uint(level)))
}

// lockFor acquires the lock guarding the slot for hash, tolerating a
// concurrent rehash: when the primary slot is observed empty its block has
// moved to the secondary table, so the secondary slot's lock is taken
// instead. Returns the lock pool index for unlock.
func (m *MemoryIndex) lockFor(hash uint64) int {
	t := *m.main.Load()
	slot := slotOf(hash, len(t))
	li := slot % NumLocks
	m.locks[li].Lock()
	if t[slot] != nil {
		return li
	}
	// Slot was rehashed away; retarget to the secondary table.
	m.locks[li].Unlock()
	rt := m.rehashTable.Load()
	if rt == nil {
		// Rehash finished between observation and lock.
		t = *m.main.Load()
	} else {
		t = *rt
	}
	slot = slotOf(hash, len(t))
	li = slot % NumLocks
	m.locks[li].Lock()
	return li
}

func (m *MemoryIndex) unlock(li int) { m.locks[li].Unlock() }

// blockRef resolves the live table and slot for hash. Caller holds the lock.
func (m *MemoryIndex) blockRef(hash uint64) (t table, slot int) {
	t = *m.main.Load()
	slot = slotOf(hash, len(t))
	if t[slot] == nil {
		if rt := m.rehashTable.Load(); rt != nil {
			t = *rt
		} else {
			t = *m.main.Load()
		}
		slot = slotOf(hash, len(t))
	}
	return t, slot
}

// Insert adds or replaces the entry for hash. Returns Failed only when the
// slot overflowed during an in-flight rehash and cannot accept the entry.
func (m *MemoryIndex) Insert(hash uint64, entry []byte, rank int) MutationResult {
	li := m.lockFor(hash)
	defer m.unlock(li)
	return m.insertLocked(hash, entry, rank)
}

func (m *MemoryIndex) insertLocked(hash uint64, entry []byte, rank int) MutationResult {
	t, slot := m.blockRef(hash)
	b := t[slot]
	if b == nil {
		return Failed
	}
	if m.evictionEnabled.Load() && !m.evictionDisabled {
		if m.expiredEvictedBalance.Load() <= 0 {
			m.evictOne(t, slot)
		} else {
			m.expiredEvictedBalance.Add(-1)
		}
		b = t[slot]
	}
	required := headerSize + b.DataSize() + len(entry)
	if required > b.BlockSize() || b.NumEntries() >= maxEntriesPerBlock {
		// expand refuses once the entry cap is reached, forcing the rehash
		// path even when byte space remains.
		if nb := b.expand(required); nb != nil {
			m.allocated.Add(int64(len(nb) - len(b)))
			t[slot] = nb
		} else {
			// The slot is at the ladder maximum: split it.
			main := *m.main.Load()
			ms := slotOf(hash, len(main))
			if main[ms] == nil {
				// Freshly rehashed slot overflowed before the rehash
				// completed. The caller surfaces write rejection.
				return Failed
			}
			m.rehashSlot(main, ms)
			t, slot = m.blockRef(hash)
			b = t[slot]
			required = headerSize + b.DataSize() + len(entry)
			if required > b.BlockSize() || b.NumEntries() >= maxEntriesPerBlock {
				nb := b.expand(required)
				if nb == nil {
					return Failed
				}
				m.allocated.Add(int64(len(nb) - len(b)))
				t[slot] = nb
			}
		}
	}
	if m.insertEntry(t, slot, hash, entry, rank) {
		return Updated
	}
	return Inserted
}

// insertEntry performs delete-then-insert-at-position. Reports update.
func (m *MemoryIndex) insertEntry(t table, slot int, hash uint64, entry []byte, rank int) bool {
	b := t[slot]
	deletedIdx := m.deleteInBlock(b, hash, false)
	total := b.NumEntries()
	var insertIdx int
	if m.typ == MQ {
		insertIdx = m.policy.StartIndexForRank(m.numRanks, rank, total)
		if deletedIdx >= 0 {
			// Update keeps its position; no promotion on overwrite.
			insertIdx = deletedIdx
		}
	} else {
		insertIdx = m.policy.InsertIndex(total)
	}
	off := headerSize + m.offsetFor(b, insertIdx)
	end := headerSize + b.DataSize()
	copy(b[off+len(entry):end+len(entry)], b[off:end])
	copy(b[off:], entry)
	b.incrNumEntries(1)
	b.incrDataSize(len(entry))
	m.incrSize(1)
	return deletedIdx >= 0
}

// offsetFor returns the byte offset of entry idx within the block body.
func (m *MemoryIndex) offsetFor(b Block, idx int) int {
	if m.typ == AQ {
		return idx * aqEntrySize
	}
	body := b.body()
	off := 0
	for i := 0; i < idx; i++ {
		off += m.format.EntrySize(body[off:])
	}
	return off
}

// deleteInBlock removes the entry for hash, returns its index or -1.
// Caller holds the slot lock. Segment stats are reported via onRemoval.
func (m *MemoryIndex) deleteInBlock(b Block, hash uint64, expired bool) int {
	body := b.body()
	off := 0
	for i, n := 0, b.NumEntries(); i < n; i++ {
		size := m.format.EntrySize(body[off:])
		if m.format.Matches(body[off:], hash) {
			m.deleteAt(b, off, size, expired)
			return i
		}
		off += size
	}
	return -1
}

// deleteAt removes size bytes at body offset off. Caller holds the slot lock.
func (m *MemoryIndex) deleteAt(b Block, off, size int, expired bool) {
	sid := -1
	if m.typ == MQ {
		sid = MQEntry(b.body()[off:]).SegmentID()
	}
	body := b.body()
	copy(body[off:], body[off+size:])
	b.incrNumEntries(-1)
	b.incrDataSize(-size)
	m.incrSize(-1)
	if m.onRemoval != nil && sid >= 0 && sid != EmbeddedSegmentID {
		m.onRemoval(sid, expired)
	}
}

func (m *MemoryIndex) incrSize(d int64) {
	m.numEntries.Add(d)
	m.checkEviction()
}

// checkEviction flips AQ eviction on max-size crossings.
func (m *MemoryIndex) checkEviction() {
	if m.typ != AQ {
		return
	}
	max := m.maxEntries.Load()
	if max == 0 {
		return
	}
	n := m.numEntries.Load()
	if n >= max {
		m.evictionEnabled.Store(true)
	} else if float64(n) < 0.95*float64(max) {
		m.evictionEnabled.Store(false)
	}
}

// evictOne drops one entry from the block: an expired one if present,
// otherwise the policy's eviction candidate.
func (m *MemoryIndex) evictOne(t table, slot int) {
	b := t[slot]
	total := b.NumEntries()
	if total == 0 {
		return
	}
	now := m.clock.NowUnixMilli()
	body := b.body()
	off, idx := 0, -1
	pos := 0
	for i := 0; i < total; i++ {
		if exp := m.format.Expire(body[pos:]); exp > 0 && now > exp {
			idx, off = i, pos
			break
		}
		pos += m.format.EntrySize(body[pos:])
	}
	expired := idx >= 0
	if !expired {
		idx = m.policy.EvictionCandidate(total)
		off = m.offsetFor(b, idx)
	}
	size := m.format.EntrySize(b.body()[off:])
	if !expired && m.listener != nil && m.typ == MQ {
		m.listener.OnEviction(MQEntry(b.body()[off : off+size]))
	}
	m.deleteAt(b, off, size, expired)
}

// Find locates the entry for hash and copies it into buf.
// Returns the entry size, or a negative value when not found. A return
// larger than len(buf) means the caller must retry with a bigger buffer.
// With hit set, the entry's hit count is bumped and the entry is promoted
// one SLRU segment toward the head. Expired entries encountered during the
// scan are removed opportunistically.
func (m *MemoryIndex) Find(hash uint64, hit bool, buf []byte) int {
	li := m.lockFor(hash)
	defer m.unlock(li)
	t, slot := m.blockRef(hash)
	if m.typ == AQ {
		return m.findAndDelete(t[slot], hash, false)
	}
	return m.findAndPromote(t, slot, hash, hit, buf)
}

func (m *MemoryIndex) findAndPromote(t table, slot int, hash uint64, hit bool, buf []byte) int {
	b := t[slot]
	now := m.clock.NowUnixMilli()
	found := notFoundSize
	off := 0
	i := 0
	for i < b.NumEntries() {
		body := b.body()
		size := m.format.EntrySize(body[off:])
		if exp := m.format.Expire(body[off:]); exp > 0 && now > exp {
			m.deleteAt(b, off, size, true)
			m.expiredEvictedBalance.Add(1)
			continue // same offset now holds the next entry
		}
		if found < 0 && m.format.Matches(body[off:], hash) {
			found = size
			if size > len(buf) {
				return size
			}
			if hit {
				m.format.Hit(body[off:])
			}
			copy(buf, body[off:off+size])
			if hit && i > 0 {
				m.promote(b, i, off, size, buf[:size])
			}
		}
		off += size
		i++
	}
	return found
}

// promote moves the entry at position idx (byte offset off) to the head of
// the SLRU segment above its current one, shifting the span in between.
func (m *MemoryIndex) promote(b Block, idx, off, size int, entry []byte) {
	dst := m.policy.PromotionIndex(idx, b.NumEntries())
	if dst >= idx {
		return
	}
	dstOff := m.offsetFor(b, dst)
	body := b.body()
	copy(body[dstOff+size:off+size], body[dstOff:off])
	copy(body[dstOff:], entry)
}

// findAndDelete is the AQ lookup: a hit removes the ghost entry.
func (m *MemoryIndex) findAndDelete(b Block, hash uint64, del bool) int {
	body := b.body()
	off := 0
	for i, n := 0, b.NumEntries(); i < n; i++ {
		if m.format.Matches(body[off:], hash) {
			if del {
				m.deleteAt(b, off, aqEntrySize, false)
			}
			return aqEntrySize
		}
		off += aqEntrySize
	}
	return notFoundSize
}

// Exists reports whether hash maps to exactly (sid, offset). It does not
// modify the block: an expired entry is reported like any other and stays in
// place. Used by the scavenger to skip copies the index no longer points at.
func (m *MemoryIndex) Exists(hash uint64, sid int, offset int64) bool {
	if m.typ != MQ {
		return false
	}
	li := m.lockFor(hash)
	defer m.unlock(li)
	t, slot := m.blockRef(hash)
	b := t[slot]
	body := b.body()
	off := 0
	for i, n := 0, b.NumEntries(); i < n; i++ {
		size := m.format.EntrySize(body[off:])
		if m.format.Matches(body[off:], hash) {
			e := MQEntry(body[off : off+size])
			// Embedded entries have no segment location.
			return !e.Embedded() && e.SegmentID() == sid && e.Offset() == offset
		}
		off += size
	}
	return false
}

// Delete removes the entry for hash. Never fails; absent is false.
func (m *MemoryIndex) Delete(hash uint64) bool {
	li := m.lockFor(hash)
	defer m.unlock(li)
	return m.deleteLocked(hash)
}

func (m *MemoryIndex) deleteLocked(hash uint64) bool {
	t, slot := m.blockRef(hash)
	b := t[slot]
	if m.deleteInBlock(b, hash, false) < 0 {
		return false
	}
	if nb := b.shrink(); len(nb) != len(b) {
		m.allocated.Add(int64(len(nb) - len(b)))
		t[slot] = nb
	}
	return true
}

// GetExpire returns the expiration of the entry for hash,
// notFound reported as -1.
func (m *MemoryIndex) GetExpire(hash uint64) int64 {
	li := m.lockFor(hash)
	defer m.unlock(li)
	t, slot := m.blockRef(hash)
	body := t[slot].body()
	off := 0
	for i, n := 0, t[slot].NumEntries(); i < n; i++ {
		if m.format.Matches(body[off:], hash) {
			return m.format.Expire(body[off:])
		}
		off += m.format.EntrySize(body[off:])
	}
	return -1
}

// HitCount returns the hit counter for hash or -1.
func (m *MemoryIndex) HitCount(hash uint64) int {
	if m.typ != MQ {
		return -1
	}
	li := m.lockFor(hash)
	defer m.unlock(li)
	t, slot := m.blockRef(hash)
	b := t[slot]
	body := b.body()
	off := 0
	for i, n := 0, b.NumEntries(); i < n; i++ {
		if m.format.Matches(body[off:], hash) {
			return MQEntry(body[off:]).HitCount()
		}
		off += m.format.EntrySize(body[off:])
	}
	return -1
}

// Popularity returns (total-idx)/total for the entry's position, 1.0 at the
// head of the block, 0.0 when absent.
func (m *MemoryIndex) Popularity(hash uint64) float64 {
	li := m.lockFor(hash)
	defer m.unlock(li)
	t, slot := m.blockRef(hash)
	b := t[slot]
	body := b.body()
	off := 0
	total := b.NumEntries()
	for i := 0; i < total; i++ {
		if m.format.Matches(body[off:], hash) {
			return float64(total-i) / float64(total)
		}
		off += m.format.EntrySize(body[off:])
	}
	return 0
}

// AARP is the atomic add-if-absent / remove-if-present operation used by the
// admission queue: a re-seen key is deleted (and admitted by the caller),
// an unseen key is recorded.
func (m *MemoryIndex) AARP(hash uint64) MutationResult {
	li := m.lockFor(hash)
	defer m.unlock(li)
	t, slot := m.blockRef(hash)
	if m.findAndDelete(t[slot], hash, true) >= 0 {
		return Deleted
	}
	var e [aqEntrySize]byte
	putEntryHash(e[:], hash)
	if r := m.insertLocked(hash, e[:], 0); r == Failed {
		return Failed
	}
	return Inserted
}

// CheckDeleteKeyForScavenger probes the index on behalf of the scavenger:
//
//	NotFound       - the item was already deleted elsewhere
//	Expired        - expired; removed, expiration accounted
//	LowPopularity  - popularity <= dumpBelowRatio; removed (eviction)
//	Ok             - alive and popular; kept, rank and expire reported
func (m *MemoryIndex) CheckDeleteKeyForScavenger(hash uint64, dumpBelowRatio float64) (Result, int, int64) {
	li := m.lockFor(hash)
	defer m.unlock(li)
	t, slot := m.blockRef(hash)
	b := t[slot]
	body := b.body()
	off := 0
	total := b.NumEntries()
	now := m.clock.NowUnixMilli()
	for i := 0; i < total; i++ {
		size := m.format.EntrySize(body[off:])
		if !m.format.Matches(body[off:], hash) {
			off += size
			continue
		}
		expire := m.format.Expire(body[off:])
		rank := m.policy.RankForIndex(m.numRanks, i, total)
		if expire > 0 && now > expire {
			m.expiredEvictedBalance.Add(1)
			m.deleteAt(b, off, size, true)
			return Expired, rank, expire
		}
		popularity := float64(total-i) / float64(total)
		if popularity <= dumpBelowRatio {
			if m.listener != nil && m.typ == MQ {
				m.listener.OnEviction(MQEntry(body[off : off+size]))
			}
			m.deleteAt(b, off, size, false)
			return LowPopularity, rank, expire
		}
		return Ok, rank, expire
	}
	return NotFound, 0, 0
}

// rehashSlot splits main[slot] into its two successor slots of the secondary
// table by the next hash bit. Runs under the slot's lock; the last split
// promotes the secondary table to primary.
func (m *MemoryIndex) rehashSlot(main table, slot int) {
	b := main[slot]
	if b == nil {
		return
	}
	m.rehashing.Store(true)
	rt := m.rehashTable.Load()
	if rt == nil || len(*rt) == len(main) {
		fresh := make(table, 2*len(main))
		m.rehashTable.CompareAndSwap(rt, &fresh)
		rt = m.rehashTable.Load()
	}
	dst := *rt
	level := bits.TrailingZeros(uint(len(main))) + 1

	b0 := newBlock(MaxBlockSize())
	b1 := newBlock(MaxBlockSize())
	n0, n1 := 0, 0
	d0, d1 := 0, 0
	body := b.body()
	off := 0
	for i, n := 0, b.NumEntries(); i < n; i++ {
		size := m.format.EntrySize(body[off:])
		e := body[off : off+size]
		if hashBit(m.format.Hash(e), level) == 0 {
			copy(b0[headerSize+d0:], e)
			n0++
			d0 += size
		} else {
			copy(b1[headerSize+d1:], e)
			n1++
			d1 += size
		}
		off += size
	}
	b0.setNumEntries(n0)
	b0.setDataSize(d0)
	b1.setNumEntries(n1)
	b1.setDataSize(d1)
	b0, b1 = b0.shrink(), b1.shrink()
	dst[2*slot] = b0
	dst[2*slot+1] = b1
	m.allocated.Add(int64(len(b0) + len(b1) - len(b)))
	main[slot] = nil

	if m.rehashed.Add(1) == int64(len(main)) {
		m.main.Store(rt)
		m.rehashTable.Store(nil)
		m.rehashed.Store(0)
		m.rehashing.Store(false)
	}
	if tag.Debug {
		m.log.Debugf("rehashed slot %d -> %d/%d entries", slot, n0, n1)
	}
}

// CompleteRehashing forces the in-flight rehash to finish. Called before
// snapshot save; the index must be otherwise idle.
func (m *MemoryIndex) CompleteRehashing() {
	if !m.rehashing.Load() {
		return
	}
	main := *m.main.Load()
	for i := range main {
		if main[i] == nil {
			continue
		}
		li := i % NumLocks
		m.locks[li].Lock()
		// Re-check: table may have flipped while waiting for the lock.
		cur := *m.main.Load()
		if len(cur) == len(main) && cur[i] != nil {
			m.rehashSlot(cur, i)
		}
		m.locks[li].Unlock()
		if !m.rehashing.Load() {
			return
		}
	}
}

// shrinkToMax trims every slot proportionally so total entries fit the AQ
// maximum. Tail entries are the least recently admitted.
func (m *MemoryIndex) shrinkToMax() {
	ratio := float64(m.maxEntries.Load()) / float64(m.Size())
	if ratio >= 1 {
		return
	}
	main := *m.main.Load()
	for i := range main {
		li := i % NumLocks
		m.locks[li].Lock()
		t, b := main, main[i]
		if b == nil {
			if rt := m.rehashTable.Load(); rt != nil {
				t = *rt
				m.shrinkSlot(t, 2*i, ratio)
				m.shrinkSlot(t, 2*i+1, ratio)
				m.locks[li].Unlock()
				continue
			}
			m.locks[li].Unlock()
			continue
		}
		m.shrinkSlot(t, i, ratio)
		m.locks[li].Unlock()
	}
}

func (m *MemoryIndex) shrinkSlot(t table, slot int, ratio float64) {
	b := t[slot]
	if b == nil {
		return
	}
	num := b.NumEntries()
	newNum := int(float64(num) * ratio)
	if newNum >= num {
		return
	}
	drop := num - newNum
	b.setNumEntries(newNum)
	b.incrDataSize(-drop * m.format.FixedSize())
	m.incrSize(int64(-drop))
	if nb := b.shrink(); len(nb) != len(b) {
		m.allocated.Add(int64(len(nb) - len(b)))
		t[slot] = nb
	}
}
