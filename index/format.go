package index

import (
	"encoding/binary"

	"github.com/kzheludkov/carrot-cache/internal/util"
)

// Format describes the entry codec of an index type. The first 8 bytes of
// every entry are always the key hash; everything else is format-specific.
type Format interface {
	// EntrySize is the full size of the entry starting at e.
	EntrySize(e []byte) int
	// FixedSize is the size of a non-embedded entry.
	FixedSize() int
	Matches(e []byte, hash uint64) bool
	Hash(e []byte) uint64
	// Expire returns unix millis, 0 for no expiration.
	Expire(e []byte) int64
	// Hit records a hit on the entry, if the format tracks hits.
	Hit(e []byte)
}

func entryHash(e []byte) uint64       { return binary.BigEndian.Uint64(e) }
func putEntryHash(e []byte, h uint64) { binary.BigEndian.PutUint64(e, h) }

// hashBit returns hash bit number `level` counted from the most significant
// bit. It decides which of the two successor slots an entry lands in when a
// slot is split during rehash.
func hashBit(hash uint64, level int) int {
	return int(hash>>(64-uint(level))) & 1
}

// Main queue entry layout (28 bytes fixed):
//
//	[0:8]   hash64
//	[8:10]  segment id (embeddedSegmentID when payload is inline)
//	[10:14] offset in segment
//	[14:18] key+value framed size
//	[18:26] expire, unix millis (0 - never)
//	[26:28] hit count (saturating)
//
// An embedded entry appends the framed key-value pair after the fixed part.
const (
	mqSidOffset    = 8
	mqOffsetOffset = 10
	mqKVSizeOffset = 14
	mqExpireOffset = 18
	mqHitsOffset   = 26

	mqEntrySize = 28
)

// EmbeddedSegmentID marks entries whose payload lives in the index block.
const EmbeddedSegmentID = 0xFFFF

// MQEntry is a decoded view over a main-queue entry.
type MQEntry []byte

func (e MQEntry) Hash() uint64   { return entryHash(e) }
func (e MQEntry) SegmentID() int { return int(binary.BigEndian.Uint16(e[mqSidOffset:])) }
func (e MQEntry) Offset() int64  { return int64(binary.BigEndian.Uint32(e[mqOffsetOffset:])) }
func (e MQEntry) KVSize() int    { return int(binary.BigEndian.Uint32(e[mqKVSizeOffset:])) }
func (e MQEntry) Expire() int64  { return int64(binary.BigEndian.Uint64(e[mqExpireOffset:])) }
func (e MQEntry) HitCount() int  { return int(binary.BigEndian.Uint16(e[mqHitsOffset:])) }
func (e MQEntry) Embedded() bool { return e.SegmentID() == EmbeddedSegmentID }

func (e MQEntry) Size() int {
	if e.Embedded() {
		return mqEntrySize + e.KVSize()
	}
	return mqEntrySize
}

// EmbeddedKV returns the inline key and value. Valid only when Embedded.
// The slices alias the index block and must not be retained past the slot lock.
func (e MQEntry) EmbeddedKV() (key, value []byte, ok bool) {
	key, value, _, ok = util.ReadKV(e[mqEntrySize:e.Size()])
	return
}

func (e MQEntry) hit() {
	h := binary.BigEndian.Uint16(e[mqHitsOffset:])
	if h < 0xFFFF {
		binary.BigEndian.PutUint16(e[mqHitsOffset:], h+1)
	}
}

// EncodeMQEntry packs a location-referencing entry.
func EncodeMQEntry(hash uint64, sid int, offset int64, kvSize int, expire int64) MQEntry {
	e := make(MQEntry, mqEntrySize)
	putEntryHash(e, hash)
	binary.BigEndian.PutUint16(e[mqSidOffset:], uint16(sid))
	binary.BigEndian.PutUint32(e[mqOffsetOffset:], uint32(offset))
	binary.BigEndian.PutUint32(e[mqKVSizeOffset:], uint32(kvSize))
	binary.BigEndian.PutUint64(e[mqExpireOffset:], uint64(expire))
	return e
}

// EncodeEmbeddedMQEntry packs an entry carrying its key-value pair inline.
func EncodeEmbeddedMQEntry(hash uint64, key, value []byte, expire int64) MQEntry {
	kvSize := util.KVSize(len(key), len(value))
	e := make(MQEntry, mqEntrySize+kvSize)
	putEntryHash(e, hash)
	binary.BigEndian.PutUint16(e[mqSidOffset:], uint16(EmbeddedSegmentID))
	binary.BigEndian.PutUint32(e[mqKVSizeOffset:], uint32(kvSize))
	binary.BigEndian.PutUint64(e[mqExpireOffset:], uint64(expire))
	util.PutKV(e[mqEntrySize:], key, value)
	return e
}

type mqFormat struct{}

func (mqFormat) EntrySize(e []byte) int          { return MQEntry(e).Size() }
func (mqFormat) FixedSize() int                  { return mqEntrySize }
func (mqFormat) Matches(e []byte, h uint64) bool { return entryHash(e) == h }
func (mqFormat) Hash(e []byte) uint64            { return entryHash(e) }
func (mqFormat) Expire(e []byte) int64           { return MQEntry(e).Expire() }
func (mqFormat) Hit(e []byte)                    { MQEntry(e).hit() }

// Admission queue entries are the bare 8 byte hash: a ghost cache of
// recently seen keys, no location and no expiration.
const aqEntrySize = 8

type aqFormat struct{}

func (aqFormat) EntrySize([]byte) int            { return aqEntrySize }
func (aqFormat) FixedSize() int                  { return aqEntrySize }
func (aqFormat) Matches(e []byte, h uint64) bool { return entryHash(e) == h }
func (aqFormat) Hash(e []byte) uint64            { return entryHash(e) }
func (aqFormat) Expire([]byte) int64             { return 0 }
func (aqFormat) Hit([]byte)                      {}

var (
	_ Format = mqFormat{}
	_ Format = aqFormat{}
)
