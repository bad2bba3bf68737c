package index

import "encoding/binary"

// Block is one slot's index storage: a contiguous byte region with a fixed
// 6 byte header followed by packed entries in SLRU order (head = hottest).
//
//	[0:2] block size
//	[2:4] number of entries
//	[4:6] data size (bytes of packed entries)
//
// Block sizes come from a fixed geometric ladder to keep allocator
// fragmentation low. A block never holds more than maxEntriesPerBlock
// entries; overflow past the maximum ladder size triggers slot rehash.
type Block []byte

const headerSize = 6

// maxEntriesPerBlock guarantees that rehashing won't break.
const maxEntriesPerBlock = 250

const (
	blockSizeOffset  = 0
	numEntriesOffset = 2
	dataSizeOffset   = 4
)

const baseSize = 128

var baseMultipliers = []int{
	2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 18, 20,
	22, 24, 26, 28, 30, 32, 64, 96, 128, 160, 192, 224, 256,
}

// MinBlockSize is the allocation size of a fresh slot.
func MinBlockSize() int { return baseSize * baseMultipliers[0] }

// MaxBlockSize bounds a single slot; one more insert rehashes the slot.
func MaxBlockSize() int { return baseSize * baseMultipliers[len(baseMultipliers)-1] }

// minSizeAtLeast returns the smallest ladder size >= n, or -1 if n exceeds
// the maximum ladder size.
func minSizeAtLeast(n int) int {
	for _, m := range baseMultipliers {
		if size := baseSize * m; size >= n {
			return size
		}
	}
	return -1
}

func newBlock(size int) Block {
	b := make(Block, size)
	b.setBlockSize(size)
	return b
}

func (b Block) BlockSize() int  { return int(binary.BigEndian.Uint16(b[blockSizeOffset:])) }
func (b Block) NumEntries() int { return int(binary.BigEndian.Uint16(b[numEntriesOffset:])) }
func (b Block) DataSize() int   { return int(binary.BigEndian.Uint16(b[dataSizeOffset:])) }

func (b Block) setBlockSize(v int)  { binary.BigEndian.PutUint16(b[blockSizeOffset:], uint16(v)) }
func (b Block) setNumEntries(v int) { binary.BigEndian.PutUint16(b[numEntriesOffset:], uint16(v)) }
func (b Block) setDataSize(v int)   { binary.BigEndian.PutUint16(b[dataSizeOffset:], uint16(v)) }

func (b Block) incrNumEntries(d int) { b.setNumEntries(b.NumEntries() + d) }
func (b Block) incrDataSize(d int)   { b.setDataSize(b.DataSize() + d) }

// body is the packed entries region.
func (b Block) body() []byte { return b[headerSize : headerSize+b.DataSize()] }

// expand returns a block of the next ladder size fitting required bytes,
// with contents copied, or nil when the block cannot grow (entry count or
// ladder limit reached) and the slot must be rehashed.
func (b Block) expand(required int) Block {
	if b.NumEntries() >= maxEntriesPerBlock {
		return nil
	}
	if b.BlockSize() >= required {
		return b
	}
	newSize := minSizeAtLeast(required)
	if newSize < 0 {
		return nil
	}
	nb := make(Block, newSize)
	copy(nb, b[:headerSize+b.DataSize()])
	nb.setBlockSize(newSize)
	return nb
}

// shrink returns the block reallocated to the smallest ladder size that
// holds its data. Rarely needed, only after deletes.
func (b Block) shrink() Block {
	used := headerSize + b.DataSize()
	newSize := minSizeAtLeast(used)
	if newSize == b.BlockSize() {
		return b
	}
	nb := make(Block, newSize)
	copy(nb, b[:used])
	nb.setBlockSize(newSize)
	return nb
}
