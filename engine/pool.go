package engine

import (
	"fmt"
	"sync"
)

// BufferPool recycles read and scan buffers. Chunk sizes form a doubling
// ladder; requests above the maximum ladder size fall back to plain
// allocation and are left for the GC.
type BufferPool struct {
	chunkSizes []int
	chunkPools []sync.Pool
}

const minPoolChunkSize = 1 << 7
const maxPoolChunkSize = 1 << 20

var defaultChunkSizes = func() (sz []int) {
	for s := minPoolChunkSize; s <= maxPoolChunkSize; s *= 2 {
		sz = append(sz, s)
	}
	return
}()

func NewBufferPool() *BufferPool {
	return NewBufferPoolSizes(defaultChunkSizes)
}

// NewBufferPoolSizes creates a pool producing chunks of the given sizes.
// sizes must be sorted and unique.
func NewBufferPoolSizes(sizes []int) *BufferPool {
	for i, size := range sizes {
		if size <= 0 {
			panic("non positive size")
		}
		if i != 0 && sizes[i-1] >= size {
			panic("sizes unsorted or have duplicates")
		}
	}
	pools := make([]sync.Pool, len(sizes))
	for i := range sizes {
		size := sizes[i] // Move into range declaration cause using same size.
		pools[i].New = func() interface{} {
			return make([]byte, size)
		}
	}
	return &BufferPool{chunkSizes: sizes, chunkPools: pools}
}

// Get returns a buffer with len == size.
func (p *BufferPool) Get(size int) []byte {
	// O(n) but len(chunkSizes) should be <= 30 normally.
	for i := range p.chunkSizes {
		if size <= p.chunkSizes[i] {
			return p.chunkPools[i].Get().([]byte)[:size]
		}
	}
	// Too large for the ladder; GC will handle such case better.
	return make([]byte, size)
}

// Put recycles a buffer obtained from Get.
func (p *BufferPool) Put(b []byte) {
	size := cap(b)
	if size > p.MaxChunkSize() {
		return
	}
	for i := range p.chunkSizes {
		if size == p.chunkSizes[i] {
			p.chunkPools[i].Put(b[:size])
			return
		}
	}
	panic(fmt.Errorf("unexpected chunk size: %d", size))
}

func (p *BufferPool) MinChunkSize() int { return p.chunkSizes[0] }
func (p *BufferPool) MaxChunkSize() int { return p.chunkSizes[len(p.chunkSizes)-1] }
