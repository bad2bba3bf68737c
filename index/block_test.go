package index

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Block", func() {
	It("ladder sizes are ascending multiples of the base", func() {
		prev := 0
		for _, m := range baseMultipliers {
			size := baseSize * m
			Expect(size).To(BeNumerically(">", prev))
			prev = size
		}
		Expect(MinBlockSize()).To(Equal(256))
		Expect(MaxBlockSize()).To(Equal(32768))
	})

	It("minSizeAtLeast picks the smallest fitting rung", func() {
		Expect(minSizeAtLeast(1)).To(Equal(256))
		Expect(minSizeAtLeast(256)).To(Equal(256))
		Expect(minSizeAtLeast(257)).To(Equal(384))
		Expect(minSizeAtLeast(MaxBlockSize())).To(Equal(MaxBlockSize()))
		Expect(minSizeAtLeast(MaxBlockSize() + 1)).To(Equal(-1))
	})

	It("new block carries its size in the header", func() {
		b := newBlock(MinBlockSize())
		Expect(b.BlockSize()).To(Equal(MinBlockSize()))
		Expect(b.NumEntries()).To(Equal(0))
		Expect(b.DataSize()).To(Equal(0))
	})

	It("expand copies header and data", func() {
		b := newBlock(MinBlockSize())
		payload := []byte{1, 2, 3, 4}
		copy(b[headerSize:], payload)
		b.setNumEntries(1)
		b.setDataSize(len(payload))

		nb := b.expand(MinBlockSize() + 1)
		Expect(nb.BlockSize()).To(Equal(384))
		Expect(nb.NumEntries()).To(Equal(1))
		Expect(nb.DataSize()).To(Equal(len(payload)))
		Expect([]byte(nb[headerSize : headerSize+4])).To(Equal(payload))
	})

	It("expand fails at the entry cap", func() {
		b := newBlock(MinBlockSize())
		b.setNumEntries(maxEntriesPerBlock)
		Expect(b.expand(MinBlockSize() + 1)).To(BeNil())
	})

	It("expand fails past the ladder maximum", func() {
		b := newBlock(MaxBlockSize())
		Expect(b.expand(MaxBlockSize() + 1)).To(BeNil())
	})

	It("shrink reallocates to the smallest fitting rung", func() {
		b := newBlock(MaxBlockSize())
		b.setDataSize(10)
		nb := b.shrink()
		Expect(nb.BlockSize()).To(Equal(MinBlockSize()))
		Expect(nb.DataSize()).To(Equal(10))
	})

	It("dataSize plus header never exceeds blockSize after expand", func() {
		b := newBlock(MinBlockSize())
		for size := 0; ; {
			required := headerSize + size + mqEntrySize
			nb := b.expand(required)
			if nb == nil {
				break
			}
			b = nb
			size += mqEntrySize
			b.setDataSize(size)
			b.incrNumEntries(1)
			Expect(b.DataSize() + headerSize).To(BeNumerically("<=", b.BlockSize()))
		}
	})
})
