package engine

import (
	"fmt"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	. "github.com/kzheludkov/carrot-cache/testutil"
)

var _ = Describe("Segment", func() {
	var s *Segment
	BeforeEach(func() {
		s = NewSegment(1, 0, 4096, 1000)
	})

	It("appends items at increasing offsets", func() {
		off1, ok := s.Append([]byte("k1"), []byte("v1"), 0)
		Expect(ok).To(BeTrue())
		Expect(off1).To(BeZero())
		off2, ok := s.Append([]byte("k2"), []byte("value2"), 0)
		Expect(ok).To(BeTrue())
		Expect(off2).To(Equal(int64(ItemSize(2, 2))))
		Expect(s.Info().TotalItems).To(Equal(int64(2)))
		Expect(s.Info().TotalActiveItems).To(Equal(int64(2)))
	})

	It("tracks the maximum expiration", func() {
		s.Append([]byte("a"), []byte("1"), 500)
		s.Append([]byte("b"), []byte("2"), 2000)
		s.Append([]byte("c"), []byte("3"), 1500)
		Expect(s.Info().MaxExpireAt).To(Equal(int64(2000)))
	})

	It("refuses appends past capacity", func() {
		_, ok := s.Append(make([]byte, 10), make([]byte, 4096), 0)
		Expect(ok).To(BeFalse())
	})

	It("refuses appends once sealed", func() {
		s.Seal()
		_, ok := s.Append([]byte("k"), []byte("v"), 0)
		Expect(ok).To(BeFalse())
	})

	It("scans items in write order", func() {
		var keys, values [][]byte
		for i := 0; i < 20; i++ {
			k := []byte(fmt.Sprintf("key_%d", i))
			v := RandBytes(10 + i)
			_, ok := s.Append(k, v, int64(i))
			Expect(ok).To(BeTrue())
			keys = append(keys, k)
			values = append(values, v)
		}
		sc := newMemScanner(s)
		var offsets []int64
		for i := 0; sc.Next(); i++ {
			Expect(sc.Key()).To(Equal(keys[i]))
			ExpectBytesEqual(sc.Value(), values[i])
			Expect(sc.Expire()).To(Equal(int64(i)))
			offsets = append(offsets, sc.Offset())
		}
		Expect(sc.Err()).To(BeNil())
		Expect(offsets).To(HaveLen(20))
		Expect(offsets[0]).To(BeZero())
	})
})
