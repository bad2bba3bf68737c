package carrot

import (
	"fmt"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/kzheludkov/carrot-cache/config"
	"github.com/kzheludkov/carrot-cache/controllers"
	"github.com/kzheludkov/carrot-cache/internal/clock"
	"github.com/kzheludkov/carrot-cache/log"
	. "github.com/kzheludkov/carrot-cache/testutil"
)

var _ = Describe("Cache", func() {
	var (
		clk     *clock.Manual
		dir     string
		cleanup func()
		conf    *config.Config
		cache   *Cache
	)
	BeforeEach(func() {
		clk = clock.NewManual(time.Unix(1700000000, 0))
		dir, cleanup = TmpDir()
		conf = config.New().
			Set(config.MaxSizeKey, 64*1024*1024).
			Set(config.SnapshotDirKey, dir+"/snapshot").
			Set(config.DataDirKey, dir+"/data")
		var err error
		cache, err = New(log.NewNop(), conf, "cache", WithClock(clk))
		Expect(err).To(BeNil())
	})
	AfterEach(func() {
		cache.Close()
		cleanup()
	})

	It("put then get returns the value and counts a hit", func() {
		Expect(cache.Put([]byte("k1"), []byte("v1"), 0)).To(Succeed())
		buf := make([]byte, 16)
		n := cache.Get([]byte("k1"), buf)
		Expect(n).To(Equal(2))
		Expect(string(buf[:n])).To(Equal("v1"))
		Expect(cache.Stats().TotalGets()).To(Equal(int64(1)))
		Expect(cache.Stats().TotalHits()).To(Equal(int64(1)))
	})

	It("second put overwrites and counts both writes", func() {
		Expect(cache.Put([]byte("k"), []byte("a"), 0)).To(Succeed())
		Expect(cache.Put([]byte("k"), []byte("bc"), 0)).To(Succeed())
		buf := make([]byte, 16)
		n := cache.Get([]byte("k"), buf)
		Expect(n).To(Equal(2))
		Expect(string(buf[:n])).To(Equal("bc"))
		Expect(cache.Stats().TotalWrites()).To(Equal(int64(2)))
	})

	It("get of an absent key misses without a hit", func() {
		buf := make([]byte, 16)
		Expect(cache.Get([]byte("nope"), buf)).To(Equal(NotFoundSize))
		Expect(cache.Stats().TotalGets()).To(Equal(int64(1)))
		Expect(cache.Stats().TotalHits()).To(BeZero())
	})

	It("delete removes, second delete is a no-op", func() {
		cache.Put([]byte("k"), []byte("v"), 0)
		Expect(cache.Delete([]byte("k"))).To(BeTrue())
		Expect(cache.Delete([]byte("k"))).To(BeFalse())
		buf := make([]byte, 16)
		Expect(cache.Get([]byte("k"), buf)).To(Equal(NotFoundSize))
	})

	It("expire is an alias of delete", func() {
		cache.Put([]byte("k"), []byte("v"), 0)
		Expect(cache.Expire([]byte("k"))).To(BeTrue())
		buf := make([]byte, 16)
		Expect(cache.Get([]byte("k"), buf)).To(Equal(NotFoundSize))
	})

	It("rejects a rank outside the configured range", func() {
		Expect(cache.PutWithRank([]byte("k"), []byte("v"), 0, -1, false)).
			To(Equal(ErrInvalidRank))
		Expect(cache.PutWithRank([]byte("k"), []byte("v"), 0, 8, false)).
			To(Equal(ErrInvalidRank))
	})

	It("a short-lived item expires and is credited exactly once", func() {
		expire := clk.NowUnixMilli() + 50
		Expect(cache.Put([]byte("k"), []byte("v"), expire)).To(Succeed())
		clk.Advance(100 * time.Millisecond)
		buf := make([]byte, 16)
		Expect(cache.Get([]byte("k"), buf)).To(Equal(NotFoundSize))
		Expect(cache.ExpiredEvictedBalance()).To(Equal(int64(1)))
		Expect(cache.Get([]byte("k"), buf)).To(Equal(NotFoundSize))
		Expect(cache.ExpiredEvictedBalance()).To(Equal(int64(1)))
	})

	It("a put with a past expiration succeeds but is never observed", func() {
		Expect(cache.Put([]byte("k"), []byte("v"), 1)).To(Succeed())
		buf := make([]byte, 16)
		Expect(cache.Get([]byte("k"), buf)).To(Equal(NotFoundSize))
	})

	It("an admission queue gates first-seen keys", func() {
		ac := controllers.NewAQAdmission(log.NewNop(), conf, "cache", clk,
			func() int64 { return 1000 })
		gated, err := New(log.NewNop(), conf.Set(config.SnapshotDirKey, dir+"/snapshot-aq"),
			"cache", WithClock(clk), WithAdmission(ac))
		Expect(err).To(BeNil())
		defer gated.Close()

		buf := make([]byte, 16)
		Expect(gated.Put([]byte("k"), []byte("v"), 0)).To(Succeed())
		Expect(gated.Get([]byte("k"), buf)).To(Equal(NotFoundSize),
			"first sight is only recorded in the ghost queue")
		Expect(gated.Put([]byte("k"), []byte("v"), 0)).To(Succeed())
		Expect(gated.Get([]byte("k"), buf)).To(Equal(1))
		// Forced writes bypass admission entirely.
		Expect(gated.PutWithRank([]byte("f"), []byte("x"), 0, 4, true)).To(Succeed())
		Expect(gated.Get([]byte("f"), buf)).To(Equal(1))
	})

	It("random keys and values round-trip", func() {
		seen := make(map[string][]byte)
		for i := 0; i < 200; i++ {
			var k, v []byte
			Fuzz(&k)
			Fuzz(&v)
			key := append(k, byte(i), byte(i>>8))
			Expect(cache.Put(key, v, 0)).To(Succeed())
			seen[string(key)] = v
		}
		buf := make([]byte, 1<<16)
		for k, v := range seen {
			n := cache.Get([]byte(k), buf)
			Expect(n).To(Equal(len(v)), "key %q", k)
			ExpectBytesEqual(buf[:n], v)
		}
	})

	Context("write rejection", func() {
		BeforeEach(func() {
			var err error
			conf = config.New().
				Set(config.SegmentSizeKey, 4096).
				Set(config.MaxSizeKey, 8192).
				Set(config.WriteRejectionKey, 0.5).
				Set(config.SnapshotDirKey, dir+"/snapshot2").
				Set(config.DataDirKey, dir+"/data2")
			cache.Close()
			cache, err = New(log.NewNop(), conf, "cache", WithClock(clk))
			Expect(err).To(BeNil())
		})

		It("rejects writes past the threshold and counts them", func() {
			value := RandBytes(100)
			var rejected bool
			for i := 0; i < 100; i++ {
				err := cache.Put([]byte(fmt.Sprintf("key_%d", i)), value, 0)
				if err == ErrWriteRejected {
					rejected = true
					break
				}
				Expect(err).To(BeNil())
			}
			Expect(rejected).To(BeTrue())
			Expect(cache.Stats().TotalRejectedWrites()).To(Equal(int64(1)))
			Expect(cache.MemoryUsedRatio()).To(BeNumerically(">=", 0.5))
		})
	})
})
