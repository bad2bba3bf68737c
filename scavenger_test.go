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

var _ = Describe("Scavenger", func() {
	var (
		clk     *clock.Manual
		dir     string
		cleanup func()
		cache   *Cache
	)
	newCache := func(conf *config.Config, opts ...Option) *Cache {
		opts = append(opts, WithClock(clk))
		c, err := New(log.NewNop(), conf, "cache", opts...)
		ExpectWithOffset(1, err).To(BeNil())
		return c
	}
	BeforeEach(func() {
		clk = clock.NewManual(time.Unix(1700000000, 0))
		dir, cleanup = TmpDir()
	})
	AfterEach(func() {
		cache.Close()
		cleanup()
	})

	fillConf := func() *config.Config {
		// Start ratio above the fill target keeps the background trigger
		// quiet, so RunOnce drives the pass deterministically.
		return config.New().
			Set(config.SegmentSizeKey, 4096).
			Set(config.MaxSizeKey, 8*4096).
			Set(config.ScavStartRatioKey, 0.99).
			Set(config.SnapshotDirKey, dir+"/snapshot").
			Set(config.DataDirKey, dir+"/data")
	}

	// fillPast pushes usage to at least ratio without tripping rejection.
	fillPast := func(c *Cache, ratio float64) int {
		value := RandBytes(100)
		i := 0
		for c.MemoryUsedRatio() < ratio {
			err := c.Put([]byte(fmt.Sprintf("key_%d", i)), value, 0)
			Expect(err).To(BeNil())
			i++
		}
		return i
	}

	It("brings usage under the stop ratio and releases segments", func() {
		cache = newCache(fillConf())
		fillPast(cache, 0.95)
		cache.Scavenger().RunOnce()
		Expect(cache.MemoryUsedRatio()).To(BeNumerically("<=", 0.90))
		Expect(cache.Scavenger().Stats().ReleasedSegments.Load()).
			To(BeNumerically(">=", 1))
		Expect(cache.Stats().TotalRejectedWrites()).To(BeZero())
		Expect(cache.Scavenger().Stalled()).To(BeFalse())
	})

	It("an all-expired segment is recycled without rewrites", func() {
		conf := fillConf().Set(config.MaxSizeKey, 4096) // one-segment bank
		cache = newCache(conf)
		value := RandBytes(100)
		expire := clk.NowUnixMilli() + 1000
		// Push usage over the stop ratio with expiring items only.
		for i := 0; i < 33; i++ {
			Expect(cache.Put([]byte(fmt.Sprintf("exp_%d", i)), value, expire)).To(Succeed())
		}
		Expect(cache.MemoryUsedRatio()).To(BeNumerically(">", 0.90))
		for _, s := range cache.Engine().Segments() {
			s.Seal()
		}
		clk.Advance(2 * time.Second)
		cache.Scavenger().RunOnce()
		Expect(cache.Scavenger().Stats().RewrittenItems.Load()).To(BeZero())
		Expect(cache.Scavenger().Stats().ExpiredItems.Load()).To(Equal(int64(33)))
		Expect(cache.UsedMemory()).To(BeZero())
	})

	It("the LRC selector recycles the oldest segment", func() {
		cache = newCache(fillConf(), WithRecyclingSelector(controllers.LRCSelector{}))
		fillPast(cache, 0.95)
		cache.Scavenger().RunOnce()
		Expect(cache.MemoryUsedRatio()).To(BeNumerically("<=", 0.90))
	})

	It("dump ratio dial moves within its band", func() {
		cache = newCache(fillConf())
		s := cache.Scavenger()
		Expect(s.DumpBelowRatio()).To(Equal(0.1))
		for i := 0; i < 10; i++ {
			s.RaiseDumpRatio()
		}
		Expect(s.DumpBelowRatio()).To(BeNumerically("~", 0.5, 1e-9))
		for i := 0; i < 10; i++ {
			s.LowerDumpRatio()
		}
		Expect(s.DumpBelowRatio()).To(BeNumerically("~", 0.1, 1e-9))
	})
})
