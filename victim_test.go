package carrot

import (
	"fmt"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/kzheludkov/carrot-cache/config"
	"github.com/kzheludkov/carrot-cache/internal/clock"
	"github.com/kzheludkov/carrot-cache/internal/util"
	"github.com/kzheludkov/carrot-cache/log"
	. "github.com/kzheludkov/carrot-cache/testutil"
)

var _ = Describe("Victim cache", func() {
	var (
		clk     *clock.Manual
		dir     string
		cleanup func()
		main    *Cache
		victim  *Cache
	)
	BeforeEach(func() {
		clk = clock.NewManual(time.Unix(1700000000, 0))
		dir, cleanup = TmpDir()
		conf := config.New().
			Set(config.CachesNameListKey, "ram, disk").
			Set(config.CachesTypesKey, "offheap, file").
			Set(config.MaxSizeKey, 64*1024*1024).
			Set(config.SnapshotDirKey, dir+"/snapshot").
			Set(config.DataDirKey, dir+"/data").
			SetFor("ram", config.VictimNameKey, "disk")
		var err error
		main, err = New(log.NewNop(), conf, "ram", WithClock(clk))
		Expect(err).To(BeNil())
		victim, err = New(log.NewNop(), conf, "disk", WithClock(clk))
		Expect(err).To(BeNil())
		Expect(main.SetVictimCache(victim)).To(Succeed())
	})
	AfterEach(func() {
		main.Close()
		victim.Close()
		cleanup()
	})

	It("a disk cache refuses a victim tier", func() {
		Expect(victim.SetVictimCache(main)).To(Equal(ErrVictimNotSupported))
	})

	It("a victim hit is promoted into main and removed from the victim", func() {
		expire := clk.NowUnixMilli() + time.Hour.Milliseconds()
		Expect(victim.Put([]byte("k"), []byte("v"), expire)).To(Succeed())

		buf := make([]byte, 16)
		n := main.Get([]byte("k"), buf)
		Expect(n).To(Equal(1))
		Expect(string(buf[:n])).To(Equal("v"))

		// Present in main without consulting the victim.
		Expect(main.Engine().Get([]byte("k"), buf)).To(Equal(1))
		// Gone from the victim.
		Expect(victim.Engine().Get([]byte("k"), buf)).To(Equal(NotFoundSize))
		// The victim's expiration survived the move.
		Expect(main.Engine().Index().GetExpire(util.Hash64([]byte("k")))).
			To(Equal(expire))
	})

	It("delete falls through to the victim", func() {
		Expect(victim.Put([]byte("k"), []byte("v"), 0)).To(Succeed())
		Expect(main.Delete([]byte("k"))).To(BeTrue())
		buf := make([]byte, 16)
		Expect(victim.Engine().Get([]byte("k"), buf)).To(Equal(NotFoundSize))
	})

	It("scavenged and evicted items flow into the victim tier", func() {
		conf := config.New().
			Set(config.CachesNameListKey, "small, lower").
			Set(config.CachesTypesKey, "offheap, offheap").
			Set(config.SegmentSizeKey, 4096).
			Set(config.ScavStartRatioKey, 0.99).
			Set(config.IndexSlotsPowerKey, 4).
			SetFor("small", config.MaxSizeKey, 8*4096).
			Set(config.SnapshotDirKey, dir+"/snapshot2").
			Set(config.DataDirKey, dir+"/data2")
		small, err := New(log.NewNop(), conf, "small", WithClock(clk))
		Expect(err).To(BeNil())
		defer small.Close()
		lower, err := New(log.NewNop(), conf, "lower", WithClock(clk))
		Expect(err).To(BeNil())
		defer lower.Close()
		Expect(small.SetVictimCache(lower)).To(Succeed())

		value := RandBytes(100)
		for i := 0; small.MemoryUsedRatio() < 0.95; i++ {
			Expect(small.Put([]byte(fmt.Sprintf("key_%d", i)), value, 0)).To(Succeed())
		}
		small.Scavenger().RunOnce()
		Expect(small.MemoryUsedRatio()).To(BeNumerically("<=", 0.90))
		Expect(lower.Stats().TotalWrites()).To(BeNumerically(">", 0))
	})
})
