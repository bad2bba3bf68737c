package carrot

import (
	"fmt"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/kzheludkov/carrot-cache/config"
	"github.com/kzheludkov/carrot-cache/internal/clock"
	"github.com/kzheludkov/carrot-cache/log"
	. "github.com/kzheludkov/carrot-cache/testutil"
)

var _ = Describe("Persistence", func() {
	var (
		clk     *clock.Manual
		dir     string
		cleanup func()
		conf    *config.Config
	)
	BeforeEach(func() {
		clk = clock.NewManual(time.Unix(1700000000, 0))
		dir, cleanup = TmpDir()
		conf = config.New().
			Set(config.MaxSizeKey, 64*1024*1024).
			Set(config.SnapshotDirKey, dir+"/snapshot").
			Set(config.DataDirKey, dir+"/data")
	})
	AfterEach(func() { cleanup() })

	It("save then load restores keys, counters and the expiration balance", func() {
		c1, err := New(log.NewNop(), conf, "cache", WithClock(clk))
		Expect(err).To(BeNil())

		values := make(map[string][]byte)
		for i := 0; i < 50; i++ {
			k := fmt.Sprintf("key_%d", i)
			v := RandBytes(10 + i)
			values[k] = v
			Expect(c1.Put([]byte(k), v, 0)).To(Succeed())
		}
		// One expired observation to move the balance.
		Expect(c1.Put([]byte("gone"), []byte("x"), clk.NowUnixMilli()+1)).To(Succeed())
		clk.Advance(time.Second)
		buf := make([]byte, 256)
		Expect(c1.Get([]byte("gone"), buf)).To(Equal(NotFoundSize))
		Expect(c1.Get([]byte("key_1"), buf)).To(Equal(11))
		Expect(c1.Get([]byte("key_2"), buf)).To(Equal(12))

		gets, hits := c1.Stats().TotalGets(), c1.Stats().TotalHits()
		writes := c1.Stats().TotalWrites()
		balance := c1.ExpiredEvictedBalance()
		used := c1.UsedMemory()
		Expect(balance).To(Equal(int64(1)))

		Expect(c1.Save()).To(Succeed())
		c1.Close()

		c2, err := New(log.NewNop(), conf, "cache", WithClock(clk))
		Expect(err).To(BeNil())
		defer c2.Close()
		Expect(c2.Load()).To(Succeed())

		Expect(c2.Stats().TotalGets()).To(Equal(gets))
		Expect(c2.Stats().TotalHits()).To(Equal(hits))
		Expect(c2.Stats().TotalWrites()).To(Equal(writes))
		Expect(c2.Stats().TotalRejectedWrites()).To(BeZero())
		Expect(c2.ExpiredEvictedBalance()).To(Equal(balance))
		Expect(c2.UsedMemory()).To(Equal(used))

		for k, v := range values {
			n := c2.Get([]byte(k), buf)
			Expect(n).To(Equal(len(v)), "key %s", k)
			ExpectBytesEqual(buf[:n], v)
		}
	})

	It("loading without a snapshot directory is a clean fresh start", func() {
		c, err := New(log.NewNop(), conf, "cache", WithClock(clk))
		Expect(err).To(BeNil())
		defer c.Close()
		Expect(c.Load()).To(Succeed())
		Expect(c.Stats().TotalWrites()).To(BeZero())
	})

	It("save forces an in-flight rehash to complete", func() {
		small := config.New().
			Set(config.IndexSlotsPowerKey, 2).
			Set(config.MaxSizeKey, 64*1024*1024).
			Set(config.SnapshotDirKey, dir+"/snapshot3").
			Set(config.DataDirKey, dir+"/data3")
		c, err := New(log.NewNop(), small, "cache", WithClock(clk))
		Expect(err).To(BeNil())
		for i := 0; i < 3000; i++ {
			Expect(c.Put([]byte(fmt.Sprintf("key_%d", i)), []byte("v"), 0)).To(Succeed())
		}
		Expect(c.Save()).To(Succeed())
		Expect(c.Engine().Index().RehashingInProgress()).To(BeFalse())
		c.Close()

		c2, err := New(log.NewNop(), small, "cache", WithClock(clk))
		Expect(err).To(BeNil())
		defer c2.Close()
		Expect(c2.Load()).To(Succeed())
		buf := make([]byte, 8)
		for i := 0; i < 3000; i++ {
			Expect(c2.Get([]byte(fmt.Sprintf("key_%d", i)), buf)).To(Equal(1))
		}
	})
})
