package engine

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/kzheludkov/carrot-cache/config"
	"github.com/kzheludkov/carrot-cache/internal/clock"
	"github.com/kzheludkov/carrot-cache/log"
	. "github.com/kzheludkov/carrot-cache/testutil"
)

var _ = Describe("File engine", func() {
	var (
		clk     *clock.Manual
		dir     string
		cleanup func()
		conf    *config.Config
		e       *Engine
	)
	BeforeEach(func() {
		clk = clock.NewManual(time.Unix(1700000000, 0))
		dir, cleanup = TmpDir()
		conf = config.New().
			Set(config.CachesTypesKey, config.TypeFile).
			Set(config.SegmentSizeKey, testSegmentSize).
			Set(config.MaxSizeKey, 16*testSegmentSize).
			Set(config.DataDirKey, dir)
		var err error
		e, err = NewFile(log.NewNop(), conf, "cache", clk)
		Expect(err).To(BeNil())
	})
	AfterEach(func() { cleanup() })

	fill := func(n, valueSize int) {
		v := RandBytes(valueSize)
		for i := 0; i < n; i++ {
			key := []byte(fmt.Sprintf("key_%d", i))
			ExpectWithOffset(1, e.Put(key, v, 0, 0)).To(Succeed())
		}
	}

	flush := func() {
		var sink bytes.Buffer
		ExpectWithOffset(1, e.Save(&sink)).To(Succeed())
	}

	It("reads back from segment files after buffers are dropped", func() {
		fill(12, 1024)
		flush()
		buf := make([]byte, 2048)
		for i := 0; i < 12; i++ {
			key := []byte(fmt.Sprintf("key_%d", i))
			Expect(e.Get(key, buf)).To(Equal(1024))
		}
		// Sealed segments really did lose their RAM buffers.
		dropped := 0
		for _, s := range e.Segments() {
			s.mu.RLock()
			if s.buf == nil {
				dropped++
			}
			s.mu.RUnlock()
		}
		Expect(dropped).To(BeNumerically(">=", 1))
	})

	It("scans a sealed on-disk segment through the prefetch buffer", func() {
		fill(12, 1024)
		flush()
		var victim *Segment
		for _, s := range e.Segments() {
			if s.Sealed() {
				victim = s
				break
			}
		}
		Expect(victim).NotTo(BeNil())
		sc, err := e.Scanner(victim)
		Expect(err).To(BeNil())
		defer sc.Close()
		count := int64(0)
		for sc.Next() {
			Expect(sc.Value()).To(HaveLen(1024))
			count++
		}
		Expect(sc.Err()).To(BeNil())
		Expect(count).To(Equal(victim.Info().TotalItems))
	})

	It("releasing a segment deletes its file", func() {
		fill(12, 1024)
		flush()
		var victim *Segment
		for _, s := range e.Segments() {
			if s.Sealed() {
				victim = s
				break
			}
		}
		path := filepath.Join(dir, "cache", fmt.Sprintf("seg-%d.data", victim.ID()))
		Expect(path).To(BeAnExistingFile())
		e.ReleaseSegment(victim)
		Expect(path).NotTo(BeAnExistingFile())
	})

	It("save then load round-trips all keys", func() {
		fill(12, 1024)
		var snap bytes.Buffer
		Expect(e.Save(&snap)).To(Succeed())

		restored, err := NewFile(log.NewNop(), conf, "cache", clk)
		Expect(err).To(BeNil())
		Expect(restored.Load(&snap)).To(Succeed())
		buf := make([]byte, 2048)
		for i := 0; i < 12; i++ {
			key := []byte(fmt.Sprintf("key_%d", i))
			Expect(restored.Get(key, buf)).To(Equal(1024))
		}
		Expect(restored.Used()).To(Equal(e.Used()))
	})
})

var _ = Describe("PrefetchBuffer", func() {
	var (
		dir     string
		cleanup func()
	)
	BeforeEach(func() {
		dir, cleanup = TmpDir()
	})
	AfterEach(func() { cleanup() })

	writeSegFile := func(s *Segment) string {
		path := filepath.Join(dir, "seg.data")
		f, err := os.Create(path)
		Expect(err).To(BeNil())
		Expect(writeSegmentTo(f, s)).To(Succeed())
		Expect(f.Close()).To(BeNil())
		return path
	}

	It("iterates items with a window smaller than one item", func() {
		s := NewSegment(0, 0, 1<<20, 0)
		var values [][]byte
		for i := 0; i < 50; i++ {
			v := RandBytes(100 + i)
			_, ok := s.Append([]byte(fmt.Sprintf("k%d", i)), v, int64(i))
			Expect(ok).To(BeTrue())
			values = append(values, v)
		}
		s.Seal()
		f, err := os.Open(writeSegFile(s))
		Expect(err).To(BeNil())
		defer f.Close()

		sc := newFileScanner(f, s, 64) // window forces repeated grows
		for i := 0; sc.Next(); i++ {
			Expect(sc.Key()).To(Equal([]byte(fmt.Sprintf("k%d", i))))
			ExpectBytesEqual(sc.Value(), values[i])
			Expect(sc.Expire()).To(Equal(int64(i)))
		}
		Expect(sc.Err()).To(BeNil())
	})

	It("a truncated trailing record ends the scan with ErrUnexpectedEOF", func() {
		s := NewSegment(0, 0, 1<<20, 0)
		for i := 0; i < 5; i++ {
			_, ok := s.Append([]byte(fmt.Sprintf("k%d", i)), RandBytes(64), 0)
			Expect(ok).To(BeTrue())
		}
		s.Seal()
		path := writeSegFile(s)
		// Chop into the last record.
		fi, err := os.Stat(path)
		Expect(err).To(BeNil())
		Expect(os.Truncate(path, fi.Size()-10)).To(Succeed())

		f, err := os.Open(path)
		Expect(err).To(BeNil())
		defer f.Close()
		sc := newFileScanner(f, s, 4096)
		count := 0
		for sc.Next() {
			count++
		}
		Expect(count).To(Equal(4))
		Expect(sc.Err()).To(Equal(io.ErrUnexpectedEOF))
	})
})
