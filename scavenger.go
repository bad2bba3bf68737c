package carrot

import (
	"encoding/gob"
	"io"
	"math"
	"sync/atomic"
	"time"

	"github.com/facebookgo/stackerr"

	"github.com/kzheludkov/carrot-cache/config"
	"github.com/kzheludkov/carrot-cache/controllers"
	"github.com/kzheludkov/carrot-cache/engine"
	"github.com/kzheludkov/carrot-cache/index"
	"github.com/kzheludkov/carrot-cache/internal/clock"
	"github.com/kzheludkov/carrot-cache/internal/util"
	"github.com/kzheludkov/carrot-cache/log"
)

// ScavengerStats accumulate across runs and survive snapshots.
type ScavengerStats struct {
	Runs             atomic.Int64
	ScannedItems     atomic.Int64
	ExpiredItems     atomic.Int64
	DumpedItems      atomic.Int64
	RewrittenItems   atomic.Int64
	FreedBytes       atomic.Int64
	ReleasedSegments atomic.Int64
}

// Scavenger reclaims space by recycling whole segments: it picks a victim
// segment, decides per item to drop, dump to the victim tier or rewrite into
// the active segment, then releases the segment id. One dedicated worker.
type Scavenger struct {
	log    log.Logger
	clock  clock.Clock
	engine *engine.Engine

	selector controllers.RecyclingSelector

	interval       time.Duration
	startRatio     float64
	stopRatio      float64
	maxBeforeStall int
	minActiveRatio float64
	maxSize        int64

	dumpStart float64
	dumpStop  float64
	dumpStep  float64
	dumpBits  atomic.Uint64 // current dump-below ratio, float64 bits

	running atomic.Bool
	stalled atomic.Bool
	wake    chan struct{}

	stats ScavengerStats
}

var _ controllers.DumpRatioDial = (*Scavenger)(nil)

func newScavenger(l log.Logger, conf *config.Config, name string, clk clock.Clock,
	e *engine.Engine, sel controllers.RecyclingSelector) *Scavenger {
	s := &Scavenger{
		log:            l,
		clock:          clk,
		engine:         e,
		selector:       sel,
		interval:       conf.ScavengerRunInterval(name),
		startRatio:     conf.ScavengerStartRatio(name),
		stopRatio:      conf.ScavengerStopRatio(name),
		maxBeforeStall: conf.ScavengerMaxSegmentsBeforeStall(name),
		minActiveRatio: conf.MinActiveDatasetRatio(name),
		maxSize:        conf.MaxSize(name),
		dumpStart:      conf.ScavengerDumpBelowStart(name),
		dumpStop:       conf.ScavengerDumpBelowStop(name),
		dumpStep:       conf.ScavengerDumpBelowStep(name),
		wake:           make(chan struct{}, 1),
	}
	s.dumpBits.Store(math.Float64bits(s.dumpStart))
	return s
}

func (s *Scavenger) Stats() *ScavengerStats { return &s.stats }

// Stalled reports that the scavenger processed its per-run segment budget
// without bringing usage under the stop ratio; writers park briefly.
func (s *Scavenger) Stalled() bool { return s.stalled.Load() }

// DumpBelowRatio is the popularity threshold under which scanned items are
// discarded instead of rewritten.
func (s *Scavenger) DumpBelowRatio() float64 {
	return math.Float64frombits(s.dumpBits.Load())
}

// RaiseDumpRatio moves the threshold one step toward the stop bound:
// more items dumped, less rewrite write-amplification.
func (s *Scavenger) RaiseDumpRatio() {
	v := s.DumpBelowRatio() + s.dumpStep
	if v > s.dumpStop {
		v = s.dumpStop
	}
	s.dumpBits.Store(math.Float64bits(v))
}

// LowerDumpRatio moves the threshold one step toward the start bound.
func (s *Scavenger) LowerDumpRatio() {
	v := s.DumpBelowRatio() - s.dumpStep
	if v < s.dumpStart {
		v = s.dumpStart
	}
	s.dumpBits.Store(math.Float64bits(v))
}

// Signal requests an immediate run. Non-blocking; coalesces.
func (s *Scavenger) Signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scavenger) usedRatio() float64 {
	if s.maxSize == 0 {
		return 0
	}
	return float64(s.engine.Used()) / float64(s.maxSize)
}

func (s *Scavenger) shouldRun() bool {
	return s.maxSize > 0 && s.usedRatio() >= s.startRatio
}

func (s *Scavenger) loop(stop chan struct{}) {
	t := s.clock.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C():
		case <-s.wake:
		}
		if s.shouldRun() {
			s.run()
		}
	}
}

// RunOnce performs a single scavenging pass regardless of the start ratio.
func (s *Scavenger) RunOnce() { s.run() }

func (s *Scavenger) run() {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	defer s.running.Store(false)
	defer s.stalled.Store(false)
	if s.maxSize == 0 {
		return
	}
	// While the cache is over capacity, inserts evict in place instead of
	// growing the index.
	s.engine.Index().SetEvictionEnabled(true)
	defer func() {
		if s.usedRatio() <= s.stopRatio {
			s.engine.Index().SetEvictionEnabled(false)
		}
	}()
	s.stats.Runs.Add(1)
	processed := 0
	for s.usedRatio() > s.stopRatio {
		victim := s.selector.Select(s.engine.Segments(), s.clock.NowUnixMilli())
		if victim == nil {
			break
		}
		if err := s.scavengeSegment(victim); err != nil {
			s.log.Errorf("scavenge segment %d: %v", victim.ID(), err)
		}
		processed++
		if processed >= s.maxBeforeStall && s.usedRatio() > s.stopRatio {
			s.stalled.Store(true)
		}
	}
	s.adjustDumpRatio()
}

// scavengeSegment scans the victim and releases exactly it. Per-item errors
// are tolerated; the pass continues.
func (s *Scavenger) scavengeSegment(victim *engine.Segment) error {
	sc, err := s.engine.Scanner(victim)
	if err != nil {
		return err
	}
	defer sc.Close()
	idx := s.engine.Index()
	dumpBelow := s.DumpBelowRatio()
	freed := victim.DataSize()
	for sc.Next() {
		s.stats.ScannedItems.Add(1)
		key, value, expire := sc.Key(), sc.Value(), sc.Expire()
		hash := util.Hash64(key)
		itemSize := int64(engine.ItemSize(len(key), len(value)))
		// A stale location means the key was overwritten or deleted since
		// this copy was appended; the bytes here are dead.
		if !idx.Exists(hash, victim.ID(), sc.Offset()) {
			s.engine.PunchHole(victim, sc.Offset(), itemSize)
			continue
		}
		result, rank, _ := idx.CheckDeleteKeyForScavenger(hash, dumpBelow)
		switch result {
		case index.NotFound:
			// Deleted between the two probes.
		case index.Expired:
			s.stats.ExpiredItems.Add(1)
			s.engine.PunchHole(victim, sc.Offset(), itemSize)
		case index.LowPopularity:
			// Transfer to the victim cache, if any, already happened via
			// the eviction listener under the slot lock.
			s.stats.DumpedItems.Add(1)
			s.engine.PunchHole(victim, sc.Offset(), itemSize)
		case index.Ok:
			if err := s.engine.Put(key, value, expire, rank); err != nil {
				// No room to rewrite: the item is dropped rather than
				// poisoning the pass.
				s.log.Debugf("scavenger rewrite dropped: %v", err)
				idx.Delete(hash)
				s.stats.DumpedItems.Add(1)
			} else {
				s.stats.RewrittenItems.Add(1)
			}
		}
	}
	if err := sc.Err(); err != nil {
		s.log.Errorf("segment %d scan: %v", victim.ID(), err)
	}
	s.engine.ReleaseSegment(victim)
	s.stats.FreedBytes.Add(freed)
	s.stats.ReleasedSegments.Add(1)
	return nil
}

// adjustDumpRatio raises the dump threshold while the active share of the
// dataset stays below the configured minimum: rewriting mostly-dead
// segments is wasted write budget.
func (s *Scavenger) adjustDumpRatio() {
	var total, active int64
	for _, seg := range s.engine.Segments() {
		info := seg.Info()
		total += info.TotalItems
		active += info.TotalActiveItems
	}
	if total == 0 {
		return
	}
	if float64(active)/float64(total) < s.minActiveRatio {
		s.RaiseDumpRatio()
	}
}

type scavengerSnapshot struct {
	Runs, ScannedItems, ExpiredItems, DumpedItems int64
	RewrittenItems, FreedBytes, ReleasedSegments  int64
	DumpBelow                                     float64
}

func (s *Scavenger) Save(w io.Writer) error {
	snap := scavengerSnapshot{
		Runs:             s.stats.Runs.Load(),
		ScannedItems:     s.stats.ScannedItems.Load(),
		ExpiredItems:     s.stats.ExpiredItems.Load(),
		DumpedItems:      s.stats.DumpedItems.Load(),
		RewrittenItems:   s.stats.RewrittenItems.Load(),
		FreedBytes:       s.stats.FreedBytes.Load(),
		ReleasedSegments: s.stats.ReleasedSegments.Load(),
		DumpBelow:        s.DumpBelowRatio(),
	}
	return stackerr.Wrap(gob.NewEncoder(w).Encode(&snap))
}

func (s *Scavenger) Load(r io.Reader) error {
	var snap scavengerSnapshot
	if err := gob.NewDecoder(r).Decode(&snap); err != nil {
		return stackerr.Wrap(err)
	}
	s.stats.Runs.Store(snap.Runs)
	s.stats.ScannedItems.Store(snap.ScannedItems)
	s.stats.ExpiredItems.Store(snap.ExpiredItems)
	s.stats.DumpedItems.Store(snap.DumpedItems)
	s.stats.RewrittenItems.Store(snap.RewrittenItems)
	s.stats.FreedBytes.Store(snap.FreedBytes)
	s.stats.ReleasedSegments.Store(snap.ReleasedSegments)
	s.dumpBits.Store(math.Float64bits(snap.DumpBelow))
	return nil
}
