package controllers

import (
	"encoding/gob"
	"io"
	"sync"
	"sync/atomic"

	"github.com/facebookgo/stackerr"
	"github.com/rcrowley/go-metrics"

	"github.com/kzheludkov/carrot-cache/config"
	"github.com/kzheludkov/carrot-cache/internal/clock"
	"github.com/kzheludkov/carrot-cache/log"
)

// Shrinkable is an admission dial the throughput controller can tighten or
// relax (admission queue size, random admission probability).
type Shrinkable interface {
	Shrink()
	Grow()
}

// DumpRatioDial is the scavenger's dump-below threshold dial.
type DumpRatioDial interface {
	RaiseDumpRatio()
	LowerDumpRatio()
}

// ThroughputController bounds sustained write ingress to a byte-rate goal.
// It is purely advisory: it never blocks writes, it only turns the admission
// and scavenger dials when the measured rate drifts past the tolerance band.
type ThroughputController struct {
	log   log.Logger
	clock clock.Clock

	goal      int64
	tolerance float64

	startMilli atomic.Int64
	total      atomic.Int64
	meter      metrics.Meter

	mu        sync.Mutex
	admission Shrinkable
	scavenger DumpRatioDial
}

func NewThroughput(l log.Logger, conf *config.Config, cacheName string, clk clock.Clock, registry metrics.Registry) *ThroughputController {
	tc := &ThroughputController{
		log:       l,
		clock:     clk,
		goal:      conf.WriteRateLimit(cacheName),
		tolerance: conf.ThroughputTolerance(cacheName),
		meter:     metrics.GetOrRegisterMeter("cache.bytes.written", registry),
	}
	tc.startMilli.Store(clk.NowUnixMilli())
	return tc
}

// SetDials attaches the dials; either may be nil.
func (tc *ThroughputController) SetDials(admission Shrinkable, scavenger DumpRatioDial) {
	tc.mu.Lock()
	tc.admission = admission
	tc.scavenger = scavenger
	tc.mu.Unlock()
}

// Record accounts bytes written to storage.
func (tc *ThroughputController) Record(n int64) {
	tc.total.Add(n)
	tc.meter.Mark(n)
}

func (tc *ThroughputController) TotalBytesWritten() int64 { return tc.total.Load() }
func (tc *ThroughputController) Goal() int64              { return tc.goal }

// CurrentThroughput is bytes/sec averaged since start.
func (tc *ThroughputController) CurrentThroughput() int64 {
	elapsed := tc.clock.NowUnixMilli() - tc.startMilli.Load()
	if elapsed <= 0 {
		return 0
	}
	return tc.total.Load() * 1000 / elapsed
}

// AdjustParameters turns the dials one step when the measured rate is
// outside the tolerance band. Reports whether an adjustment was made.
func (tc *ThroughputController) AdjustParameters() bool {
	current := tc.CurrentThroughput()
	band := int64(float64(tc.goal) * tc.tolerance)
	diff := current - tc.goal
	if diff < 0 {
		diff = -diff
	}
	if diff <= band {
		return false
	}
	tc.mu.Lock()
	admission, scavenger := tc.admission, tc.scavenger
	tc.mu.Unlock()
	if current > tc.goal {
		// Writing too fast: admit less, rewrite less.
		if admission != nil {
			admission.Shrink()
		}
		if scavenger != nil {
			scavenger.RaiseDumpRatio()
		}
	} else {
		if admission != nil {
			admission.Grow()
		}
		if scavenger != nil {
			scavenger.LowerDumpRatio()
		}
	}
	tc.log.Infof("throughput adjusted: goal=%d current=%d", tc.goal, current)
	return true
}

type throughputSnapshot struct {
	StartMilli int64
	Total      int64
}

func (tc *ThroughputController) Save(w io.Writer) error {
	snap := throughputSnapshot{
		StartMilli: tc.startMilli.Load(),
		Total:      tc.total.Load(),
	}
	return stackerr.Wrap(gob.NewEncoder(w).Encode(&snap))
}

func (tc *ThroughputController) Load(r io.Reader) error {
	var snap throughputSnapshot
	if err := gob.NewDecoder(r).Decode(&snap); err != nil {
		return stackerr.Wrap(err)
	}
	tc.startMilli.Store(snap.StartMilli)
	tc.total.Store(snap.Total)
	return nil
}
