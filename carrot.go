// Package carrot implements a multi-tier, scan-resistant key/value cache
// with RAM-resident and disk-resident backends and an optional victim tier.
// Payloads live in fixed-size append-only segments; a compact memory index
// with in-block SLRU ordering decides what stays, and a background scavenger
// reclaims space by recycling whole segments.
package carrot

import (
	"errors"
	"time"

	"github.com/kzheludkov/carrot-cache/config"
	"github.com/kzheludkov/carrot-cache/controllers"
	"github.com/kzheludkov/carrot-cache/engine"
	"github.com/kzheludkov/carrot-cache/index"
	"github.com/kzheludkov/carrot-cache/internal/clock"
	"github.com/kzheludkov/carrot-cache/internal/util"
	"github.com/kzheludkov/carrot-cache/log"
)

var (
	// ErrWriteRejected reports a write dropped for capacity reasons.
	ErrWriteRejected = errors.New("write rejected")
	// ErrInvalidRank reports a rank outside [0, numRanks). Caller bug.
	ErrInvalidRank = errors.New("rank out of range")
	// ErrVictimNotSupported: a disk cache cannot have a victim tier.
	ErrVictimNotSupported = errors.New("victim cache not supported for disk cache")
)

// NotFoundSize is the Get return for an absent key.
const NotFoundSize = engine.NotFoundSize

// Type of the cache tier.
type Type int

const (
	Memory Type = iota
	Disk
)

// Cache is the facade composing the storage engine, memory index, admission,
// throughput control and the scavenger. Safe for concurrent use.
type Cache struct {
	log   log.Logger
	conf  *config.Config
	name  string
	clock clock.Clock
	typ   Type

	engine     *engine.Engine
	stats      *Stats
	admission  controllers.AdmissionController
	throughput *controllers.ThroughputController
	scav       *Scavenger

	victim *Cache
	parent *Cache

	maxSize            int64
	rejectionThreshold float64
	writesMaxWait      time.Duration
	victimPromotion    bool
	readmissionMin     int
	scavStartRatio     float64

	epochStart int64
	tcEnabled  bool

	recyclingOverride controllers.RecyclingSelector

	stop chan struct{}
}

// Option customizes construction.
type Option func(*Cache)

// WithClock injects a clock; tests use a manual one.
func WithClock(clk clock.Clock) Option { return func(c *Cache) { c.clock = clk } }

// WithAdmission replaces the default admit-everything controller.
func WithAdmission(ac controllers.AdmissionController) Option {
	return func(c *Cache) { c.admission = ac }
}

// WithRecyclingSelector replaces the default min-alive victim selection.
func WithRecyclingSelector(sel controllers.RecyclingSelector) Option {
	return func(c *Cache) { c.recyclingOverride = sel }
}

// New creates a cache tier named name using conf. Background tasks (the
// scavenger timer and the throughput check) start immediately; call Close
// to stop them.
func New(l log.Logger, conf *config.Config, name string, opts ...Option) (*Cache, error) {
	c := &Cache{
		log:                l.WithFields(log.Fields{"cache": name}),
		conf:               conf,
		name:               name,
		clock:              clock.New(),
		maxSize:            conf.MaxSize(name),
		rejectionThreshold: conf.WriteRejectionThreshold(name),
		writesMaxWait:      conf.WritesMaxWaitTime(name),
		victimPromotion:    conf.VictimPromotionOnHit(name),
		readmissionMin:     conf.ReadmissionHitCountMin(name),
		scavStartRatio:     conf.ScavengerStartRatio(name),
		stats:              newStats(),
		stop:               make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.epochStart = c.clock.NowUnixMilli()

	switch conf.CacheType(name) {
	case config.TypeFile:
		c.typ = Disk
		e, err := engine.NewFile(c.log, conf, name, c.clock)
		if err != nil {
			return nil, err
		}
		c.engine = e
	default:
		c.typ = Memory
		c.engine = engine.NewOffheap(c.log, conf, name, c.clock)
	}
	if c.admission == nil {
		c.admission = controllers.NewAdmitAll()
	}
	c.throughput = controllers.NewThroughput(c.log, conf, name, c.clock, c.stats.Registry())
	c.tcEnabled = true

	var selector controllers.RecyclingSelector = controllers.MinAliveSelector{}
	if c.recyclingOverride != nil {
		selector = c.recyclingOverride
	}
	c.scav = newScavenger(c.log, conf, name, c.clock, c.engine, selector)

	var dial controllers.Shrinkable
	if s, ok := c.admission.(controllers.Shrinkable); ok {
		dial = s
	}
	c.throughput.SetDials(dial, c.scav)

	c.engine.SetListener(c)
	c.engine.Index().SetEvictionListener(c)

	go c.scav.loop(c.stop)
	go c.throughputLoop()
	return c, nil
}

func (c *Cache) Name() string          { return c.name }
func (c *Cache) Type() Type            { return c.typ }
func (c *Cache) Stats() *Stats         { return c.stats }
func (c *Cache) Scavenger() *Scavenger { return c.scav }

// Engine exposes the storage engine, mainly for tests and tooling.
func (c *Cache) Engine() *engine.Engine { return c.engine }

// UsedMemory is live data bytes in this tier.
func (c *Cache) UsedMemory() int64 { return c.engine.Used() }

// AllocatedMemory is segment capacity plus index memory.
func (c *Cache) AllocatedMemory() int64 { return c.engine.Allocated() }

// MaximumCacheSize is the configured byte budget, 0 - unlimited.
func (c *Cache) MaximumCacheSize() int64 { return c.maxSize }

// MemoryUsedRatio is used/max, 0 when unlimited.
func (c *Cache) MemoryUsedRatio() float64 {
	if c.maxSize == 0 {
		return 0
	}
	return float64(c.engine.Used()) / float64(c.maxSize)
}

// ExpiredEvictedBalance exposes the index's expiration credit counter.
func (c *Cache) ExpiredEvictedBalance() int64 {
	return c.engine.Index().ExpiredEvictedBalance()
}

// SetVictimCache attaches a lower tier receiving evicted items. Only a
// memory cache may have a victim, and the victim must outlive this cache.
func (c *Cache) SetVictimCache(v *Cache) error {
	if c.typ == Disk {
		return ErrVictimNotSupported
	}
	c.victim = v
	v.parent = c
	return nil
}

// VictimCache returns the victim tier or nil.
func (c *Cache) VictimCache() *Cache { return c.victim }

// ParentCache returns the tier this cache is a victim of, or nil.
func (c *Cache) ParentCache() *Cache { return c.parent }

// Close stops background tasks. It does not persist state; use Save.
func (c *Cache) Close() {
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
}

func (c *Cache) defaultRank() int { return c.engine.Index().DefaultInsertRank() }

// Put stores the item with the default rank. expire is unix millis,
// 0 - never expires.
func (c *Cache) Put(key, value []byte, expire int64) error {
	return c.PutWithRank(key, value, expire, c.defaultRank(), false)
}

// PutWithRank stores the item at a popularity rank in [0, numRanks);
// rank 0 is the hottest insertion class. force bypasses admission.
func (c *Cache) PutWithRank(key, value []byte, expire int64, rank int, force bool) error {
	if rank < 0 || rank >= c.engine.NumRanks() {
		return ErrInvalidRank
	}
	if c.rejectWrite() || c.scav.Stalled() {
		c.scav.Signal()
		if !c.waitForSpace() {
			c.stats.rejected.Inc(1)
			return ErrWriteRejected
		}
	}
	if !force && !c.admission.Admit(key) {
		// Not admitted is not an error: the admission queue recorded the
		// miss and a re-seen key will make it in.
		return nil
	}
	c.stats.writes.Inc(1)
	rank = c.admission.AdjustRank(rank, expire)
	expire = c.admission.AdjustExpire(expire)

	err := c.engine.Put(key, value, expire, rank)
	if err == engine.ErrNoCapacity {
		c.scav.Signal()
		if c.waitForSpace() {
			err = c.engine.Put(key, value, expire, rank)
		}
	}
	if err != nil {
		c.log.Debugf("put rejected: %v", err)
		c.stats.rejected.Inc(1)
		return ErrWriteRejected
	}
	if c.tcEnabled {
		c.throughput.Record(int64(engine.ItemSize(len(key), len(value))))
	}
	return nil
}

// Get copies the value for key into buf and returns its size.
// NotFoundSize means absent; a size larger than len(buf) means retry with a
// bigger buffer. On a miss with a victim tier attached the victim is
// consulted, and a victim hit is promoted back into this tier.
func (c *Cache) Get(key, buf []byte) int {
	n := c.engine.Get(key, buf)
	if n <= len(buf) {
		c.stats.gets.Inc(1)
		if n >= 0 {
			c.stats.hits.Inc(1)
		}
	}
	if n >= 0 && n <= len(buf) {
		c.admission.Access(key)
	}
	if n < 0 && c.victim != nil {
		n = c.victim.Get(key, buf)
		if n >= 0 && n <= len(buf) && c.victimPromotion {
			hash := util.Hash64(key)
			if c.victim.engine.Index().HitCount(hash) < c.readmissionMin {
				return n
			}
			// Keep the victim's expiration. Main insert is ordered before
			// the victim delete; a concurrent reader may transiently see
			// the key in both tiers, never in neither.
			expire := c.victim.engine.Index().GetExpire(hash)
			if expire < 0 {
				expire = 0
			}
			if err := c.PutWithRank(key, buf[:n], expire, c.defaultRank(), true); err == nil {
				c.victim.Delete(key)
			}
		}
	}
	return n
}

// Delete removes the key, consulting the victim tier when absent here.
func (c *Cache) Delete(key []byte) bool {
	if c.engine.Delete(key) {
		return true
	}
	if c.victim != nil {
		return c.victim.Delete(key)
	}
	return false
}

// Expire removes the key; alias of Delete.
func (c *Cache) Expire(key []byte) bool { return c.Delete(key) }

func (c *Cache) rejectWrite() bool {
	if c.maxSize == 0 {
		return false
	}
	return c.MemoryUsedRatio() >= c.rejectionThreshold
}

// waitForSpace parks the writer for up to the configured wait while the
// scavenger catches up.
func (c *Cache) waitForSpace() bool {
	deadline := c.clock.Now().Add(c.writesMaxWait)
	for {
		if !c.rejectWrite() && !c.scav.Stalled() {
			return true
		}
		if !c.clock.Now().Before(deadline) {
			return false
		}
		c.clock.Sleep(time.Millisecond)
	}
}

// OnDataSizeChanged triggers a scavenger run as soon as usage crosses the
// start ratio, without waiting for the periodic timer.
func (c *Cache) OnDataSizeChanged(used int64) {
	if c.maxSize > 0 && float64(used) >= c.scavStartRatio*float64(c.maxSize) {
		c.scav.Signal()
	}
}

// OnEviction transfers an evicted item to the victim tier. Called by the
// index under slot lock; the entry is only valid for the duration of the
// call.
func (c *Cache) OnEviction(entry index.MQEntry) {
	if c.victim == nil {
		return
	}
	expire := entry.Expire()
	rank := c.victim.defaultRank()
	if entry.Embedded() {
		key, value, ok := entry.EmbeddedKV()
		if !ok {
			return
		}
		c.victim.PutWithRank(key, value, expire, rank, true)
		return
	}
	ex, key, value, ok := c.engine.ReadItem(entry.SegmentID(), entry.Offset(), entry.KVSize())
	if !ok {
		return
	}
	if ex != 0 {
		expire = ex
	}
	c.victim.PutWithRank(key, value, expire, rank, true)
}

func (c *Cache) throughputLoop() {
	interval := c.conf.ThroughputCheckInterval(c.name)
	t := c.clock.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-t.C():
			c.throughput.AdjustParameters()
		}
	}
}
