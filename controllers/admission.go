// Package controllers holds the pluggable policy surface of the cache:
// admission, throughput and segment recycling. Built-ins are a closed set
// resolved at construction time; misconfiguration fails at startup, never at
// first use.
package controllers

import (
	"io"
	"math"
	"math/rand"
	"sync"

	"github.com/kzheludkov/carrot-cache/config"
	"github.com/kzheludkov/carrot-cache/index"
	"github.com/kzheludkov/carrot-cache/internal/clock"
	"github.com/kzheludkov/carrot-cache/internal/util"
	"github.com/kzheludkov/carrot-cache/log"
)

// AdmissionController decides what enters the main queue and may adjust an
// item's rank and expiration on the way in.
type AdmissionController interface {
	Admit(key []byte) bool
	// Access records a hit on an admitted key.
	Access(key []byte)
	// AdjustRank may demote an item based on its expiration.
	AdjustRank(rank int, expire int64) int
	// AdjustExpire may quantize the expiration time.
	AdjustExpire(expire int64) int64
	Save(w io.Writer) error
	Load(r io.Reader) error
}

// AdmissionKind names the built-in admission controllers.
type AdmissionKind string

const (
	AdmitAll        AdmissionKind = ""
	AdmitQueue      AdmissionKind = "aq"
	AdmitExpiration AdmissionKind = "expiration"
	AdmitRandom     AdmissionKind = "random"
)

// admitAll is the nil-object controller: everything is admitted untouched.
type admitAll struct{}

func (admitAll) Admit([]byte) bool                { return true }
func (admitAll) Access([]byte)                    {}
func (admitAll) AdjustRank(rank int, _ int64) int { return rank }
func (admitAll) AdjustExpire(expire int64) int64  { return expire }
func (admitAll) Save(io.Writer) error             { return nil }
func (admitAll) Load(io.Reader) error             { return nil }

func NewAdmitAll() AdmissionController { return admitAll{} }

// AQAdmissionController admits a key only when it was seen recently: the
// admission queue is a bounded hash-only ghost index of misses, and a key
// re-seen within the window is admitted (and its ghost removed).
type AQAdmissionController struct {
	log log.Logger
	aq  *index.MemoryIndex

	mu       sync.Mutex
	ratio    float64
	minRatio float64
	maxRatio float64
	steps    int

	// capacity estimates the full-cache entry count the ratios apply to.
	capacity func() int64
}

func NewAQAdmission(l log.Logger, conf *config.Config, cacheName string, clk clock.Clock, capacity func() int64) *AQAdmissionController {
	aq := index.New(l, index.Options{
		Type:       index.AQ,
		SlotsPower: conf.IndexSlotsPower(cacheName),
		Clock:      clk,
	})
	c := &AQAdmissionController{
		log:      l,
		aq:       aq,
		ratio:    conf.AQStartSizeRatio(cacheName),
		minRatio: conf.AQMinSizeRatio(cacheName),
		maxRatio: conf.AQMaxSizeRatio(cacheName),
		steps:    conf.ThroughputAdjustmentSteps(cacheName),
		capacity: capacity,
	}
	c.applyRatio()
	return c
}

// Queue exposes the ghost index for persistence.
func (c *AQAdmissionController) Queue() *index.MemoryIndex { return c.aq }

func (c *AQAdmissionController) Admit(key []byte) bool {
	return c.aq.AARP(util.Hash64(key)) == index.Deleted
}

func (c *AQAdmissionController) Access([]byte) {}

func (c *AQAdmissionController) AdjustRank(rank int, _ int64) int { return rank }
func (c *AQAdmissionController) AdjustExpire(expire int64) int64  { return expire }

func (c *AQAdmissionController) applyRatio() {
	if c.capacity == nil {
		return
	}
	c.aq.SetMaximumSize(int64(math.Round(c.ratio * float64(c.capacity()))))
}

// step is (max-min)/steps of the configured ratio band.
func (c *AQAdmissionController) step() float64 {
	if c.steps == 0 {
		return 0
	}
	return (c.maxRatio - c.minRatio) / float64(c.steps)
}

// Shrink makes admission stricter; used when write rate exceeds the goal.
func (c *AQAdmissionController) Shrink() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ratio = c.ratio - c.step(); c.ratio < c.minRatio {
		c.ratio = c.minRatio
	}
	c.applyRatio()
}

// Grow relaxes admission; used when write rate is below the goal.
func (c *AQAdmissionController) Grow() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ratio = c.ratio + c.step(); c.ratio > c.maxRatio {
		c.ratio = c.maxRatio
	}
	c.applyRatio()
}

func (c *AQAdmissionController) Save(w io.Writer) error { return c.aq.Save(w) }
func (c *AQAdmissionController) Load(r io.Reader) error { return c.aq.Load(r) }

// ExpirationAwareAdmission demotes short-lived items toward colder ranks and
// quantizes expirations into geometric bins, so whole segments tend to
// expire together and recycle for free.
type ExpirationAwareAdmission struct {
	clock    clock.Clock
	binStart int64 // seconds
	mult     float64
	numRanks int
}

func NewExpirationAware(conf *config.Config, cacheName string, clk clock.Clock) *ExpirationAwareAdmission {
	return &ExpirationAwareAdmission{
		clock:    clk,
		binStart: conf.ExpireBinStart(cacheName),
		mult:     conf.ExpireBinMultiplier(cacheName),
		numRanks: conf.NumberOfRanks(cacheName),
	}
}

func (c *ExpirationAwareAdmission) Admit([]byte) bool { return true }
func (c *ExpirationAwareAdmission) Access([]byte)     {}

// bin 0 holds TTLs up to binStart seconds; each next bin is mult times wider.
func (c *ExpirationAwareAdmission) bin(expire int64) int {
	ttlSec := float64(expire-c.clock.NowUnixMilli()) / 1000
	if ttlSec <= float64(c.binStart) {
		return 0
	}
	return 1 + int(math.Floor(math.Log(ttlSec/float64(c.binStart))/math.Log(c.mult)))
}

// AdjustRank never promotes: a short TTL can only demote an item.
func (c *ExpirationAwareAdmission) AdjustRank(rank int, expire int64) int {
	if expire <= 0 {
		return rank
	}
	fromTTL := c.numRanks - 1 - c.bin(expire)
	if fromTTL < 0 {
		fromTTL = 0
	}
	if fromTTL > rank {
		return fromTTL
	}
	return rank
}

// AdjustExpire rounds the expiration up to its bin boundary.
func (c *ExpirationAwareAdmission) AdjustExpire(expire int64) int64 {
	if expire <= 0 {
		return expire
	}
	now := c.clock.NowUnixMilli()
	boundary := float64(c.binStart)
	ttlSec := float64(expire-now) / 1000
	for boundary < ttlSec {
		boundary *= c.mult
	}
	return now + int64(boundary*1000)
}

func (c *ExpirationAwareAdmission) Save(io.Writer) error { return nil }
func (c *ExpirationAwareAdmission) Load(io.Reader) error { return nil }

// RandomAdmission admits with a probability dialed between the configured
// start and stop ratios by throughput pressure.
type RandomAdmission struct {
	mu    sync.Mutex
	p     float64
	start float64
	stop  float64
	steps int
	rnd   *rand.Rand
}

func NewRandomAdmission(conf *config.Config, cacheName string, seed int64) *RandomAdmission {
	return &RandomAdmission{
		p:     conf.RandomAdmissionStart(cacheName),
		start: conf.RandomAdmissionStart(cacheName),
		stop:  conf.RandomAdmissionStop(cacheName),
		steps: conf.ThroughputAdjustmentSteps(cacheName),
		rnd:   rand.New(rand.NewSource(seed)),
	}
}

func (c *RandomAdmission) Admit([]byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rnd.Float64() < c.p
}

func (c *RandomAdmission) Access([]byte)                    {}
func (c *RandomAdmission) AdjustRank(rank int, _ int64) int { return rank }
func (c *RandomAdmission) AdjustExpire(expire int64) int64  { return expire }

func (c *RandomAdmission) step() float64 {
	if c.steps == 0 {
		return 0
	}
	return (c.start - c.stop) / float64(c.steps)
}

func (c *RandomAdmission) Shrink() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.p = c.p - c.step(); c.p < c.stop {
		c.p = c.stop
	}
}

func (c *RandomAdmission) Grow() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.p = c.p + c.step(); c.p > c.start {
		c.p = c.start
	}
}

func (c *RandomAdmission) Save(io.Writer) error { return nil }
func (c *RandomAdmission) Load(io.Reader) error { return nil }
