// Package config holds cache configuration. A Config value is created once
// and threaded through all constructors; per-cache overrides are looked up as
// "<cacheName>.<key>" with fallback to the unscoped key, mirroring the
// java-properties layout of the cache.conf template.
package config

import (
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Cache type names used in caches.types.list.
const (
	TypeOffheap = "offheap"
	TypeFile    = "file"
)

// Recognized keys.
const (
	CachesNameListKey = "caches.name.list"
	CachesTypesKey    = "caches.types.list"
	VictimNameKey     = "victim.name"

	SnapshotDirKey = "snapshot.dir.name"
	DataDirKey     = "data.dir.name"

	SegmentSizeKey  = "cache.data.segment.size"
	MaxSizeKey      = "cache.data.max.size"
	StoragePoolKey  = "cache.storage.pool.size"
	BlockWriterKey  = "cache.block.writer.block.size"
	EvictionOffKey  = "cache.eviction.disabled.mode"
	MinActiveSetKey = "cache.minimum.active.dataset.ratio"
	SparseFilesKey  = "sparse.files.support"
	PrefetchSizeKey = "file.prefetch.buffer.size"

	ScavStartRatioKey     = "scavenger.start.ratio"
	ScavStopRatioKey      = "scavenger.stop.ratio"
	ScavDumpStartKey      = "scavenger.dump.entry.below.start"
	ScavDumpStopKey       = "scavenger.dump.entry.below.stop"
	ScavDumpStepKey       = "scavenger.dump.entry.below.step"
	ScavIntervalKey       = "scavenger.run.interval.sec"
	ScavMaxBeforeStallKey = "scavenger.max.segments.before.stall"

	NumberRanksKey     = "cache.popularity.number.ranks"
	SLRUSegmentsKey    = "eviction.slru.number.segments"
	SLRUInsertPointKey = "eviction.slru.insert.point"

	AQStartSizeKey       = "admission.queue.start.size"
	AQMinSizeKey         = "admission.queue.min.size"
	AQMaxSizeKey         = "admission.queue.max.size"
	ReadmissionMinKey    = "cache.readmission.hit.count.min"
	RandomAdmitStartKey  = "cache.random.admission.ratio.start"
	RandomAdmitStopKey   = "cache.random.admission.ratio.stop"
	ExpireBinStartKey    = "cache.expire.start.bin.value"
	ExpireMultiplierKey  = "cache.expire.multiplier.value"

	WriteRateLimitKey      = "cache.write.avg.rate.limit"
	ThroughputIntervalKey  = "throughput.check.interval.sec"
	ThroughputToleranceKey = "throughput.tolerance.limit"
	ThroughputStepsKey     = "throughput.adjustment.steps"
	WritesMaxWaitKey       = "cache.writes.max.wait.time.ms"
	WriteRejectionKey      = "cache.write.rejection.threshold"

	IndexSlotsPowerKey   = "index.slots.power"
	IndexEmbeddedKey     = "index.data.embedded"
	IndexEmbeddedSizeKey = "index.data.embedded.size"

	VictimPromotionKey = "cache.victim.promotion.on.hit"
)

// Snapshot file names, one snapshot directory per cache.
const (
	CacheSnapshotName      = "cache.data"
	AdmissionSnapshotName  = "ac.data"
	ThroughputSnapshotName = "tc.data"
	RecyclingSnapshotName  = "rc.data"
	AQSnapshotName         = "aq.data"
	ScavengerSnapshotName  = "scav.data"
	EngineSnapshotName     = "engine.data"
)

const (
	DefaultOffheapSegmentSize = 4 * 1024 * 1024
	DefaultFileSegmentSize    = 256 * 1024 * 1024
)

// Config is an immutable-after-construction view over loaded properties.
type Config struct {
	v *viper.Viper
}

// New returns a Config populated with defaults only.
func New() *Config {
	v := viper.New()
	setDefaults(v)
	return &Config{v: v}
}

// Load reads a java-properties style cache.conf and layers it over defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("properties")
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "read config %q", path)
	}
	c := &Config{v: v}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(CachesNameListKey, "cache")
	v.SetDefault(CachesTypesKey, TypeOffheap)
	v.SetDefault(SnapshotDirKey, "snapshot")
	v.SetDefault(DataDirKey, "data")
	v.SetDefault(MaxSizeKey, "0")
	v.SetDefault(StoragePoolKey, 32)
	v.SetDefault(BlockWriterKey, 4096)
	v.SetDefault(EvictionOffKey, false)
	v.SetDefault(MinActiveSetKey, 0.9)
	v.SetDefault(SparseFilesKey, false)
	v.SetDefault(PrefetchSizeKey, "4mib")

	v.SetDefault(ScavStartRatioKey, 0.95)
	v.SetDefault(ScavStopRatioKey, 0.90)
	v.SetDefault(ScavDumpStartKey, 0.1)
	v.SetDefault(ScavDumpStopKey, 0.5)
	v.SetDefault(ScavDumpStepKey, 0.1)
	v.SetDefault(ScavIntervalKey, 60)
	v.SetDefault(ScavMaxBeforeStallKey, 10)

	v.SetDefault(NumberRanksKey, 8)
	v.SetDefault(SLRUSegmentsKey, 8)
	v.SetDefault(SLRUInsertPointKey, 4)

	v.SetDefault(AQStartSizeKey, 0.5)
	v.SetDefault(AQMinSizeKey, 0.1)
	v.SetDefault(AQMaxSizeKey, 0.5)
	v.SetDefault(ReadmissionMinKey, 1)
	v.SetDefault(RandomAdmitStartKey, 1.0)
	v.SetDefault(RandomAdmitStopKey, 0.0)
	v.SetDefault(ExpireBinStartKey, 60)
	v.SetDefault(ExpireMultiplierKey, 2.0)

	v.SetDefault(WriteRateLimitKey, "50mib")
	v.SetDefault(ThroughputIntervalKey, 3600)
	v.SetDefault(ThroughputToleranceKey, 0.05)
	v.SetDefault(ThroughputStepsKey, 10)
	v.SetDefault(WritesMaxWaitKey, 10)
	v.SetDefault(WriteRejectionKey, 0.99)

	v.SetDefault(IndexSlotsPowerKey, 10)
	v.SetDefault(IndexEmbeddedKey, false)
	v.SetDefault(IndexEmbeddedSizeKey, 100)

	v.SetDefault(VictimPromotionKey, true)
}

func (c *Config) validate() error {
	names := c.CacheNames()
	types := c.CacheTypes()
	if len(names) == 0 {
		return errors.New("caches.name.list is empty")
	}
	if len(types) != len(names) {
		return errors.Errorf("caches.types.list has %d entries, want %d", len(types), len(names))
	}
	for _, t := range types {
		if t != TypeOffheap && t != TypeFile {
			return errors.Errorf("unknown cache type %q", t)
		}
	}
	return nil
}

// Set overrides a key. For tests and programmatic construction.
func (c *Config) Set(key string, value interface{}) *Config {
	c.v.Set(key, value)
	return c
}

// SetFor overrides a key for one cache.
func (c *Config) SetFor(cacheName, key string, value interface{}) *Config {
	c.v.Set(cacheName+"."+key, value)
	return c
}

// scoped resolves "<cache>.<key>" with fallback to "<key>".
func (c *Config) scoped(cacheName, key string) string {
	if cacheName != "" && c.v.IsSet(cacheName+"."+key) {
		return cacheName + "." + key
	}
	return key
}

func (c *Config) str(cache, key string) string   { return c.v.GetString(c.scoped(cache, key)) }
func (c *Config) integer(cache, key string) int  { return c.v.GetInt(c.scoped(cache, key)) }
func (c *Config) float(cache, key string) float64 { return c.v.GetFloat64(c.scoped(cache, key)) }
func (c *Config) boolean(cache, key string) bool { return c.v.GetBool(c.scoped(cache, key)) }

// size parses either a bare byte count or a humanized size string ("4mb").
func (c *Config) size(cache, key string) int64 {
	s := strings.TrimSpace(c.str(cache, key))
	if s == "" {
		return 0
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return int64(c.v.GetInt64(c.scoped(cache, key)))
	}
	return int64(n)
}

func (c *Config) CacheNames() []string {
	return splitCSV(c.v.GetString(CachesNameListKey))
}

func (c *Config) CacheTypes() []string {
	return splitCSV(c.v.GetString(CachesTypesKey))
}

// CacheType returns the engine type for a named cache.
func (c *Config) CacheType(cacheName string) string {
	names := c.CacheNames()
	types := c.CacheTypes()
	for i, n := range names {
		if n == cacheName && i < len(types) {
			return types[i]
		}
	}
	return TypeOffheap
}

func (c *Config) VictimName(cache string) string { return c.str(cache, VictimNameKey) }

func (c *Config) SnapshotDir(cache string) string { return c.str(cache, SnapshotDirKey) }
func (c *Config) DataDir(cache string) string     { return c.str(cache, DataDirKey) }

// SegmentSize defaults by engine type when unset.
func (c *Config) SegmentSize(cache string) int64 {
	if c.v.IsSet(c.scoped(cache, SegmentSizeKey)) {
		return c.size(cache, SegmentSizeKey)
	}
	if c.CacheType(cache) == TypeFile {
		return DefaultFileSegmentSize
	}
	return DefaultOffheapSegmentSize
}

func (c *Config) MaxSize(cache string) int64       { return c.size(cache, MaxSizeKey) }
func (c *Config) StoragePoolSize(cache string) int { return c.integer(cache, StoragePoolKey) }
func (c *Config) BlockWriterBlockSize(cache string) int {
	return c.integer(cache, BlockWriterKey)
}
func (c *Config) EvictionDisabledMode(cache string) bool { return c.boolean(cache, EvictionOffKey) }
func (c *Config) MinActiveDatasetRatio(cache string) float64 {
	return c.float(cache, MinActiveSetKey)
}
func (c *Config) SparseFilesSupport(cache string) bool { return c.boolean(cache, SparseFilesKey) }
func (c *Config) PrefetchBufferSize(cache string) int  { return int(c.size(cache, PrefetchSizeKey)) }

func (c *Config) ScavengerStartRatio(cache string) float64 { return c.float(cache, ScavStartRatioKey) }
func (c *Config) ScavengerStopRatio(cache string) float64  { return c.float(cache, ScavStopRatioKey) }
func (c *Config) ScavengerDumpBelowStart(cache string) float64 {
	return c.float(cache, ScavDumpStartKey)
}
func (c *Config) ScavengerDumpBelowStop(cache string) float64 {
	return c.float(cache, ScavDumpStopKey)
}
func (c *Config) ScavengerDumpBelowStep(cache string) float64 {
	return c.float(cache, ScavDumpStepKey)
}
func (c *Config) ScavengerRunInterval(cache string) time.Duration {
	return time.Duration(c.integer(cache, ScavIntervalKey)) * time.Second
}
func (c *Config) ScavengerMaxSegmentsBeforeStall(cache string) int {
	return c.integer(cache, ScavMaxBeforeStallKey)
}

func (c *Config) NumberOfRanks(cache string) int   { return c.integer(cache, NumberRanksKey) }
func (c *Config) SLRUSegments(cache string) int    { return c.integer(cache, SLRUSegmentsKey) }
func (c *Config) SLRUInsertPoint(cache string) int { return c.integer(cache, SLRUInsertPointKey) }

func (c *Config) AQStartSizeRatio(cache string) float64 { return c.float(cache, AQStartSizeKey) }
func (c *Config) AQMinSizeRatio(cache string) float64   { return c.float(cache, AQMinSizeKey) }
func (c *Config) AQMaxSizeRatio(cache string) float64   { return c.float(cache, AQMaxSizeKey) }
func (c *Config) ReadmissionHitCountMin(cache string) int {
	return c.integer(cache, ReadmissionMinKey)
}
func (c *Config) RandomAdmissionStart(cache string) float64 {
	return c.float(cache, RandomAdmitStartKey)
}
func (c *Config) RandomAdmissionStop(cache string) float64 {
	return c.float(cache, RandomAdmitStopKey)
}
func (c *Config) ExpireBinStart(cache string) int64 {
	return int64(c.integer(cache, ExpireBinStartKey))
}
func (c *Config) ExpireBinMultiplier(cache string) float64 {
	return c.float(cache, ExpireMultiplierKey)
}

func (c *Config) WriteRateLimit(cache string) int64 { return c.size(cache, WriteRateLimitKey) }
func (c *Config) ThroughputCheckInterval(cache string) time.Duration {
	return time.Duration(c.integer(cache, ThroughputIntervalKey)) * time.Second
}
func (c *Config) ThroughputTolerance(cache string) float64 {
	return c.float(cache, ThroughputToleranceKey)
}
func (c *Config) ThroughputAdjustmentSteps(cache string) int {
	return c.integer(cache, ThroughputStepsKey)
}
func (c *Config) WritesMaxWaitTime(cache string) time.Duration {
	return time.Duration(c.integer(cache, WritesMaxWaitKey)) * time.Millisecond
}
func (c *Config) WriteRejectionThreshold(cache string) float64 {
	return c.float(cache, WriteRejectionKey)
}

func (c *Config) IndexSlotsPower(cache string) int { return c.integer(cache, IndexSlotsPowerKey) }
func (c *Config) IndexDataEmbedded(cache string) bool {
	return c.boolean(cache, IndexEmbeddedKey)
}
func (c *Config) IndexDataEmbeddedSize(cache string) int {
	return c.integer(cache, IndexEmbeddedSizeKey)
}

func (c *Config) VictimPromotionOnHit(cache string) bool {
	return c.boolean(cache, VictimPromotionKey)
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
