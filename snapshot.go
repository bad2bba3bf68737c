package carrot

import (
	"bufio"
	"encoding/gob"
	"io"
	"os"
	"path/filepath"

	"github.com/facebookgo/stackerr"

	"github.com/kzheludkov/carrot-cache/config"
)

// cacheSnapshot holds the facade counters and epoch; everything else is
// persisted by the owning component into its own file.
type cacheSnapshot struct {
	Gets       int64
	Hits       int64
	Writes     int64
	Rejected   int64
	EpochStart int64
	TCEnabled  bool
}

func (c *Cache) snapshotDir() string {
	return filepath.Join(c.conf.SnapshotDir(c.name), c.name)
}

// Save persists the cache to its snapshot directory: facade counters,
// admission state, throughput controller, scavenger stats and the engine
// (segment metadata, slot array and index blocks). An in-flight rehash is
// forced to completion. The cache must be quiesced; the victim tier, if
// any, is saved by its own Save.
func (c *Cache) Save() error {
	dir := c.snapshotDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return stackerr.Wrap(err)
	}
	snap := cacheSnapshot{
		Gets:       c.stats.TotalGets(),
		Hits:       c.stats.TotalHits(),
		Writes:     c.stats.TotalWrites(),
		Rejected:   c.stats.TotalRejectedWrites(),
		EpochStart: c.epochStart,
		TCEnabled:  c.tcEnabled,
	}
	err := writeFileWith(filepath.Join(dir, config.CacheSnapshotName), func(w io.Writer) error {
		return stackerr.Wrap(gob.NewEncoder(w).Encode(&snap))
	})
	if err != nil {
		return err
	}
	steps := []struct {
		file string
		save func(io.Writer) error
	}{
		{config.AdmissionSnapshotName, c.admission.Save},
		{config.ThroughputSnapshotName, c.throughput.Save},
		{config.ScavengerSnapshotName, c.scav.Save},
		{config.EngineSnapshotName, c.engine.Save},
	}
	for _, st := range steps {
		if err := writeFileWith(filepath.Join(dir, st.file), st.save); err != nil {
			return err
		}
	}
	c.log.Infof("cache saved to %s", dir)
	return nil
}

// Load restores a previously saved cache. Missing snapshot files are not an
// error: the cache simply starts fresh.
func (c *Cache) Load() error {
	dir := c.snapshotDir()
	var snap cacheSnapshot
	found, err := readFileWith(filepath.Join(dir, config.CacheSnapshotName), func(r io.Reader) error {
		return stackerr.Wrap(gob.NewDecoder(r).Decode(&snap))
	})
	if err != nil {
		return err
	}
	if found {
		c.stats.restore(snap.Gets, snap.Hits, snap.Writes, snap.Rejected)
		c.epochStart = snap.EpochStart
		c.tcEnabled = snap.TCEnabled
	}
	steps := []struct {
		file string
		load func(io.Reader) error
	}{
		{config.AdmissionSnapshotName, c.admission.Load},
		{config.ThroughputSnapshotName, c.throughput.Load},
		{config.ScavengerSnapshotName, c.scav.Load},
		{config.EngineSnapshotName, c.engine.Load},
	}
	for _, st := range steps {
		if _, err := readFileWith(filepath.Join(dir, st.file), st.load); err != nil {
			return err
		}
	}
	return nil
}

func writeFileWith(path string, save func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return stackerr.Wrap(err)
	}
	if err := save(f); err != nil {
		f.Close()
		return err
	}
	return stackerr.Wrap(f.Close())
}

func readFileWith(path string, load func(io.Reader) error) (found bool, err error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, stackerr.Wrap(err)
	}
	defer f.Close()
	// The bufio.Reader makes the stream an io.ByteReader: gob decoders then
	// read exactly their own messages, which matters for files holding more
	// than one gob stream (engine metadata followed by the index).
	return true, load(bufio.NewReader(f))
}
