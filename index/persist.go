package index

import (
	"encoding/gob"
	"io"

	"github.com/facebookgo/stackerr"
)

// indexSnapshot is the gob-encoded persistent form of the index: counters
// plus raw block bytes per slot. Rehash is forced to completion before save,
// so only the primary table is ever persisted.
type indexSnapshot struct {
	Type            int
	NumRanks        int
	NumEntries      int64
	MaxEntries      int64
	EvictionEnabled bool
	Balance         int64
	Slots           [][]byte
}

// Save persists the index. The index must be otherwise idle.
func (m *MemoryIndex) Save(w io.Writer) error {
	m.CompleteRehashing()
	t := *m.main.Load()
	snap := indexSnapshot{
		Type:            int(m.typ),
		NumRanks:        m.numRanks,
		NumEntries:      m.numEntries.Load(),
		MaxEntries:      m.maxEntries.Load(),
		EvictionEnabled: m.evictionEnabled.Load(),
		Balance:         m.expiredEvictedBalance.Load(),
		Slots:           make([][]byte, len(t)),
	}
	for i, b := range t {
		snap.Slots[i] = b[:b.BlockSize()]
	}
	return stackerr.Wrap(gob.NewEncoder(w).Encode(&snap))
}

// Load restores a previously saved index. The receiver must be freshly
// constructed with a matching type.
func (m *MemoryIndex) Load(r io.Reader) error {
	var snap indexSnapshot
	if err := gob.NewDecoder(r).Decode(&snap); err != nil {
		return stackerr.Wrap(err)
	}
	if Type(snap.Type) != m.typ {
		return stackerr.Newf("index type mismatch: saved %d, constructed %d", snap.Type, m.typ)
	}
	t := make(table, len(snap.Slots))
	var allocated int64
	for i, raw := range snap.Slots {
		b := make(Block, len(raw))
		copy(b, raw)
		t[i] = b
		allocated += int64(len(b))
	}
	m.main.Store(&t)
	m.rehashTable.Store(nil)
	m.rehashed.Store(0)
	m.rehashing.Store(false)
	m.numRanks = snap.NumRanks
	m.numEntries.Store(snap.NumEntries)
	m.maxEntries.Store(snap.MaxEntries)
	m.evictionEnabled.Store(snap.EvictionEnabled)
	m.expiredEvictedBalance.Store(snap.Balance)
	m.allocated.Store(allocated)
	return nil
}
