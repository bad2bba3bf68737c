package engine

import (
	"encoding/binary"
	"encoding/gob"
	"io"
	"os"

	"github.com/facebookgo/stackerr"
)

// engineSnapshot is the gob-encoded engine metadata. Segment payloads live
// in the data directory (one file per segment); the index follows the
// snapshot in the same stream.
type engineSnapshot struct {
	SegmentSize  int64
	DataSize     int64
	NumIDs       int
	FreeIDs      []int
	Segments     []Info
	ActiveByRank []int
}

// Save persists engine metadata and the index; segment payloads are flushed
// to the data directory first. The engine must be quiesced.
func (e *Engine) Save(w io.Writer) error {
	if err := e.be.saveSegments(e); err != nil {
		return err
	}
	e.mu.Lock()
	snap := engineSnapshot{
		SegmentSize:  e.segmentSize,
		DataSize:     e.dataSize.Load(),
		NumIDs:       len(e.segments),
		FreeIDs:      append([]int(nil), e.freeIDs...),
		ActiveByRank: make([]int, len(e.active)),
	}
	for _, s := range e.segments {
		if s != nil {
			snap.Segments = append(snap.Segments, s.Info())
		}
	}
	for r, s := range e.active {
		snap.ActiveByRank[r] = -1
		if s != nil {
			snap.ActiveByRank[r] = s.ID()
		}
	}
	e.mu.Unlock()
	if err := gob.NewEncoder(w).Encode(&snap); err != nil {
		return stackerr.Wrap(err)
	}
	return e.idx.Save(w)
}

// Load restores a saved engine. The receiver must be freshly constructed
// with the same configuration.
func (e *Engine) Load(r io.Reader) error {
	var snap engineSnapshot
	if err := gob.NewDecoder(r).Decode(&snap); err != nil {
		return stackerr.Wrap(err)
	}
	e.mu.Lock()
	e.segments = make([]*Segment, snap.NumIDs)
	e.freeIDs = append([]int(nil), snap.FreeIDs...)
	for _, info := range snap.Segments {
		s := NewSegment(info.ID, info.Rank, e.segmentSize, info.CreationTime)
		s.dataSize.Store(info.DataSize)
		s.totalItems.Store(info.TotalItems)
		s.activeItems.Store(info.TotalActiveItems)
		s.maxExpireAt.Store(info.MaxExpireAt)
		s.sealed.Store(info.Sealed)
		e.segments[info.ID] = s
	}
	for r, id := range snap.ActiveByRank {
		if r < len(e.active) && id >= 0 && id < len(e.segments) {
			e.active[r] = e.segments[id]
		}
	}
	e.dataSize.Store(snap.DataSize)
	e.allocSize.Store(int64(len(snap.Segments)) * e.segmentSize)
	e.mu.Unlock()
	if err := e.be.loadSegments(e); err != nil {
		return err
	}
	return e.idx.Load(r)
}

// writeSegmentTo writes the segment file: fixed header, then raw items.
func writeSegmentTo(f *os.File, s *Segment) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.buf == nil {
		// A concurrent save already wrote the file and dropped the buffer.
		return nil
	}
	var hdr [fileHeaderSize]byte
	info := s.Info()
	for i, v := range []int64{
		int64(info.ID), int64(info.Rank), info.TotalItems,
		info.TotalActiveItems, info.MaxExpireAt, info.CreationTime, info.DataSize,
	} {
		binary.BigEndian.PutUint64(hdr[8*i:], uint64(v))
	}
	if _, err := f.WriteAt(hdr[:], 0); err != nil {
		return stackerr.Wrap(err)
	}
	data := s.buf[:info.DataSize]
	if _, err := f.WriteAt(data, fileHeaderSize); err != nil {
		return stackerr.Wrap(err)
	}
	return stackerr.Wrap(f.Sync())
}

// readSegmentData loads the item bytes of a segment file into s.buf.
func readSegmentData(path string, s *Segment) error {
	f, err := os.Open(path)
	if err != nil {
		return stackerr.Wrap(err)
	}
	defer f.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf == nil {
		s.buf = make([]byte, s.capacity)
	}
	_, err = io.ReadFull(io.NewSectionReader(f, fileHeaderSize, s.dataSize.Load()),
		s.buf[:s.dataSize.Load()])
	return stackerr.Wrap(err)
}
