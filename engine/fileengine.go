package engine

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/facebookgo/stackerr"

	"github.com/kzheludkov/carrot-cache/config"
	"github.com/kzheludkov/carrot-cache/internal/clock"
	"github.com/kzheludkov/carrot-cache/log"
)

// Segment file layout: a fixed header followed by raw item bytes.
//
//	id, rank, totalItems, activeItems, maxExpireAt, created, dataSize — u64 each
const fileHeaderSize = 7 * 8

// NewFile creates the disk-resident engine. Sealed segments persist as one
// file per segment id under the cache's data directory; open segments buffer
// writes in RAM until sealed.
func NewFile(l log.Logger, conf *config.Config, cacheName string, clk clock.Clock) (*Engine, error) {
	dataDir := filepath.Join(conf.DataDir(cacheName), cacheName)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, stackerr.Wrap(err)
	}
	be := &fileBackend{
		dataDir:      dataDir,
		prefetchSize: conf.PrefetchBufferSize(cacheName),
		sparse:       conf.SparseFilesSupport(cacheName),
		files:        make(map[int]*os.File),
	}
	e := newEngine(l, conf, cacheName, clk, be)
	be.log = e.log
	return e, nil
}

type fileBackend struct {
	log          log.Logger
	dataDir      string
	prefetchSize int
	sparse       bool

	mu    sync.Mutex
	files map[int]*os.File
}

func (b *fileBackend) path(id int) string {
	return segmentPath(b.dataDir, id)
}

func (b *fileBackend) fileFor(id int) (*os.File, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if f, ok := b.files[id]; ok {
		return f, nil
	}
	f, err := os.OpenFile(b.path(id), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, stackerr.Wrap(err)
	}
	b.files[id] = f
	return f, nil
}

// sealed flushes the segment to its file in the background and drops the
// RAM buffer once the file is durable. Until then reads keep hitting RAM.
func (b *fileBackend) sealed(e *Engine, s *Segment) {
	go func() {
		if err := b.writeSegmentFile(s); err != nil {
			// The segment stays readable from RAM; the next save retries.
			b.log.Errorf("segment %d save: %v", s.ID(), err)
			return
		}
		s.dropBuffer()
	}()
}

func (b *fileBackend) writeSegmentFile(s *Segment) error {
	f, err := b.fileFor(s.ID())
	if err != nil {
		return err
	}
	return writeSegmentTo(f, s)
}

// saveSegments flushes the segments that still buffer in RAM: open ones and
// sealed ones whose background save has not finished.
func (b *fileBackend) saveSegments(e *Engine) error {
	for _, s := range e.Segments() {
		s.mu.RLock()
		inRAM := s.buf != nil
		s.mu.RUnlock()
		if !inRAM {
			continue
		}
		if err := b.writeSegmentFile(s); err != nil {
			return err
		}
		if s.Sealed() {
			s.dropBuffer()
		}
	}
	return nil
}

// loadSegments restores RAM buffers for open segments only; sealed ones are
// served from their files.
func (b *fileBackend) loadSegments(e *Engine) error {
	for _, s := range e.Segments() {
		if s.Sealed() {
			s.dropBuffer()
			continue
		}
		if err := readSegmentData(b.path(s.ID()), s); err != nil {
			return err
		}
	}
	return nil
}

func (b *fileBackend) read(e *Engine, s *Segment, offset int64, buf []byte) error {
	if s.readAt(buf, offset) {
		return nil
	}
	f, err := b.fileFor(s.ID())
	if err != nil {
		return err
	}
	if _, err := f.ReadAt(buf, fileHeaderSize+offset); err != nil {
		return stackerr.Wrap(err)
	}
	return nil
}

func (b *fileBackend) scanner(e *Engine, s *Segment) (SegmentScanner, error) {
	s.mu.RLock()
	inRAM := s.buf != nil
	s.mu.RUnlock()
	if inRAM {
		return newMemScanner(s), nil
	}
	f, err := os.Open(b.path(s.ID()))
	if err != nil {
		return nil, stackerr.Wrap(err)
	}
	sc := newFileScanner(f, s, b.prefetchSize)
	sc.close = f.Close
	return sc, nil
}

func (b *fileBackend) release(e *Engine, s *Segment) {
	b.mu.Lock()
	if f, ok := b.files[s.ID()]; ok {
		f.Close()
		delete(b.files, s.ID())
	}
	b.mu.Unlock()
	if err := os.Remove(b.path(s.ID())); err != nil && !os.IsNotExist(err) {
		b.log.Errorf("segment %d file remove: %v", s.ID(), err)
	}
}

// punch releases an intra-segment byte range as a filesystem hole, letting
// the scavenger free dead-item space without rewriting the file.
func (b *fileBackend) punch(e *Engine, s *Segment, offset, length int64) {
	if !b.sparse || length == 0 {
		return
	}
	s.mu.RLock()
	inRAM := s.buf != nil
	s.mu.RUnlock()
	if inRAM {
		return
	}
	f, err := b.fileFor(s.ID())
	if err != nil {
		return
	}
	if err := punchHole(f, fileHeaderSize+offset, length); err != nil {
		b.log.Debugf("segment %d hole punch: %v", s.ID(), err)
	}
}
