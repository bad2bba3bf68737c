package engine

import (
	"io"
	"os"

	"github.com/facebookgo/stackerr"
)

// PrefetchBuffer reads a segment file sequentially through a sliding window,
// so a scavenger pass over a 256 MiB file issues large reads instead of one
// read per item.
type PrefetchBuffer struct {
	file    *os.File
	fileOff int64 // next file offset to fill the window from
	left    int64 // unread bytes of the readable region

	buf  []byte
	head int // consumed bytes within buf
	fill int // valid bytes within buf
}

// NewPrefetchBuffer reads the region [start, start+length) of file.
func NewPrefetchBuffer(file *os.File, start, length int64, windowSize int) *PrefetchBuffer {
	if windowSize <= 0 {
		windowSize = 64 * 1024
	}
	return &PrefetchBuffer{
		file:    file,
		fileOff: start,
		left:    length,
		buf:     make([]byte, windowSize),
	}
}

// window returns the unconsumed bytes without copying.
func (p *PrefetchBuffer) window() []byte { return p.buf[p.head:p.fill] }

// advance consumes n bytes.
func (p *PrefetchBuffer) advance(n int) { p.head += n }

// exhausted reports that no unconsumed bytes remain anywhere.
func (p *PrefetchBuffer) exhausted() bool { return p.left == 0 && p.head == p.fill }

// grow pulls more bytes of the region into the window, compacting and, if
// needed, enlarging it. Returns false when the region is fully read.
func (p *PrefetchBuffer) grow() (bool, error) {
	if p.left == 0 {
		return false, nil
	}
	if p.head > 0 {
		copy(p.buf, p.buf[p.head:p.fill])
		p.fill -= p.head
		p.head = 0
	}
	if p.fill == len(p.buf) {
		grown := make([]byte, 2*len(p.buf))
		copy(grown, p.buf[:p.fill])
		p.buf = grown
	}
	want := len(p.buf) - p.fill
	if int64(want) > p.left {
		want = int(p.left)
	}
	read, err := p.file.ReadAt(p.buf[p.fill:p.fill+want], p.fileOff)
	p.fill += read
	p.fileOff += int64(read)
	p.left -= int64(read)
	if err != nil {
		if err == io.EOF {
			// The file is shorter than the declared region.
			p.left = 0
			return read > 0, nil
		}
		return false, stackerr.Wrap(err)
	}
	return read > 0, nil
}

// fileScanner iterates items of a sealed on-disk segment. A trailing record
// whose frame extends past the region terminates the scan with
// io.ErrUnexpectedEOF; partial records are never surfaced.
type fileScanner struct {
	pb     *PrefetchBuffer
	count  int64
	total  int64
	start  int64
	off    int64
	expire int64
	key    []byte
	value  []byte
	err    error
	close  func() error
}

func newFileScanner(file *os.File, s *Segment, windowSize int) *fileScanner {
	return &fileScanner{
		pb:    NewPrefetchBuffer(file, fileHeaderSize, s.DataSize(), windowSize),
		total: s.totalItems.Load(),
	}
}

func (sc *fileScanner) Next() bool {
	if sc.err != nil || sc.count >= sc.total || sc.pb.exhausted() {
		return false
	}
	for {
		expire, k, v, n, ok := parseItem(sc.pb.window())
		if ok {
			sc.expire = expire
			sc.key = append(sc.key[:0], k...)
			sc.value = append(sc.value[:0], v...)
			sc.start = sc.off
			sc.off += int64(n)
			sc.pb.advance(n)
			sc.count++
			return true
		}
		grew, err := sc.pb.grow()
		if err != nil {
			sc.err = err
			return false
		}
		if !grew {
			sc.err = io.ErrUnexpectedEOF
			return false
		}
	}
}

func (sc *fileScanner) Key() []byte   { return sc.key }
func (sc *fileScanner) Value() []byte { return sc.value }
func (sc *fileScanner) Expire() int64 { return sc.expire }

// Offset is the byte offset of the current item within the segment.
func (sc *fileScanner) Offset() int64 { return sc.start }
func (sc *fileScanner) Err() error    { return sc.err }

func (sc *fileScanner) Close() error {
	if sc.close != nil {
		return sc.close()
	}
	return nil
}
