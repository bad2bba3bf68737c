// Package clock abstracts time for components with periodic behavior,
// so tests can drive timers deterministically.
package clock

import (
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
	// NowUnixMilli is what expiration checks compare against.
	NowUnixMilli() int64
	NewTicker(d time.Duration) Ticker
	Sleep(d time.Duration)
}

type Ticker interface {
	C() <-chan time.Time
	Stop()
}

func New() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time                   { return time.Now() }
func (realClock) NowUnixMilli() int64              { return time.Now().UnixMilli() }
func (realClock) Sleep(d time.Duration)            { time.Sleep(d) }
func (realClock) NewTicker(d time.Duration) Ticker { return realTicker{time.NewTicker(d)} }

type realTicker struct{ t *time.Ticker }

func (t realTicker) C() <-chan time.Time { return t.t.C }
func (t realTicker) Stop()               { t.t.Stop() }

// Manual is a hand-driven clock for tests.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*manualTicker
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) NowUnixMilli() int64 { return m.Now().UnixMilli() }

func (m *Manual) Sleep(d time.Duration) { m.Advance(d) }

// Advance moves time forward and fires due tickers.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	now := m.now
	tickers := append([]*manualTicker(nil), m.tickers...)
	m.mu.Unlock()
	for _, t := range tickers {
		t.maybeFire(now)
	}
}

func (m *Manual) NewTicker(d time.Duration) Ticker {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTicker{
		c:    make(chan time.Time, 1),
		next: m.now.Add(d),
		d:    d,
	}
	m.tickers = append(m.tickers, t)
	return t
}

type manualTicker struct {
	mu      sync.Mutex
	c       chan time.Time
	next    time.Time
	d       time.Duration
	stopped bool
}

func (t *manualTicker) C() <-chan time.Time { return t.c }

func (t *manualTicker) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *manualTicker) maybeFire(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	for !t.next.After(now) {
		select {
		case t.c <- t.next:
		default:
		}
		t.next = t.next.Add(t.d)
	}
}
