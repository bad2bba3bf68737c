package controllers

import "github.com/kzheludkov/carrot-cache/engine"

// RecyclingSelector picks the victim segment for a scavenger run.
// Only sealed segments are candidates.
type RecyclingSelector interface {
	Select(segments []*engine.Segment, nowMilli int64) *engine.Segment
}

// RecyclingKind names the built-in selectors.
type RecyclingKind string

const (
	RecycleMinAlive RecyclingKind = "min-alive"
	RecycleLRC      RecyclingKind = "lrc"
)

// MinAliveSelector picks the sealed segment with the fewest active items.
// A segment whose latest expiration time has passed is taken immediately.
// Items stored without an expiration do not count toward that time, so such
// a segment can still hold live items.
type MinAliveSelector struct{}

func (MinAliveSelector) Select(segments []*engine.Segment, nowMilli int64) *engine.Segment {
	var best *engine.Segment
	minActive := int64(1<<63 - 1)
	for _, s := range segments {
		if s == nil || !s.Sealed() {
			continue
		}
		info := s.Info()
		if info.MaxExpireAt > 0 && nowMilli > info.MaxExpireAt {
			return s
		}
		if info.TotalActiveItems < minActive {
			minActive = info.TotalActiveItems
			best = s
		}
	}
	return best
}

// LRCSelector picks the least recently created sealed segment, approximating
// FIFO reclamation.
type LRCSelector struct{}

func (LRCSelector) Select(segments []*engine.Segment, nowMilli int64) *engine.Segment {
	var best *engine.Segment
	for _, s := range segments {
		if s == nil || !s.Sealed() {
			continue
		}
		if best == nil || s.Info().CreationTime < best.Info().CreationTime {
			best = s
		}
	}
	return best
}
