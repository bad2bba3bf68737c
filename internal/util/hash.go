package util

import "github.com/cespare/xxhash/v2"

// Hash64 is the single hash function used by all index structures.
// Slot addressing takes the top bits, so the high bits must be well mixed.
func Hash64(b []byte) uint64 {
	return xxhash.Sum64(b)
}
