//go:build !debug
// +build !debug

package tag

// Debug guards expensive invariant checks. Build with -tags debug to enable.
const Debug = false
