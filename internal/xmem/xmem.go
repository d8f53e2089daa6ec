// Package xmem provides the executable memory arena backing translated-code
// heaps. It is the only package that touches executable host mappings; the
// JIT cache logic above it deals purely in offsets and byte slices.
//
// An arena keeps a writable alias and an executable alias of the same backing
// memory. When the host allows a simultaneously writable and executable
// mapping, both aliases are the same mapping. Otherwise two independent
// mappings of one shared anonymous memory object are used, so no page is ever
// writable and executable at the same time ("W^X" mode).
package xmem

import "errors"

var (
	// ErrUnsupported is returned when the platform cannot provide executable
	// memory at all. Callers fall back to pure interpretation.
	ErrUnsupported = errors.New("xmem: executable memory unsupported on this platform")
)
