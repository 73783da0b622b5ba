// Package bufpool implements the fixed-chunk arena allocator used to back
// URB data buffers (specification §4.1). Memory is carved from page-sized
// arenas in 32-byte chunks; free chunks are tracked as an address-ordered
// slice of free runs, and adjacent runs are coalesced on release.
//
// The allocator exists because URB buffers must be contiguous and
// reusable without per-transfer garbage, mirroring the teacher's
// zero-allocation-oriented fixed arrays (see host/hal/fifo's txBuf/rxBuf
// pattern) generalized to a general-purpose pool shared by every pipe.
package bufpool
