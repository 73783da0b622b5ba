// Package addralloc allocates and releases USB device addresses (1-127)
// using four 32-bit bitmaps (specification §4.2). Address 0 is never
// handed out; it is the permanent default address new, unenumerated
// devices sit at.
//
// This generalizes the teacher's single-pass linear scan in
// Host.allocateAddress (host/host.go) into a bitmap so the free-address
// search stays O(1) amortized regardless of how many addresses are
// currently in use.
package addralloc
