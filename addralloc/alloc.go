package addralloc

import (
	"math/bits"
	"sync"

	"github.com/ardnew/usbhostcore/pkg/pkgerr"
)

// MinAddress and MaxAddress bound the allocatable USB device address
// range. Address 0 is reserved for unenumerated devices and is never
// allocated.
const (
	MinAddress = 1
	MaxAddress = 127
)

// numWords is the number of 32-bit bitmaps needed to cover 1-127. Bit i of
// words[w] represents address w*32+i; address 0's bit is permanently
// set (reserved) so it never comes back from a free search.
const numWords = 4

// Allocator hands out USB device addresses from a fixed bitmap. The
// zero value is ready to use.
type Allocator struct {
	mu    sync.Mutex
	words [numWords]uint32
}

// New returns an Allocator with address 0 pre-reserved.
func New() *Allocator {
	a := &Allocator{}
	a.words[0] = 1 // bit 0 (address 0) permanently reserved
	return a
}

// Allocate finds and claims the lowest-numbered free address in
// [MinAddress, MaxAddress]. It returns pkgerr.ErrOutOfMemory if every
// address is in use.
func (a *Allocator) Allocate() (uint8, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for w := 0; w < numWords; w++ {
		word := a.words[w]
		if word == ^uint32(0) {
			continue
		}
		bit := bits.TrailingZeros32(^word)
		addr := w*32 + bit
		if addr < MinAddress || addr > MaxAddress {
			continue
		}
		a.words[w] |= 1 << uint(bit)
		return uint8(addr), nil
	}
	return 0, pkgerr.ErrOutOfMemory
}

// Release returns an address to the free pool. Releasing address 0 or an
// address already free is a no-op.
func (a *Allocator) Release(addr uint8) {
	if addr < MinAddress || addr > MaxAddress {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	w, bit := int(addr)/32, uint(int(addr)%32)
	a.words[w] &^= 1 << bit
}

// InUse reports whether addr is currently allocated.
func (a *Allocator) InUse(addr uint8) bool {
	if addr > MaxAddress {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	w, bit := int(addr)/32, uint(int(addr)%32)
	return a.words[w]&(1<<bit) != 0
}

// Count returns the number of addresses currently allocated (excluding
// the permanently reserved address 0).
func (a *Allocator) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := 0
	for w := 0; w < numWords; w++ {
		n += bits.OnesCount32(a.words[w])
	}
	return n - 1 // exclude the reserved address-0 bit
}

// Reset releases every allocated address (address 0 stays reserved).
func (a *Allocator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.words = [numWords]uint32{}
	a.words[0] = 1
}
