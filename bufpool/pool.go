package bufpool

import (
	"sync"
	"unsafe"

	"github.com/ardnew/usbhostcore/pkg/pkgerr"
	"github.com/ardnew/usbhostcore/pkg/pkglog"
)

// ChunkSize is the granularity of every allocation (specification §4.1).
// A request is rounded up to the next multiple of ChunkSize.
const ChunkSize = 32

// DefaultArenaSize is the size of an arena allocated when the pool grows.
// It is a whole multiple of ChunkSize and of the common 4096-byte page
// size so arenas stay DMA-friendly on platforms that care.
const DefaultArenaSize = 64 * 1024

// pageSize is the boundary AllocAligned's alignment argument must
// exceed; it matches the common 4 KiB MMU page used elsewhere in this
// package's arena sizing.
const pageSize = 4096

// run describes a contiguous span of free chunks within an arena,
// expressed as a chunk index and a chunk count.
type run struct {
	start  int
	length int
}

// arena is one contiguous backing allocation carved into chunks.
type arena struct {
	mem  []byte
	free []run // address-ordered, non-adjacent
}

func newArena(size int) *arena {
	chunks := size / ChunkSize
	return &arena{
		mem:  make([]byte, chunks*ChunkSize),
		free: []run{{start: 0, length: chunks}},
	}
}

func (a *arena) chunks() int { return len(a.mem) / ChunkSize }

// firstFit finds the first free run able to hold n chunks and carves it,
// returning the starting chunk index. Returns -1 if no run fits.
func (a *arena) firstFit(n int) int {
	for i, r := range a.free {
		if r.length < n {
			continue
		}
		start := r.start
		if r.length == n {
			a.free = append(a.free[:i], a.free[i+1:]...)
		} else {
			a.free[i] = run{start: r.start + n, length: r.length - n}
		}
		return start
	}
	return -1
}

// release returns a run of chunks to the free list, coalescing with
// immediate neighbors so fragmentation does not accumulate.
func (a *arena) release(start, length int) {
	r := run{start: start, length: length}

	i := 0
	for i < len(a.free) && a.free[i].start < r.start {
		i++
	}

	// Merge with predecessor if adjacent.
	if i > 0 && a.free[i-1].start+a.free[i-1].length == r.start {
		r.start = a.free[i-1].start
		r.length += a.free[i-1].length
		i--
		a.free = append(a.free[:i], a.free[i+1:]...)
	}

	// Merge with successor if adjacent.
	if i < len(a.free) && r.start+r.length == a.free[i].start {
		r.length += a.free[i].length
		a.free = append(a.free[:i], a.free[i+1:]...)
	}

	a.free = append(a.free, run{})
	copy(a.free[i+1:], a.free[i:])
	a.free[i] = r
}

// Buffer is a handle to an allocation returned by Pool.Alloc. It must be
// passed back to Pool.Free exactly once; the byte slice it wraps becomes
// invalid the instant Free returns.
type Buffer struct {
	data   []byte
	arena  *arena
	offset int // chunk index within arena
	chunks int

	// raw is set instead of arena for a buffer obtained from
	// AllocAligned: a direct, over-sized allocation sliced down to an
	// aligned offset, held here only to keep it reachable while data
	// is in use.
	raw []byte
}

// Bytes returns the allocation's backing slice, length exactly the
// requested size (not rounded up to the chunk boundary).
func (b *Buffer) Bytes() []byte { return b.data }

// Option configures a Pool at construction time.
type Option func(*Pool)

// WithArenaSize overrides the size of arenas allocated as the pool grows.
func WithArenaSize(size int) Option {
	return func(p *Pool) {
		if size >= ChunkSize {
			p.arenaSize = size - (size % ChunkSize)
		}
	}
}

// WithMaxArenas bounds the number of arenas the pool may allocate. Zero
// (the default) means unbounded growth.
func WithMaxArenas(n int) Option {
	return func(p *Pool) { p.maxArenas = n }
}

// Pool is a chunked arena allocator. The zero value is not usable; build
// one with New.
type Pool struct {
	mu        sync.Mutex
	arenas    []*arena
	arenaSize int
	maxArenas int
}

// New constructs a Pool with one initial arena.
func New(opts ...Option) *Pool {
	p := &Pool{arenaSize: DefaultArenaSize}
	for _, opt := range opts {
		opt(p)
	}
	p.arenas = append(p.arenas, newArena(p.arenaSize))
	return p
}

// Alloc returns a Buffer holding at least size bytes, rounded up to the
// nearest chunk. It grows the pool by one arena if no existing arena has
// a large-enough free run and growth has not hit WithMaxArenas.
func (p *Pool) Alloc(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, pkgerr.ErrInvalidParameter
	}

	need := (size + ChunkSize - 1) / ChunkSize

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, a := range p.arenas {
		if start := a.firstFit(need); start >= 0 {
			buf := &Buffer{
				data:   a.mem[start*ChunkSize : start*ChunkSize+size],
				arena:  a,
				offset: start,
				chunks: need,
			}
			return buf, nil
		}
	}

	if p.maxArenas > 0 && len(p.arenas) >= p.maxArenas {
		pkglog.Warn(pkglog.ComponentBufPool, "pool exhausted", "arenas", len(p.arenas))
		return nil, pkgerr.ErrOutOfMemory
	}

	arenaSize := p.arenaSize
	if need*ChunkSize > arenaSize {
		arenaSize = need * ChunkSize
	}
	a := newArena(arenaSize)
	start := a.firstFit(need)
	if start < 0 {
		return nil, pkgerr.ErrOutOfMemory
	}
	p.arenas = append(p.arenas, a)

	pkglog.Debug(pkglog.ComponentBufPool, "grew pool", "arenas", len(p.arenas), "arena_size", arenaSize)

	return &Buffer{
		data:   a.mem[start*ChunkSize : start*ChunkSize+size],
		arena:  a,
		offset: start,
		chunks: need,
	}, nil
}

// AllocAligned returns a Buffer of exactly size bytes whose backing
// address is a multiple of alignment, which must be a power of two
// larger than a page (specification §4.1's third operation). Requests
// at this granularity are served by a direct allocation outside the
// chunked arenas, over-sized enough to guarantee an aligned offset
// exists within it, since no arena run can promise alignment beyond
// ChunkSize.
func (p *Pool) AllocAligned(size, alignment int) (*Buffer, error) {
	if size <= 0 || alignment <= pageSize || alignment&(alignment-1) != 0 {
		return nil, pkgerr.ErrInvalidParameter
	}

	raw := make([]byte, size+alignment-1)
	base := uintptr(unsafe.Pointer(&raw[0]))
	offset := int((uintptr(alignment) - base%uintptr(alignment)) % uintptr(alignment))

	pkglog.Debug(pkglog.ComponentBufPool, "direct aligned allocation", "size", size, "alignment", alignment)

	return &Buffer{
		data: raw[offset : offset+size],
		raw:  raw,
	}, nil
}

// Free returns a Buffer to the pool. Freeing a nil Buffer, or one
// already freed, is a no-op (specification §4.1).
func (p *Pool) Free(b *Buffer) error {
	if b == nil || len(b.data) == 0 {
		return nil
	}

	if b.arena == nil {
		// Direct AllocAligned allocation: nothing to coalesce, just
		// drop the reference and let the garbage collector reclaim it.
		b.data = nil
		b.raw = nil
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	b.arena.release(b.offset, b.chunks)
	b.data = nil
	b.arena = nil
	return nil
}

// Stats reports pool occupancy, useful for diagnostics and tests.
type Stats struct {
	Arenas     int
	TotalBytes int
	FreeBytes  int
}

// Stats returns a snapshot of current pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	var s Stats
	s.Arenas = len(p.arenas)
	for _, a := range p.arenas {
		s.TotalBytes += len(a.mem)
		for _, r := range a.free {
			s.FreeBytes += r.length * ChunkSize
		}
	}
	return s
}
