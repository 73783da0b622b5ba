package bufpool

import (
	"testing"
	"unsafe"

	"github.com/ardnew/usbhostcore/pkg/pkgerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocRoundsToChunk(t *testing.T) {
	p := New(WithArenaSize(4096))

	buf, err := p.Alloc(1)
	require.NoError(t, err)
	assert.Equal(t, 1, buf.chunks)
	assert.Len(t, buf.Bytes(), 1)
}

func TestAllocZeroInvalid(t *testing.T) {
	p := New()
	_, err := p.Alloc(0)
	assert.ErrorIs(t, err, pkgerr.ErrInvalidParameter)
}

func TestFreeCoalesces(t *testing.T) {
	p := New(WithArenaSize(4 * ChunkSize))

	a, err := p.Alloc(ChunkSize)
	require.NoError(t, err)
	b, err := p.Alloc(ChunkSize)
	require.NoError(t, err)
	c, err := p.Alloc(ChunkSize)
	require.NoError(t, err)

	require.NoError(t, p.Free(b))
	require.NoError(t, p.Free(a))
	require.NoError(t, p.Free(c))

	stats := p.Stats()
	assert.Equal(t, stats.TotalBytes, stats.FreeBytes, "all chunks should have coalesced back into one free run")

	// A single allocation spanning the whole arena should now succeed.
	whole, err := p.Alloc(4 * ChunkSize)
	require.NoError(t, err)
	assert.Len(t, whole.Bytes(), 4*ChunkSize)
}

func TestGrowsOnExhaustion(t *testing.T) {
	p := New(WithArenaSize(ChunkSize))

	_, err := p.Alloc(ChunkSize)
	require.NoError(t, err)

	_, err = p.Alloc(ChunkSize)
	require.NoError(t, err, "pool should have grown a second arena")

	assert.Equal(t, 2, p.Stats().Arenas)
}

func TestMaxArenasBounded(t *testing.T) {
	p := New(WithArenaSize(ChunkSize), WithMaxArenas(1))

	_, err := p.Alloc(ChunkSize)
	require.NoError(t, err)

	_, err = p.Alloc(ChunkSize)
	assert.ErrorIs(t, err, pkgerr.ErrOutOfMemory)
}

func TestFreeNilIsNoop(t *testing.T) {
	p := New()
	assert.NoError(t, p.Free(nil))
}

func TestFreeAlreadyFreedIsNoop(t *testing.T) {
	p := New()
	buf, err := p.Alloc(ChunkSize)
	require.NoError(t, err)

	require.NoError(t, p.Free(buf))
	assert.NoError(t, p.Free(buf))
}

func TestAllocAlignedRejectsNonPowerOfTwo(t *testing.T) {
	p := New()
	_, err := p.AllocAligned(128, 3*pageSize)
	assert.ErrorIs(t, err, pkgerr.ErrInvalidParameter)
}

func TestAllocAlignedRejectsPageOrSmaller(t *testing.T) {
	p := New()
	_, err := p.AllocAligned(128, pageSize)
	assert.ErrorIs(t, err, pkgerr.ErrInvalidParameter)
}

func TestAllocAlignedReturnsAlignedAndSizedBuffer(t *testing.T) {
	p := New()
	const alignment = 2 * pageSize

	buf, err := p.AllocAligned(256, alignment)
	require.NoError(t, err)
	assert.Len(t, buf.Bytes(), 256)

	addr := uintptr(unsafe.Pointer(&buf.Bytes()[0]))
	assert.Zero(t, addr%alignment, "buffer address should be aligned to %d", alignment)
}

func TestAllocAlignedBufferFreesCleanly(t *testing.T) {
	p := New()
	buf, err := p.AllocAligned(256, 2*pageSize)
	require.NoError(t, err)
	assert.NoError(t, p.Free(buf))
	assert.Empty(t, buf.Bytes())
}

func TestAllocLargerThanArena(t *testing.T) {
	p := New(WithArenaSize(ChunkSize))

	buf, err := p.Alloc(10 * ChunkSize)
	require.NoError(t, err)
	assert.Len(t, buf.Bytes(), 10*ChunkSize)
}
