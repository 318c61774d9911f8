package page

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRoundsUpToWholeChunks(t *testing.T) {
	p := New(10, 4)
	assert.Equal(t, 3, p.Locations())
	assert.Equal(t, 4, p.ChunkSize())
}

func TestAllocateContiguousRun(t *testing.T) {
	p := New(64, 8)

	first := p.Allocate(16) // 2 locations
	require.NotNil(t, first)

	info := p.ContainsInfo(first)
	assert.Equal(t, InRangeAllocatedStart, info.Found)
	assert.Equal(t, 0, info.StartLocation)

	mid := unsafe.Add(first, 8)
	midInfo := p.ContainsInfo(mid)
	assert.Equal(t, InRangeAllocatedMiddle, midInfo.Found)
	assert.Equal(t, 0, midInfo.StartLocation, "StartLocation must be the allocation's true start, not mid's own slot")
	assert.Equal(t, first, midInfo.Pointer)
}

func TestAllocateReturnsNilWhenFull(t *testing.T) {
	p := New(16, 8) // exactly 2 locations

	first := p.Allocate(16)
	require.NotNil(t, first)

	second := p.Allocate(8)
	assert.Nil(t, second, "page has no room left")
}

func TestAllocateSkipsOccupiedRuns(t *testing.T) {
	p := New(32, 8) // 4 locations

	a := p.Allocate(8)
	require.NotNil(t, a)
	b := p.Allocate(8)
	require.NotNil(t, b)

	p.Deallocate(a)

	c := p.Allocate(16) // needs 2 contiguous locations; only [2,3] qualifies
	require.NotNil(t, c)
	info := p.ContainsInfo(c)
	assert.Equal(t, 2, info.StartLocation)
}

func TestDeallocateFreesMiddleLocationsToo(t *testing.T) {
	p := New(32, 8)

	a := p.Allocate(24) // 3 locations
	require.NotNil(t, a)
	p.Deallocate(a)

	for i := 0; i < 3; i++ {
		info := p.LocationInfo(i)
		assert.False(t, info.IsStart)
	}
	// now a full 4-location allocation should fit again
	full := p.Allocate(32)
	assert.NotNil(t, full)
}

func TestDeallocateOfNonStartPanics(t *testing.T) {
	p := New(16, 8)
	a := p.Allocate(16)
	require.NotNil(t, a)
	mid := unsafe.Add(a, 8)

	assert.Panics(t, func() { p.Deallocate(mid) })
}

func TestContainsOutsidePage(t *testing.T) {
	p := New(16, 8)
	var other byte
	assert.False(t, p.Contains(unsafe.Pointer(&other)))

	info := p.ContainsInfo(unsafe.Pointer(&other))
	assert.Equal(t, NotInRange, info.Found)
}

func TestLocationInfoSentinelOnePastEnd(t *testing.T) {
	p := New(16, 8)
	info := p.LocationInfo(p.Locations())
	assert.False(t, info.IsStart)
	assert.NotNil(t, info.Pointer)
}

func TestRequiredLocations(t *testing.T) {
	assert.Equal(t, 1, RequiredLocations(8, 8, 1))
	assert.Equal(t, 2, RequiredLocations(8, 8, 2))
	assert.Equal(t, 4, RequiredLocations(4, 8, 2)) // 16 bytes / 4-byte chunks
}
