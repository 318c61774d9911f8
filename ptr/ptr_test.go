package ptr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galloc/deferredheap/heap"
)

// Node is the plain (no Destroy) fixture used by the Make/MustGet/Release
// tests below: an embedded TrackedPtr for the one case (self-registering
// non-root) the heap package's reflection walk has to get right.
type Node struct {
	Value int
	Next  TrackedPtr[Node]
	Peer  TrackedPtr[Node]
}

// probeNode additionally implements Destroyer so tests can observe exactly
// once, null-partner destructor semantics.
type probeNode struct {
	Value     int
	Peer      TrackedPtr[probeNode]
	destroyed *int
	sawPeer   *bool
}

func (p *probeNode) Destroy() {
	*p.destroyed++
	*p.sawPeer = !p.Peer.IsNull()
}

// selfAllocating is the scenario-5 fixture: a Destroy method that reenters
// the heap it's being destroyed from.
type selfAllocating struct {
	h *heap.Heap
}

func (s *selfAllocating) Destroy() {
	Make(s.h, func(n *selfAllocating) { n.h = s.h })
}

func TestMakeReturnsUsableRoot(t *testing.T) {
	h := heap.New()
	n := Make(h, func(n *Node) { n.Value = 42 })
	require.False(t, n.IsNull())
	assert.Equal(t, 42, n.MustGet().Value)
}

func TestMakeRegistersEmbeddedFieldsAsNonRoot(t *testing.T) {
	h := heap.New()
	a := Make(h, func(n *Node) { n.Value = 1 })
	b := Make(h, func(n *Node) { n.Value = 2 })

	a.MustGet().Next.Set(*b)
	b.Release() // b is reachable only through a.Next now

	h.Collect()
	assert.Equal(t, 2, a.MustGet().Next.MustGet().Value, "b is reachable through a.Next and must survive")
}

func TestMustGetPanicsOnNull(t *testing.T) {
	h := heap.New()
	n := NewRoot[Node](h)
	assert.Panics(t, func() { n.MustGet() })
}

func TestLinearChainScenario(t *testing.T) {
	h := heap.New()
	destroyed := 0
	sawPeer := false

	r := Make(h, func(n *probeNode) { n.destroyed = &destroyed; n.sawPeer = &sawPeer })
	second := Make(h, func(n *probeNode) { n.destroyed = &destroyed; n.sawPeer = &sawPeer })
	third := Make(h, func(n *probeNode) { n.destroyed = &destroyed; n.sawPeer = &sawPeer })

	r.MustGet().Peer.Set(*second)
	second.MustGet().Peer.Set(*third)
	second.Release() // second and third are now reachable only through r's chain
	third.Release()

	h.Collect()
	assert.Equal(t, 0, destroyed, "all three are reachable from the root")

	second.MustGet().Peer.SetNil()
	h.Collect()
	assert.Equal(t, 1, destroyed, "dropping the link to the third node must destroy exactly it")
}

func TestSimpleCycleScenario(t *testing.T) {
	h := heap.New()
	destroyed := 0
	aSawPeerNonNil, bSawPeerNonNil := true, true

	a := Make(h, func(n *probeNode) { n.destroyed = &destroyed; n.sawPeer = &aSawPeerNonNil })
	b := Make(h, func(n *probeNode) { n.destroyed = &destroyed; n.sawPeer = &bSawPeerNonNil })

	a.MustGet().Peer.Set(*b)
	b.MustGet().Peer.Set(*a)

	a.Release()
	b.Release()

	h.Collect()

	assert.Equal(t, 2, destroyed)
	assert.False(t, aSawPeerNonNil, "a's destructor must have observed a nil peer")
	assert.False(t, bSawPeerNonNil, "b's destructor must have observed a nil peer")
}

func TestArrayScenario(t *testing.T) {
	h := heap.New()
	type cell struct{ v int }

	arr := MakeArray[cell](h, 10)
	for i := 0; i < 10; i++ {
		arr.Index(i).v = i
	}
	for i := 0; i < 10; i++ {
		assert.Equal(t, i, arr.Index(i).v)
	}

	before := h.PageCount()
	arr.Release()
	h.Collect()

	arr2 := MakeArray[cell](h, 10)
	require.False(t, arr2.IsNull())
	assert.Equal(t, before, h.PageCount(), "reusing the freed array should not grow the page")
}

func TestPointerToInteriorElementKeepsArrayAliveAcrossCollect(t *testing.T) {
	h := heap.New()
	type cell struct{ v int }

	arr := MakeArray[cell](h, 4)
	for i := 0; i < 4; i++ {
		arr.Index(i).v = i
	}

	// arr.Index(2) is a middle location of the array's allocation, not its
	// start — this is exactly the address shape whose start-location lookup
	// must resolve back to the allocation's true start, not its own slot.
	interior := PointerTo(h, arr.Index(2))
	arr.Release()

	h.Collect()

	require.False(t, interior.IsNull())
	assert.Equal(t, 2, interior.MustGet().v, "a root into a middle element must keep the whole allocation alive")
}

func TestNestedAllocationDuringTeardownPanics(t *testing.T) {
	h := heap.New()
	Make(h, func(n *selfAllocating) { n.h = h })

	assert.Panics(t, func() { h.Close() })
}

func TestDeepCycleScenario(t *testing.T) {
	h := heap.New()
	const n = 1000
	destroyed := 0

	nodes := make([]*TrackedPtr[probeNode], n)
	for i := 0; i < n; i++ {
		sawPeer := false
		nodes[i] = Make(h, func(p *probeNode) { p.destroyed = &destroyed; p.sawPeer = &sawPeer })
	}
	for i := 0; i < n; i++ {
		nodes[i].MustGet().Peer.Set(*nodes[(i+1)%n])
	}
	for i := 0; i < n; i++ {
		nodes[i].Release()
	}

	h.Collect()
	assert.Equal(t, n, destroyed)
}

func TestArithmeticWithinArrayBoundsIsLegal(t *testing.T) {
	h := heap.New()
	type cell struct{ v int }

	a := MakeArray[cell](h, 4)
	assert.NotPanics(t, func() { a.Index(3) }, "last in-bounds element is legal")
	assert.NotPanics(t, func() { a.Add(4) }, "forming one-past-the-end is legal, just not dereferenceable")
}

func TestArithmeticPastArrayEndPanics(t *testing.T) {
	h := heap.New()
	type cell struct{ v int }

	a := MakeArray[cell](h, 4)
	b := MakeArray[cell](h, 4)
	_ = b

	assert.Panics(t, func() { a.Add(5) }, "two-past-the-end leaves the allocation entirely")
	assert.Panics(t, func() { a.Index(100) })
}

func TestDiffAndLessWithinSameAllocation(t *testing.T) {
	h := heap.New()
	type cell struct{ v int }

	arr := MakeArray[cell](h, 5)
	first := *arr
	third := first.Add(2)

	assert.Equal(t, 2, third.Diff(first))
	assert.True(t, first.Less(third))
}

func TestReleaseThenReleaseAgainPanics(t *testing.T) {
	h := heap.New()
	n := NewRoot[Node](h)
	n.Release()
	assert.Panics(t, func() { n.Release() })
}
