// Package heap implements the deferred (tracing) heap itself: the page
// list, the root set, the destructor registry, and the mark/sweep collect
// algorithm described in the package's design notes. Typed allocation
// (Make/MakeArray) and the TrackedPtr wrapper type live in the sibling ptr
// package, which imports this one; Heap never imports ptr, and discovers
// tracked pointers embedded in user types purely through the RawHolder
// interface and reflection, so the two packages don't form a cycle.
package heap

import (
	"fmt"
	"math"
	"reflect"
	"unsafe"

	"github.com/galloc/deferredheap/internal/destruct"
	"github.com/galloc/deferredheap/page"
)

// DebugArithmetic controls whether pointer-arithmetic bounds checks panic on
// violation. It mirrors the teacher's debugAlloc/logAlloc pattern: a
// compile-time-ish toggle that defaults on, and can be read from the
// environment by callers that want release-mode behavior.
//
// Turning this off skips the bounds check entirely (no AllocationInfo scan
// is made), so a bounds violation silently returns an out-of-range pointer
// instead of panicking, matching the spec's "may be unchecked in release
// builds" wording.
var DebugArithmetic = true

// RawHolder is implemented by anything the collector needs to read and
// (during collection) forcibly null — i.e., by ptr.TrackedPtr[T] for every
// T. The heap discovers these purely structurally: a field of a heap
// object is tracked iff its type implements RawHolder, so this package
// never needs to import the ptr package that defines the concrete type.
type RawHolder interface {
	RawPointer() unsafe.Pointer
	ResetRaw()
}

// nonRootRecord is one embedded tracked pointer living inside some
// allocation on a page.
type nonRootRecord struct {
	addr   uintptr
	holder RawHolder
	level  int
}

// heapPage is one Page plus the bookkeeping the collector needs on top of
// it: a live-starts bitmap (meaningful only during Collect) and the list of
// non-root tracked pointers known to live somewhere inside this page.
type heapPage struct {
	pg         *page.Page
	liveStarts []bool
	nonRoots   []nonRootRecord
}

func newHeapPage(size, chunk int) *heapPage {
	pg := page.New(size, chunk)
	return &heapPage{
		pg:         pg,
		liveStarts: make([]bool, pg.Locations()),
	}
}

// Heap owns a list of pages, the root set, the destructor registry, and the
// collect algorithm. It is the single-threaded, stop-the-world deferred
// heap described in the package design notes: there is no internal
// locking, and callers sharing a Heap across goroutines must serialize
// every public operation themselves.
type Heap struct {
	pages               []*heapPage
	roots               map[uintptr]RawHolder
	dtors               *destruct.Registry
	destroying          bool
	collectBeforeExpand bool
}

// New creates an empty deferred heap.
func New() *Heap {
	return &Heap{
		roots: make(map[uintptr]RawHolder),
		dtors: destruct.New(),
	}
}

// SetCollectBeforeExpand controls whether allocation failure triggers a
// Collect() before the heap grows by adding a new page.
func (h *Heap) SetCollectBeforeExpand(enable bool) { h.collectBeforeExpand = enable }

// CollectBeforeExpand reports the current policy set by SetCollectBeforeExpand.
func (h *Heap) CollectBeforeExpand() bool { return h.collectBeforeExpand }

// PageCount reports how many pages the heap currently owns, for tests and
// diagnostics.
func (h *Heap) PageCount() int { return len(h.pages) }

// IsDestroying reports whether the heap is in the middle of teardown. Once
// true it never becomes false again — the heap is not reusable after Close.
func (h *Heap) IsDestroying() bool { return h.destroying }

// findPageOf returns the page containing addr, or nil if addr is outside
// every page the heap owns (i.e., addr is a root).
func (h *Heap) findPageOf(addr unsafe.Pointer) *heapPage {
	for _, hp := range h.pages {
		if hp.pg.Contains(addr) {
			return hp
		}
	}
	return nil
}

// Register adds a tracked pointer at addr to the heap's tracking
// structures: the non-root list of whichever page contains addr, or the
// root set if no page does. Registering the same address twice is a
// programming error.
func (h *Heap) Register(addr unsafe.Pointer, holder RawHolder) {
	if h.destroying {
		panic("deferredheap: cannot register a tracked pointer while the heap is being destroyed")
	}
	a := uintptr(addr)
	if hp := h.findPageOf(addr); hp != nil {
		for _, r := range hp.nonRoots {
			if r.addr == a {
				panic("deferredheap: duplicate registration of a tracked pointer")
			}
		}
		hp.nonRoots = append(hp.nonRoots, nonRootRecord{addr: a, holder: holder})
		return
	}
	if _, dup := h.roots[a]; dup {
		panic("deferredheap: duplicate registration of a tracked pointer")
	}
	h.roots[a] = holder
}

// Deregister removes a previously registered tracked pointer. It is a
// no-op while the heap is being destroyed, since teardown is already
// iterating over (and about to discard) these very structures. Exactly one
// removal must otherwise succeed; finding none is a programming error.
func (h *Heap) Deregister(addr unsafe.Pointer) {
	if h.destroying {
		return
	}
	a := uintptr(addr)
	if _, ok := h.roots[a]; ok {
		delete(h.roots, a)
		return
	}
	for _, hp := range h.pages {
		// scan from the back: newer registrations tend to have shorter
		// lifetimes, so this is more likely to find a hit quickly.
		for i := len(hp.nonRoots) - 1; i >= 0; i-- {
			if hp.nonRoots[i].addr == a {
				last := len(hp.nonRoots) - 1
				hp.nonRoots[i] = hp.nonRoots[last]
				hp.nonRoots = hp.nonRoots[:last]
				return
			}
		}
	}
	panic("deferredheap: attempt to deregister an unregistered tracked pointer")
}

// Allocate finds (or makes) room for n contiguous elements of elemSize
// bytes, per the policy in the package design notes: try every existing
// page first, optionally collect and retry, then grow. elemSize is also
// used as the new-page sizing hint (the "hinting type") if growth is
// needed, exactly as in allocate<T>(n) of the design notes.
//
// Exported for the ptr package's Make/MakeArray, which perform the
// type-aware placement construction on top of the raw storage this
// returns; Heap itself has no notion of T.
func (h *Heap) Allocate(elemSize uintptr, n int) unsafe.Pointer {
	if h.destroying {
		panic("deferredheap: cannot allocate on a heap that is being destroyed")
	}
	size := int(elemSize) * n

	if p := h.allocateFromExistingPages(size); p != nil {
		return p
	}

	if h.collectBeforeExpand {
		h.Collect()
		if p := h.allocateFromExistingPages(size); p != nil {
			return p
		}
	}

	hp := h.growForHint(elemSize, n)
	p := hp.pg.Allocate(size)
	if p == nil {
		panic("deferredheap: internal error: freshly grown page failed to satisfy its own allocation")
	}
	return p
}

func (h *Heap) allocateFromExistingPages(size int) unsafe.Pointer {
	for _, hp := range h.pages {
		if p := hp.pg.Allocate(size); p != nil {
			return p
		}
	}
	return nil
}

// growForHint appends a new page sized to comfortably hold n objects of
// elemSize bytes with the golden-ratio headroom the design notes call for
// (at least ceil(2.62*n) objects, never less than 4096 bytes), with a
// minimum chunk size of max(elemSize, 4). It returns the new page.
func (h *Heap) growForHint(elemSize uintptr, n int) *heapPage {
	const goldenRatioHeadroom = 2.618033988749895 // 1 + phi
	const minPageBytes = 4096

	chunk := int(elemSize)
	if chunk < 4 {
		chunk = 4
	}

	headroomBytes := int(math.Ceil(float64(elemSize) * float64(n) * goldenRatioHeadroom))
	locs := page.RequiredLocations(chunk, headroomBytes, 1)
	bytes := locs * chunk
	if bytes < minPageBytes {
		bytes = minPageBytes
	}

	hp := newHeapPage(bytes, chunk)
	h.pages = append(h.pages, hp)
	return hp
}

// DestroyObjects runs and removes every destructor entry whose object lies
// in [start, end). Called defensively before placing a new object, in case
// stale destructor entries ever survive past a collection cycle that should
// have cleaned them (see the design notes' note on this being defense in
// depth, not an expected occurrence).
func (h *Heap) DestroyObjects(start, end unsafe.Pointer) bool {
	return h.dtors.Run(start, end)
}

// StoreDestructor registers a non-trivial destructor for count objects of
// the given size starting at addr.
func (h *Heap) StoreDestructor(addr unsafe.Pointer, elemSize uintptr, count int, destroy func(unsafe.Pointer)) {
	h.dtors.Store(addr, elemSize, count, destroy)
}

// mark traces from addr: it locates the page containing it, marks that
// allocation's start location live, and assigns level to every non-root
// tracked pointer embedded in the same allocation that hasn't been reached
// yet.
func (h *Heap) mark(addr unsafe.Pointer, level int) {
	if addr == nil {
		return
	}
	for _, hp := range h.pages {
		info := hp.pg.ContainsInfo(addr)
		if info.Found == page.NotInRange {
			continue
		}
		if info.Found == page.InRangeUnallocated {
			panic("deferredheap: must not mark a location that's not allocated")
		}
		hp.liveStarts[info.StartLocation] = true
		for i := range hp.nonRoots {
			r := &hp.nonRoots[i]
			dpInfo := hp.pg.ContainsInfo(unsafe.Pointer(r.addr))
			if dpInfo.Found != page.InRangeAllocatedStart && dpInfo.Found != page.InRangeAllocatedMiddle {
				panic("deferredheap: tracked pointer points to unallocated memory")
			}
			if dpInfo.StartLocation == info.StartLocation && r.level == 0 {
				r.level = level
			}
		}
		return
	}
}

// AllocationInfo reports the full extent — [start, end) — of the allocation
// containing addr, along with whether addr falls inside any page at all.
// This is the raw lookup that TrackedPtr[T]'s debug-mode arithmetic bounds
// check needs: two addresses are legal to compare/subtract only when they
// share the same [start, end).
//
// Grounded on the design notes' find_dhpage_info: since pages never
// overlap, returning on the first page that contains addr is sufficient —
// the note there about last-match-vs-first-match is a non-issue here either
// way, it only matters if pages could overlap, which they can't.
func (h *Heap) AllocationInfo(addr unsafe.Pointer) (start, end unsafe.Pointer, ok bool) {
	for _, hp := range h.pages {
		info := hp.pg.ContainsInfo(addr)
		if info.Found == page.NotInRange || info.Found == page.InRangeUnallocated {
			continue
		}
		locs := hp.pg.Locations()

		i := info.StartLocation
		for i > 0 && !hp.pg.LocationInfo(i).IsStart {
			i--
		}
		startInfo := hp.pg.LocationInfo(i)

		// the allocation ends at the first location that is not one of its
		// allocated-middle locations (a free slot, the next start, or the
		// page's end), so trailing free space is never part of its extent.
		j := i + 1
		for j < locs && hp.pg.ContainsInfo(hp.pg.LocationInfo(j).Pointer).Found == page.InRangeAllocatedMiddle {
			j++
		}
		endInfo := hp.pg.LocationInfo(j)

		return startInfo.Pointer, endInfo.Pointer, true
	}
	return nil, nil, false
}

// Collect runs one full mark-and-sweep cycle: reset, mark from roots
// outward, null every tracked pointer that wasn't reached (breaking
// cycles before any destructor can observe a dangling cross-reference),
// then destroy and deallocate everything that wasn't marked live.
func (h *Heap) Collect() {
	// Phase 1 — reset.
	for _, hp := range h.pages {
		for i := range hp.liveStarts {
			hp.liveStarts[i] = false
		}
		for i := range hp.nonRoots {
			hp.nonRoots[i].level = 0
		}
	}

	// Phase 2 — mark.
	level := 1
	for _, holder := range h.roots {
		h.mark(holder.RawPointer(), level)
	}

	for {
		level++
		progressed := false
		for _, hp := range h.pages {
			for i := range hp.nonRoots {
				r := &hp.nonRoots[i]
				if r.level == level-1 {
					progressed = true
					h.mark(r.holder.RawPointer(), level)
				}
			}
		}
		if !progressed {
			break
		}
	}

	// Phase 3 — null every tracked pointer that was never reached. This is
	// the cycle-breaking rule: every edge into a soon-to-be-destroyed
	// allocation is severed before any destructor runs, so destructors can
	// never observe (or resurrect) another condemned object.
	for _, hp := range h.pages {
		for i := range hp.nonRoots {
			if hp.nonRoots[i].level == 0 {
				hp.nonRoots[i].holder.ResetRaw()
			}
		}
	}

	// Phase 4 — destroy and deallocate everything left unmarked.
	for _, hp := range h.pages {
		h.sweepPage(hp)
	}
}

func (h *Heap) sweepPage(hp *heapPage) {
	locs := hp.pg.Locations()
	for i := 0; i < locs; i++ {
		info := hp.pg.LocationInfo(i)
		if !info.IsStart || hp.liveStarts[i] {
			continue
		}

		start := info.Pointer
		end := hp.pg.LocationInfo(locs).Pointer
		for j := i + 1; j < locs; j++ {
			next := hp.pg.LocationInfo(j)
			if next.IsStart {
				end = next.Pointer
				break
			}
		}

		h.dtors.Run(start, end)

		// In the original, a condemned allocation's own destructor call
		// chain implicitly deregisters every embedded deferred_ptr member
		// as part of running its (and its members') destructors. Go has no
		// such chain, so sweepPage does the equivalent bookkeeping directly:
		// any non-root record whose own address fell inside this allocation
		// no longer refers to live tracked-pointer storage once Deallocate
		// below lets that memory be reused, so it must come out of the
		// page's non-root list now, not linger as a stale entry that would
		// collide with whatever gets placed here next.
		b, e := uintptr(start), uintptr(end)
		kept := hp.nonRoots[:0]
		for _, r := range hp.nonRoots {
			if r.addr >= b && r.addr < e {
				continue
			}
			kept = append(kept, r)
		}
		hp.nonRoots = kept

		hp.pg.Deallocate(start)
	}
}

// Close tears the heap down: every root and every embedded tracked pointer
// is forced to null (suppressing the usual deregister side effects, since
// the heap is about to discard the very lists it would otherwise need to
// search), and then every remaining destructor runs. After Close, further
// allocation on the heap panics.
func (h *Heap) Close() {
	h.destroying = true

	for _, holder := range h.roots {
		holder.ResetRaw()
	}
	for _, hp := range h.pages {
		for i := range hp.nonRoots {
			hp.nonRoots[i].holder.ResetRaw()
		}
	}

	h.dtors.RunAll()
}

// DebugSnapshot captures a diagnostic view of the heap's internal state.
// It is not part of the collector's semantic contract — only the CLI and
// TUI inspector consume it.
type DebugSnapshot struct {
	Pages []PageSnapshot
	Roots int
}

// PageSnapshot summarizes one page for diagnostics.
type PageSnapshot struct {
	Locations   int
	ChunkSize   int
	LiveStarts  int
	NonRoots    int
	Destructors int
}

// Snapshot builds a DebugSnapshot of the heap's current state.
func (h *Heap) Snapshot() DebugSnapshot {
	s := DebugSnapshot{Roots: len(h.roots)}
	for _, hp := range h.pages {
		live := 0
		for _, b := range hp.liveStarts {
			if b {
				live++
			}
		}
		s.Pages = append(s.Pages, PageSnapshot{
			Locations:  hp.pg.Locations(),
			ChunkSize:  hp.pg.ChunkSize(),
			LiveStarts: live,
			NonRoots:   len(hp.nonRoots),
		})
	}
	return s
}

// String renders a DebugSnapshot as text, the rough equivalent of the
// original design's debug_print().
func (s DebugSnapshot) String() string {
	out := fmt.Sprintf("roots: %d\n", s.Roots)
	for i, p := range s.Pages {
		out += fmt.Sprintf("page %d: %d/%d locations live, %d non-root pointers\n",
			i, p.LiveStarts, p.Locations, p.NonRoots)
	}
	return out
}

// WalkTrackedFields calls visit once for every field (recursing through
// embedded structs and fixed-size arrays) of v whose type implements
// RawHolder, passing that field's own address. It's exported for the ptr
// package's Make/MakeArray to use when registering the tracked pointers
// embedded inside a freshly allocated object (sweepPage drops the records
// of swept objects directly, without walking them); it is
// the structural stand-in for "every embedded deferred_ptr registers
// itself when its enclosing object is constructed" in a language without
// constructor hooks.
func WalkTrackedFields(v reflect.Value, visit func(addr unsafe.Pointer, holder RawHolder)) {
	walkTrackedFields(v, visit)
}

func walkTrackedFields(v reflect.Value, visit func(addr unsafe.Pointer, holder RawHolder)) {
	if !v.CanAddr() {
		return
	}
	if v.Addr().Type().Implements(rawHolderType) {
		visit(unsafe.Pointer(v.Addr().Pointer()), v.Addr().Interface().(RawHolder))
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			walkTrackedFields(v.Field(i), visit)
		}
	case reflect.Array:
		for i := 0; i < v.Len(); i++ {
			walkTrackedFields(v.Index(i), visit)
		}
	}
}

var rawHolderType = reflect.TypeOf((*RawHolder)(nil)).Elem()
