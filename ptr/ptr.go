// Package ptr implements TrackedPtr[T], the self-registering pointer value
// the deferred heap hands out, and the typed Make/MakeArray entry points
// that allocate through a heap.Heap.
//
// This package imports heap, never the other way around: a TrackedPtr[T]
// satisfies heap.RawHolder structurally (RawPointer/ResetRaw), so heap can
// discover embedded TrackedPtr fields with reflection alone and never needs
// to know this package exists.
package ptr

import (
	"fmt"
	"reflect"
	"runtime"
	"unsafe"

	"github.com/galloc/deferredheap/heap"
)

// Destroyer is implemented by any T that needs non-trivial cleanup when the
// collector destroys it. Types without resources to release (plain data,
// or data whose only pointers are themselves TrackedPtr fields) should not
// implement it — Make/MakeArray skip destructor registration entirely for
// such T, exactly as the design notes' "trivially destructible types are
// not registered at all" rule intends.
type Destroyer interface {
	Destroy()
}

// TrackedPtr is a self-registering pointer to a T. Its own address (not the
// address it points at) determines whether the heap treats it as a root or
// as a non-root edge embedded inside some other allocation — see the
// package doc and heap.RawHolder.
//
// The zero value is NOT usable: a TrackedPtr must come from NewRoot, Make,
// MakeArray, or PointerTo, every one of which registers it with a heap
// before handing it back. Embedded TrackedPtr fields inside a type passed
// to Make/MakeArray are the one exception — heap.WalkTrackedFields
// registers those on the caller's behalf during construction.
type TrackedPtr[T any] struct {
	h       *heap.Heap
	raw     unsafe.Pointer
	cleanup runtime.Cleanup
}

// RawPointer implements heap.RawHolder.
func (tp *TrackedPtr[T]) RawPointer() unsafe.Pointer { return tp.raw }

// ResetRaw implements heap.RawHolder. Only the collector calls this.
func (tp *TrackedPtr[T]) ResetRaw() { tp.raw = nil }

// Get returns the pointee, or nil if this TrackedPtr currently holds null.
func (tp *TrackedPtr[T]) Get() *T { return (*T)(tp.raw) }

// MustGet is the operator-> equivalent: it returns the pointee and panics
// if this TrackedPtr is null, per the null-deref fatal assertion in the
// design notes' error table.
func (tp *TrackedPtr[T]) MustGet() *T {
	if tp.raw == nil {
		panic("deferredheap: dereference of a null TrackedPtr")
	}
	return (*T)(tp.raw)
}

// IsNull reports whether this TrackedPtr currently holds null.
func (tp *TrackedPtr[T]) IsNull() bool { return tp.raw == nil }

// Set copies other's raw value into tp. Per the design notes, assignment
// never registers or deregisters anything — the TrackedPtr's own identity
// (its address) hasn't changed, only what it points at.
func (tp *TrackedPtr[T]) Set(other TrackedPtr[T]) { tp.raw = other.raw }

// SetNil clears tp to null without touching any registration.
func (tp *TrackedPtr[T]) SetNil() { tp.raw = nil }

// Equal reports whether tp and other point at the same address.
func (tp *TrackedPtr[T]) Equal(other TrackedPtr[T]) bool { return tp.raw == other.raw }

// Release deregisters tp from its heap, in case a caller holding a
// *TrackedPtr[T] from NewRoot/PointerTo knows it is done early and doesn't
// want to wait for the finalizer backstop. It also cancels that backstop,
// so it never fires a second, now-invalid Deregister once the Go garbage
// collector eventually reclaims tp itself. Calling Release twice panics,
// same as any other double-deregister.
func (tp *TrackedPtr[T]) Release() {
	tp.cleanup.Stop()
	tp.h.Deregister(unsafe.Pointer(tp))
}

// Add returns tp advanced by n elements. Forming one-past-the-end of the
// allocation is legal (but not dereferenceable); crossing into a different
// allocation or off the page is the bad-arithmetic fatal assertion from the
// design notes' error table, enforced only when heap.DebugArithmetic is
// set (the default) — release builds may skip the check per the spec.
func (tp *TrackedPtr[T]) Add(n int) TrackedPtr[T] {
	var zero T
	elemSize := unsafe.Sizeof(zero)
	moved := unsafe.Pointer(uintptr(tp.raw) + uintptr(n)*elemSize)
	tp.checkSameAllocation(moved)
	return TrackedPtr[T]{h: tp.h, raw: moved}
}

// Sub is the inverse of Add.
func (tp *TrackedPtr[T]) Sub(n int) TrackedPtr[T] { return tp.Add(-n) }

// Index returns a pointer to the i'th element relative to tp, equivalent to
// tp.Add(i).MustGet(). When heap.DebugArithmetic is set it also panics if
// that element is the allocation's one-past-the-end position, which may be
// formed with Add but not dereferenced.
func (tp *TrackedPtr[T]) Index(i int) *T {
	moved := tp.Add(i)
	if heap.DebugArithmetic && tp.raw != nil {
		if _, end, _ := tp.h.AllocationInfo(tp.raw); moved.raw == end {
			panic("deferredheap: dereference of a one-past-the-end TrackedPtr")
		}
	}
	return moved.MustGet()
}

// Diff returns the element-wise distance from other to tp (tp - other),
// after checking both fall within the same allocation.
func (tp *TrackedPtr[T]) Diff(other TrackedPtr[T]) int {
	tp.checkSameAllocation(other.raw)
	var zero T
	elemSize := unsafe.Sizeof(zero)
	return int((uintptr(tp.raw) - uintptr(other.raw)) / elemSize)
}

// Less orders tp and other by raw address, valid only within the same
// allocation (same caveat as Add/Diff).
func (tp *TrackedPtr[T]) Less(other TrackedPtr[T]) bool {
	tp.checkSameAllocation(other.raw)
	return uintptr(tp.raw) < uintptr(other.raw)
}

// checkSameAllocation enforces the bad-arithmetic rule: moved must fall
// within the same [start, end) extent as tp.raw currently does, where end
// (one-past-the-end) is explicitly permitted. A null tp (a root that hasn't
// been pointed anywhere, or an element past array bounds) has no extent to
// check against and is left alone — arithmetic on null is caught by the
// null-deref rule elsewhere, not here.
func (tp *TrackedPtr[T]) checkSameAllocation(moved unsafe.Pointer) {
	if !heap.DebugArithmetic || tp.raw == nil {
		return
	}
	start, end, ok := tp.h.AllocationInfo(tp.raw)
	if !ok {
		panic("deferredheap: pointer arithmetic on an address outside every page")
	}
	m := uintptr(moved)
	if m < uintptr(start) || m > uintptr(end) {
		panic("deferredheap: pointer arithmetic crossed an allocation or page boundary")
	}
}

// newHolder allocates a TrackedPtr[T] wrapper on Go's own runtime heap
// (via new, which is what makes its address stable — Go's own collector
// never relocates live objects), registers it with h at that stable
// address, points it at raw, and arms a best-effort finalizer backstop that
// deregisters it if the caller never calls Release. See SPEC_FULL.md §2 for
// why the backstop's imprecise timing can never make Collect() unsound.
func newHolder[T any](h *heap.Heap, raw unsafe.Pointer) *TrackedPtr[T] {
	tp := new(TrackedPtr[T])
	tp.h = h
	tp.raw = raw
	h.Register(unsafe.Pointer(tp), tp)
	// The cleanup argument is a uintptr, not an unsafe.Pointer: AddCleanup's
	// contract requires the argument not itself keep tp reachable, or the
	// cleanup would never run. uintptr(unsafe.Pointer(tp)) captured here is
	// just a bit pattern to the GC, not a reference.
	tp.cleanup = runtime.AddCleanup(tp, func(addr uintptr) {
		if h.IsDestroying() {
			return
		}
		h.Deregister(unsafe.Pointer(addr))
	}, uintptr(unsafe.Pointer(tp)))
	return tp
}

// NewRoot returns a new, null root TrackedPtr[T]: a tracked pointer whose
// own address lives outside every page, so the heap classifies it as a
// root rather than a non-root edge. Use this for any TrackedPtr[T] a
// caller wants to hold directly (as opposed to embedding inside a type
// passed to Make/MakeArray, which self-registers as a non-root instead).
func NewRoot[T any](h *heap.Heap) *TrackedPtr[T] {
	return newHolder[T](h, nil)
}

// PointerTo returns a root TrackedPtr[T] aliasing an existing T, for
// interior references such as one element of an existing allocation (which
// the root then keeps alive) or memory the heap doesn't own at all. It does
// not take ownership of t and does not register
// anything on t's behalf beyond the TrackedPtr wrapper itself.
func PointerTo[T any](h *heap.Heap, t *T) *TrackedPtr[T] {
	return newHolder[T](h, unsafe.Pointer(t))
}

// bindHeap sets tp's heap pointer directly, bypassing NewRoot/PointerTo.
// Only registerEmbedded calls this, for TrackedPtr fields the heap's
// reflection walk discovers already sitting inside freshly allocated
// storage — they need a *heap.Heap to back their own Add/Release/etc, but
// never go through newHolder since they're non-roots, not roots.
func (tp *TrackedPtr[T]) bindHeap(h *heap.Heap) { tp.h = h }

// registerEmbedded walks obj for embedded TrackedPtr fields (which must be
// exported fields — heap.WalkTrackedFields hands each one back through
// reflect's Interface, which panics on a value reached through an
// unexported field), binds each to h, and registers it, reproducing "every embedded
// deferred_ptr registers during placement-new" for a language with no
// constructor hook.
func registerEmbedded[T any](h *heap.Heap, obj *T) {
	v := reflect.ValueOf(obj).Elem()
	heap.WalkTrackedFields(v, func(addr unsafe.Pointer, holder heap.RawHolder) {
		if binder, ok := holder.(interface{ bindHeap(*heap.Heap) }); ok {
			binder.bindHeap(h)
		}
		h.Register(addr, holder)
	})
}

// Make allocates and constructs a single T on h, returning a root
// TrackedPtr[T] to it. init, if non-nil, runs after every embedded
// TrackedPtr field has self-registered, mirroring make<T>(args...) →
// allocate<T>(1) → placement-construct → dtors.store from the design
// notes' §4.4.
func Make[T any](h *heap.Heap, init func(*T)) *TrackedPtr[T] {
	var zero T
	elemSize := unsafe.Sizeof(zero)

	raw := h.Allocate(elemSize, 1)
	end := unsafe.Pointer(uintptr(raw) + elemSize)
	h.DestroyObjects(raw, end) // defence in depth, see design notes §4.4 step 4

	obj := (*T)(raw)
	*obj = zero
	registerEmbedded(h, obj)

	if init != nil {
		init(obj)
	}

	if _, ok := any(obj).(Destroyer); ok {
		h.StoreDestructor(raw, elemSize, 1, func(p unsafe.Pointer) {
			any((*T)(p)).(Destroyer).Destroy()
		})
	}

	return newHolder[T](h, raw)
}

// MakeArray allocates n default-constructed T's contiguously on h and
// returns a root TrackedPtr[T] to the first one, per make_array<T>(n) in
// the design notes. Each element is constructed (and its embedded
// TrackedPtr fields registered) independently — the spec's §9 open
// question about construct_array is resolved in favor of per-element
// construction.
func MakeArray[T any](h *heap.Heap, n int) *TrackedPtr[T] {
	if n < 1 {
		panic("deferredheap: MakeArray requires n >= 1")
	}
	var zero T
	elemSize := unsafe.Sizeof(zero)

	raw := h.Allocate(elemSize, n)
	end := unsafe.Pointer(uintptr(raw) + elemSize*uintptr(n))
	h.DestroyObjects(raw, end)

	needsDestroy := false
	for i := 0; i < n; i++ {
		elem := (*T)(unsafe.Pointer(uintptr(raw) + uintptr(i)*elemSize))
		*elem = zero
		registerEmbedded(h, elem)
		if _, ok := any(elem).(Destroyer); ok {
			needsDestroy = true
		}
	}

	if needsDestroy {
		h.StoreDestructor(raw, elemSize, n, func(p unsafe.Pointer) {
			any((*T)(p)).(Destroyer).Destroy()
		})
	}

	return newHolder[T](h, raw)
}

// String renders tp for debugging; it is not part of the semantic contract.
func (tp *TrackedPtr[T]) String() string {
	if tp.raw == nil {
		return "TrackedPtr<nil>"
	}
	return fmt.Sprintf("TrackedPtr(%p)", tp.raw)
}
