// Package destruct implements the deferred heap's destructor registry: a
// heterogeneous table of (address, element size, count, destroy-one)
// entries, type-erased at registration time via a closure captured over the
// concrete type.
//
// Trivially-destructible types are never registered at all, which makes the
// overwhelmingly common case (plain data, no pointers or resources) free.
package destruct

import (
	"fmt"
	"unsafe"
)

// DestroyOne destroys a single object at the given address.
type DestroyOne func(unsafe.Pointer)

type entry struct {
	base    uintptr
	size    uintptr
	count   int
	destroy DestroyOne
}

// Registry is the deferred heap's destructor table.
//
// NOT thread-safe — callers synchronize externally, same as every other
// piece of heap state (see the package-level concurrency note on heap.Heap).
type Registry struct {
	entries []entry
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{entries: make([]entry, 0, 64)}
}

// Store records destroy as the destructor for count objects of size elemSize
// starting at addr. Callers that know the type is trivially destructible
// should skip the call entirely — Store itself does not inspect types.
func (r *Registry) Store(addr unsafe.Pointer, elemSize uintptr, count int, destroy DestroyOne) {
	if addr == nil {
		panic("destruct: no object to register for destruction")
	}
	if count < 1 {
		panic("destruct: count must be at least 1")
	}
	r.entries = append(r.entries, entry{
		base:    uintptr(addr),
		size:    elemSize,
		count:   count,
		destroy: destroy,
	})
}

// IsStored reports whether an entry with base == addr exists. It's used only
// in debug assertions, never on a hot path.
func (r *Registry) IsStored(addr unsafe.Pointer) bool {
	a := uintptr(addr)
	for i := range r.entries {
		if r.entries[i].base == a {
			return true
		}
	}
	return false
}

// RunAll invokes every registered destructor and clears the table. Used only
// during heap teardown, where is_destroying already rules out reentrancy
// concerns.
func (r *Registry) RunAll() {
	entries := r.entries
	r.entries = nil
	for _, e := range entries {
		for i := 0; i < e.count; i++ {
			e.destroy(unsafe.Pointer(e.base + uintptr(i)*e.size))
		}
	}
}

// Run destroys every entry whose base address lies in [begin, end), and
// reports whether anything was destroyed.
//
// Reentrancy contract: a destructor may call back into the heap, including
// further allocation or registry mutation. Run therefore (1) extracts the
// matching entries into a local slice and removes them from the table
// first, (2) releases all registry state, and only then (3) invokes the
// extracted destructors. No registry field is read after step 2.
func (r *Registry) Run(begin, end unsafe.Pointer) bool {
	b, e := uintptr(begin), uintptr(end)
	if b >= e {
		panic("destruct: begin must precede end")
	}

	var toDestroy []entry
	kept := r.entries[:0]
	for _, ent := range r.entries {
		if b <= ent.base && ent.base < e {
			toDestroy = append(toDestroy, ent)
		} else {
			kept = append(kept, ent)
		}
	}
	r.entries = kept

	if len(toDestroy) == 0 {
		return false
	}

	// === BEGIN REENTRANCY-SAFE: no registry field is touched below this line.
	for _, ent := range toDestroy {
		for i := 0; i < ent.count; i++ {
			ent.destroy(unsafe.Pointer(ent.base + uintptr(i)*ent.size))
		}
	}
	// === END REENTRANCY-SAFE

	return true
}

// Len reports the number of live entries, for diagnostics.
func (r *Registry) Len() int { return len(r.entries) }

// DebugString renders the registry's entries for diagnostic use only; it is
// not part of the registry's semantic contract.
func (r *Registry) DebugString() string {
	s := fmt.Sprintf("destructors: %d entries\n", len(r.entries))
	for _, e := range r.entries {
		s += fmt.Sprintf("  base=0x%x size=%d count=%d\n", e.base, e.size, e.count)
	}
	return s
}
