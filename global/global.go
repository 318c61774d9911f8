// Package global provides the process-wide DeferredHeap handle and the
// make_deferred/make_deferred_array-equivalent free functions that forward
// to it. TrackedPointers do not look this handle up themselves: every
// constructor in package ptr takes its heap as an explicit argument, and
// only this package's Make, MakeArray and Collect use the global heap.
package global

import (
	"sync"

	"github.com/galloc/deferredheap/heap"
	"github.com/galloc/deferredheap/ptr"
)

var (
	once sync.Once
	h    *heap.Heap
)

// Heap returns the process-wide DeferredHeap, creating it on first use.
// Its lifetime must outlive every TrackedPointer obtained through it, or
// the teardown suppression rule in heap.Heap.Close is violated — this
// package never calls Close on it itself.
func Heap() *heap.Heap {
	once.Do(func() { h = heap.New() })
	return h
}

// Make allocates and constructs a single T on the global heap. It is the
// free-function convenience form of ptr.Make(Heap(), init), mirroring the
// original's make_deferred<T> shim over its own global handle.
func Make[T any](init func(*T)) *ptr.TrackedPtr[T] {
	return ptr.Make(Heap(), init)
}

// MakeArray allocates n default-constructed T's on the global heap. It is
// the free-function convenience form of ptr.MakeArray(Heap(), n),
// mirroring the original's make_deferred_array<T> shim.
func MakeArray[T any](n int) *ptr.TrackedPtr[T] {
	return ptr.MakeArray[T](Heap(), n)
}

// Collect runs one mark-and-sweep cycle on the global heap.
func Collect() { Heap().Collect() }
