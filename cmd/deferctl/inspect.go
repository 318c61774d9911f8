package main

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/galloc/deferredheap/heap"
	"github.com/galloc/deferredheap/internal/tui"
	"github.com/galloc/deferredheap/ptr"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Launch an interactive browser over a sample deferred heap",
	RunE: func(cmd *cobra.Command, args []string) error {
		h := seedInspectorHeap()
		p := tea.NewProgram(tui.New(h))
		_, err := p.Run()
		return err
	},
}

// seedInspectorHeap builds a small heap with some live structure and some
// garbage, so the inspector has something worth looking at and collecting
// on the first keypress.
func seedInspectorHeap() *heap.Heap {
	h := heap.New()

	type node struct {
		Peer ptr.TrackedPtr[node]
	}

	root := ptr.Make(h, func(*node) {})
	live := ptr.Make(h, func(*node) {})
	root.MustGet().Peer.Set(*live)
	live.Release()

	garbageA := ptr.Make(h, func(*node) {})
	garbageB := ptr.Make(h, func(*node) {})
	garbageA.MustGet().Peer.Set(*garbageB)
	garbageB.MustGet().Peer.Set(*garbageA)
	garbageA.Release()
	garbageB.Release()

	return h
}
