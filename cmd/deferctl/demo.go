package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/galloc/deferredheap/heap"
	"github.com/galloc/deferredheap/ptr"
)

// demoNode is a tiny tracked node used only to drive the demo scenarios; it
// prints when destroyed so --verbose runs show the collector actually
// doing something, not just reporting counts.
type demoNode struct {
	name string
	Peer ptr.TrackedPtr[demoNode]
}

func (n *demoNode) Destroy() {
	peer := "nil"
	if !n.Peer.IsNull() {
		peer = n.Peer.MustGet().name
	}
	printVerbose("destroying %s (peer read as %s)", n.name, peer)
}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run the linear-chain, cycle, and deep-cycle reference scenarios",
	RunE: func(cmd *cobra.Command, args []string) error {
		h := heap.New()

		runLinearChain(h)
		runSimpleCycle(h)
		runDeepCycle(h)

		if asJSON {
			return printJSON(h.Snapshot())
		}
		printInfo("final state:\n%s", h.Snapshot().String())
		return nil
	},
}

func runLinearChain(h *heap.Heap) {
	printInfo("scenario: linear chain")
	r := ptr.Make(h, func(n *demoNode) { n.name = "r" })
	second := ptr.Make(h, func(n *demoNode) { n.name = "r.next" })
	third := ptr.Make(h, func(n *demoNode) { n.name = "r.next.next" })

	r.MustGet().Peer.Set(*second)
	second.MustGet().Peer.Set(*third)
	second.Release()
	third.Release()

	h.Collect()
	printVerbose("after first collect: %d pages", h.PageCount())

	second.MustGet().Peer.SetNil()
	h.Collect()
	printVerbose("after dropping r.next.next: %d pages", h.PageCount())

	r.Release()
	h.Collect()
}

func runSimpleCycle(h *heap.Heap) {
	printInfo("scenario: simple cycle")
	a := ptr.Make(h, func(n *demoNode) { n.name = "a" })
	b := ptr.Make(h, func(n *demoNode) { n.name = "b" })

	a.MustGet().Peer.Set(*b)
	b.MustGet().Peer.Set(*a)
	a.Release()
	b.Release()

	h.Collect()
}

func runDeepCycle(h *heap.Heap) {
	const n = 1000
	printInfo("scenario: deep cycle (n=%d)", n)

	nodes := make([]*ptr.TrackedPtr[demoNode], n)
	for i := range nodes {
		nodes[i] = ptr.Make(h, func(dn *demoNode) { dn.name = fmt.Sprintf("node-%d", i) })
	}
	for i := range nodes {
		nodes[i].MustGet().Peer.Set(*nodes[(i+1)%n])
	}
	for _, node := range nodes {
		node.Release()
	}

	h.Collect()
	printVerbose("deep cycle collected, %d pages remain", h.PageCount())
}
