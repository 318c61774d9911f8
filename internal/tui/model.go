// Package tui implements the interactive heap browser launched by
// `deferctl inspect`. It renders heap.Heap.Snapshot() as a table, one row
// per page plus a roots summary, and runs Collect on keypress — the
// idiomatic-Go, interactive replacement for the original's debug_print()
// stdout dump.
package tui

import (
	"fmt"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/galloc/deferredheap/heap"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	helpStyle  = lipgloss.NewStyle().Faint(true).Padding(1, 1)
)

// Model is the Bubble Tea model for the heap inspector.
type Model struct {
	heap        *heap.Heap
	table       table.Model
	collections int
}

// New builds an inspector Model over h.
func New(h *heap.Heap) Model {
	columns := []table.Column{
		{Title: "Page", Width: 6},
		{Title: "Locations", Width: 10},
		{Title: "Live", Width: 8},
		{Title: "Non-roots", Width: 10},
	}
	t := table.New(table.WithColumns(columns), table.WithFocused(true), table.WithHeight(12))

	m := Model{heap: h, table: t}
	m.refresh()
	return m
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd { return nil }

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "c":
			m.heap.Collect()
			m.collections++
			m.refresh()
		}
	}
	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

// View implements tea.Model.
func (m Model) View() string {
	snap := m.heap.Snapshot()
	title := titleStyle.Render(fmt.Sprintf("deferredheap inspector — %d roots, %d pages, %d collections",
		snap.Roots, len(snap.Pages), m.collections))
	help := helpStyle.Render("c: collect  •  q: quit")
	return title + "\n" + m.table.View() + "\n" + help
}

// refresh rebuilds the table rows from the heap's current snapshot.
func (m *Model) refresh() {
	snap := m.heap.Snapshot()
	rows := make([]table.Row, 0, len(snap.Pages))
	for i, p := range snap.Pages {
		rows = append(rows, table.Row{
			fmt.Sprintf("%d", i),
			fmt.Sprintf("%d", p.Locations),
			fmt.Sprintf("%d", p.LiveStarts),
			fmt.Sprintf("%d", p.NonRoots),
		})
	}
	m.table.SetRows(rows)
}
