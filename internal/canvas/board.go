// Package canvas holds the local consumers of draw events. Nothing here
// renders pixels; Board keeps the state a renderer or UI would read.
package canvas

import (
	"sync"

	"github.com/weiawesome/wes-io-canvas/internal/domain"
)

// DefaultBoardLimit is how many recent events a Board keeps.
const DefaultBoardLimit = 512

// Snapshot is a copy of a Board's state.
type Snapshot struct {
	Applied    int
	ByTool     map[domain.ToolMode]int
	LastCursor domain.Point
	// Recent holds the newest events, oldest first.
	Recent []domain.DrawEvent
}

// Board is the local presentation state. It is safe for concurrent use.
type Board struct {
	mu      sync.Mutex
	limit   int
	recent  []domain.DrawEvent
	applied int
	byTool  map[domain.ToolMode]int
	last    domain.Point
}

func NewBoard(limit int) *Board {
	if limit <= 0 {
		limit = DefaultBoardLimit
	}
	return &Board{
		limit:  limit,
		byTool: make(map[domain.ToolMode]int),
	}
}

// Apply records ev. It never fails.
func (b *Board) Apply(ev domain.DrawEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.applied++
	b.byTool[ev.ToolMode]++
	b.last = domain.Point{ev.MouseX, ev.MouseY}

	if len(b.recent) == b.limit {
		copy(b.recent, b.recent[1:])
		b.recent = b.recent[:len(b.recent)-1]
	}
	b.recent = append(b.recent, ev.Clone())
	return nil
}

// Clear forgets the stroke log, like wiping the canvas. Counters remain.
func (b *Board) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recent = nil
}

func (b *Board) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Snapshot{
		Applied:    b.applied,
		ByTool:     make(map[domain.ToolMode]int, len(b.byTool)),
		LastCursor: b.last,
		Recent:     make([]domain.DrawEvent, len(b.recent)),
	}
	for k, v := range b.byTool {
		s.ByTool[k] = v
	}
	for i, ev := range b.recent {
		s.Recent[i] = ev.Clone()
	}
	return s
}
