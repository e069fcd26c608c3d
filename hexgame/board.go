package hexgame

import (
	"fmt"
)

// The board is a hexagon of axial coordinates centered on the origin.
// A cell (q, r) is on the board iff |q| <= BoardRadius, |r| <= BoardRadius
// and |q+r| <= BoardRadius, which yields 61 cells for radius 4.
const BoardRadius = 4

// BoardCells is the number of valid cells on the board.
const BoardCells = 3*BoardRadius*(BoardRadius+1) + 1

// PlacementCells is the exact number of cells a placement must cover.
const PlacementCells = 10

// pieceSizes is the required multiset of connected-group sizes for a
// placement: one flock of each size.
var pieceSizes = []int{4, 3, 2, 1}

// Cell is an axial hex coordinate.
type Cell struct {
	Q int `json:"q"`
	R int `json:"r"`
}

func (c Cell) String() string {
	return fmt.Sprintf("(%d,%d)", c.Q, c.R)
}

// OnBoard reports whether the cell lies within the playable hexagon.
func (c Cell) OnBoard() bool {
	return abs(c.Q) <= BoardRadius && abs(c.R) <= BoardRadius && abs(c.Q+c.R) <= BoardRadius
}

// axial neighbor offsets, clockwise from east.
var hexDirs = [6]Cell{
	{1, 0}, {1, -1}, {0, -1}, {-1, 0}, {-1, 1}, {0, 1},
}

// Neighbors returns the six adjacent axial coordinates. Callers must filter
// with OnBoard when adjacency to off-board cells matters.
func (c Cell) Neighbors() [6]Cell {
	var out [6]Cell
	for i, d := range hexDirs {
		out[i] = Cell{Q: c.Q + d.Q, R: c.R + d.R}
	}
	return out
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// ValidatePlacement checks a submitted placement: exactly PlacementCells
// cells, all on the board, no duplicates, and the cells must decompose into
// connected groups whose sizes are exactly the required piece multiset.
func ValidatePlacement(cells []Cell) error {
	if len(cells) != PlacementCells {
		return fmt.Errorf("%w: got %d cells, want %d", ErrBadPlacement, len(cells), PlacementCells)
	}
	set := make(map[Cell]bool, len(cells))
	for _, c := range cells {
		if !c.OnBoard() {
			return fmt.Errorf("%w: cell %s is off the board", ErrBadPlacement, c)
		}
		if set[c] {
			return fmt.Errorf("%w: duplicate cell %s", ErrBadPlacement, c)
		}
		set[c] = true
	}

	sizes := groupSizes(set)
	if !matchesPieceSizes(sizes) {
		return fmt.Errorf("%w: connected group sizes %v, want %v", ErrBadPlacement, sizes, pieceSizes)
	}
	return nil
}

// groupSizes returns the sizes of all connected components in the cell set,
// in descending order. Connectivity is hex adjacency.
func groupSizes(set map[Cell]bool) []int {
	seen := make(map[Cell]bool, len(set))
	var sizes []int
	for c := range set {
		if seen[c] {
			continue
		}
		// BFS flood fill from c.
		size := 0
		queue := []Cell{c}
		seen[c] = true
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			size++
			for _, n := range cur.Neighbors() {
				if set[n] && !seen[n] {
					seen[n] = true
					queue = append(queue, n)
				}
			}
		}
		sizes = append(sizes, size)
	}
	// insertion sort, descending; the slice is tiny
	for i := 1; i < len(sizes); i++ {
		for j := i; j > 0 && sizes[j] > sizes[j-1]; j-- {
			sizes[j], sizes[j-1] = sizes[j-1], sizes[j]
		}
	}
	return sizes
}

func matchesPieceSizes(sizes []int) bool {
	if len(sizes) != len(pieceSizes) {
		return false
	}
	for i, s := range sizes {
		if s != pieceSizes[i] {
			return false
		}
	}
	return true
}
