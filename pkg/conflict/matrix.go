// Package conflict finds pairs of user event handlers whose asynchronous
// DOM updates may race, and plans the pair replays that confirm them.
package conflict

import (
	"fmt"
	"strings"

	"github.com/RoaringBitmap/roaring"
)

// Matrix is a square boolean matrix over handler indexes. Row i holds the
// j for which handler i likely conflicts with handler j.
type Matrix struct {
	n    int
	rows []*roaring.Bitmap
}

// NewMatrix creates an empty n x n matrix.
func NewMatrix(n int) *Matrix {
	m := &Matrix{n: n, rows: make([]*roaring.Bitmap, n)}
	for i := range m.rows {
		m.rows[i] = roaring.New()
	}
	return m
}

// Size returns n.
func (m *Matrix) Size() int { return m.n }

// Set marks (i, j).
func (m *Matrix) Set(i, j int) {
	m.rows[i].Add(uint32(j))
}

// Has reports whether (i, j) is marked.
func (m *Matrix) Has(i, j int) bool {
	if i < 0 || i >= m.n || j < 0 {
		return false
	}
	return m.rows[i].Contains(uint32(j))
}

// Row returns the marked columns of row i in increasing order.
func (m *Matrix) Row(i int) []int {
	cols := m.rows[i].ToArray()
	out := make([]int, len(cols))
	for k, c := range cols {
		out[k] = int(c)
	}
	return out
}

// Count returns the number of marked cells.
func (m *Matrix) Count() int {
	total := uint64(0)
	for _, r := range m.rows {
		total += r.GetCardinality()
	}
	return int(total)
}

// Pairs enumerates the marked cells in row-major order.
func (m *Matrix) Pairs() [][2]int {
	pairs := make([][2]int, 0, m.Count())
	for i, r := range m.rows {
		it := r.Iterator()
		for it.HasNext() {
			pairs = append(pairs, [2]int{i, int(it.Next())})
		}
	}
	return pairs
}

// Involved returns the handlers that appear in at least one marked pair.
func (m *Matrix) Involved() []int {
	all := roaring.New()
	for i, r := range m.rows {
		if !r.IsEmpty() {
			all.Add(uint32(i))
		}
		all.Or(r)
	}
	out := make([]int, 0, all.GetCardinality())
	for _, v := range all.ToArray() {
		out = append(out, int(v))
	}
	return out
}

func (m *Matrix) String() string {
	var sb strings.Builder
	for i := 0; i < m.n; i++ {
		for j := 0; j < m.n; j++ {
			if m.Has(i, j) {
				sb.WriteByte('x')
			} else {
				sb.WriteByte('.')
			}
		}
		if i < m.n-1 {
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}

// PairID formats the replay id of (i, j).
func PairID(i, j int) string {
	return fmt.Sprintf("%d-%d", i, j)
}
