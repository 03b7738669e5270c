// Package tensor provides the dense float32 matrices the Whisper model runs on
// and the Backend abstraction that executes matrix products, attention and
// elementwise kernels on a particular compute target.
//
// Every tensor in single-utterance inference is two dimensional (time or
// token position × channels), so Matrix is row-major 2D only.
package tensor

import "fmt"

// Matrix is a dense row-major float32 matrix.
type Matrix struct {
	Rows int
	Cols int
	Data []float32
}

// New allocates a zeroed rows×cols matrix.
func New(rows, cols int) *Matrix {
	return &Matrix{Rows: rows, Cols: cols, Data: make([]float32, rows*cols)}
}

// FromSlice wraps data as a rows×cols matrix without copying.
func FromSlice(rows, cols int, data []float32) (*Matrix, error) {
	if rows < 0 || cols < 0 || len(data) != rows*cols {
		return nil, fmt.Errorf("tensor: %d values cannot form %dx%d", len(data), rows, cols)
	}
	return &Matrix{Rows: rows, Cols: cols, Data: data}, nil
}

// MustFromSlice is FromSlice for shapes known to be correct.
func MustFromSlice(rows, cols int, data []float32) *Matrix {
	m, err := FromSlice(rows, cols, data)
	if err != nil {
		panic(err)
	}
	return m
}

// Row returns row i as a slice aliasing the matrix storage.
func (m *Matrix) Row(i int) []float32 {
	return m.Data[i*m.Cols : (i+1)*m.Cols]
}

// At returns element (i, j).
func (m *Matrix) At(i, j int) float32 {
	return m.Data[i*m.Cols+j]
}

// Set stores v at (i, j).
func (m *Matrix) Set(i, j int, v float32) {
	m.Data[i*m.Cols+j] = v
}

// Shape returns (rows, cols).
func (m *Matrix) Shape() (int, int) {
	return m.Rows, m.Cols
}

// Clone returns a deep copy.
func (m *Matrix) Clone() *Matrix {
	out := New(m.Rows, m.Cols)
	copy(out.Data, m.Data)
	return out
}

// Columns copies columns [from, to) into a new matrix.
func (m *Matrix) Columns(from, to int) *Matrix {
	out := New(m.Rows, to-from)
	for i := 0; i < m.Rows; i++ {
		copy(out.Row(i), m.Row(i)[from:to])
	}
	return out
}

// RowRange copies rows [from, to) into a new matrix.
func (m *Matrix) RowRange(from, to int) *Matrix {
	out := New(to-from, m.Cols)
	copy(out.Data, m.Data[from*m.Cols:to*m.Cols])
	return out
}

// SetColumns writes src into columns starting at offset.
func (m *Matrix) SetColumns(offset int, src *Matrix) {
	for i := 0; i < m.Rows; i++ {
		copy(m.Row(i)[offset:offset+src.Cols], src.Row(i))
	}
}

// Transpose returns mᵀ.
func (m *Matrix) Transpose() *Matrix {
	out := New(m.Cols, m.Rows)
	for i := 0; i < m.Rows; i++ {
		for j := 0; j < m.Cols; j++ {
			out.Data[j*m.Rows+i] = m.Data[i*m.Cols+j]
		}
	}
	return out
}

// AppendRows returns m with the rows of extra appended. A nil m yields a
// copy of extra.
func AppendRows(m, extra *Matrix) *Matrix {
	if m == nil {
		return extra.Clone()
	}
	if m.Cols != extra.Cols {
		panic(fmt.Sprintf("tensor: append %d cols to %d cols", extra.Cols, m.Cols))
	}
	data := make([]float32, 0, len(m.Data)+len(extra.Data))
	data = append(data, m.Data...)
	data = append(data, extra.Data...)
	return &Matrix{Rows: m.Rows + extra.Rows, Cols: m.Cols, Data: data}
}

// Scale multiplies every element by s in place.
func (m *Matrix) Scale(s float32) {
	for i := range m.Data {
		m.Data[i] *= s
	}
}

// SameShape reports whether a and b have identical dimensions.
func SameShape(a, b *Matrix) bool {
	return a.Rows == b.Rows && a.Cols == b.Cols
}
