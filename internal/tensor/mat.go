package tensor

import "fmt"

// Mat is a dense row-major float32 weight matrix.
//
// Projection weights follow the [out x in] convention: row i holds the input
// coefficients for output feature i. Stride is the distance between the
// starts of consecutive rows and equals C for matrices built here.
type Mat struct {
	R, C   int
	Stride int
	Data   []float32
}

// NewMat allocates a zeroed r x c matrix.
func NewMat(r, c int) *Mat {
	if r < 0 || c < 0 {
		panic("negative dimension for matrix")
	}
	return &Mat{
		R:      r,
		C:      c,
		Stride: c,
		Data:   make([]float32, r*c),
	}
}

// NewMatFromData wraps data as an r x c matrix.
func NewMatFromData(r, c int, data []float32) (*Mat, error) {
	if r < 0 || c < 0 {
		return nil, fmt.Errorf("%w: negative dimension %dx%d", ErrShape, r, c)
	}
	if r*c != len(data) {
		return nil, fmt.Errorf("%w: %d elements for %dx%d matrix", ErrShape, len(data), r, c)
	}
	return &Mat{
		R:      r,
		C:      c,
		Stride: c,
		Data:   data,
	}, nil
}

// NewMatFromRaw decodes a little-endian raw buffer in the given dtype into a
// float32 r x c matrix.
func NewMatFromRaw(r, c int, dtype DType, raw []byte) (*Mat, error) {
	data, err := DecodeRaw(dtype, raw)
	if err != nil {
		return nil, err
	}
	return NewMatFromData(r, c, data)
}

// Row returns a view of row i.
func (m *Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	start := i * m.Stride
	return m.Data[start : start+m.C]
}

// RowTo copies row i into dst.
func (m *Mat) RowTo(dst []float32, i int) {
	if len(dst) < m.C {
		panic("row buffer too small")
	}
	copy(dst[:m.C], m.Row(i))
}

// Clone returns a deep copy.
func (m *Mat) Clone() *Mat {
	out := NewMat(m.R, m.C)
	for i := 0; i < m.R; i++ {
		copy(out.Row(i), m.Row(i))
	}
	return out
}

// Transpose returns a new C x R matrix.
func (m *Mat) Transpose() *Mat {
	out := NewMat(m.C, m.R)
	for i := 0; i < m.R; i++ {
		row := m.Row(i)
		for j, v := range row {
			out.Data[j*out.Stride+i] = v
		}
	}
	return out
}

// ConcatRows stacks matrices with equal column counts on top of each other.
func ConcatRows(ms ...*Mat) (*Mat, error) {
	if len(ms) == 0 {
		return nil, fmt.Errorf("%w: nothing to concatenate", ErrShape)
	}
	cols := ms[0].C
	rows := 0
	for _, m := range ms {
		if m == nil {
			return nil, fmt.Errorf("%w: nil matrix", ErrShape)
		}
		if m.C != cols {
			return nil, fmt.Errorf("%w: column count %d != %d", ErrShape, m.C, cols)
		}
		rows += m.R
	}
	out := NewMat(rows, cols)
	r := 0
	for _, m := range ms {
		for i := 0; i < m.R; i++ {
			copy(out.Row(r), m.Row(i))
			r++
		}
	}
	return out, nil
}

// FillRandMat fills m with reproducible values in roughly (-scale/2, scale/2).
func FillRandMat(m *Mat, seed int64, scale float32) {
	fillRand(m.Data, seed, scale)
}
