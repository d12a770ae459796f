package tensor

import (
	"errors"
	"fmt"
	"math/rand"
)

var (
	// ErrShape is returned when tensor dimensions do not line up.
	ErrShape = errors.New("tensor shape mismatch")
	// ErrDType is returned for unsupported raw element encodings.
	ErrDType = errors.New("unsupported tensor dtype")
)

// Tensor is a dense row-major float32 tensor of arbitrary rank.
//
// Data always has exactly Len() elements; the last dimension is contiguous.
// Tensors returned by Reshape share Data with their source.
type Tensor struct {
	Shape []int
	Data  []float32
}

// New allocates a zeroed tensor with the given shape.
func New(shape ...int) *Tensor {
	n := 1
	for _, d := range shape {
		if d < 0 {
			panic("negative dimension for tensor")
		}
		n *= d
	}
	return &Tensor{
		Shape: append([]int(nil), shape...),
		Data:  make([]float32, n),
	}
}

// FromData wraps data as a tensor of the given shape without copying.
func FromData(data []float32, shape ...int) (*Tensor, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return nil, fmt.Errorf("%w: negative dimension in %v", ErrShape, shape)
		}
		n *= d
	}
	if n != len(data) {
		return nil, fmt.Errorf("%w: %d elements for shape %v", ErrShape, len(data), shape)
	}
	return &Tensor{
		Shape: append([]int(nil), shape...),
		Data:  data,
	}, nil
}

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int { return len(t.Shape) }

// Len returns the total number of elements.
func (t *Tensor) Len() int { return len(t.Data) }

// Dim returns the size of dimension i. Negative i counts from the end.
func (t *Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.Shape)
	}
	return t.Shape[i]
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		Shape: append([]int(nil), t.Shape...),
		Data:  append([]float32(nil), t.Data...),
	}
}

// Reshape returns a view with a new shape over the same data.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	return FromData(t.Data, shape...)
}

// SameShape reports whether t and o have identical dimensions.
func (t *Tensor) SameShape(o *Tensor) bool {
	if len(t.Shape) != len(o.Shape) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != o.Shape[i] {
			return false
		}
	}
	return true
}

// Rows returns the number of rows when the tensor is viewed as a matrix
// whose columns are the last dimension.
func (t *Tensor) Rows() int {
	if len(t.Shape) == 0 {
		return 1
	}
	last := t.Shape[len(t.Shape)-1]
	if last == 0 {
		return 0
	}
	return len(t.Data) / last
}

// Row returns a view of row i of the matrix view described in Rows.
func (t *Tensor) Row(i int) []float32 {
	c := t.Shape[len(t.Shape)-1]
	if i < 0 || i >= t.Rows() {
		panic("row index out of range")
	}
	return t.Data[i*c : (i+1)*c]
}

// FillRand fills t with reproducible values in roughly (-scale/2, scale/2).
func FillRand(t *Tensor, seed int64, scale float32) {
	fillRand(t.Data, seed, scale)
}

func fillRand(dst []float32, seed int64, scale float32) {
	rng := rand.New(rand.NewSource(seed))
	for i := range dst {
		dst[i] = (rng.Float32() - 0.5) * scale
	}
}
