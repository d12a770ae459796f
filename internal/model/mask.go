package model

import (
	"math"

	"github.com/samcharles93/nnxlm/internal/tensor"
)

// Masked is the additive bias for a forbidden (query, key) pair.
var Masked = float32(math.Inf(-1))

// Mask is an additive attention bias shaped (batch|1, heads|1, queryLen, keyLen).
// Entries are 0 where attention is permitted and Masked where it is not.
type Mask struct {
	t *tensor.Tensor
}

// NewMask wraps a caller-built bias tensor. Rank 2 (query, key) and rank 3
// (batch, query, key) tensors are broadcast over the missing axes.
func NewMask(t *tensor.Tensor) (*Mask, error) {
	if t == nil {
		return nil, inputErrorf("nil mask tensor")
	}
	var (
		v   *tensor.Tensor
		err error
	)
	switch t.Rank() {
	case 2:
		v, err = t.Reshape(1, 1, t.Dim(0), t.Dim(1))
	case 3:
		v, err = t.Reshape(t.Dim(0), 1, t.Dim(1), t.Dim(2))
	case 4:
		v = t
	default:
		return nil, inputErrorf("mask must have rank 2, 3 or 4, got shape %v", t.Shape)
	}
	if err != nil {
		return nil, inputErrorf("mask: %v", err)
	}
	return &Mask{t: v}, nil
}

// CausalMask builds the bias for queryLen new positions following pastLen
// cached ones: query i may attend to keys 0..pastLen+i.
func CausalMask(batch, queryLen, pastLen int) *Mask {
	keyLen := pastLen + queryLen
	t := tensor.New(batch, 1, queryLen, keyLen)
	for b := range batch {
		for i := range queryLen {
			row := t.Row(b*queryLen + i)
			for j := pastLen + i + 1; j < keyLen; j++ {
				row[j] = Masked
			}
		}
	}
	return &Mask{t: t}
}

// WithKeyPadding returns a copy of m, broadcast to the batch, where keys
// with valid[b][j] == false are masked for every query.
func (m *Mask) WithKeyPadding(valid [][]bool) (*Mask, error) {
	mb, mh, q, k := m.t.Dim(0), m.t.Dim(1), m.t.Dim(2), m.t.Dim(3)
	batch := len(valid)
	if mb != 1 && mb != batch {
		return nil, inputErrorf("padding covers %d rows, mask batch is %d", batch, mb)
	}
	out := tensor.New(batch, mh, q, k)
	for b := range batch {
		if len(valid[b]) != k {
			return nil, inputErrorf("padding row %d has %d keys, mask has %d", b, len(valid[b]), k)
		}
		for h := range mh {
			for i := range q {
				dst := out.Row((b*mh+h)*q + i)
				copy(dst, m.row(b, h, i))
				for j, ok := range valid[b] {
					if !ok {
						dst[j] = Masked
					}
				}
			}
		}
	}
	return &Mask{t: out}, nil
}

// Shape returns the rank-4 mask shape.
func (m *Mask) Shape() []int { return append([]int(nil), m.t.Shape...) }

// QueryLen returns the number of query rows the mask covers.
func (m *Mask) QueryLen() int { return m.t.Dim(2) }

// KeyLen returns the number of key columns the mask covers.
func (m *Mask) KeyLen() int { return m.t.Dim(3) }

func (m *Mask) check(batch, heads, queryLen, keyLen int) error {
	if m == nil {
		return inputErrorf("attention mask is required")
	}
	mb, mh, q, k := m.t.Dim(0), m.t.Dim(1), m.t.Dim(2), m.t.Dim(3)
	if (mb != 1 && mb != batch) || (mh != 1 && mh != heads) || q != queryLen || k != keyLen {
		return inputErrorf("mask shape %v incompatible with (batch=%d, heads=%d, query=%d, key=%d)", m.t.Shape, batch, heads, queryLen, keyLen)
	}
	return nil
}

func (m *Mask) row(b, h, i int) []float32 {
	mb, mh, q := m.t.Dim(0), m.t.Dim(1), m.t.Dim(2)
	if mb == 1 {
		b = 0
	}
	if mh == 1 {
		h = 0
	}
	return m.t.Row((b*mh+h)*q + i)
}
