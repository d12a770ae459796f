// Package kvcache stores per-layer key/value history for incremental decoding.
//
// A Cache is created once per generation session with one Layer per
// transformer block. Each forward pass appends the keys and values of the
// newly processed positions and receives the full history back, earliest
// position first. There is no eviction: the session bounds total length.
package kvcache

import (
	"errors"
	"fmt"

	"github.com/samcharles93/nnxlm/internal/tensor"
)

var (
	// ErrLayerRange reports a layer index outside [0, NumLayers).
	ErrLayerRange = errors.New("kv cache layer index out of range")
	// ErrShape reports keys or values whose shape disagrees with the stored history.
	ErrShape = errors.New("kv cache shape mismatch")
	// ErrDoubleUpdate reports a second update of one layer within a forward pass.
	ErrDoubleUpdate = errors.New("kv cache layer updated twice in one forward pass")
)

// Cache holds one Layer per transformer block.
type Cache struct {
	layers []Layer
}

// New creates an empty cache for numLayers blocks. Like make, it panics when
// numLayers is negative.
func New(numLayers int) *Cache {
	if numLayers < 0 {
		panic(fmt.Sprintf("kvcache: negative layer count %d", numLayers))
	}
	return &Cache{layers: make([]Layer, numLayers)}
}

// NumLayers returns the number of layer entries.
func (c *Cache) NumLayers() int { return len(c.layers) }

// Len returns the number of positions stored by the first layer.
func (c *Cache) Len() int {
	if len(c.layers) == 0 {
		return 0
	}
	return c.layers[0].seen
}

// StartForward marks the beginning of a forward pass so that each layer
// accepts exactly one update until the next call.
func (c *Cache) StartForward() {
	for i := range c.layers {
		c.layers[i].updated = false
	}
}

// Layer returns the entry for layer i.
func (c *Cache) Layer(i int) (*Layer, error) {
	if i < 0 || i >= len(c.layers) {
		return nil, fmt.Errorf("%w: %d (cache has %d layers)", ErrLayerRange, i, len(c.layers))
	}
	return &c.layers[i], nil
}

// Update appends to layer i and returns the full key/value history.
func (c *Cache) Update(i int, keys, values *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	l, err := c.Layer(i)
	if err != nil {
		return nil, nil, err
	}
	return l.Update(keys, values)
}

// Layer is the key/value history of one transformer block, logically shaped
// (batch, kvHeads, seen, headDim).
type Layer struct {
	batch, heads, headDim int
	seen                  int
	updated               bool

	// k[b*heads+h] holds seen*headDim values for that (batch, head) pair.
	k, v [][]float32
}

// Len returns the number of positions stored.
func (l *Layer) Len() int { return l.seen }

// Dims returns the (batch, heads, headDim) fixed by the first update, or
// zeros for an empty layer.
func (l *Layer) Dims() (batch, heads, headDim int) {
	return l.batch, l.heads, l.headDim
}

// Check validates a prospective update without mutating the layer.
func (l *Layer) Check(keys, values *tensor.Tensor) error {
	if keys == nil || values == nil {
		return fmt.Errorf("%w: nil keys or values", ErrShape)
	}
	if keys.Rank() != 4 || !keys.SameShape(values) {
		return fmt.Errorf("%w: keys %v values %v, want matching (batch, heads, seq, head_dim)", ErrShape, keys.Shape, values.Shape)
	}
	if l.updated {
		return ErrDoubleUpdate
	}
	if l.k == nil {
		return nil
	}
	b, h, d := keys.Dim(0), keys.Dim(1), keys.Dim(3)
	if b != l.batch || h != l.heads || d != l.headDim {
		return fmt.Errorf("%w: got (%d, %d, _, %d), cache holds (%d, %d, _, %d)", ErrShape, b, h, d, l.batch, l.heads, l.headDim)
	}
	return nil
}

// Update appends keys and values (batch, kvHeads, newLen, headDim) along the
// sequence axis and returns the accumulated history. The returned tensors are
// fresh copies; the caller may keep or modify them.
func (l *Layer) Update(keys, values *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	if err := l.Check(keys, values); err != nil {
		return nil, nil, err
	}
	b, h, n, d := keys.Dim(0), keys.Dim(1), keys.Dim(2), keys.Dim(3)
	if l.k == nil {
		l.batch, l.heads, l.headDim = b, h, d
		l.k = make([][]float32, b*h)
		l.v = make([][]float32, b*h)
	}
	span := n * d
	for i := range l.k {
		l.k[i] = append(l.k[i], keys.Data[i*span:(i+1)*span]...)
		l.v[i] = append(l.v[i], values.Data[i*span:(i+1)*span]...)
	}
	l.seen += n
	l.updated = true
	return l.gather(l.k), l.gather(l.v), nil
}

func (l *Layer) gather(src [][]float32) *tensor.Tensor {
	out := tensor.New(l.batch, l.heads, l.seen, l.headDim)
	span := l.seen * l.headDim
	for i, s := range src {
		copy(out.Data[i*span:(i+1)*span], s)
	}
	return out
}
