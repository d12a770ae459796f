package kvcache

import (
	"errors"
	"testing"

	"github.com/samcharles93/nnxlm/internal/tensor"
)

// seqTensor builds (b, h, n, d) where element value encodes (b, h, pos, d).
func seqTensor(b, h, n, d, start int, base float32) *tensor.Tensor {
	t := tensor.New(b, h, n, d)
	i := 0
	for bi := range b {
		for hi := range h {
			for p := range n {
				for di := range d {
					t.Data[i] = base + float32(bi*1000+hi*100+(start+p)*10+di)
					i++
				}
			}
		}
	}
	return t
}

func TestUpdateAppendsInOrder(t *testing.T) {
	t.Parallel()
	c := New(2)

	c.StartForward()
	k, v, err := c.Update(0, seqTensor(2, 3, 2, 4, 0, 0), seqTensor(2, 3, 2, 4, 0, 0.5))
	if err != nil {
		t.Fatalf("first update: %v", err)
	}
	if k.Dim(2) != 2 || v.Dim(2) != 2 {
		t.Fatalf("unexpected lengths %v %v", k.Shape, v.Shape)
	}

	c.StartForward()
	k, v, err = c.Update(0, seqTensor(2, 3, 1, 4, 2, 0), seqTensor(2, 3, 1, 4, 2, 0.5))
	if err != nil {
		t.Fatalf("second update: %v", err)
	}
	want := seqTensor(2, 3, 3, 4, 0, 0)
	wantV := seqTensor(2, 3, 3, 4, 0, 0.5)
	if !k.SameShape(want) {
		t.Fatalf("shape %v want %v", k.Shape, want.Shape)
	}
	for i := range want.Data {
		if k.Data[i] != want.Data[i] || v.Data[i] != wantV.Data[i] {
			t.Fatalf("history mismatch at %d: k=%g want %g", i, k.Data[i], want.Data[i])
		}
	}
	if c.Len() != 3 {
		t.Fatalf("Len=%d want 3", c.Len())
	}
	l1, _ := c.Layer(1)
	if l1.Len() != 0 {
		t.Fatalf("layer 1 should be untouched, has %d", l1.Len())
	}
}

func TestUpdateReturnsCopies(t *testing.T) {
	t.Parallel()
	c := New(1)
	c.StartForward()
	k, _, err := c.Update(0, seqTensor(1, 1, 1, 2, 0, 0), seqTensor(1, 1, 1, 2, 0, 0))
	if err != nil {
		t.Fatal(err)
	}
	k.Data[0] = 12345

	c.StartForward()
	k2, _, err := c.Update(0, seqTensor(1, 1, 1, 2, 1, 0), seqTensor(1, 1, 1, 2, 1, 0))
	if err != nil {
		t.Fatal(err)
	}
	if k2.Data[0] == 12345 {
		t.Fatalf("returned history aliases cache storage")
	}
}

func TestUpdateValidationDoesNotMutate(t *testing.T) {
	t.Parallel()
	c := New(1)
	c.StartForward()
	if _, _, err := c.Update(0, seqTensor(1, 2, 2, 4, 0, 0), seqTensor(1, 2, 2, 4, 0, 0)); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		k, v *tensor.Tensor
		want error
	}{
		{"rank", tensor.New(2, 2, 4), tensor.New(2, 2, 4), ErrShape},
		{"kv mismatch", seqTensor(1, 2, 1, 4, 2, 0), seqTensor(1, 2, 2, 4, 2, 0), ErrShape},
		{"heads", seqTensor(1, 3, 1, 4, 2, 0), seqTensor(1, 3, 1, 4, 2, 0), ErrShape},
		{"head dim", seqTensor(1, 2, 1, 8, 2, 0), seqTensor(1, 2, 1, 8, 2, 0), ErrShape},
		{"batch", seqTensor(2, 2, 1, 4, 2, 0), seqTensor(2, 2, 1, 4, 2, 0), ErrShape},
		{"nil", nil, nil, ErrShape},
	}
	for _, tc := range tests {
		c.StartForward()
		if _, _, err := c.Update(0, tc.k, tc.v); !errors.Is(err, tc.want) {
			t.Fatalf("%s: got %v want %v", tc.name, err, tc.want)
		}
		if c.Len() != 2 {
			t.Fatalf("%s: cache mutated to %d positions", tc.name, c.Len())
		}
	}
}

func TestLayerIndexOutOfRange(t *testing.T) {
	t.Parallel()
	c := New(2)
	for _, i := range []int{-1, 2, 10} {
		if _, _, err := c.Update(i, seqTensor(1, 1, 1, 2, 0, 0), seqTensor(1, 1, 1, 2, 0, 0)); !errors.Is(err, ErrLayerRange) {
			t.Fatalf("layer %d: expected ErrLayerRange, got %v", i, err)
		}
	}
}

func TestSecondUpdateInSamePassRejected(t *testing.T) {
	t.Parallel()
	c := New(1)
	c.StartForward()
	if _, _, err := c.Update(0, seqTensor(1, 1, 1, 2, 0, 0), seqTensor(1, 1, 1, 2, 0, 0)); err != nil {
		t.Fatal(err)
	}
	if _, _, err := c.Update(0, seqTensor(1, 1, 1, 2, 1, 0), seqTensor(1, 1, 1, 2, 1, 0)); !errors.Is(err, ErrDoubleUpdate) {
		t.Fatalf("expected ErrDoubleUpdate, got %v", err)
	}
	if c.Len() != 1 {
		t.Fatalf("rejected update mutated cache: %d", c.Len())
	}
}

func BenchmarkLayerUpdateDecode(b *testing.B) {
	step := seqTensor(1, 8, 1, 64, 0, 0)
	for b.Loop() {
		c := New(1)
		for range 64 {
			c.StartForward()
			if _, _, err := c.Update(0, step, step); err != nil {
				b.Fatal(err)
			}
		}
	}
}

func TestNewRejectsNegativeLayers(t *testing.T) {
	t.Parallel()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for negative layer count")
		}
	}()
	New(-1)
}

func TestNewZeroLayers(t *testing.T) {
	t.Parallel()
	c := New(0)
	if c.NumLayers() != 0 || c.Len() != 0 {
		t.Fatalf("layers=%d len=%d", c.NumLayers(), c.Len())
	}
	if _, err := c.Layer(0); !errors.Is(err, ErrLayerRange) {
		t.Fatalf("expected ErrLayerRange, got %v", err)
	}
}
