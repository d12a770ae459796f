package model

import "github.com/samcharles93/nnxlm/internal/tensor"

// RMSNorm is scale-only root-mean-square normalisation over the last axis.
type RMSNorm struct {
	Weight []float32
	Eps    float32
}

func newRMSNorm(name string, weight []float32, n int, eps float64) (*RMSNorm, error) {
	if len(weight) != n {
		return nil, configErrorf("%s has %d features, want %d", name, len(weight), n)
	}
	return &RMSNorm{Weight: weight, Eps: float32(eps)}, nil
}

// Forward returns a normalised copy of x.
func (n *RMSNorm) Forward(x *tensor.Tensor) *tensor.Tensor {
	out := tensor.New(x.Shape...)
	for i := range x.Rows() {
		tensor.RMSNorm(out.Row(i), x.Row(i), n.Weight, n.Eps)
	}
	return out
}

func (n *RMSNorm) applyInPlace(x *tensor.Tensor) {
	for i := range x.Rows() {
		row := x.Row(i)
		tensor.RMSNorm(row, row, n.Weight, n.Eps)
	}
}
