package model

import "github.com/samcharles93/nnxlm/internal/tensor"

// Ops provides the dense projection kernel. The default is BLAS-backed.
type Ops interface {
	MatMulT(dst, x []float32, n int, w *tensor.Mat)
}

type defaultOps struct{}

func (defaultOps) MatMulT(dst, x []float32, n int, w *tensor.Mat) {
	tensor.MatMulT(dst, x, n, w)
}

func ensureOps(current Ops) Ops {
	if current == nil {
		return defaultOps{}
	}
	return current
}

// project returns x·wᵀ for n rows of x.
func project(ops Ops, x []float32, n int, w *tensor.Mat) []float32 {
	dst := make([]float32, n*w.R)
	ops.MatMulT(dst, x, n, w)
	return dst
}
