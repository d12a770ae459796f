package tensor

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// MatMulT computes dst = x · wᵀ where x is an n x w.C row-major block,
// w is [out x in] and dst is n x w.R.
func MatMulT(dst, x []float32, n int, w *Mat) {
	if n == 0 || w.R == 0 {
		return
	}
	if len(x) < n*w.C {
		panic("MatMulT input too small")
	}
	if len(dst) < n*w.R {
		panic("MatMulT dst too small")
	}
	a := blas32.General{Rows: n, Cols: w.C, Stride: w.C, Data: x[:n*w.C]}
	b := blas32.General{Rows: w.R, Cols: w.C, Stride: w.Stride, Data: w.Data}
	c := blas32.General{Rows: n, Cols: w.R, Stride: w.R, Data: dst[:n*w.R]}
	blas32.Gemm(blas.NoTrans, blas.Trans, 1, a, b, 0, c)
}
