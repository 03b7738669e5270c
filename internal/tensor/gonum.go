package tensor

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// NameGonum routes matrix products through gonum's BLAS implementation.
const NameGonum = "gonum"

func init() {
	Register(NameGonum, func(threads int) Backend { return NewGonum(threads) })
}

// NewGonum returns a backend whose products use blas32.Gemm and whose
// elementwise kernels are sharded like the parallel backend.
func NewGonum(workers int) Backend {
	pf := serialFor
	if workers > 1 {
		pf = shardedFor(workers)
	}
	return &engine{
		name:        NameGonum,
		parallelFor: pf,
		gemm:        blasGemm,
	}
}

func blasGemm(a, b *Matrix, transB bool) *Matrix {
	n := b.Cols
	tb := blas.NoTrans
	if transB {
		n = b.Rows
		tb = blas.Trans
	}
	out := New(a.Rows, n)
	if a.Rows == 0 || n == 0 || a.Cols == 0 {
		return out
	}
	blas32.Gemm(blas.NoTrans, tb, 1,
		general(a), general(b),
		0, general(out))
	return out
}

func general(m *Matrix) blas32.General {
	return blas32.General{Rows: m.Rows, Cols: m.Cols, Stride: m.Cols, Data: m.Data}
}
