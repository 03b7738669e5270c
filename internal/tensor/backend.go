package tensor

import (
	"fmt"
	"math"
	"sort"
	"sync"
)

// Mask selects which keys a query row may attend to.
type Mask struct {
	// Causal restricts query row i to keys at positions <= Offset+i.
	Causal bool
	// Offset is the absolute position of query row 0.
	Offset int
}

// Backend executes the heavy tensor operations of the model. Encoder and
// decoder code is written once against this interface.
type Backend interface {
	// Name identifies the backend in logs and configuration.
	Name() string
	// MatMul returns a·b for a [m×k] and b [k×n].
	MatMul(a, b *Matrix) *Matrix
	// MatMulT returns a·bᵀ for a [m×k] and b [n×k].
	MatMulT(a, b *Matrix) *Matrix
	// Linear returns x·wᵀ + bias; bias may be nil.
	Linear(x, w *Matrix, bias []float32) *Matrix
	// Attention returns softmax(q·kᵀ + mask)·v for one head. q and k must
	// already carry the attention scale.
	Attention(q, k, v *Matrix, mask Mask) *Matrix
	// Add returns the elementwise sum a + b.
	Add(a, b *Matrix) *Matrix
	// GELU applies the exact (erf) GELU in place.
	GELU(x *Matrix)
	// Softmax applies a numerically stable softmax to each row in place.
	Softmax(x *Matrix)
	// LayerNorm normalises each row and applies gamma and beta.
	LayerNorm(x *Matrix, gamma, beta []float32, eps float32) *Matrix
}

// Factory builds a backend that may use up to threads goroutines.
type Factory func(threads int) Backend

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a backend available under name.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// Lookup builds the backend registered under name.
func Lookup(name string, threads int) (Backend, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("tensor: backend %q not registered (have %v)", name, Names())
	}
	return f(threads), nil
}

// Names returns the sorted names of all registered backends.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// engine implements Backend from two strategies: how row ranges are
// scheduled and how a general matrix product is computed.
type engine struct {
	name        string
	parallelFor func(n int, fn func(lo, hi int))
	gemm        func(a, b *Matrix, transB bool) *Matrix
}

func (e *engine) Name() string { return e.name }

func (e *engine) MatMul(a, b *Matrix) *Matrix {
	if a.Cols != b.Rows {
		panic(fmt.Sprintf("tensor: matmul %dx%d by %dx%d", a.Rows, a.Cols, b.Rows, b.Cols))
	}
	return e.gemm(a, b, false)
}

func (e *engine) MatMulT(a, b *Matrix) *Matrix {
	if a.Cols != b.Cols {
		panic(fmt.Sprintf("tensor: matmulT %dx%d by (%dx%d)ᵀ", a.Rows, a.Cols, b.Rows, b.Cols))
	}
	return e.gemm(a, b, true)
}

func (e *engine) Linear(x, w *Matrix, bias []float32) *Matrix {
	out := e.MatMulT(x, w)
	if bias != nil {
		e.parallelFor(out.Rows, func(lo, hi int) {
			for i := lo; i < hi; i++ {
				row := out.Row(i)
				for j := range row {
					row[j] += bias[j]
				}
			}
		})
	}
	return out
}

func (e *engine) Attention(q, k, v *Matrix, mask Mask) *Matrix {
	scores := e.MatMulT(q, k)
	if mask.Causal {
		negInf := float32(math.Inf(-1))
		for i := 0; i < scores.Rows; i++ {
			row := scores.Row(i)
			for j := mask.Offset + i + 1; j < len(row); j++ {
				row[j] = negInf
			}
		}
	}
	e.Softmax(scores)
	return e.MatMul(scores, v)
}

func (e *engine) Add(a, b *Matrix) *Matrix {
	if !SameShape(a, b) {
		panic(fmt.Sprintf("tensor: add %dx%d and %dx%d", a.Rows, a.Cols, b.Rows, b.Cols))
	}
	out := New(a.Rows, a.Cols)
	e.parallelFor(a.Rows, func(lo, hi int) {
		for i := lo * a.Cols; i < hi*a.Cols; i++ {
			out.Data[i] = a.Data[i] + b.Data[i]
		}
	})
	return out
}

func (e *engine) GELU(x *Matrix) {
	e.parallelFor(x.Rows, func(lo, hi int) {
		for i := lo * x.Cols; i < hi*x.Cols; i++ {
			v := float64(x.Data[i])
			x.Data[i] = float32(0.5 * v * (1 + math.Erf(v/math.Sqrt2)))
		}
	})
}

func (e *engine) Softmax(x *Matrix) {
	e.parallelFor(x.Rows, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			SoftmaxInPlace(x.Row(i))
		}
	})
}

func (e *engine) LayerNorm(x *Matrix, gamma, beta []float32, eps float32) *Matrix {
	out := New(x.Rows, x.Cols)
	n := float64(x.Cols)
	e.parallelFor(x.Rows, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			src, dst := x.Row(i), out.Row(i)
			var mean float64
			for _, v := range src {
				mean += float64(v)
			}
			mean /= n
			var variance float64
			for _, v := range src {
				d := float64(v) - mean
				variance += d * d
			}
			variance /= n
			inv := 1 / math.Sqrt(variance+float64(eps))
			for j, v := range src {
				dst[j] = float32((float64(v)-mean)*inv)*gamma[j] + beta[j]
			}
		}
	})
	return out
}

// SoftmaxInPlace rewrites row as probabilities. The row maximum is
// subtracted first so arbitrarily large logits cannot overflow. Infinite
// maxima share the mass evenly: among the +Inf entries when there are any,
// across the whole row when every entry is -Inf. NaN entries stay NaN.
func SoftmaxInPlace(row []float32) {
	if len(row) == 0 {
		return
	}
	maxV := float32(math.Inf(-1))
	for _, v := range row {
		if v > maxV {
			maxV = v
		}
	}
	if math.IsInf(float64(maxV), 0) {
		spreadInf(row, maxV)
		return
	}
	var sum float64
	for j, v := range row {
		ev := math.Exp(float64(v - maxV))
		row[j] = float32(ev)
		sum += ev
	}
	inv := 1 / sum
	for j := range row {
		row[j] = float32(float64(row[j]) * inv)
	}
}

func spreadInf(row []float32, maxV float32) {
	n := 0
	for _, v := range row {
		if v == maxV {
			n++
		}
	}
	share := 1 / float32(n)
	for j, v := range row {
		switch {
		case v == maxV:
			row[j] = share
		case !math.IsNaN(float64(v)):
			row[j] = 0
		}
	}
}

// naiveGemm is the reference product used by the cpu and parallel backends.
func naiveGemm(parallelFor func(n int, fn func(lo, hi int))) func(a, b *Matrix, transB bool) *Matrix {
	return func(a, b *Matrix, transB bool) *Matrix {
		if transB {
			out := New(a.Rows, b.Rows)
			parallelFor(a.Rows, func(lo, hi int) {
				for i := lo; i < hi; i++ {
					ar, or := a.Row(i), out.Row(i)
					for j := 0; j < b.Rows; j++ {
						br := b.Row(j)
						var s float32
						for p, av := range ar {
							s += av * br[p]
						}
						or[j] = s
					}
				}
			})
			return out
		}
		out := New(a.Rows, b.Cols)
		parallelFor(a.Rows, func(lo, hi int) {
			for i := lo; i < hi; i++ {
				ar, or := a.Row(i), out.Row(i)
				for p, av := range ar {
					br := b.Row(p)
					for j, bv := range br {
						or[j] += av * bv
					}
				}
			}
		})
		return out
	}
}
