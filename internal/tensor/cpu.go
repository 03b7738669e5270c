package tensor

// NameCPU is the single-goroutine reference backend.
const NameCPU = "cpu"

func init() {
	Register(NameCPU, func(int) Backend { return NewCPU() })
}

// NewCPU returns a backend that runs every kernel on the calling goroutine.
func NewCPU() Backend {
	return &engine{
		name:        NameCPU,
		parallelFor: serialFor,
		gemm:        naiveGemm(serialFor),
	}
}

func serialFor(n int, fn func(lo, hi int)) {
	if n > 0 {
		fn(0, n)
	}
}
