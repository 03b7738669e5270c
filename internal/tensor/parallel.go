package tensor

import (
	"runtime"
	"sync"
)

// NameParallel shards rows across goroutines.
const NameParallel = "parallel"

// minRowsPerWorker keeps tiny products on one goroutine.
const minRowsPerWorker = 4

func init() {
	Register(NameParallel, func(threads int) Backend { return NewParallel(threads) })
}

// NewParallel returns a backend that splits row ranges over up to workers
// goroutines. workers <= 0 means runtime.NumCPU().
func NewParallel(workers int) Backend {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	pf := shardedFor(workers)
	return &engine{
		name:        NameParallel,
		parallelFor: pf,
		gemm:        naiveGemm(pf),
	}
}

func shardedFor(workers int) func(n int, fn func(lo, hi int)) {
	return func(n int, fn func(lo, hi int)) {
		shards := workers
		if limit := n / minRowsPerWorker; limit < shards {
			shards = limit
		}
		if shards <= 1 {
			serialFor(n, fn)
			return
		}
		chunk := (n + shards - 1) / shards
		var wg sync.WaitGroup
		for lo := 0; lo < n; lo += chunk {
			hi := lo + chunk
			if hi > n {
				hi = n
			}
			wg.Add(1)
			go func(lo, hi int) {
				defer wg.Done()
				fn(lo, hi)
			}(lo, hi)
		}
		wg.Wait()
	}
}
