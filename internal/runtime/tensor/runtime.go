package tensor

import (
	"math"
	"sync"
	"sync/atomic"
)

// workerLimit bounds goroutine fan-out in the heavy kernels (MatMul,
// Linear). A limit of 1 keeps everything on the calling goroutine.
var workerLimit atomic.Int32

func init() {
	workerLimit.Store(1)
}

// SetWorkers caps the number of goroutines the kernels may spawn.
// Values below 1 are treated as 1.
func SetWorkers(n int) {
	if n < 1 {
		n = 1
	}
	if n > math.MaxInt32 {
		n = math.MaxInt32
	}
	workerLimit.Store(int32(n))
}

// Workers reports the current kernel goroutine cap.
func Workers() int {
	n := int(workerLimit.Load())
	if n < 1 {
		return 1
	}
	return n
}

// parallelFor splits [0, n) into contiguous ranges and runs fn on each,
// spawning at most limit goroutines. With limit <= 1 it runs inline.
func parallelFor(n, limit int, fn func(lo, hi int)) {
	if n <= 0 {
		return
	}
	if limit <= 1 || n == 1 {
		fn(0, n)
		return
	}
	if limit > n {
		limit = n
	}

	step := (n + limit - 1) / limit

	var wg sync.WaitGroup
	for lo := 0; lo < n; lo += step {
		hi := min(lo+step, n)
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(lo, hi)
		}()
	}
	wg.Wait()
}
