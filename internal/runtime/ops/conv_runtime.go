package ops

import (
	"math"
	"math/bits"
	"sync"
	"sync/atomic"
)

// convWorkers controls the number of goroutines used by the parallel Conv1D
// fast path.  A value of 0 or 1 means sequential (default).  Values >= 2
// enable parallel execution.
//
// Set via SetConvWorkers, typically wired to --conv-workers.
var convWorkers atomic.Int32

// SetConvWorkers sets the maximum number of goroutines used for parallel
// Conv1D execution.  n <= 1 disables parallelism.
func SetConvWorkers(n int) {
	switch {
	case n < 0:
		n = 0
	case n > math.MaxInt32:
		n = math.MaxInt32
	}

	convWorkers.Store(int32(n))
}

// getConvWorkers returns the current worker count (0 or 1 -> sequential).
func getConvWorkers() int { return int(convWorkers.Load()) }

// parallelFor splits the range [0, n) into chunks and runs fn(lo, hi)
// concurrently.  When workers <= 1 the call is sequential (no goroutines).
func parallelFor(n, workers int, fn func(lo, hi int)) {
	if workers <= 1 || n <= 1 {
		fn(0, n)
		return
	}
	if workers > n {
		workers = n
	}

	chunk := (n + workers - 1) / workers

	var wg sync.WaitGroup
	for lo := 0; lo < n; lo += chunk {
		hi := min(lo+chunk, n)

		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(lo, hi)
		}()
	}
	wg.Wait()
}

// Scratch buffers are pooled in power-of-two size classes from 2^10 floats
// (4 KiB) to 2^26 floats (256 MiB) to avoid the multi-MB per-call
// allocations in the im2col path (conv1DIm2Col) and the fused attention
// score rows.
const (
	scratchMinBits = 10
	scratchMaxBits = 26
)

var scratchPools [scratchMaxBits - scratchMinBits + 1]sync.Pool

// scratchClass returns the pool index whose class size is the next power of
// two at or above n.
func scratchClass(n int) int {
	exp := bits.Len(uint(max(n-1, 0)))

	return min(max(exp-scratchMinBits, 0), scratchMaxBits-scratchMinBits)
}

// getScratch returns a zeroed []float32 of exactly n elements from the pool.
// The caller MUST call putScratch when done.
func getScratch(n int) []float32 {
	cls := scratchClass(n)
	size := 1 << (cls + scratchMinBits)
	if size < n {
		// Past the largest class; allocate directly and skip pooling.
		return make([]float32, n)
	}

	if v := scratchPools[cls].Get(); v != nil {
		if buf, ok := v.([]float32); ok {
			buf = buf[:n]
			clear(buf)

			return buf
		}
	}

	// Allocate at the class size so the buffer can serve any request in the
	// same class after it is returned.
	return make([]float32, size)[:n]
}

// putScratch returns a buffer obtained from getScratch back to the pool.
// Oversized buffers that bypassed the pool are dropped for GC.
func putScratch(buf []float32) {
	c := cap(buf)

	cls := scratchClass(c)
	if 1<<(cls+scratchMinBits) < c {
		return
	}

	scratchPools[cls].Put(buf[:c])
}
