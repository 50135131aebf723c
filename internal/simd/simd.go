package simd

import "math"

var (
	softmaxImpl func(x []float32)
	dotImpl     func(a, b []float32) float32
	axpyImpl    func(alpha float32, x, y []float32)
)

func init() {
	softmaxImpl = softmaxFallback
	dotImpl = dotFallback
	axpyImpl = axpyFallback
}

// Softmax normalizes x in place. Entries at -Inf come out as exactly zero,
// so masked attention scores contribute nothing to the weighted sum.
func Softmax(x []float32) {
	softmaxImpl(x)
}

// Dot returns the inner product of a and b. Panics on length mismatch.
func Dot(a, b []float32) float32 {
	if len(a) != len(b) {
		panic("simd: dot length mismatch")
	}
	return dotImpl(a, b)
}

// Axpy computes y += alpha * x.
func Axpy(alpha float32, x, y []float32) {
	if len(x) != len(y) {
		panic("simd: axpy length mismatch")
	}
	axpyImpl(alpha, x, y)
}

func softmaxFallback(x []float32) {
	if len(x) == 0 {
		return
	}

	// Subtract the row max before exponentiating to avoid overflow at
	// reduced precision. If every entry is -Inf the row stays all-zero.
	max := float32(math.Inf(-1))
	for _, v := range x {
		if v > max {
			max = v
		}
	}
	if math.IsInf(float64(max), -1) {
		for i := range x {
			x[i] = 0
		}
		return
	}

	sum := float32(0.0)
	for i := range x {
		x[i] = float32(math.Exp(float64(x[i] - max)))
		sum += x[i]
	}

	if sum > 0 {
		invSum := float32(1.0) / sum
		for i := range x {
			x[i] *= invSum
		}
	}
}

func dotFallback(a, b []float32) float32 {
	// Accumulate in float64 so the reference path does not lose precision
	// the kernel under test is allowed to keep.
	sum := 0.0
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return float32(sum)
}

func axpyFallback(alpha float32, x, y []float32) {
	for i := range x {
		y[i] += alpha * x[i]
	}
}
