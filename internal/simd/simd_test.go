package simd

import (
	"math"
	"testing"
)

func TestSoftmaxSumsToOne(t *testing.T) {
	x := []float32{1.0, 2.0, 3.0, 4.0}
	Softmax(x)

	sum := float32(0)
	for _, v := range x {
		sum += v
	}
	if math.Abs(float64(sum-1.0)) > 1e-6 {
		t.Errorf("softmax sum = %f, want 1.0", sum)
	}
	// Monotonic input must give monotonic probabilities
	for i := 1; i < len(x); i++ {
		if x[i] <= x[i-1] {
			t.Errorf("expected increasing probabilities, got %v", x)
		}
	}
}

func TestSoftmaxLargeValues(t *testing.T) {
	// Without the max subtraction exp(1000) overflows
	x := []float32{1000, 1001, 1002}
	Softmax(x)

	for i, v := range x {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Fatalf("softmax[%d] = %f, not finite", i, v)
		}
	}
}

func TestSoftmaxMaskedEntries(t *testing.T) {
	negInf := float32(math.Inf(-1))
	x := []float32{0.5, negInf, 1.5, negInf}
	Softmax(x)

	if x[1] != 0 || x[3] != 0 {
		t.Errorf("masked entries must be exactly zero, got %v", x)
	}
	sum := x[0] + x[2]
	if math.Abs(float64(sum-1.0)) > 1e-6 {
		t.Errorf("admissible entries sum = %f, want 1.0", sum)
	}
}

func TestSoftmaxAllMasked(t *testing.T) {
	negInf := float32(math.Inf(-1))
	x := []float32{negInf, negInf}
	Softmax(x)
	if x[0] != 0 || x[1] != 0 {
		t.Errorf("all-masked row should be all-zero, got %v", x)
	}
}

func TestSoftmaxEmpty(t *testing.T) {
	Softmax(nil) // must not panic
}

func TestDot(t *testing.T) {
	a := []float32{1, 2, 3}
	b := []float32{4, 5, 6}
	got := Dot(a, b)
	if got != 32 {
		t.Errorf("Dot = %f, want 32", got)
	}
}

func TestDotMismatchPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic on length mismatch")
		}
	}()
	Dot([]float32{1}, []float32{1, 2})
}

func TestAxpy(t *testing.T) {
	x := []float32{1, 2, 3}
	y := []float32{10, 20, 30}
	Axpy(2, x, y)

	want := []float32{12, 24, 36}
	for i := range want {
		if y[i] != want[i] {
			t.Errorf("Axpy[%d] = %f, want %f", i, y[i], want[i])
		}
	}
}
