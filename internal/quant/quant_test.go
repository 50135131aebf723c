package quant

import (
	"math"
	"math/rand"
	"testing"

	"github.com/23skdu/longbow-verify/internal/config"
)

func TestRoundFloat32Identity(t *testing.T) {
	for _, x := range []float32{0, 1, -1, 0.123456789, 65504, 1e-8} {
		if got := Round(config.PrecisionF32, x); got != x {
			t.Errorf("Round(f32, %v) = %v, want identity", x, got)
		}
	}
}

func TestRoundFloat16Representable(t *testing.T) {
	// Values exactly representable in fp16 must survive bit-for-bit.
	for _, x := range []float32{0, 1, -1, 0.5, 1.5, 2048, -0.25} {
		if got := Round(config.PrecisionF16, x); got != x {
			t.Errorf("Round(f16, %v) = %v, want exact", x, got)
		}
	}
}

func TestRoundFloat16Narrows(t *testing.T) {
	x := float32(1.0 + 1.0/4096.0) // below fp16 mantissa resolution at 1.0
	got := Round(config.PrecisionF16, x)
	if got == x {
		t.Errorf("Round(f16, %v) should lose precision, got identical value", x)
	}
	if math.Abs(float64(got-x)) > 1e-3 {
		t.Errorf("Round(f16, %v) = %v, error too large", x, got)
	}
}

func TestRoundBFloat16(t *testing.T) {
	for _, x := range []float32{0, 1, -2, 0.5, 128} {
		if got := Round(config.PrecisionBF16, x); got != x {
			t.Errorf("Round(bf16, %v) = %v, want exact", x, got)
		}
	}
	// bf16 keeps only 8 mantissa bits
	x := float32(1.001)
	got := Round(config.PrecisionBF16, x)
	if math.Abs(float64(got-x)) > 0.01 {
		t.Errorf("Round(bf16, %v) = %v, error too large", x, got)
	}
}

func TestNoneCodecLossless(t *testing.T) {
	c, err := NewCodec(config.CacheDTypeAuto, config.PrecisionF16, 1.0)
	if err != nil {
		t.Fatalf("NewCodec failed: %v", err)
	}
	if !c.Lossless() {
		t.Error("auto codec must be lossless")
	}

	r := rand.New(rand.NewSource(42))
	for i := 0; i < 1000; i++ {
		// inputs already at working precision, as the materializer sees them
		x := Round(config.PrecisionF16, float32(r.NormFloat64()))
		if got := c.RoundTrip(x); got != x {
			t.Fatalf("round trip not bit-for-bit: %v -> %v", x, got)
		}
	}
}

func TestFP8CodecBoundedError(t *testing.T) {
	tests := []struct {
		dtype  config.CacheDType
		relTol float64 // half ulp at the format's mantissa width
	}{
		{config.CacheDTypeFP8E4M3, 1.0 / 16.0},
		{config.CacheDTypeFP8E5M2, 1.0 / 8.0},
	}

	for _, tt := range tests {
		c, err := NewCodec(tt.dtype, config.PrecisionF16, 1.0)
		if err != nil {
			t.Fatalf("NewCodec(%v) failed: %v", tt.dtype, err)
		}
		if c.Lossless() {
			t.Errorf("%v codec must not report lossless", tt.dtype)
		}

		r := rand.New(rand.NewSource(7))
		for i := 0; i < 2000; i++ {
			x := float32(r.NormFloat64())
			got := c.RoundTrip(x)
			relErr := math.Abs(float64(got-x)) / math.Max(math.Abs(float64(x)), 1e-6)
			if relErr > tt.relTol {
				t.Fatalf("%v: round trip of %v gave %v (rel err %.4f > %.4f)",
					tt.dtype, x, got, relErr, tt.relTol)
			}
		}
	}
}

func TestFP8ExactValues(t *testing.T) {
	c, err := NewCodec(config.CacheDTypeFP8E4M3, config.PrecisionF32, 1.0)
	if err != nil {
		t.Fatalf("NewCodec failed: %v", err)
	}
	// Powers of two and small integers are representable in e4m3
	for _, x := range []float32{0, 1, -1, 2, 0.5, 448, -448, 0.25, 3, 6} {
		if got := c.RoundTrip(x); got != x {
			t.Errorf("e4m3 round trip of %v = %v, want exact", x, got)
		}
	}
}

func TestFP8Saturates(t *testing.T) {
	c, _ := NewCodec(config.CacheDTypeFP8E4M3, config.PrecisionF32, 1.0)
	if got := c.RoundTrip(10000); got != 448 {
		t.Errorf("e4m3 overflow should saturate to 448, got %v", got)
	}
	if got := c.RoundTrip(-10000); got != -448 {
		t.Errorf("e4m3 negative overflow should saturate to -448, got %v", got)
	}

	c5, _ := NewCodec(config.CacheDTypeFP8E5M2, config.PrecisionF32, 1.0)
	if got := c5.RoundTrip(1e6); got != 57344 {
		t.Errorf("e5m2 overflow should saturate to 57344, got %v", got)
	}
}

func TestFP8ScaleRoundTrip(t *testing.T) {
	// Scaling down before the cast and back up after must cancel for
	// values that land on representable points.
	c, _ := NewCodec(config.CacheDTypeFP8E4M3, config.PrecisionF32, 2.0)
	for _, x := range []float32{0, 2, -2, 4, 896} {
		if got := c.RoundTrip(x); got != x {
			t.Errorf("scaled round trip of %v = %v, want exact", x, got)
		}
	}
}

func TestNewCodecRejectsZeroScale(t *testing.T) {
	if _, err := NewCodec(config.CacheDTypeFP8E4M3, config.PrecisionF16, 0); err == nil {
		t.Error("expected error for zero scale")
	}
}
