package quant

import (
	"fmt"
	"math"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"

	"github.com/23skdu/longbow-verify/internal/config"
)

// Round returns x rounded through the working precision p. For float32 this
// is the identity; float16/bfloat16 go through a real narrowing cast so the
// harness sees the same representable values the kernel does.
func Round(p config.Precision, x float32) float32 {
	switch p {
	case config.PrecisionF16:
		return float16.Fromfloat32(x).Float32()
	case config.PrecisionBF16:
		return bfloat16.ToFloat32(bfloat16.FromFloat32(x))
	default:
		return x
	}
}

// RoundSlice rounds xs in place through precision p.
func RoundSlice(p config.Precision, xs []float32) {
	if p == config.PrecisionF32 {
		return
	}
	for i := range xs {
		xs[i] = Round(p, xs[i])
	}
}

// Codec is the forward/backward cast pair applied when a key or value vector
// is written into the paged cache and read back. The reference path must run
// context-span vectors through the same pair the kernel uses, otherwise the
// comparison reports false mismatches.
type Codec interface {
	// RoundTrip returns the value recovered after storing x in the cache.
	RoundTrip(x float32) float32
	// Lossless reports whether RoundTrip is exact for values already at the
	// working precision.
	Lossless() bool
	String() string
}

// NewCodec builds the codec for a cache dtype at working precision p.
// Scale divides values before narrowing and multiplies them back after,
// matching the k_scale/v_scale handling of the kernel boundary.
func NewCodec(dt config.CacheDType, p config.Precision, scale float32) (Codec, error) {
	if scale == 0 {
		return nil, fmt.Errorf("invalid quantization scale: 0")
	}
	switch dt {
	case config.CacheDTypeAuto:
		return noneCodec{p: p}, nil
	case config.CacheDTypeFP8E4M3:
		return fp8Codec{name: "fp8_e4m3", manBits: 3, minExp: -6, maxFinite: 448, scale: scale}, nil
	case config.CacheDTypeFP8E5M2:
		return fp8Codec{name: "fp8_e5m2", manBits: 2, minExp: -14, maxFinite: 57344, scale: scale}, nil
	}
	return nil, fmt.Errorf("unknown cache dtype %v", dt)
}

// noneCodec stores at the working precision. Values already rounded to that
// precision come back bit-for-bit.
type noneCodec struct {
	p config.Precision
}

func (c noneCodec) RoundTrip(x float32) float32 { return Round(c.p, x) }
func (c noneCodec) Lossless() bool              { return true }
func (c noneCodec) String() string              { return "none" }

// fp8Codec narrows to an 8-bit float format and widens back. Both fp8
// variants share the same mechanics and differ only in exponent/mantissa
// split: e4m3fn (bias 7, no inf, max 448) and e5m2 (bias 15, max 57344).
// Out-of-range magnitudes saturate to the largest finite value.
type fp8Codec struct {
	name      string
	manBits   uint
	minExp    int // smallest normal exponent
	maxFinite float64
	scale     float32
}

func (c fp8Codec) RoundTrip(x float32) float32 {
	scaled := float64(x) / float64(c.scale)
	return float32(c.quantize(scaled) * float64(c.scale))
}

func (c fp8Codec) Lossless() bool { return false }
func (c fp8Codec) String() string { return c.name }

func (c fp8Codec) quantize(x float64) float64 {
	if math.IsNaN(x) {
		return x
	}
	if x == 0 {
		return 0
	}

	a := math.Abs(x)
	_, exp := math.Frexp(a) // a = frac * 2^exp, frac in [0.5, 1)
	e := exp - 1
	if e < c.minExp {
		e = c.minExp // subnormal range shares the smallest quantum
	}

	// Round to the nearest representable multiple of the binade's quantum,
	// ties to even. Rounding up across a binade boundary lands on the next
	// power of two, which is still representable.
	quantum := math.Ldexp(1, e-int(c.manBits))
	q := math.RoundToEven(a/quantum) * quantum

	if q > c.maxFinite {
		q = c.maxFinite
	}
	if x < 0 {
		return -q
	}
	return q
}
