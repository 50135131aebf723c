package config

import (
	"fmt"
	"math"
	"strings"
)

// Precision is the working numeric precision of the query/key/value tensors.
type Precision int

const (
	PrecisionF32 Precision = iota
	PrecisionF16
	PrecisionBF16
)

func (p Precision) String() string {
	switch p {
	case PrecisionF32:
		return "float32"
	case PrecisionF16:
		return "float16"
	case PrecisionBF16:
		return "bfloat16"
	default:
		return fmt.Sprintf("precision(%d)", int(p))
	}
}

// ParsePrecision maps a CLI string to a Precision.
func ParsePrecision(s string) (Precision, error) {
	switch strings.ToLower(s) {
	case "float32", "f32", "fp32":
		return PrecisionF32, nil
	case "float16", "f16", "fp16", "half":
		return PrecisionF16, nil
	case "bfloat16", "bf16":
		return PrecisionBF16, nil
	}
	return 0, fmt.Errorf("unknown precision %q", s)
}

// CacheDType selects the storage format of the paged KV cache.
// "auto" stores at the working precision (lossless round-trip).
type CacheDType int

const (
	CacheDTypeAuto CacheDType = iota
	CacheDTypeFP8E4M3
	CacheDTypeFP8E5M2
)

func (d CacheDType) String() string {
	switch d {
	case CacheDTypeAuto:
		return "auto"
	case CacheDTypeFP8E4M3:
		return "fp8"
	case CacheDTypeFP8E5M2:
		return "fp8_e5m2"
	default:
		return fmt.Sprintf("cache_dtype(%d)", int(d))
	}
}

// Quantized reports whether the cache round-trip is lossy.
func (d CacheDType) Quantized() bool {
	return d != CacheDTypeAuto
}

// ParseCacheDType maps a CLI string to a CacheDType.
func ParseCacheDType(s string) (CacheDType, error) {
	switch strings.ToLower(s) {
	case "auto", "none":
		return CacheDTypeAuto, nil
	case "fp8", "fp8_e4m3":
		return CacheDTypeFP8E4M3, nil
	case "fp8_e5m2":
		return CacheDTypeFP8E5M2, nil
	}
	return 0, fmt.Errorf("unknown kv cache dtype %q", s)
}

// Case is one conformance test configuration. A Case fully determines the
// shapes and numeric formats of a single kernel-vs-reference comparison.
type Case struct {
	BatchSize    int
	BlockSize    int
	ContextLen   int // cached prefix tokens per sequence
	NewLen       int // extension tokens per sequence
	Heads        int
	QueriesPerKV int // query heads sharing one kv head (1 = MHA)
	HeadDim      int

	Precision     Precision
	CacheDType    CacheDType
	SlidingWindow int // 0 disables windowing

	Seed int64
}

// Default returns the baseline geometry exercised by the suite:
// batch 4, block 16, 128 context + 32 extension tokens.
func Default() Case {
	return Case{
		BatchSize:    4,
		BlockSize:    16,
		ContextLen:   128,
		NewLen:       32,
		Heads:        64,
		QueriesPerKV: 1,
		HeadDim:      128,
		Precision:    PrecisionF16,
		CacheDType:   CacheDTypeAuto,
		Seed:         42,
	}
}

// KVHeads is the number of key/value heads.
func (c *Case) KVHeads() int { return c.Heads / c.QueriesPerKV }

// SeqLen is the full per-sequence span (context + extension).
func (c *Case) SeqLen() int { return c.ContextLen + c.NewLen }

// NumBlocks is the logical block count needed to hold one full sequence.
func (c *Case) NumBlocks() int {
	return (c.SeqLen() + c.BlockSize - 1) / c.BlockSize
}

// Scale is the softmax scale 1/sqrt(head_dim).
func (c *Case) Scale() float32 {
	return float32(1.0 / math.Sqrt(float64(c.HeadDim)))
}

func (c *Case) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("invalid batch_size: %d (must be positive)", c.BatchSize)
	}
	if c.BlockSize <= 0 {
		return fmt.Errorf("invalid block_size: %d (must be positive)", c.BlockSize)
	}
	if c.ContextLen < 0 {
		return fmt.Errorf("invalid context_len: %d (must be non-negative)", c.ContextLen)
	}
	if c.NewLen <= 0 {
		return fmt.Errorf("invalid new_len: %d (must be positive)", c.NewLen)
	}
	if c.Heads <= 0 {
		return fmt.Errorf("invalid heads: %d (must be positive)", c.Heads)
	}
	if c.QueriesPerKV <= 0 {
		return fmt.Errorf("invalid queries_per_kv: %d (must be positive)", c.QueriesPerKV)
	}
	if c.Heads%c.QueriesPerKV != 0 {
		return fmt.Errorf("heads (%d) not divisible by queries_per_kv (%d)", c.Heads, c.QueriesPerKV)
	}
	if c.HeadDim <= 0 {
		return fmt.Errorf("invalid head_dim: %d (must be positive)", c.HeadDim)
	}
	if c.SlidingWindow < 0 {
		return fmt.Errorf("invalid sliding_window: %d (must be non-negative)", c.SlidingWindow)
	}
	return nil
}

// String renders the full configuration tuple. Mismatch reports carry this
// so a failing case is reproducible without rerunning the suite.
func (c *Case) String() string {
	return fmt.Sprintf(
		"heads=%d kv_heads=%d head_dim=%d batch=%d block=%d ctx=%d new=%d dtype=%s kv_cache=%s sliding_window=%d seed=%d",
		c.Heads, c.KVHeads(), c.HeadDim, c.BatchSize, c.BlockSize,
		c.ContextLen, c.NewLen, c.Precision, c.CacheDType, c.SlidingWindow, c.Seed)
}

// Axes is the test parameterization surface. The suite runs the Cartesian
// product of one value per axis.
type Axes struct {
	Heads         []int
	QueriesPerKV  []int
	HeadDims      []int
	Precisions    []Precision
	CacheDTypes   []CacheDType
	SlidingWindow []int
}

// DefaultAxes mirrors the enumeration the kernel is qualified against.
func DefaultAxes() Axes {
	return Axes{
		Heads:         []int{64},
		QueriesPerKV:  []int{1, 8, 64},
		HeadDims:      []int{128, 96, 24},
		Precisions:    []Precision{PrecisionF16, PrecisionBF16},
		CacheDTypes:   []CacheDType{CacheDTypeAuto, CacheDTypeFP8E4M3, CacheDTypeFP8E5M2},
		SlidingWindow: []int{0, 16, 64, 128, 256, 512, 2048},
	}
}

// Cases expands the axes into concrete cases, all sharing the default
// batch/block/length geometry.
func (a Axes) Cases() []Case {
	var cases []Case
	for _, h := range a.Heads {
		for _, qpkv := range a.QueriesPerKV {
			for _, hd := range a.HeadDims {
				for _, p := range a.Precisions {
					for _, dt := range a.CacheDTypes {
						for _, w := range a.SlidingWindow {
							c := Default()
							c.Heads = h
							c.QueriesPerKV = qpkv
							c.HeadDim = hd
							c.Precision = p
							c.CacheDType = dt
							c.SlidingWindow = w
							cases = append(cases, c)
						}
					}
				}
			}
		}
	}
	return cases
}
