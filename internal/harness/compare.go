package harness

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/23skdu/longbow-verify/internal/artifact"
	"github.com/23skdu/longbow-verify/internal/attention"
	"github.com/23skdu/longbow-verify/internal/config"
	"github.com/23skdu/longbow-verify/internal/logger"
	"github.com/23skdu/longbow-verify/internal/mask"
	"github.com/23skdu/longbow-verify/internal/metrics"
	"github.com/23skdu/longbow-verify/internal/pagedkv"
	"github.com/23skdu/longbow-verify/internal/quant"
)

// Result reports one completed comparison.
type Result struct {
	Case          config.Case
	Kernel        string
	KernelTime    time.Duration
	ReferenceTime time.Duration
	MaxDeviation  float64
	Skipped       bool
	SkipReason    string
}

// MismatchError carries the full configuration tuple of a failed comparison
// so the case can be reproduced in isolation.
type MismatchError struct {
	Case         config.Case
	Kernel       string
	Index        int
	Got, Want    float32
	MaxDeviation float64
	Rtol, Atol   float64
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf(
		"kernel %q output outside tolerance (rtol=%g atol=%g): index %d got %v want %v, max deviation %g; config: %s",
		e.Kernel, e.Rtol, e.Atol, e.Index, e.Got, e.Want, e.MaxDeviation, e.Case.String())
}

// Comparator runs a kernel and the reference engine over identical logical
// inputs and asserts element-wise closeness.
type Comparator struct {
	// DumpDir, when set, receives an Arrow IPC artifact for every mismatch.
	DumpDir string

	log *logger.Logger
}

func NewComparator() *Comparator {
	return &Comparator{log: logger.Log.WithComponent("comparator")}
}

// caseData is one generated test case: the kernel boundary input plus the
// flat key/value history the reference path consumes.
type caseData struct {
	in         *Input
	key, value []float32 // [batch*maxLen, kvHeads, headDim], context + extension
	codec      quant.Codec
}

// buildCase deterministically generates tensors for a case, materializes the
// paged cache, and permutes the block table so the kernel cannot assume a
// contiguous logical-to-physical mapping.
func buildCase(cs config.Case) (*caseData, error) {
	if err := cs.Validate(); err != nil {
		return nil, fmt.Errorf("invalid case: %w", err)
	}

	r := rand.New(rand.NewSource(cs.Seed))
	kvHeads := cs.KVHeads()
	maxLen := cs.SeqLen()

	randn := func(n int) []float32 {
		out := make([]float32, n)
		for i := range out {
			out[i] = float32(r.NormFloat64())
		}
		quant.RoundSlice(cs.Precision, out)
		return out
	}

	query := randn(cs.BatchSize * cs.NewLen * cs.Heads * cs.HeadDim)
	key := randn(cs.BatchSize * maxLen * kvHeads * cs.HeadDim)
	value := randn(cs.BatchSize * maxLen * kvHeads * cs.HeadDim)

	codec, err := quant.NewCodec(cs.CacheDType, cs.Precision, 1.0)
	if err != nil {
		return nil, err
	}

	alloc := pagedkv.NewAllocator(cs.BatchSize * cs.NumBlocks())
	table, err := pagedkv.NewBlockTable(cs.BatchSize, cs.NumBlocks(), alloc)
	if err != nil {
		return nil, err
	}
	table.Shuffle(r)

	cache, err := pagedkv.NewCache(cs.BatchSize*cs.NumBlocks(), cs.BlockSize, kvHeads, cs.HeadDim, codec, table)
	if err != nil {
		return nil, err
	}

	ctxLens := make([]int, cs.BatchSize)
	for b := range ctxLens {
		ctxLens[b] = cs.ContextLen
	}
	if err := cache.Materialize(key, value, ctxLens, maxLen); err != nil {
		return nil, fmt.Errorf("materializing cache: %w", err)
	}
	metrics.RecordCacheStats(cs.BatchSize*cs.NumBlocks(), cs.ContextLen)

	// Extension-span keys/values, contiguous per sequence, bypass the cache.
	tokenStride := kvHeads * cs.HeadDim
	keyNew := make([]float32, cs.BatchSize*cs.NewLen*tokenStride)
	valueNew := make([]float32, cs.BatchSize*cs.NewLen*tokenStride)
	for b := 0; b < cs.BatchSize; b++ {
		src := (b*maxLen + cs.ContextLen) * tokenStride
		dst := b * cs.NewLen * tokenStride
		copy(keyNew[dst:dst+cs.NewLen*tokenStride], key[src:src+cs.NewLen*tokenStride])
		copy(valueNew[dst:dst+cs.NewLen*tokenStride], value[src:src+cs.NewLen*tokenStride])
	}

	startLoc := make([]int32, cs.BatchSize+1)
	seqLens := make([]int32, cs.BatchSize)
	ctxLens32 := make([]int32, cs.BatchSize)
	for b := 0; b < cs.BatchSize; b++ {
		startLoc[b] = int32(b * cs.NewLen)
		seqLens[b] = int32(maxLen)
		ctxLens32[b] = int32(cs.ContextLen)
	}
	startLoc[cs.BatchSize] = int32(cs.BatchSize * cs.NewLen)

	in := &Input{
		Query:         query,
		KeyNew:        keyNew,
		ValueNew:      valueNew,
		KCache:        cache.K(),
		VCache:        cache.V(),
		BlockTable:    table.Entries(),
		BlocksPerSeq:  cs.NumBlocks(),
		BlockSize:     cs.BlockSize,
		StartLoc:      startLoc,
		SeqLens:       seqLens,
		CtxLens:       ctxLens32,
		MaxSeqLen:     maxLen,
		NewLen:        cs.NewLen,
		Heads:         cs.Heads,
		KVHeads:       kvHeads,
		HeadDim:       cs.HeadDim,
		Precision:     cs.Precision,
		CacheDType:    cs.CacheDType,
		KScale:        1.0,
		VScale:        1.0,
		SlidingWindow: cs.SlidingWindow,
		Scale:         cs.Scale(),
	}
	return &caseData{in: in, key: key, value: value, codec: codec}, nil
}

// BuildInput generates the kernel boundary input for a case. Exposed for
// transports that ship cases to out-of-process kernels.
func BuildInput(cs config.Case) (*Input, error) {
	d, err := buildCase(cs)
	if err != nil {
		return nil, err
	}
	return d.in, nil
}

// reference computes ground-truth attention per sequence using explicit
// per-batch lengths throughout. Context-span key/value vectors pass through
// the cache codec first so the reference sees the same information loss the
// kernel does; extension-span vectors bypass the cache and stay exact.
func (c *Comparator) reference(cs config.Case, d *caseData) ([]float32, error) {
	kvHeads := cs.KVHeads()
	maxLen := cs.SeqLen()
	tokenStride := kvHeads * cs.HeadDim

	m, err := mask.Additive(cs.ContextLen, cs.NewLen, cs.SlidingWindow, cs.Precision)
	if err != nil {
		return nil, fmt.Errorf("building mask: %w", err)
	}

	out := make([]float32, len(d.in.Query))
	qStride := cs.NewLen * cs.Heads * cs.HeadDim

	for b := 0; b < cs.BatchSize; b++ {
		kSeq := make([]float32, maxLen*tokenStride)
		vSeq := make([]float32, maxLen*tokenStride)
		copy(kSeq, d.key[b*maxLen*tokenStride:(b+1)*maxLen*tokenStride])
		copy(vSeq, d.value[b*maxLen*tokenStride:(b+1)*maxLen*tokenStride])
		for i := 0; i < cs.ContextLen*tokenStride; i++ {
			kSeq[i] = d.codec.RoundTrip(kSeq[i])
			vSeq[i] = d.codec.RoundTrip(vSeq[i])
		}

		kExp, err := attention.ExpandHeads(kSeq, maxLen, kvHeads, cs.Heads, cs.HeadDim)
		if err != nil {
			return nil, err
		}
		vExp, err := attention.ExpandHeads(vSeq, maxLen, kvHeads, cs.Heads, cs.HeadDim)
		if err != nil {
			return nil, err
		}

		q := d.in.Query[b*qStride : (b+1)*qStride]
		o, err := attention.Reference(q, kExp, vExp, m, cs.NewLen, maxLen, cs.Heads, cs.HeadDim, cs.Scale())
		if err != nil {
			return nil, err
		}
		copy(out[b*qStride:(b+1)*qStride], o)
	}
	return out, nil
}

// Tolerances returns the comparison bounds for a case: 1e-5 at full
// precision, 1e-3 at reduced precision, loosened further when the cache
// round-trip is lossy.
func Tolerances(cs config.Case) (rtol, atol float64) {
	rtol, atol = 1e-3, 1e-3
	if cs.Precision == config.PrecisionF32 {
		rtol, atol = 1e-5, 1e-5
	}
	if cs.CacheDType.Quantized() {
		rtol, atol = 2e-2, 2e-2
	}
	return rtol, atol
}

// Run executes the kernel and the reference engine sequentially over one
// case and compares their outputs. An ErrUnsupported from the kernel yields
// a skipped Result, not an error.
func (c *Comparator) Run(ctx context.Context, kernel Kernel, cs config.Case) (*Result, error) {
	d, err := buildCase(cs)
	if err != nil {
		return nil, err
	}

	out := make([]float32, len(d.in.Query))

	// The kernel contract requires ContextAttention to drain all pending
	// device work before returning, so the elapsed time below is the full
	// kernel latency and out is safe to read.
	kernelStart := time.Now()
	err = kernel.ContextAttention(ctx, d.in, out)
	kernelTime := time.Since(kernelStart)
	if err != nil {
		if errors.Is(err, ErrUnsupported) {
			c.log.Warn("kernel unsupported, skipping case", "kernel", kernel.Name(), "reason", err.Error(), "config", cs.String())
			metrics.RecordCase("skip")
			return &Result{Case: cs, Kernel: kernel.Name(), Skipped: true, SkipReason: err.Error()}, nil
		}
		metrics.RecordCase("fail")
		return nil, fmt.Errorf("kernel %q failed: %w", kernel.Name(), err)
	}
	metrics.RecordEngineDuration("kernel", kernelTime)

	refStart := time.Now()
	want, err := c.reference(cs, d)
	refTime := time.Since(refStart)
	if err != nil {
		metrics.RecordCase("fail")
		return nil, fmt.Errorf("reference computation failed: %w", err)
	}
	metrics.RecordEngineDuration("reference", refTime)

	c.recordInstability("kernel", out)
	c.recordInstability("reference", want)

	rtol, atol := Tolerances(cs)
	maxDev, worst, ok := assertClose(out, want, rtol, atol)
	if !ok {
		metrics.RecordCase("fail")
		metrics.RecordMismatch(cs.Precision.String(), cs.CacheDType.String(), maxDev)
		if c.DumpDir != "" {
			path, dumpErr := artifact.WriteMismatch(c.DumpDir, &cs, d.in.Query, out, want)
			if dumpErr != nil {
				c.log.Error("failed to write mismatch artifact", "error", dumpErr)
			} else {
				c.log.Info("wrote mismatch artifact", "path", path)
			}
		}
		return nil, &MismatchError{
			Case:         cs,
			Kernel:       kernel.Name(),
			Index:        worst,
			Got:          out[worst],
			Want:         want[worst],
			MaxDeviation: maxDev,
			Rtol:         rtol,
			Atol:         atol,
		}
	}

	metrics.RecordCase("pass")
	metrics.RecordDeviation(maxDev)
	c.log.Info("case passed",
		"kernel", kernel.Name(),
		"kernel_ms", float64(kernelTime.Microseconds())/1000.0,
		"reference_ms", float64(refTime.Microseconds())/1000.0,
		"max_deviation", maxDev,
		"config", cs.String())

	return &Result{
		Case:          cs,
		Kernel:        kernel.Name(),
		KernelTime:    kernelTime,
		ReferenceTime: refTime,
		MaxDeviation:  maxDev,
	}, nil
}

func (c *Comparator) recordInstability(engine string, xs []float32) {
	var nans, infs int
	for _, x := range xs {
		if math.IsNaN(float64(x)) {
			nans++
		} else if math.IsInf(float64(x), 0) {
			infs++
		}
	}
	metrics.RecordNumericalInstability(engine, nans, infs)
}

// assertClose checks |got-want| <= atol + rtol*|want| element-wise and
// returns the maximum deviation with the index of the worst violation.
// NaN anywhere is a mismatch.
func assertClose(got, want []float32, rtol, atol float64) (maxDev float64, worst int, ok bool) {
	ok = len(got) == len(want)
	worstExcess := math.Inf(-1)
	for i := range got {
		g, w := float64(got[i]), float64(want[i])
		if math.IsNaN(g) || math.IsNaN(w) {
			return math.Inf(1), i, false
		}
		dev := math.Abs(g - w)
		if dev > maxDev {
			maxDev = dev
		}
		excess := dev - (atol + rtol*math.Abs(w))
		if excess > worstExcess {
			worstExcess = excess
			worst = i
		}
		if excess > 0 {
			ok = false
		}
	}
	return maxDev, worst, ok
}
