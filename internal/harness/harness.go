package harness

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/23skdu/longbow-verify/internal/config"
)

// ErrUnsupported marks an environment error: the kernel cannot run in this
// process (accelerator absent, numeric format unsupported, remote endpoint
// unreachable). The suite skips the case instead of failing it.
var ErrUnsupported = errors.New("kernel unsupported in this environment")

// Input is the kernel-under-test boundary. All tensors are flat float32
// slices carrying values already rounded to the case's working precision;
// the kernel must treat them as read-only and write its attention output
// into the buffer passed to ContextAttention.
type Input struct {
	// Extension-span tensors, one contiguous range per sequence.
	// Query is [batch*newLen, heads, headDim]; KeyNew/ValueNew are
	// [batch*newLen, kvHeads, headDim].
	Query    []float32
	KeyNew   []float32
	ValueNew []float32

	// Paged context cache, layout [block, kvHead, slot, headDim], plus the
	// flat [batch, blocksPerSeq] table resolving logical blocks.
	KCache       []float32
	VCache       []float32
	BlockTable   []int32
	BlocksPerSeq int
	BlockSize    int

	// Per-sequence geometry. StartLoc has batch+1 entries: query rows of
	// sequence b live at [StartLoc[b], StartLoc[b+1]).
	StartLoc  []int32
	SeqLens   []int32
	CtxLens   []int32
	MaxSeqLen int
	NewLen    int

	Heads   int
	KVHeads int
	HeadDim int

	Precision  config.Precision
	CacheDType config.CacheDType
	KScale     float32
	VScale     float32

	// AlibiSlopes is optional per-head bias; nil disables it.
	AlibiSlopes []float32
	// SlidingWindow limits extension-to-extension visibility; 0 disables.
	SlidingWindow int
	// Scale is the softmax scale.
	Scale float32
}

// Validate checks the shape invariants the kernel is entitled to rely on.
func (in *Input) Validate() error {
	batch := len(in.CtxLens)
	if batch == 0 {
		return fmt.Errorf("empty batch")
	}
	if len(in.SeqLens) != batch {
		return fmt.Errorf("seq_lens has %d entries, batch is %d", len(in.SeqLens), batch)
	}
	if len(in.StartLoc) != batch+1 {
		return fmt.Errorf("start_loc has %d entries, want %d", len(in.StartLoc), batch+1)
	}
	if in.Heads <= 0 || in.KVHeads <= 0 || in.Heads%in.KVHeads != 0 {
		return fmt.Errorf("invalid head split: heads=%d kv_heads=%d", in.Heads, in.KVHeads)
	}
	if want := batch * in.NewLen * in.Heads * in.HeadDim; len(in.Query) != want {
		return fmt.Errorf("query size %d, want %d", len(in.Query), want)
	}
	if want := batch * in.NewLen * in.KVHeads * in.HeadDim; len(in.KeyNew) != want || len(in.ValueNew) != want {
		return fmt.Errorf("new key/value size %d/%d, want %d", len(in.KeyNew), len(in.ValueNew), want)
	}
	if len(in.BlockTable) != batch*in.BlocksPerSeq {
		return fmt.Errorf("block table size %d, want %d", len(in.BlockTable), batch*in.BlocksPerSeq)
	}
	for b := 0; b < batch; b++ {
		if in.CtxLens[b] < 0 || in.SeqLens[b] < in.CtxLens[b] {
			return fmt.Errorf("sequence %d: ctx_len=%d seq_len=%d", b, in.CtxLens[b], in.SeqLens[b])
		}
		if int(in.SeqLens[b]) > in.MaxSeqLen {
			return fmt.Errorf("sequence %d: seq_len %d exceeds max %d", b, in.SeqLens[b], in.MaxSeqLen)
		}
	}
	if in.AlibiSlopes != nil && len(in.AlibiSlopes) != in.Heads {
		return fmt.Errorf("alibi slopes size %d, want %d", len(in.AlibiSlopes), in.Heads)
	}
	return nil
}

// Kernel is the attention implementation under test. ContextAttention must
// fully drain any pending device work before returning: the comparator times
// the call and reads out immediately after it returns.
type Kernel interface {
	Name() string
	ContextAttention(ctx context.Context, in *Input, out []float32) error
}

var kernelFactories = map[string]func() (Kernel, error){}

// RegisterKernel makes a kernel constructor available by name.
func RegisterKernel(name string, factory func() (Kernel, error)) {
	kernelFactories[name] = factory
}

// NewKernel constructs a registered kernel.
func NewKernel(name string) (Kernel, error) {
	factory, ok := kernelFactories[name]
	if !ok {
		return nil, fmt.Errorf("unknown kernel %q (have %v)", name, KernelNames())
	}
	return factory()
}

// KernelNames lists the registered kernels.
func KernelNames() []string {
	names := make([]string, 0, len(kernelFactories))
	for name := range kernelFactories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
