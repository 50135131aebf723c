package harness

import (
	"context"
	"fmt"
	"math"
)

// CPUKernel is the in-tree kernel under test: a fused prefix-prefill
// attention that consumes the paged cache directly through the block table.
// It deliberately shares no code with the reference path: visibility is a
// positional check instead of an additive mask, and the softmax runs online
// over the gathered scores.
type CPUKernel struct{}

func init() {
	RegisterKernel("cpu", func() (Kernel, error) { return &CPUKernel{}, nil })
}

func (k *CPUKernel) Name() string { return "cpu" }

func (k *CPUKernel) ContextAttention(ctx context.Context, in *Input, out []float32) error {
	if err := in.Validate(); err != nil {
		return fmt.Errorf("invalid kernel input: %w", err)
	}
	if len(out) != len(in.Query) {
		return fmt.Errorf("output buffer size %d, want %d", len(out), len(in.Query))
	}

	batch := len(in.CtxLens)
	group := in.Heads / in.KVHeads

	scores := make([]float32, in.MaxSeqLen)

	for b := 0; b < batch; b++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		ctxLen := int(in.CtxLens[b])
		seqLen := int(in.SeqLens[b])
		newLen := seqLen - ctxLen
		qBase := int(in.StartLoc[b])

		for i := 0; i < newLen; i++ {
			absPos := ctxLen + i
			qRow := (qBase + i) * in.Heads * in.HeadDim

			// Extension visibility starts at the window edge; context is
			// always fully visible.
			extStart := ctxLen
			if in.SlidingWindow > 0 {
				if s := absPos - in.SlidingWindow + 1; s > extStart {
					extStart = s
				}
			}

			for h := 0; h < in.Heads; h++ {
				kvh := h / group
				q := in.Query[qRow+h*in.HeadDim : qRow+(h+1)*in.HeadDim]

				maxScore := float32(math.Inf(-1))
				score := func(pos int, key []float32) {
					s := float32(0)
					for d := 0; d < in.HeadDim; d++ {
						s += q[d] * key[d]
					}
					s *= in.Scale
					if in.AlibiSlopes != nil {
						s += in.AlibiSlopes[h] * float32(pos-absPos)
					}
					scores[pos] = s
					if s > maxScore {
						maxScore = s
					}
				}

				for pos := 0; pos < ctxLen; pos++ {
					score(pos, k.cacheVector(in.KCache, in, b, pos, kvh))
				}
				for pos := extStart; pos <= absPos; pos++ {
					row := (qBase + pos - ctxLen) * in.KVHeads * in.HeadDim
					score(pos, in.KeyNew[row+kvh*in.HeadDim:row+(kvh+1)*in.HeadDim])
				}

				var sum float32
				expScore := func(pos int) float32 {
					e := float32(math.Exp(float64(scores[pos] - maxScore)))
					sum += e
					return e
				}
				for pos := 0; pos < ctxLen; pos++ {
					scores[pos] = expScore(pos)
				}
				for pos := extStart; pos <= absPos; pos++ {
					scores[pos] = expScore(pos)
				}
				if sum == 0 {
					sum = 1
				}

				o := out[qRow+h*in.HeadDim : qRow+(h+1)*in.HeadDim]
				for d := range o {
					o[d] = 0
				}
				for pos := 0; pos < ctxLen; pos++ {
					w := scores[pos] / sum
					v := k.cacheVector(in.VCache, in, b, pos, kvh)
					for d := 0; d < in.HeadDim; d++ {
						o[d] += w * v[d]
					}
				}
				for pos := extStart; pos <= absPos; pos++ {
					w := scores[pos] / sum
					row := (qBase + pos - ctxLen) * in.KVHeads * in.HeadDim
					v := in.ValueNew[row+kvh*in.HeadDim : row+(kvh+1)*in.HeadDim]
					for d := 0; d < in.HeadDim; d++ {
						o[d] += w * v[d]
					}
				}
			}
		}
	}
	return nil
}

// cacheVector resolves a context position through the block table into the
// physical pool.
func (k *CPUKernel) cacheVector(pool []float32, in *Input, seq, pos, kvHead int) []float32 {
	phys := in.BlockTable[seq*in.BlocksPerSeq+pos/in.BlockSize]
	off := ((int(phys)*in.KVHeads+kvHead)*in.BlockSize + pos%in.BlockSize) * in.HeadDim
	return pool[off : off+in.HeadDim]
}
