package attention

import (
	"fmt"

	"github.com/23skdu/longbow-verify/internal/simd"
)

// ExpandHeads replicates key/value heads so a grouped-query layout matches
// the query head count. Output head h maps to input head h / (heads/kvHeads):
// block repetition, heads 0..g-1 of a group share kv head 0, the next g share
// kv head 1, and so on. This grouping convention must match the kernel under
// test. Tensors are token-major: [tokens, heads, headDim].
func ExpandHeads(kv []float32, tokens, kvHeads, heads, headDim int) ([]float32, error) {
	if kvHeads <= 0 || heads <= 0 || heads%kvHeads != 0 {
		return nil, fmt.Errorf("cannot expand %d kv heads to %d heads", kvHeads, heads)
	}
	if want := tokens * kvHeads * headDim; len(kv) != want {
		return nil, fmt.Errorf("kv tensor size %d, want %d", len(kv), want)
	}
	if heads == kvHeads {
		return kv, nil
	}

	group := heads / kvHeads
	out := make([]float32, tokens*heads*headDim)
	for tok := 0; tok < tokens; tok++ {
		src := tok * kvHeads * headDim
		dst := tok * heads * headDim
		for h := 0; h < heads; h++ {
			copy(out[dst+h*headDim:dst+(h+1)*headDim],
				kv[src+(h/group)*headDim:src+(h/group+1)*headDim])
		}
	}
	return out, nil
}

// Reference computes masked scaled dot-product attention for one sequence:
//
//	out[i, h, :] = sum_k softmax_k(scale * q[i,h].k[k,h] + mask[i,k]) * v[k,h]
//
// q is [newLen, heads, headDim]; k and v are the head-expanded
// [seqLen, heads, headDim] tensors; mask is the [newLen, seqLen] additive
// mask. Causality and windowing live entirely in the mask, the engine itself
// is policy-agnostic.
func Reference(q, k, v, mask []float32, newLen, seqLen, heads, headDim int, scale float32) ([]float32, error) {
	if want := newLen * heads * headDim; len(q) != want {
		return nil, fmt.Errorf("query size %d, want %d", len(q), want)
	}
	if want := seqLen * heads * headDim; len(k) != want || len(v) != want {
		return nil, fmt.Errorf("key/value size %d/%d, want %d", len(k), len(v), want)
	}
	if want := newLen * seqLen; len(mask) != want {
		return nil, fmt.Errorf("mask size %d, want %d", len(mask), want)
	}

	out := make([]float32, newLen*heads*headDim)
	scores := make([]float32, seqLen)

	for h := 0; h < heads; h++ {
		for i := 0; i < newLen; i++ {
			qv := q[(i*heads+h)*headDim : (i*heads+h+1)*headDim]
			for pos := 0; pos < seqLen; pos++ {
				kv := k[(pos*heads+h)*headDim : (pos*heads+h+1)*headDim]
				scores[pos] = scale*simd.Dot(qv, kv) + mask[i*seqLen+pos]
			}

			simd.Softmax(scores)

			ov := out[(i*heads+h)*headDim : (i*heads+h+1)*headDim]
			for pos := 0; pos < seqLen; pos++ {
				if scores[pos] == 0 {
					continue
				}
				vv := v[(pos*heads+h)*headDim : (pos*heads+h+1)*headDim]
				simd.Axpy(scores[pos], vv, ov)
			}
		}
	}
	return out, nil
}
