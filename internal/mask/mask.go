package mask

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-verify/internal/config"
	"github.com/23skdu/longbow-verify/internal/quant"
)

// NegInf marks an inadmissible key position in an additive mask.
var NegInf = float32(math.Inf(-1))

// Policy selects how extension queries see the key history. The policy is
// fixed once per test case; the attention engine itself never branches on it.
type Policy int

const (
	// Causal: query i sees all context plus extension up to its own position.
	Causal Policy = iota
	// SlidingWindow: context stays fully visible, extension visibility is
	// limited to the trailing window ending at the query's own position.
	SlidingWindow
)

// PolicyFor returns the policy implied by a window size (0 disables).
func PolicyFor(window int) Policy {
	if window > 0 {
		return SlidingWindow
	}
	return Causal
}

// Admissible returns the admissible extension-span key range [lo, hi]
// (absolute positions, inclusive) for query offset i. Context positions
// [0, ctxLen) are always admissible and are not part of the returned range.
//
// With window W > 0 the range is [max(ctxLen, ctxLen+i-W+1), ctxLen+i];
// W >= ctxLen+i+1 degenerates to the causal range [ctxLen, ctxLen+i].
func Admissible(ctxLen, window, i int) (lo, hi int) {
	hi = ctxLen + i
	lo = ctxLen
	if window > 0 {
		if start := ctxLen + i - window + 1; start > lo {
			lo = start
		}
	}
	return lo, hi
}

// Additive builds the additive mask for one sequence: a [newLen, seqLen]
// matrix of 0 (admissible) and -Inf (inadmissible) added to raw attention
// scores before softmax. The mask is materialized at the case's working
// precision so it cannot hide upcasting bugs in the kernel under test.
func Additive(ctxLen, newLen, window int, p config.Precision) ([]float32, error) {
	if ctxLen < 0 || newLen <= 0 {
		return nil, fmt.Errorf("invalid mask shape: ctx=%d new=%d", ctxLen, newLen)
	}
	if window < 0 {
		return nil, fmt.Errorf("invalid sliding window: %d", window)
	}

	seqLen := ctxLen + newLen
	m := make([]float32, newLen*seqLen)
	for i := range m {
		m[i] = NegInf
	}

	zero := quant.Round(p, 0)
	for i := 0; i < newLen; i++ {
		row := i * seqLen
		for k := 0; k < ctxLen; k++ {
			m[row+k] = zero
		}
		lo, hi := Admissible(ctxLen, window, i)
		for k := lo; k <= hi; k++ {
			m[row+k] = zero
		}
	}
	return m, nil
}
