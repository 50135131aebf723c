package harness

import (
	"context"
	"testing"

	"github.com/23skdu/longbow-verify/internal/config"
)

func TestKernelRegistry(t *testing.T) {
	k, err := NewKernel("cpu")
	if err != nil {
		t.Fatalf("NewKernel(cpu): %v", err)
	}
	if k.Name() != "cpu" {
		t.Errorf("Name() = %q, want cpu", k.Name())
	}

	if _, err := NewKernel("does-not-exist"); err == nil {
		t.Error("expected error for unknown kernel")
	}

	names := KernelNames()
	found := false
	for _, n := range names {
		if n == "cpu" {
			found = true
		}
	}
	if !found {
		t.Errorf("KernelNames() = %v, missing cpu", names)
	}
}

func TestBuildInputShapes(t *testing.T) {
	cs := config.Case{
		BatchSize:    2,
		BlockSize:    4,
		ContextLen:   6, // not block aligned
		NewLen:       3,
		Heads:        4,
		QueriesPerKV: 2,
		HeadDim:      8,
		Precision:    config.PrecisionF32,
		CacheDType:   config.CacheDTypeAuto,
		Seed:         3,
	}
	in, err := BuildInput(cs)
	if err != nil {
		t.Fatalf("BuildInput: %v", err)
	}
	if err := in.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if got, want := len(in.Query), cs.BatchSize*cs.NewLen*cs.Heads*cs.HeadDim; got != want {
		t.Errorf("query length = %d, want %d", got, want)
	}
	if got, want := len(in.KeyNew), cs.BatchSize*cs.NewLen*cs.KVHeads()*cs.HeadDim; got != want {
		t.Errorf("key_new length = %d, want %d", got, want)
	}
	if got, want := len(in.BlockTable), cs.BatchSize*cs.NumBlocks(); got != want {
		t.Errorf("block table length = %d, want %d", got, want)
	}
	if got, want := len(in.StartLoc), cs.BatchSize+1; got != want {
		t.Errorf("start_loc length = %d, want %d", got, want)
	}
	if in.StartLoc[cs.BatchSize] != int32(cs.BatchSize*cs.NewLen) {
		t.Errorf("start_loc sentinel = %d, want %d", in.StartLoc[cs.BatchSize], cs.BatchSize*cs.NewLen)
	}
	if in.KVHeads != 2 {
		t.Errorf("KVHeads = %d, want 2", in.KVHeads)
	}
}

func TestBuildInputDeterministic(t *testing.T) {
	cs := config.Case{
		BatchSize:    1,
		BlockSize:    4,
		ContextLen:   8,
		NewLen:       2,
		Heads:        2,
		QueriesPerKV: 1,
		HeadDim:      4,
		Precision:    config.PrecisionF16,
		CacheDType:   config.CacheDTypeAuto,
		Seed:         99,
	}
	a, err := BuildInput(cs)
	if err != nil {
		t.Fatal(err)
	}
	b, err := BuildInput(cs)
	if err != nil {
		t.Fatal(err)
	}
	for i := range a.Query {
		if a.Query[i] != b.Query[i] {
			t.Fatalf("query diverged at %d for identical seed", i)
		}
	}
	for i := range a.BlockTable {
		if a.BlockTable[i] != b.BlockTable[i] {
			t.Fatalf("block table diverged at %d for identical seed", i)
		}
	}

	cs.Seed = 100
	c, err := BuildInput(cs)
	if err != nil {
		t.Fatal(err)
	}
	same := true
	for i := range a.Query {
		if a.Query[i] != c.Query[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("different seeds produced identical query tensors")
	}
}

func TestCPUKernelRespectsCancel(t *testing.T) {
	cs := config.Case{
		BatchSize:    1,
		BlockSize:    4,
		ContextLen:   8,
		NewLen:       2,
		Heads:        2,
		QueriesPerKV: 1,
		HeadDim:      4,
		Precision:    config.PrecisionF32,
		CacheDType:   config.CacheDTypeAuto,
		Seed:         5,
	}
	in, err := BuildInput(cs)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	k := &CPUKernel{}
	out := make([]float32, len(in.Query))
	if err := k.ContextAttention(ctx, in, out); err == nil {
		t.Error("expected error from cancelled context")
	}
}
