package artifact

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/23skdu/longbow-verify/internal/config"
)

func TestWriteReadMismatch(t *testing.T) {
	dir := t.TempDir()
	cs := config.Default()

	r := rand.New(rand.NewSource(7))
	n := 64
	query := make([]float32, n)
	kernel := make([]float32, n)
	reference := make([]float32, n)
	for i := 0; i < n; i++ {
		query[i] = float32(r.NormFloat64())
		reference[i] = float32(r.NormFloat64())
		kernel[i] = reference[i] + 0.25
	}

	path, err := WriteMismatch(dir, &cs, query, kernel, reference)
	if err != nil {
		t.Fatalf("WriteMismatch: %v", err)
	}
	if !strings.HasPrefix(path, dir) {
		t.Errorf("artifact written outside dir: %s", path)
	}

	m, err := ReadMismatch(path)
	if err != nil {
		t.Fatalf("ReadMismatch: %v", err)
	}
	if m.Config != cs.String() {
		t.Errorf("config metadata = %q, want %q", m.Config, cs.String())
	}
	for i := 0; i < n; i++ {
		if m.Query[i] != query[i] || m.Kernel[i] != kernel[i] || m.Reference[i] != reference[i] {
			t.Fatalf("column round trip diverged at %d", i)
		}
		wantDiff := kernel[i] - reference[i]
		if wantDiff < 0 {
			wantDiff = -wantDiff
		}
		if m.AbsDiff[i] != wantDiff {
			t.Errorf("abs_diff[%d] = %v, want %v", i, m.AbsDiff[i], wantDiff)
		}
	}
}

func TestWriteMismatchLengthCheck(t *testing.T) {
	cs := config.Default()
	_, err := WriteMismatch(t.TempDir(), &cs, make([]float32, 4), make([]float32, 4), make([]float32, 3))
	if err == nil {
		t.Fatal("expected error for mismatched column lengths")
	}
}

func TestReadMismatchMissingFile(t *testing.T) {
	if _, err := ReadMismatch(t.TempDir() + "/nope.arrow"); err == nil {
		t.Fatal("expected error for missing artifact")
	}
}
