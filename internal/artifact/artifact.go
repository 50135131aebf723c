// Package artifact persists failed comparisons as Arrow IPC files so a
// mismatch can be inspected offline without re-running the case.
package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-verify/internal/config"
)

// Mismatch is one recorded comparison failure.
type Mismatch struct {
	Config    string
	Query     []float32
	Kernel    []float32
	Reference []float32
	AbsDiff   []float32
}

func mismatchSchema(cfg string) *arrow.Schema {
	md := arrow.MetadataFrom(map[string]string{
		"config":     cfg,
		"created_at": time.Now().UTC().Format(time.RFC3339),
	})
	return arrow.NewSchema([]arrow.Field{
		{Name: "query", Type: arrow.PrimitiveTypes.Float32},
		{Name: "kernel", Type: arrow.PrimitiveTypes.Float32},
		{Name: "reference", Type: arrow.PrimitiveTypes.Float32},
		{Name: "abs_diff", Type: arrow.PrimitiveTypes.Float32},
	}, &md)
}

// WriteMismatch dumps the query plus both engine outputs to an IPC file
// under dir and returns the file path. Output columns are padded with the
// query column length; callers pass equal-length slices in practice.
func WriteMismatch(dir string, cs *config.Case, query, kernel, reference []float32) (string, error) {
	if len(kernel) != len(reference) {
		return "", fmt.Errorf("kernel/reference length mismatch: %d vs %d", len(kernel), len(reference))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating artifact dir: %w", err)
	}

	diff := make([]float32, len(kernel))
	for i := range kernel {
		d := kernel[i] - reference[i]
		if d < 0 {
			d = -d
		}
		diff[i] = d
	}

	schema := mismatchSchema(cs.String())
	bld := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer bld.Release()

	n := len(kernel)
	bld.Field(0).(*array.Float32Builder).AppendValues(padTo(query, n), nil)
	bld.Field(1).(*array.Float32Builder).AppendValues(kernel, nil)
	bld.Field(2).(*array.Float32Builder).AppendValues(reference, nil)
	bld.Field(3).(*array.Float32Builder).AppendValues(diff, nil)

	rec := bld.NewRecord()
	defer rec.Release()

	path := filepath.Join(dir, fmt.Sprintf("mismatch-%d.arrow", time.Now().UnixNano()))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("creating artifact file: %w", err)
	}
	defer f.Close()

	w, err := ipc.NewFileWriter(f, ipc.WithSchema(schema))
	if err != nil {
		return "", fmt.Errorf("creating IPC writer: %w", err)
	}
	if err := w.Write(rec); err != nil {
		w.Close()
		return "", fmt.Errorf("writing record: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("closing IPC writer: %w", err)
	}
	return path, nil
}

// ReadMismatch loads an artifact written by WriteMismatch.
func ReadMismatch(path string) (*Mismatch, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening artifact: %w", err)
	}
	defer f.Close()

	r, err := ipc.NewFileReader(f)
	if err != nil {
		return nil, fmt.Errorf("reading IPC file: %w", err)
	}
	defer r.Close()

	if r.NumRecords() == 0 {
		return nil, fmt.Errorf("artifact %s contains no records", path)
	}
	rec, err := r.RecordAt(0)
	if err != nil {
		return nil, fmt.Errorf("reading record: %w", err)
	}
	defer rec.Release()

	m := &Mismatch{}
	if cfg, ok := r.Schema().Metadata().GetValue("config"); ok {
		m.Config = cfg
	}
	m.Query = copyColumn(rec, 0)
	m.Kernel = copyColumn(rec, 1)
	m.Reference = copyColumn(rec, 2)
	m.AbsDiff = copyColumn(rec, 3)
	return m, nil
}

func copyColumn(rec arrow.Record, i int) []float32 {
	col := rec.Column(i).(*array.Float32)
	out := make([]float32, col.Len())
	copy(out, col.Float32Values())
	return out
}

func padTo(xs []float32, n int) []float32 {
	if len(xs) == n {
		return xs
	}
	out := make([]float32, n)
	copy(out, xs)
	return out
}
