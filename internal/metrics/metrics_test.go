package metrics

import (
	"testing"
	"time"
)

func TestRecordCase(t *testing.T) {
	before := TotalCases()
	RecordCase("pass")
	RecordCase("fail")
	RecordCase("skip")
	if got := TotalCases() - before; got != 3 {
		t.Errorf("TotalCases advanced by %d, want 3", got)
	}
}

func TestRecordEngineDuration(t *testing.T) {
	RecordEngineDuration("kernel", 5*time.Millisecond)
	RecordEngineDuration("reference", 20*time.Millisecond)
	// Histogram should accept observations - just verify no panic
}

func TestRecordMismatch(t *testing.T) {
	RecordMismatch("float16", "fp8", 0.025)
	RecordMismatch("bfloat16", "auto", 1e-4)
}

func TestRecordDeviation(t *testing.T) {
	RecordDeviation(1e-6)
	RecordDeviation(0)
}

func TestRecordNumericalInstability(t *testing.T) {
	RecordNumericalInstability("kernel", 5, 0)    // 5 NaNs
	RecordNumericalInstability("reference", 0, 3) // 3 Infs
	RecordNumericalInstability("kernel", 0, 0)    // no-op
}

func TestRecordCacheStats(t *testing.T) {
	RecordCacheStats(40, 128)
	RecordCacheStats(0, 0)
}
