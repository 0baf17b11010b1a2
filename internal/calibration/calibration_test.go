package calibration

import (
	"math"
	"os"
	"path/filepath"
	"testing"
)

func approxEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func TestTransform(t *testing.T) {
	e := Entry{LowPH: 4, LowPHmV: 171.43, HighPH: 9, HighPHmV: -114.29}

	if got := e.Transform(0); !approxEqual(got, 7.00, 0.01) {
		t.Errorf("Transform(0) = %.4f, want ~7.00", got)
	}
	if got := e.Transform(70.7); !approxEqual(got, 5.76, 0.01) {
		t.Errorf("Transform(70.7) = %.4f, want ~5.76", got)
	}
}

func TestTransformSlopeSign(t *testing.T) {
	// A normal electrode's mV reading falls as pH rises, so the pH/mV
	// slope must be negative.
	e := Entry{LowPH: 4, LowPHmV: 171.43, HighPH: 9, HighPHmV: -114.29}
	low := e.Transform(171.43)
	high := e.Transform(-114.29)
	if !(high > low) {
		t.Fatalf("expected pH to increase as mV decreases: Transform(171.43)=%.4f Transform(-114.29)=%.4f", low, high)
	}
}

func TestStoreAtomicUpdate(t *testing.T) {
	s := NewStore()
	if err := s.Set("F.0.1.22_1", Entry{LowPH: 4, LowPHmV: 100, HighPH: 9, HighPHmV: -100}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	e, ok := s.Get("F.0.1.22_1")
	if !ok {
		t.Fatal("expected entry to be present")
	}
	if e.LowPH != 4 {
		t.Fatalf("LowPH = %v, want 4", e.LowPH)
	}

	if _, ok := s.Get("missing"); ok {
		t.Fatal("expected missing probe to be absent")
	}
}

func TestEntryValidateRejectsEqualMV(t *testing.T) {
	e := Entry{LowPH: 4, LowPHmV: 100, HighPH: 9, HighPHmV: 100}
	if err := e.Validate(); err == nil {
		t.Fatal("expected validation error for equal mV readings")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "calibration_data.yml")

	s := NewStore()
	if err := s.Set("F.0.1.22_1", Entry{LowPH: 4, LowPHmV: 171.43, HighPH: 9, HighPHmV: -114.29}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.SaveFile(path); err != nil {
		t.Fatalf("SaveFile: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if e.Name() != "calibration_data.yml" {
			t.Fatalf("leftover temp file: %s", e.Name())
		}
	}

	loaded, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	e, ok := loaded.Get("F.0.1.22_1")
	if !ok || !approxEqual(e.LowPH, 4, 1e-9) {
		t.Fatalf("round trip mismatch: %+v ok=%v", e, ok)
	}
}
