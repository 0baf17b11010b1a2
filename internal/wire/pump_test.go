package wire

import (
	"bytes"
	"testing"
)

func TestEncodePumpCommand(t *testing.T) {
	got := EncodePumpCommand(7, VerbRAT, "12.5000", "MM")
	want := []byte("7 RAT 12.5000 MM\r")
	if !bytes.Equal(got, want) {
		t.Fatalf("EncodePumpCommand = %q, want %q", got, want)
	}
}

func TestConfigureFramesOrder(t *testing.T) {
	frames := ConfigureFrames(3, 26.7, 50.0, 100.0)
	if len(frames) != 6 {
		t.Fatalf("got %d frames, want 6", len(frames))
	}
	verbs := []string{"DIA", "RAT", "DIR", "VOL", "CLD", "VOL"}
	for i, v := range verbs {
		if !bytes.Contains(frames[i], []byte(v)) {
			t.Errorf("frame %d = %q, want it to contain verb %q", i, frames[i], v)
		}
	}
}

func TestDoseVolumeFrameFloors(t *testing.T) {
	got := DoseVolumeFrame(12, 100.0, 2.891)
	want := []byte("12 VOL 289\r")
	if !bytes.Equal(got, want) {
		t.Fatalf("DoseVolumeFrame = %q, want %q", got, want)
	}
}

func TestPumpResponded(t *testing.T) {
	if PumpResponded(nil) {
		t.Fatal("empty reply should not count as responded")
	}
	if !PumpResponded([]byte("OK")) {
		t.Fatal("non-empty reply should count as responded")
	}
}
