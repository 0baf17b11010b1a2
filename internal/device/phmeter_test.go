package device

import (
	"testing"
	"time"

	"github.com/vesselctl/phctl/internal/calibration"
	"github.com/vesselctl/phctl/internal/wire"
)

func noSleep(time.Duration) {}

func testMVReplyBytes() []byte {
	return []byte{0x50, 0x0E, 0x10, 0x0F, 0x01, 0x00, 0x22,
		0x00, 0x00, 0x02, 0xC3, 0xFD, 0x3D, 0x00, 0x00,
		0x00, 0x0D, 0x0A}
}

func TestReadModuleMV(t *testing.T) {
	port := &fakePort{replies: [][]byte{testMVReplyBytes()}}
	d := NewPHMeterDriver(port, DefaultPHMeterConfig(), calibration.NewStore())
	d.sleep = noSleep

	module, _ := wire.ParseModuleID("F.1.0.22")
	mv, err := d.ReadModuleMV(module)
	if err != nil {
		t.Fatalf("ReadModuleMV: %v", err)
	}
	want := [4]float64{0.0, 70.7, -70.7, 0.0}
	if mv != want {
		t.Fatalf("ReadModuleMV = %v, want %v", mv, want)
	}
	if len(port.writes) != 1 {
		t.Fatalf("expected exactly 1 request, got %d", len(port.writes))
	}
}

func TestReadModuleMVRetriesOnceThenSucceeds(t *testing.T) {
	port := &fakePort{replies: [][]byte{nil, testMVReplyBytes()}}
	d := NewPHMeterDriver(port, DefaultPHMeterConfig(), calibration.NewStore())
	d.sleep = noSleep

	module, _ := wire.ParseModuleID("F.1.0.22")
	mv, err := d.ReadModuleMV(module)
	if err != nil {
		t.Fatalf("ReadModuleMV: %v", err)
	}
	if mv[1] != 70.7 {
		t.Fatalf("channel 1 = %v, want 70.7", mv[1])
	}
	if len(port.writes) != 2 {
		t.Fatalf("expected a retry (2 requests), got %d", len(port.writes))
	}
}

func TestReadModuleMVFailsAfterRetryExhausted(t *testing.T) {
	port := &fakePort{replies: [][]byte{nil, nil}}
	d := NewPHMeterDriver(port, DefaultPHMeterConfig(), calibration.NewStore())
	d.sleep = noSleep

	module, _ := wire.ParseModuleID("F.1.0.22")
	if _, err := d.ReadModuleMV(module); err == nil {
		t.Fatal("expected error after both attempts fail")
	}
	if len(port.writes) != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", len(port.writes))
	}
}

func TestMeasurePH(t *testing.T) {
	port := &fakePort{replies: [][]byte{testMVReplyBytes()}}
	cal := calibration.NewStore()
	if err := cal.Set("F.1.0.22_2", calibration.Entry{LowPH: 4, LowPHmV: 171.43, HighPH: 9, HighPHmV: -114.29}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	d := NewPHMeterDriver(port, DefaultPHMeterConfig(), cal)
	d.sleep = noSleep

	ph, err := d.MeasurePH("F.1.0.22_2")
	if err != nil {
		t.Fatalf("MeasurePH: %v", err)
	}
	if ph < 5.7 || ph > 5.8 {
		t.Fatalf("MeasurePH channel 2 (70.7mV) = %v, want ~5.76", ph)
	}
}

func TestReadMVManyGroupsByModule(t *testing.T) {
	port := &fakePort{replies: [][]byte{testMVReplyBytes()}}
	d := NewPHMeterDriver(port, DefaultPHMeterConfig(), calibration.NewStore())
	d.sleep = noSleep

	probes := []wire.ProbeID{"F.1.0.22_1", "F.1.0.22_2", "F.1.0.22_3"}
	out, err := d.ReadMVMany(probes)
	if err != nil {
		t.Fatalf("ReadMVMany: %v", err)
	}
	if len(port.writes) != 1 {
		t.Fatalf("expected a single poll for 3 channels on one module, got %d", len(port.writes))
	}
	if out["F.1.0.22_2"] != 70.7 {
		t.Fatalf("channel 2 = %v, want 70.7", out["F.1.0.22_2"])
	}
}
