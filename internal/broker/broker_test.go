package broker

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-zeromq/zmq4"

	"github.com/vesselctl/phctl/internal/brokerproto"
	"github.com/vesselctl/phctl/internal/calibration"
	"github.com/vesselctl/phctl/internal/device"
	"github.com/vesselctl/phctl/internal/facade"
	"github.com/vesselctl/phctl/internal/wire"
)

// fakePort is an in-memory device.Port double: every write is recorded,
// reads are served from a canned queue, mirroring internal/facade's own
// test double.
type fakePort struct {
	replies [][]byte
	cur     []byte
}

func (f *fakePort) Write(p []byte) (int, error) {
	if len(f.replies) > 0 {
		f.cur = append(f.cur, f.replies[0]...)
		f.replies = f.replies[1:]
	}
	return len(p), nil
}

func (f *fakePort) Read(p []byte) (int, error) {
	if len(f.cur) == 0 {
		return 0, io.EOF
	}
	n := copy(p, f.cur)
	f.cur = f.cur[n:]
	return n, nil
}

func (f *fakePort) SetReadTimeout(time.Duration) error { return nil }
func (f *fakePort) Close() error                       { return nil }

func newTestBroker(t *testing.T, calibrationPath string) *Broker {
	t.Helper()
	cal := calibration.NewStore()
	meter := device.NewPHMeterDriver(&fakePort{}, device.DefaultPHMeterConfig(), cal)
	pumps := device.NewPumpDriver(&fakePort{}, device.DefaultPumpConfig())
	f := facade.NewInProcess(meter, pumps, facade.InProcessConfig{
		DiameterMM:   26.7,
		RateMMPerMin: 50.0,
	})
	b, err := New(f, nil, calibrationPath)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

func summaryPayload(t *testing.T, pumps []int, probes []string) string {
	t.Helper()
	s := brokerproto.ProtocolSummary{DoseVolume: make(map[wire.PumpID]float64)}
	for _, p := range pumps {
		s.Pumps = append(s.Pumps, wire.PumpID(p))
		s.DoseVolume[wire.PumpID(p)] = 40
	}
	for _, p := range probes {
		s.Probes = append(s.Probes, wire.ProbeID(p))
	}
	payload, err := brokerproto.MarshalProtocol(s)
	if err != nil {
		t.Fatalf("MarshalProtocol: %v", err)
	}
	return payload
}

func TestHandleInitializeGrantsLease(t *testing.T) {
	b := newTestBroker(t, "")
	payload := summaryPayload(t, []int{1, 2}, []string{"probe1"})

	reply, err := b.handle("client-a", brokerproto.VerbInitializePumpsUsedInProtocol, []string{payload})
	if err != nil {
		t.Fatalf("handleInitialize: %v", err)
	}
	if reply != "OK" {
		t.Fatalf("reply = %q, want OK", reply)
	}
	if !b.leasedPumps[1] || !b.leasedPumps[2] {
		t.Fatal("expected both pumps to be leased")
	}
}

func TestHandleInitializeRejectsOverlappingLease(t *testing.T) {
	b := newTestBroker(t, "")
	payload := summaryPayload(t, []int{1}, []string{"probe1"})

	if _, err := b.handle("client-a", brokerproto.VerbInitializePumpsUsedInProtocol, []string{payload}); err != nil {
		t.Fatalf("first initialize: %v", err)
	}

	conflict := summaryPayload(t, []int{1}, []string{"probe2"})
	if _, err := b.handle("client-b", brokerproto.VerbInitializePumpsUsedInProtocol, []string{conflict}); err == nil {
		t.Fatal("expected a lease conflict on pump 1")
	}
}

func TestDispatchWrapsErrorsWithErrorPrefix(t *testing.T) {
	b := newTestBroker(t, "")
	conflict := summaryPayload(t, []int{1}, nil)
	if _, err := b.handle("client-a", brokerproto.VerbInitializePumpsUsedInProtocol, []string{conflict}); err != nil {
		t.Fatalf("first initialize: %v", err)
	}

	msg := zmq4.NewMsgFrom(
		[]byte("client-b"),
		[]byte(brokerproto.VerbInitializePumpsUsedInProtocol),
		[]byte(conflict),
	)
	reply := b.dispatch(msg)
	if !strings.HasPrefix(reply, brokerproto.ErrorPrefix) {
		t.Fatalf("reply = %q, want an ERROR-prefixed reply for the lease conflict", reply)
	}
}

func TestDisconnectReleasesLeaseForReuse(t *testing.T) {
	b := newTestBroker(t, "")
	payload := summaryPayload(t, []int{1}, []string{"probe1"})

	if _, err := b.handle("client-a", brokerproto.VerbInitializePumpsUsedInProtocol, []string{payload}); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, err := b.handle("client-a", brokerproto.VerbDisconnect, []string{payload}); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if b.leasedPumps[1] {
		t.Fatal("expected pump 1's lease to be released")
	}

	if _, err := b.handle("client-b", brokerproto.VerbInitializePumpsUsedInProtocol, []string{payload}); err != nil {
		t.Fatalf("expected the freed lease to be grantable again, got: %v", err)
	}
}

func TestHandleUnknownVerb(t *testing.T) {
	b := newTestBroker(t, "")
	if _, err := b.handle("client-a", brokerproto.Verb("not_a_real_verb"), nil); err == nil {
		t.Fatal("expected an error for an unrecognized verb")
	}
}

func TestHandleRecalibrateReloadsFromDisk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "calibration_data.yml")
	contents := "probe1:\n  LowPH: 4\n  LowPHmV: 171.43\n  HighPH: 9\n  HighPHmV: -114.29\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	b := newTestBroker(t, path)
	reply, err := b.handle("client-a", brokerproto.VerbRecalibratePHMeter, nil)
	if err != nil {
		t.Fatalf("handleRecalibrate: %v", err)
	}
	if reply != "OK" {
		t.Fatalf("reply = %q, want OK", reply)
	}
}

func TestDispatchEmptyRequest(t *testing.T) {
	b := newTestBroker(t, "")
	reply := b.dispatch(zmq4.NewMsgFrom())
	if !strings.HasPrefix(reply, brokerproto.ErrorPrefix) {
		t.Fatalf("reply = %q, want an ERROR-prefixed reply", reply)
	}
}
