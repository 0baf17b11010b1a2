package wire

import (
	"bufio"
	"bytes"
	"testing"
)

func TestEncodeMVRequest(t *testing.T) {
	module, err := ParseModuleID("F.1.0.22")
	if err != nil {
		t.Fatalf("ParseModuleID: %v", err)
	}

	got := EncodeMVRequest(module)
	want := []byte{0x4D, 0x06, 0x0A, 0x0F, 0x01, 0x00, 0x22, 0x8F, 0x0D, 0x0A}
	if !bytes.Equal(got, want) {
		t.Fatalf("EncodeMVRequest = % X, want % X", got, want)
	}
}

func TestDecodeMVReply(t *testing.T) {
	data := []byte{0x50, 0x0E, 0x10, 0x0F, 0x01, 0x00, 0x22,
		0x00, 0x00, 0x02, 0xC3, 0xFD, 0x3D, 0x00, 0x00,
		0x00, 0x0D, 0x0A}

	reply, err := DecodeMVReply(data)
	if err != nil {
		t.Fatalf("DecodeMVReply: %v", err)
	}

	want := [4]float64{0.0, 70.7, -70.7, 0.0}
	for i := range want {
		if diff := reply.MV[i] - want[i]; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("channel %d = %v, want %v", i, reply.MV[i], want[i])
		}
	}
}

func TestReadMVReplyDrainsStragglers(t *testing.T) {
	data := []byte{0x50, 0x0E, 0x10, 0x0F, 0x01, 0x00, 0x22,
		0x00, 0x00, 0x02, 0xC3, 0xFD, 0x3D, 0x00, 0x00,
		0x00, 0x0D, 0x0A,
		0x00, 0x00, 0x00} // straggler bytes left on the bus
	r := bufio.NewReader(bytes.NewReader(data))

	reply, err := ReadMVReply(r)
	if err != nil {
		t.Fatalf("ReadMVReply: %v", err)
	}
	if reply.MV[1] != 70.7 {
		t.Fatalf("channel 1 = %v, want 70.7", reply.MV[1])
	}
	if r.Buffered() != 0 {
		t.Fatalf("expected stragglers drained, %d bytes remain buffered", r.Buffered())
	}
}

func TestReadMVReplyShortRead(t *testing.T) {
	r := bufio.NewReader(bytes.NewReader([]byte{0x50, 0x0E, 0x10}))
	if _, err := ReadMVReply(r); err == nil {
		t.Fatal("expected error on short read")
	}
}

func TestTwosComplementRoundTrip(t *testing.T) {
	// +3276.7 mV and -3276.7 mV are the extremes a 16-bit two's-complement
	// 0.1mV-scaled channel can represent.
	cases := []struct {
		raw  [2]byte
		want float64
	}{
		{[2]byte{0x7F, 0xFF}, 3276.7},
		{[2]byte{0x80, 0x01}, -3276.7},
	}
	for _, c := range cases {
		data := make([]byte, MVReplyDataLen)
		copy(data[0:2], c.raw[:])
		got := decodeMVChannels(data)
		if diff := got[0] - c.want; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("decodeMVChannels(% X) ch0 = %v, want %v", c.raw, got[0], c.want)
		}
	}
}

func TestParseModuleIDRoundTrip(t *testing.T) {
	m, err := ParseModuleID("F.0.1.22")
	if err != nil {
		t.Fatalf("ParseModuleID: %v", err)
	}
	if m != (ModuleID{0x0F, 0x00, 0x01, 0x22}) {
		t.Fatalf("ParseModuleID = %v", m)
	}
	if got := m.String(); got != "F.0.1.22" {
		t.Fatalf("String() = %q, want F.0.1.22", got)
	}
}

func TestProbeIDSplit(t *testing.T) {
	p := ProbeID("F.0.1.22_3")
	module, channel, err := p.Split()
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if module != "F.0.1.22" || channel != 3 {
		t.Fatalf("Split = (%q, %d)", module, channel)
	}

	if _, _, err := ProbeID("F.0.1.22_7").Split(); err == nil {
		t.Fatal("expected error for out-of-range channel")
	}
}
