package wire

import (
	"fmt"
	"math"
	"strings"
)

// Pump addresses are small integers in 1..99.
type PumpID int

// Verbs used on the pump command line.
const (
	VerbADR = "ADR"
	VerbDIA = "DIA"
	VerbRAT = "RAT"
	VerbDIR = "DIR"
	VerbVOL = "VOL"
	VerbCLD = "CLD"
	VerbRUN = "RUN"
)

// EncodePumpCommand renders "<ADDR> <VERB> [ARG...]\r" for transmission.
// The pump protocol is pure ASCII (effectively a 1-to-1 byte-preserving
// charmap), so a plain []byte(string) conversion is the correct codec.
func EncodePumpCommand(addr PumpID, verb string, args ...string) []byte {
	parts := make([]string, 0, len(args)+2)
	parts = append(parts, fmt.Sprintf("%d", addr), verb)
	parts = append(parts, args...)
	line := strings.Join(parts, " ") + "\r"
	return []byte(line)
}

// AddressAssignment builds the "ADR <n>" frame used to set a pump's bus
// address during commissioning.
func AddressAssignment(current, newAddr PumpID) []byte {
	return EncodePumpCommand(current, VerbADR, fmt.Sprintf("%d", newAddr))
}

// ProbeFrame builds the bare "ADR" presence-check frame.
func ProbeFrame(addr PumpID) []byte {
	return EncodePumpCommand(addr, VerbADR)
}

// ConfigureFrames returns the fixed configuration sequence for a pump:
// syringe diameter, infusion rate, direction, volume unit, clear dispensed
// volume, and target dose volume.
func ConfigureFrames(addr PumpID, diameterMM, rateMMPerMin float64, doseVolumeUL float64) [][]byte {
	return [][]byte{
		EncodePumpCommand(addr, VerbDIA, fmt.Sprintf("%.4f", diameterMM)),
		EncodePumpCommand(addr, VerbRAT, fmt.Sprintf("%.4f", rateMMPerMin), "MM"),
		EncodePumpCommand(addr, VerbDIR, "INF"),
		EncodePumpCommand(addr, VerbVOL, "UL"),
		EncodePumpCommand(addr, VerbCLD, "INF"),
		EncodePumpCommand(addr, VerbVOL, fmt.Sprintf("%.1f", doseVolumeUL)),
	}
}

// RunFrame builds a single "RUN" dispense command.
func RunFrame(addr PumpID) []byte {
	return EncodePumpCommand(addr, VerbRUN)
}

// DoseVolumeFrame rewrites the target dose volume, applying an integer
// floor to the multiplied base volume as the pump's multiplier verb does.
func DoseVolumeFrame(addr PumpID, baseVolumeUL float64, multiplier float64) []byte {
	v := math.Floor(baseVolumeUL * multiplier)
	return EncodePumpCommand(addr, VerbVOL, fmt.Sprintf("%d", int64(v)))
}

// PumpResponded reports whether any bytes came back after a command —
// the pump protocol treats presence of any reply bytes as acknowledgment.
func PumpResponded(reply []byte) bool {
	return len(reply) > 0
}
