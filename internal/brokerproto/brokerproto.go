// Package brokerproto is the wire vocabulary shared by the networked
// façade client and the session broker: the request verb set as a tagged
// string type, plus the JSON protocol summary exchanged on the verbs
// that need to know which pumps and probes a protocol touches.
package brokerproto

import (
	"encoding/json"
	"fmt"

	"github.com/vesselctl/phctl/internal/task"
	"github.com/vesselctl/phctl/internal/wire"
)

// Verb is one broker request verb. Keeping it a distinct type (rather than
// a bare string) makes the dispatch switch in internal/broker an
// exhaustive, checkable set.
type Verb string

const (
	VerbInitializePumpsUsedInProtocol        Verb = "initialize_pumps_used_in_protocol"
	VerbGetCurrentPumpAddress                Verb = "get_current_pump_address"
	VerbSetAndGetAddressForCurrentPump       Verb = "set_and_get_address_for_current_pump"
	VerbGetMVValuesOfSelectedProbes          Verb = "get_mv_values_of_selected_probes"
	VerbMeasurePHWithProbeAssociatedWithTask Verb = "measure_ph_with_probe_associated_with_task"
	VerbGetPHValuesOfSelectedProbes          Verb = "get_ph_values_of_selected_probes"
	VerbRecalibratePHMeter                   Verb = "recalibrate_ph_meter"
	VerbSetPumpDoseMultiplicationFactor      Verb = "set_pump_dose_multiplication_factor"
	VerbPumpNTimes                           Verb = "pump_n_times"
	VerbDisconnect                           Verb = "disconnect"
	VerbTest                                 Verb = "test"
	VerbStop                                 Verb = "stop"
)

// ErrorPrefix marks a broker reply payload as a failure.
const ErrorPrefix = "ERROR"

// ProtocolSummary is the JSON payload a protocol_json argument carries: the
// set of pumps and probes a protocol claims (what the broker needs to
// check or record a lease), plus each pump's phase-0 dose volume so
// initialize_pumps_used_in_protocol has what it needs to configure the
// pump controller without shipping the whole phase chain over the wire.
type ProtocolSummary struct {
	Pumps      []wire.PumpID           `json:"pumps"`
	Probes     []wire.ProbeID          `json:"probes"`
	DoseVolume map[wire.PumpID]float64 `json:"dose_volume_ul,omitempty"`
}

// SummarizeTasks reduces a task chain list to the pumps and probes it
// touches, plus the phase-0 dose volume each pump task carries.
func SummarizeTasks(tasks []*task.Task) ProtocolSummary {
	s := ProtocolSummary{
		Pumps:      make([]wire.PumpID, 0, len(tasks)),
		Probes:     make([]wire.ProbeID, 0, len(tasks)),
		DoseVolume: make(map[wire.PumpID]float64, len(tasks)),
	}
	for _, t := range tasks {
		s.Pumps = append(s.Pumps, t.PumpID)
		s.Probes = append(s.Probes, t.ProbeID)
		if len(t.Phases) > 0 {
			s.DoseVolume[t.PumpID] = t.Phases[0].DoseVolumeUL
		}
	}
	return s
}

// MarshalProtocol serializes a ProtocolSummary for the wire. Callers must
// send the serialized payload itself, never an unevaluated method value.
func MarshalProtocol(s ProtocolSummary) (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("brokerproto: marshal protocol summary: %w", err)
	}
	return string(data), nil
}

// UnmarshalProtocol parses a protocol_json argument back into a summary.
func UnmarshalProtocol(payload string) (ProtocolSummary, error) {
	var s ProtocolSummary
	if err := json.Unmarshal([]byte(payload), &s); err != nil {
		return ProtocolSummary{}, fmt.Errorf("brokerproto: parse protocol summary: %w", err)
	}
	return s, nil
}
