// Package facade exposes the single physical-systems interface the
// scheduler talks to, with two interchangeable implementations: an
// in-process one that owns the device drivers directly, and a networked
// one that forwards each call to a session broker over ZeroMQ.
package facade

import (
	"github.com/vesselctl/phctl/internal/calibration"
	"github.com/vesselctl/phctl/internal/task"
	"github.com/vesselctl/phctl/internal/wire"
)

// Facade is the single surface the scheduler drives the physical rig
// through: initialization, measurement, dosing, recalibration,
// disconnection, and the two address-assignment helpers used during pump
// commissioning.
type Facade interface {
	Initialize() error
	InitializePumpsUsedInProtocol(tasks []*task.Task) error

	GetCurrentPumpAddress() (wire.PumpID, error)
	SetAndGetAddressForCurrentPump(newAddr wire.PumpID) (wire.PumpID, error)

	GetMVValuesOfSelectedProbes(probes []wire.ProbeID) (map[wire.ProbeID]float64, error)
	GetPHValuesOfSelectedProbes(probes []wire.ProbeID) (map[wire.ProbeID]float64, error)
	MeasurePHForTask(probeID wire.ProbeID) (float64, error)

	Pump(pumpID wire.PumpID) error
	PumpNTimes(pumpID wire.PumpID, n int) error
	SetPumpDoseMultiplier(tasks []*task.Task, multiplier float64) error

	Recalibrate(snapshot calibration.Snapshot) error
	Disconnect(tasks []*task.Task) error
}
