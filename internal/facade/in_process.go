package facade

import (
	"fmt"
	"sync"
	"time"

	"github.com/vesselctl/phctl/internal/calibration"
	"github.com/vesselctl/phctl/internal/device"
	"github.com/vesselctl/phctl/internal/task"
	"github.com/vesselctl/phctl/internal/wire"
)

// defaultPumpAddress is the bus address a freshly-connected, unconfigured
// pump answers at before it is assigned a protocol-specific address.
const defaultPumpAddress wire.PumpID = 0

// InProcessConfig carries the syringe geometry applied to every pump a
// protocol configures.
type InProcessConfig struct {
	DiameterMM     float64
	RateMMPerMin   float64
	PumpSettleTime time.Duration
}

// InProcess owns the pH-meter and pump drivers directly — the façade
// implementation the single-process (non-networked) CLI uses.
type InProcess struct {
	meter *device.PHMeterDriver
	pumps *device.PumpDriver
	cfg   InProcessConfig

	mu         sync.Mutex
	baseDoseUL map[wire.PumpID]float64
}

// NewInProcess wraps already-open device drivers.
func NewInProcess(meter *device.PHMeterDriver, pumps *device.PumpDriver, cfg InProcessConfig) *InProcess {
	return &InProcess{
		meter:      meter,
		pumps:      pumps,
		cfg:        cfg,
		baseDoseUL: make(map[wire.PumpID]float64),
	}
}

// Initialize verifies the façade is ready to serve a protocol. The device
// buses are already open by the time the façade is constructed, so this is
// a checkpoint rather than a connection step.
func (f *InProcess) Initialize() error {
	return nil
}

// InitializePumpsUsedInProtocol pushes the fixed configuration sequence to
// every pump the task chains reference, recording each pump's base dose
// volume so SetPumpDoseMultiplier has something to scale later.
func (f *InProcess) InitializePumpsUsedInProtocol(tasks []*task.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	doses := make(map[wire.PumpID]float64, len(tasks))
	for _, t := range tasks {
		if len(t.Phases) == 0 {
			return fmt.Errorf("facade: task for pump %d has no phases", t.PumpID)
		}
		doses[t.PumpID] = t.Phases[0].DoseVolumeUL
	}
	if err := f.pumps.ConfigureAll(doses, f.cfg.DiameterMM, f.cfg.RateMMPerMin); err != nil {
		return err
	}
	for pumpID, dose := range doses {
		f.baseDoseUL[pumpID] = dose
	}
	return nil
}

// GetCurrentPumpAddress probes the commissioning address for a freshly
// connected, not-yet-addressed pump.
func (f *InProcess) GetCurrentPumpAddress() (wire.PumpID, error) {
	present, err := f.pumps.ProbeAddress(defaultPumpAddress)
	if err != nil {
		return 0, err
	}
	if !present {
		return 0, fmt.Errorf("facade: no pump responding at the default address")
	}
	return defaultPumpAddress, nil
}

// SetAndGetAddressForCurrentPump reassigns the pump at the commissioning
// address to newAddr and confirms it answers there.
func (f *InProcess) SetAndGetAddressForCurrentPump(newAddr wire.PumpID) (wire.PumpID, error) {
	if err := f.pumps.SetAddress(defaultPumpAddress, newAddr); err != nil {
		return 0, err
	}
	present, err := f.pumps.ProbeAddress(newAddr)
	if err != nil {
		return 0, err
	}
	if !present {
		return 0, fmt.Errorf("facade: pump did not respond at new address %d", newAddr)
	}
	return newAddr, nil
}

// GetMVValuesOfSelectedProbes returns raw millivolt readings, grouped by
// module internally by the device driver.
func (f *InProcess) GetMVValuesOfSelectedProbes(probes []wire.ProbeID) (map[wire.ProbeID]float64, error) {
	return f.meter.ReadMVMany(probes)
}

// GetPHValuesOfSelectedProbes returns calibrated pH readings for each
// requested probe.
func (f *InProcess) GetPHValuesOfSelectedProbes(probes []wire.ProbeID) (map[wire.ProbeID]float64, error) {
	out := make(map[wire.ProbeID]float64, len(probes))
	for _, p := range probes {
		ph, err := f.meter.MeasurePH(p)
		if err != nil {
			return nil, fmt.Errorf("facade: measuring %s: %w", p, err)
		}
		out[p] = ph
	}
	return out, nil
}

// MeasurePHForTask measures the probe associated with a single task tick.
func (f *InProcess) MeasurePHForTask(probeID wire.ProbeID) (float64, error) {
	return f.meter.MeasurePH(probeID)
}

// Pump triggers one dispense.
func (f *InProcess) Pump(pumpID wire.PumpID) error {
	return f.pumps.Pump(pumpID)
}

// PumpNTimes triggers n dispenses with the configured settling delay.
func (f *InProcess) PumpNTimes(pumpID wire.PumpID, n int) error {
	return f.pumps.PumpNTimes(pumpID, n, f.cfg.PumpSettleTime)
}

// SetPumpDoseMultiplier rewrites every task's pump to dispense
// base_dose * multiplier on its next run.
func (f *InProcess) SetPumpDoseMultiplier(tasks []*task.Task, multiplier float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, t := range tasks {
		base, ok := f.baseDoseUL[t.PumpID]
		if !ok {
			return fmt.Errorf("facade: pump %d was never initialized with a base dose", t.PumpID)
		}
		if err := f.pumps.SetDoseMultiplier(t.PumpID, base, multiplier); err != nil {
			return err
		}
	}
	return nil
}

// Recalibrate atomically swaps in a new calibration snapshot.
func (f *InProcess) Recalibrate(snapshot calibration.Snapshot) error {
	f.meter.UpdateCalibration(snapshot)
	return nil
}

// Disconnect is a no-op for the in-process façade: there is no lease state
// to release and the device buses stay open for the next protocol.
func (f *InProcess) Disconnect(tasks []*task.Task) error {
	return nil
}

var _ Facade = (*InProcess)(nil)
