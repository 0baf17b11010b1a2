package device

import (
	"bufio"
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/vesselctl/phctl/internal/calibration"
	"github.com/vesselctl/phctl/internal/wire"
)

// PHMeterConfig configures the pH-meter serial bus.
type PHMeterConfig struct {
	BaudRate    int
	ReadTimeout time.Duration
	// SettleDelay is how long the driver waits after writing a request
	// before it starts reading the reply, giving the amplifier's
	// half-duplex transceiver time to turn around.
	SettleDelay time.Duration
}

// DefaultPHMeterConfig returns the bus settings the amplifier modules
// expect: 19200 baud, 8N1, no flow control.
func DefaultPHMeterConfig() PHMeterConfig {
	return PHMeterConfig{
		BaudRate:    19200,
		ReadTimeout: 500 * time.Millisecond,
		SettleDelay: 500 * time.Millisecond,
	}
}

// PHMeterDriver serializes requests to the pH-meter bus and decodes mV
// replies into calibrated pH readings.
type PHMeterDriver struct {
	cfg   PHMeterConfig
	port  Port
	r     *bufio.Reader
	mu    sync.Mutex
	cal   *calibration.Store
	sleep func(time.Duration)
}

// OpenPHMeter opens portName for the pH-meter bus.
func OpenPHMeter(portName string, cfg PHMeterConfig, cal *calibration.Store) (*PHMeterDriver, error) {
	port, err := Open(portName, OpenSettings{
		BaudRate:    cfg.BaudRate,
		DataBits:    8,
		Parity:      serial.NoParity,
		StopBits:    serial.OneStopBit,
		ReadTimeout: cfg.ReadTimeout,
	})
	if err != nil {
		return nil, err
	}
	return NewPHMeterDriver(port, cfg, cal), nil
}

// NewPHMeterDriver wraps an already-open Port. Exposed directly so tests
// can substitute a fake Port without touching the OS serial layer.
func NewPHMeterDriver(port Port, cfg PHMeterConfig, cal *calibration.Store) *PHMeterDriver {
	return &PHMeterDriver{
		cfg:   cfg,
		port:  port,
		r:     bufio.NewReader(port),
		cal:   cal,
		sleep: time.Sleep,
	}
}

// Close closes the underlying bus.
func (d *PHMeterDriver) Close() error {
	return d.port.Close()
}

// ReadModuleMV requests and decodes one module's 4 channel mV readings. On
// a read failure it retries exactly once before surfacing the error —
// a single dropped frame on a noisy bus should not fail the measurement.
func (d *PHMeterDriver) ReadModuleMV(module wire.ModuleID) ([4]float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	reply, err := d.requestOnce(module)
	if err != nil {
		reply, err = d.requestOnce(module)
	}
	if err != nil {
		return [4]float64{}, err
	}
	return reply.MV, nil
}

func (d *PHMeterDriver) requestOnce(module wire.ModuleID) (*wire.MVReply, error) {
	req := wire.EncodeMVRequest(module)
	if _, err := d.port.Write(req); err != nil {
		return nil, fmt.Errorf("%w: write mv request: %v", ErrBusError, err)
	}
	d.sleep(d.cfg.SettleDelay)
	return wire.ReadMVReply(d.r)
}

// MeasurePH reads the module backing probeID and returns its calibrated pH.
func (d *PHMeterDriver) MeasurePH(probeID wire.ProbeID) (float64, error) {
	moduleAddr, channel, err := probeID.Split()
	if err != nil {
		return 0, err
	}
	module, err := wire.ParseModuleID(moduleAddr)
	if err != nil {
		return 0, err
	}
	mv, err := d.ReadModuleMV(module)
	if err != nil {
		return 0, err
	}
	entry, ok := d.cal.Get(string(probeID))
	if !ok {
		return 0, fmt.Errorf("device: no calibration entry for probe %s", probeID)
	}
	return entry.Transform(mv[channel-1]), nil
}

// ReadMVMany reads raw mV values for a set of probes, grouping requests by
// module so each amplifier is polled at most once regardless of how many
// of its channels are selected.
func (d *PHMeterDriver) ReadMVMany(probes []wire.ProbeID) (map[wire.ProbeID]float64, error) {
	byModule := make(map[wire.ModuleID][]wire.ProbeID)
	moduleAddr := make(map[wire.ModuleID]string)
	for _, p := range probes {
		addr, _, err := p.Split()
		if err != nil {
			return nil, err
		}
		module, err := wire.ParseModuleID(addr)
		if err != nil {
			return nil, err
		}
		byModule[module] = append(byModule[module], p)
		moduleAddr[module] = addr
	}

	out := make(map[wire.ProbeID]float64, len(probes))
	for module, members := range byModule {
		mv, err := d.ReadModuleMV(module)
		if err != nil {
			return nil, fmt.Errorf("device: reading module %s: %w", module, err)
		}
		for _, p := range members {
			_, channel, err := p.Split()
			if err != nil {
				return nil, err
			}
			out[p] = mv[channel-1]
		}
	}
	return out, nil
}

// UpdateCalibration replaces the calibration snapshot used by MeasurePH.
func (d *PHMeterDriver) UpdateCalibration(snap calibration.Snapshot) {
	d.cal.Update(snap)
}
