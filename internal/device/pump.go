package device

import (
	"bufio"
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/vesselctl/phctl/internal/wire"
)

// PumpConfig configures the shared pump RS-232 bus.
type PumpConfig struct {
	BaudRate    int
	ReadTimeout time.Duration
	// PostWriteDelay is the minimum spacing between consecutive writes the
	// pump controller needs to parse each command line.
	PostWriteDelay time.Duration
}

// DefaultPumpConfig returns the bus settings the pump controller expects.
func DefaultPumpConfig() PumpConfig {
	return PumpConfig{
		BaudRate:       9600,
		ReadTimeout:    500 * time.Millisecond,
		PostWriteDelay: 500 * time.Millisecond,
	}
}

// PumpDriver serializes ASCII commands to the shared pump bus.
type PumpDriver struct {
	cfg   PumpConfig
	port  Port
	r     *bufio.Reader
	mu    sync.Mutex
	sleep func(time.Duration)
}

// OpenPumps opens portName for the pump bus.
func OpenPumps(portName string, cfg PumpConfig) (*PumpDriver, error) {
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
	return NewPumpDriver(port, cfg), nil
}

// NewPumpDriver wraps an already-open Port.
func NewPumpDriver(port Port, cfg PumpConfig) *PumpDriver {
	return &PumpDriver{
		cfg:   cfg,
		port:  port,
		r:     bufio.NewReader(port),
		sleep: time.Sleep,
	}
}

// Close closes the underlying bus.
func (d *PumpDriver) Close() error {
	return d.port.Close()
}

// writeFrame sends a frame and waits PostWriteDelay before returning, so
// the next write never races the pump's line parser.
func (d *PumpDriver) writeFrame(frame []byte) error {
	if _, err := d.port.Write(frame); err != nil {
		return fmt.Errorf("%w: write %q: %v", ErrBusError, frame, err)
	}
	d.sleep(d.cfg.PostWriteDelay)
	return nil
}

// readAvailable reads whatever bytes are waiting within the read timeout,
// without blocking for more once the bus goes quiet.
func (d *PumpDriver) readAvailable() []byte {
	buf := make([]byte, 0, 64)
	chunk := make([]byte, 64)
	for {
		n, err := d.r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil || n == 0 {
			return buf
		}
	}
}

// ProbeAddress checks whether a pump answers at addr. It returns an error
// if the bus itself is unusable; an address with no pump attached simply
// returns present=false.
func (d *PumpDriver) ProbeAddress(addr wire.PumpID) (present bool, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.writeFrame(wire.ProbeFrame(addr)); err != nil {
		return false, err
	}
	reply := d.readAvailable()
	return wire.PumpResponded(reply), nil
}

// SetAddress reassigns the pump currently at "current" to respond at
// "newAddr".
func (d *PumpDriver) SetAddress(current, newAddr wire.PumpID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writeFrame(wire.AddressAssignment(current, newAddr))
}

// ConfigureAll pushes the fixed syringe/rate/dose configuration sequence to
// every pump in doseVolumeUL, keyed by pump address.
func (d *PumpDriver) ConfigureAll(doseVolumeUL map[wire.PumpID]float64, diameterMM, rateMMPerMin float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for addr, dose := range doseVolumeUL {
		for _, frame := range wire.ConfigureFrames(addr, diameterMM, rateMMPerMin, dose) {
			if err := d.writeFrame(frame); err != nil {
				return fmt.Errorf("device: configuring pump %d: %w", addr, err)
			}
		}
	}
	return nil
}

// Pump triggers a single dispense at addr.
func (d *PumpDriver) Pump(addr wire.PumpID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writeFrame(wire.RunFrame(addr))
}

// PumpNTimes triggers n dispenses at addr, waiting settleDelay between each
// so the syringe empties before the next run command issues.
func (d *PumpDriver) PumpNTimes(addr wire.PumpID, n int, settleDelay time.Duration) error {
	for i := 0; i < n; i++ {
		if err := d.Pump(addr); err != nil {
			return err
		}
		if i < n-1 {
			d.sleepBetween(settleDelay)
		}
	}
	return nil
}

func (d *PumpDriver) sleepBetween(dur time.Duration) {
	d.mu.Lock()
	sleep := d.sleep
	d.mu.Unlock()
	sleep(dur)
}

// SetDoseMultiplier rewrites addr's target dose volume to baseVolumeUL
// scaled by multiplier, floored to the nearest microliter the way the
// pump's own VOL verb does.
func (d *PumpDriver) SetDoseMultiplier(addr wire.PumpID, baseVolumeUL, multiplier float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writeFrame(wire.DoseVolumeFrame(addr, baseVolumeUL, multiplier))
}
