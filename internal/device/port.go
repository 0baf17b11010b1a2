// Package device drives the RS-232 serial buses to the pH meter and the
// dosing pump controller.
package device

import (
	"errors"
	"fmt"
	"time"

	"go.bug.st/serial"
)

// ErrBusError is returned when the serial bus itself cannot be opened or
// written to.
var ErrBusError = errors.New("device: bus error")

// Port is the minimal surface device drivers need from a serial connection.
// serial.Port satisfies it directly; tests substitute an in-memory fake.
type Port interface {
	Write(p []byte) (int, error)
	Read(p []byte) (int, error)
	SetReadTimeout(t time.Duration) error
	Close() error
}

// OpenSettings configures a serial bus open.
type OpenSettings struct {
	BaudRate    int
	DataBits    int
	Parity      serial.Parity
	StopBits    serial.StopBits
	ReadTimeout time.Duration
}

// Open opens portName with the given settings and drains any bytes already
// sitting in the input buffer, per the driver contract that a fresh session
// must not read stale data left by a previous run.
func Open(portName string, settings OpenSettings) (Port, error) {
	mode := &serial.Mode{
		BaudRate: settings.BaudRate,
		DataBits: settings.DataBits,
		Parity:   settings.Parity,
		StopBits: settings.StopBits,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrBusError, portName, err)
	}
	if err := port.SetReadTimeout(settings.ReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("%w: set read timeout on %s: %v", ErrBusError, portName, err)
	}

	drainPending(port)
	if err := port.SetReadTimeout(settings.ReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("%w: restore read timeout on %s: %v", ErrBusError, portName, err)
	}
	return port, nil
}

// drainPending discards any bytes immediately available on the port without
// blocking for new ones.
func drainPending(p Port) {
	buf := make([]byte, 256)
	for {
		_ = p.SetReadTimeout(10 * time.Millisecond)
		n, err := p.Read(buf)
		if err != nil || n == 0 {
			return
		}
	}
}
