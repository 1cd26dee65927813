// Package port opens and configures the physical serial port of the sensor.
package port

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// The SDS011 UART talks 9600 8N1, none of it configurable.
const (
	Baud = 9600

	// readTimeout keeps reads on a silent line from blocking forever.
	// The protocol engine brings its own retry bounds on top of it.
	readTimeout = 100 * time.Millisecond
)

// Port is an opened serial connection to the sensor.
type Port struct {
	handler serial.Port
}

// Open opens the serial device (e.g. /dev/ttyUSB0) with the fixed line
// settings of the sensor and drops whatever input an earlier session left
// in the kernel buffer.
func Open(device string) (*Port, error) {
	mode := &serial.Mode{
		BaudRate: Baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	h, err := serial.Open(device, mode)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", device, err)
	}

	if err := h.SetReadTimeout(readTimeout); err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("configuring %s: %w", device, err)
	}

	if err := h.ResetInputBuffer(); err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("flushing %s: %w", device, err)
	}

	return &Port{handler: h}, nil
}

func (p *Port) Read(b []byte) (int, error) {
	return p.handler.Read(b)
}

func (p *Port) Write(b []byte) (int, error) {
	return p.handler.Write(b)
}

// Close closes the serial device.
func (p *Port) Close() error {
	return p.handler.Close()
}
