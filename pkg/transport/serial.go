package transport

import (
	"fmt"

	"go.bug.st/serial"
)

const DefaultBaudRate = 115200

// OpenSerial opens a USB or Bluetooth serial port to the robot.
func OpenSerial(port string, baud int, opts ...Option) (*Link, error) {
	if baud <= 0 {
		baud = DefaultBaudRate
	}
	p, err := serial.Open(port, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: open serial %s: %w", port, err)
	}
	l := newLink(opts)
	l.start(p)
	return l, nil
}

// SerialPorts lists the serial ports present on this host.
func SerialPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("transport: list serial ports: %w", err)
	}
	return ports, nil
}
