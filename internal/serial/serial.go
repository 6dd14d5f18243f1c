package serial

import (
	"errors"
	"fmt"
	"sync"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// DefaultBaudRate is the console speed of the reference board.
const DefaultBaudRate = 115200

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.New("serial port closed")

// Port is the diagnostic console. It is a write-only line sink for the
// logger and a peripheral that is shut down before the application starts.
type Port struct {
	mu       sync.Mutex
	port     serial.Port
	portName string
	baudRate int
	closed   bool
}

// Open opens a serial port with the specified baud rate, 8N1.
func Open(portName string, baudRate int) (*Port, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open port %s: %w", portName, err)
	}

	return newPort(port, portName, baudRate), nil
}

func newPort(port serial.Port, portName string, baudRate int) *Port {
	return &Port{
		port:     port,
		portName: portName,
		baudRate: baudRate,
	}
}

// Write writes data to the serial port.
func (p *Port) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, ErrClosed
	}
	return p.port.Write(data)
}

// Close waits for pending output to go out and closes the port. Closing an
// already closed port does nothing.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	drainErr := p.port.Drain()
	if err := p.port.Close(); err != nil {
		return fmt.Errorf("failed to close port %s: %w", p.portName, err)
	}
	if drainErr != nil {
		return fmt.Errorf("failed to drain port %s: %w", p.portName, drainErr)
	}
	return nil
}

// PortName returns the port name.
func (p *Port) PortName() string {
	return p.portName
}

// BaudRate returns the current baud rate.
func (p *Port) BaudRate() int {
	return p.baudRate
}

// PortInfo describes an available serial port.
type PortInfo struct {
	Name    string
	USB     bool
	VID     string
	PID     string
	Serial  string
	Product string
}

func (i PortInfo) String() string {
	if !i.USB {
		return i.Name
	}
	s := fmt.Sprintf("%s [%s:%s]", i.Name, i.VID, i.PID)
	if i.Product != "" {
		s += " " + i.Product
	}
	if i.Serial != "" {
		s += " (" + i.Serial + ")"
	}
	return s
}

// ListPorts returns the available serial ports. USB details are filled in
// when the platform reports them.
func ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err == nil {
		return portInfos(details), nil
	}

	names, listErr := serial.GetPortsList()
	if listErr != nil {
		return nil, listErr
	}
	ports := make([]PortInfo, len(names))
	for i, name := range names {
		ports[i] = PortInfo{Name: name}
	}
	return ports, nil
}

func portInfos(details []*enumerator.PortDetails) []PortInfo {
	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		ports = append(ports, PortInfo{
			Name:    d.Name,
			USB:     d.IsUSB,
			VID:     d.VID,
			PID:     d.PID,
			Serial:  d.SerialNumber,
			Product: d.Product,
		})
	}
	return ports
}
