// Package serialport implements the Serial Port Controller: the System 1
// governor that owns a single physical link end to end — open/close
// lifecycle, adaptive buffering, RS-485 half-duplex turnaround, and fault
// recovery — exclusively. Every external access to the wire routes through
// a Controller; nothing else ever touches the underlying file descriptor.
package serialport

import (
	"errors"
	"fmt"
)

// PortType identifies the wiring topology of a configured link.
type PortType string

const (
	TypeRS232     PortType = "rs232"
	TypeRS485     PortType = "rs485"
	TypeUSBSerial PortType = "usb-serial"
	TypeTTL       PortType = "ttl"
)

// BufferMode is the adaptive buffering strategy currently selected for a
// port's read path.
type BufferMode string

const (
	ModeLine   BufferMode = "line"
	ModeStream BufferMode = "stream"
	ModeRaw    BufferMode = "raw"
)

// Status is a port's position in its operational state machine.
type Status string

const (
	StatusClosed      Status = "closed"
	StatusOpening     Status = "opening"
	StatusOperational Status = "operational"
	StatusWarning     Status = "warning"
	StatusError       Status = "error"
	StatusStandby     Status = "standby"
	StatusMaintenance Status = "maintenance"
)

// Parity is the UART parity setting.
type Parity string

const (
	ParityNone  Parity = "none"
	ParityEven  Parity = "even"
	ParityOdd   Parity = "odd"
	ParityMark  Parity = "mark"
	ParitySpace Parity = "space"
)

// FlowControl is the UART flow-control setting.
type FlowControl string

const (
	FlowNone     FlowControl = "none"
	FlowHardware FlowControl = "hardware"
	FlowSoftware FlowControl = "software"
)

// Sentinel errors matching the named failure modes in the port contract.
// Wrapped with additional context via fmt.Errorf("...: %w", ErrX).
var (
	ErrPortBusy        = errors.New("serialport: port busy")
	ErrPermissionDenied = errors.New("serialport: permission denied")
	ErrNotFound        = errors.New("serialport: device not found")
	ErrInvalidSettings = errors.New("serialport: invalid settings")
	ErrAlreadyClosed   = errors.New("serialport: already closed")
	ErrBusContention   = errors.New("serialport: bus contention")
	ErrNotOperational  = errors.New("serialport: not operational")
)

// RS485Profile configures half-duplex turnaround behavior. Present if and
// only if the owning LineSettings.Type is TypeRS485.
type RS485Profile struct {
	EnablePinID        string
	TurnaroundDelayUS   int
	TerminationEnabled bool
	MultidropAddress   int // 0..247; 0 means "not part of a multidrop bus"
}

// LineSettings fully describes how a port's UART is configured.
type LineSettings struct {
	Type        PortType
	BaudRate    int
	DataBits    int
	StopBits    int
	Parity      Parity
	FlowControl FlowControl
	RS485       *RS485Profile
}

// Validate checks LineSettings against the invariants in the data model:
// data-bits/stop-bits/parity/flow-control enums, and "rs485 profile present
// iff port type is rs485".
func (s LineSettings) Validate() error {
	switch s.DataBits {
	case 5, 6, 7, 8:
	default:
		return fmt.Errorf("%w: data bits %d not in {5,6,7,8}", ErrInvalidSettings, s.DataBits)
	}
	switch s.StopBits {
	case 1, 2:
	default:
		return fmt.Errorf("%w: stop bits %d not in {1,2}", ErrInvalidSettings, s.StopBits)
	}
	switch s.Parity {
	case ParityNone, ParityEven, ParityOdd, ParityMark, ParitySpace:
	default:
		return fmt.Errorf("%w: parity %q", ErrInvalidSettings, s.Parity)
	}
	switch s.FlowControl {
	case FlowNone, FlowHardware, FlowSoftware:
	default:
		return fmt.Errorf("%w: flow control %q", ErrInvalidSettings, s.FlowControl)
	}
	if s.BaudRate <= 0 {
		return fmt.Errorf("%w: baud rate %d", ErrInvalidSettings, s.BaudRate)
	}
	hasRS485 := s.RS485 != nil
	wantsRS485 := s.Type == TypeRS485
	if hasRS485 != wantsRS485 {
		return fmt.Errorf("%w: rs485 profile present=%v but type=%q", ErrInvalidSettings, hasRS485, s.Type)
	}
	if hasRS485 {
		if s.RS485.TurnaroundDelayUS < 1 {
			return fmt.Errorf("%w: rs485 turnaround delay must be >= 1us", ErrInvalidSettings)
		}
		if s.RS485.MultidropAddress < 0 || s.RS485.MultidropAddress > 247 {
			return fmt.Errorf("%w: rs485 multidrop address %d out of [0,247]", ErrInvalidSettings, s.RS485.MultidropAddress)
		}
	}
	return nil
}

// Metrics is a point-in-time snapshot of a port's rolling counters.
type Metrics struct {
	BytesIn        uint64
	BytesOut       uint64
	ErrorCount     uint64
	LastActivity   int64 // unix nanos; avoids importing time into hot counter path
	UptimeSeconds  int64
	CurrentMode    BufferMode
	CurrentStatus  Status
}
