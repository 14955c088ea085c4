//go:build linux

// device_linux.go — termios/ioctl backed UART access. The general shape
// (open with O_NOCTTY|O_NONBLOCK, build a termios struct field by field,
// TIOCMBIS/TIOCMBIC for individual modem-control lines) follows the pattern
// in the retrieved goserial and devicecode-go HAL reference sources; this is
// a from-scratch adaptation; no code is copied verbatim.
package serialport

import (
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

var baudToUnix = map[int]uint32{
	50: unix.B50, 75: unix.B75, 110: unix.B110, 134: unix.B134,
	150: unix.B150, 200: unix.B200, 300: unix.B300, 600: unix.B600,
	1200: unix.B1200, 1800: unix.B1800, 2400: unix.B2400, 4800: unix.B4800,
	9600: unix.B9600, 19200: unix.B19200, 38400: unix.B38400,
	57600: unix.B57600, 115200: unix.B115200, 230400: unix.B230400,
	460800: unix.B460800, 921600: unix.B921600, 1000000: unix.B1000000,
	2000000: unix.B2000000, 3000000: unix.B3000000,
}

var dataBitsFlag = map[int]uint32{5: unix.CS5, 6: unix.CS6, 7: unix.CS7, 8: unix.CS8}

// linuxDevice is a termios-backed open UART file descriptor.
type linuxDevice struct {
	mu   sync.Mutex
	f    *os.File
	fd   int
	path string
}

// openLinuxDevice opens path and applies settings. Returns ErrNotFound,
// ErrPermissionDenied, or ErrPortBusy translated from the underlying
// syscall errno, or ErrInvalidSettings if settings can't be represented.
func openLinuxDevice(path string, settings LineSettings) (device, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		switch err {
		case unix.ENOENT:
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		case unix.EACCES, unix.EPERM:
			return nil, fmt.Errorf("%w: %s", ErrPermissionDenied, path)
		case unix.EBUSY:
			return nil, fmt.Errorf("%w: %s", ErrPortBusy, path)
		default:
			return nil, fmt.Errorf("serialport: open %s: %w", path, err)
		}
	}

	d := &linuxDevice{fd: fd, path: path, f: os.NewFile(uintptr(fd), path)}
	if err := d.applyTermios(settings); err != nil {
		unix.Close(fd)
		return nil, err
	}
	// Clear O_NONBLOCK now that the device is configured: reads should
	// block the buffer-mode governor's dedicated reader goroutine rather
	// than busy-poll.
	if err := unix.SetNonblock(fd, false); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("serialport: clear nonblock on %s: %w", path, err)
	}
	return d, nil
}

func (d *linuxDevice) applyTermios(settings LineSettings) error {
	baud, ok := baudToUnix[settings.BaudRate]
	if !ok {
		return fmt.Errorf("%w: unsupported baud rate %d on this platform", ErrInvalidSettings, settings.BaudRate)
	}
	csBits, ok := dataBitsFlag[settings.DataBits]
	if !ok {
		return fmt.Errorf("%w: unsupported data bits %d", ErrInvalidSettings, settings.DataBits)
	}

	t := unix.Termios{
		Iflag: unix.IGNPAR,
		Cflag: unix.CREAD | unix.CLOCAL | csBits,
	}
	t.Cflag |= baud
	t.Ispeed = baud
	t.Ospeed = baud

	if settings.StopBits == 2 {
		t.Cflag |= unix.CSTOPB
	}
	switch settings.Parity {
	case ParityEven:
		t.Cflag |= unix.PARENB
	case ParityOdd:
		t.Cflag |= unix.PARENB | unix.PARODD
	case ParityMark, ParitySpace:
		t.Cflag |= unix.PARENB | unix.CMSPAR
		if settings.Parity == ParityMark {
			t.Cflag |= unix.PARODD
		}
	}
	switch settings.FlowControl {
	case FlowHardware:
		t.Cflag |= unix.CRTSCTS
	case FlowSoftware:
		t.Iflag |= unix.IXON | unix.IXOFF
	}

	// Raw mode: no line discipline processing. The buffer-mode governor
	// owns chunking semantics, not the tty layer.
	t.Lflag = 0
	t.Oflag = 0
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(d.fd, unix.TCSETS, &t); err != nil {
		return fmt.Errorf("serialport: set termios on %s: %w", d.path, err)
	}
	return nil
}

func (d *linuxDevice) Read(buf []byte) (int, error) {
	return d.f.Read(buf)
}

func (d *linuxDevice) Write(buf []byte) (int, error) {
	return d.f.Write(buf)
}

func (d *linuxDevice) Close() error {
	return d.f.Close()
}

// Drain blocks until the kernel reports the output queue empty, polling
// the TIOCOUTQ queue length once a millisecond.
func (d *linuxDevice) Drain() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for {
		n, err := tcOutQueueLen(d.fd)
		if err != nil {
			return fmt.Errorf("serialport: drain %s: %w", d.path, err)
		}
		if n == 0 {
			return nil
		}
		time.Sleep(time.Millisecond)
	}
}

func tcOutQueueLen(fd int) (int, error) {
	return unix.IoctlGetInt(fd, unix.TIOCOUTQ)
}

// SetRTS drives the RTS modem-control line, used as the DE-control
// fallback on adapters without a dedicated GPIO facility.
func (d *linuxDevice) SetRTS(assert bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	bits := unix.TIOCM_RTS
	if assert {
		return unix.IoctlSetPointerInt(d.fd, unix.TIOCMBIS, bits)
	}
	return unix.IoctlSetPointerInt(d.fd, unix.TIOCMBIC, bits)
}

func (d *linuxDevice) Reconfigure(settings LineSettings) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.applyTermios(settings)
}
