// Package platform detects host capabilities relevant to serial hardware
// access — architecture, maximum baud rate, GPIO availability — and exposes
// them as a read-only record populated once at startup.
//
// Detection never fails loudly (spec.md §4.1): any error probing a
// well-known OS location degrades to the generic capability record rather
// than aborting startup. The core has no business refusing to run just
// because it couldn't read /proc/cpuinfo.
package platform

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Capability is an immutable record of what the host can do. It is
// populated once by Detect() and shared by read-only reference — nothing
// in the core ever mutates a Capability after construction.
type Capability struct {
	// Name is a human-readable host identifier, e.g. "beaglebone-black",
	// "raspberry-pi-4", or "generic-linux".
	Name string

	// Arch is the GOARCH-style architecture tag.
	Arch string

	// Features lists special capability tags, e.g. "gpio", "high-speed-serial".
	Features []string

	// MaxBaud is the highest baud rate the platform's UARTs are known to
	// support reliably. Zero means "unknown, assume standard rates only".
	MaxBaud int

	// HalfDuplexPinControl is true when a dedicated GPIO facility for
	// RS-485 DE/RE control is available (as opposed to relying on a
	// USB-serial adapter's own RTS-as-DE wiring).
	HalfDuplexPinControl bool

	// GPIOChip is the optional sysfs path of the first GPIO chip found, e.g.
	// "/sys/class/gpio/gpiochip0". Empty when no GPIO facility was found.
	GPIOChip string
}

// Has reports whether the capability record declares the given feature tag.
func (c Capability) Has(tag string) bool {
	for _, f := range c.Features {
		if f == tag {
			return true
		}
	}
	return false
}

// generic is the fallback record returned whenever detection cannot
// positively identify the host.
func generic() Capability {
	return Capability{
		Name:    "generic-" + runtime.GOOS,
		Arch:    runtime.GOARCH,
		MaxBaud: 115200,
	}
}

// Detect probes well-known OS locations and returns a Capability record.
// It never returns an error: failure to identify the platform yields the
// generic record with all optional features absent.
func Detect() Capability {
	if runtime.GOOS != "linux" {
		return generic()
	}

	cap := Capability{
		Name:    boardName(),
		Arch:    runtime.GOARCH,
		MaxBaud: 115200,
	}

	if chip := findGPIOChip(); chip != "" {
		cap.GPIOChip = chip
		cap.HalfDuplexPinControl = true
		cap.Features = append(cap.Features, "gpio")
	}

	if isHighSpeedCapable() {
		cap.MaxBaud = 3000000
		cap.Features = append(cap.Features, "high-speed-serial")
	}

	if cap.Name == "" {
		cap.Name = generic().Name
	}
	return cap
}

// boardName best-efforts a human-readable board identifier from the device
// tree model file used by most embedded Linux boards, falling back to
// uname-style info.
func boardName() string {
	if data, err := os.ReadFile("/proc/device-tree/model"); err == nil {
		name := strings.TrimRight(string(data), "\x00\n ")
		if name != "" {
			return slugify(name)
		}
	}
	if data, err := os.ReadFile("/etc/hostname"); err == nil {
		name := strings.TrimSpace(string(data))
		if name != "" {
			return name
		}
	}
	return ""
}

func slugify(s string) string {
	s = strings.ToLower(s)
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		default:
			return '-'
		}
	}, s)
	for strings.Contains(s, "--") {
		s = strings.ReplaceAll(s, "--", "-")
	}
	return strings.Trim(s, "-")
}

// findGPIOChip looks for the first exported GPIO chip under the standard
// sysfs location. Returns "" if none is present or the path can't be read
// — detection degrades silently, per the package contract.
func findGPIOChip() string {
	const base = "/sys/class/gpio"
	entries, err := os.ReadDir(base)
	if err != nil {
		return ""
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "gpiochip") {
			return filepath.Join(base, e.Name())
		}
	}
	return ""
}

// isHighSpeedCapable is a coarse heuristic: CPU class reported as ARMv7+
// or x86_64 is assumed capable of > 115200 baud UARTs. This is a heuristic,
// not a hardware query — the platform adapter has no portable way to ask
// a UART its maximum rate short of opening it with termios2 and trying.
func isHighSpeedCapable() bool {
	switch runtime.GOARCH {
	case "amd64", "arm64":
		return true
	}
	data, err := os.ReadFile("/proc/cpuinfo")
	if err != nil {
		return false
	}
	return strings.Contains(string(data), "ARMv7")
}
