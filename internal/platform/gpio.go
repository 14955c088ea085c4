// gpio.go — sysfs GPIO controller for RS-485 DE/RE pin control.
//
// Responsibilities:
//   - Export a GPIO line (idempotent: already-exported is not an error).
//   - Set direction to "out".
//   - Assert/deassert the line by writing "1"/"0" to its value file.
//   - Unexport on Close (best-effort; failures are not fatal here since
//     releasing the pin is a courtesy, not a correctness requirement).
//
// Failure contract: unlike the teacher's BPF loader (where a partially
// loaded program set is never tolerated), a GPIO line that fails to export
// is reported to the caller but does not bring down the whole process —
// callers fall back to RTS-line control via termios (see serialport).
package platform

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// GPIOLine is a single exported, direction-fixed GPIO line used for
// RS-485 DE/RE control.
type GPIOLine struct {
	chip     string
	pin      int
	valuePath string
	exported bool
}

// OpenGPIOLine exports pin under the given sysfs GPIO chip base path
// (Capability.GPIOChip), sets it to output direction, and returns a handle.
// Safe to call once per pin; a second Open on an already-exported pin
// reuses the existing export rather than failing.
func OpenGPIOLine(chipBase string, pin int) (*GPIOLine, error) {
	if chipBase == "" {
		return nil, fmt.Errorf("platform: no GPIO chip available on this host")
	}
	root := filepath.Dir(chipBase) // .../gpio
	exportPath := filepath.Join(root, "export")
	pinDir := filepath.Join(root, fmt.Sprintf("gpio%d", pin))

	if _, err := os.Stat(pinDir); os.IsNotExist(err) {
		if werr := os.WriteFile(exportPath, []byte(strconv.Itoa(pin)), 0o200); werr != nil {
			return nil, fmt.Errorf("platform: export gpio%d: %w", pin, werr)
		}
	}

	dirPath := filepath.Join(pinDir, "direction")
	if err := os.WriteFile(dirPath, []byte("out"), 0o200); err != nil {
		return nil, fmt.Errorf("platform: set gpio%d direction: %w", pin, err)
	}

	return &GPIOLine{
		chip:      chipBase,
		pin:       pin,
		valuePath: filepath.Join(pinDir, "value"),
		exported:  true,
	}, nil
}

// Assert drives the line high (DE asserted — transmit enabled).
func (g *GPIOLine) Assert() error {
	return g.write("1")
}

// Deassert drives the line low (DE deasserted — receive enabled).
func (g *GPIOLine) Deassert() error {
	return g.write("0")
}

func (g *GPIOLine) write(v string) error {
	if err := os.WriteFile(g.valuePath, []byte(v), 0o200); err != nil {
		return fmt.Errorf("platform: write gpio%d value: %w", g.pin, err)
	}
	return nil
}

// Close unexports the GPIO line. Safe to call multiple times.
func (g *GPIOLine) Close() error {
	if !g.exported {
		return nil
	}
	g.exported = false
	root := filepath.Dir(filepath.Dir(g.valuePath))
	unexportPath := filepath.Join(root, "unexport")
	if err := os.WriteFile(unexportPath, []byte(strconv.Itoa(g.pin)), 0o200); err != nil {
		return fmt.Errorf("platform: unexport gpio%d: %w", g.pin, err)
	}
	return nil
}
