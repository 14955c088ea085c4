//go:build !linux

package serialport

import "fmt"

func openLinuxDevice(path string, settings LineSettings) (device, error) {
	return nil, fmt.Errorf("serialport: direct UART access is not implemented on this platform")
}
