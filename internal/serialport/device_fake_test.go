package serialport

import (
	"bytes"
	"io"
	"sync"
)

// fakeDevice is an in-memory device used across this package's tests so
// Controller, BufferModeGovernor, RS485Governor, and RecoveryGovernor can
// all be exercised without a real UART.
type fakeDevice struct {
	mu          sync.Mutex
	readBuf     bytes.Buffer
	writeBuf    bytes.Buffer
	rtsAsserted bool
	closed      bool
	writeErr    error
	readErr     error
	settings    LineSettings
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{}
}

func (f *fakeDevice) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return 0, f.readErr
	}
	if f.readBuf.Len() == 0 {
		return 0, nil
	}
	return f.readBuf.Read(p)
}

func (f *fakeDevice) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	return f.writeBuf.Write(p)
}

func (f *fakeDevice) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeDevice) Drain() error { return nil }

func (f *fakeDevice) SetRTS(assert bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rtsAsserted = assert
	return nil
}

func (f *fakeDevice) Reconfigure(settings LineSettings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings = settings
	return nil
}

// feed injects bytes as if received from the wire.
func (f *fakeDevice) feed(data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readBuf.Write(data)
}

func (f *fakeDevice) writtenBytes() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.writeBuf.Bytes()...)
}

var _ device = (*fakeDevice)(nil)
var _ io.Closer = (*fakeDevice)(nil)
