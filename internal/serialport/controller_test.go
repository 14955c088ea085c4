package serialport

import (
	"context"
	"testing"
	"time"

	"github.com/cyreal-project/cyreal-core/internal/platform"
)

func testSettings() LineSettings {
	return LineSettings{
		Type:        TypeRS232,
		BaudRate:    9600,
		DataBits:    8,
		StopBits:    1,
		Parity:      ParityNone,
		FlowControl: FlowNone,
	}
}

func newTestController(t *testing.T) (*Controller, *fakeDevice) {
	t.Helper()
	fd := newFakeDevice()
	c := NewController("test-port", "/dev/fake0", platform.Capability{}, nil)
	c.openFn = func(path string, settings LineSettings) (device, error) {
		return fd, nil
	}
	return c, fd
}

func TestController_OpenTransitionsToOperational(t *testing.T) {
	c, _ := newTestController(t)
	if err := c.Open(testSettings()); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer c.Close()
	if got := c.Status(); got != StatusOperational {
		t.Fatalf("status = %s, want operational", got)
	}
}

func TestController_OpenRejectsInvalidSettings(t *testing.T) {
	c, _ := newTestController(t)
	bad := testSettings()
	bad.DataBits = 9
	if err := c.Open(bad); err == nil {
		t.Fatalf("expected error opening with invalid data bits")
	}
}

func TestController_CloseIsIdempotentError(t *testing.T) {
	c, _ := newTestController(t)
	c.Open(testSettings())
	if err := c.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := c.Close(); err != ErrAlreadyClosed {
		t.Fatalf("second close = %v, want ErrAlreadyClosed", err)
	}
}

func TestController_WriteAcceptsBytes(t *testing.T) {
	c, fd := newTestController(t)
	c.Open(testSettings())
	defer c.Close()

	n, err := c.Write(context.Background(), []byte("hello"))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if n != 5 {
		t.Fatalf("wrote %d bytes, want 5", n)
	}
	if string(fd.writtenBytes()) != "hello" {
		t.Fatalf("device received %q", fd.writtenBytes())
	}
}

func TestController_WriteFailsWhenNotOperational(t *testing.T) {
	c, _ := newTestController(t)
	if _, err := c.Write(context.Background(), []byte("x")); err != ErrNotOperational {
		t.Fatalf("write before open = %v, want ErrNotOperational", err)
	}
}

func TestController_ReadDeliversChunks(t *testing.T) {
	c, fd := newTestController(t)
	c.Open(testSettings())
	defer c.Close()

	fd.feed([]byte("line one\n"))

	select {
	case chunk := <-c.Read():
		if string(chunk.Data) != "line one\n" {
			t.Fatalf("got chunk %q", chunk.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for chunk")
	}
}

func TestController_MetricsTrackBytes(t *testing.T) {
	c, fd := newTestController(t)
	c.Open(testSettings())
	defer c.Close()

	c.Write(context.Background(), []byte("abc"))
	fd.feed([]byte("xyz\n"))
	time.Sleep(100 * time.Millisecond)

	m := c.Metrics()
	if m.BytesOut != 3 {
		t.Fatalf("bytes out = %d, want 3", m.BytesOut)
	}
	if m.BytesIn == 0 {
		t.Fatalf("bytes in not tracked")
	}
}

func TestController_ConfigureRejectsInvalidSettings(t *testing.T) {
	c, _ := newTestController(t)
	c.Open(testSettings())
	defer c.Close()

	bad := testSettings()
	bad.StopBits = 3
	if err := c.Configure(bad); err == nil {
		t.Fatalf("expected error configuring with invalid stop bits")
	}
}
