// Package main — bench/cmd/turnaround/main.go
//
// RS-485 turnaround latency measurement tool.
//
// Measures the wall-clock time of the half-duplex turnaround sequence
// (internal/serialport's assert-DE, wait-turnaround-delay, write, drain,
// deassert-DE) for repeated writes against a real or loopback RS-485
// line, by driving internal/portmgr.Manager.Route the same way the
// bridge's port.write RPC does — the transmit sequence itself
// (RS485Governor.transmit) is unexported, so this is the narrowest point
// where turnaround latency can be observed from outside the package.
//
// Method:
//  1. Registers one port through the Port Manager with an RS-485 profile.
//  2. Issues -iterations writes of -payload-size bytes in a tight loop.
//  3. Times each call to Manager.Route with
//     clock monotonic (time.Now()/time.Since()).
//  4. Results are written to a CSV file and summarised as percentiles.
//
// The measurement includes:
//   - DE assertion and the configured turnaround delay
//   - The device write and drain
//   - Collision backoff, if the line reports contention
//
// It does NOT include:
//   - Arbitration wait against other requesters (single writer here)
//   - Network/RPC overhead (this drives the Controller directly)
//
// Output CSV columns: iteration, latency_us, bytes_written
//
// Usage:
//
//	turnaround -port /dev/ttyUSB0 -iterations 5000 -payload-size 32
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/cyreal-project/cyreal-core/internal/platform"
	"github.com/cyreal-project/cyreal-core/internal/portmgr"
	"github.com/cyreal-project/cyreal-core/internal/serialport"
)

func main() {
	portPath := flag.String("port", "/dev/ttyUSB0", "Serial device path to benchmark")
	iterations := flag.Int("iterations", 5000, "Number of writes to measure")
	payloadSize := flag.Int("payload-size", 32, "Bytes written per turnaround cycle")
	baudRate := flag.Int("baud", 115200, "Line baud rate")
	turnaroundUS := flag.Int("turnaround-us", 500, "Configured RS-485 turnaround delay in microseconds")
	multidropAddr := flag.Int("multidrop-addr", 0, "RS-485 multidrop address, 0 disables collision sensing")
	outputFile := flag.String("output", "turnaround_raw.csv", "Output CSV file path")
	flag.Parse()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	log := zap.NewNop()
	cap := platform.Detect()

	mgr := portmgr.New(portmgr.Config{
		ConflictPolicy:      portmgr.ConflictPriority,
		HealthCheckInterval: time.Minute,
	}, cap, log)

	settings := serialport.LineSettings{
		Type:        serialport.TypeRS485,
		BaudRate:    *baudRate,
		DataBits:    8,
		StopBits:    1,
		Parity:      serialport.ParityNone,
		FlowControl: serialport.FlowNone,
		RS485: &serialport.RS485Profile{
			TurnaroundDelayUS: *turnaroundUS,
			MultidropAddress:  *multidropAddr,
		},
	}

	if _, err := mgr.Register("bench", *portPath, serialport.TypeRS485, 0, settings); err != nil {
		fmt.Fprintf(os.Stderr, "register port %q: %v\n", *portPath, err)
		os.Exit(1)
	}
	defer mgr.Unregister("bench") //nolint:errcheck

	f, err := os.Create(*outputFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create output: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()
	_ = w.Write([]string{"iteration", "latency_us", "bytes_written"})

	payload := make([]byte, *payloadSize)
	for i := range payload {
		payload[i] = byte(i)
	}

	ctx := context.Background()
	var bucket [100001]int // 0-100ms histogram in microsecond buckets

	for i := 0; i < *iterations; i++ {
		start := time.Now()
		n, err := mgr.Route(ctx, "bench", "bench-tool", 0, payload)
		latency := time.Since(start)
		if err != nil {
			fmt.Fprintf(os.Stderr, "write %d failed: %v\n", i, err)
			continue
		}

		latencyUs := int(latency.Microseconds())
		if latencyUs < len(bucket) {
			bucket[latencyUs]++
		}

		_ = w.Write([]string{
			strconv.Itoa(i),
			strconv.Itoa(latencyUs),
			strconv.Itoa(n),
		})
	}

	p50, p95, p99 := computePercentiles(bucket[:], *iterations)

	fmt.Printf("RS-485 Turnaround Latency Results (%d iterations)\n", *iterations)
	fmt.Printf("  Port:             %s\n", *portPath)
	fmt.Printf("  Turnaround delay: %dus\n", *turnaroundUS)
	fmt.Printf("  p50: %dus\n", p50)
	fmt.Printf("  p95: %dus\n", p95)
	fmt.Printf("  p99: %dus\n", p99)
	fmt.Printf("  Output: %s\n", *outputFile)

	// Turnaround should never exceed roughly 10x the configured delay plus
	// one collision-backoff retry; past that the line is contended or the
	// device driver is stalling.
	budget := *turnaroundUS*10 + 5000
	if p99 > budget {
		fmt.Fprintf(os.Stderr, "FAIL: p99 %dus exceeds budget %dus\n", p99, budget)
		os.Exit(1)
	}
}

func computePercentiles(hist []int, total int) (p50, p95, p99 int) {
	targets := []struct {
		pct float64
		out *int
	}{
		{0.50, &p50},
		{0.95, &p95},
		{0.99, &p99},
	}
	cumulative := 0
	ti := 0
	for i, count := range hist {
		cumulative += count
		for ti < len(targets) && float64(cumulative) >= targets[ti].pct*float64(total) {
			*targets[ti].out = i
			ti++
		}
		if ti == len(targets) {
			break
		}
	}
	return
}
