package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/cyreal-project/cyreal-core/internal/serialport"
)

// testPattern stands in for a domain payload (e.g. serialport's
// buffer-mode classifier baseline), whose own payload type is unexported
// and so cannot be used from this package.
type testPattern struct {
	PreferredMode   serialport.BufferMode `json:"preferredMode"`
	NewlineFraction float64               `json:"newlineFraction"`
}

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "patterns.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestDB_PatternRoundTrip(t *testing.T) {
	db := openTestDB(t)
	payload := testPattern{PreferredMode: serialport.ModeLine, NewlineFraction: 0.9}
	if err := db.PutPattern("buffermode:p1", payload); err != nil {
		t.Fatalf("PutPattern() error = %v", err)
	}
	got, found, err := db.GetPattern("buffermode:p1")
	if err != nil {
		t.Fatalf("GetPattern() error = %v", err)
	}
	if !found {
		t.Fatal("GetPattern() found = false, want true")
	}
	var decoded testPattern
	if err := json.Unmarshal(got.Value, &decoded); err != nil {
		t.Fatalf("unmarshal Value: %v", err)
	}
	if decoded.PreferredMode != serialport.ModeLine {
		t.Fatalf("GetPattern() mode = %v, want ModeLine", decoded.PreferredMode)
	}
	if got.Hits != 1 {
		t.Fatalf("GetPattern() hits = %d, want 1", got.Hits)
	}
}

func TestDB_GetPatternMissingReturnsNotFound(t *testing.T) {
	db := openTestDB(t)
	_, found, err := db.GetPattern("does-not-exist")
	if err != nil {
		t.Fatalf("GetPattern() error = %v", err)
	}
	if found {
		t.Fatal("GetPattern() found = true, want false")
	}
}

func TestDB_PutPatternBumpsHitsAndDecayWeightOnReobservation(t *testing.T) {
	db := openTestDB(t)
	for i := 0; i < 3; i++ {
		if err := db.PutPattern("buffermode:p1", testPattern{NewlineFraction: 0.5}); err != nil {
			t.Fatalf("PutPattern() call %d error = %v", i, err)
		}
	}
	got, found, err := db.GetPattern("buffermode:p1")
	if err != nil || !found {
		t.Fatalf("GetPattern() = (%v, %v, %v), want found", got, found, err)
	}
	if got.Hits != 3 {
		t.Fatalf("Hits = %d, want 3", got.Hits)
	}
	if got.DecayWeight <= 1 {
		t.Fatalf("DecayWeight = %f, want > 1 after repeated observation", got.DecayWeight)
	}
}

func TestDB_PutPatternEvictsLowestWeightBeyondBound(t *testing.T) {
	db := openTestDB(t)
	for i := 0; i <= maxPatternsPerPrefix; i++ {
		key := fmt.Sprintf("buffermode:port-%02d", i)
		if err := db.PutPattern(key, testPattern{}); err != nil {
			t.Fatalf("PutPattern(%q) error = %v", key, err)
		}
	}
	_, found, err := db.GetPattern("buffermode:port-00")
	if err != nil {
		t.Fatalf("GetPattern() error = %v", err)
	}
	if found {
		t.Fatal("GetPattern() for the first-observed, lowest-weight entry = found, want evicted once the bound is exceeded")
	}
	_, found, err = db.GetPattern(fmt.Sprintf("buffermode:port-%02d", maxPatternsPerPrefix))
	if err != nil {
		t.Fatalf("GetPattern() error = %v", err)
	}
	if !found {
		t.Fatal("GetPattern() for the most recently observed entry = not found, want present")
	}
}

func TestDB_LastKnownGoodRoundTrip(t *testing.T) {
	db := openTestDB(t)
	settings := serialport.LineSettings{Type: serialport.TypeRS232, BaudRate: 115200, DataBits: 8, StopBits: 1, Parity: serialport.ParityNone, FlowControl: serialport.FlowNone}
	if err := db.PutLastKnownGood("p1", settings); err != nil {
		t.Fatalf("PutLastKnownGood() error = %v", err)
	}
	got, found, err := db.GetLastKnownGood("p1")
	if err != nil {
		t.Fatalf("GetLastKnownGood() error = %v", err)
	}
	if !found {
		t.Fatal("GetLastKnownGood() found = false, want true")
	}
	if got.BaudRate != 115200 {
		t.Fatalf("GetLastKnownGood() baud = %d, want 115200", got.BaudRate)
	}
}

func TestOpen_ReopensMatchingSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patterns.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	db.Close()

	// Reopening the same file with a matching schema version should
	// succeed without needing migration.
	db2, err := Open(path)
	if err != nil {
		t.Fatalf("re-Open() error = %v, want nil", err)
	}
	db2.Close()
}
