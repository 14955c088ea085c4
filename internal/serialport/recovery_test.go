package serialport

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/cyreal-project/cyreal-core/internal/governor"
)

type fakeStore struct {
	lkg      map[string]LineSettings
	patterns map[string]PatternRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{lkg: map[string]LineSettings{}, patterns: map[string]PatternRecord{}}
}

func (s *fakeStore) PutLastKnownGood(portID string, settings LineSettings) error {
	s.lkg[portID] = settings
	return nil
}

func (s *fakeStore) GetLastKnownGood(portID string) (LineSettings, bool, error) {
	settings, ok := s.lkg[portID]
	return settings, ok, nil
}

func (s *fakeStore) PutPattern(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	prev := s.patterns[key]
	s.patterns[key] = PatternRecord{Value: raw, Hits: prev.Hits + 1, DecayWeight: prev.DecayWeight*0.9 + 1}
	return nil
}

func (s *fakeStore) GetPattern(key string) (PatternRecord, bool, error) {
	p, ok := s.patterns[key]
	return p, ok, nil
}

func TestRecovery_FlushSucceedsWhenNotActuallyErrored(t *testing.T) {
	c, _ := newTestController(t)
	c.Open(testSettings())
	defer c.Close()

	if err := c.recoveryGov.Attempt(context.Background()); err != nil {
		t.Fatalf("recovery attempt on healthy port: %v", err)
	}
}

func TestRecovery_ReopenSameSucceedsAfterError(t *testing.T) {
	c, _ := newTestController(t)
	c.Open(testSettings())
	defer c.Close()

	c.sm.forceTransition(StatusError)
	if err := c.recoveryGov.Attempt(context.Background()); err != nil {
		t.Fatalf("recovery attempt: %v", err)
	}
	if got := c.Status(); got != StatusOperational {
		t.Fatalf("status after recovery = %s, want operational", got)
	}
}

func TestRecovery_EscalatesWithinWindow(t *testing.T) {
	c, _ := newTestController(t)
	c.Open(testSettings())
	defer c.Close()

	c.recoveryGov.recordAttempt()
	c.recoveryGov.recordAttempt()
	if !c.recoveryGov.escalate() {
		t.Fatalf("expected escalation after repeated attempts within window")
	}
}

func TestRecovery_LearnPersistsLastOutcomeAfterAttempt(t *testing.T) {
	c, _ := newTestController(t)
	store := newFakeStore()
	c.SetPatternStore(store)
	c.Open(testSettings())
	defer c.Close()

	c.sm.forceTransition(StatusError)
	if err := c.recoveryGov.Attempt(context.Background()); err != nil {
		t.Fatalf("recovery attempt: %v", err)
	}
	if err := c.recoveryGov.Learn(nil, governor.Nominal); err != nil {
		t.Fatalf("Learn() error = %v", err)
	}
	if _, ok, _ := store.GetPattern(c.recoveryGov.patternKey()); !ok {
		t.Fatal("Learn() did not persist a recovery pattern after a resolved attempt")
	}
}

func TestRecovery_LearnSkipsPersistBeforeAnyAttempt(t *testing.T) {
	c, _ := newTestController(t)
	store := newFakeStore()
	c.SetPatternStore(store)
	c.Open(testSettings())
	defer c.Close()

	if err := c.recoveryGov.Learn(nil, governor.Nominal); err != nil {
		t.Fatalf("Learn() error = %v", err)
	}
	if _, ok, _ := store.GetPattern(c.recoveryGov.patternKey()); ok {
		t.Fatal("Learn() persisted a pattern before any recovery attempt ran")
	}
}

func TestRecovery_StoresLastKnownGoodOnSuccess(t *testing.T) {
	c, _ := newTestController(t)
	store := newFakeStore()
	c.SetPatternStore(store)
	c.Open(testSettings())
	defer c.Close()

	c.sm.forceTransition(StatusError)
	c.recoveryGov.Attempt(context.Background())

	if _, ok, _ := store.GetLastKnownGood(c.id); !ok {
		t.Fatalf("expected last-known-good settings recorded after successful recovery")
	}
}
