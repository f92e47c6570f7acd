package state

import (
	"context"
	"sync"
	"testing"
)

func TestMemoryStoreCreateGet(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore(nil)
	s, err := st.Create(ctx, "CA123")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if s.Phase != PhaseGreeting {
		t.Fatalf("phase = %s, want greeting", s.Phase)
	}
	if s.StartedAt.IsZero() {
		t.Fatal("StartedAt not set")
	}
	got, err := st.Get(ctx, "CA123")
	if err != nil || got.CallID != "CA123" {
		t.Fatalf("get: %v %+v", err, got)
	}
	if _, err := st.Get(ctx, "missing"); err != ErrNotFound {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreUpdateMergesPatientInfo(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore(nil)
	st.Create(ctx, "CA123")

	s, err := st.Update(ctx, "CA123", Fields{
		Insurance: &Insurance{PayerName: "Blue Cross Blue Shield", MemberID: "ABC123456"},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if s.PatientInfo.Insurance.PayerName != "Blue Cross Blue Shield" {
		t.Fatalf("insurance not merged: %+v", s.PatientInfo.Insurance)
	}

	s, _ = st.Update(ctx, "CA123", Fields{PhoneNumber: Str("(555) 123-4567")})
	if s.PatientInfo.Insurance == nil {
		t.Fatal("later update erased earlier field")
	}
	if s.PatientInfo.PhoneNumber != "(555) 123-4567" {
		t.Fatalf("phone = %q", s.PatientInfo.PhoneNumber)
	}
}

func TestTransitionPhaseMonotone(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore(nil)
	st.Create(ctx, "CA123")

	s, _ := st.TransitionPhase(ctx, "CA123", PhaseInsurance)
	if s.Phase != PhaseInsurance {
		t.Fatalf("phase = %s", s.Phase)
	}
	s, _ = st.TransitionPhase(ctx, "CA123", PhaseChiefComplaint)
	if s.Phase != PhaseChiefComplaint {
		t.Fatalf("phase = %s", s.Phase)
	}
	// Regression attempts are ignored, not applied.
	s, _ = st.TransitionPhase(ctx, "CA123", PhaseGreeting)
	if s.Phase != PhaseChiefComplaint {
		t.Fatalf("phase regressed to %s", s.Phase)
	}
}

func TestSessionsAreIsolated(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore(nil)
	st.Create(ctx, "CA-1")
	st.Create(ctx, "CA-2")

	st.Update(ctx, "CA-1", Fields{ChiefComplaint: Str("headache")})
	other, _ := st.Get(ctx, "CA-2")
	if other.PatientInfo.ChiefComplaint != "" {
		t.Fatalf("cross-call leak: %q", other.PatientInfo.ChiefComplaint)
	}
}

func TestConcurrentUpdates(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore(nil)
	st.Create(ctx, "CA123")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st.Update(ctx, "CA123", Fields{IncrementError: true})
		}()
	}
	wg.Wait()
	s, _ := st.Get(ctx, "CA123")
	if s.ErrorCount != 50 {
		t.Fatalf("error count = %d, want 50", s.ErrorCount)
	}
}

func TestCloneIsDeep(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore(nil)
	st.Create(ctx, "CA123")
	st.Update(ctx, "CA123", Fields{Address: &Address{Street: "742 Evergreen Terrace"}})

	snap, _ := st.Get(ctx, "CA123")
	snap.PatientInfo.Address.Street = "mutated"

	again, _ := st.Get(ctx, "CA123")
	if again.PatientInfo.Address.Street != "742 Evergreen Terrace" {
		t.Fatal("snapshot mutation leaked into store")
	}
}

func TestNewStoreFallsBackWithoutRedis(t *testing.T) {
	st := NewStore(context.Background(), "", "", 0, nil)
	if _, ok := st.(*MemoryStore); !ok {
		t.Fatalf("want MemoryStore, got %T", st)
	}
}
