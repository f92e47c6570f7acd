package handlers

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/careline/careline/pkg/services/address"
	"github.com/careline/careline/pkg/services/provider"
	"github.com/careline/careline/pkg/state"
)

func newTestSession(t *testing.T, store state.Store, phase state.Phase) *state.CallSession {
	t.Helper()
	ctx := context.Background()
	s, err := store.Create(ctx, "CA_test")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if phase != state.PhaseGreeting {
		if _, err := store.TransitionPhase(ctx, s.CallID, phase); err != nil {
			t.Fatalf("transition: %v", err)
		}
	}
	s, _ = store.Get(ctx, s.CallID)
	return s
}

func TestInsuranceFastPath(t *testing.T) {
	store := state.NewMemoryStore(nil)
	s := newTestSession(t, store, state.PhaseInsurance)
	h := NewInsuranceHandler(store, nil)

	reply, err := h.ProcessInput(context.Background(), "I have blue cross and my member id is ABC123456", s)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply, "Blue Cross Blue Shield") || !strings.Contains(reply, "ABC123456") {
		t.Fatalf("reply = %q", reply)
	}
	got, _ := store.Get(context.Background(), s.CallID)
	if got.Phase != state.PhaseChiefComplaint {
		t.Fatalf("phase = %s", got.Phase)
	}
	if got.PatientInfo.Insurance == nil || got.PatientInfo.Insurance.MemberID != "ABC123456" {
		t.Fatalf("insurance = %+v", got.PatientInfo.Insurance)
	}
}

func TestInsuranceFastPathSkipsCueWords(t *testing.T) {
	store := state.NewMemoryStore(nil)
	s := newTestSession(t, store, state.PhaseInsurance)
	h := NewInsuranceHandler(store, nil)

	// No clean "id is <value>" phrasing; the fallback scan has to step
	// over the word MEMBER and land on the actual ID.
	if _, err := h.ProcessInput(context.Background(), "I have aetna, my member id, it's GH77234921", s); err != nil {
		t.Fatal(err)
	}
	got, _ := store.Get(context.Background(), s.CallID)
	if got.PatientInfo.Insurance == nil || got.PatientInfo.Insurance.MemberID != "GH77234921" {
		t.Fatalf("insurance = %+v", got.PatientInfo.Insurance)
	}
}

func TestInsuranceTwoStep(t *testing.T) {
	store := state.NewMemoryStore(nil)
	s := newTestSession(t, store, state.PhaseInsurance)
	h := NewInsuranceHandler(store, nil)
	ctx := context.Background()

	reply, err := h.ProcessInput(ctx, "kaiser", s)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply, "Kaiser Permanente") || !strings.Contains(reply, "member ID") {
		t.Fatalf("reply = %q", reply)
	}

	reply, err = h.ProcessInput(ctx, "it's K M 12345", s)
	if err != nil {
		t.Fatal(err)
	}
	got, _ := store.Get(ctx, s.CallID)
	if got.PatientInfo.Insurance == nil || got.PatientInfo.Insurance.PayerName != "Kaiser Permanente" {
		t.Fatalf("insurance = %+v", got.PatientInfo.Insurance)
	}
	if got.Phase != state.PhaseChiefComplaint {
		t.Fatalf("phase = %s, reply = %q", got.Phase, reply)
	}
}

func TestInsuranceProvisionalPayer(t *testing.T) {
	store := state.NewMemoryStore(nil)
	s := newTestSession(t, store, state.PhaseInsurance)
	h := NewInsuranceHandler(store, nil)
	ctx := context.Background()

	reply, err := h.ProcessInput(ctx, "Acme Mutual of Omaha", s)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply, "member ID") {
		t.Fatalf("reply = %q", reply)
	}
	if _, err := h.ProcessInput(ctx, "XY-99887", s); err != nil {
		t.Fatal(err)
	}
	got, _ := store.Get(ctx, s.CallID)
	if got.PatientInfo.Insurance == nil || !got.PatientInfo.Insurance.Provisional {
		t.Fatalf("expected provisional insurance, got %+v", got.PatientInfo.Insurance)
	}
}

func TestInsuranceMetaPhraseRetries(t *testing.T) {
	store := state.NewMemoryStore(nil)
	s := newTestSession(t, store, state.PhaseInsurance)
	h := NewInsuranceHandler(store, nil)
	ctx := context.Background()

	reply, err := h.ProcessInput(ctx, "why did you stop speaking", s)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply, "insurance provider") {
		t.Fatalf("reply = %q", reply)
	}
	got, _ := store.Get(ctx, s.CallID)
	if got.ErrorCount != 1 {
		t.Fatalf("error count = %d", got.ErrorCount)
	}
}

func TestSymptomDurationAppended(t *testing.T) {
	store := state.NewMemoryStore(nil)
	s := newTestSession(t, store, state.PhaseChiefComplaint)
	h := NewSymptomHandler(store, nil)
	ctx := context.Background()

	reply, err := h.ProcessInput(ctx, "I have a bad cough", s)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply, "How long") {
		t.Fatalf("reply = %q", reply)
	}
	if _, err := h.ProcessInput(ctx, "about two weeks", s); err != nil {
		t.Fatal(err)
	}
	got, _ := store.Get(ctx, s.CallID)
	want := "I have a bad cough (Duration: about two weeks)"
	if got.PatientInfo.ChiefComplaint != want {
		t.Fatalf("complaint = %q", got.PatientInfo.ChiefComplaint)
	}
	if got.Phase != state.PhaseDemographics {
		t.Fatalf("phase = %s", got.Phase)
	}
}

func TestSymptomPainScale(t *testing.T) {
	store := state.NewMemoryStore(nil)
	s := newTestSession(t, store, state.PhaseChiefComplaint)
	h := NewSymptomHandler(store, nil)
	ctx := context.Background()

	if _, err := h.ProcessInput(ctx, "my back hurts, lots of pain", s); err != nil {
		t.Fatal(err)
	}
	reply, err := h.ProcessInput(ctx, "since last week", s)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply, "scale of 1 to 10") {
		t.Fatalf("reply = %q", reply)
	}
	if _, err := h.ProcessInput(ctx, "it's about an 8", s); err != nil {
		t.Fatal(err)
	}
	got, _ := store.Get(ctx, s.CallID)
	if got.PatientInfo.UrgencyLevel != 3 {
		t.Fatalf("urgency = %d", got.PatientInfo.UrgencyLevel)
	}
	if got.Phase != state.PhaseDemographics {
		t.Fatalf("phase = %s", got.Phase)
	}
}

func TestSymptomUrgentAdvisory(t *testing.T) {
	store := state.NewMemoryStore(nil)
	s := newTestSession(t, store, state.PhaseChiefComplaint)
	h := NewSymptomHandler(store, nil)

	reply, err := h.ProcessInput(context.Background(), "I'm having chest pain", s)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply, "911") {
		t.Fatalf("reply = %q", reply)
	}
	got, _ := store.Get(context.Background(), s.CallID)
	if got.PatientInfo.UrgencyLevel != 3 {
		t.Fatalf("urgency = %d", got.PatientInfo.UrgencyLevel)
	}
	// Advisory only; flow keeps going.
	if got.Phase != state.PhaseChiefComplaint {
		t.Fatalf("phase = %s", got.Phase)
	}
}

func TestDemographicsHappyPath(t *testing.T) {
	store := state.NewMemoryStore(nil)
	s := newTestSession(t, store, state.PhaseDemographics)
	h := NewDemographicsHandler(store, address.MockValidator{}, DemographicsConfig{CollectEmail: true}, nil)
	ctx := context.Background()

	reply, err := h.ProcessInput(ctx, "742 Evergreen Terrace Springfield IL 62704", s)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply, "phone number") {
		t.Fatalf("reply = %q", reply)
	}

	reply, err = h.ProcessInput(ctx, "it's 217 555 0199", s)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply, "email") {
		t.Fatalf("reply = %q", reply)
	}

	if _, err := h.ProcessInput(ctx, "my email is jane.doe@example.com", s); err != nil {
		t.Fatal(err)
	}
	got, _ := store.Get(ctx, s.CallID)
	if got.PatientInfo.Address == nil || !got.PatientInfo.Address.Validated {
		t.Fatalf("address = %+v", got.PatientInfo.Address)
	}
	if got.PatientInfo.Email != "jane.doe@example.com" {
		t.Fatalf("email = %q", got.PatientInfo.Email)
	}
	if got.Phase != state.PhaseProvider {
		t.Fatalf("phase = %s", got.Phase)
	}
}

func TestDemographicsEmailSkipConfigured(t *testing.T) {
	store := state.NewMemoryStore(nil)
	s := newTestSession(t, store, state.PhaseDemographics)
	h := NewDemographicsHandler(store, address.MockValidator{},
		DemographicsConfig{CollectEmail: false, FallbackEmail: "intake@clinic.example"}, nil)
	ctx := context.Background()

	if _, err := h.ProcessInput(ctx, "742 Evergreen Terrace Springfield IL 62704", s); err != nil {
		t.Fatal(err)
	}
	if _, err := h.ProcessInput(ctx, "217 555 0134", s); err != nil {
		t.Fatal(err)
	}
	got, _ := store.Get(ctx, s.CallID)
	if got.PatientInfo.Email != "intake@clinic.example" {
		t.Fatalf("email = %q", got.PatientInfo.Email)
	}
	if got.Phase != state.PhaseProvider {
		t.Fatalf("phase = %s", got.Phase)
	}
}

func TestDemographicsPhoneNormalized(t *testing.T) {
	store := state.NewMemoryStore(nil)
	s := newTestSession(t, store, state.PhaseDemographics)
	h := NewDemographicsHandler(store, address.MockValidator{}, DemographicsConfig{}, nil)
	ctx := context.Background()

	if _, err := h.ProcessInput(ctx, "742 Evergreen Terrace Springfield IL 62704", s); err != nil {
		t.Fatal(err)
	}
	if _, err := h.ProcessInput(ctx, "2175550134", s); err != nil {
		t.Fatal(err)
	}
	got, _ := store.Get(ctx, s.CallID)
	if got.PatientInfo.PhoneNumber != "(217) 555-0134" {
		t.Fatalf("phone = %q", got.PatientInfo.PhoneNumber)
	}
}

func TestDemographicsPartialPhoneAcceptedFirstTry(t *testing.T) {
	store := state.NewMemoryStore(nil)
	s := newTestSession(t, store, state.PhaseDemographics)
	h := NewDemographicsHandler(store, address.MockValidator{}, DemographicsConfig{}, nil)
	ctx := context.Background()

	if _, err := h.ProcessInput(ctx, "742 Evergreen Terrace Springfield IL 62704", s); err != nil {
		t.Fatal(err)
	}
	// Seven digits on the first attempt; no retry loop first.
	if _, err := h.ProcessInput(ctx, "555 0134", s); err != nil {
		t.Fatal(err)
	}
	got, _ := store.Get(ctx, s.CallID)
	if got.PatientInfo.PhoneNumber != "5550134" {
		t.Fatalf("phone = %q", got.PatientInfo.PhoneNumber)
	}
	if got.Phase != state.PhaseProvider {
		t.Fatalf("phase = %s", got.Phase)
	}
}

func fixedNow() time.Time {
	// A Monday so slot offers never start on a weekend.
	return time.Date(2025, time.March, 3, 10, 0, 0, 0, time.UTC)
}

func newSchedulingFixture(t *testing.T) (*SchedulingHandler, state.Store, *state.CallSession) {
	t.Helper()
	store := state.NewMemoryStore(nil)
	s := newTestSession(t, store, state.PhaseProvider)
	ins := &state.Insurance{PayerName: "Aetna", MemberID: "A123456"}
	if _, err := store.Update(context.Background(), s.CallID, state.Fields{
		Insurance:      ins,
		ChiefComplaint: state.Str("annual checkup"),
	}); err != nil {
		t.Fatal(err)
	}
	dir := provider.NewDirectoryAt(fixedNow)
	h := NewSchedulingHandler(store, dir, nil, nil)
	h.now = fixedNow
	return h, store, s
}

func TestSchedulingOpenListsProviders(t *testing.T) {
	h, _, s := newSchedulingFixture(t)
	intro, err := h.Open(context.Background(), s)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(intro, "1. Dr. ") {
		t.Fatalf("intro = %q", intro)
	}
	if len(h.offered) == 0 || len(h.offered) > 3 {
		t.Fatalf("offered %d providers", len(h.offered))
	}
}

func TestSchedulingPickByNumberThenTime(t *testing.T) {
	h, store, s := newSchedulingFixture(t)
	ctx := context.Background()
	if _, err := h.Open(ctx, s); err != nil {
		t.Fatal(err)
	}

	reply, err := h.ProcessInput(ctx, "the first one please", s)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply, "openings") {
		t.Fatalf("reply = %q", reply)
	}

	reply, err = h.ProcessInput(ctx, "number two works", s)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply, "You're all set") {
		t.Fatalf("reply = %q", reply)
	}
	got, _ := store.Get(ctx, s.CallID)
	if got.Phase != state.PhaseConfirmation {
		t.Fatalf("phase = %s", got.Phase)
	}
	if got.PatientInfo.SelectedProvider == "" || got.PatientInfo.AppointmentDatetime.IsZero() {
		t.Fatalf("patient info = %+v", got.PatientInfo)
	}
}

func TestSchedulingPickByName(t *testing.T) {
	h, store, s := newSchedulingFixture(t)
	ctx := context.Background()
	if _, err := h.Open(ctx, s); err != nil {
		t.Fatal(err)
	}
	var target string
	for _, p := range h.offered {
		if strings.Contains(p.Name, "Smith") {
			target = p.Name
		}
	}
	if target == "" {
		t.Skip("Smith not in offered set")
	}
	if _, err := h.ProcessInput(ctx, "I'd like doctor smith", s); err != nil {
		t.Fatal(err)
	}
	got, _ := store.Get(ctx, s.CallID)
	if got.PatientInfo.SelectedProvider != "Dr. "+target {
		t.Fatalf("selected = %q", got.PatientInfo.SelectedProvider)
	}
}

func TestSchedulingSpokenTimeBeatsEmbeddedDigit(t *testing.T) {
	h, store, s := newSchedulingFixture(t)
	ctx := context.Background()

	today2 := time.Date(2025, time.March, 3, 14, 0, 0, 0, time.UTC)
	tomorrow9 := time.Date(2025, time.March, 4, 9, 0, 0, 0, time.UTC)
	tomorrow2 := time.Date(2025, time.March, 4, 14, 0, 0, 0, time.UTC)
	h.selected = provider.Provider{ID: "prov-001", Name: "Sarah Smith"}
	h.step = stepSlotPick
	h.slots = []provider.Slot{
		{Time: today2, Display: "today at 2:00 PM", Keywords: []string{"today"}},
		{Time: tomorrow9, Display: "tomorrow at 9:00 AM", Keywords: []string{"tomorrow"}},
		{Time: tomorrow2, Display: "tomorrow at 2:00 PM", Keywords: []string{"tomorrow"}},
	}

	// The embedded 2 must read as a time on the named day, not as the
	// second option in the list.
	reply, err := h.ProcessInput(ctx, "tomorrow at 2", s)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply, "tomorrow at 2:00 PM") {
		t.Fatalf("reply = %q", reply)
	}
	got, _ := store.Get(ctx, s.CallID)
	if !got.PatientInfo.AppointmentDatetime.Equal(tomorrow2) {
		t.Fatalf("booked %s, want %s", got.PatientInfo.AppointmentDatetime, tomorrow2)
	}
}

func TestSchedulingUnresolvedFallsBackToFirst(t *testing.T) {
	h, store, s := newSchedulingFixture(t)
	ctx := context.Background()
	if _, err := h.Open(ctx, s); err != nil {
		t.Fatal(err)
	}
	first := h.offered[0].Name

	for i := 0; i <= maxStepRetries; i++ {
		if _, err := h.ProcessInput(ctx, "whichever honestly", s); err != nil {
			t.Fatal(err)
		}
	}
	got, _ := store.Get(ctx, s.CallID)
	if got.PatientInfo.SelectedProvider != "Dr. "+first {
		t.Fatalf("selected = %q, want first provider %q", got.PatientInfo.SelectedProvider, first)
	}
}
