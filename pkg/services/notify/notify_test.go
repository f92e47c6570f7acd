package notify

import (
	"context"
	"errors"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/careline/careline/pkg/state"
)

func sampleSession() *state.CallSession {
	return &state.CallSession{
		CallID:    "CA123",
		Phase:     state.PhaseConfirmation,
		StartedAt: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC),
		PatientInfo: state.PatientInfo{
			Insurance:          &state.Insurance{PayerName: "Aetna", MemberID: "ABC12345"},
			ChiefComplaint:     "sore throat (Duration: two days)",
			SelectedProvider:   "Dr. Sarah Smith",
			AppointmentDisplay: "tomorrow at 2:00 PM",
		},
	}
}

func TestSendConfirmationComposesMessage(t *testing.T) {
	var captured []byte
	d := NewSMTPDispatcher(Config{
		Host: "smtp.test", Port: 587, From: "agent@test", To: "intake@test",
	}, nil)
	d.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		captured = msg
		return nil
	}

	if err := d.SendConfirmation(context.Background(), sampleSession()); err != nil {
		t.Fatalf("send: %v", err)
	}
	body := string(captured)
	for _, want := range []string{"Aetna", "ABC12345", "Dr. Sarah Smith", "tomorrow at 2:00 PM"} {
		if !strings.Contains(body, want) {
			t.Fatalf("message missing %q:\n%s", want, body)
		}
	}
}

func TestSendConfirmationSkipsWhenUnconfigured(t *testing.T) {
	d := NewSMTPDispatcher(Config{}, nil)
	d.send = func(string, smtp.Auth, string, []string, []byte) error {
		t.Fatal("send should not be called")
		return nil
	}
	if err := d.SendConfirmation(context.Background(), sampleSession()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

type flakyDispatcher struct {
	failures int
	calls    int
}

func (f *flakyDispatcher) SendConfirmation(context.Context, *state.CallSession) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("smtp down")
	}
	return nil
}

func TestSendWithRetryRecovers(t *testing.T) {
	f := &flakyDispatcher{failures: 2}
	err := SendWithRetry(context.Background(), f, sampleSession(), 3, time.Millisecond, nil)
	if err != nil {
		t.Fatalf("retry should have succeeded: %v", err)
	}
	if f.calls != 3 {
		t.Fatalf("calls = %d, want 3", f.calls)
	}
}

func TestSendWithRetryGivesUp(t *testing.T) {
	f := &flakyDispatcher{failures: 10}
	err := SendWithRetry(context.Background(), f, sampleSession(), 3, time.Millisecond, nil)
	if err == nil {
		t.Fatal("expected failure after max attempts")
	}
	if f.calls != 3 {
		t.Fatalf("calls = %d, want 3", f.calls)
	}
}

func TestSendWithRetryHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := &flakyDispatcher{failures: 10}
	err := SendWithRetry(ctx, f, sampleSession(), 3, time.Minute, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}
