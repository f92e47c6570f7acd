package intake

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/careline/careline/pkg/frames"
	"github.com/careline/careline/pkg/handlers"
	"github.com/careline/careline/pkg/metrics"
	"github.com/careline/careline/pkg/services/address"
	"github.com/careline/careline/pkg/services/provider"
	"github.com/careline/careline/pkg/state"
)

type captureNotifier struct {
	mu    sync.Mutex
	calls int
}

func (n *captureNotifier) SendConfirmation(_ context.Context, _ *state.CallSession) error {
	n.mu.Lock()
	n.calls++
	n.mu.Unlock()
	return nil
}

func (n *captureNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls
}

func newTestController(t *testing.T) (*Controller, state.Store, *captureNotifier) {
	t.Helper()
	store := state.NewMemoryStore(nil)
	notifier := &captureNotifier{}
	c := NewController(Config{
		Store:     store,
		Validator: address.MockValidator{},
		Lookup:    provider.NewDirectory(),
		Notifier:  notifier,
		Demo:      handlers.DemographicsConfig{CollectEmail: false, FallbackEmail: "intake@clinic.example"},
	})
	t.Cleanup(c.Close)
	return c, store, notifier
}

func baseMeta() map[string]string {
	return map[string]string{
		frames.MetaStreamID: "MZ_stream",
		frames.MetaCallSID:  "CA_call",
		frames.MetaTraceID:  "trace-1",
	}
}

func callStart(t *testing.T, c *Controller) []frames.Frame {
	t.Helper()
	sf := frames.NewSystemFrame("MZ_stream", time.Now().UnixNano(), "call_start", baseMeta())
	out, err := c.Process(sf)
	if err != nil {
		t.Fatalf("call_start: %v", err)
	}
	return out
}

func userFinal(t *testing.T, c *Controller, text string) []frames.Frame {
	t.Helper()
	meta := baseMeta()
	meta[frames.MetaSource] = frames.SourcePrimary
	meta[frames.MetaIsFinal] = "true"
	tf := frames.NewTextFrame("MZ_stream", time.Now().UnixNano(), text, meta)
	out, err := c.Process(tf)
	if err != nil {
		t.Fatalf("final %q: %v", text, err)
	}
	return out
}

func controllerTexts(out []frames.Frame) []string {
	var texts []string
	for _, f := range out {
		if f.Kind() != frames.KindText {
			continue
		}
		tf := f.(frames.TextFrame)
		if tf.Meta()[frames.MetaSource] == "controller" {
			texts = append(texts, tf.Text())
		}
	}
	return texts
}

func TestGreetingSpokenOnceAndPhaseForced(t *testing.T) {
	c, store, _ := newTestController(t)

	out := callStart(t, c)
	texts := controllerTexts(out)
	if len(texts) != 3 {
		t.Fatalf("greeting segments = %d", len(texts))
	}
	if !strings.Contains(texts[0], "CareLine") {
		t.Fatalf("greeting = %q", texts[0])
	}

	// Last segment carries the flush marker.
	last := out[len(out)-2]
	if last.Meta()[frames.MetaTTSFlush] != "true" {
		t.Fatal("last greeting segment missing flush")
	}

	got, err := store.Get(context.Background(), "CA_call")
	if err != nil {
		t.Fatal(err)
	}
	if got.Phase != state.PhaseInsurance {
		t.Fatalf("phase = %s", got.Phase)
	}

	// Replayed call_start must stay silent.
	if again := controllerTexts(callStart(t, c)); len(again) != 0 {
		t.Fatalf("second greeting emitted %d segments", len(again))
	}
}

func TestFinalTranscriptRoutedToPhaseHandler(t *testing.T) {
	c, store, _ := newTestController(t)
	callStart(t, c)

	out := userFinal(t, c, "I have aetna insurance and my member id is ABC123456")
	texts := controllerTexts(out)
	if len(texts) == 0 {
		t.Fatal("no reply emitted")
	}
	joined := strings.Join(texts, " ")
	if !strings.Contains(joined, "Aetna") {
		t.Fatalf("reply = %q", joined)
	}
	got, _ := store.Get(context.Background(), "CA_call")
	if got.Phase != state.PhaseChiefComplaint {
		t.Fatalf("phase = %s", got.Phase)
	}
	if len(got.Transcript) < 3 {
		t.Fatalf("transcript entries = %d", len(got.Transcript))
	}
}

func TestDuplicateFinalFromSecondSourceDropped(t *testing.T) {
	c, _, _ := newTestController(t)
	callStart(t, c)

	userFinal(t, c, "blue cross")

	meta := baseMeta()
	meta[frames.MetaSource] = frames.SourceDirect
	meta[frames.MetaIsFinal] = "true"
	tf := frames.NewTextFrame("MZ_stream", time.Now().UnixNano(), "blue cross", meta)
	out, err := c.Process(tf)
	if err != nil {
		t.Fatal(err)
	}
	if texts := controllerTexts(out); len(texts) != 0 {
		t.Fatalf("duplicate produced reply %q", texts)
	}
}

func TestRepeatedReplyEscalates(t *testing.T) {
	c, _, _ := newTestController(t)
	callStart(t, c)

	// Unusable answers keep producing the same retry prompt until the
	// escalation wording kicks in.
	var last []string
	for i := 0; i < 3; i++ {
		last = controllerTexts(userFinal(t, c, "hmm hmm"))
	}
	joined := strings.Join(last, " ")
	if !strings.Contains(joined, "my insurance is Blue Cross") {
		t.Fatalf("expected escalation, got %q", joined)
	}
}

func TestInterimAndNonUserTextIgnored(t *testing.T) {
	c, _, _ := newTestController(t)
	callStart(t, c)

	meta := baseMeta()
	meta[frames.MetaSource] = frames.SourcePrimary
	meta[frames.MetaIsFinal] = "false"
	tf := frames.NewTextFrame("MZ_stream", time.Now().UnixNano(), "I have blue", meta)
	out, err := c.Process(tf)
	if err != nil {
		t.Fatal(err)
	}
	if texts := controllerTexts(out); len(texts) != 0 {
		t.Fatalf("interim produced reply %q", texts)
	}
}

func TestFullFlowReachesConfirmationAndNotifies(t *testing.T) {
	c, store, notifier := newTestController(t)
	callStart(t, c)

	userFinal(t, c, "I have aetna insurance and my member id is ABC123456")
	userFinal(t, c, "I have a terrible cough")
	userFinal(t, c, "about three days")
	userFinal(t, c, "742 Evergreen Terrace Springfield IL 62704")
	userFinal(t, c, "217 555 0134")
	// provider list was spoken with the previous reply
	userFinal(t, c, "the first one")
	out := userFinal(t, c, "option one")

	joined := strings.Join(controllerTexts(out), " ")
	if !strings.Contains(joined, "You're all set") {
		t.Fatalf("reply = %q", joined)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, _ := store.Get(context.Background(), "CA_call")
		if got != nil && got.Phase == state.PhaseCompleted {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	got, _ := store.Get(context.Background(), "CA_call")
	if got.Phase != state.PhaseCompleted {
		t.Fatalf("phase = %s", got.Phase)
	}
	if notifier.count() != 1 {
		t.Fatalf("notifier calls = %d", notifier.count())
	}
}

func TestFinalsDroppedWhileAgentSpeaking(t *testing.T) {
	c, store, _ := newTestController(t)
	callStart(t, c)

	started := frames.NewControlFrame("MZ_stream", time.Now().UnixNano(), frames.ControlSpeechStarted, baseMeta())
	if _, err := c.Process(started); err != nil {
		t.Fatal(err)
	}

	// A usable answer leaking in during playback must not reach a handler.
	out := userFinal(t, c, "I have Aetna and my member id is ABC123456")
	if texts := controllerTexts(out); len(texts) != 0 {
		t.Fatalf("final during playback produced reply %q", texts)
	}
	got, _ := store.Get(context.Background(), "CA_call")
	if got.Phase != state.PhaseInsurance {
		t.Fatalf("phase advanced to %s during playback", got.Phase)
	}

	stopped := frames.NewControlFrame("MZ_stream", time.Now().UnixNano(), frames.ControlSpeechStopped, baseMeta())
	if _, err := c.Process(stopped); err != nil {
		t.Fatal(err)
	}
	out = userFinal(t, c, "I have Aetna and my member id is ABC123456")
	if texts := controllerTexts(out); len(texts) == 0 {
		t.Fatal("final after playback produced no reply")
	}
	got, _ = store.Get(context.Background(), "CA_call")
	if got.Phase != state.PhaseChiefComplaint {
		t.Fatalf("phase = %s", got.Phase)
	}
}

func TestSpeechStopAfterConfirmationEndsCall(t *testing.T) {
	c, _, _ := newTestController(t)
	callStart(t, c)

	c.mu.Lock()
	c.endPending = true
	c.mu.Unlock()

	meta := baseMeta()
	cf := frames.NewControlFrame("MZ_stream", time.Now().UnixNano(), frames.ControlSpeechStopped, meta)
	out, err := c.Process(cf)
	if err != nil {
		t.Fatal(err)
	}
	var sawEnd bool
	for _, f := range out {
		if f.Kind() == frames.KindControl && f.(frames.ControlFrame).Code() == frames.ControlCallEnd {
			sawEnd = true
		}
	}
	if !sawEnd {
		t.Fatal("expected call end control frame")
	}
}

func TestMetricsRecordedForCallAndPhases(t *testing.T) {
	c, _, _ := newTestController(t)
	obs := metrics.NewMemoryObserver()
	c.SetObserver(obs)

	callStart(t, c)
	userFinal(t, c, "I have cigna, member id XYZ987")

	names := make(map[string]int)
	for _, ev := range obs.Events {
		names[ev.Name]++
		if ev.Tags[frames.MetaCallSID] != "CA_call" {
			t.Fatalf("event %s missing call sid, tags=%v", ev.Name, ev.Tags)
		}
	}
	if names[metrics.EventCallStarted] != 1 {
		t.Fatalf("call_started events = %d", names[metrics.EventCallStarted])
	}
	if names[metrics.EventPhaseTransition] == 0 {
		t.Fatal("expected a phase transition event")
	}
	if names[metrics.EventResponseEmitted] == 0 {
		t.Fatal("expected a response emitted event")
	}
}
