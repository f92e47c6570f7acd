package careline

import (
	"testing"
	"time"

	"github.com/careline/careline/pkg/adapters/stt"
	"github.com/careline/careline/pkg/adapters/tts"
	"github.com/careline/careline/pkg/frames"
	"github.com/careline/careline/pkg/pipeline"
	"github.com/careline/careline/pkg/providers/mock"
	mocktransport "github.com/careline/careline/pkg/transports/mock"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	providers := NewProviderRegistry()
	providers.RegisterSTT("mock", func(cfg Config, traceID string) (func(callSID, streamID string) stt.StreamingSTT, error) {
		return func(callSID, streamID string) stt.StreamingSTT {
			return mock.NewSTT(mock.STTConfig{StreamID: streamID, CallSID: callSID, TraceID: traceID})
		}, nil
	})
	providers.RegisterTTS("mock", func(cfg Config) (func(callSID, streamID string) tts.StreamingTTS, error) {
		return func(callSID, streamID string) tts.StreamingTTS {
			return mock.NewTTS(mock.TTSConfig{StreamID: streamID, CallSID: callSID})
		}, nil
	})

	cfg := Config{
		Pipeline: pipeline.Config{
			Async:         true,
			StageBuffer:   16,
			HighCapacity:  16,
			LowCapacity:   32,
			FairnessRatio: 3,
		},
		Vendors: VendorsConfig{
			STT: VendorConfig{Provider: "mock", Settings: map[string]any{"api_key": "k"}},
			TTS: VendorConfig{Provider: "mock"},
		},
		Transports: TransportsConfig{Provider: "mock"},
	}
	e := NewEngine(EngineOptions{
		Config:    cfg,
		Providers: providers,
		Transport: mocktransport.New(),
	})
	t.Cleanup(func() { _ = e.Stop() })
	return e
}

func TestDirectFactoryLabelsSecondStream(t *testing.T) {
	e := newTestEngine(t)

	var captured map[string]any
	e.providers.RegisterSTT("mock", func(cfg Config, traceID string) (func(callSID, streamID string) stt.StreamingSTT, error) {
		captured = cfg.Vendors.STT.Settings
		return func(callSID, streamID string) stt.StreamingSTT {
			return mock.NewSTT(mock.STTConfig{StreamID: streamID})
		}, nil
	})

	factory, err := e.directFactory("trace-1")
	if err != nil {
		t.Fatalf("directFactory error: %v", err)
	}
	if factory == nil {
		t.Fatalf("expected factory")
	}
	if captured["source"] != frames.SourceDirect {
		t.Fatalf("expected direct source setting, got %v", captured["source"])
	}
	if captured["api_key"] != "k" {
		t.Fatalf("expected original settings carried over, got %v", captured)
	}
	if _, ok := e.cfg.Vendors.STT.Settings["source"]; ok {
		t.Fatalf("engine config settings must not be mutated")
	}
}

func TestLoopbackConsumesSpeakingControls(t *testing.T) {
	e := newTestEngine(t)

	if _, created, err := e.registry.GetOrCreate("CA1", "stream-1", "trace-1"); err != nil || !created {
		t.Fatalf("GetOrCreate: created=%v err=%v", created, err)
	}

	meta := map[string]string{
		frames.MetaStreamID: "stream-1",
		frames.MetaCallSID:  "CA1",
	}
	started := frames.NewControlFrame("stream-1", time.Now().UnixNano(), frames.ControlSpeechStarted, meta)
	if !e.loopback(started) {
		t.Fatalf("expected speaking control to be consumed")
	}

	echoed := frames.NewControlFrame("stream-1", time.Now().UnixNano(), frames.ControlSpeechStopped, map[string]string{
		frames.MetaStreamID: "stream-1",
		frames.MetaCallSID:  "CA1",
		frames.MetaLoopback: "true",
	})
	if !e.loopback(echoed) {
		t.Fatalf("expected already-looped control to be consumed without reinjection")
	}

	unknown := frames.NewControlFrame("stream-9", time.Now().UnixNano(), frames.ControlSpeechStopped, map[string]string{
		frames.MetaStreamID: "stream-9",
		frames.MetaCallSID:  "CA-gone",
	})
	if !e.loopback(unknown) {
		t.Fatalf("expected control for unknown call to be dropped")
	}

	cancel := frames.NewControlFrame("stream-1", time.Now().UnixNano(), frames.ControlCancel, meta)
	if e.loopback(cancel) {
		t.Fatalf("expected non-speaking control to pass through to the transport")
	}
	text := frames.NewTextFrame("stream-1", time.Now().UnixNano(), "hello", meta)
	if e.loopback(text) {
		t.Fatalf("expected text frame to pass through to the transport")
	}
}

func TestSilenceRepromptFromConfig(t *testing.T) {
	if got := silenceRepromptFromConfig(Config{}); got != nil {
		t.Fatalf("expected nil reprompt config when unset, got %+v", got)
	}
	cfg := Config{}
	cfg.Turn.SilenceReprompt = SilenceRepromptConfig{TimeoutMS: 6000, MaxAttempts: 2, PromptText: "Still there?"}
	got := silenceRepromptFromConfig(cfg)
	if got == nil {
		t.Fatalf("expected reprompt config")
	}
	if got.Timeout != 6*time.Second || got.MaxAttempts != 2 || got.PromptText != "Still there?" {
		t.Fatalf("unexpected reprompt config %+v", got)
	}
}
