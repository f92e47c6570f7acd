package careline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/careline/careline/pkg/pipeline"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
transports:
  provider: mock
vendors:
  stt:
    provider: mock
  tts:
    provider: mock
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if !cfg.Pipeline.Async {
		t.Fatalf("expected async pipeline by default")
	}
	if cfg.Pipeline.StageBuffer != 128 {
		t.Fatalf("expected stage buffer 128, got %d", cfg.Pipeline.StageBuffer)
	}
	if cfg.Pipeline.Backpressure != pipeline.BackpressureDrop {
		t.Fatalf("expected drop backpressure, got %v", cfg.Pipeline.Backpressure)
	}
	if cfg.Engine.SampleRate != 8000 {
		t.Fatalf("expected 8000 sample rate, got %d", cfg.Engine.SampleRate)
	}
	if cfg.STT.Hybrid {
		t.Fatalf("expected hybrid mode off by default")
	}
	if cfg.STT.ForwardInterim {
		t.Fatalf("expected interim forwarding off by default")
	}
	if cfg.Notify.Port != 587 {
		t.Fatalf("expected smtp port 587, got %d", cfg.Notify.Port)
	}
	if !cfg.Intake.CollectEmail {
		t.Fatalf("expected email collection on by default")
	}
	if cfg.Recovery.MaxAttempts != 2 {
		t.Fatalf("expected 2 recovery attempts, got %d", cfg.Recovery.MaxAttempts)
	}
	if !cfg.Privacy.RedactPII {
		t.Fatalf("expected pii redaction on by default")
	}
}

func TestLoadConfigOverridesAndEnvExpansion(t *testing.T) {
	t.Setenv("TEST_STT_KEY", "sk-12345")
	t.Setenv("TEST_SMTP_PASS", "hunter2")
	path := writeConfig(t, `
transports:
  provider: twilio
  settings:
    account_sid: AC123
vendors:
  stt:
    provider: deepgram
    settings:
      api_key: ${TEST_STT_KEY}
  tts:
    provider: elevenlabs
stt:
  hybrid: true
  forward_interim: true
turn:
  silence_reprompt:
    timeout_ms: 7000
    max_attempts: 2
    prompt_text: "Are you still there?"
notify:
  host: smtp.example.com
  password: ${TEST_SMTP_PASS}
pipeline:
  backpressure: wait
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if !cfg.STT.Hybrid || !cfg.STT.ForwardInterim {
		t.Fatalf("expected stt overrides applied, got %+v", cfg.STT)
	}
	if got := cfg.Vendors.STT.Settings["api_key"]; got != "sk-12345" {
		t.Fatalf("expected env-expanded api key, got %v", got)
	}
	if cfg.Notify.Password != "hunter2" {
		t.Fatalf("expected env-expanded smtp password, got %q", cfg.Notify.Password)
	}
	if cfg.Turn.SilenceReprompt.TimeoutMS != 7000 {
		t.Fatalf("expected 7000ms silence timeout, got %d", cfg.Turn.SilenceReprompt.TimeoutMS)
	}
	if cfg.Pipeline.Backpressure != pipeline.BackpressureWait {
		t.Fatalf("expected wait backpressure, got %v", cfg.Pipeline.Backpressure)
	}
}

func TestValidateRequiredProviders(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{"missing transport", Config{Vendors: VendorsConfig{
			STT: VendorConfig{Provider: "mock"},
			TTS: VendorConfig{Provider: "mock"},
		}}},
		{"missing stt", Config{
			Transports: TransportsConfig{Provider: "mock"},
			Vendors:    VendorsConfig{TTS: VendorConfig{Provider: "mock"}},
		}},
		{"missing tts", Config{
			Transports: TransportsConfig{Provider: "mock"},
			Vendors:    VendorsConfig{STT: VendorConfig{Provider: "mock"}},
		}},
	}
	for _, tc := range cases {
		if err := tc.cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}

	ok := Config{
		Transports: TransportsConfig{Provider: "mock"},
		Vendors: VendorsConfig{
			STT: VendorConfig{Provider: "mock"},
			TTS: VendorConfig{Provider: "mock"},
		},
	}
	if err := ok.Validate(); err != nil {
		t.Fatalf("expected config without llm vendor to validate, got %v", err)
	}
}
