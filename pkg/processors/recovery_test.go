package processors

import (
	"strings"
	"testing"
	"time"

	"github.com/careline/careline/pkg/frames"
)

func TestRecoveryInjectsPromptOnFallback(t *testing.T) {
	proc := NewRecoveryProcessor(RecoveryConfig{MaxAttempts: 2})

	meta := map[string]string{frames.MetaStreamID: "stream-1"}
	ctrl := frames.NewControlFrame("stream-1", time.Now().UnixNano(), frames.ControlFallback, meta)
	out, err := proc.Process(ctrl)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 || out[0].Kind() != frames.KindText {
		t.Fatalf("expected prompt + original control, got %d frames", len(out))
	}
	tf := out[0].(frames.TextFrame)
	if tf.Meta()[frames.MetaRecoveryReason] != "fallback" {
		t.Fatalf("recovery reason = %q", tf.Meta()[frames.MetaRecoveryReason])
	}
	if tf.Meta()[frames.MetaSource] != "system" {
		t.Fatalf("source = %q", tf.Meta()[frames.MetaSource])
	}
}

func TestRecoveryConfusionBounded(t *testing.T) {
	proc := NewRecoveryProcessor(RecoveryConfig{MaxAttempts: 1})

	confused := func() []frames.Frame {
		meta := map[string]string{frames.MetaStreamID: "stream-1", frames.MetaSource: "controller"}
		f := frames.NewTextFrame("stream-1", time.Now().UnixNano(), "Sorry, could you repeat that?", meta)
		out, err := proc.Process(f)
		if err != nil {
			t.Fatal(err)
		}
		return out
	}

	out := confused()
	if len(out) != 1 {
		t.Fatalf("first confusion: %d frames", len(out))
	}
	if out[0].(frames.TextFrame).Meta()[frames.MetaRecoveryReason] != "confusion" {
		t.Fatalf("expected confusion prompt, got %q", out[0].(frames.TextFrame).Text())
	}

	// Past the attempt cap the confused reply passes through untouched.
	out = confused()
	if len(out) != 1 || !strings.Contains(out[0].(frames.TextFrame).Text(), "repeat") {
		t.Fatalf("expected original reply after cap, got %v", out)
	}
}
