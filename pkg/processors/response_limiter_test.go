package processors

import (
	"strings"
	"testing"
	"time"

	"github.com/careline/careline/pkg/frames"
)

func TestResponseLimiterTruncatesLongReply(t *testing.T) {
	proc := NewResponseLimiter(ResponseLimiterConfig{MaxSentences: 2})

	long := "First thing. Second thing. Third thing that must never be spoken."
	meta := map[string]string{frames.MetaStreamID: "stream-1", frames.MetaSource: "controller"}
	out, err := proc.Process(frames.NewTextFrame("stream-1", time.Now().UnixNano(), long, meta))
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 {
		t.Fatalf("frames = %d", len(out))
	}
	tf := out[0].(frames.TextFrame)
	if tf.Text() != "First thing. Second thing." {
		t.Fatalf("text = %q", tf.Text())
	}
	if tf.Meta()[frames.MetaShortTurnEnforced] != "true" {
		t.Fatal("expected short-turn marker on truncated reply")
	}
}

func TestResponseLimiterPassesOtherSources(t *testing.T) {
	proc := NewResponseLimiter(ResponseLimiterConfig{MaxSentences: 1})

	text := "One. Two. Three."
	meta := map[string]string{frames.MetaStreamID: "stream-1", frames.MetaSource: frames.SourcePrimary}
	out, err := proc.Process(frames.NewTextFrame("stream-1", time.Now().UnixNano(), text, meta))
	if err != nil {
		t.Fatal(err)
	}
	tf := out[0].(frames.TextFrame)
	if tf.Text() != text {
		t.Fatalf("caller transcript altered: %q", tf.Text())
	}
	if strings.Contains(tf.Meta()[frames.MetaShortTurnEnforced], "true") {
		t.Fatal("marker set on untouched frame")
	}
}
