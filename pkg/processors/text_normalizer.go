package processors

import (
	"strings"

	"github.com/careline/careline/pkg/frames"
	"github.com/careline/careline/pkg/pipeline"
)

type TextNormalizerConfig struct {
	Replacements map[string]string
	Source       string
}

// TextNormalizer performs simple phrase replacements to normalize domain terms.
type TextNormalizer struct {
	replacements map[string]string
	source       string
}

func NewTextNormalizer(cfg TextNormalizerConfig) *TextNormalizer {
	return &TextNormalizer{
		replacements: cfg.Replacements,
		source:       cfg.Source,
	}
}

func (t *TextNormalizer) Name() string { return "text_normalizer" }

func (t *TextNormalizer) Process(f frames.Frame) ([]frames.Frame, error) {
	if f.Kind() != frames.KindText {
		return []frames.Frame{f}, nil
	}
	tf := f.(frames.TextFrame)
	meta := tf.Meta()
	if t.source != "" {
		if meta[frames.MetaSource] != t.source {
			return []frames.Frame{f}, nil
		}
	} else if !isUserSource(meta[frames.MetaSource]) {
		// Only caller speech is normalized; agent prompts pass through.
		return []frames.Frame{f}, nil
	}
	if len(t.replacements) == 0 {
		return []frames.Frame{f}, nil
	}
	normalized := strings.ToLower(tf.Text())
	for from, to := range t.replacements {
		if from == "" {
			continue
		}
		normalized = strings.ReplaceAll(normalized, strings.ToLower(from), to)
	}
	if normalized == tf.Text() {
		return []frames.Frame{f}, nil
	}
	meta[frames.MetaNormalized] = "true"
	return []frames.Frame{frames.NewTextFrame(meta[frames.MetaStreamID], tf.PTS(), normalized, meta)}, nil
}

func isUserSource(src string) bool {
	return src == frames.SourcePrimary || src == frames.SourceDirect
}

var _ pipeline.FrameProcessor = (*TextNormalizer)(nil)
