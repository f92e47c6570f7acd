package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/careline/careline/pkg/logging"
	"github.com/careline/careline/pkg/metrics"
)

// Classification is one label vote from the model.
type Classification struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Classifier maps a caller utterance onto one of a small set of candidate
// labels. It is strictly a fallback: callers try deterministic parsing
// first and must tolerate ok=false.
type Classifier struct {
	adapter LLMAdapter
	timeout time.Duration
	logger  *slog.Logger
	obs     metrics.Observer
}

func NewClassifier(adapter LLMAdapter, base *slog.Logger) *Classifier {
	if base == nil {
		base = slog.Default()
	}
	return &Classifier{
		adapter: adapter,
		timeout: 5 * time.Second,
		logger:  logging.NewComponentLogger(base, "classifier"),
	}
}

// SetObserver enables usage metrics for successful classifications.
func (c *Classifier) SetObserver(obs metrics.Observer) { c.obs = obs }

// ClassifyChoice asks the model which label best matches the utterance.
// Any failure (adapter error, unparseable reply, unknown label) returns
// ok=false so the caller falls through to its default.
func (c *Classifier) ClassifyChoice(ctx context.Context, utterance string, labels []string) (Classification, bool) {
	if c == nil || c.adapter == nil || len(labels) == 0 {
		return Classification{}, false
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	prompt := fmt.Sprintf(
		"Classify the caller's reply into exactly one of these options: %s.\n"+
			`Reply with JSON only: {"label": "<option>", "confidence": <0..1>}.`+"\nCaller said: %q",
		strings.Join(labels, ", "), utterance)

	resp, err := Retry(ctx, RetryConfig{MaxAttempts: 2}, func(ctx context.Context) (Response, error) {
		return c.adapter.Generate(ctx, Context{Messages: []map[string]any{
			{"role": "system", "content": "You classify short phone replies. Answer with JSON only."},
			{"role": "user", "content": prompt},
		}})
	})
	if err != nil {
		c.logger.Warn("classify_failed", "error", err)
		return Classification{}, false
	}
	if c.obs != nil {
		tags := map[string]string{"component": "classifier"}
		for k, v := range metrics.TagsFromContext(ctx) {
			tags[k] = v
		}
		c.obs.RecordEvent(metrics.MetricsEvent{
			Name:   "llm_done",
			Time:   time.Now(),
			Tags:   tags,
			Fields: map[string]any{"tokens": resp.Usage.TotalTokens},
		})
	}

	cls, ok := parseClassification(resp.Text, labels)
	if !ok {
		c.logger.Warn("classify_unparseable", "text", clip(resp.Text))
	}
	return cls, ok
}

func parseClassification(text string, labels []string) (Classification, bool) {
	var cls Classification
	raw := text
	if i := strings.Index(raw, "{"); i >= 0 {
		if j := strings.LastIndex(raw, "}"); j > i {
			raw = raw[i : j+1]
		}
	}
	if err := json.Unmarshal([]byte(raw), &cls); err == nil && cls.Label != "" {
		for _, l := range labels {
			if strings.EqualFold(strings.TrimSpace(cls.Label), l) {
				cls.Label = l
				return cls, true
			}
		}
	}
	// Plain-text reply: look for a bare label mention.
	low := strings.ToLower(text)
	for _, l := range labels {
		if strings.Contains(low, strings.ToLower(l)) {
			return Classification{Label: l, Confidence: 0.5}, true
		}
	}
	return Classification{}, false
}

func clip(s string) string {
	if len(s) > 120 {
		return s[:120] + "..."
	}
	return s
}
