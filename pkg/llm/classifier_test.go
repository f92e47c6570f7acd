package llm

import (
	"context"
	"errors"
	"testing"
)

type scriptedAdapter struct {
	text string
	err  error
}

func (s scriptedAdapter) Name() string { return "scripted" }
func (s scriptedAdapter) Generate(context.Context, Context) (Response, error) {
	return Response{Text: s.text}, s.err
}

func TestClassifyChoiceParsesJSON(t *testing.T) {
	c := NewClassifier(scriptedAdapter{text: `{"label": "2", "confidence": 0.85}`}, nil)
	got, ok := c.ClassifyChoice(context.Background(), "the second one", []string{"1", "2", "3"})
	if !ok || got.Label != "2" {
		t.Fatalf("got %+v ok=%v", got, ok)
	}
}

func TestClassifyChoiceJSONEmbeddedInProse(t *testing.T) {
	c := NewClassifier(scriptedAdapter{text: "Sure! {\"label\": \"3\", \"confidence\": 0.7} hope that helps"}, nil)
	got, ok := c.ClassifyChoice(context.Background(), "last option", []string{"1", "2", "3"})
	if !ok || got.Label != "3" {
		t.Fatalf("got %+v ok=%v", got, ok)
	}
}

func TestClassifyChoicePlainTextFallback(t *testing.T) {
	c := NewClassifier(scriptedAdapter{text: "I would pick option 1"}, nil)
	got, ok := c.ClassifyChoice(context.Background(), "the first", []string{"1", "2", "3"})
	if !ok || got.Label != "1" {
		t.Fatalf("got %+v ok=%v", got, ok)
	}
}

func TestClassifyChoiceAdapterFailure(t *testing.T) {
	c := NewClassifier(scriptedAdapter{err: errors.New("down")}, nil)
	if _, ok := c.ClassifyChoice(context.Background(), "three", []string{"1", "2", "3"}); ok {
		t.Fatal("expected ok=false on adapter error")
	}
}

func TestClassifyChoiceUnknownLabelRejected(t *testing.T) {
	c := NewClassifier(scriptedAdapter{text: `{"label": "7", "confidence": 0.9}`}, nil)
	if _, ok := c.ClassifyChoice(context.Background(), "seven", []string{"1", "2", "3"}); ok {
		t.Fatal("expected unknown label rejected")
	}
}

func TestNilClassifierIsSafe(t *testing.T) {
	var c *Classifier
	if _, ok := c.ClassifyChoice(context.Background(), "x", []string{"1"}); ok {
		t.Fatal("nil classifier must return ok=false")
	}
}
