package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/careline/careline/pkg/extract"
	"github.com/careline/careline/pkg/logging"
	"github.com/careline/careline/pkg/state"
)

// urgentKeywords trigger an advisory sentence. The flow still continues;
// routing a live emergency elsewhere is a human decision, not ours.
var urgentKeywords = []string{
	"emergency",
	"chest pain",
	"can't breathe",
	"bleeding",
	"unconscious",
}

var painWords = []string{"pain", "hurt", "ache", "sore", "burning"}

var durationWords = []string{
	"day", "days", "week", "weeks", "month", "months", "year", "years",
	"hour", "hours", "yesterday", "morning", "today", "while", "since",
}

const (
	stepComplaint = "complaint"
	stepDuration  = "duration"
	stepPainScale = "pain_scale"

	promptDuration  = "I'm sorry to hear that. How long have you been experiencing this?"
	promptPainScale = "On a scale of 1 to 10, how would you rate your pain?"
	urgentAdvisory  = "That sounds serious. If this is a medical emergency, please hang up and dial 911. Otherwise, I'll note this as urgent and we'll get you seen as soon as possible."
)

// SymptomHandler records the chief complaint, its duration, and an
// optional pain score, then moves the call to demographics.
type SymptomHandler struct {
	store  state.Store
	logger *slog.Logger

	step      string
	complaint string
	urgent    bool
}

func NewSymptomHandler(store state.Store, base *slog.Logger) *SymptomHandler {
	if base == nil {
		base = slog.Default()
	}
	return &SymptomHandler{
		store:  store,
		logger: logging.NewComponentLogger(base, "symptom_handler"),
		step:   stepComplaint,
	}
}

func (h *SymptomHandler) ProcessInput(ctx context.Context, userText string, session *state.CallSession) (string, error) {
	text := strings.TrimSpace(userText)
	if text == "" {
		return PromptNotUnderstood, nil
	}

	switch h.step {
	case stepComplaint:
		return h.collectComplaint(ctx, session, text)
	case stepDuration:
		return h.collectDuration(ctx, session, text)
	default:
		return h.collectPainScale(ctx, session, text)
	}
}

func (h *SymptomHandler) collectComplaint(ctx context.Context, session *state.CallSession, text string) (string, error) {
	if isNonAnswer(text) || isMetaPhrase(text) || len(stripFiller(text)) < 3 {
		if _, err := h.store.Update(ctx, session.CallID, state.Fields{IncrementError: true}); err != nil {
			return "", err
		}
		return "Could you describe what's bothering you today? For example, a headache, back pain, or a cough.", nil
	}

	h.complaint = text
	h.urgent = containsAny(strings.ToLower(text), urgentKeywords)
	h.step = stepDuration

	fields := state.Fields{ChiefComplaint: state.Str(text)}
	if h.urgent {
		fields.UrgencyLevel = state.Int(3)
	}
	if _, err := h.store.Update(ctx, session.CallID, fields); err != nil {
		return "", err
	}

	if h.urgent {
		h.logger.Warn("urgent_keywords_detected", "call_id", session.CallID)
		return urgentAdvisory + " " + promptDuration, nil
	}
	return promptDuration, nil
}

func (h *SymptomHandler) collectDuration(ctx context.Context, session *state.CallSession, text string) (string, error) {
	plausible := extract.HasDigits(text) || containsAny(strings.ToLower(text), durationWords)
	if !plausible && (isNonAnswer(text) || isMetaPhrase(text)) {
		if _, err := h.store.Update(ctx, session.CallID, state.Fields{IncrementError: true}); err != nil {
			return "", err
		}
		return "How long has this been going on? A rough estimate is fine, like a few days or two weeks.", nil
	}

	full := fmt.Sprintf("%s (Duration: %s)", h.complaint, text)
	if _, err := h.store.Update(ctx, session.CallID, state.Fields{ChiefComplaint: state.Str(full)}); err != nil {
		return "", err
	}

	if containsAny(strings.ToLower(h.complaint), painWords) {
		h.step = stepPainScale
		return promptPainScale, nil
	}
	return h.finish(ctx, session, "")
}

func (h *SymptomHandler) collectPainScale(ctx context.Context, session *state.CallSession, text string) (string, error) {
	ack := ""
	if score, ok := extract.PainScale(text); ok {
		level := 1
		switch {
		case score >= 8:
			level = 3
		case score >= 5:
			level = 2
		}
		if h.urgent {
			level = 3
		}
		if _, err := h.store.Update(ctx, session.CallID, state.Fields{UrgencyLevel: state.Int(level)}); err != nil {
			return "", err
		}
		ack = fmt.Sprintf("Got it, %d out of 10. ", score)
	}
	// A missing number is not worth another round trip.
	return h.finish(ctx, session, ack)
}

func (h *SymptomHandler) finish(ctx context.Context, session *state.CallSession, ack string) (string, error) {
	if _, err := h.store.TransitionPhase(ctx, session.CallID, state.PhaseDemographics); err != nil {
		return "", err
	}
	h.logger.Info("complaint_recorded", "call_id", session.CallID, "urgent", h.urgent)
	return ack + "Thank you for sharing that. Now I need some contact information. Could you please tell me your full home address, including street, city, state, and zip code?", nil
}

func containsAny(low string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(low, n) {
			return true
		}
	}
	return false
}
