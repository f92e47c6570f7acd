package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/careline/careline/pkg/errorsx"
	"github.com/careline/careline/pkg/extract"
	"github.com/careline/careline/pkg/llm"
	"github.com/careline/careline/pkg/logging"
	"github.com/careline/careline/pkg/services/provider"
	"github.com/careline/careline/pkg/state"
)

const (
	stepProviderPick = "provider"
	stepSlotPick     = "slot"

	maxOffered = 3
)

// SchedulingHandler presents ranked providers, resolves the caller's
// choice, then does the same for appointment slots. Choice resolution is
// a ladder: spoken index, name or keyword match, an LLM classifier when
// one is wired, and finally the first option so the call always lands on
// an appointment.
type SchedulingHandler struct {
	store      state.Store
	lookup     provider.Lookup
	classifier *llm.Classifier
	logger     *slog.Logger
	now        func() time.Time

	step     string
	retries  int
	offered  []provider.Provider
	selected provider.Provider
	slots    []provider.Slot
	// slots for the top-ranked provider, fetched while the caller is
	// still deciding
	prefetched []provider.Slot
}

func NewSchedulingHandler(store state.Store, lookup provider.Lookup, classifier *llm.Classifier, base *slog.Logger) *SchedulingHandler {
	if base == nil {
		base = slog.Default()
	}
	return &SchedulingHandler{
		store:      store,
		lookup:     lookup,
		classifier: classifier,
		logger:     logging.NewComponentLogger(base, "scheduling_handler"),
		now:        time.Now,
		step:       stepProviderPick,
	}
}

// Open lists providers matched to the recorded complaint and insurance.
func (h *SchedulingHandler) Open(ctx context.Context, session *state.CallSession) (string, error) {
	complaint := session.PatientInfo.ChiefComplaint
	insurance := ""
	if session.PatientInfo.Insurance != nil {
		insurance = session.PatientInfo.Insurance.PayerName
	}

	providers, err := h.lookup.ListProviders(ctx, complaint, insurance)
	if err != nil {
		h.logger.Warn("provider_lookup_failed",
			"call_id", session.CallID, "error", errorsx.Wrap(err, errorsx.ReasonProviderLookup))
	}
	if len(providers) == 0 {
		providers = []provider.Provider{provider.DefaultProvider()}
	}
	if len(providers) > maxOffered {
		providers = providers[:maxOffered]
	}
	h.offered = providers

	if slots, err := h.lookup.ListSlots(ctx, providers[0].ID); err == nil {
		h.prefetched = slots
	}

	var b strings.Builder
	b.WriteString("Based on your needs, here are the available providers. ")
	for i, p := range providers {
		fmt.Fprintf(&b, "%d. Dr. %s - %s. ", i+1, p.Name, p.Specialty)
	}
	b.WriteString("Which provider would you like to see? You can say the number or the doctor's name.")
	return b.String(), nil
}

func (h *SchedulingHandler) ProcessInput(ctx context.Context, userText string, session *state.CallSession) (string, error) {
	text := strings.TrimSpace(userText)
	if text == "" {
		return PromptNotUnderstood, nil
	}
	if h.step == stepProviderPick {
		return h.pickProvider(ctx, session, text)
	}
	return h.pickSlot(ctx, session, text)
}

func (h *SchedulingHandler) pickProvider(ctx context.Context, session *state.CallSession, text string) (string, error) {
	if len(h.offered) == 0 {
		// Open was never called; recover by listing now.
		intro, err := h.Open(ctx, session)
		if err != nil {
			return "", err
		}
		return intro, nil
	}

	idx, resolved := h.resolveProvider(ctx, text)
	if !resolved {
		h.retries++
		if h.retries <= maxStepRetries {
			if _, err := h.store.Update(ctx, session.CallID, state.Fields{IncrementError: true}); err != nil {
				return "", err
			}
			return "Sorry, which provider was that? You can just say one, two, or three.", nil
		}
		idx = 0
	}

	h.selected = h.offered[idx]
	h.retries = 0
	h.step = stepSlotPick
	h.logger.Info("provider_selected", "call_id", session.CallID, "provider", h.selected.Name)

	if _, err := h.store.Update(ctx, session.CallID, state.Fields{
		SelectedProvider: state.Str("Dr. " + h.selected.Name),
	}); err != nil {
		return "", err
	}
	if _, err := h.store.TransitionPhase(ctx, session.CallID, state.PhaseScheduling); err != nil {
		return "", err
	}

	slots := h.prefetched
	if idx != 0 || len(slots) == 0 {
		if fetched, err := h.lookup.ListSlots(ctx, h.selected.ID); err == nil {
			slots = fetched
		}
	}
	if len(slots) == 0 {
		slots = []provider.Slot{provider.SyntheticDefault(h.now())}
	}
	if len(slots) > maxOffered {
		slots = slots[:maxOffered]
	}
	h.slots = slots

	var b strings.Builder
	fmt.Fprintf(&b, "Great choice! Dr. %s has the following openings. ", h.selected.Name)
	for i, s := range slots {
		fmt.Fprintf(&b, "%d. %s. ", i+1, s.Display)
	}
	b.WriteString("Which time works best for you?")
	return b.String(), nil
}

func (h *SchedulingHandler) resolveProvider(ctx context.Context, text string) (int, bool) {
	if n, ok := extract.BareNumberWord(text); ok && n >= 1 && n <= len(h.offered) {
		return n - 1, true
	}
	low := strings.ToLower(text)
	for i, p := range h.offered {
		for _, part := range strings.Fields(strings.ToLower(p.Name)) {
			if strings.Contains(low, part) {
				return i, true
			}
		}
	}
	if h.classifier != nil {
		labels := make([]string, len(h.offered))
		for i := range h.offered {
			labels[i] = fmt.Sprintf("%d", i+1)
		}
		if got, ok := h.classifier.ClassifyChoice(ctx, text, labels); ok {
			for i, l := range labels {
				if l == got.Label {
					return i, true
				}
			}
		}
	}
	return 0, false
}

func (h *SchedulingHandler) pickSlot(ctx context.Context, session *state.CallSession, text string) (string, error) {
	idx, resolved := h.resolveSlot(ctx, text)
	if !resolved {
		h.retries++
		if h.retries <= maxStepRetries {
			if _, err := h.store.Update(ctx, session.CallID, state.Fields{IncrementError: true}); err != nil {
				return "", err
			}
			return "Sorry, which time was that? You can say the number, or something like tomorrow at 2.", nil
		}
		idx = 0
	}
	slot := h.slots[idx]

	code, err := h.lookup.Book(ctx, h.selected.ID, slot.Time)
	if err != nil {
		h.logger.Warn("booking_failed", "call_id", session.CallID, "error", err)
	}

	if _, err := h.store.Update(ctx, session.CallID, state.Fields{
		AppointmentDatetime: state.Time(slot.Time),
		AppointmentDisplay:  state.Str(slot.Display),
	}); err != nil {
		return "", err
	}
	if _, err := h.store.TransitionPhase(ctx, session.CallID, state.PhaseConfirmation); err != nil {
		return "", err
	}
	h.logger.Info("appointment_booked",
		"call_id", session.CallID, "provider", h.selected.Name, "slot", slot.Display, "confirmation", code)

	return fmt.Sprintf(
		"Perfect! You're all set with Dr. %s, %s. You'll receive a confirmation shortly. Thank you for calling, and feel better soon!",
		h.selected.Name, slot.Display), nil
}

func (h *SchedulingHandler) resolveSlot(ctx context.Context, text string) (int, bool) {
	// Only a bare index counts here. An utterance like "tomorrow at 2"
	// carries a digit but names a time, so spoken-time resolution below
	// must get the first look at it.
	if n, ok := extract.BareNumberWord(text); ok && n >= 1 && n <= len(h.slots) {
		return n - 1, true
	}
	times := make([]time.Time, len(h.slots))
	for i, s := range h.slots {
		times[i] = s.Time
	}
	if idx, ok := extract.ResolveSpokenTime(text, times, h.now()); ok {
		return idx, true
	}
	low := strings.ToLower(text)
	for i, s := range h.slots {
		for _, kw := range s.Keywords {
			if kw != "" && strings.Contains(low, kw) {
				return i, true
			}
		}
	}
	if h.classifier != nil {
		labels := make([]string, len(h.slots))
		for i := range h.slots {
			labels[i] = fmt.Sprintf("%d", i+1)
		}
		if got, ok := h.classifier.ClassifyChoice(ctx, text, labels); ok {
			for i, l := range labels {
				if l == got.Label {
					return i, true
				}
			}
		}
	}
	return 0, false
}
