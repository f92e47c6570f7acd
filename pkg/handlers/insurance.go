package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/careline/careline/pkg/extract"
	"github.com/careline/careline/pkg/logging"
	"github.com/careline/careline/pkg/redact"
	"github.com/careline/careline/pkg/state"
)

// payerAliases maps spoken fragments to canonical payer names. Matching
// is substring, case-insensitive, first hit wins in declaration order.
var payerAliases = []struct {
	alias string
	payer string
}{
	{"blue cross", "Blue Cross Blue Shield"},
	{"bcbs", "Blue Cross Blue Shield"},
	{"blue shield", "Blue Cross Blue Shield"},
	{"kaiser", "Kaiser Permanente"},
	{"united", "United Healthcare"},
	{"uhc", "United Healthcare"},
	{"molina", "Molina Healthcare"},
	{"healthnet", "Health Net"},
	{"health net", "Health Net"},
	{"oxford", "Oxford Health"},
	{"aetna", "Aetna"},
	{"cigna", "Cigna"},
	{"humana", "Humana"},
	{"anthem", "Anthem"},
	{"medicare", "Medicare"},
	{"medicaid", "Medicaid"},
	{"tricare", "Tricare"},
	{"wellpoint", "Wellpoint"},
	{"centene", "Centene"},
	{"carefirst", "CareFirst"},
	{"highmark", "Highmark"},
}

const (
	stepPayerName = "payer_name"
	stepMemberID  = "member_id"

	maxStepRetries = 2
)

var (
	// The optional "is" after the cue keeps the capture off filler words
	// in phrasings like "my member id is ABC123456".
	memberIDAfterCue = regexp.MustCompile(`(?i)(?:member\s*id|id\s*number|id\s*is|number\s*is)(?:\s+is)?[\s:]*([A-Z0-9][A-Z0-9\-]{3,})`)
	longAlnumRun     = regexp.MustCompile(`\b[A-Z0-9]{6,}\b`)

	// Cue words the fallback scan must never mistake for the ID itself.
	memberIDCueWords = map[string]bool{
		"MEMBER": true, "NUMBER": true, "INSURANCE": true,
	}
)

// InsuranceHandler collects payer name and member ID. It tries an
// opportunistic single-utterance fast path first, then walks two steps
// with bounded retries that relax toward accepting almost anything so a
// caller is never stuck.
type InsuranceHandler struct {
	store  state.Store
	logger *slog.Logger

	step    string
	retries int
	payer   string
}

func NewInsuranceHandler(store state.Store, base *slog.Logger) *InsuranceHandler {
	if base == nil {
		base = slog.Default()
	}
	return &InsuranceHandler{
		store:  store,
		logger: logging.NewComponentLogger(base, "insurance_handler"),
		step:   stepPayerName,
	}
}

func (h *InsuranceHandler) ProcessInput(ctx context.Context, userText string, session *state.CallSession) (string, error) {
	text := strings.TrimSpace(userText)
	if text == "" {
		return PromptNotUnderstood, nil
	}

	if h.step == stepPayerName {
		if payer, memberID, ok := h.fastPath(text); ok {
			return h.complete(ctx, session, payer, memberID, false)
		}
		return h.collectPayer(ctx, session, text)
	}
	return h.collectMemberID(ctx, session, text)
}

// fastPath pulls both fields out of one sentence like "I have Blue Cross
// and my member id is ABC123456".
func (h *InsuranceHandler) fastPath(text string) (payer, memberID string, ok bool) {
	low := strings.ToLower(text)
	hasIDCue := strings.Contains(low, "member id") || strings.Contains(low, "id is") || strings.Contains(low, "number is")
	hasPayerCue := strings.Contains(low, "insurance") || strings.Contains(low, "have") || strings.Contains(low, "my")
	if !hasIDCue || !hasPayerCue {
		return "", "", false
	}
	payer = matchPayer(low)
	if payer == "" {
		return "", "", false
	}
	if m := memberIDAfterCue.FindStringSubmatch(strings.ToUpper(text)); m != nil {
		return payer, m[1], true
	}
	for _, run := range longAlnumRun.FindAllString(strings.ToUpper(text), -1) {
		if !memberIDCueWords[run] {
			return payer, run, true
		}
	}
	return "", "", false
}

func (h *InsuranceHandler) collectPayer(ctx context.Context, session *state.CallSession, text string) (string, error) {
	low := strings.ToLower(text)
	if payer := matchPayer(low); payer != "" {
		h.payer = payer
		h.step = stepMemberID
		h.retries = 0
		return fmt.Sprintf("Great, I have %s. What's your member ID number?", payer), nil
	}

	if isMetaPhrase(text) || isNonAnswer(text) {
		return h.retryPayer(ctx, session)
	}

	cleaned := stripFiller(text)
	if len(cleaned) >= 3 && !isAllDigits(cleaned) {
		// Unrecognized but plausible payer; keep it flagged for review.
		h.payer = strings.TrimSpace(text)
		h.step = stepMemberID
		h.retries = 0
		h.logger.Info("payer_accepted_provisional", "payer", redact.Text(h.payer))
		return fmt.Sprintf("I have %s as your insurance provider. What's your member ID number?", h.payer), nil
	}

	if h.retries >= maxStepRetries && cleaned != "" {
		h.payer = strings.TrimSpace(text)
		h.step = stepMemberID
		h.retries = 0
		return fmt.Sprintf("I have %s as your insurance provider. What's your member ID number?", h.payer), nil
	}
	return h.retryPayer(ctx, session)
}

func (h *InsuranceHandler) retryPayer(ctx context.Context, session *state.CallSession) (string, error) {
	h.retries++
	if _, err := h.store.Update(ctx, session.CallID, state.Fields{IncrementError: true}); err != nil {
		return "", err
	}
	return "Could you tell me the name of your insurance provider? For example, Blue Cross, Aetna, or Medicare.", nil
}

func (h *InsuranceHandler) collectMemberID(ctx context.Context, session *state.CallSession, text string) (string, error) {
	if id, ok := extract.MemberID(text); ok {
		return h.complete(ctx, session, h.payer, id, false)
	}
	if id, ok := extract.MemberIDLoose(text); ok {
		return h.complete(ctx, session, h.payer, id, false)
	}
	if h.retries >= maxStepRetries {
		// Forced forward progress: record the gap and move on.
		h.logger.Warn("member_id_not_captured", "call_id", session.CallID)
		return h.complete(ctx, session, h.payer, state.MemberIDPlaceholder, true)
	}
	h.retries++
	if _, err := h.store.Update(ctx, session.CallID, state.Fields{IncrementError: true}); err != nil {
		return "", err
	}
	return "I didn't catch your member ID. Could you read me the letters and numbers on your insurance card?", nil
}

func (h *InsuranceHandler) complete(ctx context.Context, session *state.CallSession, payer, memberID string, placeholder bool) (string, error) {
	ins := &state.Insurance{
		PayerName:   payer,
		MemberID:    memberID,
		Provisional: matchPayer(strings.ToLower(payer)) == "" || placeholder,
	}
	if _, err := h.store.Update(ctx, session.CallID, state.Fields{Insurance: ins}); err != nil {
		return "", err
	}
	if !placeholder {
		if _, err := h.store.TransitionPhase(ctx, session.CallID, state.PhaseChiefComplaint); err != nil {
			return "", err
		}
		h.logger.Info("insurance_complete",
			"call_id", session.CallID, "payer", payer, "member_id", redact.Text(memberID))
		return fmt.Sprintf("Perfect! I have %s, member ID %s. %s", payer, memberID, PromptChiefComplaint), nil
	}
	// Placeholder ID keeps the phase here; the next utterance retries.
	h.step = stepMemberID
	h.retries = 0
	return "We can verify your member ID later. Could you try reading it one more time, or say skip to continue?", nil
}

func matchPayer(low string) string {
	for _, a := range payerAliases {
		if strings.Contains(low, a.alias) {
			return a.payer
		}
	}
	return ""
}
