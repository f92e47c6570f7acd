package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/careline/careline/pkg/errorsx"
	"github.com/careline/careline/pkg/extract"
	"github.com/careline/careline/pkg/logging"
	"github.com/careline/careline/pkg/redact"
	"github.com/careline/careline/pkg/services/address"
	"github.com/careline/careline/pkg/state"
)

const (
	stepAddress = "address"
	stepPhone   = "phone"
	stepEmail   = "email"

	promptPhone = "Great. What's the best phone number to reach you at?"
	promptEmail = "And what's your email address? We'll send your appointment confirmation there."
)

// DemographicsConfig gates the optional contact steps.
type DemographicsConfig struct {
	CollectEmail bool
	// FallbackEmail is recorded when email collection is disabled so
	// downstream notification still has a destination.
	FallbackEmail string
}

// DemographicsHandler walks address, phone, and email. Address
// validation failures degrade to accepting what the caller said with a
// validated=false marker rather than blocking the call.
type DemographicsHandler struct {
	store     state.Store
	validator address.Validator
	cfg       DemographicsConfig
	logger    *slog.Logger

	step    string
	retries int
}

func NewDemographicsHandler(store state.Store, validator address.Validator, cfg DemographicsConfig, base *slog.Logger) *DemographicsHandler {
	if base == nil {
		base = slog.Default()
	}
	return &DemographicsHandler{
		store:     store,
		validator: validator,
		cfg:       cfg,
		logger:    logging.NewComponentLogger(base, "demographics_handler"),
		step:      stepAddress,
	}
}

func (h *DemographicsHandler) ProcessInput(ctx context.Context, userText string, session *state.CallSession) (string, error) {
	text := strings.TrimSpace(userText)
	if text == "" {
		return PromptNotUnderstood, nil
	}

	switch h.step {
	case stepAddress:
		return h.collectAddress(ctx, session, text)
	case stepPhone:
		return h.collectPhone(ctx, session, text)
	default:
		return h.collectEmail(ctx, session, text)
	}
}

func (h *DemographicsHandler) collectAddress(ctx context.Context, session *state.CallSession, text string) (string, error) {
	if isNonAnswer(text) || isMetaPhrase(text) || !extract.LooksLikeAddress(text) {
		h.retries++
		if h.retries <= maxStepRetries {
			if _, err := h.store.Update(ctx, session.CallID, state.Fields{IncrementError: true}); err != nil {
				return "", err
			}
			return "I'll need your full address. Please include the street number, street name, city, state, and zip code.", nil
		}
		// Record verbatim and move on rather than looping forever.
		return h.acceptAddress(ctx, session, state.Address{Street: text, Validated: false, ValidationMessage: "unparsed"})
	}

	parts := extract.AddressComponents(text)
	addr := state.Address{
		Street:  parts.Street,
		City:    parts.City,
		State:   parts.State,
		ZipCode: parts.Zip,
	}

	if h.validator != nil {
		res, err := h.validator.Validate(ctx, parts.Street, parts.City, parts.State, parts.Zip)
		switch {
		case err == nil && res.Validated:
			addr = state.Address{
				Street:    res.Street,
				City:      res.City,
				State:     res.State,
				ZipCode:   res.Zip,
				Validated: true,
			}
		case err == nil:
			addr.ValidationMessage = res.Message
			if h.retries < maxStepRetries && res.Message != "" {
				h.retries++
				if _, err := h.store.Update(ctx, session.CallID, state.Fields{IncrementError: true}); err != nil {
					return "", err
				}
				return fmt.Sprintf("I couldn't verify that address. %s Could you repeat it for me?", res.Message), nil
			}
		default:
			// Validation service outage never blocks intake.
			h.logger.Warn("address_validation_unavailable",
				"call_id", session.CallID, "error", errorsx.Wrap(err, errorsx.ReasonAddressValidate))
			addr.ValidationMessage = "validation unavailable"
		}
	}
	return h.acceptAddress(ctx, session, addr)
}

func (h *DemographicsHandler) acceptAddress(ctx context.Context, session *state.CallSession, addr state.Address) (string, error) {
	if _, err := h.store.Update(ctx, session.CallID, state.Fields{Address: &addr}); err != nil {
		return "", err
	}
	if _, err := h.store.TransitionPhase(ctx, session.CallID, state.PhaseContactInfo); err != nil {
		return "", err
	}
	h.logger.Info("address_recorded", "call_id", session.CallID, "validated", addr.Validated)
	h.step = stepPhone
	h.retries = 0
	return promptPhone, nil
}

func (h *DemographicsHandler) collectPhone(ctx context.Context, session *state.CallSession, text string) (string, error) {
	phone, ok := extract.Phone(text)
	if !ok {
		digits := extract.Digits(text)
		if len(digits) >= 7 {
			// Partial number beats no number.
			phone, ok = digits, true
		}
	}
	if !ok {
		h.retries++
		if _, err := h.store.Update(ctx, session.CallID, state.Fields{IncrementError: true}); err != nil {
			return "", err
		}
		return "I didn't get a full phone number. Could you say it again, digit by digit, including the area code?", nil
	}

	if _, err := h.store.Update(ctx, session.CallID, state.Fields{PhoneNumber: state.Str(phone)}); err != nil {
		return "", err
	}
	h.logger.Info("phone_recorded", "call_id", session.CallID, "phone", redact.Text(phone))
	h.retries = 0

	if !h.cfg.CollectEmail {
		if h.cfg.FallbackEmail != "" {
			if _, err := h.store.Update(ctx, session.CallID, state.Fields{Email: state.Str(h.cfg.FallbackEmail)}); err != nil {
				return "", err
			}
		}
		return h.finish(ctx, session)
	}
	h.step = stepEmail
	return promptEmail, nil
}

func (h *DemographicsHandler) collectEmail(ctx context.Context, session *state.CallSession, text string) (string, error) {
	email, ok := extract.Email(text)
	if !ok {
		low := strings.ToLower(text)
		if h.retries >= maxStepRetries || strings.Contains(low, "don't have") || strings.Contains(low, "no email") || strings.Contains(low, "skip") {
			if h.cfg.FallbackEmail != "" {
				if _, err := h.store.Update(ctx, session.CallID, state.Fields{Email: state.Str(h.cfg.FallbackEmail)}); err != nil {
					return "", err
				}
			}
			return h.finish(ctx, session)
		}
		h.retries++
		if _, err := h.store.Update(ctx, session.CallID, state.Fields{IncrementError: true}); err != nil {
			return "", err
		}
		return "Could you spell out your email address for me? Say the word at for the at sign, and dot for periods.", nil
	}

	if _, err := h.store.Update(ctx, session.CallID, state.Fields{Email: state.Str(email)}); err != nil {
		return "", err
	}
	h.logger.Info("email_recorded", "call_id", session.CallID, "email", redact.Text(email))
	return h.finish(ctx, session)
}

func (h *DemographicsHandler) finish(ctx context.Context, session *state.CallSession) (string, error) {
	if _, err := h.store.TransitionPhase(ctx, session.CallID, state.PhaseProvider); err != nil {
		return "", err
	}
	return "Thank you! Now let's find you a provider.", nil
}
