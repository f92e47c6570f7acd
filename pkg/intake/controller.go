// Package intake holds the conversation controller: the pipeline stage
// that turns final transcripts into phase-handler calls and speaks the
// resulting prompts. One controller instance serves exactly one call.
package intake

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/careline/careline/pkg/frames"
	"github.com/careline/careline/pkg/handlers"
	"github.com/careline/careline/pkg/llm"
	"github.com/careline/careline/pkg/logging"
	"github.com/careline/careline/pkg/metrics"
	"github.com/careline/careline/pkg/pipeline"
	"github.com/careline/careline/pkg/redact"
	"github.com/careline/careline/pkg/services/address"
	"github.com/careline/careline/pkg/services/notify"
	"github.com/careline/careline/pkg/services/provider"
	"github.com/careline/careline/pkg/state"
)

const (
	// How many identical agent replies in a row before escalating the
	// wording.
	maxSameResponse = 2

	// Duplicate-final suppression window for the two transcription paths.
	dedupeWindow = 2 * time.Second

	// How long after speech stops a final can still be playback echo.
	echoTailWindow = 1500 * time.Millisecond

	notifyAttempts  = 3
	notifyBaseDelay = 2 * time.Second

	// Small pause so the TTS websocket is warm before the greeting.
	greetingWarmup = 150 * time.Millisecond
)

var greetingSegments = []string{
	"Hello! Thank you for calling CareLine.",
	"I'm here to help you schedule an appointment and collect some information.",
	handlers.PromptInsurance,
}

const closingText = "Thank you for calling CareLine. Have a great day, and feel better soon!"

// Config carries the collaborators the controller builds its handler set
// from.
type Config struct {
	Store      state.Store
	Validator  address.Validator
	Lookup     provider.Lookup
	Classifier *llm.Classifier
	Notifier   notify.Dispatcher
	Demo       handlers.DemographicsConfig
	Logger     *slog.Logger
}

// Controller implements pipeline.FrameProcessor. It owns the phase
// handler set for one call, the greeting, echo and duplicate
// suppression, repetition escalation, and end-of-call teardown.
type Controller struct {
	cfg    Config
	store  state.Store
	logger *slog.Logger
	obs    metrics.Observer
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	callID   string
	streamID string
	traceID  string
	greeted  bool
	speaking bool
	// when the last speech-stopped control arrived
	spokeUntil time.Time
	// hang up once the current utterance finishes playing
	endPending bool
	dispatched bool

	insurance    *handlers.InsuranceHandler
	symptom      *handlers.SymptomHandler
	demographics *handlers.DemographicsHandler
	scheduling   *handlers.SchedulingHandler

	lastResponse string
	sameCount    int

	lastFinalText string
	lastFinalSrc  string
	lastFinalAt   time.Time

	wg sync.WaitGroup
}

func NewController(cfg Config) *Controller {
	base := cfg.Logger
	if base == nil {
		base = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg:    cfg,
		store:  cfg.Store,
		logger: logging.NewComponentLogger(base, "intake_controller"),
		ctx:    ctx,
		cancel: cancel,
	}
	c.insurance = handlers.NewInsuranceHandler(cfg.Store, base)
	c.symptom = handlers.NewSymptomHandler(cfg.Store, base)
	c.demographics = handlers.NewDemographicsHandler(cfg.Store, cfg.Validator, cfg.Demo, base)
	c.scheduling = handlers.NewSchedulingHandler(cfg.Store, cfg.Lookup, cfg.Classifier, base)
	return c
}

func (c *Controller) Name() string { return "controller" }

func (c *Controller) SetObserver(obs metrics.Observer) { c.obs = obs }

func (c *Controller) SetContext(ctx context.Context) {
	if ctx == nil {
		return
	}
	c.cancel()
	c.ctx, c.cancel = context.WithCancel(ctx)
}

// Close cancels background work (notification retries). Blocks until
// spawned goroutines return.
func (c *Controller) Close() {
	c.cancel()
	c.wg.Wait()
}

func (c *Controller) Process(f frames.Frame) ([]frames.Frame, error) {
	c.rememberIDs(f.Meta())

	switch f.Kind() {
	case frames.KindSystem:
		sf := f.(frames.SystemFrame)
		switch sf.Name() {
		case "call_start":
			out := c.handleCallStart(sf)
			return append(out, f), nil
		case "call_reconnect":
			c.logger.Info("call_reconnected",
				"call_id", c.callID, "old_stream", sf.Meta()[frames.MetaOldStreamID])
		case "reprompt":
			if text := sf.Meta()[frames.MetaGreetingText]; text != "" {
				out := c.speak(text, sf.Meta())
				return append(out, f), nil
			}
		case "call_end":
			c.handleCallEnd(sf)
		}
		return []frames.Frame{f}, nil

	case frames.KindControl:
		cf := f.(frames.ControlFrame)
		switch cf.Code() {
		case frames.ControlSpeechStarted:
			c.mu.Lock()
			c.speaking = true
			c.mu.Unlock()
		case frames.ControlSpeechStopped:
			c.mu.Lock()
			c.speaking = false
			c.spokeUntil = time.Now()
			end := c.endPending
			c.endPending = false
			c.mu.Unlock()
			if end {
				return []frames.Frame{f, c.callEndFrame(cf.Meta())}, nil
			}
		}
		return []frames.Frame{f}, nil

	case frames.KindText:
		tf := f.(frames.TextFrame)
		src := tf.Meta()[frames.MetaSource]
		if src != frames.SourcePrimary && src != frames.SourceDirect {
			return []frames.Frame{f}, nil
		}
		if !isFinal(tf.Meta()) {
			return []frames.Frame{f}, nil
		}
		out := c.handleUserFinal(tf)
		return append(out, f), nil
	}
	return []frames.Frame{f}, nil
}

func (c *Controller) rememberIDs(meta map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v := meta[frames.MetaCallSID]; v != "" {
		c.callID = v
	}
	if v := meta[frames.MetaStreamID]; v != "" {
		c.streamID = v
	}
	if v := meta[frames.MetaTraceID]; v != "" {
		c.traceID = v
	}
}

func (c *Controller) handleCallStart(sf frames.SystemFrame) []frames.Frame {
	c.mu.Lock()
	if c.greeted {
		c.mu.Unlock()
		return nil
	}
	c.greeted = true
	callID := c.callID
	c.mu.Unlock()

	if _, err := c.store.Create(c.ctx, callID); err != nil {
		c.logger.Error("session_create_failed", "call_id", callID, "error", err)
	}
	// The greeting already asks for insurance, so the phase moves past
	// the greeting and emergency-check steps in one jump.
	if _, err := c.store.TransitionPhase(c.ctx, callID, state.PhaseInsurance); err != nil {
		c.logger.Error("phase_transition_failed", "call_id", callID, "error", err)
	}
	c.record(metrics.EventCallStarted, nil)
	c.logger.Info("call_started",
		"call_id", callID, "from", redact.Text(sf.Meta()[frames.MetaFromNumber]))

	time.Sleep(greetingWarmup)
	var out []frames.Frame
	for i, seg := range greetingSegments {
		out = append(out, c.textFrame(seg, i == len(greetingSegments)-1))
	}
	c.appendTranscript("assistant", strings.Join(greetingSegments, " "))
	c.noteResponse(handlers.PromptInsurance)
	return out
}

func (c *Controller) handleCallEnd(sf frames.SystemFrame) {
	c.record(metrics.EventCallEnded, map[string]string{
		"reason": sf.Meta()[frames.MetaCallEndReason],
	})
	c.mu.Lock()
	callID := c.callID
	c.mu.Unlock()

	session, err := c.store.Get(c.ctx, callID)
	if err == nil {
		c.logger.Info("call_summary",
			"call_id", callID,
			"phase", string(session.Phase),
			"errors", session.ErrorCount,
			"turns", len(session.Transcript),
			"duration", time.Since(session.StartedAt).Round(time.Second).String())
		// An abandoned call that got far enough still sends the summary.
		if session.Phase == state.PhaseConfirmation {
			c.dispatchConfirmation(callID)
		}
	}
	// Let an in-flight confirmation finish before tearing down.
	go func() {
		c.wg.Wait()
		c.cancel()
	}()
}

func (c *Controller) handleUserFinal(tf frames.TextFrame) []frames.Frame {
	text := strings.TrimSpace(tf.Text())
	if text == "" {
		return nil
	}
	src := tf.Meta()[frames.MetaSource]
	if c.isDuplicate(text, src) {
		c.record(metrics.EventTranscriptDropped, map[string]string{"reason": "duplicate", "source": src})
		return nil
	}
	if c.isSpeaking() {
		// Everything heard while the agent is talking is its own voice
		// bleeding back through the caller's line.
		c.record(metrics.EventTranscriptDropped, map[string]string{"reason": "agent_speaking", "source": src})
		return nil
	}
	if c.isEcho(text) {
		c.record(metrics.EventTranscriptDropped, map[string]string{"reason": "echo", "source": src})
		return nil
	}

	c.mu.Lock()
	callID := c.callID
	c.mu.Unlock()

	session, err := c.store.Get(c.ctx, callID)
	if err != nil {
		c.logger.Error("session_lookup_failed", "call_id", callID, "error", err)
		return c.speak(handlers.PromptNotUnderstood, tf.Meta())
	}

	c.appendTranscript("user", text)

	reply := c.route(text, session)
	if reply == "" {
		return nil
	}

	reply = c.escalateIfRepeating(reply, session.Phase)
	c.appendTranscript("assistant", reply)

	out := c.speak(reply, tf.Meta())
	out = append(out, c.afterReply(callID)...)
	return out
}

// route dispatches one utterance to the handler that owns the session's
// current phase. Handler panics are contained to the turn.
func (c *Controller) route(text string, session *state.CallSession) (reply string) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("handler_panic",
				"call_id", session.CallID, "phase", string(session.Phase), "panic", r)
			reply = handlers.PromptNotUnderstood
		}
	}()

	var h handlers.Handler
	switch session.Phase {
	case state.PhaseGreeting, state.PhaseEmergencyCheck, state.PhaseInsurance:
		h = c.insurance
	case state.PhaseChiefComplaint:
		h = c.symptom
	case state.PhaseDemographics, state.PhaseContactInfo:
		h = c.demographics
	case state.PhaseProvider, state.PhaseScheduling:
		h = c.scheduling
	case state.PhaseConfirmation, state.PhaseCompleted:
		// Anything said after booking gets a polite close.
		c.mu.Lock()
		c.endPending = true
		c.mu.Unlock()
		return closingText
	default:
		return handlers.PromptNotUnderstood
	}

	before := session.Phase
	c.mu.Lock()
	hctx := metrics.WithTags(c.ctx, map[string]string{
		frames.MetaStreamID: c.streamID,
		frames.MetaCallSID:  c.callID,
		frames.MetaTraceID:  c.traceID,
	})
	c.mu.Unlock()
	reply, err := h.ProcessInput(hctx, text, session)
	if err != nil {
		c.logger.Error("handler_error",
			"call_id", session.CallID, "phase", string(session.Phase), "error", err)
		return handlers.PromptNotUnderstood
	}

	// When a phase completes, the next handler may want to speak first.
	after, err := c.store.Get(c.ctx, session.CallID)
	if err == nil && after.Phase != before {
		c.record(metrics.EventPhaseTransition, map[string]string{
			"from": string(before), "to": string(after.Phase),
		})
		if after.Phase == state.PhaseProvider {
			if intro, err := c.scheduling.Open(c.ctx, after); err == nil && intro != "" {
				reply = strings.TrimSpace(reply + " " + intro)
			}
		}
	}
	return reply
}

// afterReply starts post-booking work once the confirmation phase is
// reached.
func (c *Controller) afterReply(callID string) []frames.Frame {
	session, err := c.store.Get(c.ctx, callID)
	if err != nil || session.Phase != state.PhaseConfirmation {
		return nil
	}
	c.mu.Lock()
	c.endPending = true
	c.mu.Unlock()
	c.dispatchConfirmation(callID)
	return nil
}

func (c *Controller) dispatchConfirmation(callID string) {
	c.mu.Lock()
	if c.dispatched {
		c.mu.Unlock()
		return
	}
	c.dispatched = true
	c.mu.Unlock()
	if c.cfg.Notifier == nil {
		_, _ = c.store.TransitionPhase(c.ctx, callID, state.PhaseCompleted)
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		session, err := c.store.Get(c.ctx, callID)
		if err != nil {
			return
		}
		if err := notify.SendWithRetry(c.ctx, c.cfg.Notifier, session, notifyAttempts, notifyBaseDelay, c.logger); err != nil {
			c.logger.Error("confirmation_send_failed", "call_id", callID, "error", err)
		} else {
			c.record(metrics.EventNotifyDispatched, map[string]string{"call_id": callID})
		}
		if _, err := c.store.TransitionPhase(c.ctx, callID, state.PhaseCompleted); err != nil {
			c.logger.Warn("completion_transition_failed", "call_id", callID, "error", err)
		}
	}()
}

// isDuplicate suppresses the same final arriving on both transcription
// paths back to back.
func (c *Controller) isDuplicate(text, src string) bool {
	norm := strings.ToLower(strings.TrimSpace(text))
	c.mu.Lock()
	defer c.mu.Unlock()
	dup := norm == c.lastFinalText &&
		src != c.lastFinalSrc &&
		time.Since(c.lastFinalAt) < dedupeWindow
	if !dup {
		c.lastFinalText = norm
		c.lastFinalSrc = src
		c.lastFinalAt = time.Now()
	}
	return dup
}

func (c *Controller) isSpeaking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speaking
}

// isEcho drops transcripts that are fragments of the agent's last
// response. Playback outlives the speech-stopped control by a beat, so
// the check covers a short tail after the speaking flag clears.
func (c *Controller) isEcho(text string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastResponse == "" || time.Since(c.spokeUntil) > echoTailWindow {
		return false
	}
	norm := strings.ToLower(strings.TrimSpace(text))
	if len(norm) < 12 {
		return false
	}
	return strings.Contains(strings.ToLower(c.lastResponse), norm)
}

func (c *Controller) escalateIfRepeating(reply string, phase state.Phase) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if reply == c.lastResponse {
		c.sameCount++
	} else {
		c.lastResponse = reply
		c.sameCount = 0
		return reply
	}
	if c.sameCount < maxSameResponse {
		return reply
	}
	c.sameCount = 0
	esc := handlers.PromptGenericEscalation
	if phase == state.PhaseInsurance {
		esc = handlers.PromptInsuranceEscalation
	}
	c.lastResponse = esc
	return esc
}

func (c *Controller) noteResponse(reply string) {
	c.mu.Lock()
	c.lastResponse = reply
	c.sameCount = 0
	c.mu.Unlock()
}

// speak splits a reply into sentence-sized chunks so the TTS stream can
// start synthesizing before the full reply is queued.
func (c *Controller) speak(reply string, _ map[string]string) []frames.Frame {
	segments := splitSentences(reply)
	out := make([]frames.Frame, 0, len(segments))
	for i, seg := range segments {
		out = append(out, c.textFrame(seg, i == len(segments)-1))
	}
	c.record(metrics.EventResponseEmitted, map[string]string{"segments": strconv.Itoa(len(segments))})
	return out
}

func (c *Controller) textFrame(text string, flush bool) frames.Frame {
	c.mu.Lock()
	meta := map[string]string{
		frames.MetaStreamID: c.streamID,
		frames.MetaCallSID:  c.callID,
		frames.MetaSource:   "controller",
	}
	if c.traceID != "" {
		meta[frames.MetaTraceID] = c.traceID
	}
	streamID := c.streamID
	c.mu.Unlock()
	if flush {
		meta[frames.MetaTTSFlush] = "true"
	}
	return frames.NewTextFrame(streamID, time.Now().UnixNano(), text, meta)
}

func (c *Controller) callEndFrame(meta map[string]string) frames.Frame {
	c.mu.Lock()
	streamID := c.streamID
	callID := c.callID
	c.mu.Unlock()
	m := map[string]string{
		frames.MetaStreamID:      streamID,
		frames.MetaCallSID:       callID,
		frames.MetaCallEndReason: "intake_complete",
	}
	if tid := meta[frames.MetaTraceID]; tid != "" {
		m[frames.MetaTraceID] = tid
	}
	return frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlCallEnd, m)
}

func (c *Controller) appendTranscript(speaker, text string) {
	c.mu.Lock()
	callID := c.callID
	c.mu.Unlock()
	entry := &state.TranscriptEntry{At: time.Now(), Speaker: speaker, Text: text}
	if _, err := c.store.Update(c.ctx, callID, state.Fields{AppendTranscript: entry}); err != nil {
		c.logger.Warn("transcript_append_failed", "call_id", callID, "error", err)
	}
}

func (c *Controller) record(name string, tags map[string]string) {
	if c.obs == nil {
		return
	}
	c.mu.Lock()
	base := map[string]string{
		frames.MetaStreamID: c.streamID,
		frames.MetaCallSID:  c.callID,
		"component":         "controller",
	}
	if c.traceID != "" {
		base[frames.MetaTraceID] = c.traceID
	}
	c.mu.Unlock()
	for k, v := range tags {
		base[k] = v
	}
	c.obs.RecordEvent(metrics.MetricsEvent{Name: name, Time: time.Now(), Tags: base})
}

func isFinal(meta map[string]string) bool {
	v := strings.ToLower(meta[frames.MetaIsFinal])
	return v == "true" || v == "1" || v == "yes"
}

// splitSentences breaks text on sentence punctuation, keeping the
// punctuation with its sentence.
func splitSentences(text string) []string {
	var out []string
	var b strings.Builder
	for _, r := range text {
		b.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			if s := strings.TrimSpace(b.String()); s != "" {
				out = append(out, s)
			}
			b.Reset()
		}
	}
	if s := strings.TrimSpace(b.String()); s != "" {
		out = append(out, s)
	}
	if len(out) == 0 {
		return []string{text}
	}
	return out
}

var _ pipeline.FrameProcessor = (*Controller)(nil)
