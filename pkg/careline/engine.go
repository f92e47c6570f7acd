// Package careline wires the intake pipeline together: transport in,
// dual speech recognition, the conversation controller, speech synthesis
// out, plus the shared services (session store, address validation,
// provider directory, choice classifier, confirmation dispatch) the
// controller depends on.
package careline

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/careline/careline/pkg/adapters/stt"
	"github.com/careline/careline/pkg/frames"
	"github.com/careline/careline/pkg/handlers"
	"github.com/careline/careline/pkg/intake"
	"github.com/careline/careline/pkg/llm"
	"github.com/careline/careline/pkg/logging"
	"github.com/careline/careline/pkg/metrics"
	"github.com/careline/careline/pkg/observers"
	"github.com/careline/careline/pkg/pipeline"
	"github.com/careline/careline/pkg/processors"
	"github.com/careline/careline/pkg/redact"
	"github.com/careline/careline/pkg/runner"
	"github.com/careline/careline/pkg/services/address"
	"github.com/careline/careline/pkg/services/notify"
	"github.com/careline/careline/pkg/services/provider"
	"github.com/careline/careline/pkg/state"
	"github.com/careline/careline/pkg/transports"
	"github.com/careline/careline/pkg/turn"
)

type Engine struct {
	cfg       Config
	registry  *pipeline.SessionRegistry
	transport transports.Transport
	providers *ProviderRegistry
	runner    *pipeline.Runner
	asyncObs  *metrics.AsyncObserver
	ctx       context.Context
	cancel    context.CancelFunc

	store      state.Store
	validator  address.Validator
	lookup     provider.Lookup
	classifier *llm.Classifier
	notifier   notify.Dispatcher

	tapsMu sync.Mutex
	taps   map[string]*directTap
}

type EngineOptions struct {
	Config    Config
	Providers *ProviderRegistry
	Transport transports.Transport

	// Optional service overrides; nil fields are built from Config.
	Store     state.Store
	Validator address.Validator
	Lookup    provider.Lookup
	Notifier  notify.Dispatcher

	// Optional hooks and extensions.
	PreProcessors  []pipeline.FrameProcessor
	PostProcessors []pipeline.FrameProcessor
}

func NewEngine(opts EngineOptions) *Engine {
	cfg := opts.Config
	SetDefaultLogger(cfg.LogLevel, cfg.LogFormat)
	redact.SetEnabled(cfg.Privacy.RedactPII)

	slog.Info("careline_init",
		"environment", cfg.Environment,
		"stt_provider", cfg.Vendors.STT.Provider,
		"stt_hybrid", cfg.STT.Hybrid,
		"tts_provider", cfg.Vendors.TTS.Provider,
		"transport", cfg.Transports.Provider,
	)

	pipeline.LogConfiguration(cfg.Engine)
	latencyObs := observers.NewLatencyObserver(slog.Default())
	logObs := observers.NewLoggerObserver(slog.Default())
	var timelineObs *observers.TimelineObserver
	var costObs *observers.CostObserver
	obsList := []metrics.Observer{latencyObs, logObs}
	if dir := strings.TrimSpace(cfg.Observability.ArtifactsDir); dir != "" {
		if cfg.Observability.RetentionDays > 0 {
			_, _ = observers.PurgeArtifacts(dir, time.Duration(cfg.Observability.RetentionDays)*24*time.Hour)
		}
		timelineObs = observers.NewTimelineObserver(dir)
		costObs = observers.NewCostObserver(dir)
		obsList = append(obsList, timelineObs, costObs)
	}
	var metricsFile *os.File
	if path := strings.TrimSpace(cfg.Observability.MetricsFile); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			slog.Warn("metrics_file_unavailable", "path", path, "error", err)
		} else {
			metricsFile = f
			obsList = append(obsList, metrics.NewJSONLObserver(f))
		}
	}
	var innerObs metrics.Observer = observers.NewMultiObserver(obsList...)
	if rate := cfg.Observability.MetricsSampleRate; rate > 0 && rate < 1 {
		innerObs = metrics.NewSamplingObserver(innerObs, rate)
	}
	asyncObs := metrics.NewAsyncObserver(innerObs, 2048)

	providers := opts.Providers
	if providers == nil {
		providers = NewProviderRegistry()
	}

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:       cfg,
		transport: opts.Transport,
		providers: providers,
		asyncObs:  asyncObs,
		ctx:       ctx,
		cancel:    cancel,
		taps:      make(map[string]*directTap),
	}
	e.buildServices(opts)

	var sink func(frames.Frame)
	if opts.Transport != nil {
		sink = func(f frames.Frame) {
			if looped := e.loopback(f); looped {
				return
			}
			if asyncObs != nil && f.Kind() == frames.KindAudio {
				af := f.(frames.AudioFrame)
				meta := f.Meta()
				fields := map[string]any{
					"sample_rate": af.Rate(),
					"channels":    af.Channels(),
				}
				if cfg.Observability.RecordAudio {
					fields["payload_b64"] = base64.StdEncoding.EncodeToString(af.RawPayload())
				}
				tags := map[string]string{
					"stream_id":        meta[frames.MetaStreamID],
					frames.MetaTraceID: meta[frames.MetaTraceID],
					frames.MetaCallSID: meta[frames.MetaCallSID],
					"component":        "transport",
				}
				asyncObs.RecordEvent(metrics.MetricsEvent{
					Name:   "audio_out",
					Time:   time.Now(),
					Tags:   tags,
					Fields: fields,
				})
			}
			_ = opts.Transport.Send(f)
		}
	}

	e.registry = pipeline.NewSessionRegistry(func(ctx context.Context, callSID, streamID, traceID string) (pipeline.Orchestrator, error) {
		sttFactory, err := providers.BuildSTTFactory(cfg.Vendors.STT.Provider, cfg, traceID)
		if err != nil {
			return nil, err
		}
		sttProc := processors.NewSTTProcessor(sttFactory)
		sttProc.SetForwardInterim(cfg.STT.ForwardInterim)
		if cfg.Engine.STTReplayChunks > 0 {
			sttProc.SetReplayBuffer(processors.STTReplayConfig{MaxChunks: cfg.Engine.STTReplayChunks})
		} else {
			sttProc.SetReplayBuffer(processors.STTReplayConfig{MaxChunks: 0})
		}
		sttProc.SetObserver(asyncObs)
		sttProc.SetContext(ctx)

		normalizer := processors.NewTextNormalizer(processors.TextNormalizerConfig{
			Replacements: transcriptReplacements,
		})
		dtmfProc := processors.NewDTMFDisambiguator(processors.DTMFDisambiguatorConfig{
			PreferDTMF: true,
		})

		turnCfg := processors.TurnProcessorConfig{
			BargeInThreshold: time.Duration(cfg.Turn.BargeInThresholdMS) * time.Millisecond,
			MinBargeIn:       time.Duration(cfg.Turn.MinBargeInMS) * time.Millisecond,
			EndOfTurnTimeout: time.Duration(cfg.Turn.EndOfTurnTimeoutMS) * time.Millisecond,
		}
		turnProc := processors.NewTurnProcessorWithConfig(turn.AggressiveStrategy{}, turnCfg)
		if reprompt := silenceRepromptFromConfig(cfg); reprompt != nil {
			turnProc.SetSilenceReprompt(reprompt)
		}

		controller := intake.NewController(intake.Config{
			Store:      e.store,
			Validator:  e.validator,
			Lookup:     e.lookup,
			Classifier: e.classifier,
			Notifier:   e.notifier,
			Demo: handlers.DemographicsConfig{
				CollectEmail:  cfg.Intake.CollectEmail,
				FallbackEmail: cfg.Intake.FallbackEmail,
			},
		})
		controller.SetObserver(asyncObs)
		controller.SetContext(ctx)

		recovery := processors.NewRecoveryProcessor(processors.RecoveryConfig{
			MaxAttempts: cfg.Recovery.MaxAttempts,
			PromptText:  cfg.Recovery.PromptText,
			Phrases:     cfg.Recovery.Phrases,
		})
		limiter := processors.NewResponseLimiter(processors.ResponseLimiterConfig{})

		ttsFactory, err := providers.BuildTTSFactory(cfg.Vendors.TTS.Provider, cfg)
		if err != nil {
			return nil, err
		}
		ttsProc := processors.NewTTSProcessor(ttsFactory)
		ttsProc.SetObserver(asyncObs)
		ttsProc.SetContext(ctx)

		builder := pipeline.NewVoiceAgentBuilder()
		for _, p := range opts.PreProcessors {
			if p != nil {
				builder = builder.WithAcoustic(p)
			}
		}
		builder = builder.WithSTT(sttProc).
			WithProcessor(normalizer).
			WithProcessor(dtmfProc).
			WithTurnManager(turnProc).
			WithController(controller).
			WithProcessor(recovery).
			WithProcessor(limiter).
			WithTTS(ttsProc)
		for _, p := range opts.PostProcessors {
			if p != nil {
				builder = builder.WithSerializer(p)
			}
		}

		orch := builder.Build(cfg.Pipeline)
		orch.SetContext(ctx)
		orch.SetObserver(asyncObs)
		if sink != nil {
			orch.SetSink(sink)
		}

		go func() {
			<-ctx.Done()
			sttProc.CloseAll()
			ttsProc.CloseAll()
			controller.Close()
		}()

		return orch, nil
	})

	hooks := runner.Hooks{
		OnStart: func() {
			fields := []any{"message", "CareLine Engine Ready"}
			if rr, ok := opts.Transport.(transports.ReadyReporter); ok {
				for k, v := range rr.ReadyFields() {
					fields = append(fields, k, v)
				}
			}
			slog.Info("engine_ready", fields...)
		},
		OnStop: func() {
			if asyncObs != nil {
				asyncObs.Close()
			}
			if timelineObs != nil {
				_ = timelineObs.Close()
			}
			if costObs != nil {
				_ = costObs.Close()
			}
			if metricsFile != nil {
				_ = metricsFile.Close()
			}
			slog.Info("shutdown", "goroutines", runtime.NumGoroutine(), "active_calls", e.registry.Count())
		},
	}

	drainer := pipeline.DrainerFunc(func() error {
		if opts.Transport != nil {
			_ = opts.Transport.Stop()
		}
		e.closeAllTaps()
		e.registry.SetDraining(true)
		e.registry.CloseAll()
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		_ = e.registry.WaitForEmpty(ctx, 200*time.Millisecond)
		return nil
	})

	if hc, ok := opts.Transport.(transports.HealthChecker); ok {
		hc.SetHealthCheck(func() (int, error) {
			return e.store.ActiveCalls(e.ctx), e.Health()
		})
	}
	if cfg.Environment == "development" {
		if sd, ok := opts.Transport.(transports.SessionDebugger); ok {
			sd.SetSessionDebug(func(callID string) (any, bool) {
				sess, err := e.store.Get(e.ctx, callID)
				if err != nil || sess == nil {
					return nil, false
				}
				return sess, true
			})
		}
	}

	e.runner = pipeline.NewDrainRunner(drainer, hooks, 30*time.Second)
	return e
}

// transcriptReplacements corrects recurring recognizer mishearings of
// payer names before the phase handlers see them.
var transcriptReplacements = map[string]string{
	"blue crossed":  "blue cross",
	"blue cross is": "blue cross",
	"at nah":        "aetna",
	"cig na":        "cigna",
	"human ah":      "humana",
}

func (e *Engine) buildServices(opts EngineOptions) {
	cfg := e.cfg
	base := slog.Default()

	e.store = opts.Store
	if e.store == nil {
		e.store = state.NewStore(e.ctx, cfg.Store.RedisAddr, cfg.Store.RedisPassword, cfg.Store.RedisDB, base)
	}

	e.validator = opts.Validator
	if e.validator == nil {
		if userID := strings.TrimSpace(cfg.Address.USPSUserID); userID != "" {
			e.validator = address.NewUSPSValidator(userID, &http.Client{Timeout: 5 * time.Second}, base)
		} else {
			e.validator = address.MockValidator{}
		}
	}

	e.lookup = opts.Lookup
	if e.lookup == nil {
		e.lookup = provider.NewDirectory()
	}

	e.notifier = opts.Notifier
	if e.notifier == nil {
		e.notifier = notify.NewSMTPDispatcher(cfg.Notify, base)
	}

	if p := strings.TrimSpace(cfg.Vendors.LLM.Provider); p != "" {
		adapter, err := e.providers.BuildLLM(p, cfg)
		if err != nil {
			slog.Warn("classifier_unavailable", "provider", p, "error", err)
		} else {
			e.classifier = llm.NewClassifier(adapter, base)
			e.classifier.SetObserver(e.asyncObs)
		}
	}
}

// loopback feeds speaking-gate controls emitted at the pipeline tail back
// into the pipeline head so the controller sees them. Returns true when
// the frame was consumed.
func (e *Engine) loopback(f frames.Frame) bool {
	if f.Kind() != frames.KindControl {
		return false
	}
	cf := f.(frames.ControlFrame)
	switch cf.Code() {
	case frames.ControlSpeechStarted, frames.ControlSpeechStopped:
	default:
		return false
	}
	meta := cf.Meta()
	if meta[frames.MetaLoopback] == "true" {
		return true
	}
	callSID := meta[frames.MetaCallSID]
	sess, ok := e.registry.Get(callSID)
	if !ok {
		return true
	}
	meta[frames.MetaLoopback] = "true"
	echo := frames.NewControlFrame(meta[frames.MetaStreamID], cf.PTS(), cf.Code(), meta)
	nonBlockingSend(sess.Orch.In(), echo)
	return true
}

func silenceRepromptFromConfig(cfg Config) *processors.SilenceRepromptConfig {
	sr := cfg.Turn.SilenceReprompt
	if sr.TimeoutMS == 0 && sr.MaxAttempts == 0 && sr.PromptText == "" {
		return nil
	}
	return &processors.SilenceRepromptConfig{
		Timeout:     time.Duration(sr.TimeoutMS) * time.Millisecond,
		MaxAttempts: sr.MaxAttempts,
		PromptText:  sr.PromptText,
	}
}

func (e *Engine) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if e.transport != nil {
		if err := e.transport.Start(ctx); err != nil {
			return err
		}
		go e.routeTransport(ctx)
	}
	go func() {
		_ = e.runner.Run(ctx)
	}()
	return nil
}

func (e *Engine) Stop() error {
	if e.cancel != nil {
		e.cancel()
	}
	return e.runner.Stop()
}

func (e *Engine) routeTransport(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-e.transport.Recv():
			if !ok {
				return
			}
			meta := f.Meta()
			callSID := meta[frames.MetaCallSID]
			streamID := meta[frames.MetaStreamID]
			traceID := meta[frames.MetaTraceID]
			if callSID == "" || streamID == "" {
				continue
			}
			if e.asyncObs != nil && f.Kind() == frames.KindAudio {
				af := f.(frames.AudioFrame)
				fields := map[string]any{
					"sample_rate": af.Rate(),
					"channels":    af.Channels(),
				}
				if e.cfg.Observability.RecordAudio {
					fields["payload_b64"] = base64.StdEncoding.EncodeToString(af.RawPayload())
				}
				tags := map[string]string{
					frames.MetaStreamID: streamID,
					frames.MetaTraceID:  traceID,
					frames.MetaCallSID:  callSID,
					"component":         "transport",
				}
				e.asyncObs.RecordEvent(metrics.MetricsEvent{
					Name:   "audio_in",
					Time:   time.Now(),
					Tags:   tags,
					Fields: fields,
				})
			}
			if f.Kind() == frames.KindSystem {
				sf := f.(frames.SystemFrame)
				if sf.Name() == "call_end" {
					if sess, ok := e.registry.Get(callSID); ok {
						nonBlockingSend(sess.Orch.In(), f)
					}
					e.closeTap(callSID)
					// Give the pipeline a moment to run its call-end
					// path before tearing the session down.
					go func(callSID string) {
						time.Sleep(2 * time.Second)
						e.registry.Remove(callSID)
					}(callSID)
					continue
				}
			}
			sess, created, err := e.registry.GetOrCreate(callSID, streamID, traceID)
			if err != nil || sess == nil {
				continue
			}
			if created && e.cfg.STT.Hybrid {
				e.openTap(sess, callSID, streamID, traceID)
			}
			if f.Kind() == frames.KindAudio {
				e.feedTap(callSID, f.(frames.AudioFrame))
			}
			nonBlockingSend(sess.Orch.In(), f)
		}
	}
}

func nonBlockingSend(ch chan frames.Frame, f frames.Frame) {
	select {
	case ch <- f:
	default:
	}
}

func SetDefaultLogger(level, format string) {
	slog.SetDefault(logging.InitLogger(level, format))
}

func (e *Engine) ProviderRegistry() *ProviderRegistry {
	return e.providers
}

func (e *Engine) Transport() transports.Transport {
	return e.transport
}

func (e *Engine) Config() Config {
	return e.cfg
}

func (e *Engine) Registry() *pipeline.SessionRegistry {
	return e.registry
}

func (e *Engine) Context() context.Context {
	if e.ctx == nil {
		return context.Background()
	}
	return e.ctx
}

func (e *Engine) Health() error {
	if e.transport == nil {
		return fmt.Errorf("missing transport")
	}
	if e.store != nil && !e.store.Healthy(e.ctx) {
		return fmt.Errorf("session store unhealthy")
	}
	return nil
}

// directFactory builds the second recognition stream for hybrid mode.
// It reuses the registered STT builder with the source setting forced to
// the direct label so downstream stages can tell the two apart.
func (e *Engine) directFactory(traceID string) (func(callSID, streamID string) stt.StreamingSTT, error) {
	cfg := e.cfg
	settings := make(map[string]any, len(cfg.Vendors.STT.Settings)+1)
	for k, v := range cfg.Vendors.STT.Settings {
		settings[k] = v
	}
	settings["source"] = frames.SourceDirect
	cfg.Vendors.STT.Settings = settings
	return e.providers.BuildSTTFactory(cfg.Vendors.STT.Provider, cfg, traceID)
}
