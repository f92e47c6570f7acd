package metrics

// Event names recorded by the pipeline and controller.
const (
	EventBreakerOpen   = "breaker_open"
	EventBreakerClose  = "breaker_close"
	EventBreakerDenied = "breaker_denied"
	EventRateLimit     = "rate_limit"

	EventTranscriptFinal   = "transcript_final"
	EventTranscriptInterim = "transcript_interim"
	EventTranscriptDropped = "transcript_dropped"
	EventPhaseTransition   = "phase_transition"
	EventTurnLatency       = "turn_latency_ms"
	EventResponseEmitted   = "response_emitted"
	EventKeepaliveSent     = "keepalive_sent"
	EventCallStarted       = "call_started"
	EventCallEnded         = "call_ended"
	EventNotifyDispatched  = "notify_dispatched"
)
