package frames

// Meta keys shared across processors and transports. Values are always
// strings; booleans are encoded as "true"/"false".
const (
	MetaStreamID   = "stream_id"
	MetaCallSID    = "call_sid"
	MetaTraceID    = "trace_id"
	MetaIsFinal    = "is_final"
	MetaSource     = "source"
	MetaConfidence = "confidence"
	MetaReason     = "reason"
	MetaFromNumber = "from_number"
	MetaLanguage   = "language"

	MetaEncoding = "encoding"
	MetaCodec    = "codec"
	MetaFormat   = "format"

	MetaDTMFDigit     = "dtmf_digit"
	MetaDTMFPriority  = "dtmf_priority"
	MetaCallEndReason = "call_end_reason"
	MetaOldStreamID   = "old_stream_id"

	MetaGreetingText      = "greeting_text"
	MetaRepromptAttempt   = "reprompt_attempt"
	MetaTTSFlush          = "tts_flush"
	MetaPhase             = "phase"
	MetaNormalized        = "normalized"
	MetaRecoveryReason    = "recovery_reason"
	MetaShortTurnEnforced = "short_turn_enforced"

	// Set on frames the engine feeds back from the pipeline tail into its
	// head, so they are looped at most once.
	MetaLoopback = "loopback"
)

// Transcript source labels carried under MetaSource.
const (
	SourcePrimary = "primary"
	SourceDirect  = "direct"
)
