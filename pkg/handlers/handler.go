// Package handlers implements the intake phase logic. Each handler owns
// the sub-step cursor for one logical workflow, consumes one caller
// utterance at a time, mutates the session through the state store, and
// returns the next prompt. An empty prompt means the handler chose to
// stay quiet for the turn.
package handlers

import (
	"context"
	"strings"

	"github.com/careline/careline/pkg/state"
)

// Handler is the per-workflow contract the conversation controller
// routes utterances through. Implementations are per-call and never
// shared between calls.
type Handler interface {
	ProcessInput(ctx context.Context, userText string, session *state.CallSession) (string, error)
}

// PhaseOpener is implemented by handlers that speak first when their
// phase begins, before the caller says anything. The controller appends
// the opener text to the previous handler's final prompt.
type PhaseOpener interface {
	Open(ctx context.Context, session *state.CallSession) (string, error)
}

// Prompts spoken by the agent. Phase handlers and the controller share
// these so repetition tracking sees identical strings.
const (
	PromptInsurance = "To get started, could you please tell me your insurance provider name and your member ID number?"

	PromptChiefComplaint = "Thank you! Now, what brings you in today? Please describe your main concern or symptoms."

	PromptNotUnderstood = "I'm sorry, I didn't quite catch that. Could you please repeat it?"

	PromptInsuranceEscalation = "Let me help you with your insurance information. You can say something like, my insurance is Blue Cross and my member ID is A B C one two three."

	PromptGenericEscalation = "I want to make sure I get this right. Please take your time and share the information when you're ready."
)

// nonAnswers are replies that carry no usable content on their own.
var nonAnswers = map[string]bool{
	"yes": true, "no": true, "ok": true, "okay": true, "sure": true,
	"what": true, "huh": true, "um": true, "uh": true, "hmm": true,
	"yeah": true, "nope": true,
}

// metaPhrases are conversational complaints about the agent itself,
// never intake data.
var metaPhrases = []string{
	"you were supposed",
	"why did you",
	"stop speaking",
	"can you hear",
	"hello?",
	"are you there",
	"did you stop",
}

var fillerWords = map[string]bool{
	"um": true, "uh": true, "like": true, "so": true, "well": true,
	"the": true, "a": true, "an": true, "my": true, "is": true, "it's": true,
}

// isNonAnswer is true when every word is an acknowledgment or filler, so
// the utterance carries no usable content.
func isNonAnswer(text string) bool {
	words := strings.Fields(strings.ToLower(text))
	if len(words) == 0 {
		return true
	}
	for _, w := range words {
		w = strings.Trim(w, ".,!?")
		if !nonAnswers[w] && !fillerWords[w] {
			return false
		}
	}
	return true
}

func isMetaPhrase(text string) bool {
	low := strings.ToLower(text)
	for _, p := range metaPhrases {
		if strings.Contains(low, p) {
			return true
		}
	}
	return false
}

func stripFiller(text string) string {
	words := strings.Fields(strings.ToLower(text))
	kept := words[:0]
	for _, w := range words {
		if !fillerWords[strings.Trim(w, ".,!?")] {
			kept = append(kept, w)
		}
	}
	return strings.Join(kept, " ")
}

func isAllDigits(text string) bool {
	t := strings.TrimSpace(text)
	if t == "" {
		return false
	}
	for _, r := range t {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
