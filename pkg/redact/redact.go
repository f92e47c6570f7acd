package redact

import (
	"regexp"
	"strings"
	"sync/atomic"
)

var enabled atomic.Bool

var (
	emailRe = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)
	phoneRe = regexp.MustCompile(`\b\+?\d[\d\s\-]{7,}\d\b`)
	// Dates of birth as typed or transcribed, e.g. "03/14/1985" or "3-14-85".
	dobRe = regexp.MustCompile(`\b\d{1,2}[/\-]\d{1,2}[/\-]\d{2,4}\b`)
	// Insurance member IDs, e.g. "ABC123456".
	memberIDRe = regexp.MustCompile(`\b[A-Z]{2,4}\d{5,12}\b`)
)

// SetEnabled toggles PHI redaction for logged transcript text.
func SetEnabled(v bool) {
	enabled.Store(v)
}

// Enabled returns true when redaction is active.
func Enabled() bool {
	return enabled.Load()
}

// Text redacts emails, phone numbers, dates of birth, and member IDs when
// enabled. Only log output goes through here; stored session state keeps
// the raw values.
func Text(in string) string {
	if !enabled.Load() || strings.TrimSpace(in) == "" {
		return in
	}
	out := emailRe.ReplaceAllString(in, "[REDACTED_EMAIL]")
	out = phoneRe.ReplaceAllString(out, "[REDACTED_PHONE]")
	out = dobRe.ReplaceAllString(out, "[REDACTED_DOB]")
	out = memberIDRe.ReplaceAllString(out, "[REDACTED_MEMBER_ID]")
	return out
}
