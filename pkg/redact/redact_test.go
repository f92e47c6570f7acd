package redact

import (
	"strings"
	"testing"
)

func TestRedactDisabled(t *testing.T) {
	SetEnabled(false)
	in := "email a@b.com and phone +1 312 555 0199"
	if got := Text(in); got != in {
		t.Fatalf("expected no redaction, got %q", got)
	}
}

func TestRedactEnabled(t *testing.T) {
	SetEnabled(true)
	in := "email a@b.com and phone +1 312 555 0199"
	got := Text(in)
	if got == in {
		t.Fatalf("expected redaction")
	}
	if want := "[REDACTED_EMAIL]"; !strings.Contains(got, want) {
		t.Fatalf("expected %q in output", want)
	}
	if want := "[REDACTED_PHONE]"; !strings.Contains(got, want) {
		t.Fatalf("expected %q in output", want)
	}
}

func TestRedactIntakeIdentifiers(t *testing.T) {
	SetEnabled(true)
	got := Text("member id ABC123456, born 03/14/1985")
	if !strings.Contains(got, "[REDACTED_MEMBER_ID]") {
		t.Fatalf("member id survived: %q", got)
	}
	if !strings.Contains(got, "[REDACTED_DOB]") {
		t.Fatalf("dob survived: %q", got)
	}
}
