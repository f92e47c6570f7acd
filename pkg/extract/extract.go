// Package extract holds the pure text-parsing helpers used by the intake
// phase handlers. Every function is deterministic, does no I/O, and reports
// "no match" through its boolean return instead of an error.
package extract

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	digitsRe   = regexp.MustCompile(`\d`)
	digitRunRe = regexp.MustCompile(`\d+`)
	emailRe    = regexp.MustCompile(`(?i)\b[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}\b`)
	zipRe      = regexp.MustCompile(`\b(\d{5})(\d{4})?\b`)
	memberIDRe = regexp.MustCompile(`\b[A-Z0-9][A-Z0-9\-]{3,}\b`)
)

// Phone normalizes a spoken or typed phone number to "(XXX) XXX-XXXX".
// Accepts exactly 10 digits, or 11 digits with a leading country code 1.
func Phone(text string) (string, bool) {
	var b strings.Builder
	for _, r := range text {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	d := b.String()
	if len(d) == 11 && d[0] == '1' {
		d = d[1:]
	}
	if len(d) != 10 {
		return "", false
	}
	return fmt.Sprintf("(%s) %s-%s", d[:3], d[3:6], d[6:]), true
}

// Digits returns every decimal digit in text, in order.
func Digits(text string) string {
	runs := digitRunRe.FindAllString(text, -1)
	return strings.Join(runs, "")
}

// Email finds the first email address in text and lower-cases it.
func Email(text string) (string, bool) {
	m := emailRe.FindString(text)
	if m == "" {
		return "", false
	}
	return strings.ToLower(m), true
}

// Zip finds the first 5-digit or 9-digit ZIP in text. ZIP+4 values are
// returned hyphenated.
func Zip(text string) (string, bool) {
	m := zipRe.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	if m[2] != "" {
		return m[1] + "-" + m[2], true
	}
	return m[1], true
}

var memberIDFiller = []string{"IT'S", "IT IS", "MEMBER", "NUMBER", "ID", "IS", "MY", "THE"}

// MemberID pulls an insurance member ID out of free-form speech. Filler
// words are stripped first; the remaining alphanumeric run (hyphen allowed)
// must be at least 5 characters long.
func MemberID(text string) (string, bool) {
	up := strings.ToUpper(text)
	for _, w := range memberIDFiller {
		up = strings.ReplaceAll(up, w, " ")
	}
	var b strings.Builder
	for _, r := range up {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		}
	}
	id := strings.Trim(b.String(), "-")
	if len(id) < 5 {
		return "", false
	}
	return id, true
}

// MemberIDLoose is the fallback ladder for member IDs: any alphanumeric
// token of at least four characters after filler removal.
func MemberIDLoose(text string) (string, bool) {
	up := strings.ToUpper(text)
	for _, w := range memberIDFiller {
		up = strings.ReplaceAll(up, w, " ")
	}
	m := memberIDRe.FindString(up)
	if m == "" {
		return "", false
	}
	return m, true
}

var numberWords = map[string]int{
	"one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
	"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10,
	"first": 1, "second": 2, "third": 3, "fourth": 4, "fifth": 5,
	"sixth": 6, "seventh": 7, "eighth": 8, "ninth": 9, "tenth": 10,
}

// NumberWord resolves a spoken cardinal or ordinal ("three", "first") or
// the first digit run in text to an integer.
func NumberWord(text string) (int, bool) {
	low := strings.ToLower(text)
	for _, tok := range strings.FieldsFunc(low, func(r rune) bool {
		return !(r >= 'a' && r <= 'z')
	}) {
		if n, ok := numberWords[tok]; ok {
			return n, true
		}
	}
	if run := digitRunRe.FindString(text); run != "" {
		n := 0
		for _, r := range run {
			n = n*10 + int(r-'0')
			if n > 1000 {
				break
			}
		}
		return n, true
	}
	return 0, false
}

var bareNumberFiller = map[string]bool{
	"number": true, "option": true, "the": true, "please": true,
	"um": true, "uh": true, "works": true, "sounds": true,
	"good": true, "fine": true, "that": true, "yes": true,
	"yeah": true, "okay": true, "ok": true,
}

// BareNumberWord resolves an utterance that is nothing but a choice
// index plus filler, such as "two", "3", or "number one works". Text
// that merely contains a digit somewhere, like "tomorrow at 2", does
// not match.
func BareNumberWord(text string) (int, bool) {
	toks := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'))
	})
	n, seen := 0, false
	for _, tok := range toks {
		if bareNumberFiller[tok] {
			continue
		}
		if tok == "one" && seen {
			// trailing noun, as in "the first one"
			continue
		}
		v, ok := numberWords[tok]
		if !ok {
			v, ok = digitToken(tok)
		}
		if !ok || seen {
			return 0, false
		}
		n, seen = v, true
	}
	return n, seen
}

func digitToken(tok string) (int, bool) {
	if tok == "" {
		return 0, false
	}
	n := 0
	for _, r := range tok {
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + int(r-'0')
		if n > 1000 {
			return 0, false
		}
	}
	return n, true
}

var painRe = regexp.MustCompile(`\b(10|[1-9])\b`)

// PainScale finds a 1..10 pain rating in text.
func PainScale(text string) (int, bool) {
	m := painRe.FindString(text)
	if m == "" {
		return 0, false
	}
	if m == "10" {
		return 10, true
	}
	return int(m[0] - '0'), true
}

// HasDigits reports whether text contains at least one decimal digit.
func HasDigits(text string) bool {
	return digitsRe.MatchString(text)
}
