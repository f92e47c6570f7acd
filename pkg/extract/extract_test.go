package extract

import (
	"testing"
	"time"
)

func TestPhoneNormalization(t *testing.T) {
	want := "(555) 123-4567"
	for _, in := range []string{
		"555.123.4567",
		"(555) 123-4567",
		"5551234567",
		"1-555-123-4567",
		"my number is 555 123 4567",
	} {
		got, ok := Phone(in)
		if !ok {
			t.Fatalf("Phone(%q): no match", in)
		}
		if got != want {
			t.Fatalf("Phone(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPhoneRejects(t *testing.T) {
	for _, in := range []string{"", "12345", "123456789012", "call me"} {
		if got, ok := Phone(in); ok {
			t.Fatalf("Phone(%q) = %q, want no match", in, got)
		}
	}
}

func TestEmail(t *testing.T) {
	got, ok := Email("It's John.Doe+intake@Example.COM thanks")
	if !ok || got != "john.doe+intake@example.com" {
		t.Fatalf("Email = %q ok=%v", got, ok)
	}
	if _, ok := Email("no address here"); ok {
		t.Fatal("expected no match")
	}
}

func TestZip(t *testing.T) {
	cases := []struct {
		in, want string
		ok       bool
	}{
		{"62704", "62704", true},
		{"zip is 627041234 ok", "62704-1234", true},
		{"1234", "", false},
	}
	for _, c := range cases {
		got, ok := Zip(c.in)
		if ok != c.ok || got != c.want {
			t.Fatalf("Zip(%q) = %q,%v want %q,%v", c.in, got, ok, c.want, c.ok)
		}
	}
}

func TestMemberID(t *testing.T) {
	got, ok := MemberID("my member id is ABC123456")
	if !ok || got != "ABC123456" {
		t.Fatalf("MemberID = %q ok=%v", got, ok)
	}
	if _, ok := MemberID("yes"); ok {
		t.Fatal("expected short input rejected")
	}
}

func TestMemberIDLoose(t *testing.T) {
	got, ok := MemberIDLoose("uh it's W123")
	if !ok || got != "W123" {
		t.Fatalf("MemberIDLoose = %q ok=%v", got, ok)
	}
}

func TestNumberWord(t *testing.T) {
	cases := []struct {
		in   string
		want int
		ok   bool
	}{
		{"three", 3, true},
		{"the first one", 1, true},
		{"option 2 please", 2, true},
		{"none of those", 0, false},
	}
	for _, c := range cases {
		got, ok := NumberWord(c.in)
		if ok != c.ok || got != c.want {
			t.Fatalf("NumberWord(%q) = %d,%v want %d,%v", c.in, got, ok, c.want, c.ok)
		}
	}
}

func TestBareNumberWord(t *testing.T) {
	cases := []struct {
		in   string
		want int
		ok   bool
	}{
		{"two", 2, true},
		{"3", 3, true},
		{"number one", 1, true},
		{"option 2 please", 2, true},
		{"the first one", 1, true},
		{"number two works", 2, true},
		{"tomorrow at 2", 0, false},
		{"2 30", 0, false},
		{"none of those", 0, false},
	}
	for _, c := range cases {
		got, ok := BareNumberWord(c.in)
		if ok != c.ok || got != c.want {
			t.Fatalf("BareNumberWord(%q) = %d,%v want %d,%v", c.in, got, ok, c.want, c.ok)
		}
	}
}

func TestPainScale(t *testing.T) {
	if n, ok := PainScale("about a 7 out of 10"); !ok || n != 7 {
		t.Fatalf("got %d,%v", n, ok)
	}
	if n, ok := PainScale("it's a 10"); !ok || n != 10 {
		t.Fatalf("got %d,%v", n, ok)
	}
	if _, ok := PainScale("pretty bad"); ok {
		t.Fatal("expected no match")
	}
}

func TestAddressComponents(t *testing.T) {
	p := AddressComponents("742 Evergreen Terrace Springfield IL 62704")
	if p.Zip != "62704" {
		t.Fatalf("zip = %q", p.Zip)
	}
	if p.State != "IL" {
		t.Fatalf("state = %q", p.State)
	}
	if p.City != "Springfield" {
		t.Fatalf("city = %q", p.City)
	}
	if p.Street != "742 Evergreen Terrace" {
		t.Fatalf("street = %q", p.Street)
	}
}

func TestLooksLikeAddress(t *testing.T) {
	if !LooksLikeAddress("123 Main St") {
		t.Fatal("street keyword with digits should pass")
	}
	if !LooksLikeAddress("seven four two evergreen terrace") {
		t.Fatal("long reply should pass")
	}
	if LooksLikeAddress("yes") {
		t.Fatal("single word should fail")
	}
}

func TestResolveSpokenTimeTomorrowAtTwo(t *testing.T) {
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	slots := []time.Time{
		now.Add(2 * time.Hour),
		time.Date(2025, 3, 11, 14, 0, 0, 0, time.UTC),
		time.Date(2025, 3, 12, 10, 30, 0, 0, time.UTC),
	}
	idx, ok := ResolveSpokenTime("tomorrow at 2", slots, now)
	if !ok || idx != 1 {
		t.Fatalf("got %d,%v want 1", idx, ok)
	}
}

func TestResolveSpokenTimeAmbiguousMeridiem(t *testing.T) {
	now := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	slots := []time.Time{
		time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC),
	}
	// "2:30" with no am/pm should still land on the 14:30 slot.
	idx, ok := ResolveSpokenTime("2:30 works", slots, now)
	if !ok || idx != 0 {
		t.Fatalf("got %d,%v", idx, ok)
	}
}

func TestResolveSpokenTimeDayOnly(t *testing.T) {
	now := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC) // Monday
	slots := []time.Time{
		time.Date(2025, 3, 11, 9, 0, 0, 0, time.UTC),
		time.Date(2025, 3, 12, 9, 0, 0, 0, time.UTC),  // Wednesday
		time.Date(2025, 3, 12, 15, 0, 0, 0, time.UTC), // Wednesday
	}
	idx, ok := ResolveSpokenTime("wednesday please", slots, now)
	if !ok || idx != 1 {
		t.Fatalf("got %d,%v want 1", idx, ok)
	}
}

func TestResolveSpokenTimeNoSignal(t *testing.T) {
	now := time.Now()
	if _, ok := ResolveSpokenTime("whatever works", []time.Time{now}, now); ok {
		t.Fatal("expected no match")
	}
}
