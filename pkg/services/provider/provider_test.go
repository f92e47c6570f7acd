package provider

import (
	"context"
	"testing"
	"time"
)

func fixedNow() time.Time {
	return time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC) // Monday
}

func TestListProvidersFiltersByInsurance(t *testing.T) {
	d := NewDirectoryAt(fixedNow)
	got, err := d.ListProviders(context.Background(), "checkup", "Kaiser Permanente")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, p := range got {
		if !acceptsInsurance(p, "Kaiser Permanente") {
			t.Fatalf("provider %s does not accept requested insurance", p.Name)
		}
	}
	if len(got) == 0 {
		t.Fatal("expected at least the all-major provider")
	}
}

func TestUrgentComplaintRanksUrgentCareFirst(t *testing.T) {
	d := NewDirectoryAt(fixedNow)
	got, err := d.ListProviders(context.Background(), "severe pain in my ankle", "Medicare")
	if err != nil || len(got) == 0 {
		t.Fatalf("list: %v %d", err, len(got))
	}
	if got[0].Specialty != "Urgent Care" {
		t.Fatalf("top provider specialty = %s, want Urgent Care", got[0].Specialty)
	}
}

func TestListSlotsSkipsWeekends(t *testing.T) {
	d := NewDirectoryAt(func() time.Time {
		return time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC) // Friday
	})
	slots, err := d.ListSlots(context.Background(), "prov-001")
	if err != nil {
		t.Fatalf("slots: %v", err)
	}
	if len(slots) == 0 {
		t.Fatal("no slots offered")
	}
	for _, s := range slots {
		if wd := s.Time.Weekday(); wd == time.Saturday || wd == time.Sunday {
			t.Fatalf("weekend slot offered: %s", s.Time)
		}
		if len(s.Keywords) == 0 || s.Display == "" {
			t.Fatalf("slot missing labels: %+v", s)
		}
	}
}

func TestSyntheticDefaultIsTomorrowTwoPM(t *testing.T) {
	s := SyntheticDefault(fixedNow())
	if s.Time.Day() != 11 || s.Time.Hour() != 14 {
		t.Fatalf("slot = %s", s.Time)
	}
	found := false
	for _, k := range s.Keywords {
		if k == "tomorrow" {
			found = true
		}
	}
	if !found {
		t.Fatalf("keywords = %v", s.Keywords)
	}
}
