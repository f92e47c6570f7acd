// Package provider supplies the scheduling collaborators: a ranked
// provider lookup and per-provider appointment slots. The directory data
// is an in-process roster; ranking and slot synthesis mirror what a real
// scheduling backend would return.
package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Provider is one schedulable clinician.
type Provider struct {
	ID        string
	Name      string
	Specialty string
	Insurance []string
	Rating    float64
}

// Slot is one offered appointment time. Keywords are matched against the
// caller's phrasing when resolving a choice.
type Slot struct {
	Time     time.Time
	Display  string
	Keywords []string
}

// Lookup is the collaborator contract the scheduling handler consumes.
type Lookup interface {
	ListProviders(ctx context.Context, complaint, insurance string) ([]Provider, error)
	ListSlots(ctx context.Context, providerID string) ([]Slot, error)
	Book(ctx context.Context, providerID string, at time.Time) (string, error)
}

// Directory is the in-process Lookup backed by a fixed roster.
type Directory struct {
	roster []Provider
	now    func() time.Time
}

func NewDirectory() *Directory {
	return &Directory{roster: defaultRoster, now: time.Now}
}

// NewDirectoryAt pins the clock, for tests.
func NewDirectoryAt(now func() time.Time) *Directory {
	return &Directory{roster: defaultRoster, now: now}
}

var defaultRoster = []Provider{
	{ID: "prov-001", Name: "Sarah Smith", Specialty: "Family Medicine", Insurance: []string{"Blue Cross Blue Shield", "Aetna", "United Healthcare", "Medicare"}, Rating: 4.8},
	{ID: "prov-002", Name: "Michael Johnson", Specialty: "Internal Medicine", Insurance: []string{"Cigna", "Aetna", "Humana"}, Rating: 4.6},
	{ID: "prov-003", Name: "Priya Patel", Specialty: "Family Medicine", Insurance: []string{"all major"}, Rating: 4.9},
	{ID: "prov-004", Name: "Carlos Garcia", Specialty: "Urgent Care", Insurance: []string{"Blue Cross Blue Shield", "Medicaid", "Medicare"}, Rating: 4.5},
	{ID: "prov-005", Name: "Jennifer Wong", Specialty: "Internal Medicine", Insurance: []string{"United Healthcare", "Kaiser Permanente"}, Rating: 4.7},
}

var urgentComplaints = []string{"pain", "injury", "urgent", "fever", "infection"}
var chronicComplaints = []string{"diabetes", "blood pressure", "chronic", "ongoing", "management"}

// ListProviders ranks the roster for a complaint and insurance. Exact
// score values are not load-bearing; only the relative order matters.
func (d *Directory) ListProviders(_ context.Context, complaint, insurance string) ([]Provider, error) {
	low := strings.ToLower(complaint)
	type scored struct {
		p Provider
		s float64
	}
	var out []scored
	for _, p := range d.roster {
		if !acceptsInsurance(p, insurance) {
			continue
		}
		score := p.Rating
		if containsAny(low, urgentComplaints) {
			switch p.Specialty {
			case "Urgent Care":
				score += 2
			case "Family Medicine":
				score += 1
			}
		}
		if containsAny(low, chronicComplaints) {
			switch p.Specialty {
			case "Internal Medicine":
				score += 1.5
			case "Family Medicine":
				score += 1
			}
		}
		if low == "" || isRoutine(low) {
			if p.Specialty == "Family Medicine" {
				score += 1.5
			}
		}
		out = append(out, scored{p, score})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].s > out[j].s })
	ranked := make([]Provider, 0, len(out))
	for i, sc := range out {
		if i == 5 {
			break
		}
		ranked = append(ranked, sc.p)
	}
	return ranked, nil
}

func isRoutine(low string) bool {
	return containsAny(low, []string{"checkup", "check up", "physical", "routine", "annual"})
}

func acceptsInsurance(p Provider, insurance string) bool {
	if insurance == "" {
		return true
	}
	low := strings.ToLower(insurance)
	for _, accepted := range p.Insurance {
		al := strings.ToLower(accepted)
		if al == "all major" || strings.Contains(al, low) || strings.Contains(low, al) {
			return true
		}
	}
	return false
}

func containsAny(text string, words []string) bool {
	for _, w := range words {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}

// ListSlots offers times over the next week, weekdays only, mornings and
// afternoons. The pattern is deterministic per provider so repeated calls
// within one conversation agree.
func (d *Directory) ListSlots(_ context.Context, providerID string) ([]Slot, error) {
	now := d.now()
	seed := 0
	for _, r := range providerID {
		seed += int(r)
	}
	var slots []Slot
	for day := 1; day <= 7 && len(slots) < 8; day++ {
		date := now.AddDate(0, 0, day)
		if wd := date.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		for _, hm := range [][2]int{{9, 0}, {10, 30}, {14, 0}, {15, 30}} {
			if (seed+day+hm[0])%3 == 0 {
				continue
			}
			at := time.Date(date.Year(), date.Month(), date.Day(), hm[0], hm[1], 0, 0, now.Location())
			slots = append(slots, makeSlot(at, now))
			if len(slots) == 8 {
				break
			}
		}
	}
	return slots, nil
}

// SyntheticDefault is the guaranteed fallback slot: tomorrow at 2pm.
func SyntheticDefault(now time.Time) Slot {
	at := time.Date(now.Year(), now.Month(), now.Day(), 14, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
	s := makeSlot(at, now)
	s.Keywords = append(s.Keywords, "2 pm")
	return s
}

// DefaultProvider is the fallback when the lookup returns nothing.
func DefaultProvider() Provider {
	return Provider{ID: "default-1", Name: "Sarah Smith", Specialty: "Primary Care"}
}

func makeSlot(at, now time.Time) Slot {
	dayWord := dayLabel(at, now)
	clock := clockLabel(at)
	display := fmt.Sprintf("%s at %s", dayWord, clock)
	if dayWord != "today" && dayWord != "tomorrow" {
		display = fmt.Sprintf("%s, %s %d at %s", at.Weekday(), at.Month(), at.Day(), clock)
	}
	part := "morning"
	if at.Hour() >= 12 {
		part = "afternoon"
	}
	return Slot{
		Time:    at,
		Display: display,
		Keywords: []string{
			dayWord,
			strings.ToLower(at.Weekday().String()),
			part,
		},
	}
}

func dayLabel(at, now time.Time) string {
	ny, nm, nd := now.Date()
	ay, am, ad := at.Date()
	switch {
	case ny == ay && nm == am && nd == ad:
		return "today"
	case at.AddDate(0, 0, -1).Year() == ny && at.AddDate(0, 0, -1).Month() == nm && at.AddDate(0, 0, -1).Day() == nd:
		return "tomorrow"
	default:
		return strings.ToLower(at.Weekday().String())
	}
}

func clockLabel(at time.Time) string {
	h := at.Hour()
	mer := "AM"
	if h >= 12 {
		mer = "PM"
		if h > 12 {
			h -= 12
		}
	}
	if h == 0 {
		h = 12
	}
	return fmt.Sprintf("%d:%02d %s", h, at.Minute(), mer)
}

// Book confirms an appointment and returns a confirmation code.
func (d *Directory) Book(_ context.Context, providerID string, at time.Time) (string, error) {
	return fmt.Sprintf("APT%d", at.Unix()), nil
}
