package extract

import (
	"regexp"
	"strings"
	"time"
)

var clockRe = regexp.MustCompile(`(?i)\b(\d{1,2})(?::(\d{2}))?\s*(a\.?m\.?|p\.?m\.?)?\b`)

var weekdayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// ResolveSpokenTime matches a spoken day or clock phrase ("tomorrow at 2",
// "10:30 am", "friday") against candidate slot times and returns the index
// of the closest one. When AM/PM is not said, both readings are tried and
// the one nearest any candidate wins. Slots on an explicitly named day are
// preferred over closer slots on other days.
func ResolveSpokenTime(text string, slots []time.Time, now time.Time) (int, bool) {
	if len(slots) == 0 {
		return 0, false
	}
	low := strings.ToLower(text)

	day, hasDay := spokenDay(low, now)
	clocks := spokenClocks(low)

	if !hasDay && len(clocks) == 0 {
		return 0, false
	}

	pool := make([]int, 0, len(slots))
	if hasDay {
		for i, s := range slots {
			if sameDate(s, day) {
				pool = append(pool, i)
			}
		}
	}
	if len(pool) == 0 {
		for i := range slots {
			pool = append(pool, i)
		}
	}

	if len(clocks) == 0 {
		// Day only: earliest slot on that day.
		best := pool[0]
		for _, i := range pool[1:] {
			if slots[i].Before(slots[best]) {
				best = i
			}
		}
		return best, true
	}

	base := now
	if hasDay {
		base = day
	}
	bestIdx, bestDelta := -1, time.Duration(0)
	for _, i := range pool {
		for _, c := range clocks {
			target := time.Date(base.Year(), base.Month(), base.Day(), c.hour, c.min, 0, 0, slots[i].Location())
			d := slots[i].Sub(target)
			if d < 0 {
				d = -d
			}
			if bestIdx < 0 || d < bestDelta {
				bestIdx, bestDelta = i, d
			}
		}
	}
	if bestIdx < 0 {
		return 0, false
	}
	return bestIdx, true
}

type clock struct {
	hour, min int
}

var atHourRe = regexp.MustCompile(`\bat\s+(\d{1,2})\b`)

// spokenClocks returns every plausible 24h reading of clock phrases in
// text. Ambiguous hours yield both the AM and PM interpretation.
func spokenClocks(low string) []clock {
	atHours := map[int]bool{}
	for _, m := range atHourRe.FindAllStringSubmatch(low, -1) {
		atHours[atoiSafe(m[1])] = true
	}
	var out []clock
	for _, m := range clockRe.FindAllStringSubmatch(low, -1) {
		h := atoiSafe(m[1])
		if h < 1 || h > 23 {
			continue
		}
		min := 0
		if m[2] != "" {
			min = atoiSafe(m[2])
			if min > 59 {
				continue
			}
		}
		mer := strings.ReplaceAll(m[3], ".", "")
		switch mer {
		case "am":
			if h == 12 {
				h = 0
			}
			out = append(out, clock{h, min})
		case "pm":
			if h < 12 {
				h += 12
			}
			out = append(out, clock{h, min})
		default:
			// Bare single digits are more likely option numbers than
			// times, unless the caller said "at N".
			if m[2] == "" && h < 6 && !atHours[h] {
				continue
			}
			out = append(out, clock{h, min})
			if h < 12 {
				out = append(out, clock{h + 12, min})
			}
		}
	}
	return out
}

func spokenDay(low string, now time.Time) (time.Time, bool) {
	if strings.Contains(low, "today") {
		return now, true
	}
	if strings.Contains(low, "tomorrow") {
		return now.AddDate(0, 0, 1), true
	}
	for name, wd := range weekdayNames {
		if strings.Contains(low, name) {
			d := now
			for i := 0; i < 7; i++ {
				d = d.AddDate(0, 0, 1)
				if d.Weekday() == wd {
					return d, true
				}
			}
		}
	}
	return time.Time{}, false
}

func sameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func atoiSafe(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return -1
		}
		n = n*10 + int(r-'0')
	}
	return n
}
