package aimpoint

import (
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// window is one working-hours range in minutes of the local day. end may be
// less than start when the window crosses midnight.
type window struct {
	start, end int
}

func parseHHMM(s string) (int, error) {
	if len(s) != 4 {
		return 0, errors.Errorf("bad time %q, expected HHMM", s)
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.Errorf("bad time %q, expected HHMM", s)
	}
	h, m := n/100, n%100
	if h > 24 || m > 59 || (h == 24 && m != 0) {
		return 0, errors.Errorf("bad time %q", s)
	}
	return h*60 + m, nil
}

func (h *Hours) windows() ([]window, error) {
	var result []window
	for _, r := range h.Hrs {
		parts := strings.Split(strings.TrimSpace(r), "-")
		if len(parts) != 2 {
			return nil, errors.Errorf("bad hours range %q, expected HHMM-HHMM", r)
		}
		start, err := parseHHMM(parts[0])
		if err != nil {
			return nil, err
		}
		end, err := parseHHMM(parts[1])
		if err != nil {
			return nil, err
		}
		result = append(result, window{start, end})
	}
	if h.Rndm < 0 || h.Rndm > 59 {
		return nil, errors.Errorf("hours.rndm %d outside [0,59]", h.Rndm)
	}
	if _, err := h.location(); err != nil {
		return nil, err
	}
	return result, nil
}

func (h *Hours) location() (*time.Location, error) {
	if h.TZ == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(h.TZ)
}

// endAt returns the end of the window w containing local time t, if any.
func (w window) endAt(t time.Time) (time.Time, bool) {
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	m := t.Hour()*60 + t.Minute()
	at := func(d time.Time, minutes int) time.Time {
		return d.Add(time.Duration(minutes) * time.Minute)
	}
	switch {
	case w.start == w.end:
		// the whole day
		return at(day, 24*60), true
	case w.start < w.end:
		if m >= w.start && m < w.end {
			return at(day, w.end), true
		}
	default:
		if m >= w.start {
			return at(day.AddDate(0, 0, 1), w.end), true
		}
		if m < w.end {
			return at(day, w.end), true
		}
	}
	return time.Time{}, false
}

// WindowEnd returns the end of the working-hours window containing t. An
// aimpoint without hours is always inside an unbounded window and returns
// false for bounded. inside is false if t is outside every window.
func (a *Aimpoint) WindowEnd(t time.Time) (end time.Time, bounded, inside bool) {
	if a.Hours == nil || len(a.Hours.Hrs) == 0 {
		return time.Time{}, false, true
	}
	ws, err := a.Hours.windows()
	if err != nil {
		// Validate rejects these; treat as unrestricted
		return time.Time{}, false, true
	}
	loc, _ := a.Hours.location()
	local := t.In(loc)
	for _, w := range ws {
		if e, ok := w.endAt(local); ok {
			if !bounded || e.After(end) {
				end = e
			}
			bounded, inside = true, true
		}
	}
	return end, bounded, inside
}

// InHours reports whether t is inside the aimpoint's working hours.
func (a *Aimpoint) InHours(t time.Time) bool {
	_, _, inside := a.WindowEnd(t)
	return inside
}

// HoursBreakPoint returns when a collector started at t must stop because
// its working-hours window closes: the window end less a random 0 to rndm
// minutes. bounded is false when there is no such limit.
func (a *Aimpoint) HoursBreakPoint(t time.Time, rnd *rand.Rand) (bp time.Time, bounded bool) {
	end, bounded, inside := a.WindowEnd(t)
	if !inside {
		return t, true
	}
	if !bounded {
		return time.Time{}, false
	}
	if a.Hours.Rndm > 0 {
		var n int
		if rnd != nil {
			n = rnd.Intn(a.Hours.Rndm + 1)
		} else {
			n = rand.Intn(a.Hours.Rndm + 1)
		}
		end = end.Add(-time.Duration(n) * time.Minute)
	}
	return end, true
}
