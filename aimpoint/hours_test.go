package aimpoint

import (
	"math/rand"
	"testing"
	"time"
)

func at(h, m int) time.Time {
	return time.Date(2024, 1, 2, h, m, 0, 0, time.UTC)
}

func TestWindowEnd(t *testing.T) {
	var tests = []struct {
		hrs     []string
		now     time.Time
		inside  bool
		wantEnd time.Time
	}{
		{[]string{"0900-1700"}, at(10, 0), true, at(17, 0)},
		{[]string{"0900-1700"}, at(17, 0), false, time.Time{}},
		{[]string{"0900-1700"}, at(8, 59), false, time.Time{}},
		{[]string{"2200-0600"}, at(23, 0), true, at(6, 0).AddDate(0, 0, 1)},
		{[]string{"2200-0600"}, at(1, 0), true, at(6, 0)},
		{[]string{"2200-0600"}, at(12, 0), false, time.Time{}},
		{[]string{"0600-1000", "1200-2400"}, at(13, 0), true, at(0, 0).AddDate(0, 0, 1)},
		{[]string{"0600-1000", "1200-2400"}, at(11, 0), false, time.Time{}},
		{[]string{"0000-0000"}, at(11, 0), true, at(0, 0).AddDate(0, 0, 1)},
	}
	for _, test := range tests {
		a := &Aimpoint{Hours: &Hours{Hrs: test.hrs}}
		end, bounded, inside := a.WindowEnd(test.now)
		if inside != test.inside {
			t.Errorf("%v at %v: inside = %v, expected %v", test.hrs, test.now, inside, test.inside)
			continue
		}
		if inside && (!bounded || !end.Equal(test.wantEnd)) {
			t.Errorf("%v at %v: end = %v, expected %v", test.hrs, test.now, end, test.wantEnd)
		}
	}
}

func TestNoHoursIsUnbounded(t *testing.T) {
	a := &Aimpoint{}
	if !a.InHours(at(3, 0)) {
		t.Errorf("aimpoint without hours should always be in hours")
	}
	if _, bounded := a.HoursBreakPoint(at(3, 0), nil); bounded {
		t.Errorf("aimpoint without hours should have no break-point")
	}
}

func TestTimezone(t *testing.T) {
	a := &Aimpoint{Hours: &Hours{TZ: "Asia/Tokyo", Hrs: []string{"0900-1700"}}}
	// 01:00 UTC is 10:00 in Tokyo
	if !a.InHours(at(1, 0)) {
		t.Errorf("expected 01:00 UTC to be inside Tokyo working hours")
	}
	if a.InHours(at(10, 0)) {
		t.Errorf("expected 10:00 UTC to be outside Tokyo working hours")
	}
	end, _, _ := a.WindowEnd(at(1, 0))
	if !end.Equal(at(8, 0)) {
		t.Errorf("Received end %v, expected 08:00 UTC", end.UTC())
	}
}

func TestHoursBreakPointRandomised(t *testing.T) {
	a := &Aimpoint{Hours: &Hours{Hrs: []string{"0900-1700"}, Rndm: 20}}
	rnd := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		bp, bounded := a.HoursBreakPoint(at(10, 0), rnd)
		if !bounded {
			t.Fatal("expected a bounded break-point")
		}
		if bp.After(at(17, 0)) || bp.Before(at(16, 40)) {
			t.Errorf("break-point %v outside [16:40, 17:00]", bp)
		}
	}
	// outside the window the break-point is now
	bp, _ := a.HoursBreakPoint(at(18, 0), rnd)
	if !bp.Equal(at(18, 0)) {
		t.Errorf("Received %v, expected the start time", bp)
	}
}
