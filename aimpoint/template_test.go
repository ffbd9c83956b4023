package aimpoint

import (
	"testing"
	"time"
)

func TestRender(t *testing.T) {
	ts := time.Date(2024, 3, 9, 7, 5, 2, 0, time.UTC)
	var tests = []struct {
		tmpl string
		vars Vars
		want string
	}{
		{"{year}/{month}/{day}", TimeVars(ts), "2024/03/09"},
		{"_{hour}{mins}{secs}", TimeVars(ts), "_070502"},
		{"_{epoch}", TimeVars(ts), "_1709967902"},
		{"{deviceID}-{unknown}", Vars{"deviceID": "cam"}, "cam-{unknown}"},
		{"{year}", Vars{"year": 24}, "0024"},
		{"{month}", Vars{"month": "3"}, "03"},
		{"no placeholders", nil, "no placeholders"},
		{"open {brace", Vars{}, "open {brace"},
	}
	for _, test := range tests {
		got := Render(test.tmpl, test.vars)
		if got != test.want {
			t.Errorf("Render(%q) = %q, expected %q", test.tmpl, got, test.want)
		}
	}
}

func TestPrefixes(t *testing.T) {
	ts := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)
	video := &Aimpoint{DeviceID: "cam", CollectionType: M3U, Domain: "site", CountryCode: "FR"}
	if got := video.LandingPrefix(ts); got != "lz/FR/site/cam/2024/01/02/" {
		t.Errorf("Received %q", got)
	}
	if got := video.DeliveryPrefixes(ts); len(got) != 1 || got[0] != "up/FR/site/cam/2024/01/02/" {
		t.Errorf("Received %q", got)
	}
	stills := &Aimpoint{DeviceID: "cam", CollectionType: STILLS, Domain: "site"}
	if got := stills.LandingPrefix(ts); got != "stillsLz/2024/01/02/cam/" {
		t.Errorf("Received %q", got)
	}
	custom := &Aimpoint{DeviceID: "cam", CollectionType: M3U, BucketPrefixTemplate: "raw/{deviceID}/{year}{month}{day}",
		DeliveryKey: StringList{"a/{deviceID}", "b/"}}
	if got := custom.LandingPrefix(ts); got != "raw/cam/20240102/" {
		t.Errorf("Received %q", got)
	}
	if got := custom.DeliveryPrefixes(ts); len(got) != 2 || got[0] != "a/cam/" || got[1] != "b/" {
		t.Errorf("Received %q", got)
	}
	audio := &Aimpoint{DeviceID: "cam", ExtractAudio: &ExtractAudio{Enabled: true, DeliveryKey: StringList{"audio/{deviceID}/"}}}
	if got := audio.AudioPrefixes(ts); len(got) != 1 || got[0] != "audio/cam/" {
		t.Errorf("Received %q", got)
	}
}

func TestBaseAndSuffix(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	a := &Aimpoint{DeviceID: "cam", FilenameBase: "site_{deviceID}"}
	if a.Base() != "site_cam" {
		t.Errorf("Received %q", a.Base())
	}
	if a.Suffix(ts) != "_1700000000" {
		t.Errorf("Received %q", a.Suffix(ts))
	}
	a.FinalFileSuffix = "_{year}{month}{day}{hour}{mins}{secs}"
	if a.Suffix(ts) != "_20231114221320" {
		t.Errorf("Received %q", a.Suffix(ts))
	}
}
