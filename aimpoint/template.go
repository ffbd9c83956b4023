package aimpoint

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Vars are the values substituted into a naming template.
type Vars map[string]interface{}

// widths gives the zero padding of numeric placeholders.
var widths = map[string]int{
	"year":  4,
	"month": 2,
	"day":   2,
	"hour":  2,
	"mins":  2,
	"secs":  2,
}

// TimeVars returns the date placeholders for t, in UTC.
func TimeVars(t time.Time) Vars {
	t = t.UTC()
	return Vars{
		"year":  t.Year(),
		"month": int(t.Month()),
		"day":   t.Day(),
		"hour":  t.Hour(),
		"mins":  t.Minute(),
		"secs":  t.Second(),
		"epoch": t.Unix(),
	}
}

// With returns a copy of v with the extra values added.
func (v Vars) With(kv ...interface{}) Vars {
	out := make(Vars, len(v)+len(kv)/2)
	for k, x := range v {
		out[k] = x
	}
	for i := 0; i+1 < len(kv); i += 2 {
		out[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return out
}

// Render substitutes every {name} in tmpl found in vars. Integers are zero
// padded: year to 4 digits, month, day, hour, mins and secs to 2. Unknown
// placeholders are left as they are.
func Render(tmpl string, vars Vars) string {
	var b strings.Builder
	for {
		i := strings.IndexByte(tmpl, '{')
		if i < 0 {
			break
		}
		j := strings.IndexByte(tmpl[i:], '}')
		if j < 0 {
			break
		}
		name := tmpl[i+1 : i+j]
		b.WriteString(tmpl[:i])
		if v, ok := vars[name]; ok {
			b.WriteString(format(name, v))
		} else {
			b.WriteString(tmpl[i : i+j+1])
		}
		tmpl = tmpl[i+j+1:]
	}
	b.WriteString(tmpl)
	return b.String()
}

func format(name string, v interface{}) string {
	var n int64
	switch x := v.(type) {
	case int:
		n = int64(x)
	case int64:
		n = x
	case string:
		// numeric strings are padded too
		p, err := strconv.ParseInt(x, 10, 64)
		if err != nil || widths[name] == 0 {
			return x
		}
		n = p
	default:
		return fmt.Sprint(v)
	}
	if w := widths[name]; w > 0 {
		return fmt.Sprintf("%0*d", w, n)
	}
	return strconv.FormatInt(n, 10)
}

const (
	defaultFilenameBase = "{deviceID}"
	defaultSuffix       = "_{epoch}"
	defaultStillsPrefix = "stillsLz/{year}/{month}/{day}/{deviceID}/"
	defaultVideoPrefix  = "lz/{countryCode}/{domain}/{deviceID}/{year}/{month}/{day}/"
	defaultDelivery     = "up/{countryCode}/{domain}/{deviceID}/{year}/{month}/{day}/"
)

func (a *Aimpoint) vars(t time.Time) Vars {
	cc := a.CountryCode
	if cc == "" {
		cc = "XX"
	}
	return TimeVars(t).With("deviceID", a.DeviceID, "domain", a.Domain, "countryCode", cc)
}

// Base is the rendered filenameBase, the stem of every segment name.
func (a *Aimpoint) Base() string {
	tmpl := a.FilenameBase
	if tmpl == "" {
		tmpl = defaultFilenameBase
	}
	return Render(tmpl, Vars{"deviceID": a.DeviceID})
}

// Suffix is the rendered finalFileSuffix for a segment collected at t.
func (a *Aimpoint) Suffix(t time.Time) string {
	tmpl := a.FinalFileSuffix
	if tmpl == "" {
		tmpl = defaultSuffix
	}
	return Render(tmpl, TimeVars(t))
}

// LandingPrefix is the work bucket prefix raw segments collected at t go
// under. It always ends in '/'.
func (a *Aimpoint) LandingPrefix(t time.Time) string {
	tmpl := a.BucketPrefixTemplate
	if tmpl == "" {
		tmpl = defaultVideoPrefix
		if a.CollectionType.Family() == FamilyStills {
			tmpl = defaultStillsPrefix
		}
	}
	return slash(Render(tmpl, a.vars(t)))
}

// DeliveryPrefixes are the delivery bucket prefixes for output about time
// t, one per deliveryKey. Each ends in '/'.
func (a *Aimpoint) DeliveryPrefixes(t time.Time) []string {
	return a.deliveryPrefixes(a.DeliveryKey, t)
}

// AudioPrefixes are the delivery prefixes of the extracted audio track.
// They fall back to DeliveryPrefixes.
func (a *Aimpoint) AudioPrefixes(t time.Time) []string {
	if a.ExtractAudio != nil && len(a.ExtractAudio.DeliveryKey) > 0 {
		return a.deliveryPrefixes(a.ExtractAudio.DeliveryKey, t)
	}
	return a.DeliveryPrefixes(t)
}

func (a *Aimpoint) deliveryPrefixes(keys StringList, t time.Time) []string {
	if len(keys) == 0 {
		keys = StringList{defaultDelivery}
	}
	var result []string
	for _, k := range keys {
		result = append(result, slash(Render(k, a.vars(t))))
	}
	return result
}

func slash(p string) string {
	if p == "" || strings.HasSuffix(p, "/") {
		return p
	}
	return p + "/"
}
