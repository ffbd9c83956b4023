// Package aimpoint describes one harvesting target. An aimpoint is a JSON
// document written into the work bucket by an external generator and read,
// never modified, by every other component.
package aimpoint

import (
	"encoding/json"
	"strings"

	"github.com/hpatrol/hpatrol"
)

// CollectionType selects the collector code path for an aimpoint.
type CollectionType string

// The collection types. The video types differ only in how the playlist
// URL is resolved.
const (
	M3U          CollectionType = "M3U"
	IVIDEO       CollectionType = "IVIDEO"
	UFANET       CollectionType = "UFANET"
	RTSPME       CollectionType = "RTSPME"
	IPLIVE       CollectionType = "IPLIVE"
	HNGCLD       CollectionType = "HNGCLD"
	YOUTUB       CollectionType = "YOUTUB"
	GNDONG       CollectionType = "GNDONG"
	BAZNET       CollectionType = "BAZNET"
	OPTION       CollectionType = "OPTION"
	FIRSTCONTACT CollectionType = "FIRSTCONTACT"
	YTFILE       CollectionType = "YTFILE"
	STILLS       CollectionType = "STILLS"
	FSTLLS       CollectionType = "FSTLLS"
	ISTLLS       CollectionType = "ISTLLS"
	IMAGEINJSON  CollectionType = "IMAGEINJSON"
	STREAM       CollectionType = "STREAM"
	PLAYWRIGHT   CollectionType = "PLAYWRIGHT"
)

// Family groups collection types sharing a collector.
type Family int

// The collector families.
const (
	FamilyUnknown Family = iota
	FamilyVideo
	FamilyStills
	FamilyYouTubeFile
	FamilyStream
	FamilyPlaywright
)

var families = map[CollectionType]Family{
	M3U: FamilyVideo, IVIDEO: FamilyVideo, UFANET: FamilyVideo, RTSPME: FamilyVideo,
	IPLIVE: FamilyVideo, HNGCLD: FamilyVideo, YOUTUB: FamilyVideo, GNDONG: FamilyVideo,
	BAZNET: FamilyVideo, OPTION: FamilyVideo, FIRSTCONTACT: FamilyVideo,
	YTFILE:      FamilyYouTubeFile,
	STILLS:      FamilyStills,
	FSTLLS:      FamilyStills,
	ISTLLS:      FamilyStills,
	IMAGEINJSON: FamilyStills,
	STREAM:      FamilyStream,
	PLAYWRIGHT:  FamilyPlaywright,
}

// Family returns the collector family of c.
func (c CollectionType) Family() Family { return families[c] }

// Valid reports whether c is a known collection type.
func (c CollectionType) Valid() bool { return c.Family() != FamilyUnknown }

// Dedup modes for the transcoder.
const (
	DedupNone       = "none"
	DedupHash       = "ffmpegHash"
	DedupFrameHash  = "ffmpegFrameHash"
	defaultInterval = 15
	defaultBuffer   = 10
	maxBuffer       = 30
)

// AllowedIntervals are the transcoder intervals, in minutes. Each divides an
// hour.
var AllowedIntervals = []int{1, 2, 3, 4, 5, 6, 10, 12, 15, 20, 30, 60}

// StringList is a list of strings which may be written in JSON as a single
// string.
type StringList []string

// UnmarshalJSON implements json.Unmarshaler.
func (s *StringList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		if one == "" {
			*s = nil
		} else {
			*s = StringList{one}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// Hours is a working-hours window.
type Hours struct {
	TZ   string   `json:"tz,omitempty"`
	Hrs  []string `json:"hrs"`
	Rndm int      `json:"rndm,omitempty"`
}

// TranscodeOptions are extra ffmpeg flags, without the leading dash.
type TranscodeOptions struct {
	Input  map[string]interface{} `json:"input,omitempty"`
	Output map[string]interface{} `json:"output,omitempty"`
}

// ExtractAudio asks for a separate audio track delivery.
type ExtractAudio struct {
	Enabled     bool       `json:"enabled"`
	DeliveryKey StringList `json:"deliveryKey,omitempty"`
}

// Aimpoint is one target. Pointer fields are optional; use the accessor
// methods, which apply the defaults.
type Aimpoint struct {
	DeviceID       string         `json:"deviceID"`
	CollectionType CollectionType `json:"collectionType"`
	AccessURL      string         `json:"accessUrl"`
	Enabled        *bool          `json:"enabled,omitempty"`
	Decoy          bool           `json:"decoy,omitempty"`

	PollFrequency      float64  `json:"pollFrequency"`
	WaitFraction       *float64 `json:"waitFraction,omitempty"`
	SingleCollector    *bool    `json:"singleCollector,omitempty"`
	Hours              *Hours   `json:"hours,omitempty"`
	TranscoderInterval *int     `json:"transcoderInterval,omitempty"`

	FilenameBase         string     `json:"filenameBase,omitempty"`
	FinalFileSuffix      string     `json:"finalFileSuffix,omitempty"`
	BucketPrefixTemplate string     `json:"bucketPrefixTemplate,omitempty"`
	WrkBucket            string     `json:"wrkBucket,omitempty"`
	DstBucket            string     `json:"dstBucket,omitempty"`
	DeliveryKey          StringList `json:"deliveryKey,omitempty"`

	Concatenate      bool              `json:"concatenate,omitempty"`
	TranscodeExt     *string           `json:"transcodeExt,omitempty"`
	TranscodeOptions *TranscodeOptions `json:"transcodeOptions,omitempty"`
	TranscodedBuffer *int              `json:"transcodedBuffer,omitempty"`
	FFmpegDedup      *string           `json:"ffmpegDedup,omitempty"`
	HonorExtinf      bool              `json:"honorExtinf,omitempty"`
	UseCurl          bool              `json:"useCurl,omitempty"`
	Proxy            *string           `json:"proxy,omitempty"`
	VPN              *string           `json:"vpn,omitempty"`

	LongLat  []float64         `json:"longLat,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
	DevNotes string            `json:"devNotes,omitempty"`

	DeviceIDList     []string        `json:"deviceIdList,omitempty"`
	AccessURLList    []string        `json:"accessUrlList,omitempty"`
	FilenameBaseList []string        `json:"filenameBaseList,omitempty"`
	PlaywrightData   json.RawMessage `json:"playwrightData,omitempty"`
	ExtractAudio     *ExtractAudio   `json:"extractAudio,omitempty"`
	TimelapseFPS     *int            `json:"timelapseFPS,omitempty"`
	TimelapseLen     *int            `json:"timelapseLen,omitempty"`

	Domain      string `json:"domain,omitempty"`
	CountryCode string `json:"countryCode,omitempty"`

	// Key is where the document was read from. It is not serialized.
	Key string `json:"-"`
}

// Parse decodes an aimpoint document read from key and validates it. The
// domain is taken from the key when the document does not name one.
func Parse(data []byte, key string) (*Aimpoint, error) {
	a := new(Aimpoint)
	if err := json.Unmarshal(data, a); err != nil {
		return nil, hpatrol.E(hpatrol.DataError, "aimpoint.Parse "+key, err)
	}
	a.Key = key
	if a.Domain == "" {
		a.Domain = DomainFromKey(key)
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return a, nil
}

// Validate checks the invariants of an aimpoint.
func (a *Aimpoint) Validate() error {
	const op = "aimpoint.Validate"
	if a.DeviceID == "" {
		return hpatrol.Errorf(hpatrol.ConfigError, op, "%s: missing deviceID", a.Key)
	}
	if !a.CollectionType.Valid() {
		return hpatrol.Errorf(hpatrol.ConfigError, op, "%s: unknown collectionType %q", a.DeviceID, a.CollectionType)
	}
	if a.CollectionType == FSTLLS {
		n := len(a.DeviceIDList)
		if n == 0 || len(a.AccessURLList) != n || len(a.FilenameBaseList) != n {
			return hpatrol.Errorf(hpatrol.ConfigError, op, "%s: fan-out lists must be non-empty and of equal length", a.DeviceID)
		}
	} else if a.AccessURL == "" && a.CollectionType != PLAYWRIGHT {
		return hpatrol.Errorf(hpatrol.ConfigError, op, "%s: missing accessUrl", a.DeviceID)
	}
	if a.PollFrequency <= 0 {
		return hpatrol.Errorf(hpatrol.ConfigError, op, "%s: pollFrequency must be > 0", a.DeviceID)
	}
	if w := a.Wait(); w <= 0 || w > 1 {
		return hpatrol.Errorf(hpatrol.ConfigError, op, "%s: waitFraction %v outside (0,1]", a.DeviceID, w)
	}
	if a.TranscoderInterval != nil && !validInterval(*a.TranscoderInterval) {
		return hpatrol.Errorf(hpatrol.ConfigError, op, "%s: transcoderInterval %d not allowed", a.DeviceID, *a.TranscoderInterval)
	}
	if a.Hours != nil {
		if _, err := a.Hours.windows(); err != nil {
			return hpatrol.E(hpatrol.ConfigError, op, err)
		}
	}
	return nil
}

func validInterval(n int) bool {
	for _, v := range AllowedIntervals {
		if n == v {
			return true
		}
	}
	return false
}

// IsEnabled defaults to true.
func (a *Aimpoint) IsEnabled() bool { return a.Enabled == nil || *a.Enabled }

// Wait returns the waitFraction, default 1.
func (a *Aimpoint) Wait() float64 {
	if a.WaitFraction == nil {
		return 1
	}
	return *a.WaitFraction
}

// IsSingleCollector defaults to true: the collector loops for the whole run.
func (a *Aimpoint) IsSingleCollector() bool {
	return a.SingleCollector == nil || *a.SingleCollector
}

// Interval is the transcoder interval in minutes, default 15.
func (a *Aimpoint) Interval() int {
	if a.TranscoderInterval == nil {
		return defaultInterval
	}
	return *a.TranscoderInterval
}

// Buffer is the padding around a transcode window, in seconds, clamped to
// [0,30].
func (a *Aimpoint) Buffer() int {
	b := defaultBuffer
	if a.TranscodedBuffer != nil {
		b = *a.TranscodedBuffer
	}
	if b < 0 {
		return 0
	}
	if b > maxBuffer {
		return maxBuffer
	}
	return b
}

// Transcodes reports whether clips should be produced at all.
func (a *Aimpoint) Transcodes() bool {
	return a.TranscodeExt != nil && *a.TranscodeExt != ""
}

// Ext returns the transcode extension without a leading dot.
func (a *Aimpoint) Ext() string {
	if a.TranscodeExt == nil {
		return ""
	}
	return strings.TrimPrefix(*a.TranscodeExt, ".")
}

// Dedup returns the transcoder dedup mode, DedupNone if unset.
func (a *Aimpoint) Dedup() string {
	if a.FFmpegDedup == nil || *a.FFmpegDedup == "" {
		return DedupNone
	}
	return *a.FFmpegDedup
}

// FPS returns the timelapse frame rate or def.
func (a *Aimpoint) FPS(def int) int {
	if a.TimelapseFPS == nil || *a.TimelapseFPS <= 0 {
		return def
	}
	return *a.TimelapseFPS
}

// LapseLen returns the timelapse chunk length in seconds or def.
func (a *Aimpoint) LapseLen(def int) int {
	if a.TimelapseLen == nil || *a.TimelapseLen <= 0 {
		return def
	}
	return *a.TimelapseLen
}

// WorkBucket returns the aimpoint's work bucket or def.
func (a *Aimpoint) WorkBucket(def string) string {
	if a.WrkBucket != "" {
		return a.WrkBucket
	}
	return def
}

// DeliveryBucket returns the aimpoint's delivery bucket or def.
func (a *Aimpoint) DeliveryBucket(def string) string {
	if a.DstBucket != "" {
		return a.DstBucket
	}
	return def
}

// AudioWanted reports whether an audio track should be extracted.
func (a *Aimpoint) AudioWanted() bool {
	return a.ExtractAudio != nil && a.ExtractAudio.Enabled
}

// Fanout returns one aimpoint per entry of the fan-out lists, each with the
// single-target fields rewritten. Other aimpoints return themselves.
func (a *Aimpoint) Fanout() []*Aimpoint {
	if a.CollectionType != FSTLLS {
		return []*Aimpoint{a}
	}
	result := make([]*Aimpoint, 0, len(a.DeviceIDList))
	for i := range a.DeviceIDList {
		sub := *a
		sub.CollectionType = STILLS
		sub.DeviceID = a.DeviceIDList[i]
		sub.AccessURL = a.AccessURLList[i]
		sub.FilenameBase = a.FilenameBaseList[i]
		sub.DeviceIDList, sub.AccessURLList, sub.FilenameBaseList = nil, nil, nil
		result = append(result, &sub)
	}
	return result
}
