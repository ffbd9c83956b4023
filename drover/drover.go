// Package drover plans the post-processing work. Every minute it looks at
// the active aimpoints and, for those whose transcoder interval has just
// closed, posts a transcode or takeaudio task for the window that closed.
// Every system periodicity it posts the timelapse tasks for stills targets.
package drover

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hpatrol/hpatrol"
	"github.com/hpatrol/hpatrol/aimpoint"
	"github.com/hpatrol/hpatrol/app"
	"github.com/hpatrol/hpatrol/config"
	"github.com/hpatrol/hpatrol/queue"
	"github.com/hpatrol/hpatrol/transcoder"
)

// Span returns the start and end minute of the last complete interval
// before minute m of the hour. The start may belong to the previous hour,
// in which case end is 60.
func Span(m, interval int) (start, end int) {
	start = ((m/interval-1)*interval%60 + 60) % 60
	return start, start + interval
}

// Fires reports whether an interval closes at minute m.
func Fires(m, interval int) bool {
	return interval > 0 && m%interval == 0
}

// Window returns the interval-aligned window which most recently closed at
// or before now.
func Window(now time.Time, interval int) (start time.Time, length time.Duration) {
	t := now.UTC().Truncate(time.Minute)
	closed := t.Truncate(time.Hour).Add(time.Duration(t.Minute()/interval*interval) * time.Minute)
	length = time.Duration(interval) * time.Minute
	return closed.Add(-length), length
}

// Planned is a task together with the delay it is to be sent with.
type Planned struct {
	Task  transcoder.Task
	Delay time.Duration
}

// Plan returns the tasks of kind to post for a at now. It returns nothing
// when a is not eligible or its interval has not just closed.
func Plan(cfg *config.Config, a *aimpoint.Aimpoint, kind string, now time.Time) []Planned {
	if !a.Transcodes() || a.Decoy {
		return nil
	}
	switch kind {
	case transcoder.Transcode, transcoder.TakeAudio:
		return planClip(cfg, a, kind, now)
	case transcoder.Timelapse:
		return planTimelapse(cfg, a, now)
	}
	return nil
}

func planClip(cfg *config.Config, a *aimpoint.Aimpoint, kind string, now time.Time) []Planned {
	f := a.CollectionType.Family()
	if f != aimpoint.FamilyVideo && f != aimpoint.FamilyYouTubeFile {
		return nil
	}
	if kind == transcoder.TakeAudio && !a.AudioWanted() {
		return nil
	}
	interval := a.Interval()
	if !Fires(now.UTC().Minute(), interval) {
		return nil
	}
	start, length := Window(now, interval)
	buf := a.Buffer()
	dst := a.DeliveryPrefixes(start)
	ext := a.Ext()
	if kind == transcoder.TakeAudio {
		dst = a.AudioPrefixes(start)
		ext = ""
	}
	var result []Planned
	for _, prefix := range dst {
		t := baseTask(cfg, a, kind, start)
		t.DstPrefix = prefix
		t.OutExt = ext
		t.ClipStart = strconv.FormatInt(start.Unix()-int64(buf), 10)
		t.ClipLengthSecs = int(length.Seconds()) + 2*buf
		result = append(result, Planned{Task: t})
	}
	return result
}

// planTimelapse covers the last system periodicity in chunks of the
// aimpoint's timelapse length. Chunk n is delayed by n chunk lengths.
func planTimelapse(cfg *config.Config, a *aimpoint.Aimpoint, now time.Time) []Planned {
	if a.CollectionType != aimpoint.STILLS {
		return nil
	}
	p := cfg.Periodicity()
	start := now.UTC().Truncate(p).Add(-p)
	chunk := time.Duration(a.LapseLen(cfg.Drover.TimelapseLen)) * time.Second
	fps := a.FPS(cfg.Drover.TimelapseFPS)
	var result []Planned
	for off := time.Duration(0); off < p; off += chunk {
		n := chunk
		if off+n > p {
			n = p - off
		}
		from := start.Add(off)
		for _, prefix := range a.DeliveryPrefixes(from) {
			t := baseTask(cfg, a, transcoder.Timelapse, from)
			t.DstPrefix = prefix
			t.OutExt = a.Ext()
			t.ClipStart = strconv.FormatInt(from.Unix(), 10)
			t.ClipLengthSecs = int(n.Seconds())
			t.TimelapseFPS = &fps
			result = append(result, Planned{Task: t, Delay: off})
		}
	}
	return result
}

func baseTask(cfg *config.Config, a *aimpoint.Aimpoint, kind string, start time.Time) transcoder.Task {
	return transcoder.Task{
		Task:             kind,
		DeviceID:         a.DeviceID,
		FilenameBase:     a.Base(),
		OutFilename:      a.Base() + a.Suffix(start),
		WrkBucket:        a.WorkBucket(cfg.Buckets.Work),
		DstBucket:        a.DeliveryBucket(deliveryBucket(cfg)),
		SrcPrefix:        a.LandingPrefix(start),
		FFmpegDedup:      a.FFmpegDedup,
		TranscodeOptions: a.TranscodeOptions,
	}
}

// deliveryBucket defaults to the work bucket.
func deliveryBucket(cfg *config.Config) string {
	if cfg.Buckets.Delivery != "" {
		return cfg.Buckets.Delivery
	}
	return cfg.Buckets.Work
}

// Summary counts what a drover run did.
type Summary struct {
	Aimpoints int `json:"aimpoints"`
	Tasks     int `json:"tasks"`
}

// Run plans kind for every active aimpoint and posts the tasks.
func Run(ctx context.Context, ac *app.Context, kind string) (Summary, error) {
	var s Summary
	switch kind {
	case transcoder.Transcode, transcoder.TakeAudio, transcoder.Timelapse:
	default:
		return s, hpatrol.Errorf(hpatrol.ConfigError, "drover.Run", "unknown task %q", kind)
	}
	all, err := aimpoint.LoadAll(ctx, ac.Store, ac.WorkBucket(), ac.Config.Prefixes.Active)
	if err != nil {
		return s, err
	}
	now := ac.Clock.Now()
	for _, a := range all {
		if !a.IsEnabled() {
			continue
		}
		planned := Plan(ac.Config, a, kind, now)
		if len(planned) > 0 {
			s.Aimpoints++
		}
		for _, p := range planned {
			if err := queue.SendJSON(ctx, ac.Queue, ac.Config.Queue.Transcode, p.Task, p.Delay); err != nil {
				return s, hpatrol.E(hpatrol.StoreError, "drover.Run", err)
			}
			s.Tasks++
		}
	}
	log.Info().Str("task", kind).Int("aimpoints", s.Aimpoints).Int("tasks", s.Tasks).Msg("drover run")
	return s, nil
}
