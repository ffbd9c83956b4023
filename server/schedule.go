package server

import (
	"context"
	"time"

	"github.com/facebookgo/clock"
	"github.com/rs/zerolog/log"

	"github.com/hpatrol/hpatrol/transcoder"
)

// A cadence runs a task every interval, aligned to multiples of the interval
// since the epoch, the way a cron rule would.
type cadence struct {
	task     string
	arg      string
	interval time.Duration
}

// drainWait is how long a worker loop waits for a message before asking
// again.
const drainWait = 20 * time.Second

// drainBackoff is the pause after a failed receive.
const drainBackoff = 5 * time.Second

func (d *Daemon) cadences() []cadence {
	cfg := d.Context.Config
	return []cadence{
		{"scheduler", "", cfg.Periodicity()},
		{"drover", transcoder.Transcode, time.Minute},
		{"drover", transcoder.TakeAudio, time.Minute},
		{"drover", transcoder.Timelapse, cfg.Periodicity()},
		{"monitor", "", cfg.Server.MonitorInterval.Duration},
		{"disabler", "", cfg.Server.DisablerInterval.Duration},
		{"enabler", "", cfg.Server.EnablerInterval.Duration},
		{"historian", "", cfg.Server.HistorianInterval.Duration},
	}
}

func (d *Daemon) startLoops(ctx context.Context) {
	for _, c := range d.cadences() {
		if c.interval <= 0 {
			log.Info().Str("task", c.task).Msg("no interval, not scheduled")
			continue
		}
		d.wg.Add(1)
		go func(c cadence) {
			defer d.wg.Done()
			d.every(ctx, c)
		}(c)
	}
	workers := []struct {
		task  string
		count int
	}{
		{"dispatcher", d.Context.Config.Server.DispatchWorkers},
		{"transcoder", d.Context.Config.Server.TranscodeWorkers},
	}
	for _, wk := range workers {
		if wk.count <= 0 {
			continue
		}
		d.wg.Add(1)
		go func(task string) {
			defer d.wg.Done()
			d.drain(ctx, task)
		}(wk.task)
	}
}

// nextTick returns the first multiple of interval strictly after now.
func nextTick(now time.Time, interval time.Duration) time.Time {
	return now.Truncate(interval).Add(interval)
}

// every runs c at each tick until ctx is done. A run which overlaps the
// next tick makes that tick be skipped.
func (d *Daemon) every(ctx context.Context, c cadence) {
	clk := d.Context.Clock
	for {
		if !sleepUntil(ctx, clk, nextTick(clk.Now(), c.interval)) {
			return
		}
		d.run(ctx, c.task, Request{
			Arg:      c.arg,
			Envelope: map[string]string{"source": "schedule", "task": c.task, "arg": c.arg},
		})
	}
}

func sleepUntil(ctx context.Context, clk clock.Clock, t time.Time) bool {
	select {
	case <-ctx.Done():
		return false
	case <-clk.After(t.Sub(clk.Now())):
		return true
	}
}

// drain keeps a queue draining task running until ctx is done.
func (d *Daemon) drain(ctx context.Context, task string) {
	clk := d.Context.Clock
	for ctx.Err() == nil {
		_, err := d.run(ctx, task, Request{
			Wait:        drainWait,
			QuietIfIdle: true,
			Envelope:    map[string]string{"source": "worker", "task": task},
		})
		if err != nil && ctx.Err() == nil {
			if !sleepUntil(ctx, clk, clk.Now().Add(drainBackoff)) {
				return
			}
		}
	}
}
