package server

import (
	"context"
	"os"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/hpatrol/hpatrol"
	"github.com/hpatrol/hpatrol/aimpoint"
	"github.com/hpatrol/hpatrol/app"
	"github.com/hpatrol/hpatrol/audit"
	"github.com/hpatrol/hpatrol/collector"
	"github.com/hpatrol/hpatrol/dispatcher"
	"github.com/hpatrol/hpatrol/drover"
	"github.com/hpatrol/hpatrol/health"
	"github.com/hpatrol/hpatrol/scheduler"
	"github.com/hpatrol/hpatrol/transcoder"
)

// A Task is one kind of invocation. It returns the collection summary for the
// audit entry and the level describing the data it handled.
type Task func(ctx context.Context, ac *app.Context, req Request) (interface{}, hpatrol.Level, error)

// Request carries the per-invocation arguments of a task.
type Request struct {
	Arg      string            // drover kind, or aimpoint key or file for collect
	Envelope map[string]string // originating event, copied to the audit entry
	Wait     time.Duration     // receive wait for the queue draining tasks

	// QuietIfIdle skips the audit entry of a queue draining run which found
	// nothing to do.
	QuietIfIdle bool
}

// receiveMax is the largest batch asked of a queue in one call.
const receiveMax = 10

// Tasks lists every task by the name used on the command line and in the
// admin API.
var Tasks = map[string]Task{
	"scheduler": func(ctx context.Context, ac *app.Context, req Request) (interface{}, hpatrol.Level, error) {
		s, err := scheduler.Tick(ctx, ac, req.Envelope)
		return s, hpatrol.LevelInfo, err
	},
	"monitor": func(ctx context.Context, ac *app.Context, req Request) (interface{}, hpatrol.Level, error) {
		s, err := scheduler.Monitor(ctx, ac, req.Envelope)
		return s, hpatrol.LevelInfo, err
	},
	"historian": func(ctx context.Context, ac *app.Context, req Request) (interface{}, hpatrol.Level, error) {
		s, err := health.Historian(ctx, ac)
		level := hpatrol.LevelInfo
		if s.Malformed > 0 {
			level = hpatrol.LevelWarn
		}
		if s.Failed > 0 {
			level = hpatrol.LevelError
		}
		return s, level, err
	},
	"disabler": func(ctx context.Context, ac *app.Context, req Request) (interface{}, hpatrol.Level, error) {
		s, err := health.Disable(ctx, ac)
		return s, sweepLevel(s), err
	},
	"enabler": func(ctx context.Context, ac *app.Context, req Request) (interface{}, hpatrol.Level, error) {
		s, err := health.Enable(ctx, ac)
		return s, sweepLevel(s), err
	},
	"drover": func(ctx context.Context, ac *app.Context, req Request) (interface{}, hpatrol.Level, error) {
		kind := req.Arg
		if kind == "" {
			kind = transcoder.Transcode
		}
		s, err := drover.Run(ctx, ac, kind)
		return s, hpatrol.LevelInfo, err
	},
	"dispatcher": func(ctx context.Context, ac *app.Context, req Request) (interface{}, hpatrol.Level, error) {
		out, err := dispatcher.Drain(ctx, ac, receiveMax, ac.Config.Server.DispatchWorkers, req.Wait, ac.Config.System.RunBudget.Duration)
		return out, out.Level, err
	},
	"transcoder": func(ctx context.Context, ac *app.Context, req Request) (interface{}, hpatrol.Level, error) {
		res, level, err := transcoder.Drain(ctx, ac, receiveMax, ac.Config.Server.TranscodeWorkers, req.Wait, ac.Config.System.RunBudget.Duration)
		return res, level, err
	},
	"collect": func(ctx context.Context, ac *app.Context, req Request) (interface{}, hpatrol.Level, error) {
		a, err := loadAimpoint(ctx, ac, req.Arg)
		if err != nil {
			return nil, hpatrol.LevelOf(err), err
		}
		res, err := collector.Run(ctx, ac, aimpoint.NewDispatch(a, req.Envelope))
		return res, hpatrol.LevelOf(err), err
	},
}

// loadAimpoint reads a local aimpoint file when arg names one, and the
// document at key arg in the work bucket otherwise.
func loadAimpoint(ctx context.Context, ac *app.Context, arg string) (*aimpoint.Aimpoint, error) {
	if data, err := os.ReadFile(arg); err == nil {
		return aimpoint.Parse(data, arg)
	}
	return aimpoint.Load(ctx, ac.Store, ac.WorkBucket(), arg)
}

func sweepLevel(s health.SweepSummary) hpatrol.Level {
	if s.Failed > 0 {
		return hpatrol.LevelWarn
	}
	return hpatrol.LevelInfo
}

// idle reports whether a queue draining run received nothing.
func idle(summary interface{}) bool {
	switch s := summary.(type) {
	case dispatcher.Outcome:
		return s.Messages == 0
	case transcoder.Result:
		return s == transcoder.Result{}
	}
	return false
}

// TaskNames returns the names of every task, sorted.
func TaskNames() []string {
	var names []string
	for name := range Tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunTask runs the named task under an audit invocation. The error is that
// of the task; it has already been logged and audited.
func RunTask(ctx context.Context, ac *app.Context, rec *audit.Recorder, name string, req Request) (interface{}, error) {
	task, ok := Tasks[name]
	if !ok {
		return nil, hpatrol.Errorf(hpatrol.ConfigError, "server.RunTask", "unknown task %q", name)
	}
	inv := rec.Start(name, req.Arg, req.Envelope)
	summary, data, err := runGuarded(ctx, ac, task, req)
	if req.QuietIfIdle && err == nil && idle(summary) {
		return summary, nil
	}
	e := inv.Finish(ctx, hpatrol.LevelOf(err), data, summary, err)
	if err != nil {
		log.Error().Err(err).Str("task", name).Str("level", string(e.SystemLevel)).Msg("task failed")
	}
	return summary, err
}

// runGuarded turns a panic into an error so a daemon loop survives it and
// the audit entry still goes out, at CRITICAL.
func runGuarded(ctx context.Context, ac *app.Context, task Task, req Request) (summary interface{}, data hpatrol.Level, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic: %v", r)
			data = hpatrol.LevelCritical
		}
	}()
	return task(ctx, ac, req)
}
