// Package audit writes the single summary entry each invocation leaves
// behind. Entries go to their own JSON logger on stdout so they can be
// filtered apart from the operational log.
package audit

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/facebookgo/clock"
	"github.com/facebookgo/stats"
	"github.com/getsentry/raven-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hpatrol/hpatrol"
	"github.com/hpatrol/hpatrol/app"
	"github.com/hpatrol/hpatrol/netclient"
)

// Event subtypes.
const (
	Lambda = "lambda"
	Batch  = "batch"
)

// Recorder creates invocations and writes their entries.
type Recorder struct {
	Stack     string
	Subtype   string
	IPEchoURL string
	Net       *netclient.Client // used for the IP echo; nil skips it
	Clock     clock.Clock
	Stats     stats.Client
	Out       zerolog.Logger

	sentry bool
}

// New returns a Recorder writing to stdout. A configured Sentry DSN is
// installed on the default raven client.
func New(ac *app.Context, subtype string) *Recorder {
	cfg := ac.Config.Audit
	r := &Recorder{
		Stack:     cfg.StackName,
		Subtype:   subtype,
		IPEchoURL: cfg.IPEchoURL,
		Net:       ac.Net,
		Clock:     ac.Clock,
		Stats:     Counters,
	}
	r.SetOutput(os.Stdout)
	if cfg.SentryDSN != "" {
		if err := raven.SetDSN(cfg.SentryDSN); err != nil {
			log.Warn().Err(err).Msg("sentry DSN rejected")
		} else {
			r.sentry = true
		}
	}
	return r
}

// SetOutput sends entries to w.
func (r *Recorder) SetOutput(w io.Writer) {
	r.Out = zerolog.New(w)
}

// Invocation is one run of a task being audited.
type Invocation struct {
	ID       string
	Task     string
	Subtask  string
	Envelope map[string]string

	r     *Recorder
	enter time.Time
	timer interface{ End() }
}

// Start begins an invocation. The id is the envelope's request id when there
// is one.
func (r *Recorder) Start(task, subtask string, envelope map[string]string) *Invocation {
	id := envelope["requestId"]
	if id == "" {
		id = uuid.NewString()
	}
	inv := &Invocation{
		ID:       id,
		Task:     task,
		Subtask:  subtask,
		Envelope: envelope,
		r:        r,
		enter:    r.Clock.Now(),
	}
	if r.Stats != nil {
		inv.timer = r.Stats.BumpTime("task." + task)
	}
	return inv
}

// Entry is what was written for an invocation.
type Entry struct {
	ID          string
	SystemLevel hpatrol.Level
	DataLevel   hpatrol.Level
	Enter       time.Time
	Leave       time.Time
	IPAddress   string
}

// Finish writes the entry. The system level is raised to at least the level
// of err; the data level describes the collected content. A CRITICAL entry
// is also sent to Sentry.
func (inv *Invocation) Finish(ctx context.Context, system, data hpatrol.Level, summary interface{}, err error) Entry {
	r := inv.r
	system = hpatrol.Max(system, hpatrol.LevelOf(err))
	if data == "" {
		data = hpatrol.LevelInfo
	}
	e := Entry{
		ID:          inv.ID,
		SystemLevel: system,
		DataLevel:   data,
		Enter:       inv.enter,
		Leave:       r.Clock.Now(),
		IPAddress:   r.ipAddress(ctx),
	}
	if inv.timer != nil {
		inv.timer.End()
	}
	if r.Stats != nil {
		r.Stats.BumpSum("level."+string(system), 1)
		r.Stats.BumpSum("task."+inv.Task+".runs", 1)
	}

	ev := r.Out.Log().
		Str("timestamp", e.Leave.UTC().Format(time.RFC3339Nano)).
		Str("id", e.ID).
		Str("eventType", "audit").
		Str("eventSubtype", r.Subtype).
		Str("systemLevel", string(system)).
		Str("dataLevel", string(data)).
		Dict("collectorInfo", zerolog.Dict().
			Str("taskName", inv.Task).
			Str("stackName", r.Stack).
			Str("subtaskName", inv.Subtask)).
		Dict("operationSummary", zerolog.Dict().
			Str("enterDatetime", e.Enter.UTC().Format(time.RFC3339Nano)).
			Str("leaveDatetime", e.Leave.UTC().Format(time.RFC3339Nano)).
			Int64("elapsedTimeMillis", e.Leave.Sub(e.Enter).Milliseconds())).
		Interface("collectionSummary", summary).
		Str("ipAddress", e.IPAddress).
		Interface("envelope", inv.Envelope)
	if err != nil {
		ev = ev.Str("error", err.Error())
	}
	ev.Send()

	if system == hpatrol.LevelCritical && r.sentry {
		if err == nil {
			err = hpatrol.Errorf(hpatrol.KindUnknown, inv.Task, "critical run")
		}
		raven.CaptureError(err, map[string]string{
			"task":    inv.Task,
			"subtask": inv.Subtask,
			"stack":   r.Stack,
		})
	}
	return e
}

// ipAddress asks the echo service for our public address. Failures give "".
func (r *Recorder) ipAddress(ctx context.Context) string {
	if r.Net == nil || r.IPEchoURL == "" {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	resp, err := r.Net.Do(ctx, netclient.Request{Method: "GET", URL: r.IPEchoURL, Timeout: 5 * time.Second})
	if err != nil {
		log.Debug().Err(err).Msg("ip echo failed")
		return ""
	}
	return strings.TrimSpace(string(resp.Body))
}
