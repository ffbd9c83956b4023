// Package collector runs the per-target harvesting loop. One Run collects
// one aimpoint until its break-point, lands the raw segments in the work
// bucket and reports whether the target is collecting on the status queue.
package collector

import (
	"context"
	"math/rand"
	"os"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/hpatrol/hpatrol"
	"github.com/hpatrol/hpatrol/aimpoint"
	"github.com/hpatrol/hpatrol/app"
	"github.com/hpatrol/hpatrol/hashstore"
	"github.com/hpatrol/hpatrol/netclient"
	"github.com/hpatrol/hpatrol/queue"
)

// Result summarises one run. It becomes the collection summary of the audit
// entry.
type Result struct {
	Fetched    int64 `json:"fetched"`
	Written    int64 `json:"written"`
	Duplicates int64 `json:"duplicates"`
	Bytes      int64 `json:"bytes"`
	Statuses   int   `json:"statuses"`
}

// isCollecting is the status a run reports: something was written, or a
// decoy fetched something.
func (r *Result) isCollecting(decoy bool) bool {
	return atomic.LoadInt64(&r.Written) > 0 || (decoy && atomic.LoadInt64(&r.Fetched) > 0)
}

func (r *Result) add(o Result) {
	r.Fetched += o.Fetched
	r.Written += o.Written
	r.Duplicates += o.Duplicates
	r.Bytes += o.Bytes
	r.Statuses += o.Statuses
}

// Run collects the aimpoint of msg and sends exactly one status record for
// it, under its own deviceID. A fan-out stills aimpoint collects every
// sub-target and is collecting if any of them is. Stream aimpoints are
// forwarded to the stream queue and send none. A panic during the run is
// returned as an error after a failure status has gone out.
func Run(ctx context.Context, ac *app.Context, msg aimpoint.DispatchMessage) (res Result, err error) {
	a := msg.Aimpoint
	if a == nil {
		return Result{}, hpatrol.Errorf(hpatrol.DataError, "collector.Run", "dispatch message without aimpoint")
	}
	if msg.Proxy != nil {
		a.Proxy = msg.Proxy
	}
	if msg.VPN != nil {
		a.VPN = msg.VPN
	}
	if err := a.Validate(); err != nil {
		sendStatus(ctx, ac, a, false, &res)
		return res, err
	}

	switch a.CollectionType.Family() {
	case aimpoint.FamilyStream:
		err := queue.SendJSON(ctx, ac.Queue, ac.Config.Queue.Stream, msg, 0)
		return Result{}, hpatrol.E(hpatrol.StoreError, "collector.Run stream", err)
	case aimpoint.FamilyPlaywright:
		sendStatus(ctx, ac, a, false, &res)
		return res, hpatrol.Errorf(hpatrol.ConfigError, "collector.Run", "%s: %s capture is not supported", a.DeviceID, a.CollectionType)
	}

	ok := false
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("deviceID", a.DeviceID).Interface("panic", r).Msg("collector run panicked")
			err = errors.Errorf("collector.Run %s: panic: %v", a.DeviceID, r)
			ok = false
		}
		sendStatus(ctx, ac, a, ok, &res)
	}()
	for _, sub := range a.Fanout() {
		one, subOK, subErr := runOne(ctx, ac, sub)
		res.add(one)
		ok = ok || subOK
		if subErr != nil && err == nil {
			err = subErr
		}
	}
	return res, err
}

// runOne collects a single target and reports whether it is collecting.
func runOne(ctx context.Context, ac *app.Context, a *aimpoint.Aimpoint) (Result, bool, error) {
	c, err := newCollector(ctx, ac, a)
	if err != nil {
		return c.res, false, err
	}
	defer os.RemoveAll(c.dir)

	switch {
	case a.CollectionType == aimpoint.ISTLLS:
		err = c.indexedStills(ctx)
	case a.CollectionType.Family() == aimpoint.FamilyStills:
		err = c.loop(ctx, c.stillsPass)
	case a.CollectionType.Family() == aimpoint.FamilyYouTubeFile:
		err = c.youtubeFile(ctx)
	default:
		err = c.video(ctx)
	}
	if hpatrol.Is(err, hpatrol.TimeBudgetExceeded) {
		err = nil
	}
	ok := c.res.isCollecting(a.Decoy)
	log.Info().
		Str("deviceID", a.DeviceID).
		Str("type", string(a.CollectionType)).
		Int64("fetched", c.res.Fetched).
		Int64("written", c.res.Written).
		Int64("duplicates", c.res.Duplicates).
		Bool("isCollecting", ok).
		Err(err).
		Msg("collector target finished")
	return c.res, ok, err
}

func sendStatus(ctx context.Context, ac *app.Context, a *aimpoint.Aimpoint, ok bool, res *Result) {
	// the run context may be at its deadline; the status must still go out
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	err := queue.SendJSON(sctx, ac.Queue, ac.Config.Queue.Status, aimpoint.StatusMessage{Aimpoint: a, IsCollecting: ok}, 0)
	if err != nil {
		log.Error().Err(err).Str("deviceID", a.DeviceID).Msg("sending status")
		return
	}
	res.Statuses++
}

// collector holds the state of one run against one target.
type collector struct {
	ac         *app.Context
	a          *aimpoint.Aimpoint
	net        *netclient.Client
	hashes     *hashstore.HashStore
	bucket     string
	dir        string
	breakPoint time.Time
	res        Result
}

func newCollector(ctx context.Context, ac *app.Context, a *aimpoint.Aimpoint) (*collector, error) {
	c := &collector{
		ac:     ac,
		a:      a,
		bucket: a.WorkBucket(ac.Config.Buckets.Work),
	}
	c.hashes = hashstore.New(ac.Store, c.bucket, ac.Config.Prefixes.Hash)
	c.breakPoint = BreakPoint(ctx, ac, a, ac.Clock.Now(), nil)
	var err error
	c.net, err = ac.NetFor(ctx, a.Proxy, a.VPN)
	if err != nil {
		return c, err
	}
	c.dir, err = os.MkdirTemp(ac.Config.System.ScratchDir, "collect-")
	if err != nil {
		return c, hpatrol.E(hpatrol.ConfigError, "collector scratch", err)
	}
	return c, nil
}

// BreakPoint is when a run started at now must stop taking on new work: the
// run deadline less the safety margin, or the end of the working-hours
// window if that is sooner. The deadline is the context's, or now plus the
// run budget when the context has none.
func BreakPoint(ctx context.Context, ac *app.Context, a *aimpoint.Aimpoint, now time.Time, rnd *rand.Rand) time.Time {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = now.Add(ac.Config.System.RunBudget.Duration)
	}
	bp := deadline.Add(-ac.Config.System.SafetyMargin.Duration)
	if hb, bounded := a.HoursBreakPoint(now, rnd); bounded && hb.Before(bp) {
		bp = hb
	}
	return bp
}

// pollSleep is the pause between upstream hits.
func (c *collector) pollSleep() time.Duration {
	return time.Duration(c.a.PollFrequency * c.a.Wait() * float64(time.Second))
}

// timeToBail reports whether the loop must stop rather than sleep for
// sleep and go round again.
func (c *collector) timeToBail(sleep time.Duration) bool {
	if c.a.PollFrequency >= c.ac.Config.Periodicity().Seconds() {
		return true
	}
	return !c.ac.Clock.Now().Add(sleep).Before(c.breakPoint)
}

// pastBreakPoint returns a TimeBudgetExceeded error once the break-point is
// reached.
func (c *collector) pastBreakPoint(ctx context.Context) error {
	if ctx.Err() != nil {
		return hpatrol.E(hpatrol.TimeBudgetExceeded, "collector", ctx.Err())
	}
	if !c.ac.Clock.Now().Before(c.breakPoint) {
		return hpatrol.Errorf(hpatrol.TimeBudgetExceeded, "collector", "break-point %s reached", c.breakPoint.Format(time.RFC3339))
	}
	return nil
}

// loop runs pass until it is time to bail. A single collector aimpoint
// makes one pass only.
func (c *collector) loop(ctx context.Context, pass func(context.Context) error) error {
	sleep := c.pollSleep()
	for {
		if err := c.pastBreakPoint(ctx); err != nil {
			return err
		}
		if err := pass(ctx); err != nil {
			return err
		}
		if !c.a.IsSingleCollector() || c.timeToBail(sleep) {
			return nil
		}
		if err := c.sleep(ctx, sleep); err != nil {
			return err
		}
	}
}

func (c *collector) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := c.ac.Clock.Timer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return hpatrol.E(hpatrol.TimeBudgetExceeded, "collector.sleep", ctx.Err())
	}
}

func (c *collector) get(ctx context.Context, url string) (*netclient.Response, error) {
	return c.net.Do(ctx, netclient.Request{Method: "GET", URL: url, Header: c.a.Headers, UseCurl: c.a.UseCurl})
}
