// Package dispatcher routes dispatch messages to the collector.
//
// The dispatcher does no work of its own. It decodes a message, takes the
// run deadline from the context it was given (on Lambda, the remaining
// invocation time) and calls collector.Run. Collection type routing happens
// inside the collector.
package dispatcher

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hpatrol/hpatrol"
	"github.com/hpatrol/hpatrol/aimpoint"
	"github.com/hpatrol/hpatrol/app"
	"github.com/hpatrol/hpatrol/collector"
	"github.com/hpatrol/hpatrol/queue"
)

// Decode parses a dispatch message body. A body without an aimpoint is a
// DataError.
func Decode(body []byte) (aimpoint.DispatchMessage, error) {
	var msg aimpoint.DispatchMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return msg, hpatrol.E(hpatrol.DataError, "dispatcher.Decode", err)
	}
	if msg.Aimpoint == nil {
		return msg, hpatrol.Errorf(hpatrol.DataError, "dispatcher.Decode", "message has no aimpoint")
	}
	if msg.Aimpoint.Domain == "" {
		msg.Aimpoint.Domain = aimpoint.DomainFromKey(msg.Aimpoint.Key)
	}
	return msg, nil
}

// Handle runs the collector for one message body.
func Handle(ctx context.Context, ac *app.Context, body []byte) (aimpoint.DispatchMessage, collector.Result, error) {
	msg, err := Decode(body)
	if err != nil {
		return msg, collector.Result{}, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		log.Debug().
			Str("deviceID", msg.Aimpoint.DeviceID).
			Dur("remaining", deadline.Sub(ac.Clock.Now())).
			Msg("dispatching")
	}
	res, err := collector.Run(ctx, ac, msg)
	return msg, res, err
}

// Outcome totals a batch of dispatches.
type Outcome struct {
	Messages int
	Result   collector.Result
	Level    hpatrol.Level
}

// Drain handles one batch of at most max messages from the dispatch queue,
// running at most workers collectors at a time. Each run gets budget as its
// deadline when budget is positive. Every message is acknowledged whatever
// the outcome, since its run has already reported status.
func Drain(ctx context.Context, ac *app.Context, max, workers int, wait, budget time.Duration) (Outcome, error) {
	var m sync.Mutex
	out := Outcome{Level: hpatrol.LevelInfo}
	n, err := queue.Consume(ctx, ac.Queue, ac.Config.Queue.Dispatch, max, wait, workers, func(ctx context.Context, qm queue.Message) error {
		if budget > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, budget)
			defer cancel()
		}
		_, res, err := Handle(ctx, ac, qm.Body)
		m.Lock()
		out.Result.Fetched += res.Fetched
		out.Result.Written += res.Written
		out.Result.Duplicates += res.Duplicates
		out.Result.Bytes += res.Bytes
		out.Result.Statuses += res.Statuses
		out.Level = hpatrol.Max(out.Level, hpatrol.LevelOf(err))
		m.Unlock()
		return err
	})
	out.Messages = n
	if err != nil {
		return out, hpatrol.E(hpatrol.StoreError, "dispatcher.Drain", err)
	}
	return out, nil
}
