// Package scheduler posts dispatch messages. Tick runs every system
// periodicity against the active aimpoints; Monitor runs twice a day against
// the monitored ones so the enabler has fresh evidence about them.
package scheduler

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/hpatrol/hpatrol"
	"github.com/hpatrol/hpatrol/aimpoint"
	"github.com/hpatrol/hpatrol/app"
	"github.com/hpatrol/hpatrol/queue"
)

// Summary counts what a tick did.
type Summary struct {
	Listed     int `json:"listed"`
	Dispatched int `json:"dispatched"`
	Disabled   int `json:"disabled"`
	OutOfHours int `json:"outOfHours"`
}

// Tick dispatches every enabled active aimpoint whose working hours are
// open. Documents which fail to parse are skipped; a store or queue failure
// stops the tick.
func Tick(ctx context.Context, ac *app.Context, envelope map[string]string) (Summary, error) {
	return dispatchAll(ctx, ac, ac.Config.Prefixes.Active, true, envelope)
}

// Monitor dispatches every monitored aimpoint once. It never moves keys.
func Monitor(ctx context.Context, ac *app.Context, envelope map[string]string) (Summary, error) {
	return dispatchAll(ctx, ac, ac.Config.Prefixes.Monitored, false, envelope)
}

func dispatchAll(ctx context.Context, ac *app.Context, prefix string, filter bool, envelope map[string]string) (Summary, error) {
	var s Summary
	all, err := aimpoint.LoadAll(ctx, ac.Store, ac.WorkBucket(), prefix)
	if err != nil {
		return s, err
	}
	s.Listed = len(all)
	now := ac.Clock.Now()
	for _, a := range all {
		if filter && !a.IsEnabled() {
			s.Disabled++
			continue
		}
		if filter && !a.InHours(now) {
			s.OutOfHours++
			log.Debug().Str("deviceID", a.DeviceID).Msg("outside working hours")
			continue
		}
		err := queue.SendJSON(ctx, ac.Queue, ac.Config.Queue.Dispatch, aimpoint.NewDispatch(a, envelope), 0)
		if err != nil {
			return s, hpatrol.E(hpatrol.StoreError, "scheduler.dispatch", err)
		}
		s.Dispatched++
	}
	log.Info().
		Str("prefix", prefix).
		Int("listed", s.Listed).
		Int("dispatched", s.Dispatched).
		Int("disabled", s.Disabled).
		Int("outOfHours", s.OutOfHours).
		Msg("dispatch tick")
	return s, nil
}
