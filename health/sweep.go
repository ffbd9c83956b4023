package health

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hpatrol/hpatrol"
	"github.com/hpatrol/hpatrol/aimpoint"
	"github.com/hpatrol/hpatrol/app"
	"github.com/hpatrol/hpatrol/store"
)

// SweepSummary counts what a disabler or enabler run did.
type SweepSummary struct {
	Checked int `json:"checked"`
	Moved   int `json:"moved"`
	NoData  int `json:"noData"`
	Failed  int `json:"failed"`
}

// Failing reports whether recs show a target which stopped collecting:
// there is at least one record and none of them is a success.
func Failing(recs []Record) bool {
	for _, r := range recs {
		if r.IsCollecting {
			return false
		}
	}
	return len(recs) > 0
}

// Recovered reports whether any of recs is a success.
func Recovered(recs []Record) bool {
	for _, r := range recs {
		if r.IsCollecting {
			return true
		}
	}
	return false
}

// Disable moves every active aimpoint which has only failed over the
// disabler look back to the monitored prefix.
func Disable(ctx context.Context, ac *app.Context) (SweepSummary, error) {
	p := ac.Config.Prefixes
	return sweep(ctx, ac, "disabler", p.Active, p.Monitored, ac.Config.Health.DisablerLookBack.Duration, Failing)
}

// Enable moves every monitored aimpoint which has collected at least once
// over the enabler look back back to the active prefix.
func Enable(ctx context.Context, ac *app.Context) (SweepSummary, error) {
	p := ac.Config.Prefixes
	return sweep(ctx, ac, "enabler", p.Monitored, p.Active, ac.Config.Health.EnablerLookBack.Duration, Recovered)
}

func sweep(ctx context.Context, ac *app.Context, name, from, to string, lookBack time.Duration, move func([]Record) bool) (SweepSummary, error) {
	var s SweepSummary
	bucket := ac.WorkBucket()
	all, err := aimpoint.LoadAll(ctx, ac.Store, bucket, from)
	if err != nil {
		return s, err
	}
	sl := StatusLog(ac)
	now := ac.Clock.Now()
	for _, a := range all {
		s.Checked++
		recs, err := sl.Window(ctx, a, now.Add(-lookBack), now)
		if err != nil {
			s.Failed++
			log.Warn().Err(err).Str("deviceID", a.DeviceID).Msg("status log read failed")
			continue
		}
		if len(recs) == 0 {
			s.NoData++
		}
		if !move(recs) {
			continue
		}
		dst := aimpoint.Rekey(a.Key, from, to)
		if err := store.Move(ctx, ac.Store, bucket, a.Key, dst); err != nil {
			s.Failed++
			log.Error().Err(hpatrol.E(hpatrol.StoreError, "health."+name, err)).
				Str("key", a.Key).
				Msg("move failed")
			continue
		}
		s.Moved++
		log.Info().Str("from", a.Key).Str("to", dst).Msg(name + " moved aimpoint")
	}
	log.Info().
		Int("checked", s.Checked).
		Int("moved", s.Moved).
		Int("noData", s.NoData).
		Int("failed", s.Failed).
		Msg(name)
	return s, nil
}
