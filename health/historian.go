package health

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hpatrol/hpatrol"
	"github.com/hpatrol/hpatrol/aimpoint"
	"github.com/hpatrol/hpatrol/app"
	"github.com/hpatrol/hpatrol/queue"
)

// receiveMax is the most messages asked for in one receive call.
const receiveMax = 10

// HistorySummary counts what one historian run did.
type HistorySummary struct {
	Received  int `json:"received"`
	Recorded  int `json:"recorded"`
	Malformed int `json:"malformed"`
	Logs      int `json:"logs"`
	Failed    int `json:"failed"`
}

// StatusLog returns the status log of the work bucket.
func StatusLog(ac *app.Context) *Log {
	return &Log{Store: ac.Store, Bucket: ac.WorkBucket(), Prefix: ac.Config.Prefixes.Status}
}

type pending struct {
	recs []Record
	msgs []queue.Message
}

// Historian drains up to the configured batch of status messages, or for
// the configured window, and appends them to the status logs. Each receive
// long-polls; the drain ends at the first receive that comes back empty. A failing log
// leaves its messages on the queue to be retried after the visibility
// timeout; the other logs are still written.
func Historian(ctx context.Context, ac *app.Context) (HistorySummary, error) {
	var s HistorySummary
	cfg := ac.Config.Health
	qname := ac.Config.Queue.Status
	end := ac.Clock.Now().Add(cfg.HistorianWindow.Duration)

	var msgs []queue.Message
	for s.Received < cfg.HistorianBatch && ac.Clock.Now().Before(end) {
		n := cfg.HistorianBatch - s.Received
		if n > receiveMax {
			n = receiveMax
		}
		wait := cfg.HistorianPoll.Duration
		if left := end.Sub(ac.Clock.Now()); wait > left {
			wait = left
		}
		batch, err := ac.Queue.ReceiveBatch(ctx, qname, n, wait)
		if err != nil {
			if len(msgs) == 0 {
				return s, hpatrol.E(hpatrol.StoreError, "health.Historian", err)
			}
			log.Warn().Err(err).Msg("status receive failed, writing what was received")
			break
		}
		if len(batch) == 0 {
			break
		}
		msgs = append(msgs, batch...)
		s.Received += len(batch)
	}

	sl := StatusLog(ac)
	now := ac.Clock.Now()
	groups := make(map[string]*pending)
	for _, msg := range msgs {
		var sm aimpoint.StatusMessage
		err := json.Unmarshal(msg.Body, &sm)
		if err == nil && (sm.Aimpoint == nil || sm.Aimpoint.DeviceID == "") {
			err = hpatrol.Errorf(hpatrol.DataError, "health.Historian", "status message without aimpoint")
		}
		if err != nil {
			s.Malformed++
			log.Warn().Err(err).Str("id", msg.ID).Msg("dropping status message")
			deleteMessage(ctx, ac, msg)
			continue
		}
		key := sl.Key(sm.Aimpoint, now)
		p := groups[key]
		if p == nil {
			p = &pending{}
			groups[key] = p
		}
		p.recs = append(p.recs, Record{TS: now.Unix(), IsCollecting: sm.IsCollecting})
		p.msgs = append(p.msgs, msg)
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		p := groups[key]
		if err := sl.Append(ctx, key, p.recs); err != nil {
			s.Failed++
			log.Error().Err(err).Str("key", key).Msg("status log write failed")
			continue
		}
		s.Logs++
		s.Recorded += len(p.recs)
		for _, msg := range p.msgs {
			deleteMessage(ctx, ac, msg)
		}
	}
	log.Info().
		Int("received", s.Received).
		Int("recorded", s.Recorded).
		Int("malformed", s.Malformed).
		Int("logs", s.Logs).
		Int("failed", s.Failed).
		Msg("historian")
	return s, nil
}

func deleteMessage(ctx context.Context, ac *app.Context, msg queue.Message) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := ac.Queue.Delete(dctx, ac.Config.Queue.Status, msg); err != nil {
		log.Warn().Err(err).Str("id", msg.ID).Msg("status delete failed")
	}
}
