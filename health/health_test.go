package health

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpatrol/hpatrol/aimpoint"
	"github.com/hpatrol/hpatrol/app"
	"github.com/hpatrol/hpatrol/config"
	"github.com/hpatrol/hpatrol/queue"
	"github.com/hpatrol/hpatrol/store"
)

const devX = `{"deviceID":"devX","collectionType":"STILLS","accessUrl":"http://x/x.jpg","pollFrequency":60}`

func newContext(t *testing.T, at time.Time) (*app.Context, *clock.Mock) {
	cfg := config.Default()
	cfg.Buckets.Work = "wrk"
	// a mock clock never ends a long poll
	cfg.Health.HistorianPoll = config.Duration{}
	mc := clock.NewMock()
	mc.Add(at.Sub(mc.Now()))
	return app.NewMemory(cfg, mc), mc
}

func mem(ac *app.Context) *store.Memory { return ac.Store.(*store.Memory) }

func sendStatus(t *testing.T, ac *app.Context, key string, ok bool) {
	a, err := aimpoint.Parse([]byte(devX), key)
	require.NoError(t, err)
	require.NoError(t, queue.SendJSON(context.Background(), ac.Queue, ac.Config.Queue.Status,
		aimpoint.StatusMessage{Aimpoint: a, IsCollecting: ok}, 0))
}

func writeLog(t *testing.T, ac *app.Context, key string, recs ...Record) {
	require.NoError(t, StatusLog(ac).Append(context.Background(), key, recs))
}

func TestHistorian(t *testing.T) {
	day := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)
	ac, mc := newContext(t, day)
	ctx := context.Background()
	sendStatus(t, ac, "aimpoints/site-autoParsed/devX.json", true)
	sendStatus(t, ac, "aimpoints/site-autoParsed/devX.json", false)
	require.NoError(t, ac.Queue.Send(ctx, ac.Config.Queue.Status, []byte("not json"), 0))
	require.NoError(t, ac.Queue.Send(ctx, ac.Config.Queue.Status, []byte(`{"isCollecting":true}`), 0))
	sendStatus(t, ac, "elsewhere.json", true)

	s, err := Historian(ctx, ac)
	require.NoError(t, err)
	assert.Equal(t, HistorySummary{Received: 5, Recorded: 3, Malformed: 2, Logs: 2}, s)
	assert.Equal(t, 0, ac.Queue.(*queue.Memory).Len(ac.Config.Queue.Status))

	data, err := ac.Store.Get(ctx, "wrk", "aimpointStatus/site/devX/2024-01-02.log")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, `{"ts":1704186000,"isCollecting":true}`, lines[0])
	assert.Equal(t, `{"ts":1704186000,"isCollecting":false}`, lines[1])
	assert.Equal(t, []string{"aimpointStatus/unknown/devX/2024-01-02.log"}, mem(ac).Keys("wrk", "aimpointStatus/unknown/"))

	// a second run appends to the existing log
	mc.Add(time.Minute)
	sendStatus(t, ac, "aimpoints/site-autoParsed/devX.json", true)
	_, err = Historian(ctx, ac)
	require.NoError(t, err)
	recs, err := StatusLog(ac).Window(ctx, &aimpoint.Aimpoint{Domain: "site", DeviceID: "devX"}, day, mc.Now())
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, Record{TS: 1704186060, IsCollecting: true}, recs[2])
}

type failingPut struct{ store.Store }

func (f failingPut) Put(ctx context.Context, bucket, key string, r io.Reader, opts store.PutOptions) error {
	return errors.New("put refused")
}

func TestHistorianKeepsUnwrittenMessages(t *testing.T) {
	ac, _ := newContext(t, time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC))
	ac.Store = failingPut{ac.Store}
	sendStatus(t, ac, "aimpoints/site-autoParsed/devX.json", true)

	s, err := Historian(context.Background(), ac)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Failed)
	// left for redelivery after the visibility timeout
	assert.Equal(t, 1, ac.Queue.(*queue.Memory).Len(ac.Config.Queue.Status))
}

func TestWindowAcrossMidnight(t *testing.T) {
	ac, _ := newContext(t, time.Date(2024, 1, 3, 0, 10, 0, 0, time.UTC))
	a := &aimpoint.Aimpoint{Domain: "site", DeviceID: "devX"}
	sl := StatusLog(ac)
	before := time.Date(2024, 1, 2, 23, 50, 0, 0, time.UTC)
	writeLog(t, ac, sl.Key(a, before),
		Record{TS: before.Add(-time.Hour).Unix(), IsCollecting: true},
		Record{TS: before.Unix(), IsCollecting: false})
	writeLog(t, ac, sl.Key(a, ac.Clock.Now()), Record{TS: ac.Clock.Now().Unix() - 60, IsCollecting: false})

	recs, err := sl.Window(context.Background(), a, ac.Clock.Now().Add(-30*time.Minute), ac.Clock.Now())
	require.NoError(t, err)
	assert.Len(t, recs, 2)
	assert.False(t, Recovered(recs))
	assert.True(t, Failing(recs))
}

func TestPredicates(t *testing.T) {
	assert.False(t, Failing(nil))
	assert.False(t, Recovered(nil))
	assert.False(t, Failing([]Record{{IsCollecting: false}, {IsCollecting: true}}))
	assert.True(t, Recovered([]Record{{IsCollecting: false}, {IsCollecting: true}}))
}

func TestDisable(t *testing.T) {
	now := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)
	ac, _ := newContext(t, now)
	ctx := context.Background()
	doc := []byte(devX + "\n")
	require.NoError(t, store.PutBytes(ctx, ac.Store, "wrk", "aimpoints/site-autoParsed/devX.json", doc, "application/json"))
	require.NoError(t, store.PutBytes(ctx, ac.Store, "wrk", "aimpoints/site-autoParsed/devY.json",
		[]byte(strings.Replace(devX, "devX", "devY", 1)), "application/json"))
	require.NoError(t, store.PutBytes(ctx, ac.Store, "wrk", "aimpoints/site-autoParsed/devZ.json",
		[]byte(strings.Replace(devX, "devX", "devZ", 1)), "application/json"))

	sl := StatusLog(ac)
	x := &aimpoint.Aimpoint{Domain: "site", DeviceID: "devX"}
	for _, ago := range []time.Duration{25, 15, 5} {
		writeLog(t, ac, sl.Key(x, now), Record{TS: now.Add(-ago * time.Minute).Unix(), IsCollecting: false})
	}
	// devY had one success inside the window
	y := &aimpoint.Aimpoint{Domain: "site", DeviceID: "devY"}
	writeLog(t, ac, sl.Key(y, now),
		Record{TS: now.Add(-20 * time.Minute).Unix(), IsCollecting: true},
		Record{TS: now.Add(-5 * time.Minute).Unix(), IsCollecting: false})
	// devZ has no records at all

	s, err := Disable(ctx, ac)
	require.NoError(t, err)
	assert.Equal(t, SweepSummary{Checked: 3, Moved: 1, NoData: 1}, s)

	_, err = ac.Store.Head(ctx, "wrk", "aimpoints/site-autoParsed/devX.json")
	assert.True(t, store.IsNotFound(err))
	moved, err := ac.Store.Get(ctx, "wrk", "monitored/site-autoParsed/devX.json")
	require.NoError(t, err)
	assert.Equal(t, doc, moved)
	assert.Len(t, mem(ac).Keys("wrk", "aimpoints/"), 2)

	// the log has not changed so a second sweep does nothing
	s, err = Disable(ctx, ac)
	require.NoError(t, err)
	assert.Equal(t, 0, s.Moved)
	// nor does the enabler, as there is no success
	s, err = Enable(ctx, ac)
	require.NoError(t, err)
	assert.Equal(t, SweepSummary{Checked: 1}, s)
}

func TestEnable(t *testing.T) {
	now := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)
	ac, mc := newContext(t, now)
	ctx := context.Background()
	require.NoError(t, store.PutBytes(ctx, ac.Store, "wrk", "monitored/site-autoParsed/devX.json", []byte(devX), "application/json"))
	sl := StatusLog(ac)
	x := &aimpoint.Aimpoint{Domain: "site", DeviceID: "devX"}

	// a success older than the enabler look back is ignored
	writeLog(t, ac, sl.Key(x, now), Record{TS: now.Add(-10 * time.Minute).Unix(), IsCollecting: true})
	s, err := Enable(ctx, ac)
	require.NoError(t, err)
	assert.Equal(t, 0, s.Moved)

	writeLog(t, ac, sl.Key(x, now), Record{TS: now.Add(-time.Minute).Unix(), IsCollecting: true})
	s, err = Enable(ctx, ac)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Moved)
	assert.Equal(t, []string{"aimpoints/site-autoParsed/devX.json"}, mem(ac).Keys("wrk", "aimpoints/"))
	assert.Empty(t, mem(ac).Keys("wrk", "monitored/"))

	// the disabler leaves it alone while the log shows a success
	mc.Add(time.Minute)
	s, err = Disable(ctx, ac)
	require.NoError(t, err)
	assert.Equal(t, 0, s.Moved)
	assert.Equal(t, []string{"aimpoints/site-autoParsed/devX.json"}, mem(ac).Keys("wrk", "aimpoints/"))
}

func TestRecordFormat(t *testing.T) {
	data, err := json.Marshal(Record{TS: 5, IsCollecting: true})
	require.NoError(t, err)
	assert.Equal(t, `{"ts":5,"isCollecting":true}`, string(data))
}
