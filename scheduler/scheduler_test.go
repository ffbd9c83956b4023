package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpatrol/hpatrol"
	"github.com/hpatrol/hpatrol/aimpoint"
	"github.com/hpatrol/hpatrol/app"
	"github.com/hpatrol/hpatrol/config"
	"github.com/hpatrol/hpatrol/queue"
	"github.com/hpatrol/hpatrol/store"
)

func newContext() (*app.Context, *clock.Mock) {
	cfg := config.Default()
	cfg.Buckets.Work = "wrk"
	mc := clock.NewMock()
	mc.Add(time.Date(2024, 1, 2, 12, 0, 0, 0, time.UTC).Sub(mc.Now()))
	return app.NewMemory(cfg, mc), mc
}

func put(t *testing.T, ac *app.Context, key, doc string) {
	require.NoError(t, store.PutBytes(context.Background(), ac.Store, "wrk", key, []byte(doc), "application/json"))
}

func dispatched(t *testing.T, ac *app.Context) []string {
	bodies, _ := ac.Queue.(*queue.Memory).Peek(ac.Config.Queue.Dispatch)
	var ids []string
	for _, b := range bodies {
		var msg aimpoint.DispatchMessage
		require.NoError(t, json.Unmarshal(b, &msg))
		ids = append(ids, msg.Aimpoint.DeviceID)
	}
	return ids
}

func TestTick(t *testing.T) {
	ac, _ := newContext()
	put(t, ac, "aimpoints/a-autoParsed/one.json", `{"deviceID":"one","collectionType":"M3U","accessUrl":"http://x/1.m3u8","pollFrequency":5}`)
	put(t, ac, "aimpoints/a-autoParsed/two.json", `{"deviceID":"two","collectionType":"STILLS","accessUrl":"http://x/2.jpg","pollFrequency":60,"enabled":false}`)
	put(t, ac, "aimpoints/b-autoParsed/three.json", `{"deviceID":"three","collectionType":"STILLS","accessUrl":"http://x/3.jpg","pollFrequency":60,"hours":{"hrs":["2000-0600"]}}`)
	put(t, ac, "aimpoints/b-autoParsed/four.json", `{"deviceID":"four",`)
	put(t, ac, "monitored/b-autoParsed/five.json", `{"deviceID":"five","collectionType":"STILLS","accessUrl":"http://x/5.jpg","pollFrequency":60}`)

	s, err := Tick(context.Background(), ac, map[string]string{"requestId": "r"})
	require.NoError(t, err)
	assert.Equal(t, Summary{Listed: 3, Dispatched: 1, Disabled: 1, OutOfHours: 1}, s)
	assert.Equal(t, []string{"one"}, dispatched(t, ac))

	bodies, _ := ac.Queue.(*queue.Memory).Peek(ac.Config.Queue.Dispatch)
	var msg aimpoint.DispatchMessage
	require.NoError(t, json.Unmarshal(bodies[0], &msg))
	assert.Equal(t, "a", msg.Aimpoint.Domain)
	assert.Equal(t, "r", msg.Envelope["requestId"])
}

func TestMonitor(t *testing.T) {
	ac, _ := newContext()
	put(t, ac, "aimpoints/a-autoParsed/one.json", `{"deviceID":"one","collectionType":"M3U","accessUrl":"http://x/1.m3u8","pollFrequency":5}`)
	put(t, ac, "monitored/b-autoParsed/five.json", `{"deviceID":"five","collectionType":"STILLS","accessUrl":"http://x/5.jpg","pollFrequency":60,"hours":{"hrs":["2000-0600"]}}`)

	s, err := Monitor(context.Background(), ac, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Dispatched)
	assert.Equal(t, []string{"five"}, dispatched(t, ac))
	// nothing moved
	assert.Equal(t, []string{"monitored/b-autoParsed/five.json"}, ac.Store.(*store.Memory).Keys("wrk", "monitored/"))
	assert.Len(t, ac.Store.(*store.Memory).Keys("wrk", "aimpoints/"), 1)
}

type brokenStore struct{ store.Store }

func (brokenStore) List(ctx context.Context, bucket, prefix string, opts store.ListOptions) ([]store.Meta, error) {
	return nil, errors.New("listing unavailable")
}

func TestTickPropagatesStoreError(t *testing.T) {
	ac, _ := newContext()
	ac.Store = brokenStore{ac.Store}
	_, err := Tick(context.Background(), ac, nil)
	assert.True(t, hpatrol.Is(err, hpatrol.StoreError))
	assert.Empty(t, dispatched(t, ac))
}
