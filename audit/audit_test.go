package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpatrol/hpatrol"
	"github.com/hpatrol/hpatrol/app"
	"github.com/hpatrol/hpatrol/config"
)

type recordingStats struct {
	m    sync.Mutex
	sums map[string]float64
	ends int
}

func (r *recordingStats) BumpAvg(key string, val float64)       {}
func (r *recordingStats) BumpHistogram(key string, val float64) {}
func (r *recordingStats) BumpSum(key string, val float64) {
	r.m.Lock()
	defer r.m.Unlock()
	r.sums[key] += val
}
func (r *recordingStats) BumpTime(key string) interface{ End() } { return r }
func (r *recordingStats) End() {
	r.m.Lock()
	defer r.m.Unlock()
	r.ends++
}

func newRecorder(t *testing.T, echo string) (*Recorder, *bytes.Buffer, *clock.Mock, *recordingStats) {
	cfg := config.Default()
	cfg.Audit.StackName = "hp-test"
	cfg.Audit.IPEchoURL = echo
	cfg.Net.RetrySleep = config.Duration{}
	mc := clock.NewMock()
	mc.Add(time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC).Sub(mc.Now()))
	ac := app.NewMemory(cfg, mc)
	r := New(ac, Batch)
	var buf bytes.Buffer
	r.SetOutput(&buf)
	st := &recordingStats{sums: make(map[string]float64)}
	r.Stats = st
	return r, &buf, mc, st
}

func decode(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	return m
}

func TestFinishWritesEntry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "203.0.113.7")
	}))
	defer srv.Close()
	r, buf, mc, st := newRecorder(t, srv.URL)

	inv := r.Start("collector", "cam7", map[string]string{"requestId": "req-1"})
	mc.Add(1500 * time.Millisecond)
	summary := map[string]int{"written": 3}
	e := inv.Finish(context.Background(), hpatrol.LevelInfo, hpatrol.LevelWarn, summary,
		hpatrol.E(hpatrol.PlaylistError, "test", errors.New("no playlist")))

	assert.Equal(t, "req-1", e.ID)
	assert.Equal(t, hpatrol.LevelError, e.SystemLevel)
	assert.Equal(t, "203.0.113.7", e.IPAddress)

	m := decode(t, buf)
	assert.Equal(t, "audit", m["eventType"])
	assert.Equal(t, "batch", m["eventSubtype"])
	assert.Equal(t, "ERROR", m["systemLevel"])
	assert.Equal(t, "WARN", m["dataLevel"])
	assert.Equal(t, "2024-01-02T09:00:01.5Z", m["timestamp"])
	assert.Equal(t, map[string]interface{}{"taskName": "collector", "stackName": "hp-test", "subtaskName": "cam7"}, m["collectorInfo"])
	op := m["operationSummary"].(map[string]interface{})
	assert.Equal(t, 1500.0, op["elapsedTimeMillis"])
	assert.Equal(t, "2024-01-02T09:00:00Z", op["enterDatetime"])
	assert.Equal(t, map[string]interface{}{"written": 3.0}, m["collectionSummary"])
	assert.Equal(t, map[string]interface{}{"requestId": "req-1"}, m["envelope"])
	assert.Contains(t, m["error"], "no playlist")

	assert.Equal(t, 1.0, st.sums["level.ERROR"])
	assert.Equal(t, 1.0, st.sums["task.collector.runs"])
	assert.Equal(t, 1, st.ends)
}

func TestLevelsAndIDs(t *testing.T) {
	r, buf, _, _ := newRecorder(t, "")
	inv := r.Start("scheduler", "", nil)
	_, err := uuid.Parse(inv.ID)
	assert.NoError(t, err)

	e := inv.Finish(context.Background(), hpatrol.LevelInfo, "", nil, nil)
	assert.Equal(t, hpatrol.LevelInfo, e.SystemLevel)
	assert.Equal(t, hpatrol.LevelInfo, e.DataLevel)
	assert.Equal(t, "", e.IPAddress)
	assert.Equal(t, "INFO", decode(t, buf)["systemLevel"])

	buf.Reset()
	e = r.Start("scheduler", "", nil).Finish(context.Background(), hpatrol.LevelWarn, "", nil, errors.New("boom"))
	assert.Equal(t, hpatrol.LevelCritical, e.SystemLevel)
	assert.Equal(t, "CRITICAL", decode(t, buf)["systemLevel"])
}

func TestIPEchoFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	r, _, _, _ := newRecorder(t, srv.URL)
	e := r.Start("historian", "", nil).Finish(context.Background(), hpatrol.LevelInfo, "", nil, nil)
	assert.Equal(t, "", e.IPAddress)
}

func TestCounters(t *testing.T) {
	Counters.BumpSum("test.sum", 2)
	Counters.BumpSum("test.sum", 3)
	Counters.BumpTime("test.timer").End()
	m := Counters.(*expvarStats).m
	assert.Equal(t, "5", m.Get("test.sum").String())
	assert.Equal(t, "1", m.Get("test.timer.ms.count").String())
}
