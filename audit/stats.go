package audit

import (
	"expvar"
	"time"

	"github.com/facebookgo/stats"
)

// Counters publishes run counts and timings under "hpatrol" in expvar, so a
// daemon shows them on /debug/vars.
var Counters stats.Client = &expvarStats{m: expvar.NewMap("hpatrol")}

type expvarStats struct {
	m *expvar.Map
}

func (s *expvarStats) BumpAvg(key string, val float64) {
	s.m.AddFloat(key+".sum", val)
	s.m.Add(key+".count", 1)
}

func (s *expvarStats) BumpSum(key string, val float64) {
	s.m.AddFloat(key, val)
}

func (s *expvarStats) BumpHistogram(key string, val float64) {
	s.BumpAvg(key, val)
}

func (s *expvarStats) BumpTime(key string) interface{ End() } {
	return &timer{s: s, key: key + ".ms", start: time.Now()}
}

type timer struct {
	s     *expvarStats
	key   string
	start time.Time
}

func (t *timer) End() {
	t.s.BumpHistogram(t.key, float64(time.Since(t.start))/float64(time.Millisecond))
}
