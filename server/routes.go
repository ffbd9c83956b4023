// Package server runs the pipeline as one long lived process. Each periodic
// task runs on its own cadence, the dispatch and transcode queues are
// drained by worker loops, and a small admin API reports what ran and lets
// an operator trigger a task by hand.
package server

import (
	"context"
	"encoding/json"
	"expvar"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/facebookgo/httpdown"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog/log"

	"github.com/hpatrol/hpatrol"
	"github.com/hpatrol/hpatrol/aimpoint"
	"github.com/hpatrol/hpatrol/app"
	"github.com/hpatrol/hpatrol/audit"
)

// Daemon holds the configuration for the long running process.
//
// Set the public fields and then call Run. Do not change any fields after
// calling Run.
type Daemon struct {
	Context *app.Context
	Audit   *audit.Recorder

	// Port to listen on. Defaults to the configured server port.
	Port string

	// DisableLoops serves the admin API only. Tasks then run only when
	// triggered through POST /run/:task.
	DisableLoops bool

	server httpdown.Server // used to close our listening socket
	cancel context.CancelFunc
	wg     sync.WaitGroup // for waiting for the loops to exit

	m    sync.Mutex // protects server and last
	last map[string]RunInfo
}

// RunInfo describes the most recent run of a task.
type RunInfo struct {
	Started  time.Time   `json:"started"`
	Finished time.Time   `json:"finished"`
	Summary  interface{} `json:"summary"`
	Error    string      `json:"error,omitempty"`
}

// Run starts the loops and then blocks listening for and handling http
// requests.
func (d *Daemon) Run() error {
	if d.Port == "" {
		d.Port = d.Context.Config.Server.Port
	}
	log.Info().Str("version", Version).Str("port", d.Port).Msg("starting daemon")

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	if !d.DisableLoops {
		d.startLoops(ctx)
	}

	h := httpdown.HTTP{
		StopTimeout: 10 * time.Second,
		KillTimeout: 5 * time.Second,
		Stats:       audit.Counters,
	}
	srv, err := h.ListenAndServe(&http.Server{
		Addr:    ":" + d.Port,
		Handler: d.routes(),
	})
	if err != nil {
		cancel()
		d.wg.Wait()
		log.Error().Err(err).Msg("listen")
		return err
	}
	d.m.Lock()
	d.server = srv
	d.m.Unlock()
	return srv.Wait()
}

// Stop halts the loops, waiting for any task in progress, and then closes
// the listening socket.
func (d *Daemon) Stop() error {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	d.m.Lock()
	srv := d.server
	d.m.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Stop()
}

// run runs a task and records its outcome for the welcome page.
func (d *Daemon) run(ctx context.Context, name string, req Request) (interface{}, error) {
	info := RunInfo{Started: d.Context.Clock.Now()}
	summary, err := RunTask(ctx, d.Context, d.Audit, name, req)
	info.Finished = d.Context.Clock.Now()
	info.Summary = summary
	if err != nil {
		info.Error = err.Error()
	}
	d.m.Lock()
	if d.last == nil {
		d.last = make(map[string]RunInfo)
	}
	d.last[name] = info
	d.m.Unlock()
	return summary, err
}

// LastRuns returns a copy of the most recent run of each task.
func (d *Daemon) LastRuns() map[string]RunInfo {
	d.m.Lock()
	defer d.m.Unlock()
	result := make(map[string]RunInfo, len(d.last))
	for k, v := range d.last {
		result[k] = v
	}
	return result
}

func (d *Daemon) routes() http.Handler {
	var routes = []struct {
		method  string
		route   string
		handler httprouter.Handle
	}{
		{"GET", "/", d.WelcomeHandler},
		{"GET", "/aimpoints/:state", d.AimpointsHandler},
		{"POST", "/run/:task", d.RunHandler},
		{"GET", "/debug/vars", VarHandler}, // standard route for expvars data
	}

	r := httprouter.New()
	for _, route := range routes {
		r.Handle(route.method, route.route, logWrapper(route.handler))
	}
	return r
}

// RunHandler runs a task to completion and returns its summary. The query
// parameter "arg" is passed to the task.
func (d *Daemon) RunHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	name := ps.ByName("task")
	if _, ok := Tasks[name]; !ok {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintf(w, "unknown task %q\n", name)
		return
	}
	req := Request{
		Arg:      r.URL.Query().Get("arg"),
		Envelope: map[string]string{"source": "admin", "remoteAddr": r.RemoteAddr},
	}
	summary, err := d.run(r.Context(), name, req)
	status := http.StatusOK
	if err != nil {
		status = http.StatusInternalServerError
		if hpatrol.Is(err, hpatrol.ConfigError) || hpatrol.Is(err, hpatrol.DataError) {
			status = http.StatusBadRequest
		}
	}
	writeJSON(w, status, RunInfo{Summary: summary, Error: errString(err)})
}

type aimpointInfo struct {
	Key            string `json:"key"`
	DeviceID       string `json:"deviceID"`
	CollectionType string `json:"collectionType"`
	Enabled        bool   `json:"enabled"`
}

// AimpointsHandler lists the aimpoints in the active or monitored prefix.
func (d *Daemon) AimpointsHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var prefix string
	switch ps.ByName("state") {
	case "active":
		prefix = d.Context.Config.Prefixes.Active
	case "monitored":
		prefix = d.Context.Config.Prefixes.Monitored
	default:
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintln(w, "state must be active or monitored")
		return
	}
	all, err := aimpoint.LoadAll(r.Context(), d.Context.Store, d.Context.WorkBucket(), prefix)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintln(w, err.Error())
		return
	}
	result := make([]aimpointInfo, 0, len(all))
	for _, a := range all {
		result = append(result, aimpointInfo{
			Key:            a.Key,
			DeviceID:       a.DeviceID,
			CollectionType: string(a.CollectionType),
			Enabled:        a.IsEnabled(),
		})
	}
	writeJSON(w, http.StatusOK, result)
}

// General route handlers and convenience functions

// VarHandler adapts the expvar default handler to the httprouter three parameter handler.
func VarHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	expvar.Handler().ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, val interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(val)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// logWrapper takes a handler and returns a handler which does the same thing,
// after first logging the request URL.
func logWrapper(handler httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		log.Info().Str("method", r.Method).Str("url", r.URL.String()).Msg("request")
		handler(w, r, ps)
	}
}
