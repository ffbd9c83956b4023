package server

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/julienschmidt/httprouter"
)

// Version is set at link time.
var Version = "dev"

// WelcomeHandler reports the version and the last run of each task. It
// answers in JSON when asked for it.
func (d *Daemon) WelcomeHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	last := d.LastRuns()
	if r.Header.Get("Accept") == "application/json" {
		writeJSON(w, http.StatusOK, struct {
			Version string             `json:"version"`
			Runs    map[string]RunInfo `json:"runs"`
		}{Version, last})
		return
	}
	fmt.Fprintf(w, "hpatrol (%s)\n", Version)
	names := make([]string, 0, len(last))
	for name := range last {
		names = append(names, name)
	}
	sort.Strings(names)
	now := d.Context.Clock.Now()
	for _, name := range names {
		info := last[name]
		status := "ok"
		if info.Error != "" {
			status = info.Error
		}
		fmt.Fprintf(w, "%-12s %s (%s) %s\n", name,
			humanize.RelTime(info.Started, now, "ago", "from now"),
			info.Finished.Sub(info.Started), status)
	}
}
