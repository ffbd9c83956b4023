package media

import (
	"context"
	"os"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// FakeRunner stands in for ffmpeg and ffprobe. Probe answers are looked up
// by the probed file and the requested entries; ffmpeg invocations are
// recorded and, when OnFFmpeg is set, handed to it so a test can produce
// output files.
type FakeRunner struct {
	// Probes maps "<file>|<show_entries>" to the JSON ffprobe would print.
	Probes map[string]string
	// OnFFmpeg, if set, is called with every ffmpeg argument list. Its
	// result is returned as the program output.
	OnFFmpeg func(args []string) ([]byte, error)
	// ProbeFunc, if set, answers probes missing from Probes.
	ProbeFunc func(file, entries string) (string, bool)
	// OnYtDlp, if set, stands in for yt-dlp.
	OnYtDlp func(args []string) ([]byte, error)

	m     sync.Mutex
	Calls [][]string
}

// NewFakeRunner returns an empty FakeRunner.
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{Probes: make(map[string]string)}
}

// SetProbe records the answer to an ffprobe of file for entries.
func (f *FakeRunner) SetProbe(file, entries, json string) {
	f.m.Lock()
	f.Probes[file+"|"+entries] = json
	f.m.Unlock()
}

// Run implements Runner. Programs whose name contains "ffprobe" are
// probes; everything else is ffmpeg.
func (f *FakeRunner) Run(ctx context.Context, name string, args []string) ([]byte, error) {
	f.m.Lock()
	f.Calls = append(f.Calls, append([]string{name}, args...))
	on, yt := f.OnFFmpeg, f.OnYtDlp
	f.m.Unlock()
	if strings.Contains(name, "yt-dlp") {
		if yt == nil {
			return nil, errors.New("yt-dlp: no handler")
		}
		return yt(args)
	}
	if !strings.Contains(name, "ffprobe") {
		if on != nil {
			return on(args)
		}
		// touch the output so later steps find it
		if n := len(args); n > 0 && args[n-1] != "-" && !strings.HasPrefix(args[n-1], "-") {
			return nil, os.WriteFile(args[n-1], nil, 0644)
		} else if n > 1 && args[n-1] == "-y" {
			return nil, os.WriteFile(args[n-2], nil, 0644)
		}
		return nil, nil
	}
	var entries string
	for i := 0; i+1 < len(args); i++ {
		if args[i] == "-show_entries" {
			entries = args[i+1]
		}
	}
	file := args[len(args)-1]
	f.m.Lock()
	out, ok := f.Probes[file+"|"+entries]
	pf := f.ProbeFunc
	f.m.Unlock()
	if !ok && pf != nil {
		out, ok = pf(file, entries)
	}
	if !ok {
		return nil, errors.Errorf("ffprobe: %s: no answer for %s", file, entries)
	}
	return []byte(out), nil
}

// FFmpegCalls returns the argument lists of the ffmpeg invocations so far.
func (f *FakeRunner) FFmpegCalls() [][]string {
	f.m.Lock()
	defer f.m.Unlock()
	var result [][]string
	for _, c := range f.Calls {
		if !strings.Contains(c[0], "ffprobe") && !strings.Contains(c[0], "yt-dlp") {
			result = append(result, c[1:])
		}
	}
	return result
}
