// Package transcoder turns the raw segments of one window into clips. It
// consumes the tasks the drover posts: it lists and downloads the window,
// drops repeated content, repairs the playback order, groups the inputs and
// runs ffmpeg once per group, then uploads each result to the delivery
// bucket.
package transcoder

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	ffmpeg "github.com/u2takey/ffmpeg-go"
	"golang.org/x/sync/errgroup"

	"github.com/hpatrol/hpatrol"
	"github.com/hpatrol/hpatrol/aimpoint"
	"github.com/hpatrol/hpatrol/app"
	"github.com/hpatrol/hpatrol/media"
	"github.com/hpatrol/hpatrol/queue"
	"github.com/hpatrol/hpatrol/store"
	"github.com/hpatrol/hpatrol/util"
)

// Result summarises one task.
type Result struct {
	Listed  int   `json:"listed"`
	Inputs  int   `json:"inputs"`
	Groups  int   `json:"groups"`
	Outputs int   `json:"outputs"`
	Failed  int   `json:"failed"`
	Bytes   int64 `json:"bytes"`
}

// epochBucket is the width of the key ranges listed around clipStart.
const epochBucket = 10000

// Input is a listed raw segment.
type Input struct {
	Key   string
	Epoch int64
}

// job is the state of one task.
type job struct {
	ac         *app.Context
	t          *Task
	dir        string
	breakPoint time.Time
	res        Result
}

// Process runs one task. Groups fail independently: a bad ffmpeg run for
// one group is logged and the other groups are still uploaded, and the
// first such error is returned. The scratch directory is always removed.
func Process(ctx context.Context, ac *app.Context, t *Task) (res Result, err error) {
	if err := t.Validate(); err != nil {
		return Result{}, err
	}
	dir, err := os.MkdirTemp(ac.Config.System.ScratchDir, "transcode-")
	if err != nil {
		return Result{}, hpatrol.E(hpatrol.ConfigError, "transcoder.Process", err)
	}
	defer os.RemoveAll(dir)

	j := &job{ac: ac, t: t, dir: dir}
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("deviceID", t.DeviceID).Interface("panic", r).Msg("transcode task panicked")
			res, err = j.res, errors.Errorf("transcoder.Process %s: panic: %v", t.DeviceID, r)
		}
	}()
	j.breakPoint = breakPoint(ctx, ac)
	err = j.run(ctx)
	log.Info().
		Str("task", t.Task).
		Str("deviceID", t.DeviceID).
		Str("clipStart", t.ClipStart).
		Int("inputs", j.res.Inputs).
		Int("outputs", j.res.Outputs).
		Int("failed", j.res.Failed).
		Str("bytes", humanize.Bytes(uint64(j.res.Bytes))).
		Err(err).
		Msg("transcode task finished")
	return j.res, err
}

func breakPoint(ctx context.Context, ac *app.Context) time.Time {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = ac.Clock.Now().Add(ac.Config.System.RunBudget.Duration)
	}
	return deadline.Add(-ac.Config.System.SafetyMargin.Duration)
}

func (j *job) run(ctx context.Context) error {
	inputs, err := List(ctx, j.ac.Store, j.t)
	if err != nil {
		return err
	}
	j.res.Listed = len(inputs)
	if len(inputs) == 0 {
		log.Info().Str("prefix", j.t.SrcPrefix).Str("clipStart", j.t.ClipStart).Msg("nothing in window")
		return nil
	}
	files, err := j.download(ctx, inputs)
	if err != nil {
		return err
	}
	j.res.Inputs = len(files)

	if j.t.Task == Timelapse {
		out, err := j.timelapse(ctx)
		if err != nil {
			return err
		}
		return j.upload(ctx, []output{out})
	}
	outputs, gerr := j.clips(ctx, files)
	if len(outputs) == 0 {
		return gerr
	}
	if err := j.upload(ctx, outputs); err != nil {
		return err
	}
	return gerr
}

// List returns the inputs of t: the objects under the source prefix named
// <filenameBase>_<epoch>... whose epoch falls in the clip window, in
// natural order. Two 10000 second key ranges are listed so a window
// crossing a range boundary is covered. Objects with an ETag already listed
// are dropped.
func List(ctx context.Context, s store.Store, t *Task) ([]Input, error) {
	start, err := t.Start()
	if err != nil {
		return nil, err
	}
	stem := t.FilenameBase + "_"
	etags := make(map[string]bool)
	var keys []string
	epochs := make(map[string]int64)
	for b := start / epochBucket; b <= (start+int64(t.ClipLengthSecs))/epochBucket && b <= start/epochBucket+1; b++ {
		prefix := t.SrcPrefix + stem + strconv.FormatInt(b, 10)
		items, err := s.List(ctx, t.WrkBucket, prefix, store.ListOptions{DedupByETag: true})
		if err != nil {
			return nil, hpatrol.E(hpatrol.StoreError, "transcoder.List", err)
		}
		for _, m := range items {
			if m.ETag != "" && etags[m.ETag] {
				continue
			}
			epoch, ok := keyEpoch(path.Base(m.Key), stem)
			if !ok || epoch < start || epoch > start+int64(t.ClipLengthSecs) {
				continue
			}
			etags[m.ETag] = true
			keys = append(keys, m.Key)
			epochs[m.Key] = epoch
		}
	}
	util.SortNatural(keys)
	result := make([]Input, len(keys))
	for i, k := range keys {
		result[i] = Input{Key: k, Epoch: epochs[k]}
	}
	return result, nil
}

// keyEpoch reads the epoch seconds following stem in name.
func keyEpoch(name, stem string) (int64, bool) {
	if !strings.HasPrefix(name, stem) {
		return 0, false
	}
	rest := name[len(stem):]
	n := 0
	for n < len(rest) && rest[n] >= '0' && rest[n] <= '9' {
		n++
	}
	if n == 0 {
		return 0, false
	}
	v, err := strconv.ParseInt(rest[:n], 10, 64)
	return v, err == nil
}

// download fetches the inputs into the scratch directory with at most
// UploadWorkers transfers at a time. It returns the local paths in input
// order.
func (j *job) download(ctx context.Context, inputs []Input) ([]string, error) {
	files := make([]string, len(inputs))
	var g errgroup.Group
	g.SetLimit(j.ac.Config.System.UploadWorkers)
	for i, in := range inputs {
		i, in := i, in
		g.Go(func() error {
			data, err := j.ac.Store.Get(ctx, j.t.WrkBucket, in.Key)
			if err != nil {
				return hpatrol.E(hpatrol.StoreError, "transcoder.download", err)
			}
			p := filepath.Join(j.dir, path.Base(in.Key))
			if err := os.WriteFile(p, data, 0644); err != nil {
				return hpatrol.E(hpatrol.ConfigError, "transcoder.download", err)
			}
			files[i] = p
			return nil
		})
	}
	return files, g.Wait()
}

// output is a produced file and where it goes.
type output struct {
	path string
	key  string
}

func (j *job) outKey(suffix, ext string) string {
	return j.t.DstPrefix + j.t.OutFilename + suffix + "." + ext
}

func (j *job) timelapse(ctx context.Context) (output, error) {
	ext := j.t.OutExt
	if ext == "" {
		ext = "mp4"
	}
	fps := j.ac.Config.Drover.TimelapseFPS
	if j.t.TimelapseFPS != nil && *j.t.TimelapseFPS > 0 {
		fps = *j.t.TimelapseFPS
	}
	out := filepath.Join(j.dir, "out", j.t.OutFilename+"."+ext)
	if err := os.MkdirAll(filepath.Dir(out), 0755); err != nil {
		return output{}, hpatrol.E(hpatrol.ConfigError, "transcoder.timelapse", err)
	}
	j.res.Groups = 1
	if err := j.ac.Media.Timelapse(ctx, j.dir, fps, out); err != nil {
		j.res.Failed++
		return output{}, err
	}
	return output{path: out, key: j.outKey("", ext)}, nil
}

// clips produces the video or audio outputs. It returns the outputs which
// were made together with the first group failure.
func (j *job) clips(ctx context.Context, files []string) ([]output, error) {
	files = j.dedup(ctx, files)
	ordered, err := j.ac.Media.RepairOrder(ctx, files)
	if err != nil {
		return nil, err
	}
	var reset []string
	for _, seg := range ordered {
		r := filepath.Join(filepath.Dir(seg.Path), "r_"+filepath.Base(seg.Path))
		if err := j.ac.Media.ResetStart(ctx, seg.Path, r); err != nil {
			log.Warn().Err(err).Str("file", seg.Path).Msg("start reset failed, using the input as is")
			r = seg.Path
		}
		reset = append(reset, r)
	}
	groups := j.group(ctx, reset)
	j.res.Groups = len(groups)

	var outputs []output
	var firstErr error
	for i, g := range groups {
		if !j.ac.Clock.Now().Before(j.breakPoint) {
			err := hpatrol.Errorf(hpatrol.TimeBudgetExceeded, "transcoder", "break-point reached with %d groups left", len(groups)-i)
			if firstErr == nil {
				firstErr = err
			}
			break
		}
		suffix := ""
		if len(groups) > 1 {
			suffix = fmt.Sprintf("_%02d", i)
		}
		out, err := j.clip(ctx, g, suffix, i)
		if err != nil {
			j.res.Failed++
			log.Error().Err(err).Str("deviceID", j.t.DeviceID).Int("group", i).Msg("group failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		outputs = append(outputs, out)
	}
	return outputs, firstErr
}

// clip runs ffmpeg over one group.
func (j *job) clip(ctx context.Context, group []string, suffix string, n int) (output, error) {
	var in, out map[string]interface{}
	if o := j.t.TranscodeOptions; o != nil {
		in, out = o.Input, o.Output
	}
	defaults := media.CopyStreams
	ext := j.t.OutExt
	if j.t.Task == TakeAudio {
		defaults = media.AudioOnly
		// each group is probed on its own; groups may differ in codec
		codec, err := j.ac.Media.AudioCodec(ctx, group[0])
		if err != nil {
			return output{}, err
		}
		ext = media.AudioExt(codec)
	}
	if ext == "" {
		ext = "mp4"
	}
	dst := filepath.Join(j.dir, "out", fmt.Sprintf("%02d.%s", n, ext))
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return output{}, hpatrol.E(hpatrol.ConfigError, "transcoder.clip", err)
	}
	err := j.ac.Media.Concat(ctx, group, dst, ffmpeg.KwArgs(in), media.Merge(defaults, out))
	if err != nil {
		return output{}, err
	}
	return output{path: dst, key: j.outKey(suffix, ext)}, nil
}

// dedup drops inputs whose decoded video repeats an earlier input's when
// the task asks for ffmpegHash. An input which cannot be hashed is kept.
func (j *job) dedup(ctx context.Context, files []string) []string {
	switch j.t.Dedup() {
	case aimpoint.DedupHash:
	case aimpoint.DedupFrameHash:
		log.Debug().Msg("ffmpegFrameHash dedup is not implemented, keeping every input")
		return files
	default:
		return files
	}
	seen := make(map[string]bool)
	var result []string
	for _, f := range files {
		sum, err := j.ac.Media.StreamMD5(ctx, f)
		if err != nil {
			log.Warn().Err(err).Str("file", f).Msg("stream hash failed, keeping input")
			result = append(result, f)
			continue
		}
		if seen[sum] {
			log.Debug().Str("file", f).Msg("repeated stream, dropping")
			os.Remove(f)
			continue
		}
		seen[sum] = true
		result = append(result, f)
	}
	return result
}

// group splits the ordered inputs. An input lasting between 80% and 150%
// of the system periodicity is already a whole clip and is a group of its
// own; the rest form one group in their order.
func (j *job) group(ctx context.Context, files []string) [][]string {
	p := j.ac.Config.Periodicity()
	lo, hi := p*8/10, p*15/10
	var groups [][]string
	rest := -1
	for _, f := range files {
		d, err := j.ac.Media.Duration(ctx, f)
		if err == nil && d >= lo && d <= hi {
			groups = append(groups, []string{f})
			continue
		}
		if rest < 0 {
			rest = len(groups)
			groups = append(groups, nil)
		}
		groups[rest] = append(groups[rest], f)
	}
	return groups
}

// upload sends the outputs to the delivery bucket. Each is tried three
// times; the first failure is returned after all have been tried.
func (j *job) upload(ctx context.Context, outputs []output) error {
	var m sync.Mutex
	var g errgroup.Group
	g.SetLimit(j.ac.Config.System.UploadWorkers)
	for _, o := range outputs {
		o := o
		g.Go(func() error {
			var err error
			var size int64
			for i := 0; i < 3; i++ {
				var f *os.File
				f, err = os.Open(o.path)
				if err != nil {
					return hpatrol.E(hpatrol.DataError, "transcoder.upload", err)
				}
				if fi, serr := f.Stat(); serr == nil {
					size = fi.Size()
				}
				err = j.ac.Store.Put(ctx, j.t.DstBucket, o.key, f, store.PutOptions{ContentType: contentType(o.key)})
				f.Close()
				if err == nil || ctx.Err() != nil {
					break
				}
			}
			if err != nil {
				return hpatrol.E(hpatrol.StoreError, "transcoder.upload", err)
			}
			m.Lock()
			j.res.Outputs++
			j.res.Bytes += size
			m.Unlock()
			log.Debug().Str("key", o.key).Str("size", humanize.Bytes(uint64(size))).Msg("delivered")
			return nil
		})
	}
	return g.Wait()
}

func contentType(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".mp4":
		return "video/mp4"
	case ".ts":
		return "video/MP2T"
	case ".aac":
		return "audio/aac"
	case ".mp3":
		return "audio/mpeg"
	}
	return "application/octet-stream"
}

// Drain processes one batch of at most max tasks from the transcode queue
// with at most workers at a time. Each task gets budget as its deadline
// when budget is positive.
func Drain(ctx context.Context, ac *app.Context, max, workers int, wait, budget time.Duration) (Result, hpatrol.Level, error) {
	var m sync.Mutex
	var total Result
	level := hpatrol.LevelInfo
	_, err := queue.Consume(ctx, ac.Queue, ac.Config.Queue.Transcode, max, wait, workers, func(ctx context.Context, qm queue.Message) error {
		if budget > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, budget)
			defer cancel()
		}
		t, err := DecodeTask(qm.Body)
		var res Result
		if err == nil {
			res, err = Process(ctx, ac, t)
		}
		m.Lock()
		total.Listed += res.Listed
		total.Inputs += res.Inputs
		total.Groups += res.Groups
		total.Outputs += res.Outputs
		total.Failed += res.Failed
		total.Bytes += res.Bytes
		level = hpatrol.Max(level, hpatrol.LevelOf(err))
		m.Unlock()
		return err
	})
	if err != nil {
		return total, level, hpatrol.E(hpatrol.StoreError, "transcoder.Drain", err)
	}
	return total, level, nil
}
