package collector

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hpatrol/hpatrol"
	"github.com/hpatrol/hpatrol/hashstore"
	"github.com/hpatrol/hpatrol/playlist"
)

// retryWait bounds the random pause between playlist attempts.
var retryWait = [2]time.Duration{3 * time.Second, 10 * time.Second}

// segment is a file collected into the scratch directory.
type segment struct {
	path string
	name string
	sum  string // of the upstream bytes, without any init segment
	at   int64  // collection time, unix seconds
	size int64
}

// videoRun is the state kept across the passes of a video run.
type videoRun struct {
	seen    map[string]bool
	files   []*segment
	stems   map[string]int
	first   map[string]*segment
	init    []byte
	initURL string
}

func (c *collector) video(ctx context.Context) error {
	u, err := playlist.NewResolver(c.net).Resolve(ctx, c.a, c.a.Headers)
	if err != nil {
		return err
	}
	loader := playlist.NewLoader(c.net, c.ac.Clock)
	loader.UseCurl = c.a.UseCurl
	loader.MinWait, loader.MaxWait = retryWait[0], retryWait[1]
	v := &videoRun{
		seen:  make(map[string]bool),
		stems: make(map[string]int),
		first: make(map[string]*segment),
	}
	err = c.loop(ctx, func(ctx context.Context) error {
		return c.videoPass(ctx, loader, u, v)
	})
	if err != nil && !hpatrol.Is(err, hpatrol.TimeBudgetExceeded) {
		log.Warn().Err(err).Str("deviceID", c.a.DeviceID).Int("segments", len(v.files)).Msg("video loop stopped")
	}
	// what was collected before a failure is still landed
	if ferr := c.finishVideo(ctx, v.files); ferr != nil && (err == nil || hpatrol.Is(err, hpatrol.TimeBudgetExceeded)) {
		err = ferr
	}
	return err
}

func (c *collector) videoPass(ctx context.Context, loader *playlist.Loader, u string, v *videoRun) error {
	p, err := loader.Load(ctx, u, c.a.Headers)
	if err != nil {
		return err
	}
	if p.InitURL != "" && p.InitURL != v.initURL {
		resp, err := c.get(ctx, p.InitURL)
		if err != nil {
			return hpatrol.E(hpatrol.PlaylistError, "collector init segment", err)
		}
		v.init, v.initURL = resp.Body, p.InitURL
	}
	for _, seg := range p.Segments {
		if err := c.pastBreakPoint(ctx); err != nil {
			return err
		}
		resp, err := c.get(ctx, seg.URL)
		if err != nil {
			log.Warn().Err(err).Str("url", seg.URL).Msg("segment fetch failed")
			continue
		}
		atomic.AddInt64(&c.res.Fetched, 1)
		sum := hashstore.Sum(resp.Body)
		if v.seen[sum] {
			atomic.AddInt64(&c.res.Duplicates, 1)
			continue
		}
		v.seen[sum] = true
		if err := c.writeSegment(v, resp.Body, sum); err != nil {
			log.Warn().Err(err).Str("url", seg.URL).Msg("segment write failed")
			continue
		}
		if c.a.HonorExtinf && seg.Duration > 0 {
			if err := c.sleep(ctx, secs(seg.Duration)); err != nil {
				return err
			}
		}
	}
	return nil
}

// writeSegment stores body, behind the init segment if there is one, under
// <base><suffix>.ts. A name already used in this run gets a two digit
// counter before the extension, and the first holder of the name is renamed
// to .00 so the names sort in collection order.
func (c *collector) writeSegment(v *videoRun, body []byte, sum string) error {
	now := c.ac.Clock.Now()
	stem := c.a.Base() + c.a.Suffix(now)
	ext := ".ts"
	if v.init != nil {
		ext = ".mp4"
	}
	n := v.stems[stem]
	name := stem + ext
	if n == 1 {
		prev := v.first[stem]
		renamed := stem + ".00" + ext
		if err := os.Rename(prev.path, filepath.Join(c.dir, renamed)); err != nil {
			return err
		}
		prev.name, prev.path = renamed, filepath.Join(c.dir, renamed)
	}
	if n >= 1 {
		name = fmt.Sprintf("%s.%02d%s", stem, n, ext)
	}
	seg := &segment{path: filepath.Join(c.dir, name), name: name, sum: sum, at: now.Unix()}
	f, err := os.Create(seg.path)
	if err != nil {
		return err
	}
	if v.init != nil {
		_, err = f.Write(v.init)
	}
	if err == nil {
		_, err = f.Write(body)
	}
	if err2 := f.Close(); err == nil {
		err = err2
	}
	if err != nil {
		os.Remove(seg.path)
		return err
	}
	seg.size = int64(len(v.init) + len(body))
	v.stems[stem] = n + 1
	if n == 0 {
		v.first[stem] = seg
	}
	v.files = append(v.files, seg)
	return nil
}

// finishVideo repairs the playback order of the collected files and uploads
// them. The files are uploaded in playback order but keep the names of the
// collection order, so names stay chronological while the content under
// them plays in order.
func (c *collector) finishVideo(ctx context.Context, files []*segment) error {
	if len(files) == 0 {
		return nil
	}
	paths := make([]string, len(files))
	byPath := make(map[string]*segment, len(files))
	for i, f := range files {
		paths[i] = f.path
		byPath[f.path] = f
	}
	ordered, err := c.ac.Media.RepairOrder(ctx, paths)
	if err != nil {
		return err
	}
	keep := make(map[string]bool, len(ordered))
	for _, o := range ordered {
		keep[o.Path] = true
	}
	var names []*segment
	for _, f := range files {
		if keep[f.path] {
			names = append(names, f)
		}
	}
	items := make([]upload, len(ordered))
	for i, o := range ordered {
		src := byPath[o.Path]
		items[i] = upload{
			path: src.path,
			sum:  src.sum,
			size: src.size,
			key:  c.a.LandingPrefix(unix(names[i].at)) + names[i].name,
		}
	}
	return c.upload(ctx, items)
}
