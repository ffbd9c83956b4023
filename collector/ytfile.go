package collector

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/hpatrol/hpatrol"
	"github.com/hpatrol/hpatrol/util"
)

// youtubeFile downloads a single video with yt-dlp and lands every file it
// produced like a video segment.
func (c *collector) youtubeFile(ctx context.Context) error {
	if err := c.pastBreakPoint(ctx); err != nil {
		return err
	}
	dl := filepath.Join(c.dir, "yt")
	if err := os.Mkdir(dl, 0755); err != nil {
		return hpatrol.E(hpatrol.ConfigError, "collector.youtubeFile", err)
	}
	files, err := c.ac.Media.YtDlp(ctx, c.a.AccessURL, dl)
	if err != nil {
		return err
	}
	now := c.ac.Clock.Now()
	stem := c.a.Base() + c.a.Suffix(now)
	var items []upload
	for i, f := range files {
		atomic.AddInt64(&c.res.Fetched, 1)
		sum, err := util.HashFile(f)
		if err != nil {
			return hpatrol.E(hpatrol.DataError, "collector.youtubeFile", err)
		}
		name := stem
		if len(files) > 1 {
			name = fmt.Sprintf("%s.%02d", stem, i)
		}
		var size int64
		if fi, err := os.Stat(f); err == nil {
			size = fi.Size()
		}
		items = append(items, upload{
			path: f,
			sum:  sum,
			size: size,
			key:  c.a.LandingPrefix(now) + name + filepath.Ext(f),
		})
	}
	return c.upload(ctx, items)
}
