package collector

import (
	"context"
	"mime"
	"os"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/golang/groupcache/singleflight"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/hpatrol/hpatrol"
	"github.com/hpatrol/hpatrol/store"
	"github.com/hpatrol/hpatrol/util"
)

// upload is one local file bound for the work bucket.
type upload struct {
	path string
	sum  string
	size int64
	key  string
}

// putAttempts bounds the retries of a single upload.
const putAttempts = 3

// upload sends the files with at most UploadWorkers in flight. Content
// already marked in the hash store is skipped; new content is uploaded and
// then marked. A failed upload does not stop the others; the first error is
// returned after all have finished.
func (c *collector) upload(ctx context.Context, items []upload) error {
	gate := util.NewGate(c.ac.Config.System.UploadWorkers)
	var flight singleflight.Group
	var g errgroup.Group
	var enterErr error
	for _, it := range items {
		it := it
		if err := gate.Enter(ctx); err != nil {
			enterErr = hpatrol.E(hpatrol.TimeBudgetExceeded, "collector.upload", err)
			break
		}
		g.Go(func() (err error) {
			defer gate.Leave()
			defer func() {
				if r := recover(); r != nil {
					err = errors.Errorf("collector.upload %s: panic: %v", it.key, r)
				}
			}()
			return c.uploadOne(ctx, &flight, it)
		})
	}
	// uploads already started finish before the scratch files go away
	if err := g.Wait(); err != nil {
		return err
	}
	return enterErr
}

func (c *collector) uploadOne(ctx context.Context, flight *singleflight.Group, it upload) error {
	v, err := flight.Do(it.sum, func() (interface{}, error) {
		return c.hashes.Seen(ctx, it.sum)
	})
	if err != nil {
		return err
	}
	if v.(bool) {
		atomic.AddInt64(&c.res.Duplicates, 1)
		log.Debug().Str("key", it.key).Msg("already seen")
		return nil
	}
	if !c.a.Decoy {
		if err := c.put(ctx, it); err != nil {
			return err
		}
		atomic.AddInt64(&c.res.Written, 1)
		atomic.AddInt64(&c.res.Bytes, it.size)
		log.Debug().Str("key", it.key).Str("size", humanize.Bytes(uint64(it.size))).Msg("uploaded")
	}
	return c.hashes.Mark(ctx, it.sum)
}

func (c *collector) put(ctx context.Context, it upload) error {
	var err error
	for i := 0; i < putAttempts; i++ {
		var f *os.File
		f, err = os.Open(it.path)
		if err != nil {
			return hpatrol.E(hpatrol.DataError, "collector.put", err)
		}
		err = c.ac.Store.Put(ctx, c.bucket, it.key, f, store.PutOptions{ContentType: contentType(it.key)})
		f.Close()
		if err == nil || ctx.Err() != nil {
			break
		}
		log.Warn().Err(err).Str("key", it.key).Int("attempt", i+1).Msg("upload failed")
	}
	return hpatrol.E(hpatrol.StoreError, "collector.put", err)
}

func contentType(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".ts":
		return "video/MP2T"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".mp4":
		return "video/mp4"
	}
	if t := mime.TypeByExtension(path.Ext(key)); t != "" {
		return t
	}
	return "application/octet-stream"
}

func secs(f float64) time.Duration { return time.Duration(f * float64(time.Second)) }

func unix(s int64) time.Time { return time.Unix(s, 0).UTC() }
