package collector

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/antonholmquist/jason"
	"github.com/rs/zerolog/log"

	"github.com/hpatrol/hpatrol"
	"github.com/hpatrol/hpatrol/aimpoint"
	"github.com/hpatrol/hpatrol/hashstore"
	"github.com/hpatrol/hpatrol/netclient"
	"github.com/hpatrol/hpatrol/playlist"
	"github.com/hpatrol/hpatrol/store"
	"github.com/hpatrol/hpatrol/util"
)

// stillsPass fetches one image. Stills keep a stable name upstream, so the
// dedup marker is keyed by that name and holds the MD5 of the last version
// seen; an unchanged image is dropped. A decoy updates the marker but writes
// nothing else.
func (c *collector) stillsPass(ctx context.Context) error {
	file := filepath.Join(c.dir, c.a.Base()+".JPG")
	if err := c.fetchStill(ctx, file); err != nil {
		if hpatrol.Is(err, hpatrol.ConnectError) || hpatrol.Is(err, hpatrol.DataError) {
			log.Warn().Err(err).Str("deviceID", c.a.DeviceID).Msg("still fetch failed")
			return nil
		}
		return err
	}
	defer os.Remove(file)
	atomic.AddInt64(&c.res.Fetched, 1)

	sum, err := util.HashFile(file)
	if err != nil {
		return hpatrol.E(hpatrol.DataError, "collector.stillsPass", err)
	}
	stable := c.a.Base() + ".JPG"
	changed, err := c.hashes.Changed(ctx, stable, sum)
	if err != nil {
		return err
	}
	if !changed {
		atomic.AddInt64(&c.res.Duplicates, 1)
		return nil
	}
	if !c.a.Decoy {
		now := c.ac.Clock.Now()
		fi, _ := os.Stat(file)
		it := upload{path: file, sum: sum, key: c.a.LandingPrefix(now) + c.a.Base() + c.a.Suffix(now) + ".JPG"}
		if fi != nil {
			it.size = fi.Size()
		}
		if err := c.put(ctx, it); err != nil {
			return err
		}
		atomic.AddInt64(&c.res.Written, 1)
		atomic.AddInt64(&c.res.Bytes, it.size)
	}
	return c.hashes.Remember(ctx, stable, sum)
}

// fetchStill writes the current image to file. IMAGEINJSON aimpoints serve
// a JSON body whose contentBase64 member is the image.
func (c *collector) fetchStill(ctx context.Context, file string) error {
	req := netclient.Request{Method: "GET", URL: c.a.AccessURL, Header: c.a.Headers, UseCurl: c.a.UseCurl}
	if c.a.CollectionType != aimpoint.IMAGEINJSON {
		n, err := c.net.Download(ctx, req, file)
		if err == nil && n == 0 {
			os.Remove(file)
			return hpatrol.Errorf(hpatrol.DataError, "collector.fetchStill", "empty image from %s", c.a.AccessURL)
		}
		return err
	}
	resp, err := c.net.Do(ctx, req)
	if err != nil {
		return err
	}
	obj, err := jason.NewObjectFromBytes(resp.Body)
	if err != nil {
		return hpatrol.E(hpatrol.DataError, "collector.fetchStill", err)
	}
	enc, err := obj.GetString("contentBase64")
	if err != nil {
		return hpatrol.E(hpatrol.DataError, "collector.fetchStill", err)
	}
	data, err := base64.StdEncoding.DecodeString(enc)
	if err != nil || len(data) == 0 {
		return hpatrol.Errorf(hpatrol.DataError, "collector.fetchStill", "bad contentBase64 from %s: %v", c.a.AccessURL, err)
	}
	return os.WriteFile(file, data, 0644)
}

// indexedStills fetches every listed still not seen before. The marker is
// the MD5 of the device id and the still's update time, so each update is
// landed once. The listing is walked a single time whatever singleCollector
// says.
func (c *collector) indexedStills(ctx context.Context) error {
	if err := c.pastBreakPoint(ctx); err != nil {
		return err
	}
	stills, err := playlist.NewResolver(c.net).Index(ctx, c.a, c.a.Headers)
	if err != nil {
		return err
	}
	for _, s := range stills {
		if err := c.pastBreakPoint(ctx); err != nil {
			return err
		}
		token := hashstore.Sum([]byte(c.a.DeviceID + s.LastUpdate.UTC().Format("20060102150405")))
		seen, err := c.hashes.Seen(ctx, token)
		if err != nil {
			return err
		}
		if seen {
			atomic.AddInt64(&c.res.Duplicates, 1)
			continue
		}
		resp, err := c.get(ctx, s.URL)
		if err != nil {
			log.Warn().Err(err).Str("url", s.URL).Msg("indexed still fetch failed")
			continue
		}
		atomic.AddInt64(&c.res.Fetched, 1)
		if !c.a.Decoy {
			name := fmt.Sprintf("%s-%s_%s.JPG", c.a.Base(), presetBase(s.URL), s.LastUpdate.UTC().Format("20060102150405"))
			key := c.a.LandingPrefix(s.LastUpdate) + name
			if err := store.PutBytes(ctx, c.ac.Store, c.bucket, key, resp.Body, "image/jpeg"); err != nil {
				return hpatrol.E(hpatrol.StoreError, "collector.indexedStills", err)
			}
			atomic.AddInt64(&c.res.Written, 1)
			atomic.AddInt64(&c.res.Bytes, int64(len(resp.Body)))
		}
		if err := c.hashes.Mark(ctx, token); err != nil {
			return err
		}
	}
	return nil
}

// presetBase is the file name of a still URL without its extension.
func presetBase(raw string) string {
	p := raw
	if u, err := url.Parse(raw); err == nil {
		p = u.Path
	}
	b := path.Base(p)
	return strings.TrimSuffix(b, path.Ext(b))
}
