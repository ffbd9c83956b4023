// Package playlist loads HLS playlists and resolves each collection type's
// access URL to a concrete playlist URL.
package playlist

import (
	"bytes"
	"context"
	"math/rand"
	"net/url"
	"strings"
	"time"

	"github.com/facebookgo/clock"
	"github.com/grafov/m3u8"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/hpatrol/hpatrol"
	"github.com/hpatrol/hpatrol/netclient"
)

// Client is the part of the upstream session the playlist code uses.
type Client interface {
	Do(ctx context.Context, req netclient.Request) (*netclient.Response, error)
}

// Segment is one media entry of a playlist, with an absolute URL.
type Segment struct {
	URL      string
	Duration float64 // EXTINF, seconds
}

// Playlist is a resolved media playlist.
type Playlist struct {
	URL      string
	InitURL  string // EXT-X-MAP, for fragmented MP4
	Segments []Segment
}

// brokenMarker appears in the segment names of playlists some servers hand
// out while the camera is offline.
const brokenMarker = "-403.ts"

const maxDepth = 4

// Loader fetches media playlists, following variant playlists down to the
// highest bandwidth child.
type Loader struct {
	Client   Client
	Clock    clock.Clock
	Attempts int           // default 3
	MinWait  time.Duration // default 3s
	MaxWait  time.Duration // default 10s
	UseCurl  bool
}

// NewLoader returns a Loader with the default retry policy.
func NewLoader(c Client, clk clock.Clock) *Loader {
	if clk == nil {
		clk = clock.New()
	}
	return &Loader{Client: c, Clock: clk, Attempts: 3, MinWait: 3 * time.Second, MaxWait: 10 * time.Second}
}

// Load fetches and parses the playlist at u. Empty, invalid or unreachable
// playlists are retried after a random pause; when the attempts are used up
// a PlaylistError is returned.
func (l *Loader) Load(ctx context.Context, u string, header map[string]string) (*Playlist, error) {
	attempts := l.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			if err := l.pause(ctx); err != nil {
				return nil, err
			}
		}
		p, err := l.load(ctx, u, header, 0)
		if err == nil {
			return p, nil
		}
		lastErr = err
		log.Warn().Err(err).Str("url", u).Int("attempt", i+1).Msg("playlist")
	}
	return nil, hpatrol.E(hpatrol.PlaylistError, "playlist.Load", lastErr)
}

func (l *Loader) pause(ctx context.Context) error {
	d := l.MinWait
	if l.MaxWait > l.MinWait {
		d += time.Duration(rand.Int63n(int64(l.MaxWait - l.MinWait)))
	}
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-l.Clock.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loader) load(ctx context.Context, u string, header map[string]string, depth int) (*Playlist, error) {
	if depth >= maxDepth {
		return nil, errors.Errorf("variant playlists nested deeper than %d", maxDepth)
	}
	resp, err := l.Client.Do(ctx, netclient.Request{Method: "GET", URL: u, Header: header, UseCurl: l.UseCurl})
	if err != nil {
		return nil, err
	}
	base := resp.URL
	if base == "" {
		base = u
	}
	p, child, err := Parse(resp.Body, base)
	if err != nil {
		return nil, err
	}
	if child != "" {
		log.Debug().Str("variant", child).Msg("following variant playlist")
		return l.load(ctx, child, header, depth+1)
	}
	return p, nil
}

// Parse decodes a playlist fetched from base. A media playlist is returned
// with its segment URLs made absolute. For a variant playlist the URL of the
// child with the highest bandwidth is returned instead.
func Parse(data []byte, base string) (p *Playlist, child string, err error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, "", errors.New("empty playlist")
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil, "", errors.Wrap(err, "playlist url")
	}
	decoded, listType, err := m3u8.DecodeFrom(bytes.NewReader(data), false)
	if err != nil {
		return nil, "", errors.Wrap(err, "decoding playlist")
	}
	switch listType {
	case m3u8.MASTER:
		master := decoded.(*m3u8.MasterPlaylist)
		var best *m3u8.Variant
		for _, v := range master.Variants {
			if v == nil || v.URI == "" {
				continue
			}
			if best == nil || v.Bandwidth > best.Bandwidth {
				best = v
			}
		}
		if best == nil {
			return nil, "", errors.New("variant playlist without variants")
		}
		return nil, resolve(baseURL, best.URI), nil
	case m3u8.MEDIA:
		media := decoded.(*m3u8.MediaPlaylist)
		p = &Playlist{URL: base}
		if media.Map != nil && media.Map.URI != "" {
			p.InitURL = resolve(baseURL, media.Map.URI)
		}
		for _, s := range media.Segments {
			if s == nil {
				continue
			}
			if strings.Contains(s.URI, brokenMarker) {
				return nil, "", errors.Errorf("segment %s marks a broken playlist", s.URI)
			}
			if p.InitURL == "" && s.Map != nil && s.Map.URI != "" {
				p.InitURL = resolve(baseURL, s.Map.URI)
			}
			p.Segments = append(p.Segments, Segment{URL: resolve(baseURL, s.URI), Duration: s.Duration})
		}
		if len(p.Segments) == 0 {
			return nil, "", errors.New("playlist has no segments")
		}
		return p, "", nil
	}
	return nil, "", errors.New("unknown playlist type")
}

// resolve handles absolute, root relative and relative references.
func resolve(base *url.URL, ref string) string {
	r, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return ref
	}
	return base.ResolveReference(r).String()
}
