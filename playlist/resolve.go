package playlist

import (
	"bytes"
	"context"
	"encoding/json"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/antonholmquist/jason"
	"github.com/pkg/errors"
	"golang.org/x/net/html"

	"github.com/hpatrol/hpatrol"
	"github.com/hpatrol/hpatrol/aimpoint"
	"github.com/hpatrol/hpatrol/netclient"
)

// DefaultInnerTubeURL is the YouTube player endpoint used when a watch page
// does not carry a manifest URL.
const DefaultInnerTubeURL = "https://www.youtube.com/youtubei/v1/player"

// Resolver maps an aimpoint to the URL of its playlist.
type Resolver struct {
	Client       Client
	InnerTubeURL string
}

// NewResolver returns a Resolver using c.
func NewResolver(c Client) *Resolver {
	return &Resolver{Client: c, InnerTubeURL: DefaultInnerTubeURL}
}

// Resolve returns the playlist URL for a. Resolution failures are
// PlaylistErrors; transport failures keep their ConnectError kind.
func (r *Resolver) Resolve(ctx context.Context, a *aimpoint.Aimpoint, header map[string]string) (string, error) {
	const op = "playlist.Resolve"
	var (
		u   string
		err error
	)
	switch a.CollectionType {
	case aimpoint.M3U, aimpoint.FIRSTCONTACT, aimpoint.BAZNET:
		return a.AccessURL, nil
	case aimpoint.IVIDEO, aimpoint.GNDONG, aimpoint.IPLIVE:
		u, err = r.fromPage(ctx, a, header)
	case aimpoint.UFANET, aimpoint.HNGCLD, aimpoint.RTSPME:
		u, err = r.fromJSON(ctx, a, header)
	case aimpoint.OPTION:
		_, err = r.Client.Do(ctx, netclient.Request{Method: "OPTIONS", URL: a.AccessURL, Header: header, UseCurl: a.UseCurl})
		u = a.AccessURL
	case aimpoint.YOUTUB:
		u, err = r.youtube(ctx, a, header)
	default:
		return "", hpatrol.Errorf(hpatrol.ConfigError, op, "%s has no playlist", a.CollectionType)
	}
	if err != nil {
		if hpatrol.KindOf(err) == hpatrol.KindUnknown {
			err = hpatrol.E(hpatrol.PlaylistError, op, err)
		}
		return "", err
	}
	return u, nil
}

func (r *Resolver) get(ctx context.Context, a *aimpoint.Aimpoint, header map[string]string) (*netclient.Response, error) {
	return r.Client.Do(ctx, netclient.Request{Method: "GET", URL: a.AccessURL, Header: header, UseCurl: a.UseCurl})
}

var m3u8InText = regexp.MustCompile(`[^\s"'<>()=]+\.m3u8[^\s"'<>()]*`)

// fromPage scrapes a player page for a video source, falling back to any
// playlist URL in the page text.
func (r *Resolver) fromPage(ctx context.Context, a *aimpoint.Aimpoint, header map[string]string) (string, error) {
	resp, err := r.get(ctx, a, header)
	if err != nil {
		return "", err
	}
	base, err := url.Parse(resp.URL)
	if err != nil || resp.URL == "" {
		base, _ = url.Parse(a.AccessURL)
	}
	if src := sourceInHTML(resp.Body); src != "" {
		return resolve(base, src), nil
	}
	if m := m3u8InText.Find(resp.Body); m != nil {
		return resolve(base, unescapeJS(string(m))), nil
	}
	return "", errors.Errorf("no playlist in page %s", a.AccessURL)
}

// sourceInHTML returns the src of the first <source> or <video> element
// naming a playlist.
func sourceInHTML(body []byte) string {
	z := html.NewTokenizer(bytes.NewReader(body))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return ""
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			tag := string(name)
			if (tag != "source" && tag != "video") || !hasAttr {
				continue
			}
			for {
				k, v, more := z.TagAttr()
				if string(k) == "src" && strings.Contains(string(v), ".m3u8") {
					return string(v)
				}
				if !more {
					break
				}
			}
		}
	}
}

// fromJSON fetches a JSON document and returns the first string in it which
// names a playlist.
func (r *Resolver) fromJSON(ctx context.Context, a *aimpoint.Aimpoint, header map[string]string) (string, error) {
	resp, err := r.get(ctx, a, header)
	if err != nil {
		return "", err
	}
	v, err := jason.NewValueFromBytes(resp.Body)
	if err != nil {
		return "", hpatrol.E(hpatrol.DataError, "playlist.fromJSON", err)
	}
	if s := findString(v, func(s string) bool { return strings.Contains(s, ".m3u8") }); s != "" {
		base, _ := url.Parse(a.AccessURL)
		return resolve(base, s), nil
	}
	return "", errors.Errorf("no playlist in %s", a.AccessURL)
}

// findString walks v depth first, object keys in sorted order, and returns
// the first string matching.
func findString(v *jason.Value, match func(string) bool) string {
	if s, err := v.String(); err == nil {
		if match(s) {
			return s
		}
		return ""
	}
	if arr, err := v.Array(); err == nil {
		for _, x := range arr {
			if s := findString(x, match); s != "" {
				return s
			}
		}
		return ""
	}
	if obj, err := v.Object(); err == nil {
		m := obj.Map()
		for _, k := range sortedKeys(m) {
			if s := findString(m[k], match); s != "" {
				return s
			}
		}
	}
	return ""
}

var hlsManifest = regexp.MustCompile(`"hlsManifestUrl"\s*:\s*"([^"]+)"`)

// youtube scrapes the watch page for the manifest URL and falls back to the
// InnerTube player API.
func (r *Resolver) youtube(ctx context.Context, a *aimpoint.Aimpoint, header map[string]string) (string, error) {
	resp, err := r.get(ctx, a, header)
	if err == nil {
		if m := hlsManifest.FindSubmatch(resp.Body); m != nil {
			return unescapeJS(string(m[1])), nil
		}
	}
	id := youtubeID(a.AccessURL)
	if id == "" {
		if err != nil {
			return "", err
		}
		return "", errors.Errorf("no video id in %s", a.AccessURL)
	}
	body, _ := json.Marshal(map[string]interface{}{
		"videoId": id,
		"context": map[string]interface{}{
			"client": map[string]string{"clientName": "IOS", "clientVersion": "19.09.3", "hl": "en"},
		},
	})
	resp, err = r.Client.Do(ctx, netclient.Request{
		Method: "POST",
		URL:    r.InnerTubeURL,
		Header: map[string]string{"Content-Type": "application/json"},
		Body:   body,
	})
	if err != nil {
		return "", err
	}
	obj, err := jason.NewObjectFromBytes(resp.Body)
	if err != nil {
		return "", hpatrol.E(hpatrol.DataError, "playlist.youtube", err)
	}
	u, err := obj.GetString("streamingData", "hlsManifestUrl")
	if err != nil || u == "" {
		status, _ := obj.GetString("playabilityStatus", "status")
		return "", errors.Errorf("innertube: no manifest for %s (status %q)", id, status)
	}
	return u, nil
}

// youtubeID extracts the video id from watch, live, embed and short URLs.
func youtubeID(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	if v := u.Query().Get("v"); v != "" {
		return v
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if strings.HasSuffix(u.Host, "youtu.be") && len(parts) > 0 {
		return parts[0]
	}
	if len(parts) == 2 && (parts[0] == "live" || parts[0] == "embed" || parts[0] == "shorts") {
		return parts[1]
	}
	return ""
}

func unescapeJS(s string) string {
	s = strings.ReplaceAll(s, `\u0026`, "&")
	s = strings.ReplaceAll(s, `\/`, "/")
	return s
}

// Still is one entry of an indexed stills listing.
type Still struct {
	URL        string
	LastUpdate time.Time
}

// Index fetches the listing of an indexed stills aimpoint: a JSON document
// holding objects with "url" and "lastUpdate" members, at any depth.
func (r *Resolver) Index(ctx context.Context, a *aimpoint.Aimpoint, header map[string]string) ([]Still, error) {
	resp, err := r.get(ctx, a, header)
	if err != nil {
		return nil, err
	}
	v, err := jason.NewValueFromBytes(resp.Body)
	if err != nil {
		return nil, hpatrol.E(hpatrol.DataError, "playlist.Index", err)
	}
	base, _ := url.Parse(a.AccessURL)
	var result []Still
	collectStills(v, func(obj *jason.Object) {
		u, err := obj.GetString("url")
		if err != nil || u == "" {
			return
		}
		lu, err := obj.GetValue("lastUpdate")
		if err != nil {
			return
		}
		t, ok := parseTime(lu)
		if !ok {
			return
		}
		result = append(result, Still{URL: resolve(base, u), LastUpdate: t})
	})
	if len(result) == 0 {
		return nil, hpatrol.Errorf(hpatrol.DataError, "playlist.Index", "no stills listed at %s", a.AccessURL)
	}
	return result, nil
}

func collectStills(v *jason.Value, visit func(*jason.Object)) {
	if arr, err := v.Array(); err == nil {
		for _, x := range arr {
			collectStills(x, visit)
		}
		return
	}
	obj, err := v.Object()
	if err != nil {
		return
	}
	visit(obj)
	m := obj.Map()
	for _, k := range sortedKeys(m) {
		collectStills(m[k], visit)
	}
}

// parseTime accepts epoch seconds or milliseconds, or a date string.
func parseTime(v *jason.Value) (time.Time, bool) {
	if n, err := v.Int64(); err == nil {
		if n > 1e12 {
			return time.UnixMilli(n).UTC(), true
		}
		return time.Unix(n, 0).UTC(), true
	}
	s, err := v.String()
	if err != nil {
		return time.Time{}, false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(n, 0).UTC(), true
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05", "20060102150405"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func sortedKeys(m map[string]*jason.Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
