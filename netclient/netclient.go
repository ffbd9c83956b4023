// Package netclient is the HTTP session used to talk to upstream camera
// sites. It hides the egress policy (direct, proxy or VPN), the retry rules
// and the workarounds some sites need.
package netclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/certifi/gocertifi"
	"github.com/dustin/go-humanize"
	"github.com/facebookgo/clock"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/publicsuffix"

	"github.com/hpatrol/hpatrol"
)

// Egress selects how requests leave the process.
type Egress int

// The egress policies.
const (
	Direct Egress = iota
	Proxy         // through an HTTP proxy
	VPN           // through the VPN sidecar's proxy, trusting its CA
)

func (e Egress) String() string {
	switch e {
	case Proxy:
		return "proxy"
	case VPN:
		return "vpn"
	}
	return "direct"
}

// Options configures a Client.
type Options struct {
	Egress   Egress
	ProxyURL string // for Proxy and VPN
	CAPEM    []byte // extra trust anchor for VPN

	RetrySleep   time.Duration // pause before the single retry; 0 retries at once
	MaxRedirects int
	Timeout      time.Duration // per request, unless the request sets its own
	Clock        clock.Clock
}

// Request is one upstream request.
type Request struct {
	Method  string
	URL     string
	Header  map[string]string
	Body    []byte
	Timeout time.Duration
	// UseCurl sends the request with the permissive legacy TLS settings some
	// camera servers still need.
	UseCurl bool
}

// Response is an upstream response. The body is read in full unless it
// was streamed to a file by Download.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	URL        string // after redirects
	Written    int64  // bytes streamed to a download file; Body is then empty
}

// Client is a long lived HTTP session. It is safe for concurrent use.
type Client struct {
	opts Options
	clk  clock.Clock

	m         sync.RWMutex
	client    *http.Client // the normal path
	curl      *http.Client // the legacy TLS path
	headers   map[string]string
	userAgent string
	insecure  bool // set once a certificate failed to verify
}

var userAgents = []string{
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64; rv:125.0) Gecko/20100101 Firefox/125.0",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:125.0) Gecko/20100101 Firefox/125.0",
}

// New creates a session with the given egress.
func New(opts Options) (*Client, error) {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = 10
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	c := &Client{
		opts:    opts,
		clk:     opts.Clock,
		headers: make(map[string]string),
	}
	c.RotateUserAgent()
	if err := c.rebuild(); err != nil {
		return nil, err
	}
	return c, nil
}

// SetEgress switches the egress policy. The session is recreated, which
// drops cookies, but the session headers are kept.
func (c *Client) SetEgress(e Egress, proxyURL string, caPEM []byte) error {
	c.m.Lock()
	c.opts.Egress = e
	c.opts.ProxyURL = proxyURL
	if caPEM != nil {
		c.opts.CAPEM = caPEM
	}
	c.m.Unlock()
	return c.rebuild()
}

// Egress returns the current egress policy.
func (c *Client) Egress() Egress {
	c.m.RLock()
	defer c.m.RUnlock()
	return c.opts.Egress
}

// SetHeader sets a header sent with every request of the session.
func (c *Client) SetHeader(name, value string) {
	c.m.Lock()
	c.headers[name] = value
	c.m.Unlock()
}

// RotateUserAgent picks a new random browser User-Agent.
func (c *Client) RotateUserAgent() {
	c.m.Lock()
	c.userAgent = userAgents[rand.Intn(len(userAgents))]
	c.m.Unlock()
}

// UserAgent returns the User-Agent currently sent.
func (c *Client) UserAgent() string {
	c.m.RLock()
	defer c.m.RUnlock()
	return c.userAgent
}

// rebuild makes new http.Clients for the current options.
func (c *Client) rebuild() error {
	c.m.Lock()
	defer c.m.Unlock()

	var proxy func(*http.Request) (*url.URL, error)
	if c.opts.Egress != Direct {
		if c.opts.ProxyURL == "" {
			return hpatrol.Errorf(hpatrol.ConfigError, "netclient.SetEgress", "%s egress needs a proxy URL", c.opts.Egress)
		}
		u, err := url.Parse(c.opts.ProxyURL)
		if err != nil {
			return hpatrol.E(hpatrol.ConfigError, "netclient.SetEgress", err)
		}
		proxy = http.ProxyURL(u)
	}

	tlsConfig := &tls.Config{InsecureSkipVerify: c.insecure}
	if c.opts.Egress == VPN {
		pool, err := gocertifi.CACerts()
		if err != nil {
			return hpatrol.E(hpatrol.ConfigError, "netclient.SetEgress", err)
		}
		if len(c.opts.CAPEM) > 0 && !pool.AppendCertsFromPEM(c.opts.CAPEM) {
			return hpatrol.Errorf(hpatrol.ConfigError, "netclient.SetEgress", "no certificates in the VPN trust anchor")
		}
		tlsConfig.RootCAs = pool
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return err
	}
	noFollow := func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	c.client = &http.Client{
		Transport: &http.Transport{
			Proxy:               proxy,
			TLSClientConfig:     tlsConfig,
			MaxIdleConnsPerHost: 8,
			IdleConnTimeout:     90 * time.Second,
		},
		Jar:           jar,
		CheckRedirect: noFollow,
	}
	c.curl = &http.Client{
		Transport: &http.Transport{
			Proxy: proxy,
			TLSClientConfig: &tls.Config{
				MinVersion:         tls.VersionTLS10,
				InsecureSkipVerify: true,
			},
			DialContext: (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
		},
		Jar:           jar,
		CheckRedirect: noFollow,
	}
	return nil
}

// Get fetches url.
func (c *Client) Get(ctx context.Context, url string, header map[string]string) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodGet, URL: url, Header: header})
}

// Post sends body to url.
func (c *Client) Post(ctx context.Context, url string, header map[string]string, body []byte) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodPost, URL: url, Header: header, Body: body})
}

// Options sends an OPTIONS request. Some sites only hand out a playlist
// after one.
func (c *Client) Options(ctx context.Context, url string, header map[string]string) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodOptions, URL: url, Header: header})
}

// Head sends a HEAD request.
func (c *Client) Head(ctx context.Context, url string, header map[string]string) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodHead, URL: url, Header: header})
}

// Download fetches req and streams the body into dest, returning the number
// of bytes written. The file is removed on failure.
func (c *Client) Download(ctx context.Context, req Request, dest string) (int64, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	f, err := os.Create(dest)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	resp, err := c.do(ctx, req, f)
	if err2 := f.Close(); err == nil && err2 != nil {
		err = errors.WithStack(err2)
	}
	if err != nil {
		os.Remove(dest)
		return 0, err
	}
	log.Debug().Str("url", req.URL).Str("size", humanize.Bytes(uint64(resp.Written))).Msg("downloaded")
	return resp.Written, nil
}

// Do sends the request, following redirects and applying the retry rules:
// a certificate which fails to verify turns verification off for the rest of
// the session and the request is sent again; any other transport failure or
// 5xx response is retried once after RetrySleep. Every non-2xx final
// response is returned together with a ConnectError.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	return c.do(ctx, req, nil)
}

// do is Do with an optional sink for the body of a successful response.
// The sink is emptied before every attempt.
func (c *Client) do(ctx context.Context, req Request, sink *os.File) (*Response, error) {
	const op = "netclient.Do"
	var w io.Writer
	if sink != nil {
		w = sink
	}
	retried := false
	for {
		if sink != nil {
			if err := rewind(sink); err != nil {
				return nil, errors.WithStack(err)
			}
		}
		resp, err := c.follow(ctx, req, w)
		if err != nil {
			if ctx.Err() != nil {
				return nil, hpatrol.E(hpatrol.ConnectError, op, ctx.Err())
			}
			if isCertError(err) && c.disableVerify() {
				log.Warn().Err(err).Str("url", req.URL).Msg("certificate check failed; verification turned off")
				continue
			}
			if !retried {
				retried = true
				log.Warn().Err(err).Str("url", req.URL).Msg("request failed, retrying")
				if err := c.sleep(ctx, c.opts.RetrySleep); err != nil {
					return nil, hpatrol.E(hpatrol.ConnectError, op, err)
				}
				continue
			}
			return nil, hpatrol.E(hpatrol.ConnectError, op, err)
		}
		if resp.StatusCode >= 500 && !retried {
			retried = true
			log.Warn().Int("status", resp.StatusCode).Str("url", req.URL).Msg("server error, retrying")
			if err := c.sleep(ctx, c.opts.RetrySleep); err != nil {
				return nil, hpatrol.E(hpatrol.ConnectError, op, err)
			}
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return resp, hpatrol.Errorf(hpatrol.ConnectError, op, "status %d from %s", resp.StatusCode, resp.URL)
		}
		return resp, nil
	}
}

func rewind(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	_, err := f.Seek(0, io.SeekStart)
	return err
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.clk.After(d):
		return nil
	}
}

// disableVerify returns false if verification was already off.
func (c *Client) disableVerify() bool {
	c.m.Lock()
	already := c.insecure
	c.insecure = true
	c.m.Unlock()
	if already {
		return false
	}
	if err := c.rebuild(); err != nil {
		return false
	}
	return true
}

func isCertError(err error) bool {
	var unknown x509.UnknownAuthorityError
	var invalid x509.CertificateInvalidError
	var hostname x509.HostnameError
	var verify *tls.CertificateVerificationError
	return errors.As(err, &unknown) || errors.As(err, &invalid) ||
		errors.As(err, &hostname) || errors.As(err, &verify)
}

// follow sends the request and follows up to MaxRedirects redirects by hand.
// Only the session User-Agent goes with a redirected request; the headers
// injected for the first hop are dropped. When sink is set the body of a 2xx
// final response is copied there rather than kept in memory.
func (c *Client) follow(ctx context.Context, req Request, sink io.Writer) (*Response, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.opts.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c.m.RLock()
	hc := c.client
	if req.UseCurl {
		hc = c.curl
	}
	headers := make(map[string]string, len(c.headers)+len(req.Header))
	for k, v := range c.headers {
		headers[k] = v
	}
	for k, v := range req.Header {
		headers[k] = v
	}
	ua := c.userAgent
	c.m.RUnlock()

	method, target, body := req.Method, req.URL, req.Body
	for hop := 0; ; hop++ {
		hreq, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		hreq.Header.Set("User-Agent", ua)
		if hop == 0 {
			for k, v := range headers {
				hreq.Header.Set(k, v)
			}
		}
		resp, err := hc.Do(hreq)
		if err != nil {
			return nil, err
		}
		if sink != nil && resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			n, err := io.Copy(sink, resp.Body)
			resp.Body.Close()
			if err != nil {
				return nil, err
			}
			return &Response{StatusCode: resp.StatusCode, Header: resp.Header, URL: target, Written: n}, nil
		}
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}
		switch resp.StatusCode {
		case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
			http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
			loc := resp.Header.Get("Location")
			if loc == "" {
				break
			}
			if hop >= c.opts.MaxRedirects {
				return nil, errors.Errorf("more than %d redirects from %s", c.opts.MaxRedirects, req.URL)
			}
			next, err := hreq.URL.Parse(loc)
			if err != nil {
				return nil, err
			}
			target = next.String()
			if resp.StatusCode == http.StatusSeeOther || (resp.StatusCode == http.StatusFound && method == http.MethodPost) {
				method, body = http.MethodGet, nil
			}
			continue
		}
		return &Response{
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			Body:       data,
			URL:        target,
		}, nil
	}
}
