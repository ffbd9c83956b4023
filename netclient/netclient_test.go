package netclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpatrol/hpatrol"
)

func newClient(t *testing.T) *Client {
	c, err := New(Options{})
	require.NoError(t, err)
	return c
}

func TestGetSendsHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "abc", r.Header.Get("X-Token"))
		assert.Equal(t, "session", r.Header.Get("X-Session"))
		assert.Contains(t, userAgents, r.Header.Get("User-Agent"))
		w.Write([]byte("hello"))
	}))
	defer srv.Close()

	c := newClient(t)
	c.SetHeader("X-Session", "session")
	resp, err := c.Get(context.Background(), srv.URL, map[string]string{"X-Token": "abc"})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "hello", string(resp.Body))
}

func TestRetryOnceOnServerError(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	resp, err := newClient(t).Get(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(resp.Body))
	assert.EqualValues(t, 2, atomic.LoadInt32(&hits))
}

func TestSecondFailureIsConnectError(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	resp, err := newClient(t).Get(context.Background(), srv.URL, nil)
	require.Error(t, err)
	assert.True(t, hpatrol.Is(err, hpatrol.ConnectError))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.EqualValues(t, 2, atomic.LoadInt32(&hits))
}

func TestClientErrorIsNotRetried(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := newClient(t).Get(context.Background(), srv.URL, nil)
	assert.True(t, hpatrol.Is(err, hpatrol.ConnectError))
	assert.EqualValues(t, 1, atomic.LoadInt32(&hits))
}

func TestRedirectDropsInjectedHeaders(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "abc", r.Header.Get("X-Token"))
		http.Redirect(w, r, "/final", http.StatusFound)
	})
	mux.HandleFunc("/final", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "", r.Header.Get("X-Token"))
		assert.NotEqual(t, "", r.Header.Get("User-Agent"))
		w.Write([]byte("landed"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := newClient(t).Get(context.Background(), srv.URL+"/start", map[string]string{"X-Token": "abc"})
	require.NoError(t, err)
	assert.Equal(t, "landed", string(resp.Body))
	assert.Equal(t, srv.URL+"/final", resp.URL)
}

func TestTooManyRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/again", http.StatusFound)
	}))
	defer srv.Close()

	c, err := New(Options{MaxRedirects: 3})
	require.NoError(t, err)
	_, err = c.Get(context.Background(), srv.URL, nil)
	assert.True(t, hpatrol.Is(err, hpatrol.ConnectError))
}

func TestCertificateFailureTurnsVerificationOff(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("secure"))
	}))
	defer srv.Close()

	c := newClient(t)
	resp, err := c.Get(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, "secure", string(resp.Body))
	assert.True(t, c.insecure)

	// stays off for the rest of the session
	_, err = c.Get(context.Background(), srv.URL, nil)
	require.NoError(t, err)
}

func TestCurlPath(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("legacy"))
	}))
	defer srv.Close()

	c := newClient(t)
	resp, err := c.Do(context.Background(), Request{Method: http.MethodGet, URL: srv.URL, UseCurl: true})
	require.NoError(t, err)
	assert.Equal(t, "legacy", string(resp.Body))
	assert.False(t, c.insecure)
}

func TestProxyEgressKeepsHeaders(t *testing.T) {
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "camera.invalid", r.URL.Host)
		assert.Equal(t, "kept", r.Header.Get("X-Session"))
		w.Write([]byte("via proxy"))
	}))
	defer proxy.Close()

	c := newClient(t)
	c.SetHeader("X-Session", "kept")
	require.NoError(t, c.SetEgress(Proxy, proxy.URL, nil))
	assert.Equal(t, Proxy, c.Egress())

	resp, err := c.Get(context.Background(), "http://camera.invalid/live.m3u8", nil)
	require.NoError(t, err)
	assert.Equal(t, "via proxy", string(resp.Body))
}

func TestEgressConfigErrors(t *testing.T) {
	c := newClient(t)
	err := c.SetEgress(Proxy, "", nil)
	assert.True(t, hpatrol.Is(err, hpatrol.ConfigError))
	err = c.SetEgress(VPN, "http://127.0.0.1:8080", []byte("not a certificate"))
	assert.True(t, hpatrol.Is(err, hpatrol.ConfigError))
}

func TestDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("jpeg bytes"))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "still.jpg")
	n, err := newClient(t).Download(context.Background(), Request{URL: srv.URL}, dest)
	require.NoError(t, err)
	assert.EqualValues(t, 10, n)
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "jpeg bytes", string(data))
}

func TestDownloadStreamsToFile(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("first"))
		w.(http.Flusher).Flush()
		<-release
		w.Write([]byte("second"))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "seg.ts")
	done := make(chan int64, 1)
	go func() {
		n, _ := newClient(t).Download(context.Background(), Request{URL: srv.URL}, dest)
		done <- n
	}()
	// the first chunk is on disk before the response is complete
	assert.Eventually(t, func() bool {
		fi, err := os.Stat(dest)
		return err == nil && fi.Size() == 5
	}, 2*time.Second, 5*time.Millisecond)
	close(release)
	assert.EqualValues(t, 11, <-done)
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "firstsecond", string(data))
}

func TestDownloadRetryAndFailure(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/missing":
			http.NotFound(w, r)
		case atomic.AddInt32(&hits, 1) == 1:
			w.WriteHeader(http.StatusBadGateway)
			w.Write([]byte("upstream down"))
		default:
			w.Write([]byte("image"))
		}
	}))
	defer srv.Close()

	dir := t.TempDir()
	c := newClient(t)
	n, err := c.Download(context.Background(), Request{URL: srv.URL + "/snap.jpg"}, filepath.Join(dir, "a.jpg"))
	require.NoError(t, err)
	assert.EqualValues(t, 5, n)
	data, _ := os.ReadFile(filepath.Join(dir, "a.jpg"))
	assert.Equal(t, "image", string(data))

	_, err = c.Download(context.Background(), Request{URL: srv.URL + "/missing"}, filepath.Join(dir, "b.jpg"))
	assert.True(t, hpatrol.Is(err, hpatrol.ConnectError))
	_, err = os.Stat(filepath.Join(dir, "b.jpg"))
	assert.True(t, os.IsNotExist(err))
}

func TestRotateUserAgent(t *testing.T) {
	c := newClient(t)
	for i := 0; i < 10; i++ {
		c.RotateUserAgent()
		assert.Contains(t, userAgents, c.UserAgent())
	}
}
