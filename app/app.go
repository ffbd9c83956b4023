// Package app builds the context every invocation runs in: the
// configuration, the store and queue backends, the upstream session, the
// media tools and the clock. It replaces process wide globals; components
// receive a *Context and never build their own clients.
package app

import (
	"context"
	"os"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/facebookgo/clock"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/hpatrol/hpatrol"
	"github.com/hpatrol/hpatrol/config"
	"github.com/hpatrol/hpatrol/media"
	"github.com/hpatrol/hpatrol/netclient"
	"github.com/hpatrol/hpatrol/queue"
	"github.com/hpatrol/hpatrol/store"
)

// Context is shared, read only state for one process.
type Context struct {
	Config *config.Config
	Store  store.Store
	Queue  queue.Queue
	Net    *netclient.Client // the direct egress session
	Media  *media.Tool
	Clock  clock.Clock

	m     sync.Mutex
	caPEM []byte // VPN trust anchor, loaded on first use
}

// New builds a Context with the backends named in cfg.
func New(cfg *config.Config) (*Context, error) {
	const op = "app.New"
	ac := &Context{
		Config: cfg,
		Media:  media.New(cfg.Media),
		Clock:  clock.New(),
	}
	var awsSession *session.Session
	awsSess := func() (*session.Session, error) {
		if awsSession != nil {
			return awsSession, nil
		}
		var err error
		awsSession, err = session.NewSession(aws.NewConfig().WithRegion(cfg.Store.Region))
		return awsSession, err
	}

	switch cfg.Store.Backend {
	case "s3":
		sess, err := store.NewS3Session(cfg.Store.Region, cfg.Store.Endpoint)
		if err != nil {
			return nil, hpatrol.E(hpatrol.ConfigError, op, err)
		}
		ac.Store = store.NewS3(sess)
	case "file":
		if err := os.MkdirAll(cfg.Store.Root, 0755); err != nil {
			return nil, hpatrol.E(hpatrol.ConfigError, op, err)
		}
		ac.Store = store.NewFileSystem(cfg.Store.Root)
	default:
		ac.Store = store.NewMemory()
	}
	if cfg.Store.Prefix != "" {
		ac.Store = store.NewWithPrefix(ac.Store, cfg.Store.Prefix)
	}

	switch cfg.Queue.Backend {
	case "sqs":
		sess, err := awsSess()
		if err != nil {
			return nil, hpatrol.E(hpatrol.ConfigError, op, err)
		}
		ac.Queue = queue.NewSQS(sess)
	case "redis":
		conn := redis.NewClient(&redis.Options{Addr: cfg.Queue.RedisAddr})
		ac.Queue = queue.NewRedis(conn, cfg.Queue.Visibility.Duration)
	default:
		ac.Queue = queue.NewMemory(cfg.Queue.Visibility.Duration)
	}

	var err error
	ac.Net, err = netclient.New(ac.netOptions(netclient.Direct, "", nil))
	if err != nil {
		return nil, hpatrol.E(hpatrol.ConfigError, op, err)
	}
	log.Info().
		Str("store", cfg.Store.Backend).
		Str("queue", cfg.Queue.Backend).
		Str("bucket", cfg.Buckets.Work).
		Msg("context ready")
	return ac, nil
}

// NewMemory returns a Context with in-memory store and queue and the given
// clock. Local runs and tests use it.
func NewMemory(cfg *config.Config, clk clock.Clock) *Context {
	if clk == nil {
		clk = clock.New()
	}
	ac := &Context{
		Config: cfg,
		Store:  store.NewMemory(),
		Media:  media.New(cfg.Media),
		Clock:  clk,
	}
	mq := queue.NewMemory(cfg.Queue.Visibility.Duration)
	mq.Clock = clk
	ac.Queue = mq
	ac.Net, _ = netclient.New(ac.netOptions(netclient.Direct, "", nil))
	return ac
}

func (ac *Context) netOptions(e netclient.Egress, proxyURL string, ca []byte) netclient.Options {
	return netclient.Options{
		Egress:       e,
		ProxyURL:     proxyURL,
		CAPEM:        ca,
		RetrySleep:   ac.Config.Net.RetrySleep.Duration,
		MaxRedirects: ac.Config.Net.MaxRedirects,
		Timeout:      ac.Config.Net.RequestTimeout.Duration,
		Clock:        ac.Clock,
	}
}

// NetFor returns the session to use for an aimpoint with the given egress
// overrides. Without overrides it is the shared direct session; otherwise a
// new session is built so concurrent runs do not see each other's egress.
// A VPN override with an empty value means the configured VPN proxy.
func (ac *Context) NetFor(ctx context.Context, proxy, vpn *string) (*netclient.Client, error) {
	const op = "app.NetFor"
	switch {
	case vpn != nil:
		proxyURL := *vpn
		if proxyURL == "" {
			proxyURL = ac.Config.Net.VPNProxy
		}
		ca, err := ac.vpnCA(ctx)
		if err != nil {
			return nil, err
		}
		c, err := netclient.New(ac.netOptions(netclient.VPN, proxyURL, ca))
		return c, hpatrol.E(hpatrol.ConfigError, op, err)
	case proxy != nil:
		proxyURL := *proxy
		if proxyURL == "" {
			proxyURL = ac.Config.Net.Proxy
		}
		c, err := netclient.New(ac.netOptions(netclient.Proxy, proxyURL, nil))
		return c, hpatrol.E(hpatrol.ConfigError, op, err)
	}
	return ac.Net, nil
}

func (ac *Context) vpnCA(ctx context.Context) ([]byte, error) {
	ac.m.Lock()
	defer ac.m.Unlock()
	if ac.caPEM != nil {
		return ac.caPEM, nil
	}
	data, err := ac.Store.Get(ctx, ac.Config.Buckets.Work, ac.Config.Net.VPNCAKey)
	if err != nil {
		return nil, hpatrol.E(hpatrol.StoreError, "app.vpnCA", err)
	}
	ac.caPEM = data
	return data, nil
}

// WorkBucket is the default work bucket.
func (ac *Context) WorkBucket() string { return ac.Config.Buckets.Work }
