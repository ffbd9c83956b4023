// Package config loads the settings shared by every task in the pipeline.
//
// Settings come from three layers, each overriding the one before: the
// compiled in defaults from Default(), an optional TOML file, and HPATROL_*
// environment variables. The serverless deployment only uses the last layer.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Duration is a time.Duration which can be decoded from a TOML string such as
// "30s" or "5m".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the complete configuration. The zero value is not useful; start
// from Default().
type Config struct {
	System   System
	Store    Store
	Queue    Queue
	Buckets  Buckets
	Prefixes Prefixes
	Health   Health
	Net      Net
	Media    Media
	Drover   Drover
	Audit    Audit
	Server   Server
}

// System holds the pipeline wide timing and resource settings.
type System struct {
	// Periodicity is the scheduler and drover tick base, in minutes.
	Periodicity int
	// SafetyMargin is subtracted from the run deadline to get the break-point.
	SafetyMargin Duration
	// RunBudget is the deadline used when the runtime does not supply one.
	RunBudget     Duration
	UploadWorkers int
	ScratchDir    string
}

// Store selects and configures the object store backend.
type Store struct {
	Backend  string // "s3", "file" or "memory"
	Region   string
	Endpoint string // for S3 compatible services, e.g. "localhost:9000"
	Root     string // for the "file" backend
	// Prefix namespaces every key, so several stacks can share buckets.
	Prefix string
}

// Queue selects the queue backend and names the queues.
type Queue struct {
	Backend    string // "sqs", "redis" or "memory"
	RedisAddr  string
	Dispatch   string
	Status     string
	Transcode  string
	Stream     string
	Visibility Duration
}

// Buckets names the work and delivery buckets.
type Buckets struct {
	Work     string
	Delivery string
}

// Prefixes gives the top level key prefixes inside the work bucket.
type Prefixes struct {
	Active        string
	Monitored     string
	Hash          string
	Status        string
	VideoLanding  string
	StillsLanding string
	Delivery      string
	Resources     string
	Selections    string
}

// Health configures the historian, disabler and enabler.
type Health struct {
	DisablerLookBack Duration
	EnablerLookBack  Duration
	HistorianBatch   int
	HistorianWindow  Duration
	// HistorianPoll is the long-poll wait of each status receive. The
	// historian stops after one empty receive.
	HistorianPoll Duration
}

// Net configures the upstream HTTP session.
type Net struct {
	Proxy          string
	VPNProxy       string
	VPNCAKey       string // key in the work bucket of the extra trust anchor
	RetrySleep     Duration
	MaxRedirects   int
	RequestTimeout Duration
}

// Media gives the paths of the external binaries.
type Media struct {
	FFmpeg  string
	FFprobe string
	YtDlp   string
}

// Drover holds the post-processing planner defaults.
type Drover struct {
	DefaultInterval int // minutes
	DefaultBuffer   int // seconds
	TimelapseFPS    int
	TimelapseLen    int // seconds
}

// Audit configures the audit log.
type Audit struct {
	StackName string
	SentryDSN string
	IPEchoURL string
}

// Server configures the long running daemon.
type Server struct {
	Port              string
	DispatchWorkers   int
	TranscodeWorkers  int
	MonitorInterval   Duration
	DisablerInterval  Duration
	EnablerInterval   Duration
	HistorianInterval Duration
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		System: System{
			Periodicity:   10,
			SafetyMargin:  Duration{30 * time.Second},
			RunBudget:     Duration{10 * time.Minute},
			UploadWorkers: 4,
			ScratchDir:    os.TempDir(),
		},
		Store: Store{Backend: "s3", Region: "us-east-1"},
		Queue: Queue{
			Backend:    "sqs",
			Dispatch:   "hpatrol-dispatch",
			Status:     "hpatrol-status",
			Transcode:  "hpatrol-transcode",
			Stream:     "hpatrol-stream",
			Visibility: Duration{2 * time.Hour},
		},
		Buckets: Buckets{Work: "hpatrol-wrk"},
		Prefixes: Prefixes{
			Active:        "aimpoints",
			Monitored:     "monitored",
			Hash:          "hashfiles",
			Status:        "aimpointStatus",
			VideoLanding:  "lz",
			StillsLanding: "stillsLz",
			Delivery:      "up",
			Resources:     "resources",
			Selections:    "selections",
		},
		Health: Health{
			DisablerLookBack: Duration{1800 * time.Second},
			EnablerLookBack:  Duration{300 * time.Second},
			HistorianBatch:   10000,
			HistorianWindow:  Duration{300 * time.Second},
			HistorianPoll:    Duration{10 * time.Second},
		},
		Net: Net{
			VPNCAKey:       "resources/mitmproxy-ca.pem",
			RetrySleep:     Duration{30 * time.Second},
			MaxRedirects:   10,
			RequestTimeout: Duration{30 * time.Second},
		},
		Media: Media{FFmpeg: "ffmpeg", FFprobe: "ffprobe", YtDlp: "yt-dlp"},
		Drover: Drover{
			DefaultInterval: 15,
			DefaultBuffer:   10,
			TimelapseFPS:    10,
			TimelapseLen:    600,
		},
		Audit: Audit{StackName: "hpatrol"},
		Server: Server{
			Port:              "14000",
			DispatchWorkers:   8,
			TranscodeWorkers:  2,
			MonitorInterval:   Duration{12 * time.Hour},
			DisablerInterval:  Duration{30 * time.Minute},
			EnablerInterval:   Duration{5 * time.Minute},
			HistorianInterval: Duration{5 * time.Minute},
		},
	}
}

// Load reads the TOML file at path on top of the defaults and then applies
// the environment. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, errors.Wrapf(err, "reading config %s", path)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// Periodicity returns the system periodicity as a duration.
func (c *Config) Periodicity() time.Duration {
	return time.Duration(c.System.Periodicity) * time.Minute
}

// Validate checks the settings which would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	var errs errList
	if c.System.Periodicity <= 0 {
		errs.addf("system.periodicity must be > 0, got %d", c.System.Periodicity)
	}
	if c.System.UploadWorkers <= 0 {
		errs.addf("system.uploadworkers must be > 0, got %d", c.System.UploadWorkers)
	}
	ensureOneOf("store.backend", c.Store.Backend, []string{"s3", "file", "memory"}, &errs)
	ensureOneOf("queue.backend", c.Queue.Backend, []string{"sqs", "redis", "memory"}, &errs)
	if c.Buckets.Work == "" {
		errs.add("buckets.work must be set")
	}
	if c.Store.Backend == "file" && c.Store.Root == "" {
		errs.add("store.root must be set for the file backend")
	}
	if c.Queue.Backend == "redis" && c.Queue.RedisAddr == "" {
		errs.add("queue.redisaddr must be set for the redis backend")
	}
	if errs.has() {
		return errors.New("invalid configuration: " + strings.Join(errs, "; "))
	}
	return nil
}

// DeliveryBucket returns the delivery bucket, which defaults to the work
// bucket.
func (c *Config) DeliveryBucket() string {
	if c.Buckets.Delivery != "" {
		return c.Buckets.Delivery
	}
	return c.Buckets.Work
}

type errList []string

func (e *errList) addf(format string, a ...interface{}) { *e = append(*e, fmt.Sprintf(format, a...)) }
func (e *errList) add(msg string)                       { *e = append(*e, msg) }
func (e *errList) has() bool                            { return len(*e) > 0 }

func ensureOneOf(key, val string, allowed []string, errs *errList) {
	for _, a := range allowed {
		if val == a {
			return
		}
	}
	errs.addf("%s invalid (allowed: %s): %q", key, strings.Join(allowed, ", "), val)
}

// envVar binds one environment variable to a setter.
type envVar struct {
	name string
	set  func(string) error
}

func setString(p *string) func(string) error {
	return func(v string) error { *p = v; return nil }
}

func setInt(p *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*p = n
		return nil
	}
}

func setDuration(p *Duration) func(string) error {
	return func(v string) error { return p.UnmarshalText([]byte(v)) }
}

// ApplyEnv overrides settings from the environment. lookup is usually
// os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	vars := []envVar{
		{"HPATROL_PERIODICITY", setInt(&c.System.Periodicity)},
		{"HPATROL_SAFETY_MARGIN", setDuration(&c.System.SafetyMargin)},
		{"HPATROL_RUN_BUDGET", setDuration(&c.System.RunBudget)},
		{"HPATROL_UPLOAD_WORKERS", setInt(&c.System.UploadWorkers)},
		{"HPATROL_SCRATCH_DIR", setString(&c.System.ScratchDir)},
		{"HPATROL_STORE_BACKEND", setString(&c.Store.Backend)},
		{"HPATROL_STORE_REGION", setString(&c.Store.Region)},
		{"HPATROL_STORE_ENDPOINT", setString(&c.Store.Endpoint)},
		{"HPATROL_STORE_ROOT", setString(&c.Store.Root)},
		{"HPATROL_STORE_PREFIX", setString(&c.Store.Prefix)},
		{"HPATROL_QUEUE_BACKEND", setString(&c.Queue.Backend)},
		{"HPATROL_REDIS_ADDR", setString(&c.Queue.RedisAddr)},
		{"HPATROL_DISPATCH_QUEUE", setString(&c.Queue.Dispatch)},
		{"HPATROL_STATUS_QUEUE", setString(&c.Queue.Status)},
		{"HPATROL_TRANSCODE_QUEUE", setString(&c.Queue.Transcode)},
		{"HPATROL_STREAM_QUEUE", setString(&c.Queue.Stream)},
		{"HPATROL_WRK_BUCKET", setString(&c.Buckets.Work)},
		{"HPATROL_DST_BUCKET", setString(&c.Buckets.Delivery)},
		{"HPATROL_DISABLER_LOOKBACK", setDuration(&c.Health.DisablerLookBack)},
		{"HPATROL_ENABLER_LOOKBACK", setDuration(&c.Health.EnablerLookBack)},
		{"HPATROL_HISTORIAN_POLL", setDuration(&c.Health.HistorianPoll)},
		{"HPATROL_PROXY", setString(&c.Net.Proxy)},
		{"HPATROL_VPN_PROXY", setString(&c.Net.VPNProxy)},
		{"HPATROL_FFMPEG", setString(&c.Media.FFmpeg)},
		{"HPATROL_FFPROBE", setString(&c.Media.FFprobe)},
		{"HPATROL_YTDLP", setString(&c.Media.YtDlp)},
		{"HPATROL_STACK_NAME", setString(&c.Audit.StackName)},
		{"HPATROL_SENTRY_DSN", setString(&c.Audit.SentryDSN)},
		{"HPATROL_IP_ECHO_URL", setString(&c.Audit.IPEchoURL)},
		{"HPATROL_PORT", setString(&c.Server.Port)},
	}
	for _, ev := range vars {
		v, ok := lookup(ev.name)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		if err := ev.set(strings.TrimSpace(v)); err != nil {
			return errors.Wrapf(err, "environment %s=%q", ev.name, v)
		}
	}
	return nil
}
