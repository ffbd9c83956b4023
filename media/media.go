// Package media is the contract with the ffmpeg and ffprobe binaries. Every
// invocation goes through a Runner so tests can replace the binaries.
package media

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/antonholmquist/jason"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	ffmpeg "github.com/u2takey/ffmpeg-go"

	"github.com/hpatrol/hpatrol"
	"github.com/hpatrol/hpatrol/config"
)

// Runner runs an external program and returns its standard output. A non
// zero exit is an error carrying the standard error.
type Runner interface {
	Run(ctx context.Context, name string, args []string) ([]byte, error)
}

// ExecRunner runs programs with os/exec.
type ExecRunner struct{}

// Run implements Runner.
func (ExecRunner) Run(ctx context.Context, name string, args []string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		return stdout.Bytes(), errors.Wrapf(err, "%s: %s", name, tail(stderr.String(), 512))
	}
	return stdout.Bytes(), nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		return "..." + s[len(s)-n:]
	}
	return s
}

// Tool runs ffmpeg and ffprobe.
type Tool struct {
	FFmpegPath  string
	FFprobePath string
	YtDlpPath   string
	Runner      Runner
}

// New returns a Tool using the binaries named in cfg.
func New(cfg config.Media) *Tool {
	return &Tool{FFmpegPath: cfg.FFmpeg, FFprobePath: cfg.FFprobe, YtDlpPath: cfg.YtDlp, Runner: ExecRunner{}}
}

// FFmpeg runs ffmpeg with the arguments compiled from s.
func (t *Tool) FFmpeg(ctx context.Context, s *ffmpeg.Stream) ([]byte, error) {
	args := s.GetArgs()
	log.Debug().Strs("args", args).Msg("ffmpeg")
	out, err := t.Runner.Run(ctx, t.FFmpegPath, args)
	return out, hpatrol.E(hpatrol.FFmpegError, "media.FFmpeg", err)
}

// Probe runs ffprobe on file, asking for JSON output, and parses the result.
func (t *Tool) Probe(ctx context.Context, file string, args ...string) (*jason.Object, error) {
	argv := append([]string{"-v", "error", "-print_format", "json"}, args...)
	argv = append(argv, file)
	out, err := t.Runner.Run(ctx, t.FFprobePath, argv)
	if err != nil {
		return nil, hpatrol.E(hpatrol.FFmpegError, "media.Probe", err)
	}
	obj, err := jason.NewObjectFromBytes(out)
	if err != nil {
		return nil, hpatrol.E(hpatrol.DataError, "media.Probe", err)
	}
	return obj, nil
}

// Duration returns the container duration of file.
func (t *Tool) Duration(ctx context.Context, file string) (time.Duration, error) {
	obj, err := t.Probe(ctx, file, "-show_entries", "format=duration")
	if err != nil {
		return 0, err
	}
	s, err := obj.GetString("format", "duration")
	if err != nil {
		return 0, hpatrol.E(hpatrol.DataError, "media.Duration", err)
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, hpatrol.E(hpatrol.DataError, "media.Duration", err)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// AudioCodec returns the codec name of the first audio stream of file, or
// "" when there is none.
func (t *Tool) AudioCodec(ctx context.Context, file string) (string, error) {
	obj, err := t.Probe(ctx, file, "-select_streams", "a:0", "-show_entries", "stream=codec_name")
	if err != nil {
		return "", err
	}
	streams, err := obj.GetObjectArray("streams")
	if err != nil || len(streams) == 0 {
		return "", nil
	}
	name, _ := streams[0].GetString("codec_name")
	return name, nil
}

// StreamMD5 returns the MD5 ffmpeg computes over the decoded video stream
// of file. Two segments with the same pictures have the same sum even if
// their containers differ.
func (t *Tool) StreamMD5(ctx context.Context, file string) (string, error) {
	s := ffmpeg.Input(file).Output("-", ffmpeg.KwArgs{"map": "0:v", "f": "md5", "v": "error"})
	out, err := t.FFmpeg(ctx, s)
	if err != nil {
		return "", err
	}
	line := strings.TrimSpace(string(out))
	if !strings.HasPrefix(line, "MD5=") {
		return "", hpatrol.Errorf(hpatrol.DataError, "media.StreamMD5", "unexpected output %q", tail(line, 80))
	}
	return strings.TrimPrefix(line, "MD5="), nil
}

// ResetStart remuxes in to out with the container start time moved to zero.
func (t *Tool) ResetStart(ctx context.Context, in, out string) error {
	s := ffmpeg.Input(in).
		Output(out, ffmpeg.KwArgs{"ss": "00:00", "c": "copy", "v": "error"}).
		OverWriteOutput()
	_, err := t.FFmpeg(ctx, s)
	return err
}

// FramePTS returns the presentation timestamps of the first and last video
// frames of file. A frame without one is replaced by its neighbour; ok is
// false when neither has one.
func (t *Tool) FramePTS(ctx context.Context, file string) (first, last int64, ok bool, err error) {
	obj, err := t.Probe(ctx, file, "-select_streams", "v:0", "-show_entries", "frame=pkt_pts,pts")
	if err != nil {
		return 0, 0, false, err
	}
	frames, err := obj.GetObjectArray("frames")
	if err != nil || len(frames) == 0 {
		return 0, 0, false, nil
	}
	n := len(frames)
	first, ok1 := framePTS(frames, 0, 1)
	last, ok2 := framePTS(frames, n-1, n-2)
	return first, last, ok1 && ok2, nil
}

func framePTS(frames []*jason.Object, i, neighbour int) (int64, bool) {
	for _, k := range []int{i, neighbour} {
		if k < 0 || k >= len(frames) {
			continue
		}
		// older ffprobe reports pkt_pts, newer only pts
		for _, field := range []string{"pkt_pts", "pts"} {
			if v, err := frames[k].GetInt64(field); err == nil {
				return v, true
			}
		}
	}
	return 0, false
}

// YtDlp downloads the video at url into dir and returns the paths of the
// files it wrote, in name order.
func (t *Tool) YtDlp(ctx context.Context, url, dir string) ([]string, error) {
	args := []string{"--quiet", "--no-part", "--no-playlist", "-o", filepath.Join(dir, "%(id)s.%(ext)s"), url}
	if _, err := t.Runner.Run(ctx, t.YtDlpPath, args); err != nil {
		return nil, hpatrol.E(hpatrol.FFmpegError, "media.YtDlp", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var files []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}
