package media

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	ffmpeg "github.com/u2takey/ffmpeg-go"
)

// Default output flags of the concat jobs.
var (
	CopyStreams = ffmpeg.KwArgs{"acodec": "copy", "vcodec": "copy", "v": "error"}
	AudioOnly   = ffmpeg.KwArgs{"vn": "", "acodec": "copy", "v": "error"}
)

// Merge returns defaults with the entries of extra added. An entry of
// extra never replaces a default. Leading dashes on extra keys are dropped.
func Merge(defaults ffmpeg.KwArgs, extra map[string]interface{}) ffmpeg.KwArgs {
	out := make(ffmpeg.KwArgs, len(defaults)+len(extra))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range extra {
		k = strings.TrimLeft(k, "-")
		if _, ok := out[k]; ok || k == "" {
			continue
		}
		if v == nil {
			v = ""
		}
		out[k] = v
	}
	return out
}

// Concat joins inputs, in order, into out using the concat demuxer. The
// list file is written next to out.
func (t *Tool) Concat(ctx context.Context, inputs []string, out string, inOpts, outOpts ffmpeg.KwArgs) error {
	list := strings.TrimSuffix(out, filepath.Ext(out)) + ".txt"
	var b strings.Builder
	for _, in := range inputs {
		abs, err := filepath.Abs(in)
		if err != nil {
			return errors.WithStack(err)
		}
		fmt.Fprintf(&b, "file '%s'\n", strings.ReplaceAll(abs, "'", `'\''`))
	}
	if err := os.WriteFile(list, []byte(b.String()), 0644); err != nil {
		return errors.WithStack(err)
	}
	defer os.Remove(list)
	s := ffmpeg.Input(list, Merge(ffmpeg.KwArgs{"f": "concat", "safe": "0"}, inOpts)).
		Output(out, outOpts).
		OverWriteOutput()
	_, err := t.FFmpeg(ctx, s)
	return err
}

// Timelapse encodes every .JPG in dir, in name order, into out at fps
// frames a second. The encoding is lossless.
func (t *Tool) Timelapse(ctx context.Context, dir string, fps int, out string) error {
	s := ffmpeg.Input(filepath.Join(dir, "*.JPG"), ffmpeg.KwArgs{"framerate": fps, "pattern_type": "glob"}).
		Output(out, ffmpeg.KwArgs{"vcodec": "libx264", "crf": 0, "v": "error"}).
		OverWriteOutput()
	_, err := t.FFmpeg(ctx, s)
	return err
}

var audioExt = map[string]string{
	"aac":    "aac",
	"mp3":    "mp3",
	"opus":   "opus",
	"vorbis": "ogg",
	"flac":   "flac",
	"ac3":    "ac3",
}

// AudioExt is the file extension for an audio-only copy of a stream in
// codec. Unknown codecs go into an mp4 container.
func AudioExt(codec string) string {
	if ext, ok := audioExt[codec]; ok {
		return ext
	}
	return "mp4"
}
