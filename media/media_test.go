package media

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpatrol/hpatrol"
)

func newFakeTool() (*Tool, *FakeRunner) {
	f := NewFakeRunner()
	return &Tool{FFmpegPath: "ffmpeg", FFprobePath: "ffprobe", Runner: f}, f
}

func framesJSON(pts ...string) string {
	s := `{"frames":[`
	for i, p := range pts {
		if i > 0 {
			s += ","
		}
		if p == "" {
			s += `{}`
		} else {
			s += `{"pts":` + p + `}`
		}
	}
	return s + `]}`
}

func touch(t *testing.T, dir, name string) string {
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(name), 0644))
	return p
}

func TestProbeHelpers(t *testing.T) {
	ctx := context.Background()
	tool, f := newFakeTool()
	f.SetProbe("a.ts", "format=duration", `{"format":{"duration":"600.500000"}}`)
	f.SetProbe("a.ts", "stream=codec_name", `{"streams":[{"codec_name":"aac"}]}`)
	f.SetProbe("b.ts", "stream=codec_name", `{"streams":[]}`)

	d, err := tool.Duration(ctx, "a.ts")
	require.NoError(t, err)
	assert.Equal(t, 600*time.Second+500*time.Millisecond, d)

	c, err := tool.AudioCodec(ctx, "a.ts")
	require.NoError(t, err)
	assert.Equal(t, "aac", c)
	c, err = tool.AudioCodec(ctx, "b.ts")
	require.NoError(t, err)
	assert.Equal(t, "", c)

	_, err = tool.Duration(ctx, "missing.ts")
	assert.True(t, hpatrol.Is(err, hpatrol.FFmpegError))
}

func TestFramePTSNeighbour(t *testing.T) {
	ctx := context.Background()
	tool, f := newFakeTool()
	f.SetProbe("a.ts", "frame=pkt_pts,pts", framesJSON("", "100", "200", ""))
	f.SetProbe("b.ts", "frame=pkt_pts,pts", `{"frames":[{"pkt_pts":7},{"pkt_pts":9}]}`)
	f.SetProbe("c.ts", "frame=pkt_pts,pts", framesJSON("", "", "5"))

	first, last, ok, err := tool.FramePTS(ctx, "a.ts")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(100), first)
	assert.Equal(t, int64(200), last)

	first, last, ok, _ = tool.FramePTS(ctx, "b.ts")
	assert.True(t, ok)
	assert.Equal(t, int64(7), first)
	assert.Equal(t, int64(9), last)

	_, _, ok, _ = tool.FramePTS(ctx, "c.ts")
	assert.False(t, ok)
}

func TestRepairOrder(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	tool, f := newFakeTool()
	a := touch(t, dir, "cam_100.ts")
	b := touch(t, dir, "cam_101.ts")
	c := touch(t, dir, "cam_102.ts")
	d := touch(t, dir, "cam_103.ts")
	e := touch(t, dir, "cam_104.ts")
	f.SetProbe(a, "frame=pkt_pts,pts", framesJSON("300", "390"))
	f.SetProbe(b, "frame=pkt_pts,pts", framesJSON("100", "190"))
	f.SetProbe(c, "frame=pkt_pts,pts", framesJSON("100", "250")) // longer, same start as b
	f.SetProbe(d, "frame=pkt_pts,pts", framesJSON("", ""))
	f.SetProbe(e, "frame=pkt_pts,pts", framesJSON("200", "290"))

	segs, err := tool.RepairOrder(ctx, []string{a, b, c, d, e})
	require.NoError(t, err)
	var got []string
	for i, s := range segs {
		got = append(got, filepath.Base(s.Path))
		if i > 0 {
			assert.True(t, segs[i-1].First < s.First, "first pts must strictly increase")
		}
	}
	assert.Equal(t, []string{"cam_102.ts", "cam_104.ts", "cam_100.ts"}, got)
	assert.NoFileExists(t, b)
	assert.NoFileExists(t, d)
}

func TestRepairOrderEmpty(t *testing.T) {
	dir := t.TempDir()
	tool, f := newFakeTool()
	a := touch(t, dir, "x.ts")
	f.SetProbe(a, "frame=pkt_pts,pts", `{"frames":[]}`)
	_, err := tool.RepairOrder(context.Background(), []string{a})
	assert.True(t, hpatrol.Is(err, hpatrol.EmptyFrames))
	assert.NoFileExists(t, a)
}

func TestStreamMD5(t *testing.T) {
	tool, f := newFakeTool()
	f.OnFFmpeg = func(args []string) ([]byte, error) {
		return []byte("MD5=abc123\n"), nil
	}
	sum, err := tool.StreamMD5(context.Background(), "a.ts")
	require.NoError(t, err)
	assert.Equal(t, "abc123", sum)
	calls := f.FFmpegCalls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0], "md5")
	assert.Contains(t, calls[0], "0:v")
}

func TestMerge(t *testing.T) {
	got := Merge(CopyStreams, map[string]interface{}{"-vcodec": "libx265", "movflags": "+faststart", "an": nil})
	assert.Equal(t, "copy", got["vcodec"])
	assert.Equal(t, "+faststart", got["movflags"])
	assert.Equal(t, "", got["an"])
	// defaults are untouched
	assert.Len(t, CopyStreams, 3)
}

func TestConcat(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	tool, f := newFakeTool()
	a, b := touch(t, dir, "a.ts"), touch(t, dir, "b.ts")
	var list string
	f.OnFFmpeg = func(args []string) ([]byte, error) {
		for i, arg := range args {
			if arg == "-i" {
				data, err := os.ReadFile(args[i+1])
				require.NoError(t, err)
				list = string(data)
			}
		}
		return nil, nil
	}
	out := filepath.Join(dir, "out.mp4")
	require.NoError(t, tool.Concat(ctx, []string{a, b}, out, nil, Merge(CopyStreams, nil)))
	assert.Equal(t, "file '"+a+"'\nfile '"+b+"'\n", list)
	calls := f.FFmpegCalls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0], "concat")
	assert.Contains(t, calls[0], out)
	// the list file is removed
	_, err := os.Stat(filepath.Join(dir, "out.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestTimelapseArgs(t *testing.T) {
	tool, f := newFakeTool()
	dir := t.TempDir()
	require.NoError(t, tool.Timelapse(context.Background(), dir, 10, filepath.Join(dir, "lapse.mp4")))
	args := f.FFmpegCalls()[0]
	assert.Contains(t, args, "glob")
	assert.Contains(t, args, "libx264")
	assert.Contains(t, args, filepath.Join(dir, "*.JPG"))
	assert.Equal(t, "aac", AudioExt("aac"))
	assert.Equal(t, "mp4", AudioExt("pcm_s16le"))
}
