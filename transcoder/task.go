package transcoder

import (
	"encoding/json"
	"strconv"

	"github.com/hpatrol/hpatrol"
	"github.com/hpatrol/hpatrol/aimpoint"
)

// The task kinds.
const (
	Transcode = "transcode"
	Timelapse = "timelapse"
	TakeAudio = "takeaudio"
)

// Task is the message the drover posts on the transcode queue. ClipStart
// is epoch seconds written as a string.
type Task struct {
	Task             string                     `json:"task"`
	DeviceID         string                     `json:"deviceID,omitempty"`
	FilenameBase     string                     `json:"filenameBase"`
	OutFilename      string                     `json:"outFilename"`
	OutExt           string                     `json:"outExt,omitempty"`
	WrkBucket        string                     `json:"wrkBucket"`
	DstBucket        string                     `json:"dstBucket"`
	SrcPrefix        string                     `json:"srcPrefix"`
	DstPrefix        string                     `json:"dstPrefix"`
	ClipStart        string                     `json:"clipStart"`
	ClipLengthSecs   int                        `json:"clipLengthSecs"`
	FFmpegDedup      *string                    `json:"ffmpegDedup"`
	TranscodeOptions *aimpoint.TranscodeOptions `json:"transcodeOptions,omitempty"`
	TimelapseFPS     *int                       `json:"timelapseFPS,omitempty"`
}

// Start returns ClipStart as a number.
func (t *Task) Start() (int64, error) {
	n, err := strconv.ParseInt(t.ClipStart, 10, 64)
	if err != nil {
		return 0, hpatrol.E(hpatrol.DataError, "transcoder.Task", err)
	}
	return n, nil
}

// Validate checks the fields every task kind needs.
func (t *Task) Validate() error {
	const op = "transcoder.Task"
	switch t.Task {
	case Transcode, Timelapse, TakeAudio:
	default:
		return hpatrol.Errorf(hpatrol.ConfigError, op, "unknown task %q", t.Task)
	}
	if t.FilenameBase == "" || t.OutFilename == "" || t.WrkBucket == "" || t.DstBucket == "" {
		return hpatrol.Errorf(hpatrol.ConfigError, op, "%s task missing names or buckets", t.Task)
	}
	if t.ClipLengthSecs <= 0 {
		return hpatrol.Errorf(hpatrol.ConfigError, op, "clipLengthSecs must be > 0, got %d", t.ClipLengthSecs)
	}
	_, err := t.Start()
	return err
}

// Dedup returns the dedup mode, aimpoint.DedupNone if unset.
func (t *Task) Dedup() string {
	if t.FFmpegDedup == nil || *t.FFmpegDedup == "" {
		return aimpoint.DedupNone
	}
	return *t.FFmpegDedup
}

// DecodeTask parses and validates a task message body.
func DecodeTask(body []byte) (*Task, error) {
	t := new(Task)
	if err := json.Unmarshal(body, t); err != nil {
		return nil, hpatrol.E(hpatrol.DataError, "transcoder.DecodeTask", err)
	}
	return t, t.Validate()
}
