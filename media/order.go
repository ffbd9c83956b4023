package media

import (
	"context"
	"os"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/hpatrol/hpatrol"
)

// Segment is a local media file with the PTS of its first and last frames.
type Segment struct {
	Path  string
	First int64
	Last  int64
}

// RepairOrder puts the files into playback order by the PTS of their first
// frames. Files whose frames carry no timestamp are deleted. Of files
// sharing a first PTS only the one reaching the greatest last PTS is kept;
// the others are deleted. An EmptyFrames error is returned if nothing is
// left. A probe failure of one file counts as missing timestamps.
func (t *Tool) RepairOrder(ctx context.Context, files []string) ([]Segment, error) {
	var segs []Segment
	for _, f := range files {
		first, last, ok, err := t.FramePTS(ctx, f)
		if err != nil || !ok {
			log.Warn().Err(err).Str("file", f).Msg("no frame timestamps, dropping")
			os.Remove(f)
			continue
		}
		segs = append(segs, Segment{Path: f, First: first, Last: last})
	}
	segs = sortAndPrune(segs)
	if len(segs) == 0 {
		return nil, hpatrol.Errorf(hpatrol.EmptyFrames, "media.RepairOrder", "none of %d files has frames", len(files))
	}
	return segs, nil
}

// sortAndPrune orders segs by first PTS and drops the shorter of any pair
// sharing one, deleting the dropped file.
func sortAndPrune(segs []Segment) []Segment {
	sort.SliceStable(segs, func(i, j int) bool { return segs[i].First < segs[j].First })
	for i := len(segs) - 1; i > 0; i-- {
		a, b := segs[i-1], segs[i]
		if a.First != b.First {
			continue
		}
		drop := i - 1
		if a.Last > b.Last {
			drop = i
		}
		log.Debug().Str("file", segs[drop].Path).Msg("duplicate first pts, dropping")
		os.Remove(segs[drop].Path)
		segs = append(segs[:drop], segs[drop+1:]...)
	}
	return segs
}
