package fetch

import (
	"bytes"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
)

// initTimescale extracts the timescale of the first track of an fMP4 init
// segment. Returns 0 when the data is not a parseable init segment.
func initTimescale(data []byte) int64 {
	var init fmp4.Init
	if err := init.Unmarshal(bytes.NewReader(data)); err != nil {
		return 0
	}
	if len(init.Tracks) == 0 {
		return 0
	}
	return int64(init.Tracks[0].TimeScale)
}

// fragmentTiming extracts the base decode time and duration, in media
// ticks, of an fMP4 media fragment. It follows the first track present in
// the first moof. ok is false when the data carries no parseable fragment.
func fragmentTiming(data []byte) (baseTime, duration int64, ok bool) {
	var parts fmp4.Parts
	if err := parts.Unmarshal(data); err != nil {
		return 0, 0, false
	}

	found := false
	trackID := 0
	for _, part := range parts {
		for _, track := range part.Tracks {
			if !found {
				trackID = track.ID
				baseTime = int64(track.BaseTime)
				found = true
			}
			if track.ID != trackID {
				continue
			}
			for _, sample := range track.Samples {
				duration += int64(sample.Duration)
			}
		}
	}
	if !found {
		return 0, 0, false
	}
	return baseTime, duration, true
}
