package job

import (
	"bufio"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// NonSilence is the CTM tag of a segment that contains speech.
const NonSilence = "<NON-SILENCE>"

// Segment is one speaker turn from a diarization transcript.
type Segment struct {
	Speaker string
	Channel string
	Start   float64
	End     float64
}

// ParseCTM reads a diarization transcript with one
// "speaker channel start duration tag" line per segment. Only non-silence
// segments are kept, sorted by start time. Times must be finite, starts
// non-negative and durations positive.
func ParseCTM(ctm string) ([]Segment, error) {
	var segments []Segment
	sc := bufio.NewScanner(strings.NewReader(ctm))
	line := 0
	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 5 {
			return nil, fmt.Errorf("CTM line %d: expected 5 fields, got %d", line, len(fields))
		}
		if fields[4] != NonSilence {
			continue
		}
		start, err := strconv.ParseFloat(fields[2], 64)
		if err != nil || math.IsNaN(start) || math.IsInf(start, 0) || start < 0 {
			return nil, fmt.Errorf("CTM line %d: bad start time %q", line, fields[2])
		}
		dur, err := strconv.ParseFloat(fields[3], 64)
		if err != nil || math.IsNaN(dur) || math.IsInf(dur, 0) || dur <= 0 {
			return nil, fmt.Errorf("CTM line %d: bad duration %q", line, fields[3])
		}
		segments = append(segments, Segment{
			Speaker: fields[0],
			Channel: fields[1],
			Start:   start,
			End:     start + dur,
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read CTM: %w", err)
	}
	sort.SliceStable(segments, func(i, j int) bool { return segments[i].Start < segments[j].Start })
	return segments, nil
}
