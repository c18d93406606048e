// Package tracklist parses raw tracklist submissions into track boundaries.
package tracklist

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/djsplit/api/internal/model"
)

var (
	// ErrInvalidTracklist covers malformed or unparseable submissions.
	ErrInvalidTracklist = errors.New("invalid tracklist")
	// ErrEmptyTracklist is returned when no tracks could be parsed.
	ErrEmptyTracklist = errors.New("tracklist has no tracks")
)

// MaxTracks caps the track count to bound per-job memory and work.
const MaxTracks = 100

// Plain-text entry: "1. Artist - Title 00:00-03:30" with MM:SS or HH:MM:SS
// offsets. The separator between artist and title is " - ".
var lineRe = regexp.MustCompile(`^\s*(\d+)[.)]\s+(.+?)\s+-\s+(.+?)\s+(\d{1,2}:\d{2}(?::\d{2})?)\s*-\s*(\d{1,2}:\d{2}(?::\d{2})?)\s*$`)

// Parse decodes a raw tracklist, accepting either a JSON tracklist document
// or the plain-text line format. Track numbers are assigned from position
// and missing end times are filled from the next track's start.
func Parse(raw string) (*model.Tracklist, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty input", ErrInvalidTracklist)
	}

	var (
		tl  *model.Tracklist
		err error
	)
	if strings.HasPrefix(trimmed, "{") {
		tl, err = parseJSON(trimmed)
	} else {
		tl, err = parseText(trimmed)
	}
	if err != nil {
		return nil, err
	}

	if len(tl.Tracks) == 0 {
		return nil, ErrEmptyTracklist
	}
	if len(tl.Tracks) > MaxTracks {
		return nil, fmt.Errorf("%w: maximum %d tracks allowed, got %d", ErrInvalidTracklist, MaxTracks, len(tl.Tracks))
	}

	for i, track := range tl.Tracks {
		track.TrackNumber = i + 1
		if track.EndTime == "" && i+1 < len(tl.Tracks) {
			track.EndTime = tl.Tracks[i+1].StartTime
		}
	}

	return tl, nil
}

func parseJSON(raw string) (*model.Tracklist, error) {
	var tl model.Tracklist
	if err := json.Unmarshal([]byte(raw), &tl); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTracklist, err)
	}
	return &tl, nil
}

func parseText(raw string) (*model.Tracklist, error) {
	tl := &model.Tracklist{}

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		m := lineRe.FindStringSubmatch(line)
		if m == nil {
			return nil, fmt.Errorf("%w: unparseable line %q", ErrInvalidTracklist, line)
		}

		tl.Tracks = append(tl.Tracks, &model.Track{
			Artist:    m[2],
			Name:      m[3],
			StartTime: m[4],
			EndTime:   m[5],
		})
	}

	return tl, nil
}
