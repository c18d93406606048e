package model

// Track represents an individual track in a tracklist. StartTime and EndTime
// are human-readable offsets into the set (MM:SS or HH:MM:SS).
type Track struct {
	Artist      string `json:"artist"`
	Name        string `json:"name"`
	StartTime   string `json:"startTime"`
	EndTime     string `json:"endTime"`
	TrackNumber int    `json:"trackNumber"`

	// Result is the produced artifact location, populated once the track
	// has been split out of the set.
	Result string `json:"result,omitempty"`
}

// Tracklist represents the ordered track boundaries of a DJ set.
type Tracklist struct {
	Artist string   `json:"artist"`
	Name   string   `json:"name"`
	Genre  string   `json:"genre,omitempty"`
	Year   int      `json:"year,omitempty"`
	Tracks []*Track `json:"tracks"`
}

// Clone returns a deep copy of the tracklist.
func (t *Tracklist) Clone() *Tracklist {
	c := *t
	c.Tracks = make([]*Track, len(t.Tracks))
	for i, track := range t.Tracks {
		tc := *track
		c.Tracks[i] = &tc
	}
	return &c
}
