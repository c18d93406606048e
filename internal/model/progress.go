package model

import "time"

// Stage is the category of a progress event.
type Stage string

const (
	StageInitializing Stage = "initializing"
	StageDownloading  Stage = "downloading"
	StageImporting    Stage = "importing"
	StageProcessing   Stage = "processing"
	StageComplete     Stage = "complete"
	StageError        Stage = "error"
)

// Terminal reports whether the stage ends a job's event stream.
func (s Stage) Terminal() bool {
	return s == StageComplete || s == StageError
}

// Status maps a stage to the job status it implies.
func (s Stage) Status() JobStatus {
	return JobStatus(s)
}

// TrackDetails carries information about the track currently being processed.
type TrackDetails struct {
	CurrentTrack    string `json:"currentTrack"`
	TrackNumber     int    `json:"trackNumber"`
	ProcessedTracks int    `json:"processedTracks"`
	TotalTracks     int    `json:"totalTracks"`
}

// Fraction returns a pointer to a progress fraction, for the optional
// Progress field of an event.
func Fraction(v float64) *float64 {
	return &v
}

// ProgressEvent is one immutable, timestamped fact about a job's advancement.
// Progress, when present, is a fraction in [0, 1].
type ProgressEvent struct {
	Timestamp    time.Time     `json:"timestamp"`
	Stage        Stage         `json:"stage"`
	Progress     *float64      `json:"progress,omitempty"`
	Message      string        `json:"message,omitempty"`
	Error        string        `json:"error,omitempty"`
	TrackDetails *TrackDetails `json:"trackDetails,omitempty"`
	Data         []byte        `json:"data,omitempty"`
}
