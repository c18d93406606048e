package model

import "time"

// JobStatus tracks a job through its lifecycle. The set of statuses mirrors
// the progress stages: a job's status is always the stage of its most recent
// applied progress event.
type JobStatus string

const (
	JobStatusInitializing JobStatus = "initializing"
	JobStatusDownloading  JobStatus = "downloading"
	JobStatusImporting    JobStatus = "importing"
	JobStatusProcessing   JobStatus = "processing"
	JobStatusComplete     JobStatus = "complete"
	JobStatusError        JobStatus = "error"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobStatusComplete || s == JobStatusError
}

// Job represents one download-and-split request and its tracked state.
type Job struct {
	ID                 string     `json:"id"`
	SourceURL          string     `json:"sourceUrl"`
	TracklistRaw       string     `json:"-"`
	FileExtension      string     `json:"fileExtension,omitempty"`
	MaxConcurrentTasks int        `json:"maxConcurrentTasks,omitempty"`
	Status             JobStatus  `json:"status"`
	Progress           float64    `json:"progress"`
	Message            string     `json:"message,omitempty"`
	Error              string     `json:"error,omitempty"`
	Results            []string   `json:"results,omitempty"`
	Tracklist          *Tracklist `json:"tracklist,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	StartTime          *time.Time `json:"startTime,omitempty"`
	EndTime            *time.Time `json:"endTime,omitempty"`
}

// Clone returns a deep copy so callers can read job state without holding
// registry locks.
func (j *Job) Clone() *Job {
	c := *j
	if j.Results != nil {
		c.Results = make([]string, len(j.Results))
		copy(c.Results, j.Results)
	}
	if j.StartTime != nil {
		t := *j.StartTime
		c.StartTime = &t
	}
	if j.EndTime != nil {
		t := *j.EndTime
		c.EndTime = &t
	}
	if j.Tracklist != nil {
		c.Tracklist = j.Tracklist.Clone()
	}
	return &c
}
