package model

// SubmitJobRequest is the request body for submitting a new job.
type SubmitJobRequest struct {
	SourceURL          string `json:"sourceUrl" validate:"required,url"`
	TracklistRaw       string `json:"tracklist" validate:"required"`
	FileExtension      string `json:"fileExtension" validate:"omitempty,oneof=mp3 m4a wav flac"`
	MaxConcurrentTasks int    `json:"maxConcurrentTasks" validate:"omitempty,min=1,max=10"`
}

// SubmitJobResponse is returned immediately after a job is accepted.
type SubmitJobResponse struct {
	JobID   string    `json:"jobId"`
	Status  JobStatus `json:"status"`
	Message string    `json:"message"`
}

// JobDetail is the full job projection served by the detail endpoint,
// including the replayable event history.
type JobDetail struct {
	*Job
	Events []ProgressEvent `json:"events"`
}

// ListJobsResponse is the paginated job listing.
type ListJobsResponse struct {
	Jobs       []*Job `json:"jobs"`
	Page       int    `json:"page"`
	PageSize   int    `json:"pageSize"`
	TotalJobs  int    `json:"totalJobs"`
	TotalPages int    `json:"totalPages"`
}

// CancelJobResponse acknowledges an accepted cancellation.
type CancelJobResponse struct {
	JobID   string `json:"jobId"`
	Message string `json:"message"`
}

// JobEventsResponse is the full event history for polling clients.
type JobEventsResponse struct {
	JobID  string          `json:"jobId"`
	Events []ProgressEvent `json:"events"`
}

// Stream message types sent over the websocket progress stream.
const (
	StreamMessageTypeEvent = "event"
	StreamMessageTypeError = "error"
)

// StreamMessage wraps a progress event for websocket delivery.
type StreamMessage struct {
	Type  string         `json:"type"`
	JobID string         `json:"jobId"`
	Event *ProgressEvent `json:"event,omitempty"`
	Error string         `json:"error,omitempty"`
}
