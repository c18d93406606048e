// Package worker runs the download-and-split side of a job: the asynq task
// handler that drives a job through its stages, and the processor that does
// the actual transfer and audio splitting.
package worker

import (
	"context"

	"github.com/djsplit/api/internal/model"
)

// DownloadProgressFunc receives download progress as a fraction in [0, 1].
type DownloadProgressFunc func(fraction float64, message string)

// TrackDoneFunc is called once per produced track with its artifact location
// and the running completion count.
type TrackDoneFunc func(track *model.Track, resultPath string, processed, total int)

// SplitRequest describes one splitting run over a downloaded set.
type SplitRequest struct {
	JobID              string
	InputPath          string
	OutputDir          string
	FileExtension      string
	MaxConcurrentTasks int
	Tracklist          *model.Tracklist
}

// Processor is the download-and-split collaborator. Implementations must
// honor context cancellation by stopping at their next safe checkpoint.
type Processor interface {
	// Download fetches the set audio and returns the local file path.
	Download(ctx context.Context, sourceURL string, onProgress DownloadProgressFunc) (string, error)
	// Split cuts the set into per-track files and returns their locations
	// in tracklist order.
	Split(ctx context.Context, req *SplitRequest, onTrackDone TrackDoneFunc) ([]string, error)
}
