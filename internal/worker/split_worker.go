package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/hibiken/asynq"

	"github.com/djsplit/api/internal/model"
	"github.com/djsplit/api/internal/service"
	"github.com/djsplit/api/internal/tracklist"
)

// SplitWorker processes split jobs dispatched by the lifecycle manager. It
// owns the stage sequence downloading → importing → processing → complete
// and reports every fault as terminal job state, never back to asynq for
// retry: a retried job would have to restart a finished state machine.
type SplitWorker struct {
	jobs       *service.JobService
	processor  Processor
	outputDir  string
	jobTimeout time.Duration
}

func NewSplitWorker(jobs *service.JobService, processor Processor, outputDir string, jobTimeout time.Duration) *SplitWorker {
	if jobTimeout <= 0 {
		jobTimeout = 45 * time.Minute
	}
	return &SplitWorker{
		jobs:       jobs,
		processor:  processor,
		outputDir:  outputDir,
		jobTimeout: jobTimeout,
	}
}

// ProcessTask handles one split task.
func (w *SplitWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload service.SplitTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %w", err)
	}
	jobID := payload.JobID
	log.Printf("Starting split job: %s", jobID)

	jobCtx, job, err := w.jobs.StartJob(jobID)
	if err != nil {
		if errors.Is(err, service.ErrAlreadyTerminal) {
			log.Printf("Skipping job %s: cancelled before start", jobID)
			return nil
		}
		return err
	}
	defer w.jobs.FinishJob(jobID)

	// jobCtx carries the lifecycle manager's cancel signal; also honor the
	// queue server's shutdown context and the per-job deadline.
	runCtx, cancel := context.WithTimeout(jobCtx, w.jobTimeout)
	defer cancel()
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-runCtx.Done():
		}
	}()

	if err := w.run(runCtx, job); err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			log.Printf("Split job %s cancelled", jobID)
			w.failJob(jobID, service.CancelledMessage)
		case errors.Is(err, context.DeadlineExceeded):
			log.Printf("Split job %s timed out", jobID)
			w.failJob(jobID, "processing timed out")
		default:
			log.Printf("Split job %s failed: %v", jobID, err)
			w.failJob(jobID, err.Error())
		}
		return nil
	}

	log.Printf("Split job %s completed", jobID)
	return nil
}

func (w *SplitWorker) run(ctx context.Context, job *model.Job) error {
	setPath, err := w.processor.Download(ctx, job.SourceURL, func(fraction float64, message string) {
		w.applyEvent(job.ID, model.ProgressEvent{
			Stage:    model.StageDownloading,
			Progress: model.Fraction(fraction * service.ProgressDownloadEnd),
			Message:  message,
		})
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("download failed: %w", err)
	}

	w.applyEvent(job.ID, model.ProgressEvent{
		Stage:    model.StageImporting,
		Progress: model.Fraction(service.ProgressDownloadEnd),
		Message:  "Importing tracklist",
	})

	tl, err := tracklist.Parse(job.TracklistRaw)
	if err != nil {
		return fmt.Errorf("tracklist import failed: %w", err)
	}
	if err := w.jobs.SetTracklist(job.ID, tl); err != nil {
		return err
	}

	results, err := w.processor.Split(ctx, &SplitRequest{
		JobID:              job.ID,
		InputPath:          setPath,
		OutputDir:          filepath.Join(w.outputDir, job.ID),
		FileExtension:      job.FileExtension,
		MaxConcurrentTasks: job.MaxConcurrentTasks,
		Tracklist:          tl,
	}, func(track *model.Track, resultPath string, processed, total int) {
		if err := w.jobs.TrackCompleted(job.ID, track, resultPath, processed, total); err != nil {
			log.Printf("Failed to record track completion for job %s: %v", job.ID, err)
		}
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}

	return w.jobs.CompleteJob(job.ID, results)
}

func (w *SplitWorker) applyEvent(jobID string, ev model.ProgressEvent) {
	if err := w.jobs.ApplyEvent(jobID, ev); err != nil {
		log.Printf("Failed to apply %s event for job %s: %v", ev.Stage, jobID, err)
	}
}

func (w *SplitWorker) failJob(jobID, message string) {
	if err := w.jobs.FailJob(jobID, message); err != nil {
		log.Printf("Failed to mark job %s as failed: %v", jobID, err)
	}
}
