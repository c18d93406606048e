// Package service implements the job lifecycle manager: it creates jobs,
// drives them through their state machine, dispatches and cancels workers,
// and gates every worker event against the current state.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/hibiken/asynq"

	"github.com/djsplit/api/internal/config"
	"github.com/djsplit/api/internal/model"
	"github.com/djsplit/api/internal/pagination"
	"github.com/djsplit/api/internal/progress"
	"github.com/djsplit/api/internal/store"
)

const (
	// DefaultFileExtension is the fallback output extension when neither the
	// submission nor the configuration specifies one.
	DefaultFileExtension = "mp3"
	// CancelledMessage is the distinguished reason recorded when a job is
	// cancelled rather than failing on its own.
	CancelledMessage = "job cancelled by user"
)

// Share of overall progress attributed to the download phase; the remainder
// up to ProgressProcessingEnd covers track processing.
const (
	ProgressDownloadEnd   = 0.25
	ProgressProcessingEnd = 0.99
)

// workerHandle is the lifecycle manager's grip on one running worker: a
// cancellation signal and a completion acknowledgment, never a raw goroutine
// reference.
type workerHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// JobService orchestrates job state transitions. Submission is non-blocking:
// processing happens out of band on the worker pool.
type JobService struct {
	registry *store.Registry
	bus      *progress.Bus
	enqueuer Enqueuer
	cfg      config.JobsConfig

	mu      sync.Mutex
	handles map[string]*workerHandle
}

func NewJobService(registry *store.Registry, bus *progress.Bus, enqueuer Enqueuer, cfg config.JobsConfig) *JobService {
	return &JobService{
		registry: registry,
		bus:      bus,
		enqueuer: enqueuer,
		cfg:      cfg,
		handles:  make(map[string]*workerHandle),
	}
}

// Submit validates the request, creates the job and dispatches a worker
// task, returning immediately with the new job identifier.
func (s *JobService) Submit(req *model.SubmitJobRequest) (*model.SubmitJobResponse, error) {
	if strings.TrimSpace(req.SourceURL) == "" || strings.TrimSpace(req.TracklistRaw) == "" {
		return nil, fmt.Errorf("%w: sourceUrl and tracklist are required", ErrInvalidRequest)
	}

	opts := store.CreateOptions{
		FileExtension:      req.FileExtension,
		MaxConcurrentTasks: req.MaxConcurrentTasks,
	}
	if opts.FileExtension == "" {
		opts.FileExtension = s.cfg.DefaultFileExtension
	}
	if opts.FileExtension == "" {
		opts.FileExtension = DefaultFileExtension
	}
	if opts.MaxConcurrentTasks <= 0 {
		opts.MaxConcurrentTasks = s.cfg.DefaultMaxConcurrentTasks
	} else if opts.MaxConcurrentTasks > s.cfg.MaxConcurrentTasksLimit {
		opts.MaxConcurrentTasks = s.cfg.MaxConcurrentTasksLimit
	}

	job := s.registry.Create(req.SourceURL, req.TracklistRaw, opts)

	if err := s.ApplyEvent(job.ID, model.ProgressEvent{
		Stage:    model.StageInitializing,
		Progress: model.Fraction(0),
		Message:  "Job created",
	}); err != nil {
		log.Printf("Failed to record initial event for job %s: %v", job.ID, err)
	}

	task, err := NewSplitTask(job.ID)
	if err == nil {
		_, err = s.enqueuer.Enqueue(task,
			asynq.Queue(QueueSplit),
			asynq.MaxRetry(0),
			asynq.Retention(s.cfg.SnapshotTTL),
		)
	}
	if err != nil {
		s.FailJob(job.ID, fmt.Sprintf("failed to dispatch worker: %v", err))
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	return &model.SubmitJobResponse{
		JobID:   job.ID,
		Status:  model.JobStatusInitializing,
		Message: "Processing started",
	}, nil
}

// Get returns the full job projection including its event history. Completed
// jobs have their tracks annotated with the produced artifact locations.
func (s *JobService) Get(jobID string) (*model.JobDetail, error) {
	job, err := s.registry.Get(jobID)
	if err != nil {
		return nil, err
	}

	if job.Status == model.JobStatusComplete && job.Tracklist != nil {
		for i, result := range job.Results {
			if i < len(job.Tracklist.Tracks) {
				job.Tracklist.Tracks[i].Result = result
			}
		}
	}

	return &model.JobDetail{Job: job, Events: s.bus.History(jobID)}, nil
}

// Events returns the full replayable event history for polling clients.
func (s *JobService) Events(jobID string) ([]model.ProgressEvent, error) {
	if _, err := s.registry.Get(jobID); err != nil {
		return nil, err
	}
	return s.bus.History(jobID), nil
}

// Stream returns the job's event history together with a live subscription
// continuing from the end of that history.
func (s *JobService) Stream(jobID string) ([]model.ProgressEvent, *progress.Subscription, error) {
	if _, err := s.registry.Get(jobID); err != nil {
		return nil, nil, err
	}
	history, sub := s.bus.Attach(jobID)
	return history, sub, nil
}

// Unsubscribe ends a progress stream early.
func (s *JobService) Unsubscribe(sub *progress.Subscription) {
	s.bus.Unsubscribe(sub)
}

// List returns one page of jobs ordered by creation time.
func (s *JobService) List(page, pageSize int) (*model.ListJobsResponse, error) {
	result, err := pagination.Paginate(s.registry.List(), page, pageSize, s.cfg.MaxPageSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	return &model.ListJobsResponse{
		Jobs:       result.Items,
		Page:       result.Page,
		PageSize:   result.PageSize,
		TotalJobs:  result.TotalJobs,
		TotalPages: result.TotalPages,
	}, nil
}

// Cancel requests cooperative cancellation of a running job. It waits up to
// the configured timeout for the worker to acknowledge, then force-marks the
// job terminal regardless, so a hung worker never makes Cancel hang.
// Cancelling a finished job returns ErrAlreadyTerminal and changes nothing.
func (s *JobService) Cancel(jobID string) (*model.CancelJobResponse, error) {
	job, err := s.registry.Get(jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, ErrAlreadyTerminal
	}

	s.mu.Lock()
	h := s.handles[jobID]
	s.mu.Unlock()

	if h != nil {
		h.cancel()
		select {
		case <-h.done:
		case <-time.After(s.cfg.CancelTimeout):
			log.Printf("Cancel timed out waiting for worker on job %s", jobID)
		}
	}

	s.finalizeCancel(jobID)
	return &model.CancelJobResponse{JobID: jobID, Message: "Job cancelled"}, nil
}

// finalizeCancel marks the job terminal if its worker has not already done
// so, covering jobs that never started and workers that ignore the signal.
func (s *JobService) finalizeCancel(jobID string) {
	job, err := s.registry.Get(jobID)
	if err != nil || job.Status.Terminal() {
		return
	}

	_, err = s.registry.AppendEvent(jobID, model.ProgressEvent{
		Timestamp: time.Now(),
		Stage:     model.StageError,
		Message:   CancelledMessage,
		Error:     CancelledMessage,
	}, nil)
	if err != nil && !errors.Is(err, store.ErrJobTerminal) {
		log.Printf("Failed to finalize cancellation of job %s: %v", jobID, err)
	}
}

// StartJob is called by the worker runtime when it picks up a job. It
// transitions the job to downloading, records the start time and returns a
// context the lifecycle manager can cancel. Jobs cancelled while still
// queued return ErrAlreadyTerminal and must not be processed.
func (s *JobService) StartJob(jobID string) (context.Context, *model.Job, error) {
	job, err := s.registry.Get(jobID)
	if err != nil {
		return nil, nil, err
	}
	if job.Status.Terminal() {
		return nil, nil, ErrAlreadyTerminal
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &workerHandle{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.handles[jobID] = h
	s.mu.Unlock()

	if err := s.ApplyEvent(jobID, model.ProgressEvent{
		Stage:    model.StageDownloading,
		Progress: model.Fraction(0),
		Message:  "Downloading set",
	}); err != nil {
		s.FinishJob(jobID)
		return nil, nil, err
	}

	return ctx, job, nil
}

// FinishJob releases the worker handle and acknowledges completion to any
// waiting Cancel call. Must be called exactly once after StartJob succeeds.
func (s *JobService) FinishJob(jobID string) {
	s.mu.Lock()
	h := s.handles[jobID]
	delete(s.handles, jobID)
	s.mu.Unlock()

	if h != nil {
		h.cancel()
		close(h.done)
	}
}

// SetTracklist stores the parsed tracklist and advances the job from
// importing to processing.
func (s *JobService) SetTracklist(jobID string, tl *model.Tracklist) error {
	if err := s.registry.Update(jobID, func(j *model.Job) {
		j.Tracklist = tl
	}); err != nil {
		return err
	}

	return s.ApplyEvent(jobID, model.ProgressEvent{
		Stage:        model.StageProcessing,
		Progress:     model.Fraction(ProgressDownloadEnd),
		Message:      fmt.Sprintf("Imported tracklist with %d tracks", len(tl.Tracks)),
		TrackDetails: &model.TrackDetails{TotalTracks: len(tl.Tracks)},
	})
}

// TrackCompleted records one produced artifact and emits the per-track
// progress event.
func (s *JobService) TrackCompleted(jobID string, track *model.Track, resultPath string, processed, total int) error {
	if err := s.registry.Update(jobID, func(j *model.Job) {
		if total > 0 && len(j.Results) >= total {
			return
		}
		j.Results = append(j.Results, resultPath)
	}); err != nil {
		return err
	}

	frac := ProgressDownloadEnd
	if total > 0 {
		frac += (ProgressProcessingEnd - ProgressDownloadEnd) * float64(processed) / float64(total)
	}

	return s.ApplyEvent(jobID, model.ProgressEvent{
		Stage:    model.StageProcessing,
		Progress: model.Fraction(frac),
		Message:  fmt.Sprintf("Processed track %d/%d: %s", processed, total, track.Name),
		TrackDetails: &model.TrackDetails{
			CurrentTrack:    track.Name,
			TrackNumber:     track.TrackNumber,
			ProcessedTracks: processed,
			TotalTracks:     total,
		},
	})
}

// CompleteJob finalizes a successful job with its ordered results.
func (s *JobService) CompleteJob(jobID string, results []string) error {
	if err := s.registry.Update(jobID, func(j *model.Job) {
		j.Results = results
	}); err != nil {
		return err
	}

	return s.ApplyEvent(jobID, model.ProgressEvent{
		Stage:    model.StageComplete,
		Progress: model.Fraction(1),
		Message:  "Processing completed successfully",
	})
}

// FailJob records a worker fault as terminal job state. Faults are never
// raised to the submitter; callers learn of them through the job and its
// event stream. Failing an already terminal job is a no-op.
func (s *JobService) FailJob(jobID, message string) error {
	err := s.ApplyEvent(jobID, model.ProgressEvent{
		Stage:   model.StageError,
		Message: message,
		Error:   message,
	})
	if errors.Is(err, store.ErrJobTerminal) {
		return nil
	}
	return err
}

// ApplyEvent validates an incoming worker event against the job's current
// state before applying it. The check runs under the job's update lock so
// concurrent events cannot validate against stale state. An event implying
// an invalid transition is retained in the history as a record of the
// protocol violation but never changes the job's summarized state and never
// ends its event stream.
func (s *JobService) ApplyEvent(jobID string, ev model.ProgressEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	var seen model.JobStatus
	applied, err := s.registry.AppendEvent(jobID, ev, func(status model.JobStatus) bool {
		seen = status
		return validTransition(status, ev.Stage)
	})
	if err != nil {
		return err
	}
	if !applied {
		log.Printf("Protocol violation on job %s: %s event while %s; event retained, state unchanged",
			jobID, ev.Stage, seen)
	}
	return nil
}

var stageOrder = map[string]int{
	string(model.StageInitializing): 0,
	string(model.StageDownloading):  1,
	string(model.StageImporting):    2,
	string(model.StageProcessing):   3,
}

// validTransition enforces the lifecycle state table: forward-only stage
// movement, error reachable from any non-terminal state, complete only from
// processing.
func validTransition(from model.JobStatus, to model.Stage) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case model.StageError:
		return true
	case model.StageComplete:
		return from == model.JobStatusProcessing
	default:
		fromRank, ok := stageOrder[string(from)]
		if !ok {
			return false
		}
		toRank, ok := stageOrder[string(to)]
		if !ok {
			return false
		}
		return toRank >= fromRank
	}
}
