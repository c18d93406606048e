// Package store holds the authoritative job registry. The in-memory map is
// the source of truth; an optional mirror persists job projections so they
// survive a restart.
package store

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/djsplit/api/internal/model"
	"github.com/djsplit/api/internal/progress"
)

var (
	// ErrNotFound is returned for unknown job identifiers.
	ErrNotFound = errors.New("job not found")
	// ErrJobTerminal is returned when an event arrives for a job that has
	// already reached a terminal state.
	ErrJobTerminal = errors.New("job already terminal")
)

// CreateOptions carries optional submission-time configuration.
type CreateOptions struct {
	FileExtension      string
	MaxConcurrentTasks int
}

// Registry stores all jobs keyed by identifier. Updates to the same job are
// serialized; updates to different jobs never contend.
type Registry struct {
	mu     sync.RWMutex
	jobs   map[string]*entry
	bus    *progress.Bus
	mirror Mirror
}

type entry struct {
	mu  sync.Mutex
	job *model.Job
}

// NewRegistry creates a registry backed by the given progress bus. mirror
// may be nil to disable persistence.
func NewRegistry(bus *progress.Bus, mirror Mirror) *Registry {
	return &Registry{
		jobs:   make(map[string]*entry),
		bus:    bus,
		mirror: mirror,
	}
}

// Create allocates a fresh identifier and stores a new job in the
// initializing state.
func (r *Registry) Create(sourceURL, tracklistRaw string, opts CreateOptions) *model.Job {
	job := &model.Job{
		ID:                 uuid.New().String(),
		SourceURL:          sourceURL,
		TracklistRaw:       tracklistRaw,
		FileExtension:      opts.FileExtension,
		MaxConcurrentTasks: opts.MaxConcurrentTasks,
		Status:             model.JobStatusInitializing,
		CreatedAt:          time.Now(),
	}

	r.mu.Lock()
	r.jobs[job.ID] = &entry{job: job}
	r.mu.Unlock()

	r.save(job)
	return job.Clone()
}

// Insert adds an existing job record, used when restoring mirrored jobs at
// startup. Jobs that were in flight when the process stopped are finalized
// as errors since their workers are gone.
func (r *Registry) Insert(job *model.Job) {
	if !job.Status.Terminal() {
		job.Status = model.JobStatusError
		job.Error = "job interrupted by service restart"
		job.Message = job.Error
		now := time.Now()
		job.EndTime = &now
	}

	r.mu.Lock()
	r.jobs[job.ID] = &entry{job: job}
	r.mu.Unlock()

	r.save(job)
}

func (r *Registry) entry(id string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

// Get returns a copy of the job, or ErrNotFound.
func (r *Registry) Get(id string) (*model.Job, error) {
	e, err := r.entry(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job.Clone(), nil
}

// Update applies an atomic mutation to exactly one job. Concurrent updates
// on the same job are serialized.
func (r *Registry) Update(id string, mutate func(*model.Job)) error {
	e, err := r.entry(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	mutate(e.job)
	snapshot := e.job.Clone()
	e.mu.Unlock()

	r.save(snapshot)
	return nil
}

// List returns copies of all jobs in no particular order.
func (r *Registry) List() []*model.Job {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.jobs))
	for _, e := range r.jobs {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	jobs := make([]*model.Job, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		jobs = append(jobs, e.job.Clone())
		e.mu.Unlock()
	}
	return jobs
}

// AppendEvent appends the event to the job's log and refreshes the job's
// summarized status, progress, message and timestamps from it, all under the
// job's update lock. validate, when non-nil, is consulted with the job's
// current status under that same lock; an event it rejects is retained in
// the log but never projected, and never finalizes the log or its streams
// even when its stage is terminal. The summarized progress never decreases
// even if the event reports a regression. Returns whether the event was
// applied, and ErrJobTerminal once the job has finished.
func (r *Registry) AppendEvent(id string, ev model.ProgressEvent, validate func(model.JobStatus) bool) (bool, error) {
	e, err := r.entry(id)
	if err != nil {
		return false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.job.Status.Terminal() {
		return false, ErrJobTerminal
	}

	applied := validate == nil || validate(e.job.Status)
	r.bus.Append(id, ev, applied && ev.Stage.Terminal())

	if !applied {
		return false, nil
	}

	job := e.job
	job.Status = ev.Stage.Status()
	if ev.Message != "" {
		job.Message = ev.Message
	}
	if ev.Progress != nil && *ev.Progress > job.Progress {
		job.Progress = *ev.Progress
	}

	switch {
	case ev.Stage == model.StageDownloading && job.StartTime == nil:
		now := ev.Timestamp
		job.StartTime = &now
	case ev.Stage == model.StageComplete:
		job.Progress = 1.0
	case ev.Stage == model.StageError:
		job.Error = ev.Error
		if job.Error == "" {
			job.Error = ev.Message
		}
	}
	if ev.Stage.Terminal() && job.EndTime == nil {
		now := ev.Timestamp
		job.EndTime = &now
	}

	r.save(job.Clone())
	return true, nil
}

func (r *Registry) save(job *model.Job) {
	if r.mirror == nil {
		return
	}
	if err := r.mirror.Save(job); err != nil {
		log.Printf("Failed to mirror job %s: %v", job.ID, err)
	}
}
