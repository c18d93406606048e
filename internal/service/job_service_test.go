package service

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djsplit/api/internal/config"
	"github.com/djsplit/api/internal/model"
	"github.com/djsplit/api/internal/progress"
	"github.com/djsplit/api/internal/store"
)

type fakeEnqueuer struct {
	mu    sync.Mutex
	tasks []*asynq.Task
	err   error
}

func (f *fakeEnqueuer) Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{ID: "task-1", Queue: QueueSplit}, nil
}

func (f *fakeEnqueuer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

func testJobsConfig() config.JobsConfig {
	return config.JobsConfig{
		DefaultPageSize:           10,
		MaxPageSize:               100,
		DefaultMaxConcurrentTasks: 4,
		MaxConcurrentTasksLimit:   10,
		CancelTimeout:             100 * time.Millisecond,
		SubscriberBuffer:          16,
		SnapshotTTL:               time.Hour,
		DefaultFileExtension:      "mp3",
	}
}

func newTestService(t *testing.T) (*JobService, *fakeEnqueuer) {
	t.Helper()
	bus := progress.NewBus(16)
	registry := store.NewRegistry(bus, nil)
	enq := &fakeEnqueuer{}
	return NewJobService(registry, bus, enq, testJobsConfig()), enq
}

func submitJob(t *testing.T, svc *JobService) string {
	t.Helper()
	resp, err := svc.Submit(&model.SubmitJobRequest{
		SourceURL:    "https://example.com/set.mp3",
		TracklistRaw: "1. A - X 00:00-03:30\n2. B - Y 03:30-07:00",
	})
	require.NoError(t, err)
	return resp.JobID
}

func TestSubmit(t *testing.T) {
	svc, enq := newTestService(t)

	resp, err := svc.Submit(&model.SubmitJobRequest{
		SourceURL:    "https://example.com/set.mp3",
		TracklistRaw: "1. A - X 00:00-03:30",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.JobID)
	assert.Equal(t, model.JobStatusInitializing, resp.Status)
	assert.Equal(t, 1, enq.count())

	detail, err := svc.Get(resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusInitializing, detail.Status)
	assert.Equal(t, "mp3", detail.FileExtension)
	assert.Equal(t, 4, detail.MaxConcurrentTasks)
	require.Len(t, detail.Events, 1)
	assert.Equal(t, model.StageInitializing, detail.Events[0].Stage)
}

func TestSubmitMissingFields(t *testing.T) {
	svc, enq := newTestService(t)

	_, err := svc.Submit(&model.SubmitJobRequest{TracklistRaw: "1. A - X 00:00-03:30"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = svc.Submit(&model.SubmitJobRequest{SourceURL: "https://example.com/set.mp3"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = svc.Submit(&model.SubmitJobRequest{SourceURL: "   ", TracklistRaw: "  "})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	assert.Equal(t, 0, enq.count())
}

func TestSubmitClampsConcurrency(t *testing.T) {
	svc, _ := newTestService(t)

	resp, err := svc.Submit(&model.SubmitJobRequest{
		SourceURL:          "https://example.com/set.mp3",
		TracklistRaw:       "1. A - X 00:00-03:30",
		MaxConcurrentTasks: 50,
	})
	require.NoError(t, err)

	detail, err := svc.Get(resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, 10, detail.MaxConcurrentTasks)
}

func TestSubmitUsesConfiguredDefaultExtension(t *testing.T) {
	bus := progress.NewBus(16)
	registry := store.NewRegistry(bus, nil)
	cfg := testJobsConfig()
	cfg.DefaultFileExtension = "flac"
	svc := NewJobService(registry, bus, &fakeEnqueuer{}, cfg)

	resp, err := svc.Submit(&model.SubmitJobRequest{
		SourceURL:    "https://example.com/set.mp3",
		TracklistRaw: "1. A - X 00:00-03:30",
	})
	require.NoError(t, err)

	detail, err := svc.Get(resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, "flac", detail.FileExtension)
}

func TestSubmitEnqueueFailure(t *testing.T) {
	bus := progress.NewBus(16)
	registry := store.NewRegistry(bus, nil)
	enq := &fakeEnqueuer{err: errors.New("redis down")}
	svc := NewJobService(registry, bus, enq, testJobsConfig())

	_, err := svc.Submit(&model.SubmitJobRequest{
		SourceURL:    "https://example.com/set.mp3",
		TracklistRaw: "1. A - X 00:00-03:30",
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidRequest)

	// The created job must be left terminal rather than stuck initializing.
	jobs, listErr := svc.List(1, 10)
	require.NoError(t, listErr)
	require.Len(t, jobs.Jobs, 1)
	assert.Equal(t, model.JobStatusError, jobs.Jobs[0].Status)
}

func TestGetUnknownJob(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Get("no-such-job")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = svc.Events("no-such-job")
	assert.ErrorIs(t, err, ErrNotFound)

	_, _, err = svc.Stream("no-such-job")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFullLifecycle(t *testing.T) {
	svc, _ := newTestService(t)
	jobID := submitJob(t, svc)

	_, _, err := svc.StartJob(jobID)
	require.NoError(t, err)

	tl := &model.Tracklist{Tracks: []*model.Track{
		{Artist: "A", Name: "X", StartTime: "00:00", EndTime: "03:30", TrackNumber: 1},
		{Artist: "B", Name: "Y", StartTime: "03:30", EndTime: "07:00", TrackNumber: 2},
	}}
	require.NoError(t, svc.SetTracklist(jobID, tl))

	require.NoError(t, svc.TrackCompleted(jobID, tl.Tracks[0], "output/01.mp3", 1, 2))
	require.NoError(t, svc.TrackCompleted(jobID, tl.Tracks[1], "output/02.mp3", 2, 2))
	require.NoError(t, svc.CompleteJob(jobID, []string{"output/01.mp3", "output/02.mp3"}))
	svc.FinishJob(jobID)

	detail, err := svc.Get(jobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusComplete, detail.Status)
	assert.Equal(t, 1.0, detail.Progress)
	assert.Equal(t, []string{"output/01.mp3", "output/02.mp3"}, detail.Results)
	require.NotNil(t, detail.StartTime)
	require.NotNil(t, detail.EndTime)

	// Completed jobs have their tracks annotated with artifact locations.
	require.NotNil(t, detail.Tracklist)
	assert.Equal(t, "output/01.mp3", detail.Tracklist.Tracks[0].Result)
	assert.Equal(t, "output/02.mp3", detail.Tracklist.Tracks[1].Result)

	// Event history covers the full stage sequence in order.
	stages := make([]model.Stage, 0, len(detail.Events))
	for _, ev := range detail.Events {
		stages = append(stages, ev.Stage)
	}
	assert.Equal(t, []model.Stage{
		model.StageInitializing,
		model.StageDownloading,
		model.StageProcessing,
		model.StageProcessing,
		model.StageProcessing,
		model.StageComplete,
	}, stages)
}

func TestProgressIsMonotonic(t *testing.T) {
	svc, _ := newTestService(t)
	jobID := submitJob(t, svc)

	_, _, err := svc.StartJob(jobID)
	require.NoError(t, err)
	defer svc.FinishJob(jobID)

	tl := &model.Tracklist{Tracks: []*model.Track{
		{Name: "X", TrackNumber: 1}, {Name: "Y", TrackNumber: 2}, {Name: "Z", TrackNumber: 3},
	}}
	require.NoError(t, svc.SetTracklist(jobID, tl))

	var last float64
	for i, track := range tl.Tracks {
		require.NoError(t, svc.TrackCompleted(jobID, track, "out", i+1, 3))
		detail, err := svc.Get(jobID)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, detail.Progress, last)
		last = detail.Progress
	}
	assert.InDelta(t, ProgressProcessingEnd, last, 1e-9)
}

func TestProtocolViolationKeepsState(t *testing.T) {
	svc, _ := newTestService(t)
	jobID := submitJob(t, svc)

	_, _, err := svc.StartJob(jobID)
	require.NoError(t, err)

	tl := &model.Tracklist{Tracks: []*model.Track{{Name: "X", TrackNumber: 1}}}
	require.NoError(t, svc.SetTracklist(jobID, tl))

	// A downloading event while processing is a backward transition: it is
	// retained in the history but must not change the summarized state.
	before, err := svc.Get(jobID)
	require.NoError(t, err)

	err = svc.ApplyEvent(jobID, model.ProgressEvent{
		Stage:    model.StageDownloading,
		Progress: model.Fraction(0.1),
		Message:  "late download report",
	})
	require.NoError(t, err)

	after, err := svc.Get(jobID)
	require.NoError(t, err)
	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, before.Progress, after.Progress)
	assert.Equal(t, before.Message, after.Message)
	assert.Len(t, after.Events, len(before.Events)+1)
	svc.FinishJob(jobID)
}

func TestCompleteOnlyFromProcessing(t *testing.T) {
	svc, _ := newTestService(t)
	jobID := submitJob(t, svc)

	_, _, err := svc.StartJob(jobID)
	require.NoError(t, err)
	defer svc.FinishJob(jobID)

	// Job is downloading; a complete event out of sequence must not finish it.
	err = svc.ApplyEvent(jobID, model.ProgressEvent{
		Stage:   model.StageComplete,
		Message: "premature",
	})
	require.NoError(t, err)

	detail, err := svc.Get(jobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusDownloading, detail.Status)
}

func TestViolatingTerminalEventDoesNotEndJob(t *testing.T) {
	svc, _ := newTestService(t)
	jobID := submitJob(t, svc)

	_, _, err := svc.StartJob(jobID)
	require.NoError(t, err)
	defer svc.FinishJob(jobID)

	_, sub, err := svc.Stream(jobID)
	require.NoError(t, err)
	defer svc.Unsubscribe(sub)

	// A complete event while downloading is invalid: it must be recorded but
	// must not finish the job or end its streams.
	require.NoError(t, svc.ApplyEvent(jobID, model.ProgressEvent{
		Stage:    model.StageComplete,
		Progress: model.Fraction(1),
		Message:  "premature",
	}))

	select {
	case ev, ok := <-sub.C:
		require.True(t, ok, "stream ended on a rejected event")
		assert.Equal(t, model.StageComplete, ev.Stage)
	case <-time.After(time.Second):
		t.Fatal("rejected event never reached the stream")
	}

	detail, err := svc.Get(jobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusDownloading, detail.Status)

	// The job's real ending still lands in the history and on the stream.
	require.NoError(t, svc.FailJob(jobID, "boom"))

	select {
	case ev, ok := <-sub.C:
		require.True(t, ok)
		assert.Equal(t, model.StageError, ev.Stage)
	case <-time.After(time.Second):
		t.Fatal("terminal event never reached the stream")
	}
	_, ok := <-sub.C
	assert.False(t, ok)

	detail, err = svc.Get(jobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusError, detail.Status)
	require.NotEmpty(t, detail.Events)
	assert.Equal(t, model.StageError, detail.Events[len(detail.Events)-1].Stage)
}

func TestEventAfterTerminalRejected(t *testing.T) {
	svc, _ := newTestService(t)
	jobID := submitJob(t, svc)

	require.NoError(t, svc.FailJob(jobID, "boom"))

	err := svc.ApplyEvent(jobID, model.ProgressEvent{
		Stage:   model.StageProcessing,
		Message: "late",
	})
	assert.ErrorIs(t, err, store.ErrJobTerminal)

	// FailJob on a terminal job is a no-op, not an error.
	assert.NoError(t, svc.FailJob(jobID, "again"))

	detail, err := svc.Get(jobID)
	require.NoError(t, err)
	assert.Equal(t, "boom", detail.Error)
}

func TestCancelQueuedJob(t *testing.T) {
	svc, _ := newTestService(t)
	jobID := submitJob(t, svc)

	resp, err := svc.Cancel(jobID)
	require.NoError(t, err)
	assert.Equal(t, jobID, resp.JobID)

	detail, err := svc.Get(jobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusError, detail.Status)
	assert.Equal(t, CancelledMessage, detail.Error)

	// The worker runtime must skip a job cancelled while still queued.
	_, _, err = svc.StartJob(jobID)
	assert.ErrorIs(t, err, ErrAlreadyTerminal)
}

func TestCancelRunningJob(t *testing.T) {
	svc, _ := newTestService(t)
	jobID := submitJob(t, svc)

	ctx, _, err := svc.StartJob(jobID)
	require.NoError(t, err)

	workerDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		svc.FailJob(jobID, CancelledMessage)
		svc.FinishJob(jobID)
		close(workerDone)
	}()

	_, err = svc.Cancel(jobID)
	require.NoError(t, err)

	select {
	case <-workerDone:
	case <-time.After(time.Second):
		t.Fatal("worker never observed cancellation")
	}

	detail, err := svc.Get(jobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusError, detail.Status)
	assert.Equal(t, CancelledMessage, detail.Error)
}

func TestCancelUnresponsiveWorker(t *testing.T) {
	svc, _ := newTestService(t)
	jobID := submitJob(t, svc)

	_, _, err := svc.StartJob(jobID)
	require.NoError(t, err)
	// The worker never acknowledges; Cancel must still return after its
	// timeout with the job force-marked terminal.

	start := time.Now()
	_, err = svc.Cancel(jobID)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)

	detail, err := svc.Get(jobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusError, detail.Status)
	assert.Equal(t, CancelledMessage, detail.Error)
	svc.FinishJob(jobID)
}

func TestCancelTerminalJob(t *testing.T) {
	svc, _ := newTestService(t)
	jobID := submitJob(t, svc)
	require.NoError(t, svc.FailJob(jobID, "boom"))

	eventsBefore, err := svc.Events(jobID)
	require.NoError(t, err)

	_, err = svc.Cancel(jobID)
	assert.ErrorIs(t, err, ErrAlreadyTerminal)

	eventsAfter, err := svc.Events(jobID)
	require.NoError(t, err)
	assert.Len(t, eventsAfter, len(eventsBefore))
}

func TestCancelUnknownJob(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Cancel("no-such-job")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStreamReplaysAndFollows(t *testing.T) {
	svc, _ := newTestService(t)
	jobID := submitJob(t, svc)

	history, sub, err := svc.Stream(jobID)
	require.NoError(t, err)
	defer svc.Unsubscribe(sub)
	require.Len(t, history, 1)
	assert.Equal(t, model.StageInitializing, history[0].Stage)

	require.NoError(t, svc.FailJob(jobID, "boom"))

	select {
	case ev := <-sub.C:
		assert.Equal(t, model.StageError, ev.Stage)
	case <-time.After(time.Second):
		t.Fatal("expected live event")
	}

	_, ok := <-sub.C
	assert.False(t, ok)
}

func TestListPaginates(t *testing.T) {
	svc, _ := newTestService(t)
	for i := 0; i < 5; i++ {
		submitJob(t, svc)
	}

	resp, err := svc.List(1, 2)
	require.NoError(t, err)
	assert.Len(t, resp.Jobs, 2)
	assert.Equal(t, 5, resp.TotalJobs)
	assert.Equal(t, 3, resp.TotalPages)

	_, err = svc.List(0, 2)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestValidTransition(t *testing.T) {
	cases := []struct {
		from model.JobStatus
		to   model.Stage
		ok   bool
	}{
		{model.JobStatusInitializing, model.StageDownloading, true},
		{model.JobStatusDownloading, model.StageImporting, true},
		{model.JobStatusImporting, model.StageProcessing, true},
		{model.JobStatusDownloading, model.StageDownloading, true},
		{model.JobStatusProcessing, model.StageComplete, true},
		{model.JobStatusInitializing, model.StageError, true},
		{model.JobStatusProcessing, model.StageDownloading, false},
		{model.JobStatusDownloading, model.StageComplete, false},
		{model.JobStatusComplete, model.StageError, false},
		{model.JobStatusError, model.StageProcessing, false},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.ok, validTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}
