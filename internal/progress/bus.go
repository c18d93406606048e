// Package progress implements the per-job progress event log and its live
// fan-out to subscribers.
package progress

import (
	"errors"
	"sync"

	"github.com/djsplit/api/internal/model"
)

// ErrSubscriberOverflow is reported to a subscriber that fell behind and was
// disconnected. Other subscribers and the producer are unaffected.
var ErrSubscriberOverflow = errors.New("progress subscriber overflow")

// DefaultSubscriberBuffer is the per-subscriber channel capacity used when
// the bus is created with a non-positive buffer size.
const DefaultSubscriberBuffer = 256

// Subscription is a live, cancelable stream of progress events for one job.
// C is closed after the job's terminal event has been delivered, or when the
// subscriber is disconnected for falling behind (see Err).
type Subscription struct {
	C <-chan model.ProgressEvent

	ch    chan model.ProgressEvent
	jobID string

	mu     sync.Mutex
	closed bool
	err    error
}

// Err returns the reason the subscription ended early, if any. It returns
// ErrSubscriberOverflow when the subscriber was disconnected for falling
// behind, and nil after a natural end of stream.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// close marks the subscription finished and closes the delivery channel.
// Callers must not hold s.mu.
func (s *Subscription) close(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = err
	s.mu.Unlock()
	close(s.ch)
}

// Bus is the progress event bus: one append-only log per job plus live
// fan-out. Appends for different jobs proceed fully independently.
type Bus struct {
	mu      sync.RWMutex
	bufSize int
	logs    map[string]*jobLog
}

type jobLog struct {
	mu       sync.Mutex
	events   []model.ProgressEvent
	subs     map[*Subscription]struct{}
	terminal bool
}

// NewBus creates a bus with the given per-subscriber buffer capacity.
func NewBus(subscriberBuffer int) *Bus {
	if subscriberBuffer <= 0 {
		subscriberBuffer = DefaultSubscriberBuffer
	}
	return &Bus{
		bufSize: subscriberBuffer,
		logs:    make(map[string]*jobLog),
	}
}

func (b *Bus) log(jobID string) *jobLog {
	b.mu.RLock()
	l, ok := b.logs[jobID]
	b.mu.RUnlock()
	if ok {
		return l
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if l, ok = b.logs[jobID]; ok {
		return l
	}
	l = &jobLog{subs: make(map[*Subscription]struct{})}
	b.logs[jobID] = l
	return l
}

// Append adds an event to the job's log and publishes it to all live
// subscribers in the same logical step. A subscriber whose buffer is full is
// disconnected with ErrSubscriberOverflow rather than blocking the producer.
// final marks the event as the job's accepted terminal event: only then are
// all subscriptions for the job ended and the log finalized. A terminal-stage
// event appended with final=false (a rejected out-of-sequence report) stays
// an ordinary log entry. Events appended after finalization are dropped.
func (b *Bus) Append(jobID string, ev model.ProgressEvent, final bool) {
	l := b.log(jobID)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.terminal {
		return
	}
	l.events = append(l.events, ev)

	for sub := range l.subs {
		select {
		case sub.ch <- ev:
		default:
			delete(l.subs, sub)
			sub.close(ErrSubscriberOverflow)
		}
	}

	if final {
		l.terminal = true
		for sub := range l.subs {
			delete(l.subs, sub)
			sub.close(nil)
		}
	}
}

// Subscribe returns a live stream of events appended after the subscription
// time. If the job is already terminal, the stream yields the terminal event
// and then ends immediately.
func (b *Bus) Subscribe(jobID string) *Subscription {
	_, sub := b.attach(jobID, false)
	return sub
}

// Attach atomically returns the job's event history together with a live
// subscription that continues from the end of that history, so a consumer
// can replay and follow without gaps or duplicates.
func (b *Bus) Attach(jobID string) ([]model.ProgressEvent, *Subscription) {
	return b.attach(jobID, true)
}

func (b *Bus) attach(jobID string, withHistory bool) ([]model.ProgressEvent, *Subscription) {
	l := b.log(jobID)

	l.mu.Lock()
	defer l.mu.Unlock()

	sub := &Subscription{
		ch:    make(chan model.ProgressEvent, b.bufSize),
		jobID: jobID,
	}
	sub.C = sub.ch

	var history []model.ProgressEvent
	if withHistory {
		history = make([]model.ProgressEvent, len(l.events))
		copy(history, l.events)
	}

	if l.terminal {
		if !withHistory && len(l.events) > 0 {
			sub.ch <- l.events[len(l.events)-1]
		}
		sub.close(nil)
		return history, sub
	}

	l.subs[sub] = struct{}{}
	return history, sub
}

// Unsubscribe ends a subscription early. Safe to call more than once and
// after the stream has already ended.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	l := b.log(sub.jobID)

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.subs[sub]; ok {
		delete(l.subs, sub)
		sub.close(nil)
	}
}

// History returns the full ordered event log for a job. The returned slice
// is a copy and safe for the caller to retain.
func (b *Bus) History(jobID string) []model.ProgressEvent {
	l := b.log(jobID)

	l.mu.Lock()
	defer l.mu.Unlock()
	events := make([]model.ProgressEvent, len(l.events))
	copy(events, l.events)
	return events
}
