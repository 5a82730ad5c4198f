package recoveryagent

import (
	"sync"
	"time"
)

// EventType distinguishes stage transitions from the final outcome.
type EventType string

const (
	EventStage   EventType = "stage"
	EventOutcome EventType = "outcome"
)

// ProgressEvent is published for every stage transition of a job and once
// more when the job reaches a terminal outcome.
type ProgressEvent struct {
	Type      EventType    `json:"type"`
	JobID     string       `json:"job_id"`
	Device    string       `json:"device"`
	Recovery  string       `json:"recovery_kind"`
	Stage     Stage        `json:"-"`
	StageName string       `json:"stage"`
	Percent   int          `json:"percent"`
	Outcome   OutcomeState `json:"outcome"`
	Message   string       `json:"message,omitempty"`
	Time      time.Time    `json:"time"`
}

// eventBroker fans events out to subscribers. Each subscriber owns an
// unbounded queue drained by its own goroutine, so a slow reader never
// blocks a build and never sees events out of order.
type eventBroker struct {
	mu      sync.Mutex
	subs    map[*subscriber]struct{}
	history map[string][]ProgressEvent
	ended   map[string]bool
	closed  bool
}

func newEventBroker() *eventBroker {
	return &eventBroker{
		subs:    make(map[*subscriber]struct{}),
		history: make(map[string][]ProgressEvent),
		ended:   make(map[string]bool),
	}
}

// subscribe registers a subscriber for jobID, or for all jobs when jobID
// is empty. Job subscribers first receive the events already published for
// that job; their channel closes after the outcome event.
func (b *eventBroker) subscribe(jobID string) (<-chan ProgressEvent, func()) {
	s := newSubscriber(jobID)
	go s.run()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.finish()
		return s.out, s.cancel
	}
	if jobID != "" {
		for _, ev := range b.history[jobID] {
			s.push(ev)
		}
		if b.ended[jobID] {
			b.mu.Unlock()
			s.finish()
			return s.out, s.cancel
		}
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	return s.out, func() {
		b.mu.Lock()
		delete(b.subs, s)
		b.mu.Unlock()
		s.cancel()
	}
}

func (b *eventBroker) publish(ev ProgressEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.history[ev.JobID] = append(b.history[ev.JobID], ev)
	terminal := ev.Type == EventOutcome
	if terminal {
		b.ended[ev.JobID] = true
	}
	for s := range b.subs {
		if s.jobID != "" && s.jobID != ev.JobID {
			continue
		}
		s.push(ev)
		if terminal && s.jobID != "" {
			s.finish()
			delete(b.subs, s)
		}
	}
}

// forget drops the history of finished jobs.
func (b *eventBroker) forget(jobIDs ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range jobIDs {
		delete(b.history, id)
		delete(b.ended, id)
	}
}

func (b *eventBroker) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		s.finish()
	}
	b.subs = map[*subscriber]struct{}{}
}

type subscriber struct {
	jobID string

	mu       sync.Mutex
	queue    []ProgressEvent
	finished bool

	signal chan struct{}
	out    chan ProgressEvent
	done   chan struct{}
	once   sync.Once
}

func newSubscriber(jobID string) *subscriber {
	return &subscriber{
		jobID:  jobID,
		signal: make(chan struct{}, 1),
		out:    make(chan ProgressEvent),
		done:   make(chan struct{}),
	}
}

func (s *subscriber) push(ev ProgressEvent) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.wake()
}

// finish closes the channel once the queue has drained.
func (s *subscriber) finish() {
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
	s.wake()
}

func (s *subscriber) cancel() {
	s.once.Do(func() { close(s.done) })
}

func (s *subscriber) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscriber) run() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			finished := s.finished
			s.mu.Unlock()
			if finished {
				return
			}
			select {
			case <-s.signal:
			case <-s.done:
				return
			}
			continue
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}
