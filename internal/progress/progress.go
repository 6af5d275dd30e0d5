package progress

import (
	"sync"
	"time"
)

// Status is the step label carried by an Event.
type Status string

const (
	StatusTranscribing       Status = "transcribing"
	StatusCreatingAnnotation Status = "creating annotation"
	StatusComplete           Status = "complete"
	StatusTimeout            Status = "timeout"
	StatusError              Status = "error"
)

// Terminal reports whether no further event follows for the same item.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusTimeout || s == StatusError
}

// Event reports a step of one item within a run. Current is 1-based.
type Event struct {
	RunID       string
	RecordingID string
	Filename    string
	Status      Status
	Current     int
	Total       int
	Timestamp   time.Time
}

// Completion closes a run. Total is the number of items processed.
type Completion struct {
	RunID     string
	Total     int
	Canceled  bool
	Timestamp time.Time
}

// Notifier observes a batch run. Implementations must not block.
type Notifier interface {
	Progress(Event)
	Complete(Completion)
}

// Nop discards every notification.
type Nop struct{}

func (Nop) Progress(Event)      {}
func (Nop) Complete(Completion) {}

// Tee fans out to several notifiers in order.
type Tee []Notifier

func (t Tee) Progress(e Event) {
	for _, n := range t {
		if n != nil {
			n.Progress(e)
		}
	}
}

func (t Tee) Complete(c Completion) {
	for _, n := range t {
		if n != nil {
			n.Complete(c)
		}
	}
}

// Recorder keeps every notification in memory.
type Recorder struct {
	mu          sync.Mutex
	events      []Event
	completions []Completion
}

func (r *Recorder) Progress(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *Recorder) Complete(c Completion) {
	r.mu.Lock()
	r.completions = append(r.completions, c)
	r.mu.Unlock()
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *Recorder) Completions() []Completion {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Completion(nil), r.completions...)
}

// Count returns how many events carried status.
func (r *Recorder) Count(status Status) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Status == status {
			n++
		}
	}
	return n
}
