package measure

import (
	"context"
	"fmt"
	"sync"
)

// Event is one recorded measurement.
type Event struct {
	Operation Operation
	Content   string
}

// Line renders the event in the text wire format of the event log.
func (e Event) Line() string {
	return fmt.Sprintf("%s %s %s", Domain, e.Operation, e.Content)
}

// Recorder is an in-memory Sink for tests.
// Single-writer discipline is enforced with a mutex so concurrent volume
// operations may share one recorder.
type Recorder struct {
	mu     sync.Mutex
	events []Event

	// FailOn, when non-empty, makes Extend fail for that operation. Lets
	// tests exercise the written-before-effect ordering contract.
	FailOn Operation
}

// Extend appends the event.
func (r *Recorder) Extend(ctx context.Context, op Operation, content string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailOn != "" && r.FailOn == op {
		return fmt.Errorf("measurement sink rejected %s", op)
	}
	r.events = append(r.events, Event{Operation: op, Content: content})
	return nil
}

// Events returns a copy of the recorded events in append order.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Lines returns the recorded events in the text wire format.
func (r *Recorder) Lines() []string {
	events := r.Events()
	lines := make([]string, len(events))
	for i, e := range events {
		lines[i] = e.Line()
	}
	return lines
}
