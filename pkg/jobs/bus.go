package jobs

// EventKind distinguishes the two messages executor tasks emit.
type EventKind string

const (
	// EventStarted marks a job's transition to Running.
	EventStarted EventKind = "started"

	// EventDone carries a job's single terminal outcome.
	EventDone EventKind = "done"
)

// Event is one message on the completion bus, keyed by job id.
type Event struct {
	JobID   int64
	Kind    EventKind
	Outcome Outcome
}

// Bus is the single-consumer channel carrying job lifecycle events from
// executor tasks to the registry owner. Every task emits exactly one
// Done event regardless of which path it exits through.
type Bus struct {
	events chan Event
}

// NewBus creates a bus. The buffer keeps fast executor tasks from
// blocking on a slow consumer.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	return &Bus{events: make(chan Event, buffer)}
}

// Emit publishes an event. It blocks only when the buffer is full.
func (b *Bus) Emit(event Event) {
	b.events <- event
}

// Events exposes the receive side for blocking consumption.
func (b *Bus) Events() <-chan Event {
	return b.events
}

// Drain applies all pending events without blocking, the way a UI tick
// polls between input events. Returns the number of events applied.
func (b *Bus) Drain(apply func(Event)) int {
	applied := 0
	for {
		select {
		case event := <-b.events:
			apply(event)
			applied++
		default:
			return applied
		}
	}
}
