// Package metadata is the Metadata Publisher of spec.md §4.I: an
// append-only event stream of state transitions for observers, keyed by
// (workflow id, optional call key, key path, timestamp, value). The
// contract is fire-and-forget with bounded buffering; loss is permitted but
// must be logged, grounded in the teacher's logging package for the "log
// the drop" half of that contract.
package metadata

import (
	"log/slog"
	"time"

	"github.com/wilke-labs/gowe-engine/pkg/model"
)

// Event is one metadata record: a key path (e.g. "status",
// "runtimeAttributes", "detritus.stdout") scoped to a workflow and,
// optionally, one of its calls.
type Event struct {
	WorkflowID model.WorkflowID
	CallKey    *model.CallKey // nil for workflow-level events
	Key        string
	Value      any
	Timestamp  time.Time
}

// Publisher is the fire-and-forget sink every state machine publishes
// through after its transition has been durably persisted (spec.md §4.H:
// "metadata events are emitted only after the transaction commits").
type Publisher interface {
	Publish(e Event)
}

// ChannelPublisher buffers events on a bounded channel drained by a single
// background goroutine, so a slow or stalled subscriber cannot block a
// Call's or Workflow's state machine. When the buffer is full the event is
// dropped and logged rather than blocking the caller.
type ChannelPublisher struct {
	events chan Event
	logger *slog.Logger
	sink   func(Event)
	done   chan struct{}
}

// NewChannelPublisher creates a ChannelPublisher with the given buffer
// capacity, draining each event to sink (e.g. writing it to a metadata
// table, forwarding it over a websocket, or simply logging it). Call Run to
// start the drain goroutine.
func NewChannelPublisher(capacity int, logger *slog.Logger, sink func(Event)) *ChannelPublisher {
	if capacity <= 0 {
		capacity = 256
	}
	return &ChannelPublisher{
		events: make(chan Event, capacity),
		logger: logger.With("component", "metadata-publisher"),
		sink:   sink,
		done:   make(chan struct{}),
	}
}

// Publish enqueues e without blocking; if the buffer is full the event is
// dropped and a warning is logged (spec.md §4.I: "loss is permitted but
// must be logged").
func (p *ChannelPublisher) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	select {
	case p.events <- e:
	default:
		p.logger.Warn("metadata event dropped: buffer full",
			"workflow", e.WorkflowID.String(), "key", e.Key)
	}
}

// Run drains events to the sink until stopCh is closed and the buffer is
// empty. Callers run it in its own goroutine.
func (p *ChannelPublisher) Run(stopCh <-chan struct{}) {
	defer close(p.done)
	for {
		select {
		case e := <-p.events:
			p.sink(e)
		case <-stopCh:
			for {
				select {
				case e := <-p.events:
					p.sink(e)
				default:
					return
				}
			}
		}
	}
}

// Wait blocks until Run has returned (the buffer has been fully drained
// after stopCh closed); cmd/engined calls it on exit, after the Supervisor
// has shut down.
func (p *ChannelPublisher) Wait() {
	<-p.done
}

// StatusEvent builds the standard "status" transition event emitted by
// both the Call and Workflow state machines.
func StatusEvent(workflowID model.WorkflowID, callKey *model.CallKey, status string) Event {
	return Event{WorkflowID: workflowID, CallKey: callKey, Key: "status", Value: status, Timestamp: time.Now().UTC()}
}

// RuntimeAttributesEvent builds the runtime-attributes snapshot emitted at
// Call start (spec.md §4.I).
func RuntimeAttributesEvent(workflowID model.WorkflowID, callKey model.CallKey, attrs model.RuntimeAttributes) Event {
	return Event{WorkflowID: workflowID, CallKey: &callKey, Key: "runtimeAttributes", Value: attrs, Timestamp: time.Now().UTC()}
}

// DetritusEvent builds the per-call detritus path registration event
// (spec.md §4.I).
func DetritusEvent(workflowID model.WorkflowID, callKey model.CallKey, d model.Detritus) Event {
	return Event{WorkflowID: workflowID, CallKey: &callKey, Key: "detritus", Value: d, Timestamp: time.Now().UTC()}
}

// LoggingSink returns a sink function that logs every event at debug level,
// a reasonable default for engine instances with no dedicated metadata
// store wired in.
func LoggingSink(logger *slog.Logger) func(Event) {
	logger = logger.With("component", "metadata-sink")
	return func(e Event) {
		attrs := []any{"workflow", e.WorkflowID.String(), "key", e.Key, "value", e.Value}
		if e.CallKey != nil {
			attrs = append(attrs, "call", e.CallKey.String())
		}
		logger.Debug("metadata event", attrs...)
	}
}
