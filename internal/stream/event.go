// Package stream defines the task event stream: typed events, the encoder
// that frames them for incremental delivery, and a WebSocket hub for
// observers.
package stream

import "encoding/json"

// EventType tags an event in a task's stream
type EventType string

const (
	EventChunk EventType = "chunk"
	EventDone  EventType = "done"
	EventError EventType = "error"
)

// Event is one element of a task's ordered event stream. Chunk and done
// events carry content; error events carry a message.
type Event struct {
	Type    EventType `json:"type"`
	Content string    `json:"content,omitempty"`
	Message string    `json:"message,omitempty"`
}

// Terminal reports whether the event ends its stream.
func (e Event) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

// Chunk builds a chunk event.
func Chunk(content string) Event {
	return Event{Type: EventChunk, Content: content}
}

// Done builds the successful terminal event carrying the full output.
func Done(fullText string) Event {
	return Event{Type: EventDone, Content: fullText}
}

// Error builds the failure terminal event.
func Error(message string) Event {
	return Event{Type: EventError, Message: message}
}

// Marshal frames the event as a single self-contained JSON document.
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Sink receives events in arrival order. Implementations must tolerate
// Emit being called from a goroutine other than the one that created them.
type Sink interface {
	Emit(Event) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Event) error

// Emit implements Sink.
func (f SinkFunc) Emit(e Event) error {
	return f(e)
}

// Tee returns a sink that forwards every event to all of the given sinks.
// Every sink is attempted even when an earlier one fails; the first error
// encountered is returned.
func Tee(sinks ...Sink) Sink {
	return SinkFunc(func(e Event) error {
		var firstErr error
		for _, s := range sinks {
			if err := s.Emit(e); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	})
}
