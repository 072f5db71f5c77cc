package stream

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// ErrStreamClosed is returned when an event is emitted after the terminal
// event has been written.
var ErrStreamClosed = errors.New("event stream already terminated")

// Encoder frames events as server-sent events over an HTTP response,
// flushing after each one so the caller sees output as it is produced.
// It enforces the stream contract: zero or more chunks, then exactly one
// terminal event, then nothing.
type Encoder struct {
	mu     sync.Mutex
	w      io.Writer
	flush  func()
	closed bool
}

// NewEncoder creates an encoder over w. If w supports http.Flusher each
// event is flushed as soon as it is written.
func NewEncoder(w io.Writer) *Encoder {
	enc := &Encoder{w: w, flush: func() {}}
	if f, ok := w.(http.Flusher); ok {
		enc.flush = f.Flush
	}
	return enc
}

// Emit writes one event. Events arriving after the terminal event are
// rejected with ErrStreamClosed.
func (e *Encoder) Emit(ev Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrStreamClosed
	}

	data, err := ev.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if _, err := fmt.Fprintf(e.w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	e.flush()

	if ev.Terminal() {
		e.closed = true
	}
	return nil
}

// Closed reports whether the terminal event has been written.
func (e *Encoder) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}
