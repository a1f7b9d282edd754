// Package sse writes and reads the server-sent event channels stage results
// are streamed over.
//
// A channel carries any number of "chunk" events followed by exactly one
// terminal event: "done" on success or "error" with a message on failure. A
// channel whose client went away ends without a terminal event.
package sse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"time"
)

const (
	EventChunk = "chunk"
	EventDone  = "done"
	EventError = "error"
)

// ErrClientGone is returned by Relay when the client disconnected before the
// channel ended.
var ErrClientGone = errors.New("client disconnected")

// doneData is sent with the done event; browsers ignore events without data.
const doneData = "[DONE]"

type Event struct {
	Name string
	Data string
}

type Writer struct {
	w  io.Writer
	rc *http.ResponseController
}

// NewWriter sends the event-stream headers and disables the write deadline so
// long generations are not cut off by the server's WriteTimeout.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return nil, fmt.Errorf("clearing write deadline: %w", err)
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sw := &Writer{w: w, rc: rc}
	if err := sw.flush(); err != nil {
		return nil, err
	}
	return sw, nil
}

func (w *Writer) flush() error {
	if err := w.rc.Flush(); err != nil {
		return fmt.Errorf("flushing event stream: %w", err)
	}
	return nil
}

// Event writes one event. Multi-line data is split over several data lines.
func (w *Writer) Event(name, data string) error {
	var sb strings.Builder
	sb.WriteString("event: ")
	sb.WriteString(name)
	sb.WriteByte('\n')
	for _, line := range strings.Split(data, "\n") {
		sb.WriteString("data: ")
		sb.WriteString(strings.TrimSuffix(line, "\r"))
		sb.WriteByte('\n')
	}
	sb.WriteByte('\n')

	if _, err := io.WriteString(w.w, sb.String()); err != nil {
		return fmt.Errorf("writing %s event: %w", name, err)
	}
	return w.flush()
}

func (w *Writer) Done() error {
	return w.Event(EventDone, doneData)
}

func (w *Writer) Error(msg string) error {
	return w.Event(EventError, msg)
}

// Relay forwards every fragment of seq as a chunk event as soon as it
// arrives, then ends the channel with done or error. It returns the
// accumulated text and the upstream error, if any.
//
// When ctx is cancelled or the client stops reading, Relay stops consuming
// seq, writes no terminal event and returns an error wrapping ErrClientGone.
func Relay(ctx context.Context, w *Writer, seq iter.Seq2[string, error], message func(error) string) (string, error) {
	var sb strings.Builder
	for fragment, err := range seq {
		if ctx.Err() != nil {
			return sb.String(), fmt.Errorf("%w: %w", ErrClientGone, ctx.Err())
		}
		if err != nil {
			if message == nil {
				message = error.Error
			}
			if werr := w.Error(message(err)); werr != nil {
				return sb.String(), errors.Join(err, werr)
			}
			return sb.String(), err
		}
		if fragment == "" {
			continue
		}
		if werr := w.Event(EventChunk, fragment); werr != nil {
			return sb.String(), fmt.Errorf("%w: %w", ErrClientGone, werr)
		}
		sb.WriteString(fragment)
	}
	if ctx.Err() != nil {
		return sb.String(), fmt.Errorf("%w: %w", ErrClientGone, ctx.Err())
	}
	if err := w.Done(); err != nil {
		return sb.String(), fmt.Errorf("%w: %w", ErrClientGone, err)
	}
	return sb.String(), nil
}
