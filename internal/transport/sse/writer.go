// Package sse frames canonical events as Server-Sent Events.
package sse

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/haasonsaas/switchboard/internal/events"
)

// ErrClientGone is returned once a write to the client has failed. Every later
// write returns it again without touching the connection.
var ErrClientGone = errors.New("sse: client gone")

// Options configures a Writer.
type Options struct {
	// Debug forwards debug events. When false they are dropped silently.
	Debug bool
}

// Writer serializes events onto an HTTP response as `data: <json>\n\n` frames.
// It is safe for concurrent use, though a stream normally has one writer.
type Writer struct {
	w    http.ResponseWriter
	rc   *http.ResponseController
	opts Options

	mu          sync.Mutex
	initialized bool
	err         error
	written     int
}

// NewWriter wraps w. Nothing is sent until Initialize or the first Write.
func NewWriter(w http.ResponseWriter, opts Options) *Writer {
	return &Writer{
		w:    w,
		rc:   http.NewResponseController(w),
		opts: opts,
	}
}

// Initialize sends the streaming headers. It is idempotent.
func (s *Writer) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initLocked()
}

func (s *Writer) initLocked() error {
	if s.err != nil {
		return s.err
	}
	if s.initialized {
		return nil
	}
	s.initialized = true

	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	return s.flushLocked()
}

// Write sends one event and flushes it. Debug events are dropped unless the
// writer was built with Debug.
func (s *Writer) Write(ev events.Event) error {
	if ev.Type() == events.TypeDebug && !s.opts.Debug {
		return nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("sse: encode %s: %w", ev.Type(), err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.initLocked(); err != nil {
		return err
	}

	frame := make([]byte, 0, len(payload)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, payload...)
	frame = append(frame, '\n', '\n')
	if _, err := s.w.Write(frame); err != nil {
		s.err = fmt.Errorf("%w: %v", ErrClientGone, err)
		return s.err
	}
	if err := s.flushLocked(); err != nil {
		return err
	}
	s.written++
	return nil
}

// WriteError sends a terminal error event.
func (s *Writer) WriteError(message string) error {
	return s.Write(events.Error(message))
}

// WriteDebug sends a debug event when debug mode is on.
func (s *Writer) WriteDebug(message string, context map[string]any) error {
	if !s.opts.Debug {
		return nil
	}
	return s.Write(events.Debug(message, context))
}

// Written reports how many frames reached the client.
func (s *Writer) Written() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

// Err returns the sticky write failure, if any.
func (s *Writer) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Writer) flushLocked() error {
	err := s.rc.Flush()
	if err == nil || errors.Is(err, http.ErrNotSupported) {
		return nil
	}
	s.err = fmt.Errorf("%w: %v", ErrClientGone, err)
	return s.err
}
